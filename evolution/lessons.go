// Package evolution implements the strategic evolution coordinator: system
// analysis to blueprint to detailed actions to a validated safe plan, with
// the rollback/validation safety doctrine enforced on every plan.
package evolution

import (
	"regexp"
	"sync"

	"github.com/mindforge-ai/mindforge/core"
	"github.com/mindforge-ai/mindforge/persist"
)

var unsafeIDChars = regexp.MustCompile(`\W+`)

// LessonsLearned manages and persists one agent's lessons from failures and
// recoveries. It satisfies the BDI executor's lesson sink.
type LessonsLearned struct {
	mu      sync.Mutex
	agentID string
	lessons []string
	store   *persist.Store
	logger  core.Logger
}

// NewLessonsLearned loads the agent's lesson history.
func NewLessonsLearned(agentID string, store *persist.Store, logger core.Logger) *LessonsLearned {
	l := &LessonsLearned{
		agentID: agentID,
		store:   store,
		logger:  core.ComponentLogger(logger, "evolution/"+agentID),
	}
	if store != nil {
		store.Load(l.snapshotName(), &l.lessons)
	}
	return l
}

func (l *LessonsLearned) snapshotName() string {
	return "lessons_" + unsafeIDChars.ReplaceAllString(l.agentID, "_")
}

// AddLesson appends a lesson and persists.
func (l *LessonsLearned) AddLesson(lesson string) {
	if lesson == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lessons = append(l.lessons, lesson)
	if l.store != nil {
		if err := l.store.Save(l.snapshotName(), l.lessons); err != nil {
			l.logger.Error("Failed to persist lessons", map[string]interface{}{
				"operation": "lessons_save",
				"error":     err.Error(),
			})
		}
	}
}

// All returns a copy of the lesson history.
func (l *LessonsLearned) All() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lessons...)
}
