// Package persist provides atomic JSON snapshots for the orchestrator's
// persisted collections: the improvement backlog, campaign history, audit
// schedules and lessons learned.
package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mindforge-ai/mindforge/core"
)

// Store reads and writes JSON snapshots under a base directory.
// Writes are atomic by temp-file-and-rename; reads tolerate absent and
// corrupt files by starting empty.
type Store struct {
	baseDir string
	logger  core.Logger
}

// NewStore creates a snapshot store rooted at baseDir.
func NewStore(baseDir string, logger core.Logger) *Store {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Store{
		baseDir: baseDir,
		logger:  core.ComponentLogger(logger, "persist"),
	}
}

// Path returns the absolute path a collection is stored at.
func (s *Store) Path(name string) string {
	return filepath.Join(s.baseDir, name+".json")
}

// Save marshals v and atomically replaces the named snapshot.
func (s *Store) Save(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}

	path := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating data dir for %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file for %s: %w", name, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", name, err)
	}

	s.logger.Debug("Snapshot saved", map[string]interface{}{
		"operation": "persist_save",
		"name":      name,
		"bytes":     len(data),
	})
	return nil
}

// Load reads the named snapshot into v. An absent file leaves v untouched
// and returns false. A corrupt file is logged and treated as absent;
// persistence failures never crash the orchestrator.
func (s *Store) Load(name string, v interface{}) bool {
	path := s.Path(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Snapshot unreadable, starting empty", map[string]interface{}{
				"operation": "persist_load",
				"name":      name,
				"error":     err.Error(),
			})
		}
		return false
	}

	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Error("Snapshot corrupt, starting empty", map[string]interface{}{
			"operation": "persist_load",
			"name":      name,
			"error":     err.Error(),
		})
		return false
	}
	return true
}
