// Package beliefs implements the shared keyed store of timestamped,
// confidence-weighted, optionally expiring facts. Keys are dotted
// namespaces, e.g. "sea.mastermind.plan.plan_1a2b3c4d.rollback.core_go".
package beliefs

import (
	"context"
	"fmt"
	"time"

	"github.com/mindforge-ai/mindforge/core"
)

// Source identifies where a belief came from.
type Source string

const (
	SourcePerception   Source = "perception"
	SourceSelfAnalysis Source = "self_analysis"
	SourceDerivation   Source = "derivation"
	SourceExternal     Source = "external"
)

// Belief is a single keyed fact.
type Belief struct {
	Key        string      `json:"key"`
	Value      interface{} `json:"value"`
	Confidence float64     `json:"confidence"`
	Source     Source      `json:"source"`
	CreatedAt  time.Time   `json:"created_at"`
	TTLSeconds float64     `json:"ttl_seconds,omitempty"`
}

// Expired reports whether the belief's TTL has elapsed. Expiry is lazy:
// it is checked at read time, never by a background sweeper.
func (b *Belief) Expired(now time.Time) bool {
	if b.TTLSeconds <= 0 {
		return false
	}
	return now.After(b.CreatedAt.Add(time.Duration(b.TTLSeconds * float64(time.Second))))
}

// Entry pairs a key with its belief for Query results.
type Entry struct {
	Key    string
	Belief *Belief
}

// Store is the shared belief surface. Writes of the same key overwrite
// unconditionally; expired beliefs are treated as absent.
type Store interface {
	Add(ctx context.Context, key string, value interface{}, confidence float64, source Source, ttl time.Duration) error
	Get(ctx context.Context, key string) (*Belief, error)
	Query(ctx context.Context, prefix string) ([]Entry, error)
	Remove(ctx context.Context, key string) error
}

// normalize validates and clamps belief fields before storage.
func normalize(key string, confidence float64) (float64, error) {
	if key == "" {
		return 0, fmt.Errorf("%w: belief key is empty", core.ErrInvalidInput)
	}
	if confidence < 0 {
		return 0, fmt.Errorf("%w: negative confidence %v for key %s", core.ErrInvalidInput, confidence, key)
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence, nil
}
