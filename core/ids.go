package core

import (
	"fmt"

	"github.com/google/uuid"
)

// NewID returns a short prefixed identifier, e.g. "plan_3fa85f64".
// The 8-hex-char suffix keeps ids readable in logs while staying unique
// enough for a single-process orchestrator.
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.New().String()[:8])
}
