package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewTaskID returns an opaque, globally unique task identity made of the
// creation instant and a random suffix.
func NewTaskID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("task_%d_%s", now.UnixMilli(), suffix)
}
