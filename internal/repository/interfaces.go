package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/gotrs-io/datawallet/internal/models"
)

// ErrTaskNotFound is returned when no task exists for an id.
var ErrTaskNotFound = errors.New("task not found")

// TaskRepository is the single source of truth for task state.
// Upsert replaces the whole record atomically; readers always receive snapshots.
type TaskRepository interface {
	Upsert(ctx context.Context, task *models.ProcessingTask) error
	Get(ctx context.Context, id string) (*models.ProcessingTask, error)
	ListForOwner(ctx context.Context, identity string) ([]*models.ProcessingTask, error)
	ListByStates(ctx context.Context, states ...models.TaskState) ([]*models.ProcessingTask, error)
}

// OwnerKey normalizes an owner identity for lookups. Every TaskRepository
// matches owners on this key.
func OwnerKey(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
