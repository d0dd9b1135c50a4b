package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/gotrs-io/datawallet/internal/models"
	"github.com/gotrs-io/datawallet/internal/repository"
)

// TaskRepository keeps tasks in a map. Records go in and come out as deep
// copies so no caller holds a reference into the store.
type TaskRepository struct {
	mu    sync.RWMutex
	tasks map[string]*models.ProcessingTask
}

// NewTaskRepository creates an empty in-memory task repository.
func NewTaskRepository() *TaskRepository {
	return &TaskRepository{
		tasks: make(map[string]*models.ProcessingTask),
	}
}

func (r *TaskRepository) Upsert(ctx context.Context, task *models.ProcessingTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if task == nil || task.ID == "" {
		return errors.New("task id is required")
	}
	snapshot := task.Clone()

	r.mu.Lock()
	r.tasks[snapshot.ID] = snapshot
	r.mu.Unlock()
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*models.ProcessingTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, repository.ErrTaskNotFound
	}
	return task.Clone(), nil
}

// ListForOwner returns the owner's tasks, newest first.
func (r *TaskRepository) ListForOwner(ctx context.Context, identity string) ([]*models.ProcessingTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := repository.OwnerKey(identity)
	r.mu.RLock()
	out := make([]*models.ProcessingTask, 0)
	for _, task := range r.tasks {
		if task.Owner() != "" && repository.OwnerKey(task.Owner()) == key {
			out = append(out, task.Clone())
		}
	}
	r.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

// ListByStates returns every task currently in one of states, oldest first.
func (r *TaskRepository) ListByStates(ctx context.Context, states ...models.TaskState) ([]*models.ProcessingTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wanted := make(map[models.TaskState]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}

	r.mu.RLock()
	out := make([]*models.ProcessingTask, 0)
	for _, task := range r.tasks {
		if wanted[task.State] {
			out = append(out, task.Clone())
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Len reports how many tasks are stored.
func (r *TaskRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

func sortNewestFirst(tasks []*models.ProcessingTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID > tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

var _ repository.TaskRepository = (*TaskRepository)(nil)
