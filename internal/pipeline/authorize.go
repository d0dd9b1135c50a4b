package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/gotrs-io/datawallet/internal/authorization"
	"github.com/gotrs-io/datawallet/internal/models"
)

// ReasonAuthorizationExpired is the cause recorded on tasks cancelled by the expiry sweep.
const ReasonAuthorizationExpired = "authorization expired"

// Authorize validates an owner signature and queues the task for finalize.
// It returns as soon as the task is Authorized; the finalize outcome is only
// observable by reading the task later. Authorization errors leave the task
// in PendingAuthorization.
func (s *Service) Authorize(ctx context.Context, taskID, signature, identity string) (*models.ProcessingTask, error) {
	unlock := s.locks.lock(taskID)
	defer unlock()

	task, err := s.Repository.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	req, err := s.Broker.Validate(ctx, taskID, signature, identity)
	if err != nil {
		if authorization.KindOf(err) == authorization.KindNotFound && expiredByTimeout(task) {
			err = &authorization.Error{Kind: authorization.KindExpired, TaskID: taskID}
		}
		s.logger.Printf("[PIPELINE] task=%s authorization refused: %v", taskID, err)
		return nil, err
	}
	if task.State != models.TaskPendingAuthorization {
		return nil, fmt.Errorf("%w: task=%s state=%s", ErrNotPending, taskID, task.State)
	}
	if err := s.advance(ctx, task, models.TaskAuthorized, "authorize",
		fmt.Sprintf("authorized by %s", req.OwnerIdentity)); err != nil {
		return nil, err
	}
	if err := s.pool.Enqueue(task.ID); err != nil {
		s.logger.Printf("[PIPELINE] task=%s finalize deferred to resume: %v", task.ID, err)
		if err := s.note(ctx, task, "finalize", models.OutcomeWarning, "finalize queue full, deferred to resume"); err != nil {
			return nil, err
		}
	}
	return task.Clone(), nil
}

// Reject cancels a pending task on behalf of its owner.
func (s *Service) Reject(ctx context.Context, taskID, identity, reason string) (*models.ProcessingTask, error) {
	unlock := s.locks.lock(taskID)
	defer unlock()

	task, err := s.Repository.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.State != models.TaskPendingAuthorization {
		return nil, fmt.Errorf("%w: task=%s state=%s", ErrNotPending, taskID, task.State)
	}
	if !strings.EqualFold(task.Owner(), identity) {
		return nil, &authorization.Error{Kind: authorization.KindIdentityMismatch, TaskID: taskID}
	}
	if err := s.Broker.Revoke(ctx, taskID); err != nil {
		return nil, fmt.Errorf("revoke authorization for %s: %w", taskID, err)
	}

	message := "rejected by owner"
	if reason = strings.TrimSpace(reason); reason != "" {
		message += ": " + reason
	}
	task.ErrorMessage = message
	if err := s.advance(ctx, task, models.TaskCancelled, "reject", message); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// ExpireStale consumes every expired authorization request and cancels the
// tasks still waiting on them. It returns the cancelled task ids.
func (s *Service) ExpireStale(ctx context.Context) ([]string, error) {
	expired, err := s.Broker.Sweep(ctx)
	if err != nil {
		return nil, fmt.Errorf("sweep authorization requests: %w", err)
	}
	var cancelled []string
	for _, id := range expired {
		ok, err := s.expireOne(ctx, id)
		if err != nil {
			s.logger.Printf("[PIPELINE] expire task=%s: %v", id, err)
			continue
		}
		if ok {
			cancelled = append(cancelled, id)
		}
	}
	if len(cancelled) > 0 {
		s.logger.Printf("[PIPELINE] cancelled %d tasks with expired authorization", len(cancelled))
	}
	return cancelled, nil
}

func (s *Service) expireOne(ctx context.Context, taskID string) (bool, error) {
	unlock := s.locks.lock(taskID)
	defer unlock()

	task, err := s.Repository.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.State != models.TaskPendingAuthorization {
		return false, nil
	}
	task.ErrorMessage = ReasonAuthorizationExpired
	if err := s.advance(ctx, task, models.TaskCancelled, "expire", ReasonAuthorizationExpired); err != nil {
		return false, err
	}
	s.notifyFailure(ctx, task, ReasonAuthorizationExpired)
	return true, nil
}

// expiredByTimeout reports whether task was cancelled by the expiry sweep, so
// a request the store no longer holds still answers Expired.
func expiredByTimeout(task *models.ProcessingTask) bool {
	return task.State == models.TaskCancelled && task.ErrorMessage == ReasonAuthorizationExpired
}
