// Package notifications delivers authorization requests and completion or
// failure notices to task owners.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gotrs-io/datawallet/internal/models"
)

// Notifier is the outbound notice boundary. Delivery failures are reported
// to the caller but never change task state.
type Notifier interface {
	SendAuthorizationRequest(ctx context.Context, req *models.AuthorizationRequest) error
	SendCompletion(ctx context.Context, task *models.ProcessingTask) error
	SendFailure(ctx context.Context, task *models.ProcessingTask, reason string) error
}

// Multi fans a notice out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) SendAuthorizationRequest(ctx context.Context, req *models.AuthorizationRequest) error {
	var errs []error
	for _, n := range m {
		if err := n.SendAuthorizationRequest(ctx, req); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) SendCompletion(ctx context.Context, task *models.ProcessingTask) error {
	var errs []error
	for _, n := range m {
		if err := n.SendCompletion(ctx, task); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) SendFailure(ctx context.Context, task *models.ProcessingTask, reason string) error {
	var errs []error
	for _, n := range m {
		if err := n.SendFailure(ctx, task, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notices to a logger. It is always part of the fan-out.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) SendAuthorizationRequest(_ context.Context, req *models.AuthorizationRequest) error {
	l.logger.Printf("[NOTIFY] authorization requested task=%s owner=%s cost=%d expires=%s callback=%s",
		req.TaskID, req.OwnerIdentity, req.Summary.EstimatedCost, req.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"), req.CallbackURL)
	return nil
}

func (l *LogNotifier) SendCompletion(_ context.Context, task *models.ProcessingTask) error {
	tx := ""
	if task.Attestation != nil {
		tx = task.Attestation.TxRef
	}
	l.logger.Printf("[NOTIFY] task completed task=%s owner=%s artifacts=%d tx=%s",
		task.ID, task.Owner(), len(task.Locators()), tx)
	return nil
}

func (l *LogNotifier) SendFailure(_ context.Context, task *models.ProcessingTask, reason string) error {
	l.logger.Printf("[NOTIFY] task failed task=%s owner=%s reason=%q", task.ID, task.Owner(), reason)
	return nil
}

// RecipientResolver maps an owning identity to an email address.
type RecipientResolver func(identity string) (string, bool)

// ErrNoRecipient is returned when an owner has no known address.
var ErrNoRecipient = errors.New("no recipient for owner")

func resolve(r RecipientResolver, identity string) (string, error) {
	if r == nil {
		return "", fmt.Errorf("%w %s", ErrNoRecipient, identity)
	}
	addr, ok := r(identity)
	if !ok || addr == "" {
		return "", fmt.Errorf("%w %s", ErrNoRecipient, identity)
	}
	return addr, nil
}
