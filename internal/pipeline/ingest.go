package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gotrs-io/datawallet/internal/email/inbound/connector"
	"github.com/gotrs-io/datawallet/internal/models"
	"github.com/gotrs-io/datawallet/internal/validator"
)

// BoundaryMailList names the mail listing boundary for metrics and breakers.
const BoundaryMailList = "mail.list"

// Handle implements connector.Handler. A non-nil error means no task record
// could be stored and the message must not be acknowledged.
func (s *Service) Handle(ctx context.Context, msg *connector.FetchedMessage) error {
	_, err := s.Ingest(ctx, msg)
	return err
}

// Ingest turns one fetched message into a task awaiting authorization, or a
// Failed task recording why it was rejected. Processing failures are recorded
// on the task and are not returned; only storage failures are.
func (s *Service) Ingest(ctx context.Context, fetched *connector.FetchedMessage) (*models.ProcessingTask, error) {
	now := s.now()
	task := models.NewProcessingTask(models.NewTaskID(now), now)
	task.AppendLog(now, "receive", models.OutcomeInfo, receivedMessage(fetched))
	if err := s.Repository.Upsert(ctx, task); err != nil {
		return nil, fmt.Errorf("store new task: %w", err)
	}
	s.metrics.Transition(string(models.TaskReceived))

	msg, err := s.Parser.ParseFetched(fetched)
	if err != nil {
		return task, s.fail(ctx, task, "parse", fmt.Errorf("parse message: %w", err))
	}
	task.MessageID = msg.MessageID
	task.Sender = msg.EffectiveSender()
	task.Subject = msg.Subject
	if err := s.advance(ctx, task, models.TaskValidating, "parse",
		fmt.Sprintf("parsed message %s from %s with %d attachments", msg.MessageID, task.Sender, len(msg.Attachments))); err != nil {
		return task, err
	}

	res, err := s.Validator.Validate(ctx, msg)
	if err != nil {
		var verr *validator.ValidationError
		if errors.As(err, &verr) {
			for _, w := range verr.Warnings {
				task.AppendLog(s.now(), "validate", models.OutcomeWarning, w)
			}
		}
		return task, s.fail(ctx, task, "validate", err)
	}
	task.SetOwner(res.OwnerIdentity)
	for _, w := range res.Warnings {
		task.AppendLog(s.now(), "validate", models.OutcomeWarning, w)
	}
	if err := s.advance(ctx, task, models.TaskCreating, "validate",
		fmt.Sprintf("sender accepted for owner %s", res.OwnerIdentity)); err != nil {
		return task, err
	}

	alloc, err := s.Allocator.Allocate(ctx, task, msg)
	if err != nil {
		return task, s.failAndNotify(ctx, task, "allocate", err)
	}
	task.Artifacts = alloc.Artifacts
	task.EstimatedCost = alloc.EstimatedCost
	if err := s.advance(ctx, task, models.TaskPendingAuthorization, "allocate",
		fmt.Sprintf("allocated %d artifacts (%d bytes), estimated cost %d", len(alloc.Artifacts), alloc.TotalBytes, alloc.EstimatedCost)); err != nil {
		return task, err
	}

	req, err := s.Broker.Issue(ctx, task)
	if err != nil {
		return task, s.failAndNotify(ctx, task, "authorize", fmt.Errorf("issue authorization request: %w", err))
	}
	if err := s.note(ctx, task, "authorize", models.OutcomeInfo,
		fmt.Sprintf("authorization requested, expires %s", req.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z"))); err != nil {
		return task, err
	}
	if err := s.Notifier.SendAuthorizationRequest(ctx, req); err != nil {
		s.logger.Printf("[PIPELINE] task=%s authorization notice: %v", task.ID, err)
		if err := s.note(ctx, task, "notify", models.OutcomeWarning, "authorization notice not delivered: "+err.Error()); err != nil {
			return task, err
		}
	}
	return task, nil
}

// PollStats summarizes one poll cycle.
type PollStats struct {
	Fetched  int
	Handled  int
	Errors   int
	AckFails int
}

// Poll runs one sequential cycle over source: each message is handled and
// only then acknowledged, so acknowledgements never overtake task creation.
func (s *Service) Poll(ctx context.Context, source connector.MailSource) (PollStats, error) {
	var stats PollStats
	var batch []*connector.FetchedMessage
	started := s.now()
	err := s.mailBoundary.Do(ctx, func(ctx context.Context) error {
		var err error
		batch, err = source.ListUnread(ctx)
		return err
	})
	s.metrics.ObserveCall(BoundaryMailList, started, err)
	if err != nil {
		return stats, fmt.Errorf("list unread from %s: %w", source.Name(), err)
	}
	stats.Fetched = len(batch)

	for _, msg := range batch {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := s.Handle(ctx, msg); err != nil {
			stats.Errors++
			s.logger.Printf("[PIPELINE] message uid=%s left unacknowledged: %v", msg.UID, err)
			continue
		}
		stats.Handled++
		if err := source.MarkProcessed(ctx, msg.UID); err != nil {
			stats.AckFails++
			s.logger.Printf("[PIPELINE] mark processed uid=%s: %v", msg.UID, err)
		}
	}
	if stats.Fetched > 0 {
		s.logger.Printf("[PIPELINE] poll %s fetched=%d handled=%d errors=%d ack_failures=%d",
			source.Name(), stats.Fetched, stats.Handled, stats.Errors, stats.AckFails)
	}
	return stats, nil
}

func (s *Service) failAndNotify(ctx context.Context, task *models.ProcessingTask, step string, cause error) error {
	if err := s.fail(ctx, task, step, cause); err != nil {
		return err
	}
	s.notifyFailure(ctx, task, cause.Error())
	return nil
}

func (s *Service) notifyFailure(ctx context.Context, task *models.ProcessingTask, reason string) {
	if task.Owner() == "" {
		return
	}
	if err := s.Notifier.SendFailure(ctx, task, reason); err != nil {
		s.logger.Printf("[PIPELINE] task=%s failure notice: %v", task.ID, err)
	}
}

func receivedMessage(msg *connector.FetchedMessage) string {
	if msg == nil {
		return "received empty message"
	}
	parts := []string{fmt.Sprintf("received %d bytes", len(msg.Raw))}
	if msg.Connector != "" {
		parts = append(parts, "via "+msg.Connector)
	}
	if msg.UID != "" {
		parts = append(parts, "uid "+msg.UID)
	}
	return strings.Join(parts, " ")
}
