package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/gotrs-io/datawallet/internal/content"
	"github.com/gotrs-io/datawallet/internal/ledger"
	"github.com/gotrs-io/datawallet/internal/models"
)

// finalize drives an authorized task to Completed. It re-enters from the
// recorded state: verified artifacts are not published again and an existing
// attestation is kept. When ctx is cancelled the task is left in its current
// state for Resume.
func (s *Service) finalize(ctx context.Context, taskID string) {
	unlock := s.locks.lock(taskID)
	defer unlock()

	task, err := s.Repository.Get(ctx, taskID)
	if err != nil {
		s.logger.Printf("[PIPELINE] finalize task=%s: %v", taskID, err)
		return
	}
	if !task.State.IsFinalizing() {
		return
	}

	step, err := s.runFinalize(ctx, task)
	if err == nil {
		if nerr := s.Notifier.SendCompletion(ctx, task); nerr != nil {
			s.logger.Printf("[PIPELINE] task=%s completion notice: %v", task.ID, nerr)
		}
		return
	}
	if ctx.Err() != nil {
		s.logger.Printf("[PIPELINE] finalize task=%s interrupted in %s: %v", task.ID, task.State, err)
		return
	}
	var pending *ledger.PendingTxError
	if errors.As(err, &pending) {
		s.logger.Printf("[PIPELINE] task=%s attestation %s unconfirmed, left for resume", task.ID, pending.TxRef)
		return
	}
	if ferr := s.fail(ctx, task, step, err); ferr != nil {
		s.logger.Printf("[PIPELINE] finalize task=%s: %v (while recording: %v)", task.ID, ferr, err)
		return
	}
	s.notifyFailure(ctx, task, err.Error())
}

// runFinalize returns the step that failed alongside the error.
func (s *Service) runFinalize(ctx context.Context, task *models.ProcessingTask) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "finalize", err
		}
		switch task.State {
		case models.TaskAuthorized:
			if err := s.advance(ctx, task, models.TaskProcessing, "process", "finalize started"); err != nil {
				return "process", err
			}
		case models.TaskProcessing:
			if err := s.checkStaged(ctx, task); err != nil {
				return "process", err
			}
			if err := s.advance(ctx, task, models.TaskPublishing, "process",
				fmt.Sprintf("%d artifacts ready to publish", len(task.Artifacts))); err != nil {
				return "process", err
			}
		case models.TaskPublishing:
			if err := s.publishArtifacts(ctx, task); err != nil {
				return "publish", err
			}
			if err := s.advance(ctx, task, models.TaskAttesting, "publish",
				fmt.Sprintf("%d artifacts published and verified", len(task.Artifacts))); err != nil {
				return "publish", err
			}
		case models.TaskAttesting:
			if err := s.attest(ctx, task); err != nil {
				return "attest", err
			}
			return "", s.advance(ctx, task, models.TaskCompleted, "complete",
				fmt.Sprintf("attested as %s on %s", task.Attestation.TxRef, task.Attestation.Network))
		default:
			return "finalize", fmt.Errorf("%w: task=%s cannot finalize from %s", ErrInvalidTransition, task.ID, task.State)
		}
	}
}

// checkStaged confirms every unverified artifact still has its bytes staged.
func (s *Service) checkStaged(ctx context.Context, task *models.ProcessingTask) error {
	for _, a := range task.Artifacts {
		if a.Verification == models.Verified {
			continue
		}
		data, err := s.Staging.Load(ctx, a.Hash)
		if err != nil {
			return fmt.Errorf("load staged %s: %w", a.Name, err)
		}
		if got := models.HashContent(data); got != a.Hash {
			return &content.IntegrityError{Locator: "staging:" + a.Name, ExpectedHash: a.Hash, ActualHash: got}
		}
	}
	return nil
}

// publishArtifacts publishes and verifies each artifact in turn, storing the
// record after every one so a restart resumes where it stopped.
func (s *Service) publishArtifacts(ctx context.Context, task *models.ProcessingTask) error {
	var published int64
	for i := range task.Artifacts {
		a := &task.Artifacts[i]
		if a.Verification == models.Verified {
			published += a.Size
			continue
		}
		data, err := s.Staging.Load(ctx, a.Hash)
		if err != nil {
			return fmt.Errorf("load staged %s: %w", a.Name, err)
		}
		locator, res, err := s.Content.PublishAndVerify(ctx, *a, data, task.ID)
		if err != nil {
			var integrity *content.IntegrityError
			if errors.As(err, &integrity) {
				a.Locator = locator
				a.Verification = models.Mismatched
			}
			return fmt.Errorf("artifact %s: %w", a.Name, err)
		}
		now := s.now()
		a.Locator = locator
		a.Verification = models.Verified
		a.PublishedAt = &now
		published += a.Size
		if err := s.note(ctx, task, "publish", models.OutcomeSuccess,
			fmt.Sprintf("%s published as %s (%d bytes verified)", a.Name, locator, res.Size)); err != nil {
			return err
		}
	}
	task.ActualCost = s.Allocator.CostModel().Estimate(published, countRole(task.Artifacts, models.RoleAttachment))
	return nil
}

// attest records the email artifact's locator on the ledger once. The
// transaction reference is stored as soon as it is submitted, and a task that
// already has one only polls it.
func (s *Service) attest(ctx context.Context, task *models.ProcessingTask) error {
	if task.Attestation != nil {
		return nil
	}
	locator := primaryLocator(task.Artifacts)
	if locator == "" {
		return errors.New("no published email artifact to attest")
	}

	var rec *models.LedgerAttestationRecord
	var err error
	if task.PendingTxRef != "" {
		rec, err = s.Attestor.Confirm(ctx, task.ID, locator, task.PendingTxRef)
	} else {
		rec, err = s.Attestor.Attest(ctx, task.ID, locator, func(ctx context.Context, txRef string) error {
			task.PendingTxRef = txRef
			return s.note(context.WithoutCancel(ctx), task, "attest", models.OutcomeInfo,
				fmt.Sprintf("submitted %s, awaiting confirmation", txRef))
		})
	}
	if err != nil {
		var attErr *ledger.AttestationError
		if errors.As(err, &attErr) && attErr.TxRef != "" && task.PendingTxRef != attErr.TxRef {
			task.PendingTxRef = attErr.TxRef
			if nerr := s.note(context.WithoutCancel(ctx), task, "attest", models.OutcomeInfo,
				fmt.Sprintf("submitted %s, awaiting confirmation", attErr.TxRef)); nerr != nil {
				s.logger.Printf("[PIPELINE] task=%s record pending tx: %v", task.ID, nerr)
			}
		}
		return err
	}
	task.Attestation = rec
	task.PendingTxRef = ""
	return nil
}

func primaryLocator(artifacts []models.ContentArtifact) string {
	for _, a := range artifacts {
		if a.Role == models.RoleEmail && a.Locator != "" {
			return a.Locator
		}
	}
	return ""
}

func countRole(artifacts []models.ContentArtifact, role models.ArtifactRole) int {
	n := 0
	for _, a := range artifacts {
		if a.Role == role {
			n++
		}
	}
	return n
}
