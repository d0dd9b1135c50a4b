package tasks

import (
	"context"
	"log"
	"time"

	"github.com/gotrs-io/datawallet/internal/runner"
)

// Expirer cancels tasks whose authorization request has expired.
type Expirer interface {
	ExpireStale(ctx context.Context) ([]string, error)
}

// ExpirySweepTask proactively expires stale authorization requests.
type ExpirySweepTask struct {
	expirer  Expirer
	interval time.Duration
	logger   *log.Logger
}

func NewExpirySweepTask(expirer Expirer, interval time.Duration, logger *log.Logger) runner.Task {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[EXPIRY-SWEEP] ", log.LstdFlags)
	}
	return &ExpirySweepTask{expirer: expirer, interval: interval, logger: logger}
}

func (t *ExpirySweepTask) Name() string           { return ExpirySweepTaskName }
func (t *ExpirySweepTask) Schedule() string       { return every(t.interval) }
func (t *ExpirySweepTask) Timeout() time.Duration { return 2 * time.Minute }

func (t *ExpirySweepTask) Run(ctx context.Context) error {
	cancelled, err := t.expirer.ExpireStale(ctx)
	if err != nil {
		return err
	}
	if len(cancelled) > 0 {
		t.logger.Printf("cancelled %d tasks: %v", len(cancelled), cancelled)
	}
	return nil
}

// Resumer re-queues tasks left mid-finalize.
type Resumer interface {
	Resume(ctx context.Context) (int, error)
}

// ResumeTask re-drives finalizing tasks, including those deferred because
// the finalize queue was full.
type ResumeTask struct {
	resumer  Resumer
	interval time.Duration
}

func NewResumeTask(resumer Resumer, interval time.Duration) runner.Task {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ResumeTask{resumer: resumer, interval: interval}
}

func (t *ResumeTask) Name() string           { return ResumeTaskName }
func (t *ResumeTask) Schedule() string       { return every(t.interval) }
func (t *ResumeTask) Timeout() time.Duration { return time.Minute }

func (t *ResumeTask) Run(ctx context.Context) error {
	_, err := t.resumer.Resume(ctx)
	return err
}
