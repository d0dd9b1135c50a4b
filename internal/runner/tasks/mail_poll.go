// Package tasks holds the scheduled jobs of the data wallet service.
package tasks

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gotrs-io/datawallet/internal/email/inbound/connector"
	"github.com/gotrs-io/datawallet/internal/pipeline"
	"github.com/gotrs-io/datawallet/internal/runner"
)

// Task names.
const (
	MailPollTaskName    = "mail-poll"
	ExpirySweepTaskName = "authorization-expiry-sweep"
	ResumeTaskName      = "finalize-resume"
)

// Poller runs one sequential poll cycle over a mail source.
type Poller interface {
	Poll(ctx context.Context, source connector.MailSource) (pipeline.PollStats, error)
}

// MailPollTask fetches unread mail and turns each message into a task.
type MailPollTask struct {
	poller   Poller
	source   connector.MailSource
	interval time.Duration
	logger   *log.Logger
}

// NewMailPollTask polls source every interval.
func NewMailPollTask(poller Poller, source connector.MailSource, interval time.Duration, logger *log.Logger) runner.Task {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[MAIL-POLL] ", log.LstdFlags)
	}
	return &MailPollTask{poller: poller, source: source, interval: interval, logger: logger}
}

func (t *MailPollTask) Name() string {
	return MailPollTaskName
}

func (t *MailPollTask) Schedule() string {
	return every(t.interval)
}

// Timeout allows a cycle to run for several intervals, with a floor for
// large mailboxes on short intervals.
func (t *MailPollTask) Timeout() time.Duration {
	if d := 5 * t.interval; d > 5*time.Minute {
		return d
	}
	return 5 * time.Minute
}

func (t *MailPollTask) Run(ctx context.Context) error {
	stats, err := t.poller.Poll(ctx, t.source)
	if err != nil {
		return fmt.Errorf("poll %s: %w", t.source.Name(), err)
	}
	if stats.Errors > 0 || stats.AckFails > 0 {
		t.logger.Printf("poll %s: %d of %d messages left for the next cycle, %d acknowledgements failed",
			t.source.Name(), stats.Errors, stats.Fetched, stats.AckFails)
	}
	return nil
}

func every(d time.Duration) string {
	return "@every " + d.String()
}
