// Package pipeline drives a message from receipt to a ledger-attested,
// integrity-verified set of artifacts. Every state change goes through
// advance, which checks the task graph, appends to the processing log and
// stores the whole record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gotrs-io/datawallet/internal/allocator"
	"github.com/gotrs-io/datawallet/internal/authorization"
	"github.com/gotrs-io/datawallet/internal/content"
	"github.com/gotrs-io/datawallet/internal/email/parser"
	"github.com/gotrs-io/datawallet/internal/ledger"
	"github.com/gotrs-io/datawallet/internal/metrics"
	"github.com/gotrs-io/datawallet/internal/models"
	"github.com/gotrs-io/datawallet/internal/notifications"
	"github.com/gotrs-io/datawallet/internal/repository"
	"github.com/gotrs-io/datawallet/internal/retry"
	"github.com/gotrs-io/datawallet/internal/validator"
)

var (
	// ErrInvalidTransition is returned when a move is not an edge of the task graph.
	ErrInvalidTransition = errors.New("invalid task transition")
	// ErrNotPending is returned when an owner acts on a task that no longer awaits authorization.
	ErrNotPending = errors.New("task is not pending authorization")
)

// Staging returns artifact bytes staged by the allocator.
type Staging interface {
	Load(ctx context.Context, hash string) ([]byte, error)
}

// Components are the collaborators a Service orchestrates.
type Components struct {
	Repository repository.TaskRepository
	Parser     *parser.Parser
	Validator  *validator.Validator
	Allocator  *allocator.Allocator
	Staging    Staging
	Broker     *authorization.Broker
	Content    *content.Service
	Attestor   *ledger.Attestor
	Notifier   notifications.Notifier
}

func (c Components) validate() error {
	var missing []string
	if c.Repository == nil {
		missing = append(missing, "repository")
	}
	if c.Parser == nil {
		missing = append(missing, "parser")
	}
	if c.Validator == nil {
		missing = append(missing, "validator")
	}
	if c.Allocator == nil {
		missing = append(missing, "allocator")
	}
	if c.Staging == nil {
		missing = append(missing, "staging")
	}
	if c.Broker == nil {
		missing = append(missing, "broker")
	}
	if c.Content == nil {
		missing = append(missing, "content")
	}
	if c.Attestor == nil {
		missing = append(missing, "attestor")
	}
	if len(missing) > 0 {
		return fmt.Errorf("pipeline: missing components %v", missing)
	}
	return nil
}

// Service is the task orchestration core.
type Service struct {
	Components

	mailBoundary retry.Boundary
	workers      int
	queueSize    int
	pool         *WorkerPool
	locks        *keyedMutex
	metrics      *metrics.Metrics
	now          func() time.Time
	logger       *log.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithWorkers sets the finalize pool size and queue capacity.
func WithWorkers(workers, queueSize int) Option {
	return func(s *Service) {
		if workers > 0 {
			s.workers = workers
		}
		if queueSize > 0 {
			s.queueSize = queueSize
		}
	}
}

// WithMailBoundary sets the retry policy and breaker for listing unread mail.
func WithMailBoundary(b retry.Boundary) Option {
	return func(s *Service) { s.mailBoundary = b }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService wires the pipeline. A nil Notifier logs notices only.
func NewService(c Components, opts ...Option) (*Service, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	s := &Service{
		Components:   c,
		mailBoundary: retry.Boundary{Policy: retry.NoRetry()},
		workers:      4,
		queueSize:    128,
		locks:        newKeyedMutex(),
		now:          time.Now,
		logger:       log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.Notifier == nil {
		s.Notifier = notifications.NewLogNotifier(s.logger)
	}
	s.pool = NewWorkerPool(s.workers, s.queueSize, s.finalize, s.metrics, s.logger)
	return s, nil
}

// Run starts the finalize workers and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Printf("[PIPELINE] starting %d finalize workers (queue=%d)", s.workers, s.queueSize)
	return s.pool.Run(ctx)
}

// Get returns a snapshot of one task.
func (s *Service) Get(ctx context.Context, taskID string) (*models.ProcessingTask, error) {
	return s.Repository.Get(ctx, taskID)
}

// ListForOwner returns the owner's tasks, newest first.
func (s *Service) ListForOwner(ctx context.Context, identity string) ([]*models.ProcessingTask, error) {
	return s.Repository.ListForOwner(ctx, identity)
}

// Resume re-enqueues every task left in a finalizing state, which is how a
// crash mid-pipeline is recovered. It returns how many tasks were queued.
func (s *Service) Resume(ctx context.Context) (int, error) {
	tasks, err := s.Repository.ListByStates(ctx,
		models.TaskAuthorized, models.TaskProcessing, models.TaskPublishing, models.TaskAttesting)
	if err != nil {
		return 0, fmt.Errorf("list finalizing tasks: %w", err)
	}
	queued := 0
	for _, t := range tasks {
		if err := s.pool.Enqueue(t.ID); err != nil {
			s.logger.Printf("[PIPELINE] resume task=%s deferred: %v", t.ID, err)
			continue
		}
		queued++
	}
	if queued > 0 {
		s.logger.Printf("[PIPELINE] resumed %d finalizing tasks", queued)
	}
	return queued, nil
}

// advance moves task to the next state, logs it and persists the whole record.
func (s *Service) advance(ctx context.Context, task *models.ProcessingTask, to models.TaskState, step, message string) error {
	from := task.State
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%w: task=%s %s -> %s", ErrInvalidTransition, task.ID, from, to)
	}
	now := s.now()
	task.State = to
	task.StateHistory = append(task.StateHistory, to)

	outcome := models.OutcomeSuccess
	switch to {
	case models.TaskAuthorized:
		task.AuthorizedAt = &now
	case models.TaskCompleted:
		task.CompletedAt = &now
	case models.TaskFailed:
		outcome = models.OutcomeFailure
	case models.TaskCancelled:
		outcome = models.OutcomeWarning
	}
	task.AppendLog(now, step, outcome, message)

	if err := s.Repository.Upsert(ctx, task); err != nil {
		return fmt.Errorf("store task %s in %s: %w", task.ID, to, err)
	}
	s.metrics.Transition(string(to))
	s.logger.Printf("[PIPELINE] task=%s %s -> %s step=%s", task.ID, from, to, step)
	return nil
}

// fail records cause and moves task to Failed.
func (s *Service) fail(ctx context.Context, task *models.ProcessingTask, step string, cause error) error {
	task.ErrorMessage = cause.Error()
	return s.advance(ctx, task, models.TaskFailed, step, cause.Error())
}

// note appends a log entry without changing state and stores the record.
func (s *Service) note(ctx context.Context, task *models.ProcessingTask, step string, outcome models.LogOutcome, message string) error {
	task.AppendLog(s.now(), step, outcome, message)
	return s.Repository.Upsert(ctx, task)
}

// keyedMutex serializes read-modify-write cycles on one task id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
