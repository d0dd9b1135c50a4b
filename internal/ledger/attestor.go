package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gotrs-io/datawallet/internal/config"
	"github.com/gotrs-io/datawallet/internal/metrics"
	"github.com/gotrs-io/datawallet/internal/models"
	"github.com/gotrs-io/datawallet/internal/retry"
)

// Attestor wraps a Ledger with the attestation retry boundary. Node-side
// rejections are not retried; transport failures are. Once a transaction is
// submitted, later attempts only poll it.
type Attestor struct {
	ledger   Ledger
	boundary retry.Boundary
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *log.Logger
}

// AttestorOption customizes an Attestor.
type AttestorOption func(*Attestor)

func WithBoundary(b retry.Boundary) AttestorOption {
	return func(a *Attestor) { a.boundary = b }
}

func WithMetrics(m *metrics.Metrics) AttestorOption {
	return func(a *Attestor) { a.metrics = m }
}

func WithLogger(logger *log.Logger) AttestorOption {
	return func(a *Attestor) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithAttestorClock(now func() time.Time) AttestorOption {
	return func(a *Attestor) {
		if now != nil {
			a.now = now
		}
	}
}

func NewAttestor(l Ledger, opts ...AttestorOption) *Attestor {
	a := &Attestor{
		ledger:   l,
		boundary: retry.Boundary{Policy: retry.NoRetry()},
		now:      time.Now,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Ledger returns the wrapped ledger for read-only queries.
func (a *Attestor) Ledger() Ledger {
	return a.ledger
}

// SubmittedFunc is told the reference of a transaction as soon as it is
// submitted, before confirmation. A returned error is logged only.
type SubmittedFunc func(ctx context.Context, txRef string) error

// Attest records locator against taskID. Failures surface as *AttestationError,
// carrying the transaction reference when one was submitted.
func (a *Attestor) Attest(ctx context.Context, taskID, locator string, submitted SubmittedFunc) (*models.LedgerAttestationRecord, error) {
	return a.run(ctx, taskID, locator, "", submitted)
}

// Confirm finishes an attestation whose transaction txRef was submitted
// earlier. It never submits another transaction.
func (a *Attestor) Confirm(ctx context.Context, taskID, locator, txRef string) (*models.LedgerAttestationRecord, error) {
	return a.run(ctx, taskID, locator, txRef, nil)
}

func (a *Attestor) run(ctx context.Context, taskID, locator, txRef string, submitted SubmittedFunc) (*models.LedgerAttestationRecord, error) {
	var record *models.LedgerAttestationRecord
	err := a.boundary.Do(ctx, func(ctx context.Context) error {
		started := time.Now()
		var rec *models.LedgerAttestationRecord
		var err error
		if txRef != "" {
			rec, err = a.confirm(ctx, taskID, locator, txRef)
		} else {
			rec, err = a.submit(ctx, taskID, locator, func(ref string) {
				txRef = ref
				if submitted == nil {
					return
				}
				if serr := submitted(ctx, ref); serr != nil {
					a.logger.Printf("[LEDGER] task=%s could not record submitted tx=%s: %v", taskID, ref, serr)
				}
			})
		}
		a.metrics.ObserveCall(BoundaryAttest, started, err)
		if err == nil {
			record = rec
			return nil
		}
		return a.classify(taskID, err)
	})
	if err != nil {
		return nil, &AttestationError{TaskID: taskID, Locator: locator, Network: a.ledger.Network(), TxRef: txRef, Err: err}
	}
	return record, nil
}

// submit sends one transaction and reports its reference through onSubmit
// before waiting for it.
func (a *Attestor) submit(ctx context.Context, taskID, locator string, onSubmit func(string)) (*models.LedgerAttestationRecord, error) {
	s, ok := a.ledger.(Submitter)
	if !ok {
		rec, err := a.ledger.Attest(ctx, taskID, locator)
		var pending *PendingTxError
		if errors.As(err, &pending) {
			onSubmit(pending.TxRef)
		}
		return rec, err
	}
	ref, err := s.Submit(ctx, taskID, locator)
	if err != nil {
		return nil, err
	}
	onSubmit(ref)
	if err := s.AwaitConfirmation(ctx, ref); err != nil {
		return nil, err
	}
	return a.recordFor(taskID, locator, ref), nil
}

// confirm checks a submitted transaction once, or waits for it when the
// ledger can.
func (a *Attestor) confirm(ctx context.Context, taskID, locator, txRef string) (*models.LedgerAttestationRecord, error) {
	if s, ok := a.ledger.(Submitter); ok {
		if err := s.AwaitConfirmation(ctx, txRef); err != nil {
			return nil, err
		}
		return a.recordFor(taskID, locator, txRef), nil
	}
	status, err := a.ledger.GetTransactionStatus(ctx, txRef)
	if errors.Is(err, ErrUnknownTransaction) {
		return nil, err
	}
	if err != nil {
		return nil, &PendingTxError{TxRef: txRef, Err: err}
	}
	switch status {
	case TxConfirmed:
		return a.recordFor(taskID, locator, txRef), nil
	case TxFailed:
		return nil, fmt.Errorf("%s: %w", txRef, ErrReverted)
	}
	return nil, &PendingTxError{TxRef: txRef, Err: ErrNotConfirmed}
}

// classify marks errors that another attempt cannot fix as permanent. A
// pending transaction is retried by polling.
func (a *Attestor) classify(taskID string, err error) error {
	if errors.Is(err, ErrReverted) || errors.Is(err, ErrInvalidAddress) || errors.Is(err, ErrUnknownTransaction) {
		return retry.Permanent(err)
	}
	var pending *PendingTxError
	if errors.As(err, &pending) {
		a.logger.Printf("[LEDGER] task=%s tx=%s awaiting confirmation: %v", taskID, pending.TxRef, pending.Err)
		return err
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return retry.Permanent(err)
	}
	a.logger.Printf("[LEDGER] attest attempt failed task=%s cause=%v", taskID, err)
	return err
}

func (a *Attestor) recordFor(taskID, locator, txRef string) *models.LedgerAttestationRecord {
	return &models.LedgerAttestationRecord{
		TaskID:     taskID,
		Locator:    locator,
		TxRef:      txRef,
		Network:    a.ledger.Network(),
		RecordedAt: a.now(),
	}
}

// New builds the ledger selected by cfg. registered seeds the simulated registry.
func New(cfg config.LedgerConfig, registered []string, logger *log.Logger) (Ledger, error) {
	if cfg.IsSimulated() {
		return NewSimulatedLedger(cfg.Network,
			WithSimulatedDelay(cfg.SimulatedDelay),
			WithRegistered(registered...),
			WithSimulatedLogger(logger),
		), nil
	}

	schema, err := LoadContractSchema(cfg.SchemaPath)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	opts := []RPCOption{
		WithNetwork(cfg.Network),
		WithConfirmation(cfg.ConfirmTimeout, cfg.PollInterval),
		WithRPCLogger(logger),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithHTTPClient(newHTTPClient(cfg.Timeout)))
	}
	return NewRPCLedger(cfg.RPCURL, cfg.ContractAddress, cfg.FromAddress, schema, opts...)
}
