// Package ledger records content locators against tasks on a distributed
// ledger and answers registration and balance queries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"

	"github.com/gotrs-io/datawallet/internal/models"
)

const BoundaryAttest = "ledger.attest"

// TxStatus is the confirmation state of a submitted transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

var (
	ErrUnknownTransaction = errors.New("unknown transaction")
	ErrInvalidAddress     = errors.New("invalid address")
)

// Ledger is the external ledger boundary. Every call may be slow or fail.
type Ledger interface {
	Network() string
	Attest(ctx context.Context, taskID, locator string) (*models.LedgerAttestationRecord, error)
	IsRegistered(ctx context.Context, identity string) (bool, error)
	GetBalance(ctx context.Context, identity string) (*big.Int, error)
	GetTransactionStatus(ctx context.Context, txRef string) (TxStatus, error)
}

// Submitter is implemented by ledgers whose transactions confirm
// asynchronously. Submit returns once the node accepted the transaction and
// AwaitConfirmation polls it; a transaction is never sent twice for one call.
type Submitter interface {
	Submit(ctx context.Context, taskID, locator string) (txRef string, err error)
	// AwaitConfirmation returns nil once txRef is confirmed, an error wrapping
	// ErrReverted when it failed and *PendingTxError otherwise.
	AwaitConfirmation(ctx context.Context, txRef string) error
}

// ErrNotConfirmed is the cause of a PendingTxError raised by a status check
// that found the transaction still pending.
var ErrNotConfirmed = errors.New("transaction not confirmed yet")

// PendingTxError reports a submitted transaction whose outcome is unknown.
// Callers must poll TxRef rather than submit again.
type PendingTxError struct {
	TxRef string
	Err   error
}

func (e *PendingTxError) Error() string {
	return fmt.Sprintf("transaction %s pending: %v", e.TxRef, e.Err)
}

func (e *PendingTxError) Unwrap() error { return e.Err }

// AttestationError reports a failed attempt to record a locator. TxRef is set
// when a transaction was submitted before the failure.
type AttestationError struct {
	TaskID  string
	Locator string
	Network string
	TxRef   string
	Err     error
}

func (e *AttestationError) Error() string {
	return fmt.Sprintf("attest task %s on %s: %v", e.TaskID, e.Network, e.Err)
}

func (e *AttestationError) Unwrap() error { return e.Err }

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	return addressPattern.MatchString(s)
}
