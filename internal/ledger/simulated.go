package ledger

import (
	"context"
	"encoding/binary"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/gotrs-io/datawallet/internal/models"
)

// SimulatedBalance is the balance reported for every registered identity.
var SimulatedBalance = big.NewInt(1000)

// SimulatedLedger synthesizes transaction references locally after a fixed
// delay. It is used whenever real transactions are disabled.
type SimulatedLedger struct {
	network string
	delay   time.Duration
	now     func() time.Time
	logger  *log.Logger

	mu         sync.Mutex
	registered map[string]bool
	txs        map[string]TxStatus
	seq        uint64
}

// SimulatedOption customizes a SimulatedLedger.
type SimulatedOption func(*SimulatedLedger)

func WithSimulatedDelay(d time.Duration) SimulatedOption {
	return func(s *SimulatedLedger) {
		if d >= 0 {
			s.delay = d
		}
	}
}

// WithRegistered seeds the identity registry.
func WithRegistered(identities ...string) SimulatedOption {
	return func(s *SimulatedLedger) {
		for _, id := range identities {
			s.registered[strings.ToLower(id)] = true
		}
	}
}

func WithSimulatedClock(now func() time.Time) SimulatedOption {
	return func(s *SimulatedLedger) {
		if now != nil {
			s.now = now
		}
	}
}

func WithSimulatedLogger(logger *log.Logger) SimulatedOption {
	return func(s *SimulatedLedger) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewSimulatedLedger(network string, opts ...SimulatedOption) *SimulatedLedger {
	if network == "" {
		network = "simulated"
	}
	s := &SimulatedLedger{
		network:    network,
		delay:      500 * time.Millisecond,
		now:        time.Now,
		logger:     log.Default(),
		registered: make(map[string]bool),
		txs:        make(map[string]TxStatus),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *SimulatedLedger) Network() string {
	return s.network
}

func (s *SimulatedLedger) Attest(ctx context.Context, taskID, locator string) (*models.LedgerAttestationRecord, error) {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	s.seq++
	txRef := syntheticTxRef(taskID, locator, s.seq)
	s.txs[txRef] = TxConfirmed
	s.mu.Unlock()

	s.logger.Printf("[LEDGER] simulated attestation task=%s locator=%s tx=%s", taskID, locator, txRef)
	return &models.LedgerAttestationRecord{
		TaskID:     taskID,
		Locator:    locator,
		TxRef:      txRef,
		Network:    s.network,
		Simulated:  true,
		RecordedAt: s.now(),
	}, nil
}

func (s *SimulatedLedger) IsRegistered(ctx context.Context, identity string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered[strings.ToLower(identity)], nil
}

// Register adds identity to the registry.
func (s *SimulatedLedger) Register(identity string) {
	s.mu.Lock()
	s.registered[strings.ToLower(identity)] = true
	s.mu.Unlock()
}

func (s *SimulatedLedger) GetBalance(ctx context.Context, identity string) (*big.Int, error) {
	ok, err := s.IsRegistered(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(SimulatedBalance), nil
}

func (s *SimulatedLedger) GetTransactionStatus(ctx context.Context, txRef string) (TxStatus, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.txs[strings.ToLower(txRef)]
	if !ok {
		return "", ErrUnknownTransaction
	}
	return status, nil
}

func syntheticTxRef(taskID, locator string, seq uint64) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(taskID))
	h.Write([]byte{0})
	h.Write([]byte(locator))
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], seq)
	h.Write(n[:])
	return EncodeHex(h.Sum(nil))
}

var _ Ledger = (*SimulatedLedger)(nil)
