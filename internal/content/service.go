// Package content publishes artifacts to content-addressed storage and
// verifies what comes back.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gotrs-io/datawallet/internal/metrics"
	"github.com/gotrs-io/datawallet/internal/models"
	"github.com/gotrs-io/datawallet/internal/retry"
	"github.com/gotrs-io/datawallet/internal/storage"
)

const (
	BoundaryPublish  = "content.publish"
	BoundaryRetrieve = "content.retrieve"
)

// Result is the outcome of content-hash verification.
type Result struct {
	Locator         string `json:"locator"`
	ContentVerified bool   `json:"content_verified"`
	ExpectedHash    string `json:"expected_hash"`
	ActualHash      string `json:"actual_hash,omitempty"`
	Size            int    `json:"size"`
}

// WalletResult is the outcome of identity-derivation verification. It is
// reported separately from content-hash verification.
type WalletResult struct {
	OwnerIdentity  string `json:"owner_identity"`
	ClaimedAddress string `json:"claimed_address"`
	DerivedAddress string `json:"derived_address,omitempty"`
	WalletVerified bool   `json:"wallet_verified"`
	Reason         string `json:"reason,omitempty"`
}

// Service publishes, retrieves and verifies content.
type Service struct {
	store    storage.ContentStore
	publish  retry.Boundary
	retrieve retry.Boundary
	metrics  *metrics.Metrics
	logger   *log.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithPublishBoundary sets the retry policy and breaker for publishing.
func WithPublishBoundary(b retry.Boundary) Option {
	return func(s *Service) { s.publish = b }
}

// WithRetrieveBoundary sets the retry policy and breaker for retrieval.
func WithRetrieveBoundary(b retry.Boundary) Option {
	return func(s *Service) { s.retrieve = b }
}

// WithMetrics records call outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService wraps store. Without options every call is attempted once.
func NewService(store storage.ContentStore, opts ...Option) *Service {
	s := &Service{
		store:    store,
		publish:  retry.Boundary{Policy: retry.NoRetry()},
		retrieve: retry.Boundary{Policy: retry.NoRetry()},
		logger:   log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Store returns the underlying content store.
func (s *Service) Store() storage.ContentStore {
	return s.store
}

// Publish uploads data and returns its locator. Failures surface as *PublishError.
func (s *Service) Publish(ctx context.Context, data []byte, meta storage.Metadata) (string, error) {
	var locator string
	err := s.publish.Do(ctx, func(ctx context.Context) error {
		started := time.Now()
		loc, err := s.store.Publish(ctx, data, meta)
		s.metrics.ObserveCall(BoundaryPublish, started, err)
		if err != nil {
			if errors.Is(err, storage.ErrReadOnly) {
				return retry.Permanent(err)
			}
			return err
		}
		locator = loc
		return nil
	})
	if err != nil {
		return "", &PublishError{Name: meta.Name, Endpoint: s.store.Name(), Err: err}
	}
	return locator, nil
}

// Retrieve fetches locator, falling back across endpoints inside the store.
func (s *Service) Retrieve(ctx context.Context, locator string) ([]byte, error) {
	var data []byte
	err := s.retrieve.Do(ctx, func(ctx context.Context) error {
		started := time.Now()
		got, err := s.store.Retrieve(ctx, locator)
		s.metrics.ObserveCall(BoundaryRetrieve, started, err)
		if err != nil {
			if errors.Is(err, storage.ErrInvalidLocator) {
				return retry.Permanent(err)
			}
			return err
		}
		data = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Verify retrieves locator and compares the SHA-256 of the bytes with
// expectedHash. A mismatch returns a result with ContentVerified=false and an
// *IntegrityError; it never panics.
func (s *Service) Verify(ctx context.Context, locator, expectedHash string) (*Result, error) {
	res := &Result{Locator: locator, ExpectedHash: strings.ToLower(expectedHash)}
	data, err := s.Retrieve(ctx, locator)
	if err != nil {
		return res, err
	}
	res.Size = len(data)
	res.ActualHash = models.HashContent(data)
	if res.ActualHash != res.ExpectedHash {
		s.logger.Printf("integrity mismatch locator=%s expected=%s actual=%s", locator, res.ExpectedHash, res.ActualHash)
		return res, &IntegrityError{Locator: locator, ExpectedHash: res.ExpectedHash, ActualHash: res.ActualHash}
	}
	res.ContentVerified = true
	return res, nil
}

// PublishAndVerify publishes artifact bytes and immediately verifies the
// round trip, returning the locator and the verification outcome.
func (s *Service) PublishAndVerify(ctx context.Context, artifact models.ContentArtifact, data []byte, taskID string) (string, *Result, error) {
	locator, err := s.Publish(ctx, data, storage.Metadata{
		Name:        artifact.Name,
		ContentType: artifact.ContentType,
		TaskID:      taskID,
		Extra:       map[string]string{"role": string(artifact.Role), "sha256": artifact.Hash},
	})
	if err != nil {
		return "", nil, err
	}
	res, err := s.Verify(ctx, locator, artifact.Hash)
	return locator, res, err
}

// IsPinned reports whether the store retains locator.
func (s *Service) IsPinned(ctx context.Context, locator string) (bool, error) {
	return s.store.IsPinned(ctx, locator)
}

type walletEnvelope struct {
	OwnerIdentity string `json:"owner_identity"`
	Address       string `json:"address"`
	PublicKey     string `json:"public_key"`
}

// VerifyWallet checks a structured payload carrying an owner claim: the
// address derived from public_key must equal the claimed address, and an
// address-shaped owner_identity must equal it too.
func (s *Service) VerifyWallet(payload []byte) (*WalletResult, error) {
	var env walletEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode wallet payload: %w", err)
	}
	res := &WalletResult{OwnerIdentity: env.OwnerIdentity, ClaimedAddress: env.Address}
	if env.Address == "" || env.PublicKey == "" {
		res.Reason = "payload has no address or public_key"
		return res, nil
	}
	derived, err := DeriveAddress(env.PublicKey)
	if err != nil {
		res.Reason = err.Error()
		return res, nil
	}
	res.DerivedAddress = derived
	switch {
	case !strings.EqualFold(derived, env.Address):
		res.Reason = "derived address does not match claimed address"
	case IsAddress(env.OwnerIdentity) && !strings.EqualFold(env.OwnerIdentity, env.Address):
		res.Reason = "owner identity does not match claimed address"
	default:
		res.WalletVerified = true
	}
	return res, nil
}
