// Package authorization issues single-use, time-boxed approval requests for
// tasks and checks owner signatures against them.
package authorization

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/xeonx/timeago"

	"github.com/gotrs-io/datawallet/internal/metrics"
	"github.com/gotrs-io/datawallet/internal/models"
)

const (
	DefaultWindow = 24 * time.Hour
	tokenBytes    = 32
)

// Broker mediates the human approval step between allocation and finalize.
type Broker struct {
	store        Store
	verifier     Verifier
	window       time.Duration
	callbackBase string
	now          func() time.Time
	random       io.Reader
	metrics      *metrics.Metrics
	logger       *log.Logger
}

// Option customizes a Broker.
type Option func(*Broker)

// WithWindow sets how long a request stays valid.
func WithWindow(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.window = d
		}
	}
}

// WithCallbackBaseURL sets the base of the returned callback locator.
func WithCallbackBaseURL(base string) Option {
	return func(b *Broker) { b.callbackBase = strings.TrimRight(base, "/") }
}

func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

func WithLogger(logger *log.Logger) Option {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func withRandom(r io.Reader) Option {
	return func(b *Broker) { b.random = r }
}

func NewBroker(store Store, verifier Verifier, opts ...Option) *Broker {
	b := &Broker{
		store:    store,
		verifier: verifier,
		window:   DefaultWindow,
		now:      time.Now,
		random:   rand.Reader,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Window returns the configured validity window.
func (b *Broker) Window() time.Duration {
	return b.window
}

// Issue creates a fresh request for task, replacing any live one.
func (b *Broker) Issue(ctx context.Context, task *models.ProcessingTask) (*models.AuthorizationRequest, error) {
	owner := task.Owner()
	if owner == "" {
		return nil, fmt.Errorf("task %s has no owner", task.ID)
	}
	token, err := b.newToken()
	if err != nil {
		return nil, err
	}

	now := b.now()
	req := &models.AuthorizationRequest{
		TaskID:        task.ID,
		OwnerIdentity: owner,
		Token:         token,
		IssuedAt:      now,
		ExpiresAt:     now.Add(b.window),
	}
	req.Summary = models.AuthorizationSummary{
		Subject:         task.Subject,
		Sender:          task.Sender,
		AttachmentCount: countAttachments(task.Artifacts),
		EstimatedCost:   task.EstimatedCost,
		ExpiresIn:       timeago.English.FormatReference(req.ExpiresAt, now),
	}
	req.CallbackURL = b.callbackURL(task.ID, token)

	if err := b.store.Put(ctx, req); err != nil {
		return nil, err
	}
	b.logger.Printf("[AUTH] issued request task=%s owner=%s expires=%s", task.ID, owner, req.ExpiresAt.Format(time.RFC3339))
	return req, nil
}

// Validate checks signature for taskID and consumes the request on success.
// Checks run in order: live request, expiry, identity, signature.
func (b *Broker) Validate(ctx context.Context, taskID, signature, identity string) (*models.AuthorizationRequest, error) {
	req, err := b.store.Get(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		return nil, b.refuse(taskID, KindNotFound, nil)
	}
	if err != nil {
		return nil, err
	}
	if req.IsExpired(b.now()) {
		return nil, b.refuse(taskID, KindExpired, nil)
	}
	if !strings.EqualFold(strings.TrimSpace(identity), req.OwnerIdentity) {
		return nil, b.refuse(taskID, KindIdentityMismatch, nil)
	}
	if err := b.verifier.Verify(ctx, req, signature); err != nil {
		return nil, b.refuse(taskID, KindInvalidSignature, err)
	}

	consumed, err := b.store.Consume(ctx, taskID, req.Token)
	if err != nil {
		return nil, err
	}
	if !consumed {
		// Another caller consumed or replaced it first.
		return nil, b.refuse(taskID, KindNotFound, nil)
	}
	b.metrics.AuthorizationResult("ok")
	b.logger.Printf("[AUTH] authorized task=%s owner=%s", taskID, req.OwnerIdentity)
	return req, nil
}

// Revoke removes the live request for taskID. Missing requests are ignored.
func (b *Broker) Revoke(ctx context.Context, taskID string) error {
	return b.store.Delete(ctx, taskID)
}

// Lookup returns the live request for taskID.
func (b *Broker) Lookup(ctx context.Context, taskID string) (*models.AuthorizationRequest, error) {
	return b.store.Get(ctx, taskID)
}

// Sweep marks every expired request and returns the affected task ids. Marked
// requests keep answering Validate with Expired until the store drops them.
func (b *Broker) Sweep(ctx context.Context) ([]string, error) {
	expired, err := b.store.Expired(ctx, b.now())
	if err != nil {
		return nil, err
	}
	swept := make([]string, 0, len(expired))
	for _, req := range expired {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		ok, err := b.store.MarkExpired(ctx, req.TaskID, req.Token)
		if err != nil {
			return swept, err
		}
		if ok {
			swept = append(swept, req.TaskID)
		}
	}
	if len(swept) > 0 {
		b.logger.Printf("[AUTH] swept %d expired request(s)", len(swept))
	}
	return swept, nil
}

func (b *Broker) refuse(taskID string, kind Kind, cause error) error {
	b.metrics.AuthorizationResult(kind.String())
	if cause != nil {
		b.logger.Printf("[AUTH] refused task=%s reason=%s cause=%v", taskID, kind, cause)
	} else {
		b.logger.Printf("[AUTH] refused task=%s reason=%s", taskID, kind)
	}
	return &Error{Kind: kind, TaskID: taskID, Cause: cause}
}

func (b *Broker) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(b.random, buf); err != nil {
		return "", fmt.Errorf("generate authorization token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (b *Broker) callbackURL(taskID, token string) string {
	q := url.Values{}
	q.Set("token", token)
	return fmt.Sprintf("%s/api/v1/tasks/%s/authorize?%s", b.callbackBase, url.PathEscape(taskID), q.Encode())
}

func countAttachments(artifacts []models.ContentArtifact) int {
	n := 0
	for _, a := range artifacts {
		if a.Role == models.RoleAttachment {
			n++
		}
	}
	return n
}
