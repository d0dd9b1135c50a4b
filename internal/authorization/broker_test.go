package authorization

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/datawallet/internal/metrics"
	"github.com/gotrs-io/datawallet/internal/models"
)

const owner = "0xAbC0000000000000000000000000000000000001"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func pendingTask(id string) *models.ProcessingTask {
	task := models.NewProcessingTask(id, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	task.SetOwner(owner)
	task.Subject = "Receipts"
	task.Sender = "alice@example.com"
	task.EstimatedCost = 29
	task.Artifacts = []models.ContentArtifact{
		{Role: models.RoleEmail},
		{Role: models.RoleAttachment},
		{Role: models.RoleAttachment},
	}
	return task
}

func newTestBroker(t *testing.T, verifier Verifier, opts ...Option) (*Broker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	base := []Option{
		WithClock(clock.Now),
		WithCallbackBaseURL("https://wallet.example.com/"),
		WithLogger(log.New(io.Discard, "", 0)),
	}
	return NewBroker(NewMemoryStore(), verifier, append(base, opts...)...), clock
}

func TestIssueBuildsRequest(t *testing.T) {
	b, clock := newTestBroker(t, AcceptAll)
	req, err := b.Issue(context.Background(), pendingTask("task_1"))
	require.NoError(t, err)

	assert.Equal(t, "task_1", req.TaskID)
	assert.Equal(t, owner, req.OwnerIdentity)
	assert.Equal(t, clock.Now().Add(24*time.Hour), req.ExpiresAt)
	assert.Len(t, req.Token, 43, "32 bytes, unpadded base64url")
	assert.NotContains(t, req.Token, "+")
	assert.NotContains(t, req.Token, "/")
	assert.Equal(t, 2, req.Summary.AttachmentCount)
	assert.Equal(t, int64(29), req.Summary.EstimatedCost)
	assert.True(t, strings.HasPrefix(req.Summary.ExpiresIn, "in "), req.Summary.ExpiresIn)
	assert.Equal(t, "https://wallet.example.com/api/v1/tasks/task_1/authorize?token="+req.Token, req.CallbackURL)
}

func TestIssueRequiresOwner(t *testing.T) {
	b, _ := newTestBroker(t, AcceptAll)
	_, err := b.Issue(context.Background(), models.NewProcessingTask("task_x", time.Now()))
	require.Error(t, err)
}

func TestIssueReplacesLiveRequest(t *testing.T) {
	b, _ := newTestBroker(t, AcceptAll)
	ctx := context.Background()
	first, err := b.Issue(ctx, pendingTask("task_1"))
	require.NoError(t, err)
	second, err := b.Issue(ctx, pendingTask("task_1"))
	require.NoError(t, err)
	require.NotEqual(t, first.Token, second.Token)

	live, err := b.Lookup(ctx, "task_1")
	require.NoError(t, err)
	assert.Equal(t, second.Token, live.Token)
}

func TestIssueFailsWhenRandomSourceFails(t *testing.T) {
	b, _ := newTestBroker(t, AcceptAll, withRandom(bytes.NewReader([]byte{1, 2})))
	_, err := b.Issue(context.Background(), pendingTask("task_1"))
	require.Error(t, err)
}

func TestValidateSucceedsAtMostOnce(t *testing.T) {
	b, _ := newTestBroker(t, AcceptAll)
	ctx := context.Background()
	_, err := b.Issue(ctx, pendingTask("task_1"))
	require.NoError(t, err)

	req, err := b.Validate(ctx, "task_1", "sig", strings.ToLower(owner))
	require.NoError(t, err)
	assert.Equal(t, "task_1", req.TaskID)

	_, err = b.Validate(ctx, "task_1", "sig", owner)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestValidateErrorOrder(t *testing.T) {
	rejectAll := VerifierFunc(func(context.Context, *models.AuthorizationRequest, string) error {
		return errors.New("bad signature")
	})

	cases := []struct {
		name     string
		verifier Verifier
		taskID   string
		identity string
		advance  time.Duration
		want     error
	}{
		{"unknown task", AcceptAll, "task_missing", owner, 0, ErrNotFound},
		{"expired beats identity", AcceptAll, "task_1", "0xother", 25 * time.Hour, ErrExpired},
		{"expired at exact instant", AcceptAll, "task_1", owner, 24 * time.Hour, ErrExpired},
		{"identity before signature", rejectAll, "task_1", "0xother", 0, ErrIdentityMismatch},
		{"bad signature", rejectAll, "task_1", owner, 0, ErrInvalidSignature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, clock := newTestBroker(t, tc.verifier)
			ctx := context.Background()
			_, err := b.Issue(ctx, pendingTask("task_1"))
			require.NoError(t, err)
			clock.Advance(tc.advance)

			_, err = b.Validate(ctx, tc.taskID, "sig", tc.identity)
			require.ErrorIs(t, err, tc.want)

			// Refusals never consume the request.
			if tc.taskID == "task_1" {
				_, lookupErr := b.Lookup(ctx, "task_1")
				require.NoError(t, lookupErr)
			}
		})
	}
}

func TestValidateExpiredEvenWithCorrectSignature(t *testing.T) {
	v := NewJWTVerifier("0123456789abcdef0123456789abcdef")
	b, clock := newTestBroker(t, v)
	v.WithClock(clock.Now)
	ctx := context.Background()

	req, err := b.Issue(ctx, pendingTask("task_1"))
	require.NoError(t, err)
	sig, err := v.Sign(req)
	require.NoError(t, err)

	clock.Advance(24*time.Hour + time.Second)
	_, err = b.Validate(ctx, "task_1", sig, owner)
	require.ErrorIs(t, err, ErrExpired)
}

func TestValidateConcurrentConsumersOnlyOneWins(t *testing.T) {
	b, _ := newTestBroker(t, AcceptAll)
	ctx := context.Background()
	_, err := b.Issue(ctx, pendingTask("task_1"))
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Validate(ctx, "task_1", "sig", owner); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestRevokeIsIdempotent(t *testing.T) {
	b, _ := newTestBroker(t, AcceptAll)
	ctx := context.Background()
	_, err := b.Issue(ctx, pendingTask("task_1"))
	require.NoError(t, err)

	require.NoError(t, b.Revoke(ctx, "task_1"))
	require.NoError(t, b.Revoke(ctx, "task_1"))
	_, err = b.Validate(ctx, "task_1", "sig", owner)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	b, clock := newTestBroker(t, AcceptAll)
	ctx := context.Background()
	_, err := b.Issue(ctx, pendingTask("task_old"))
	require.NoError(t, err)
	clock.Advance(12 * time.Hour)
	_, err = b.Issue(ctx, pendingTask("task_new"))
	require.NoError(t, err)

	clock.Advance(13 * time.Hour)
	swept, err := b.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"task_old"}, swept)

	_, err = b.Lookup(ctx, "task_new")
	require.NoError(t, err)

	swept, err = b.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, swept)
}

func TestValidateAfterSweepReportsExpired(t *testing.T) {
	b, clock := newTestBroker(t, AcceptAll)
	ctx := context.Background()
	_, err := b.Issue(ctx, pendingTask("task_1"))
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)
	_, err = b.Validate(ctx, "task_1", "sig", owner)
	require.ErrorIs(t, err, ErrExpired)

	swept, err := b.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"task_1"}, swept)

	_, err = b.Validate(ctx, "task_1", "sig", owner)
	require.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, KindExpired, KindOf(err))
}

func TestMemoryStoreDropsSweptRequestsAfterRetention(t *testing.T) {
	store := NewMemoryStore(WithMemoryRetention(time.Hour))
	ctx := context.Background()
	expires := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put(ctx, &models.AuthorizationRequest{TaskID: "task_1", Token: "a", ExpiresAt: expires}))

	ok, err := store.MarkExpired(ctx, "task_1", "b")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.MarkExpired(ctx, "task_1", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Consume(ctx, "task_1", "a")
	require.NoError(t, err)
	assert.False(t, ok, "a swept request cannot be consumed")

	expired, err := store.Expired(ctx, expires.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, expired)
	_, err = store.Get(ctx, "task_1")
	require.NoError(t, err)

	_, err = store.Expired(ctx, expires.Add(time.Hour))
	require.NoError(t, err)
	_, err = store.Get(ctx, "task_1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBrokerRecordsAuthorizationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	b, _ := newTestBroker(t, AcceptAll, WithMetrics(metrics.New(reg)))
	ctx := context.Background()
	_, err := b.Issue(ctx, pendingTask("task_1"))
	require.NoError(t, err)

	_, _ = b.Validate(ctx, "task_1", "sig", "0xother")
	_, err = b.Validate(ctx, "task_1", "sig", owner)
	require.NoError(t, err)

	// One series each for identity_mismatch and ok.
	count, err := testutil.GatherAndCount(reg, "datawallet_authorization_results_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := &Error{Kind: KindInvalidSignature, TaskID: "task_1", Cause: errors.New("token is expired")}
	assert.Contains(t, err.Error(), "invalid authorization signature")
	assert.Contains(t, err.Error(), "token is expired")
	assert.False(t, errors.Is(err, ErrExpired))
}
