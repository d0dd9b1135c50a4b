package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gotrs-io/datawallet/internal/models"
	"github.com/gotrs-io/datawallet/internal/retry"
)

// BoundaryNotify names the outbound notice boundary for metrics and breakers.
const BoundaryNotify = "notify.webhook"

type WebhookEvent string

const (
	EventAuthorizationRequested WebhookEvent = "authorization_requested"
	EventTaskCompleted          WebhookEvent = "task_completed"
	EventTaskFailed             WebhookEvent = "task_failed"
)

// WebhookPayload is the JSON body of every delivery.
type WebhookPayload struct {
	Event     WebhookEvent `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
	TaskID    string       `json:"task_id"`
	Owner     string       `json:"owner_identity,omitempty"`
	Data      interface{}  `json:"data"`
}

// WebhookNotifier posts signed JSON events to a single endpoint.
type WebhookNotifier struct {
	url      string
	secret   string
	client   *http.Client
	boundary retry.Boundary
	now      func() time.Time
	logger   *log.Logger
}

type WebhookOption func(*WebhookNotifier)

func WithWebhookBoundary(b retry.Boundary) WebhookOption {
	return func(w *WebhookNotifier) { w.boundary = b }
}

func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *WebhookNotifier) {
		if c != nil {
			w.client = c
		}
	}
}

func WithWebhookLogger(logger *log.Logger) WebhookOption {
	return func(w *WebhookNotifier) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func NewWebhookNotifier(url, secret string, timeout time.Duration, opts ...WebhookOption) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	w := &WebhookNotifier{
		url:      url,
		secret:   secret,
		client:   &http.Client{Timeout: timeout},
		boundary: retry.Boundary{Policy: retry.NoRetry()},
		now:      time.Now,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

func (w *WebhookNotifier) SendAuthorizationRequest(ctx context.Context, req *models.AuthorizationRequest) error {
	return w.post(ctx, WebhookPayload{
		Event:  EventAuthorizationRequested,
		TaskID: req.TaskID,
		Owner:  req.OwnerIdentity,
		Data: map[string]interface{}{
			"summary":      req.Summary,
			"expires_at":   req.ExpiresAt,
			"callback_url": req.CallbackURL,
		},
	})
}

func (w *WebhookNotifier) SendCompletion(ctx context.Context, task *models.ProcessingTask) error {
	return w.post(ctx, WebhookPayload{
		Event:  EventTaskCompleted,
		TaskID: task.ID,
		Owner:  task.Owner(),
		Data: map[string]interface{}{
			"locators":    task.Locators(),
			"attestation": task.Attestation,
			"actual_cost": task.ActualCost,
		},
	})
}

func (w *WebhookNotifier) SendFailure(ctx context.Context, task *models.ProcessingTask, reason string) error {
	return w.post(ctx, WebhookPayload{
		Event:  EventTaskFailed,
		TaskID: task.ID,
		Owner:  task.Owner(),
		Data: map[string]interface{}{
			"state":  task.State,
			"reason": reason,
		},
	})
}

func (w *WebhookNotifier) post(ctx context.Context, payload WebhookPayload) error {
	payload.Timestamp = w.now().UTC()
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", payload.Event, err)
	}
	delivery := uuid.NewString()

	err = w.boundary.Do(ctx, func(ctx context.Context) error {
		return w.deliver(ctx, payload.Event, delivery, body)
	})
	if err != nil {
		return fmt.Errorf("webhook %s task=%s: %w", payload.Event, payload.TaskID, err)
	}
	w.logger.Printf("[NOTIFY] webhook %s task=%s delivery=%s", payload.Event, payload.TaskID, delivery)
	return nil
}

func (w *WebhookNotifier) deliver(ctx context.Context, event WebhookEvent, delivery string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "DataWallet-Webhook/1.0")
	req.Header.Set("X-Webhook-Event", string(event))
	req.Header.Set("X-Webhook-Delivery", delivery)
	if w.secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("http status %d", resp.StatusCode))
	default:
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
}

// Sign returns the X-Webhook-Signature value for payload.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a received X-Webhook-Signature header.
func VerifySignature(payload []byte, secret, header string) error {
	if header == "" {
		return errors.New("missing signature")
	}
	if !hmac.Equal([]byte(Sign(payload, secret)), []byte(header)) {
		return errors.New("signature mismatch")
	}
	return nil
}
