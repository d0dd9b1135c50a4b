// Package allocator computes the content artifacts and estimated cost of a task.
package allocator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gotrs-io/datawallet/internal/models"
)

// MiB is the size unit of the cost model.
const MiB = 1 << 20

// EmailArtifactName is the name of the email artifact of every task.
const EmailArtifactName = "message.json"

// CostModel prices a task in credits: base + perMiB*ceil(bytes/MiB) + perAttachment*N.
type CostModel struct {
	Base          int64
	PerMiB        int64
	PerAttachment int64
}

// DefaultCostModel returns the stock pricing.
func DefaultCostModel() CostModel {
	return CostModel{Base: 10, PerMiB: 5, PerAttachment: 2}
}

// Estimate prices totalBytes of content carrying attachments attachments.
func (c CostModel) Estimate(totalBytes int64, attachments int) int64 {
	if totalBytes < 0 {
		totalBytes = 0
	}
	mebibytes := (totalBytes + MiB - 1) / MiB
	return c.Base + c.PerMiB*mebibytes + c.PerAttachment*int64(attachments)
}

// Stager keeps artifact bytes until finalize publishes them.
type Stager interface {
	Stage(ctx context.Context, hash string, data []byte) error
}

// Allocation is the allocator's output for one task.
type Allocation struct {
	Artifacts     []models.ContentArtifact
	TotalBytes    int64
	EstimatedCost int64
}

// Allocator builds artifacts and stages their bytes.
type Allocator struct {
	cost    CostModel
	staging Stager
	logger  *log.Logger
}

// Option customizes an Allocator.
type Option func(*Allocator)

// WithCostModel overrides the pricing.
func WithCostModel(c CostModel) Option {
	return func(a *Allocator) {
		a.cost = c
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(a *Allocator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New returns an allocator staging bytes in staging.
func New(staging Stager, opts ...Option) *Allocator {
	a := &Allocator{cost: DefaultCostModel(), staging: staging, logger: log.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// CostModel returns the active pricing.
func (a *Allocator) CostModel() CostModel {
	return a.cost
}

// Allocate returns one email artifact and one artifact per attachment, each
// hashed now so later verification has a reference.
func (a *Allocator) Allocate(ctx context.Context, task *models.ProcessingTask, msg *models.NormalizedMessage) (*Allocation, error) {
	if task == nil || msg == nil {
		return nil, fmt.Errorf("allocate: task and message are required")
	}
	envelope, err := EmailEnvelope(task, msg)
	if err != nil {
		return nil, err
	}

	out := &Allocation{}
	add := func(role models.ArtifactRole, name, contentType string, data []byte) error {
		hash := models.HashContent(data)
		if a.staging != nil {
			if err := a.staging.Stage(ctx, hash, data); err != nil {
				return fmt.Errorf("stage %s: %w", name, err)
			}
		}
		out.Artifacts = append(out.Artifacts, models.ContentArtifact{
			Role:         role,
			Name:         name,
			ContentType:  contentType,
			Size:         int64(len(data)),
			Hash:         hash,
			Verification: models.Unverified,
		})
		out.TotalBytes += int64(len(data))
		return nil
	}

	if err := add(models.RoleEmail, EmailArtifactName, "application/json", envelope); err != nil {
		return nil, err
	}
	for _, att := range msg.Attachments {
		if err := add(models.RoleAttachment, att.Filename, att.ContentType, att.Data); err != nil {
			return nil, err
		}
	}
	out.EstimatedCost = a.cost.Estimate(out.TotalBytes, len(msg.Attachments))
	a.logger.Printf("allocated task=%s artifacts=%d bytes=%d cost=%d", task.ID, len(out.Artifacts), out.TotalBytes, out.EstimatedCost)
	return out, nil
}

type envelopeAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	SHA256      string `json:"sha256"`
}

type emailEnvelope struct {
	TaskID         string               `json:"task_id"`
	OwnerIdentity  string               `json:"owner_identity"`
	MessageID      string               `json:"message_id"`
	From           string               `json:"from"`
	OriginalSender string               `json:"original_sender,omitempty"`
	To             []string             `json:"to"`
	Subject        string               `json:"subject"`
	Body           string               `json:"body"`
	BodyType       string               `json:"body_type"`
	ReceivedAt     string               `json:"received_at"`
	Attachments    []envelopeAttachment `json:"attachments"`
}

// EmailEnvelope renders the canonical JSON document stored as the email artifact.
func EmailEnvelope(task *models.ProcessingTask, msg *models.NormalizedMessage) ([]byte, error) {
	env := emailEnvelope{
		TaskID:         task.ID,
		OwnerIdentity:  task.Owner(),
		MessageID:      msg.MessageID,
		From:           msg.From,
		OriginalSender: msg.OriginalSender,
		To:             append([]string{}, msg.To...),
		Subject:        msg.Subject,
		Body:           msg.Body,
		BodyType:       msg.BodyType,
		ReceivedAt:     msg.ReceivedAt.UTC().Format(time.RFC3339),
		Attachments:    make([]envelopeAttachment, 0, len(msg.Attachments)),
	}
	for _, att := range msg.Attachments {
		env.Attachments = append(env.Attachments, envelopeAttachment{
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        int64(len(att.Data)),
			SHA256:      models.HashContent(att.Data),
		})
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode email envelope: %w", err)
	}
	return data, nil
}
