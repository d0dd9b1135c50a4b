package models

import (
	"time"
)

// SignalResult is the verdict of one authentication mechanism.
type SignalResult string

const (
	SignalPass SignalResult = "pass"
	SignalFail SignalResult = "fail"
	SignalNone SignalResult = "none"
)

// AuthenticitySignals are pass/fail results read from message headers.
type AuthenticitySignals struct {
	SPF   SignalResult `json:"spf"`
	DKIM  SignalResult `json:"dkim"`
	DMARC SignalResult `json:"dmarc"`
}

// Score counts passing signals; 3 means every mechanism passed.
func (s AuthenticitySignals) Score() int {
	score := 0
	for _, r := range []SignalResult{s.SPF, s.DKIM, s.DMARC} {
		if r == SignalPass {
			score++
		}
	}
	return score
}

// Failures lists the mechanisms that explicitly failed.
func (s AuthenticitySignals) Failures() []string {
	var out []string
	if s.SPF == SignalFail {
		out = append(out, "spf")
	}
	if s.DKIM == SignalFail {
		out = append(out, "dkim")
	}
	if s.DMARC == SignalFail {
		out = append(out, "dmarc")
	}
	return out
}

// Attachment is one decoded attachment of a normalized message.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Data        []byte `json:"-"`
}

// NormalizedMessage is the parser's view of an inbound message.
type NormalizedMessage struct {
	SourceID       string              `json:"source_id"`
	MessageID      string              `json:"message_id"`
	From           string              `json:"from"`
	OriginalSender string              `json:"original_sender,omitempty"`
	To             []string            `json:"to"`
	Subject        string              `json:"subject"`
	Body           string              `json:"body"`
	BodyType       string              `json:"body_type"`
	Attachments    []Attachment        `json:"attachments"`
	Size           int64               `json:"size"`
	ReceivedAt     time.Time           `json:"received_at"`
	Authenticity   AuthenticitySignals `json:"authenticity"`
}

// AttachmentBytes sums the decoded size of every attachment.
func (m *NormalizedMessage) AttachmentBytes() int64 {
	var total int64
	for _, a := range m.Attachments {
		total += a.Size
	}
	return total
}

// EffectiveSender prefers the original sender of a forwarded message.
func (m *NormalizedMessage) EffectiveSender() string {
	if m.OriginalSender != "" {
		return m.OriginalSender
	}
	return m.From
}
