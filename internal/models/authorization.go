package models

import (
	"time"
)

// AuthorizationSummary is the human-readable part of an authorization request.
type AuthorizationSummary struct {
	Subject         string `json:"subject"`
	Sender          string `json:"sender"`
	AttachmentCount int    `json:"attachment_count"`
	EstimatedCost   int64  `json:"estimated_cost"`
	ExpiresIn       string `json:"expires_in,omitempty"`
}

// AuthorizationRequest is a single-use, time-boxed approval request for a task.
type AuthorizationRequest struct {
	TaskID        string               `json:"task_id"`
	OwnerIdentity string               `json:"owner_identity"`
	Token         string               `json:"token"`
	IssuedAt      time.Time            `json:"issued_at"`
	ExpiresAt     time.Time            `json:"expires_at"`
	Summary       AuthorizationSummary `json:"summary"`
	CallbackURL   string               `json:"callback_url"`
}

// IsExpired reports whether now is at or past the expiry instant.
func (r *AuthorizationRequest) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// LedgerAttestationRecord binds a content locator to a task on the ledger.
type LedgerAttestationRecord struct {
	TaskID     string    `json:"task_id"`
	Locator    string    `json:"locator"`
	TxRef      string    `json:"tx_ref"`
	Network    string    `json:"network"`
	Simulated  bool      `json:"simulated"`
	RecordedAt time.Time `json:"recorded_at"`
}
