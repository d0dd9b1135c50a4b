package models

import (
	"time"
)

// LogOutcome classifies a processing log entry.
type LogOutcome string

const (
	OutcomeSuccess LogOutcome = "success"
	OutcomeFailure LogOutcome = "failure"
	OutcomeWarning LogOutcome = "warning"
	OutcomeInfo    LogOutcome = "info"
)

// LogEntry is one append-only record in a task's processing log.
type LogEntry struct {
	Timestamp time.Time  `json:"timestamp"`
	Step      string     `json:"step"`
	State     TaskState  `json:"state"`
	Outcome   LogOutcome `json:"outcome"`
	Message   string     `json:"message"`
}

// ProcessingTask tracks one inbound message from receipt to attestation.
type ProcessingTask struct {
	ID            string                   `json:"id" db:"id"`
	State         TaskState                `json:"state" db:"state"`
	OwnerIdentity *string                  `json:"owner_identity,omitempty" db:"owner_identity"`
	MessageID     string                   `json:"message_id" db:"message_id"`
	Sender        string                   `json:"sender" db:"sender"`
	Subject       string                   `json:"subject" db:"subject"`
	CreatedAt     time.Time                `json:"created_at" db:"created_at"`
	AuthorizedAt  *time.Time               `json:"authorized_at,omitempty" db:"authorized_at"`
	CompletedAt   *time.Time               `json:"completed_at,omitempty" db:"completed_at"`
	UpdatedAt     time.Time                `json:"updated_at" db:"updated_at"`
	EstimatedCost int64                    `json:"estimated_cost" db:"estimated_cost"`
	ActualCost    int64                    `json:"actual_cost" db:"actual_cost"`
	ErrorMessage  string                   `json:"error_message,omitempty" db:"error_message"`
	Log           []LogEntry               `json:"log"`
	StateHistory  []TaskState              `json:"state_history"`
	Artifacts     []ContentArtifact        `json:"artifacts"`
	Attestation   *LedgerAttestationRecord `json:"attestation,omitempty"`
	// PendingTxRef is a submitted attestation transaction not yet confirmed.
	PendingTxRef  string                   `json:"pending_tx_ref,omitempty"`
}

// NewProcessingTask returns a task in the Received state.
func NewProcessingTask(id string, now time.Time) *ProcessingTask {
	return &ProcessingTask{
		ID:           id,
		State:        TaskReceived,
		CreatedAt:    now,
		UpdatedAt:    now,
		StateHistory: []TaskState{TaskReceived},
	}
}

// Owner returns the owning identity or an empty string.
func (t *ProcessingTask) Owner() string {
	if t == nil || t.OwnerIdentity == nil {
		return ""
	}
	return *t.OwnerIdentity
}

// SetOwner records the validated owning identity.
func (t *ProcessingTask) SetOwner(identity string) {
	id := identity
	t.OwnerIdentity = &id
}

// AppendLog adds an entry to the processing log. Entries are never rewritten.
func (t *ProcessingTask) AppendLog(now time.Time, step string, outcome LogOutcome, message string) {
	t.Log = append(t.Log, LogEntry{
		Timestamp: now,
		Step:      step,
		State:     t.State,
		Outcome:   outcome,
		Message:   message,
	})
	t.UpdatedAt = now
}

// Locators returns the storage locators of every published artifact.
func (t *ProcessingTask) Locators() []string {
	out := make([]string, 0, len(t.Artifacts))
	for _, a := range t.Artifacts {
		if a.Locator != "" {
			out = append(out, a.Locator)
		}
	}
	return out
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (t *ProcessingTask) Clone() *ProcessingTask {
	if t == nil {
		return nil
	}
	c := *t
	if t.OwnerIdentity != nil {
		owner := *t.OwnerIdentity
		c.OwnerIdentity = &owner
	}
	if t.AuthorizedAt != nil {
		at := *t.AuthorizedAt
		c.AuthorizedAt = &at
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	c.Log = append([]LogEntry(nil), t.Log...)
	c.StateHistory = append([]TaskState(nil), t.StateHistory...)
	c.Artifacts = make([]ContentArtifact, len(t.Artifacts))
	for i, a := range t.Artifacts {
		c.Artifacts[i] = a.Clone()
	}
	if t.Attestation != nil {
		rec := *t.Attestation
		c.Attestation = &rec
	}
	return &c
}
