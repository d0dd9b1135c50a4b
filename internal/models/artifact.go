package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ArtifactRole is the logical role of a content artifact.
type ArtifactRole string

const (
	RoleEmail      ArtifactRole = "email"
	RoleAttachment ArtifactRole = "attachment"
)

// VerificationOutcome records what integrity verification concluded.
type VerificationOutcome string

const (
	Unverified VerificationOutcome = "unverified"
	Verified   VerificationOutcome = "verified"
	Mismatched VerificationOutcome = "mismatched"
)

// ContentArtifact is one unit of content destined for content-addressed storage.
type ContentArtifact struct {
	Role         ArtifactRole        `json:"role"`
	Name         string              `json:"name"`
	ContentType  string              `json:"content_type"`
	Size         int64               `json:"size"`
	Hash         string              `json:"hash"`
	Locator      string              `json:"locator,omitempty"`
	Verification VerificationOutcome `json:"verification"`
	PublishedAt  *time.Time          `json:"published_at,omitempty"`
}

// Clone copies the artifact including its timestamp pointer.
func (a ContentArtifact) Clone() ContentArtifact {
	c := a
	if a.PublishedAt != nil {
		at := *a.PublishedAt
		c.PublishedAt = &at
	}
	return c
}

// IsPublished reports whether a locator has been assigned.
func (a ContentArtifact) IsPublished() bool {
	return a.Locator != ""
}

// IsVerified reports whether the artifact passed integrity verification.
// Verified artifacts are immutable.
func (a ContentArtifact) IsVerified() bool {
	return a.Verification == Verified
}

// HashContent returns the hex SHA-256 digest used as an artifact's raw content hash.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
