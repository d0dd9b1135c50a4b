package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/gotrs-io/datawallet/internal/models"
)

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Staging holds artifact bytes between allocation and publish, keyed by their
// SHA-256. Staged bytes survive a restart so finalize can be re-driven.
type Staging struct {
	dir string
}

// NewStaging creates dir when missing.
func NewStaging(dir string) (*Staging, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	return &Staging{dir: dir}, nil
}

// Stage stores data under hash after checking the hash matches.
func (s *Staging) Stage(_ context.Context, hash string, data []byte) error {
	if !hashPattern.MatchString(hash) {
		return fmt.Errorf("%w: staging key %q", ErrInvalidLocator, hash)
	}
	if got := models.HashContent(data); got != hash {
		return fmt.Errorf("staging %s: content hashes to %s", hash, got)
	}
	return writeFileAtomic(filepath.Join(s.dir, hash), data)
}

// Load returns the staged bytes for hash.
func (s *Staging) Load(_ context.Context, hash string) ([]byte, error) {
	if !hashPattern.MatchString(hash) {
		return nil, fmt.Errorf("%w: staging key %q", ErrInvalidLocator, hash)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: staged %s", ErrNotFound, hash)
	}
	return data, err
}

// Remove deletes staged bytes; a missing entry is not an error.
func (s *Staging) Remove(_ context.Context, hash string) error {
	if !hashPattern.MatchString(hash) {
		return fmt.Errorf("%w: staging key %q", ErrInvalidLocator, hash)
	}
	err := os.Remove(filepath.Join(s.dir, hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
