package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gotrs-io/datawallet/internal/models"
)

const fsLocatorPrefix = "sha256-"

var fsLocatorPattern = regexp.MustCompile(`^sha256-[0-9a-f]{64}$`)

// FilesystemStore is a local content-addressed store for development and tests.
// Locators are "sha256-<hex>" and files fan out into two directory levels.
type FilesystemStore struct {
	basePath string
	now      func() time.Time
}

// NewFilesystemStore creates basePath when missing.
func NewFilesystemStore(basePath string) (*FilesystemStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	return &FilesystemStore{basePath: basePath, now: time.Now}, nil
}

// Name returns the store identifier.
func (f *FilesystemStore) Name() string {
	return "fs:" + f.basePath
}

// Publish writes data and a metadata sidecar. Publishing identical bytes twice
// yields the same locator.
func (f *FilesystemStore) Publish(ctx context.Context, data []byte, meta Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	hash := models.HashContent(data)
	locator := fsLocatorPrefix + hash
	path := f.pathFor(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	sidecar := map[string]any{
		"name":         meta.Name,
		"content_type": meta.ContentType,
		"task_id":      meta.TaskID,
		"size":         len(data),
		"sha256":       hash,
		"stored_at":    f.now().UTC(),
		"metadata":     meta.Extra,
	}
	metaJSON, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaJSON, 0o644); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}
	return locator, nil
}

// Retrieve reads the bytes behind locator.
func (f *FilesystemStore) Retrieve(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, err := f.hashFromLocator(locator)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.pathFor(hash))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, locator)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// IsPinned reports whether the file is present.
func (f *FilesystemStore) IsPinned(_ context.Context, locator string) (bool, error) {
	hash, err := f.hashFromLocator(locator)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(f.pathFor(hash))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (f *FilesystemStore) hashFromLocator(locator string) (string, error) {
	if !fsLocatorPattern.MatchString(locator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLocator, locator)
	}
	return strings.TrimPrefix(locator, fsLocatorPrefix), nil
}

func (f *FilesystemStore) pathFor(hash string) string {
	return filepath.Join(f.basePath, hash[:2], hash[2:4], hash)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
