// Package storage holds the content-addressed stores artifacts are published to.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a locator is unknown to a store.
	ErrNotFound = errors.New("content not found")
	// ErrReadOnly is returned by stores that only serve retrievals.
	ErrReadOnly = errors.New("store is read-only")
	// ErrInvalidLocator is returned for locators a store cannot address.
	ErrInvalidLocator = errors.New("invalid locator")
)

// ContentStore is a content-addressed store: the locator is derived from the bytes.
type ContentStore interface {
	// Name identifies the endpoint in logs and errors.
	Name() string
	// Publish stores data and returns its locator.
	Publish(ctx context.Context, data []byte, meta Metadata) (string, error)
	// Retrieve returns the bytes behind locator.
	Retrieve(ctx context.Context, locator string) ([]byte, error)
	// IsPinned reports whether the store retains locator.
	IsPinned(ctx context.Context, locator string) (bool, error)
}

// Metadata describes content being published.
type Metadata struct {
	Name        string
	ContentType string
	TaskID      string
	Extra       map[string]string
}

// EndpointError is one endpoint's failure during a retrieval.
type EndpointError struct {
	Endpoint string
	Err      error
}

func (e EndpointError) Error() string {
	return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
}

func (e EndpointError) Unwrap() error { return e.Err }

// RetrievalError means every endpoint failed to return the content.
type RetrievalError struct {
	Locator string
	Causes  []EndpointError
}

func (e *RetrievalError) Error() string {
	parts := make([]string, 0, len(e.Causes))
	for _, c := range e.Causes {
		parts = append(parts, c.Error())
	}
	return fmt.Sprintf("retrieve %s: all %d endpoints failed: %s", e.Locator, len(e.Causes), strings.Join(parts, "; "))
}

func (e *RetrievalError) Unwrap() []error {
	out := make([]error, 0, len(e.Causes))
	for _, c := range e.Causes {
		out = append(out, c)
	}
	return out
}
