package storage

import (
	"context"
	"fmt"
	"log"
)

// FallbackStore publishes to a primary store and retrieves from the primary
// first, then each fallback in order.
type FallbackStore struct {
	primary   ContentStore
	fallbacks []ContentStore
	logger    *log.Logger
}

// NewFallbackStore wraps primary with ordered read fallbacks.
func NewFallbackStore(primary ContentStore, fallbacks ...ContentStore) *FallbackStore {
	return &FallbackStore{primary: primary, fallbacks: fallbacks, logger: log.Default()}
}

// WithLogger overrides the logger and returns the store.
func (f *FallbackStore) WithLogger(logger *log.Logger) *FallbackStore {
	if logger != nil {
		f.logger = logger
	}
	return f
}

// Name returns the primary endpoint name.
func (f *FallbackStore) Name() string {
	return f.primary.Name()
}

// Endpoints returns the retrieval order.
func (f *FallbackStore) Endpoints() []string {
	out := []string{f.primary.Name()}
	for _, fb := range f.fallbacks {
		out = append(out, fb.Name())
	}
	return out
}

// Publish writes to the primary only.
func (f *FallbackStore) Publish(ctx context.Context, data []byte, meta Metadata) (string, error) {
	return f.primary.Publish(ctx, data, meta)
}

// Retrieve returns the first successful response. When every endpoint fails
// the result is a *RetrievalError naming each endpoint's cause.
func (f *FallbackStore) Retrieve(ctx context.Context, locator string) ([]byte, error) {
	var causes []EndpointError
	for _, store := range append([]ContentStore{f.primary}, f.fallbacks...) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := store.Retrieve(ctx, locator)
		if err == nil {
			if len(causes) > 0 {
				f.logger.Printf("retrieve %s served by fallback %s after %d failures", locator, store.Name(), len(causes))
			}
			return data, nil
		}
		causes = append(causes, EndpointError{Endpoint: store.Name(), Err: err})
	}
	return nil, &RetrievalError{Locator: locator, Causes: causes}
}

// IsPinned asks the primary.
func (f *FallbackStore) IsPinned(ctx context.Context, locator string) (bool, error) {
	pinned, err := f.primary.IsPinned(ctx, locator)
	if err != nil {
		return false, fmt.Errorf("pin status from %s: %w", f.primary.Name(), err)
	}
	return pinned, nil
}
