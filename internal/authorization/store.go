package authorization

import (
	"context"
	"sync"
	"time"

	"github.com/gotrs-io/datawallet/internal/models"
)

// Store holds at most one live request per task.
type Store interface {
	// Put adds or replaces the request for req.TaskID.
	Put(ctx context.Context, req *models.AuthorizationRequest) error
	// Get returns ErrNotFound when no request exists.
	Get(ctx context.Context, taskID string) (*models.AuthorizationRequest, error)
	// Consume deletes the request only if its token still equals token, and
	// reports whether it did. Two concurrent consumers never both succeed.
	Consume(ctx context.Context, taskID, token string) (bool, error)
	// MarkExpired takes the request off the expiry scan if its token still
	// equals token, and reports whether it did. The request stays readable
	// until the store's retention runs out so late callers see Expired.
	MarkExpired(ctx context.Context, taskID, token string) (bool, error)
	// Delete removes the request if present.
	Delete(ctx context.Context, taskID string) error
	// Expired lists requests whose expiry is at or before now and that were
	// not marked expired yet.
	Expired(ctx context.Context, now time.Time) ([]*models.AuthorizationRequest, error)
}

// DefaultRetention is how long an expired request stays readable.
const DefaultRetention = 24 * time.Hour

type memoryEntry struct {
	req   models.AuthorizationRequest
	swept bool
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu        sync.Mutex
	requests  map[string]memoryEntry
	retention time.Duration
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryRetention keeps expired requests readable for d after expiry.
func WithMemoryRetention(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{requests: make(map[string]memoryEntry), retention: DefaultRetention}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) Put(_ context.Context, req *models.AuthorizationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.TaskID] = memoryEntry{req: *req}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, taskID string) (*models.AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.requests[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	req := e.req
	return &req, nil
}

func (s *MemoryStore) Consume(_ context.Context, taskID, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.requests[taskID]
	if !ok || e.swept || e.req.Token != token {
		return false, nil
	}
	delete(s.requests, taskID)
	return true, nil
}

func (s *MemoryStore) MarkExpired(_ context.Context, taskID, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.requests[taskID]
	if !ok || e.swept || e.req.Token != token {
		return false, nil
	}
	e.swept = true
	s.requests[taskID] = e
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, taskID)
	return nil
}

// Expired also drops marked requests whose retention has run out.
func (s *MemoryStore) Expired(_ context.Context, now time.Time) ([]*models.AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AuthorizationRequest
	for id, e := range s.requests {
		if e.swept {
			if !now.Before(e.req.ExpiresAt.Add(s.retention)) {
				delete(s.requests, id)
			}
			continue
		}
		if e.req.IsExpired(now) {
			r := e.req
			out = append(out, &r)
		}
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
