package content

import (
	"errors"
	"fmt"

	"github.com/gotrs-io/datawallet/internal/storage"
)

// PublishError means the content store did not accept an artifact.
type PublishError struct {
	Name     string
	Endpoint string
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s to %s: %v", e.Name, e.Endpoint, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// RetrievalError means every endpoint failed; it lists each endpoint's cause.
type RetrievalError = storage.RetrievalError

// IntegrityError reports retrieved content whose hash differs from the hash
// recorded at allocation, which indicates tampering or corruption.
type IntegrityError struct {
	Locator      string
	ExpectedHash string
	ActualHash   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("content integrity check failed for %s: expected sha256 %s, got %s", e.Locator, e.ExpectedHash, e.ActualHash)
}

// IsIntegrityError reports whether err carries an *IntegrityError.
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}
