// Package gateway is the thin REST client for the trip server: the sole
// owner of canonical state. Every call returns either the canonical
// entity payload or an error classified as retryable or terminal.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/calloway/waypoint/internal/models"
)

// Gateway is the remote CRUD surface. Implementations must honor the
// context and apply a fixed per-call timeout; a timeout is a retryable
// failure, not a hang.
type Gateway interface {
	// Create posts a new entity. idempotencyKey is the client-supplied
	// key (the entity's temporary identifier) that makes a replayed
	// create safe: the server returns the original canonical entity
	// instead of creating a duplicate.
	Create(ctx context.Context, t models.EntityType, idempotencyKey string, payload []byte) ([]byte, error)

	// Update replaces an entity and returns the canonical result.
	Update(ctx context.Context, t models.EntityType, id string, payload []byte) ([]byte, error)

	// Delete removes an entity. Deleting an entity the server has
	// already removed returns a terminal *APIError with status 404.
	Delete(ctx context.Context, t models.EntityType, id string) error

	// Fetch returns the canonical entity.
	Fetch(ctx context.Context, t models.EntityType, id string) ([]byte, error)

	// ListByParent returns all canonical entities of type t under a
	// parent, for refreshing the local mirror after a drain.
	ListByParent(ctx context.Context, t models.EntityType, parentID string) ([][]byte, error)
}

// APIError is a structured server rejection. Status classifies it:
// 5xx and 429 are retryable, other 4xx are terminal.
type APIError struct {
	Status  int
	Message string // server-provided reason, verbatim when available
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway: server returned %d", e.Status)
	}
	return fmt.Sprintf("gateway: server returned %d: %s", e.Status, e.Message)
}

// Retryable reports whether the failure may succeed on a later attempt.
func (e *APIError) Retryable() bool {
	return e.Status >= 500 || e.Status == 429
}

// IsRetryable classifies any gateway error. Network-level failures
// (timeouts, refused connections, DNS) are retryable; structured server
// rejections defer to their status; anything else is terminal.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// An opaque transport failure (e.g. url.Error wrapping a dial
	// failure) is transient by default; terminal failures always carry
	// an *APIError.
	return err != nil
}
