// Package state manages the single-use CSRF state tokens that bind an
// authorization redirect to its callback.
package state

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL bounds how long a pending authorization may stay open.
const DefaultTTL = 10 * time.Minute

// Store persists pending authorization states. A state is single-use:
// Consume removes it on its first successful lookup, so a replayed
// callback fails.
type Store interface {
	// Create registers a pending state with the given time to live.
	Create(ctx context.Context, state string, ttl time.Duration) error

	// Consume atomically checks and removes a state. It reports whether
	// the state existed and had not expired.
	Consume(ctx context.Context, state string) (bool, error)

	// Count returns the number of pending states.
	Count(ctx context.Context) (int, error)

	// Close releases store resources.
	Close() error
}

// NewToken generates an unguessable state token.
func NewToken() string {
	return uuid.NewString()
}
