// Package strategy defines the contract between the voucher service and its
// pluggable authentication strategies.
package strategy

import (
	"context"
	"time"
)

// Strategy is a pluggable authentication adapter. An implementation drives
// one provider's flow in three phases: a request phase that produces a
// redirect to the provider, a callback phase that turns the provider's
// response into an authentication result, and a cleanup phase that clears
// per-attempt state from the transaction.
type Strategy interface {
	// Name returns the provider identifier (e.g., "gitlab").
	Name() string

	// BeginAuth runs the request phase and returns the provider
	// authorization URL the user should be redirected to.
	BeginAuth(ctx context.Context, tx *Transaction) (string, error)

	// CompleteAuth runs the callback phase: it exchanges the authorization
	// code, fetches the user profile, and stores both on the transaction.
	// Failures are recorded on the transaction's error sink and returned.
	CompleteAuth(ctx context.Context, tx *Transaction) error

	// Result extracts the authentication result from a transaction whose
	// callback phase succeeded.
	Result(tx *Transaction) (*Result, error)

	// Cleanup clears any per-attempt token/profile state from the
	// transaction. It must be safe to call regardless of outcome.
	Cleanup(tx *Transaction)
}

// Credentials holds the provider-issued token material.
type Credentials struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Expires      bool      `json:"expires"`
	TokenType    string    `json:"token_type,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Info is the canonical identity shape extracted from a provider profile.
type Info struct {
	Name     string            `json:"name,omitempty"`
	Email    string            `json:"email,omitempty"`
	Nickname string            `json:"nickname,omitempty"`
	Location string            `json:"location,omitempty"`
	Image    string            `json:"image,omitempty"`
	URLs     map[string]string `json:"urls,omitempty"`
}

// Extra carries the raw provider data for callers that need
// provider-specific fields.
type Extra struct {
	RawToken   map[string]any `json:"raw_token,omitempty"`
	RawProfile map[string]any `json:"raw_profile,omitempty"`
}

// Result is the authentication result produced by a successful callback.
type Result struct {
	Provider    string      `json:"provider"`
	UID         string      `json:"uid"`
	Credentials Credentials `json:"credentials"`
	Info        Info        `json:"info"`
	Extra       Extra       `json:"extra"`
}
