package strategy

import "net/url"

// AuthError is a single (key, message) entry reported to the host.
type AuthError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// Transaction is the per-request context threaded through the three phases
// of an authentication attempt. It owns the incoming request parameters,
// the callback URL, a private key/value store for strategy state, and the
// error sink. A Transaction is confined to a single request; it is not safe
// for concurrent use and must not outlive the attempt.
type Transaction struct {
	// Params are the query parameters of the incoming request.
	Params url.Values

	// CallbackURL is the absolute URL the provider redirects back to.
	CallbackURL string

	store map[string]any
	errs  []AuthError
}

// NewTransaction creates a transaction for one authentication attempt.
func NewTransaction(params url.Values, callbackURL string) *Transaction {
	if params == nil {
		params = url.Values{}
	}
	return &Transaction{
		Params:      params,
		CallbackURL: callbackURL,
		store:       make(map[string]any),
	}
}

// Set stores a private value on the transaction.
func (tx *Transaction) Set(key string, value any) {
	tx.store[key] = value
}

// Get retrieves a private value from the transaction.
func (tx *Transaction) Get(key string) (any, bool) {
	v, ok := tx.store[key]
	return v, ok
}

// Delete removes a private value from the transaction.
func (tx *Transaction) Delete(key string) {
	delete(tx.store, key)
}

// Fail records a (key, message) error entry.
func (tx *Transaction) Fail(key, message string) {
	tx.errs = append(tx.errs, AuthError{Key: key, Message: message})
}

// Errors returns the accumulated error entries.
func (tx *Transaction) Errors() []AuthError {
	return tx.errs
}

// Failed reports whether any error has been recorded.
func (tx *Transaction) Failed() bool {
	return len(tx.errs) > 0
}
