// Package auth validates bearer tokens and resolves them to account
// identities. Both the HTTP API and the WebSocket endpoint authenticate
// through the same Authenticator, so a token that works for one works for
// the other.
package auth

import (
	"context"
	"errors"
)

// Identity is the authenticated caller. Account is the id that owns jobs
// and the credit balance.
type Identity struct {
	Account string `json:"account"`
}

// ErrUnauthorized indicates the presented token is unknown or empty.
var ErrUnauthorized = errors.New("auth: unauthorized")

// Authenticator validates a token and returns the identity behind it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// Static validates tokens against a fixed token→account map, typically
// loaded from configuration.
type Static struct {
	accounts map[string]string
}

// NewStatic builds a static authenticator from a token→account map. The
// map is copied.
func NewStatic(tokens map[string]string) *Static {
	accounts := make(map[string]string, len(tokens))
	for token, account := range tokens {
		accounts[token] = account
	}
	return &Static{accounts: accounts}
}

// Authenticate implements Authenticator.
func (s *Static) Authenticate(_ context.Context, token string) (*Identity, error) {
	account, ok := s.accounts[token]
	if !ok || token == "" {
		return nil, ErrUnauthorized
	}
	return &Identity{Account: account}, nil
}
