// Package credentials supplies bearer credentials to components that talk to
// external services (the realtime broker, TURN servers). Providers are
// constructed explicitly and passed in; nothing in this package is a global.
package credentials

import (
	"context"
	"fmt"
)

// Provider yields a bearer credential for outbound API calls.
type Provider interface {
	// Token returns the credential to present. It may perform I/O (e.g.
	// unsealing a stored secret) and must honor ctx cancellation.
	Token(ctx context.Context) (string, error)
}

// Static is a Provider backed by a fixed token.
type Static struct {
	token string
}

// NewStatic creates a provider that always returns the given token.
func NewStatic(token string) *Static {
	return &Static{token: token}
}

// Token returns the fixed token.
func (s *Static) Token(ctx context.Context) (string, error) {
	if s.token == "" {
		return "", fmt.Errorf("no credential configured")
	}
	return s.token, nil
}

// Sealed is a Provider that unseals an encrypted credential on demand using a
// master key. The sealed form comes from Seal (or an external provisioning
// step that used the same scheme).
type Sealed struct {
	sealed    string
	masterKey string
}

// NewSealed creates a provider for a sealed credential.
func NewSealed(sealed, masterKey string) *Sealed {
	return &Sealed{sealed: sealed, masterKey: masterKey}
}

// Token decrypts and returns the credential.
func (s *Sealed) Token(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	token, err := Open(s.sealed, s.masterKey)
	if err != nil {
		return "", fmt.Errorf("failed to unseal credential: %w", err)
	}
	return token, nil
}
