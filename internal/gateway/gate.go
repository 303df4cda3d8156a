package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/courier-chat/courier-server/internal/passport"
	"github.com/courier-chat/courier-server/internal/protocol"
	"github.com/courier-chat/courier-server/internal/registry"
)

// Sentinel errors for the authentication gate.
var (
	ErrTokenRequired    = errors.New("authentication token is required")
	ErrTokenRejected    = errors.New("authentication token was rejected")
	ErrIdentityRequired = errors.New("userId is required")
)

// Gate turns an authenticate payload into a verified identity. The passport
// gate verifies bearer tokens; the test gate trusts the payload and exists
// for integration tests only.
type Gate interface {
	Authenticate(ctx context.Context, data protocol.AuthenticateData) (registry.Identity, error)
}

// PassportGate verifies bearer tokens against the configured passport.
type PassportGate struct {
	verifier *passport.Verifier
	pass     *passport.Passport
}

// NewPassportGate creates a gate backed by the given verifier and passport.
func NewPassportGate(verifier *passport.Verifier, pass *passport.Passport) *PassportGate {
	return &PassportGate{verifier: verifier, pass: pass}
}

// Authenticate verifies the token and extracts the identity from its claims.
// The subject claim is the user id; the display name falls back through
// name, preferred_username, and finally the subject itself.
func (g *PassportGate) Authenticate(ctx context.Context, data protocol.AuthenticateData) (registry.Identity, error) {
	if data.Token == "" {
		return registry.Identity{}, ErrTokenRequired
	}

	result := g.verifier.Verify(ctx, data.Token, g.pass)
	if !result.Valid {
		return registry.Identity{}, fmt.Errorf("%w: %s (%s)", ErrTokenRejected, result.Reason, result.Details)
	}

	sub, _ := result.Claims["sub"].(string)
	if sub == "" {
		return registry.Identity{}, fmt.Errorf("%w: token has no subject", ErrTokenRejected)
	}

	name := sub
	if n, ok := result.Claims["name"].(string); ok && n != "" {
		name = n
	} else if n, ok := result.Claims["preferred_username"].(string); ok && n != "" {
		name = n
	}

	return registry.Identity{UserID: sub, UserName: name, Claims: result.Claims}, nil
}

// TestGate accepts the identity named in the payload without verification.
// Only wired when SOCKET_MIDDLEWARE=test, which is rejected in production.
type TestGate struct{}

// Authenticate trusts the payload's userId and userName.
func (TestGate) Authenticate(_ context.Context, data protocol.AuthenticateData) (registry.Identity, error) {
	if data.UserID == "" {
		return registry.Identity{}, ErrIdentityRequired
	}
	name := data.UserName
	if name == "" {
		name = data.UserID
	}
	return registry.Identity{UserID: data.UserID, UserName: name}, nil
}
