// Package auth authenticates operators of the bank's own API. Peer banks are
// never authenticated here: they prove themselves with signed tokens.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Role distinguishes callers of the node.
type Role string

const (
	RoleOperator  Role = "operator"
	RoleAnonymous Role = "anonymous"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	Subject string
	Role    Role
}

// Authenticator validates a bearer credential.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*Identity, error)
}

// APIKeyAuthenticator accepts a single static key. An empty key disables
// authentication and every caller is treated as the operator.
type APIKeyAuthenticator struct {
	key     string
	subject string
}

func NewAPIKeyAuthenticator(key, subject string) *APIKeyAuthenticator {
	if subject == "" {
		subject = "operator"
	}
	return &APIKeyAuthenticator{key: key, subject: subject}
}

// Enabled reports whether a key is configured.
func (a *APIKeyAuthenticator) Enabled() bool {
	return a != nil && a.key != ""
}

func (a *APIKeyAuthenticator) Authenticate(_ context.Context, credential string) (*Identity, error) {
	if !a.Enabled() {
		return &Identity{Subject: a.subjectOrDefault(), Role: RoleOperator}, nil
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrMissingCredentials
	}
	if subtle.ConstantTimeCompare([]byte(credential), []byte(a.key)) != 1 {
		return nil, ErrInvalidCredentials
	}
	return &Identity{Subject: a.subject, Role: RoleOperator}, nil
}

func (a *APIKeyAuthenticator) subjectOrDefault() string {
	if a == nil {
		return "operator"
	}
	return a.subject
}

type contextKey string

const identityContextKey contextKey = "identity"

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext returns the caller attached by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok && id != nil
}

// CurrentIdentity is IdentityFromContext with an anonymous fallback.
func CurrentIdentity(ctx context.Context) Identity {
	if id, ok := IdentityFromContext(ctx); ok {
		return *id
	}
	return Identity{Subject: "anonymous", Role: RoleAnonymous}
}

// bearer strips an optional "Bearer " scheme.
func bearer(value string) string {
	value = strings.TrimSpace(value)
	if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
		return strings.TrimSpace(value[7:])
	}
	return value
}
