package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestAPIKeyAuthenticator(t *testing.T) {
	a := NewAPIKeyAuthenticator("s3cret", "ops")

	tests := []struct {
		name       string
		credential string
		expected   error
	}{
		{"Valid", "s3cret", nil},
		{"PaddedValid", "  s3cret ", nil},
		{"Missing", "", ErrMissingCredentials},
		{"Wrong", "guess", ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := a.Authenticate(context.Background(), tt.credential)
			if tt.expected != nil {
				assert.ErrorIs(t, err, tt.expected)
				assert.Nil(t, id)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ops", id.Subject)
			assert.Equal(t, RoleOperator, id.Role)
		})
	}
}

func TestDisabledAuthenticatorAdmitsEveryone(t *testing.T) {
	a := NewAPIKeyAuthenticator("", "")
	assert.False(t, a.Enabled())

	id, err := a.Authenticate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "operator", id.Subject)
}

func TestHTTPMiddleware(t *testing.T) {
	ai := NewInterceptor(NewAPIKeyAuthenticator("s3cret", "ops"), true, zap.NewNop())
	var seen Identity
	handler := ai.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CurrentIdentity(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name     string
		header   string
		value    string
		expected int
	}{
		{"APIKeyHeader", APIKeyHeader, "s3cret", http.StatusNoContent},
		{"BearerHeader", "Authorization", "Bearer s3cret", http.StatusNoContent},
		{"WrongKey", APIKeyHeader, "nope", http.StatusUnauthorized},
		{"NoKey", "", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = Identity{}
			req := httptest.NewRequest(http.MethodPost, "/transfers", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.expected, rec.Code)
			if tt.expected == http.StatusNoContent {
				assert.Equal(t, "ops", seen.Subject)
			} else {
				assert.Empty(t, seen.Subject)
			}
		})
	}
}

func TestOptionalAuthPassesThrough(t *testing.T) {
	ai := NewInterceptor(NewAPIKeyAuthenticator("s3cret", "ops"), false, nil)
	var seen Identity
	handler := ai.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CurrentIdentity(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, RoleAnonymous, seen.Role)
}

func TestUnaryServerInterceptor(t *testing.T) {
	ai := NewInterceptor(NewAPIKeyAuthenticator("s3cret", "ops"), true, nil)
	intercept := ai.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		id, ok := IdentityFromContext(ctx)
		require.True(t, ok)
		return id.Subject, nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(TokenMetadataKey, "Bearer s3cret"))
	resp, err := intercept(ctx, nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "ops", resp)

	_, err = intercept(context.Background(), nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}
