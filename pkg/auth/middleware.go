package auth

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	APIKeyHeader     = "X-API-Key"
	TokenMetadataKey = "authorization"
)

// Interceptor authenticates HTTP and gRPC calls against an Authenticator.
type Interceptor struct {
	authenticator Authenticator
	requireAuth   bool
	logger        *zap.Logger
}

// NewInterceptor creates an interceptor. When requireAuth is false a failed
// authentication lets the call through without an identity.
func NewInterceptor(authenticator Authenticator, requireAuth bool, logger *zap.Logger) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{authenticator: authenticator, requireAuth: requireAuth, logger: logger}
}

// HTTPMiddleware reads the key from X-API-Key or an Authorization bearer.
func (ai *Interceptor) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := r.Header.Get(APIKeyHeader)
		if credential == "" {
			credential = bearer(r.Header.Get("Authorization"))
		}

		ctx, err := ai.authenticate(r.Context(), credential)
		if err != nil {
			ai.logger.Warn("Rejected unauthenticated request",
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.Error(err))
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("WWW-Authenticate", "Bearer")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "Unauthorized",
				"message": err.Error(),
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UnaryServerInterceptor returns a gRPC unary server interceptor for authentication
func (ai *Interceptor) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		var credential string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get(TokenMetadataKey); len(values) > 0 {
				credential = bearer(values[0])
			}
		}

		newCtx, err := ai.authenticate(ctx, credential)
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "authentication failed: %v", err)
		}
		return handler(newCtx, req)
	}
}

func (ai *Interceptor) authenticate(ctx context.Context, credential string) (context.Context, error) {
	id, err := ai.authenticator.Authenticate(ctx, credential)
	if err != nil {
		if ai.requireAuth {
			return nil, err
		}
		return ctx, nil
	}
	return WithIdentity(ctx, id), nil
}
