package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"interbank/pkg/auth"
	"interbank/pkg/fault"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	IdempotencyHeader = "Idempotency-Key"

	idempotencyTTL     = 24 * time.Hour
	idempotencyLockTTL = 10 * time.Second
	idempotencyPrefix  = "bankd:idempotency:"
	idempotencyLock    = "bankd:lock:"
)

// cachedResponse is what a completed request leaves behind in Redis.
type cachedResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

type capturingWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *capturingWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

// Idempotency replays the stored response for a repeated Idempotency-Key and
// refuses a second request while the first is still running. Keys are scoped
// to the authenticated caller. Requests without the header pass through.
func Idempotency(rdb redis.Cmdable, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			scope := auth.CurrentIdentity(ctx).Subject + ":" + key
			cacheKey := idempotencyPrefix + scope
			lockKey := idempotencyLock + scope

			raw, err := rdb.Get(ctx, cacheKey).Bytes()
			switch {
			case err == nil:
				var cached cachedResponse
				if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
					logger.Debug("Idempotency cache hit", zap.String("key", key))
					w.Header().Set("X-Idempotency-Hit", "true")
					writeRaw(w, cached.Status, cached.Body)
					return
				}
				logger.Warn("Discarding unreadable idempotency entry", zap.String("key", key))
			case !errors.Is(err, redis.Nil):
				logger.Error("Idempotency lookup failed", zap.String("key", key), zap.Error(err))
				writeError(w, fault.Wrap(fault.Internal, err, "idempotency store unavailable"))
				return
			}

			acquired, err := rdb.SetNX(ctx, lockKey, "processing", idempotencyLockTTL).Result()
			if err != nil {
				logger.Error("Idempotency lock failed", zap.String("key", key), zap.Error(err))
				writeError(w, fault.Wrap(fault.Internal, err, "idempotency store unavailable"))
				return
			}
			if !acquired {
				logger.Info("Concurrent request with same idempotency key", zap.String("key", key))
				writeError(w, fault.New(fault.DuplicateReference, "a request with this idempotency key is being processed"))
				return
			}
			defer func() {
				if err := rdb.Del(ctx, lockKey).Err(); err != nil {
					logger.Warn("Failed to release idempotency lock", zap.String("key", key), zap.Error(err))
				}
			}()

			cw := &capturingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(cw, r)

			if cw.status < 200 || cw.status >= 300 {
				return
			}
			entry, err := json.Marshal(cachedResponse{Status: cw.status, Body: bytes.TrimSpace(cw.body.Bytes())})
			if err != nil {
				return
			}
			if err := rdb.Set(ctx, cacheKey, entry, idempotencyTTL).Err(); err != nil {
				logger.Warn("Failed to cache idempotent response", zap.String("key", key), zap.Error(err))
			}
		})
	}
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
