package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"interbank/pkg/auth"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// Service names reported by the gRPC health endpoint in addition to the
// overall "" service.
const (
	ServiceDirectory    = "bankd.directory"
	ServiceRegistration = "bankd.registration"
)

// Health serves grpc.health.v1 and tracks whether this node has a usable
// directory and a registry registration.
type Health struct {
	address   string
	directory Directory
	interval  time.Duration
	logger    *zap.Logger

	health *health.Server
	server *grpc.Server

	mu      sync.Mutex
	stopCh  chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func NewHealth(address string, dir Directory, interceptor *auth.Interceptor, logger *zap.Logger) *Health {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Health{
		address:   address,
		directory: dir,
		interval:  10 * time.Second,
		logger:    logger,
		health:    health.NewServer(),
		stopCh:    make(chan struct{}),
	}

	interceptors := []grpc.UnaryServerInterceptor{loggingInterceptor(logger)}
	if interceptor != nil {
		interceptors = append(interceptors, interceptor.UnaryServerInterceptor())
	}
	h.server = grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	healthpb.RegisterHealthServer(h.server, h.health)

	h.health.SetServingStatus(ServiceRegistration, healthpb.HealthCheckResponse_NOT_SERVING)
	h.Refresh()
	return h
}

// SetRegistered records the outcome of self-registration.
func (h *Health) SetRegistered(ok bool) {
	state := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		state = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(ServiceRegistration, state)
}

// Refresh recomputes the directory status. The node serves as long as it
// has at least one bank to route to, even when the last sync failed.
func (h *Health) Refresh() {
	state := healthpb.HealthCheckResponse_NOT_SERVING
	if h.directory != nil && h.directory.Status().Size > 0 {
		state = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(ServiceDirectory, state)
	h.health.SetServingStatus("", state)
}

// Check is the in-process form of the gRPC health check.
func (h *Health) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}

// Start listens on the configured address and serves in the background.
func (h *Health) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", h.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.address, err)
	}
	h.Serve(ctx, lis)
	return nil
}

// Serve serves on lis and keeps the directory status current.
func (h *Health) Serve(ctx context.Context, lis net.Listener) {
	h.logger.Info("Starting gRPC health server", zap.String("address", lis.Addr().String()))

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		if err := h.server.Serve(lis); err != nil {
			h.logger.Error("gRPC health server stopped", zap.Error(err))
		}
	}()
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.Refresh()
			case <-h.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (h *Health) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	close(h.stopCh)
	h.health.Shutdown()
	h.server.GracefulStop()
	h.wg.Wait()
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("gRPC call",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)))
		return resp, err
	}
}
