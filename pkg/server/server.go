// Package server is the bank node's HTTP boundary: the inbound settlement
// endpoint peers deliver to, the published key set, the operator transfer
// API and the health and metrics probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"interbank/pkg/auth"
	"interbank/pkg/directory"
	"interbank/pkg/fault"
	"interbank/pkg/keys"
	"interbank/pkg/ledger"
	"interbank/pkg/metrics"
	"interbank/pkg/settlement"
	"interbank/pkg/types"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const OriginHeader = "X-Bank-Origin"

type Inbound interface {
	Accept(ctx context.Context, req settlement.InboundRequest) (*types.Transaction, error)
}

type Transfers interface {
	Send(ctx context.Context, req settlement.SendRequest) (*types.Transaction, error)
}

type Records interface {
	Transaction(ctx context.Context, ref types.Reference) (*types.Transaction, error)
}

type Directory interface {
	List() []types.BankDirectoryEntry
	Status() directory.Status
}

type KeyPublisher interface {
	JWKS() (*keys.JWKS, error)
}

// Deps are the components the routes call into. Nil components disable
// their routes.
type Deps struct {
	Inbound   Inbound
	Transfers Transfers
	Records   Records
	Directory Directory
	Keys      KeyPublisher
	Metrics   *metrics.Metrics
	Auth      *auth.Interceptor
	Redis     redis.Cmdable
}

type Options struct {
	Address      string
	RateLimit    float64
	RateBurst    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	deps       Deps
	opts       Options
	logger     *zap.Logger
	limiter    *rate.Limiter
	httpServer *http.Server
}

func New(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	if deps.Auth == nil {
		deps.Auth = auth.NewInterceptor(auth.NewAPIKeyAuthenticator("", ""), false, logger)
	}

	s := &Server{deps: deps, opts: opts, logger: logger}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = int(opts.RateLimit) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	s.httpServer = &http.Server{
		Addr:              opts.Address,
		Handler:           s.Handler(),
		ReadTimeout:       opts.ReadTimeout,
		WriteTimeout:      opts.WriteTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(limitBody)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	if s.deps.Keys != nil {
		r.Get("/.well-known/jwks.json", s.handleJWKS)
	}
	if s.deps.Directory != nil {
		r.Get("/directory", s.handleDirectory)
	}
	if s.deps.Inbound != nil {
		r.With(rateLimit(s.limiter)).Post("/transactions/b2b", s.handleInbound)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.deps.Auth.HTTPMiddleware)
		if s.deps.Transfers != nil {
			if s.deps.Redis != nil {
				r.With(Idempotency(s.deps.Redis, s.logger)).Post("/transfers", s.handleSend)
			} else {
				r.Post("/transfers", s.handleSend)
			}
		}
		if s.deps.Records != nil {
			r.Get("/transfers/{reference}", s.handleTransfer)
		}
	})
	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

type inboundResponse struct {
	Status      types.TransactionStatus `json:"status"`
	Reference   types.Reference         `json:"reference"`
	Transaction *types.Transaction      `json:"transaction"`
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, fault.Wrap(fault.InvalidTransaction, err, "unreadable body"))
		return
	}
	req, err := settlement.ParseInbound(body, r.Header.Get(OriginHeader))
	if err != nil {
		writeError(w, err)
		return
	}

	tx, err := s.deps.Inbound.Accept(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inboundResponse{Status: tx.Status, Reference: tx.Reference, Transaction: tx})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := s.deps.Keys.JWKS()
	if err != nil {
		s.logger.Error("Cannot publish verification keys", zap.Error(err))
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req settlement.SendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	tx, err := s.deps.Transfers.Send(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Transfer submitted",
		zap.String("reference", string(tx.Reference)),
		zap.String("by", auth.CurrentIdentity(r.Context()).Subject))
	writeJSON(w, http.StatusAccepted, tx)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	ref := types.Reference(chi.URLParam(r, "reference"))
	tx, err := s.deps.Records.Transaction(r.Context(), ref)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		writeError(w, fault.New(fault.TransactionNotFound, "no transaction %s", ref))
		return
	}
	if err != nil {
		writeError(w, fault.Wrap(fault.Internal, err, "transaction lookup failed"))
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type directoryResponse struct {
	Banks       []types.BankDirectoryEntry `json:"banks"`
	Count       int                        `json:"count"`
	LastSuccess *time.Time                 `json:"lastSync,omitempty"`
	LastError   string                     `json:"lastError,omitempty"`
}

func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	banks := s.deps.Directory.List()
	if banks == nil {
		banks = []types.BankDirectoryEntry{}
	}
	resp := directoryResponse{Banks: banks, Count: len(banks)}
	st := s.deps.Directory.Status()
	if !st.LastSuccess.IsZero() {
		at := st.LastSuccess
		resp.LastSuccess = &at
	}
	if st.LastError != nil {
		resp.LastError = st.LastError.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{"status": "ok"}
	if s.deps.Directory != nil {
		st := s.deps.Directory.Status()
		payload["directory_size"] = st.Size
		if st.LastError != nil {
			payload["status"] = "degraded"
			payload["directory_error"] = st.LastError.Error()
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fault.Wrap(fault.InvalidTransaction, err, "malformed request body")
	}
	return nil
}
