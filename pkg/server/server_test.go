package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"interbank/pkg/auth"
	"interbank/pkg/directory"
	"interbank/pkg/fault"
	"interbank/pkg/keys"
	"interbank/pkg/ledger"
	"interbank/pkg/settlement"
	"interbank/pkg/token"
	"interbank/pkg/types"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type staticKeys struct {
	sets map[types.BankID]*keys.KeySet
}

func (s staticKeys) FetchPublicKey(_ context.Context, id types.BankID) (*keys.KeySet, error) {
	ks, ok := s.sets[id]
	if !ok {
		return nil, fault.New(fault.KeyLookupFailed, "bank %s not registered", id)
	}
	return ks, nil
}

type fakeDirectory struct {
	banks  []types.BankDirectoryEntry
	status directory.Status
}

func (d *fakeDirectory) List() []types.BankDirectoryEntry { return d.banks }
func (d *fakeDirectory) Status() directory.Status        { return d.status }

type sendFunc func(context.Context, settlement.SendRequest) (*types.Transaction, error)

func (f sendFunc) Send(ctx context.Context, req settlement.SendRequest) (*types.Transaction, error) {
	return f(ctx, req)
}

func rsaKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

type rig struct {
	store  *ledger.LevelStore
	server *httptest.Server
	peer   *token.Codec
	own    *keys.Custodian
}

func newRig(t *testing.T, deps Deps, opts Options) *rig {
	t.Helper()
	store := ledger.NewMemoryStore(zap.NewNop())
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.OpenAccount(context.Background(), "OAP100", decimal.RequireFromString("100")))

	peerKey := rsaKey(t)
	set, err := keys.NewCustodianFromKey(peerKey).JWKS()
	require.NoError(t, err)
	ks, err := keys.ParseKeySet(set)
	require.NoError(t, err)

	own := keys.NewCustodianFromKey(rsaKey(t))
	if deps.Inbound == nil {
		deps.Inbound = settlement.NewInboundHandler(store, staticKeys{sets: map[types.BankID]*keys.KeySet{"KP": ks}},
			token.NewCodec(nil), settlement.InboundOptions{OwnPrefix: "OAP"}, zap.NewNop())
	}
	if deps.Records == nil {
		deps.Records = store
	}
	if deps.Keys == nil {
		deps.Keys = own
	}
	if deps.Auth == nil {
		deps.Auth = auth.NewInterceptor(auth.NewAPIKeyAuthenticator("s3cret", "ops"), true, zap.NewNop())
	}

	srv := httptest.NewServer(New(deps, opts, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return &rig{store: store, server: srv, peer: token.NewCodec(keys.NewCustodianFromKey(peerKey)), own: own}
}

func (r *rig) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, r.server.URL+path, &buf)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		code     fault.Code
		expected int
	}{
		{fault.InvalidTransaction, http.StatusBadRequest},
		{fault.TokenExpired, http.StatusUnauthorized},
		{fault.IssuerMismatch, http.StatusUnauthorized},
		{fault.SignatureInvalid, http.StatusUnauthorized},
		{fault.KeyLookupFailed, http.StatusUnauthorized},
		{fault.UnknownSourceBank, http.StatusUnauthorized},
		{fault.UnknownDestinationBank, http.StatusNotFound},
		{fault.DestinationAccountNotFound, http.StatusNotFound},
		{fault.SourceAccountNotFound, http.StatusNotFound},
		{fault.TransactionNotFound, http.StatusNotFound},
		{fault.DuplicateReference, http.StatusConflict},
		{fault.InsufficientFunds, http.StatusUnprocessableEntity},
		{fault.RateLimited, http.StatusTooManyRequests},
		{fault.DeliveryFailed, http.StatusBadGateway},
		{fault.QueueClosed, http.StatusServiceUnavailable},
		{fault.CompensationFailed, http.StatusInternalServerError},
		{fault.Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.expected, statusFor(tt.code))
		})
	}
}

func TestInboundEndpointCreditsOnce(t *testing.T) {
	r := newRig(t, Deps{}, Options{})
	tok, err := r.peer.Encode(token.Payload{
		FromAccount: "KP200",
		ToAccount:   "OAP100",
		Amount:      decimal.RequireFromString("25"),
		Currency:    "EUR",
		Reference:   "KP-1",
		SourceBank:  "KP",
	}, "KP")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, body := r.do(t, http.MethodPost, "/transactions/b2b", map[string]string{"transaction": tok}, map[string]string{OriginHeader: "KP"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "completed", body["status"])
		assert.Equal(t, "KP-1", body["reference"])
	}

	balance, err := r.store.Balance(context.Background(), "OAP100")
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.RequireFromString("125")))
}

func TestInboundEndpointRejections(t *testing.T) {
	r := newRig(t, Deps{}, Options{})

	tests := []struct {
		name     string
		body     interface{}
		origin   string
		status   int
		expected fault.Code
	}{
		{"Garbage", "not-an-object", "KP", http.StatusBadRequest, fault.InvalidTransaction},
		{"BadToken", map[string]string{"jwt": "a.b.c"}, "KP", http.StatusUnauthorized, fault.SignatureInvalid},
		{"Unsigned", map[string]string{"fromAccount": "KP1", "toAccount": "OAP100", "amount": "5", "currency": "EUR", "reference": "x"}, "KP", http.StatusUnauthorized, fault.SignatureInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := r.do(t, http.MethodPost, "/transactions/b2b", tt.body, map[string]string{OriginHeader: tt.origin})
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, string(tt.expected), body["error"])
		})
	}
}

func TestJWKSEndpoint(t *testing.T) {
	r := newRig(t, Deps{}, Options{})
	resp, err := http.Get(r.server.URL + "/.well-known/jwks.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var set keys.JWKS
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "RSA", set.Keys[0].Kty)
	assert.Equal(t, "RS256", set.Keys[0].Alg)

	kid, err := r.own.KeyID()
	require.NoError(t, err)
	assert.Equal(t, kid, set.Keys[0].Kid)
}

func TestTransfersRequireAPIKey(t *testing.T) {
	sent := 0
	r := newRig(t, Deps{Transfers: sendFunc(func(_ context.Context, req settlement.SendRequest) (*types.Transaction, error) {
		sent++
		return &types.Transaction{Reference: "OAP-1", Status: types.StatusPending, Amount: req.Amount}, nil
	})}, Options{})
	body := map[string]string{"fromAccount": "OAP100", "toAccount": "KP200", "amount": "5", "currency": "EUR"}

	resp, _ := r.do(t, http.MethodPost, "/transfers", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, out := r.do(t, http.MethodPost, "/transfers", body, map[string]string{auth.APIKeyHeader: "s3cret"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "OAP-1", out["reference"])
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, 1, sent)
}

func TestTransferErrorsMapToStatus(t *testing.T) {
	r := newRig(t, Deps{Transfers: sendFunc(func(context.Context, settlement.SendRequest) (*types.Transaction, error) {
		return nil, fault.New(fault.InsufficientFunds, "account OAP100 cannot cover 500")
	})}, Options{})
	headers := map[string]string{auth.APIKeyHeader: "s3cret"}

	resp, out := r.do(t, http.MethodPost, "/transfers", map[string]string{"fromAccount": "OAP100", "toAccount": "KP200", "amount": "500", "currency": "EUR"}, headers)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "InsufficientFunds", out["error"])
	assert.Equal(t, "account OAP100 cannot cover 500", out["message"])

	resp, out = r.do(t, http.MethodPost, "/transfers", map[string]string{"from": "OAP100"}, headers)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidTransaction", out["error"])
}

func TestTransferStatus(t *testing.T) {
	r := newRig(t, Deps{}, Options{})
	headers := map[string]string{auth.APIKeyHeader: "s3cret"}

	resp, out := r.do(t, http.MethodGet, "/transfers/OAP-missing", nil, headers)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "TransactionNotFound", out["error"])

	require.NoError(t, r.store.DebitAndRecord(context.Background(), &types.Transaction{
		Reference:   "OAP-7",
		FromAccount: "OAP100",
		ToAccount:   "KP200",
		Amount:      decimal.RequireFromString("10"),
		Currency:    "EUR",
		Status:      types.StatusPending,
		Direction:   types.DirectionOutbound,
	}))

	resp, out = r.do(t, http.MethodGet, "/transfers/OAP-7", nil, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, "outbound", out["direction"])
}

func TestInboundRateLimit(t *testing.T) {
	r := newRig(t, Deps{}, Options{RateLimit: 0.001, RateBurst: 1})

	resp, _ := r.do(t, http.MethodPost, "/transactions/b2b", map[string]string{"jwt": "a.b.c"}, nil)
	assert.NotEqual(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, out := r.do(t, http.MethodPost, "/transactions/b2b", map[string]string{"jwt": "a.b.c"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RateLimited", out["error"])
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestDirectoryAndHealthEndpoints(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	dir := &fakeDirectory{
		banks:  []types.BankDirectoryEntry{{Name: "Kp Bank", Prefix: "KP", TransactionURL: "http://kp/transactions/b2b"}},
		status: directory.Status{LastSuccess: at, Size: 1},
	}
	r := newRig(t, Deps{Directory: dir}, Options{})

	resp, out := r.do(t, http.MethodGet, "/directory", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, out["count"])
	assert.Equal(t, "2026-05-01T00:00:00Z", out["lastSync"])

	resp, out = r.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["status"])

	dir.status.LastError = directory.ErrEmptyRemote
	_, out = r.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, "degraded", out["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	r := newRig(t, Deps{}, Options{})
	resp, err := http.Get(r.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGRPCHealth(t *testing.T) {
	dir := &fakeDirectory{}
	h := NewHealth("127.0.0.1:0", dir, auth.NewInterceptor(auth.NewAPIKeyAuthenticator("", ""), false, nil), zap.NewNop())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Serve(ctx, lis)
	defer h.Stop()

	conn, err := grpc.Dial(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceRegistration))

	dir.status.Size = 3
	h.Refresh()
	h.SetRegistered(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceDirectory))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceRegistration))
}

func TestIdempotentTransfers(t *testing.T) {
	addr := os.Getenv("BANKD_TEST_REDIS")
	if addr == "" {
		t.Skip("BANKD_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	require.NoError(t, rdb.Ping(context.Background()).Err())

	calls := 0
	r := newRig(t, Deps{
		Redis: rdb,
		Transfers: sendFunc(func(context.Context, settlement.SendRequest) (*types.Transaction, error) {
			calls++
			return &types.Transaction{Reference: types.Reference("OAP-" + strings.Repeat("x", calls)), Status: types.StatusPending}, nil
		}),
	}, Options{})

	headers := map[string]string{auth.APIKeyHeader: "s3cret", IdempotencyHeader: uuid.NewString()}
	body := map[string]string{"fromAccount": "OAP100", "toAccount": "KP200", "amount": "5", "currency": "EUR"}

	first, out1 := r.do(t, http.MethodPost, "/transfers", body, headers)
	second, out2 := r.do(t, http.MethodPost, "/transfers", body, headers)

	assert.Equal(t, http.StatusAccepted, first.StatusCode)
	assert.Equal(t, http.StatusAccepted, second.StatusCode)
	assert.Equal(t, "true", second.Header.Get("X-Idempotency-Hit"))
	assert.Equal(t, out1["reference"], out2["reference"])
	assert.Equal(t, 1, calls)
}
