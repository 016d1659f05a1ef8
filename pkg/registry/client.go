// Package registry is the client side of the central bank registry: it
// registers this bank, lists the federation and fetches peers' verification
// keys. It never caches key material.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"interbank/pkg/fault"
	"interbank/pkg/keys"
	"interbank/pkg/metrics"
	"interbank/pkg/types"

	"go.uber.org/zap"
)

const maxResponseBytes = 4 << 20

// Options tunes the client. Zero values take the defaults.
type Options struct {
	APIKey       string
	Timeout      time.Duration
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	HTTPClient   *http.Client
	Metrics      *metrics.Metrics
}

// Client talks to the registry over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics

	maxAttempts  int
	baseDelay    time.Duration
	maxDelay     time.Duration
	jitterFactor float64
}

// Registration is the registry's view of a registered bank.
type Registration struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Prefix      string    `json:"prefix"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
}

// Active reports whether the registry considers the bank live.
func (r *Registration) Active() bool {
	return r != nil && (r.Status == "" || strings.EqualFold(r.Status, "active"))
}

type bankRecord struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Prefix         string    `json:"prefix"`
	TransactionURL string    `json:"transactionUrl"`
	JWKSURL        string    `json:"jwksUrl"`
	Owners         []string  `json:"owners"`
	Status         string    `json:"status"`
	LastUpdated    time.Time `json:"lastUpdated"`
}

func (b bankRecord) entry() types.BankDirectoryEntry {
	name := b.Name
	if name == "" {
		name = b.ID
	}
	owners := append([]string(nil), b.Owners...)
	sort.Strings(owners)
	return types.BankDirectoryEntry{
		Name:           name,
		Prefix:         strings.ToUpper(b.Prefix),
		TransactionURL: b.TransactionURL,
		JWKSURL:        b.JWKSURL,
		Owners:         owners,
		LastUpdated:    b.LastUpdated.UTC(),
	}
}

// NewClient returns a registry client rooted at baseURL.
func NewClient(baseURL string, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       opts.APIKey,
		httpClient:   opts.HTTPClient,
		logger:       logger,
		metrics:      opts.Metrics,
		maxAttempts:  opts.MaxAttempts,
		baseDelay:    opts.BaseDelay,
		maxDelay:     opts.MaxDelay,
		jitterFactor: opts.JitterFactor,
	}
}

// Register announces self to the registry. A 409 means the bank is already
// registered and counts as an acknowledgement.
func (c *Client) Register(ctx context.Context, self types.SelfDescriptor) (*Registration, error) {
	body, err := json.Marshal(self)
	if err != nil {
		return nil, fault.Wrap(fault.RegistrationFailed, err, "encode descriptor")
	}

	var reg Registration
	err = c.withRetry(ctx, "register", func(ctx context.Context) error {
		err := c.do(ctx, http.MethodPost, "/banks", body, &reg)
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusConflict {
			reg = Registration{ID: string(self.ID), Name: self.Name, Prefix: self.Prefix, Status: "active", Message: "already registered"}
			return nil
		}
		return err
	})
	if err != nil {
		c.metrics.RegistryRequest("register", "failed")
		return nil, fault.Wrap(fault.RegistrationFailed, err, fmt.Sprintf("register %s", self.ID))
	}
	c.metrics.RegistryRequest("register", "ok")

	if reg.ID == "" {
		reg.ID = string(self.ID)
	}
	c.logger.Info("Registered with registry",
		zap.String("bank_id", reg.ID),
		zap.String("status", reg.Status))
	return &reg, nil
}

// FetchPublicKey returns the current key set of bankID. An unreachable
// registry or an unknown bank yields KeyLookupFailed; callers must reject.
func (c *Client) FetchPublicKey(ctx context.Context, bankID types.BankID) (*keys.KeySet, error) {
	if bankID == "" {
		return nil, fault.New(fault.KeyLookupFailed, "empty bank id")
	}

	var set keys.JWKS
	path := "/banks/" + url.PathEscape(string(bankID)) + "/jwks"
	err := c.withRetry(ctx, "fetch_key", func(ctx context.Context) error {
		return c.do(ctx, http.MethodGet, path, nil, &set)
	})
	if err != nil {
		c.metrics.RegistryRequest("fetch_key", "failed")
		return nil, fault.Wrap(fault.KeyLookupFailed, err, fmt.Sprintf("key lookup for %s", bankID))
	}

	ks, err := keys.ParseKeySet(&set)
	if err != nil {
		c.metrics.RegistryRequest("fetch_key", "failed")
		return nil, fault.Wrap(fault.KeyLookupFailed, err, fmt.Sprintf("key set of %s", bankID))
	}
	c.metrics.RegistryRequest("fetch_key", "ok")
	return ks, nil
}

// ListBanks returns the registry's current snapshot. It does not retry.
func (c *Client) ListBanks(ctx context.Context) ([]types.BankDirectoryEntry, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/banks", nil, &raw); err != nil {
		c.metrics.RegistryRequest("list", "failed")
		return nil, fmt.Errorf("list banks: %w", err)
	}

	records, err := decodeBankList(raw)
	if err != nil {
		c.metrics.RegistryRequest("list", "failed")
		return nil, fmt.Errorf("list banks: %w", err)
	}
	c.metrics.RegistryRequest("list", "ok")

	entries := make([]types.BankDirectoryEntry, 0, len(records))
	for _, r := range records {
		if r.Status != "" && !strings.EqualFold(r.Status, "active") {
			continue
		}
		e := r.entry()
		if e.Name == "" {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ValidateSelf checks that bankID is registered and active.
func (c *Client) ValidateSelf(ctx context.Context, bankID types.BankID) (*Registration, error) {
	var reg Registration
	path := "/banks/" + url.PathEscape(string(bankID))
	if err := c.do(ctx, http.MethodGet, path, nil, &reg); err != nil {
		c.metrics.RegistryRequest("validate", "failed")
		return nil, fmt.Errorf("validate registration: %w", err)
	}
	c.metrics.RegistryRequest("validate", "ok")
	if !reg.Active() {
		return &reg, fmt.Errorf("registration of %s is %s", bankID, reg.Status)
	}
	return &reg, nil
}

// the registry has answered both with a bare array and with {"banks": [...]}
func decodeBankList(raw json.RawMessage) ([]bankRecord, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &decodeError{errors.New("empty body")}
	}

	var records []bankRecord
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, &decodeError{err}
		}
		return records, nil
	}

	var wrapped struct {
		Banks []bankRecord `json:"banks"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, &decodeError{err}
	}
	return wrapped.Banks, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &decodeError{err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: msg}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &decodeError{err}
	}
	return nil
}
