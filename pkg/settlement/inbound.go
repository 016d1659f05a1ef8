package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"interbank/pkg/fault"
	"interbank/pkg/keys"
	"interbank/pkg/ledger"
	"interbank/pkg/metrics"
	"interbank/pkg/token"
	"interbank/pkg/types"

	"go.uber.org/zap"
)

// KeyFetcher returns the current verification keys of a peer. Implementations
// must not cache across calls.
type KeyFetcher interface {
	FetchPublicKey(ctx context.Context, bankID types.BankID) (*keys.KeySet, error)
}

// InboundRequest is a transfer as delivered by a peer. Exactly one of Token
// and Raw is set.
type InboundRequest struct {
	Token  string
	Raw    *token.Payload
	Origin types.BankID
}

// ParseInbound decodes {transaction: token}, {jwt: token} or a raw payload.
func ParseInbound(body []byte, origin string) (InboundRequest, error) {
	req := InboundRequest{Origin: types.BankID(strings.TrimSpace(origin))}

	var envelope struct {
		Transaction json.RawMessage `json:"transaction"`
		JWT         string          `json:"jwt"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return req, fault.Wrap(fault.InvalidTransaction, err, "malformed request body")
	}

	switch {
	case len(envelope.Transaction) > 0 && envelope.Transaction[0] == '"':
		if err := json.Unmarshal(envelope.Transaction, &req.Token); err != nil {
			return req, fault.Wrap(fault.InvalidTransaction, err, "malformed transaction token")
		}
	case envelope.JWT != "":
		req.Token = envelope.JWT
	default:
		raw := body
		if len(envelope.Transaction) > 0 && !bytes.Equal(envelope.Transaction, []byte("null")) {
			raw = envelope.Transaction
		}
		var p token.Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			return req, fault.Wrap(fault.InvalidTransaction, err, "malformed transaction payload")
		}
		req.Raw = &p
	}
	return req, nil
}

type InboundOptions struct {
	OwnPrefix     string
	AllowUnsigned bool
	Metrics       *metrics.Metrics
}

// InboundHandler authenticates and applies transfers initiated by peers.
// Invocations are serialised.
type InboundHandler struct {
	mu sync.Mutex

	store   Ledger
	keys    KeyFetcher
	codec   *token.Codec
	opts    InboundOptions
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewInboundHandler(store Ledger, fetcher KeyFetcher, codec *token.Codec, opts InboundOptions, logger *zap.Logger) *InboundHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.OwnPrefix = strings.ToUpper(opts.OwnPrefix)
	return &InboundHandler{
		store:   store,
		keys:    fetcher,
		codec:   codec,
		opts:    opts,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Accept verifies req and credits the destination account. A reference that
// was already recorded with the same content returns the stored record
// without a second credit.
func (h *InboundHandler) Accept(ctx context.Context, req InboundRequest) (*types.Transaction, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tx, err := h.accept(ctx, req)
	if err != nil {
		h.metrics.InboundResult(string(fault.CodeOf(err)))
		h.logger.Warn("Rejected inbound transfer",
			zap.String("origin", string(req.Origin)),
			zap.String("code", string(fault.CodeOf(err))),
			zap.Error(err))
		return nil, err
	}
	return tx, nil
}

func (h *InboundHandler) accept(ctx context.Context, req InboundRequest) (*types.Transaction, error) {
	payload, source, err := h.authenticate(ctx, req)
	if err != nil {
		return nil, err
	}

	if types.AccountPrefix(payload.ToAccount) != h.opts.OwnPrefix {
		return nil, fault.New(fault.DestinationAccountNotFound, "account %s is not held here", payload.ToAccount)
	}
	if _, err := h.store.Balance(ctx, payload.ToAccount); err != nil {
		return nil, ledgerFault(err, fault.DestinationAccountNotFound)
	}

	tx := &types.Transaction{
		Reference:   payload.Reference,
		FromAccount: payload.FromAccount,
		ToAccount:   payload.ToAccount,
		Amount:      payload.Amount,
		Currency:    strings.ToUpper(payload.Currency),
		Status:      types.StatusCompleted,
		Direction:   types.DirectionInbound,
		Description: payload.Description,
		SourceBank:  source,
	}

	if existing, found, err := h.existing(ctx, tx); found || err != nil {
		return existing, err
	}

	if err := h.store.CreditAndRecord(ctx, tx); err != nil {
		if errors.Is(err, ledger.ErrDuplicateReference) {
			if existing, found, lookupErr := h.existing(ctx, tx); found || lookupErr != nil {
				return existing, lookupErr
			}
		}
		return nil, ledgerFault(err, fault.DestinationAccountNotFound)
	}

	h.metrics.InboundResult("credited")
	h.logger.Info("Credited inbound transfer",
		zap.String("reference", string(tx.Reference)),
		zap.String("source_bank", string(source)),
		zap.String("account", tx.ToAccount),
		zap.String("amount", tx.Amount.String()),
		zap.String("currency", tx.Currency))
	return tx, nil
}

// existing returns the stored record for tx.Reference when it describes the
// same transfer, or DuplicateReference when it does not.
func (h *InboundHandler) existing(ctx context.Context, tx *types.Transaction) (*types.Transaction, bool, error) {
	stored, err := h.store.Transaction(ctx, tx.Reference)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, ledgerFault(err, fault.Internal)
	}
	if !stored.SameTransfer(tx) {
		return nil, true, fault.New(fault.DuplicateReference, "reference %s already used for a different transfer", tx.Reference)
	}
	h.metrics.InboundResult("duplicate")
	h.logger.Info("Inbound transfer already recorded", zap.String("reference", string(tx.Reference)))
	return stored, true, nil
}

// authenticate resolves the issuer, fetches its current key and verifies the
// token. The key set is fetched on every call.
func (h *InboundHandler) authenticate(ctx context.Context, req InboundRequest) (token.Payload, types.BankID, error) {
	if req.Token == "" {
		return h.unsigned(req)
	}

	header, err := h.codec.PeekIssuer(req.Token)
	if err != nil {
		return token.Payload{}, "", err
	}

	issuer := req.Origin
	if issuer == "" {
		issuer = types.BankID(header.Issuer)
	}
	if issuer == "" {
		return token.Payload{}, "", fault.New(fault.UnknownSourceBank, "token names no issuer and request carries no origin")
	}

	keySet, err := h.keys.FetchPublicKey(ctx, issuer)
	if err != nil {
		return token.Payload{}, "", err
	}
	pub, ok := keySet.Lookup(header.KeyID)
	if !ok {
		// unknown kid: check against the issuer's primary key
		pub, ok = keySet.Lookup("")
	}
	if !ok {
		return token.Payload{}, "", fault.New(fault.KeyLookupFailed, "bank %s publishes no key %q", issuer, header.KeyID)
	}

	claims, err := h.codec.Verify(req.Token, issuer, pub)
	if err != nil {
		return token.Payload{}, "", err
	}
	if claims.SourceBank != "" && types.BankID(claims.SourceBank) != issuer {
		return token.Payload{}, "", fault.New(fault.IssuerMismatch, "token from %s claims source bank %s", issuer, claims.SourceBank)
	}
	return claims.Payload, issuer, nil
}

func (h *InboundHandler) unsigned(req InboundRequest) (token.Payload, types.BankID, error) {
	if req.Raw == nil {
		return token.Payload{}, "", fault.New(fault.InvalidTransaction, "empty transfer")
	}
	if !h.opts.AllowUnsigned {
		return token.Payload{}, "", fault.New(fault.SignatureInvalid, "unsigned transfers are not accepted")
	}

	source := req.Origin
	if source == "" {
		source = types.BankID(req.Raw.SourceBank)
	}
	if source == "" {
		return token.Payload{}, "", fault.New(fault.UnknownSourceBank, "unsigned transfer names no source bank")
	}
	if req.Raw.SourceBank != "" && types.BankID(req.Raw.SourceBank) != source {
		return token.Payload{}, "", fault.New(fault.IssuerMismatch, "transfer from %s claims source bank %s", source, req.Raw.SourceBank)
	}

	p := *req.Raw
	switch {
	case p.Reference == "", p.FromAccount == "", p.ToAccount == "":
		return p, "", fault.New(fault.InvalidTransaction, "reference and accounts are required")
	case !types.ValidAmount(p.Amount):
		return p, "", fault.New(fault.InvalidTransaction, "amount must be positive with at most %d decimal places", types.AmountScale)
	case len(p.Currency) != 3:
		return p, "", fault.New(fault.InvalidTransaction, "currency must be an ISO 4217 code")
	}
	h.logger.Warn("Accepting unsigned inbound transfer", zap.String("source_bank", string(source)))
	return p, source, nil
}
