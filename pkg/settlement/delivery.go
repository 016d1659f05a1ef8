package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"interbank/pkg/fault"
	"interbank/pkg/token"
	"interbank/pkg/types"
)

// Deliverer posts one outbound transaction to a peer.
type Deliverer interface {
	Deliver(ctx context.Context, endpoint string, tx *types.Transaction) error
}

// HTTPDeliverer signs the transaction and posts {transaction: token} to the
// peer's transaction URL.
type HTTPDeliverer struct {
	client  *http.Client
	codec   *token.Codec
	ownID   types.BankID
	ownName string
	timeout time.Duration
}

func NewHTTPDeliverer(codec *token.Codec, ownID types.BankID, ownName string, timeout time.Duration) *HTTPDeliverer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDeliverer{
		client:  &http.Client{},
		codec:   codec,
		ownID:   ownID,
		ownName: ownName,
		timeout: timeout,
	}
}

func (d *HTTPDeliverer) Deliver(ctx context.Context, endpoint string, tx *types.Transaction) error {
	signed, err := d.codec.Encode(token.Payload{
		FromAccount:    tx.FromAccount,
		ToAccount:      tx.ToAccount,
		Amount:         tx.Amount,
		Currency:       tx.Currency,
		Description:    tx.Description,
		Reference:      tx.Reference,
		Timestamp:      tx.CreatedAt,
		SourceBank:     string(d.ownID),
		SourceBankName: d.ownName,
	}, d.ownID)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{"transaction": signed})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fault.Wrap(fault.DeliveryFailed, err, "bad peer endpoint")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bank-Signature", token.Signature(signed))
	req.Header.Set("X-Bank-Origin", string(d.ownID))

	resp, err := d.client.Do(req)
	if err != nil {
		return fault.Wrap(fault.DeliveryFailed, err, "peer unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fault.New(fault.DeliveryFailed, "peer returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
