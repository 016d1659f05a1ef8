package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"interbank/pkg/auth"
	"interbank/pkg/config"
	"interbank/pkg/server"
	"interbank/pkg/settlement"
	"interbank/pkg/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// The transfer commands talk to a running node over its HTTP API.
func transferCmd() *cobra.Command {
	var nodeURL string

	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Send transfers and follow their status",
	}
	cmd.PersistentFlags().StringVar(&nodeURL, "node", "", "node base URL (defaults to server.address)")
	cmd.AddCommand(transferSendCmd(&nodeURL), transferStatusCmd(&nodeURL))
	return cmd
}

type nodeClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newNodeClient(nodeURL string) (*nodeClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if nodeURL == "" {
		nodeURL = localURL(cfg)
	}
	return &nodeClient{
		baseURL: strings.TrimRight(nodeURL, "/"),
		apiKey:  cfg.Server.APIKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func localURL(cfg *config.Config) string {
	addr := cfg.Server.Address
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *nodeClient) do(ctx context.Context, method, path string, body interface{}, headers map[string]string, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set(auth.APIKeyHeader, c.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("node unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr apiError
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("node returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func transferSendCmd(nodeURL *string) *cobra.Command {
	var (
		currency       string
		description    string
		idempotencyKey string
		wait           time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <from> <to> <amount>",
		Short: "Send money to an account at a peer bank",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[2])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[2], err)
			}
			client, err := newNodeClient(*nodeURL)
			if err != nil {
				return err
			}
			if idempotencyKey == "" {
				idempotencyKey = uuid.NewString()
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute+wait)
			defer cancel()

			var tx types.Transaction
			err = client.do(ctx, http.MethodPost, "/transfers", settlement.SendRequest{
				FromAccount: args[0],
				ToAccount:   args[1],
				Amount:      amount,
				Currency:    currency,
				Description: description,
			}, map[string]string{server.IdempotencyHeader: idempotencyKey}, &tx)
			if err != nil {
				return err
			}
			fmt.Println(successStyle.Render("✓ Transfer accepted: " + string(tx.Reference)))

			if wait > 0 {
				final, err := client.waitForTerminal(ctx, tx.Reference, wait)
				if err != nil {
					return err
				}
				tx = *final
			}
			fmt.Println(transferTable(&tx))
			return nil
		},
	}

	cmd.Flags().StringVar(&currency, "currency", "EUR", "ISO 4217 currency code")
	cmd.Flags().StringVar(&description, "description", "", "free text carried with the transfer")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "reuse to retry a send safely (random by default)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the transfer to settle")
	return cmd
}

func (c *nodeClient) waitForTerminal(ctx context.Context, ref types.Reference, wait time.Duration) (*types.Transaction, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		var tx types.Transaction
		if err := c.do(ctx, http.MethodGet, "/transfers/"+url.PathEscape(string(ref)), nil, nil, &tx); err != nil {
			return nil, err
		}
		if tx.IsTerminal() || time.Now().After(deadline) {
			return &tx, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return &tx, nil
		}
	}
}

func transferStatusCmd(nodeURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <reference>",
		Short: "Show the state of a transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newNodeClient(*nodeURL)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			var tx types.Transaction
			if err := client.do(ctx, http.MethodGet, "/transfers/"+url.PathEscape(args[0]), nil, nil, &tx); err != nil {
				return err
			}
			fmt.Println(transferTable(&tx))
			return nil
		},
	}
}

func transferTable(tx *types.Transaction) fmt.Stringer {
	t := newTable("FIELD", "VALUE").
		Row("reference", string(tx.Reference)).
		Row("direction", string(tx.Direction)).
		Row("from", tx.FromAccount).
		Row("to", tx.ToAccount).
		Row("amount", tx.Amount.StringFixed(2)+" "+tx.Currency).
		Row("status", renderStatus(tx.Status)).
		Row("retries", fmt.Sprint(tx.RetryCount)).
		Row("updated", formatAge(tx.UpdatedAt))
	if tx.Compensated {
		t.Row("refunded", "yes")
	}
	if tx.NeedsReconciliation {
		t.Row("reconciliation", dangerStyle.Render("required"))
	}
	if tx.ErrorMessage != nil {
		t.Row("error", *tx.ErrorMessage)
	}
	return t
}
