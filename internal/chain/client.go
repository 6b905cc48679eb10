// Package chain is a small TronGrid full-node HTTP client.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/metrics"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/retry"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
)

// ErrBroadcastRejected is returned when the node refuses a transaction.
var ErrBroadcastRejected = errors.New("broadcast rejected")

// Config holds connection settings for a TronGrid endpoint.
type Config struct {
	BaseURL   string
	APIKey    string
	RPS       float64
	Burst     int
	Timeout   time.Duration
	Retry     retry.Policy
	ChainName string
}

// Client talks to /wallet and /walletsolidity endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	limiter    *rate.Limiter
	retry      retry.Policy
	logger     *slog.Logger
}

// NewClient creates a rate-limited client. Zero values fall back to 10 rps and a 30s timeout.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		retry:      cfg.Retry,
		logger:     logger.With("component", "chain", "chain", cfg.ChainName),
	}
}

func (c *Client) post(ctx context.Context, path string, in, out any) (err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.UpstreamRequests.WithLabelValues("trongrid", path, outcome).Inc()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Transient(fmt.Errorf("%s: %w", path, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.Transient(fmt.Errorf("%s: read response: %w", path, err))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return retry.Transient(fmt.Errorf("%s: http status %d: %s", path, resp.StatusCode, respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http status %d: %s", path, resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w", path, err)
	}
	return nil
}

// read retries idempotent calls on transient failures.
func (c *Client) read(ctx context.Context, path string, in, out any) error {
	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.post(ctx, path, in, out)
	})
}

// BroadcastTransaction submits a signed transaction once. Transport failures are
// transient; a node rejection wraps ErrBroadcastRejected.
func (c *Client) BroadcastTransaction(ctx context.Context, tx *SignedTransaction) (*BroadcastResult, error) {
	var res BroadcastResult
	if err := c.post(ctx, "/wallet/broadcasttransaction", tx, &res); err != nil {
		return nil, err
	}
	if !res.Result {
		// a retried broadcast of an already accepted tx is not a failure
		if res.Code == "DUP_TRANSACTION_ERROR" {
			c.logger.Warn("transaction already broadcast", "tx_id", tx.TxID)
			res.TxID = tx.TxID
			return &res, nil
		}
		return &res, fmt.Errorf("%w: %s", ErrBroadcastRejected, res.Reason())
	}
	if res.TxID == "" {
		res.TxID = tx.TxID
	}
	return &res, nil
}

// GetTransactionInfo returns nil without error while the transaction is not yet included.
func (c *Client) GetTransactionInfo(ctx context.Context, txID string) (*TransactionInfo, error) {
	var info TransactionInfo
	if err := c.read(ctx, "/wallet/gettransactioninfobyid", map[string]string{"value": txID}, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, nil
	}
	return &info, nil
}

// GetAccountResource reads bandwidth and energy counters of addr.
func (c *Client) GetAccountResource(ctx context.Context, addr wallet.Address) (*AccountResource, error) {
	var res AccountResource
	err := c.read(ctx, "/wallet/getaccountresource", map[string]any{"address": addr.Hex(), "visible": false}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// GetBalance returns the TRX balance of addr in sun. Unactivated accounts have zero balance.
func (c *Client) GetBalance(ctx context.Context, addr wallet.Address) (int64, error) {
	var acc account
	if err := c.read(ctx, "/wallet/getaccount", map[string]any{"address": addr.Hex(), "visible": false}, &acc); err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// TriggerConstantContract runs a read-only contract call and returns the first result word set.
func (c *Client) TriggerConstantContract(ctx context.Context, owner, contract wallet.Address, selector string, params []byte) ([]byte, error) {
	req := map[string]any{
		"owner_address":     owner.Hex(),
		"contract_address":  contract.Hex(),
		"function_selector": selector,
		"parameter":         hex.EncodeToString(params),
		"visible":           false,
	}
	var res constantResult
	if err := c.read(ctx, "/wallet/triggerconstantcontract", req, &res); err != nil {
		return nil, err
	}
	if !res.Result.Result {
		msg := res.Result.Message
		if b, err := hex.DecodeString(msg); err == nil {
			msg = string(b)
		}
		return nil, fmt.Errorf("%s on %s: %s %s", selector, contract, res.Result.Code, msg)
	}
	if len(res.ConstantResult) == 0 {
		return nil, fmt.Errorf("%s on %s: empty result", selector, contract)
	}
	out, err := hex.DecodeString(res.ConstantResult[0])
	if err != nil {
		return nil, fmt.Errorf("%s on %s: decode result: %w", selector, contract, err)
	}
	return out, nil
}

// GetLatestConfirmedBlock returns the solidified head block.
func (c *Client) GetLatestConfirmedBlock(ctx context.Context) (*Block, error) {
	var b Block
	if err := c.read(ctx, "/walletsolidity/getnowblock", struct{}{}, &b); err != nil {
		return nil, err
	}
	if len(b.BlockID) != 64 {
		return nil, fmt.Errorf("getnowblock: unexpected block id %q", b.BlockID)
	}
	return &b, nil
}
