// Package marketplace buys energy from the TokenGoodies resource exchange.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/chain"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/metrics"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/retry"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
)

// ErrOrderRejected is returned when the exchange does not accept an order.
var ErrOrderRejected = errors.New("energy order rejected")

const (
	resourceEnergy = 1
	// freezeperiod is a legacy field the exchange still requires.
	legacyFreezePeriod = 3
)

var sunPerTrx = decimal.New(1, 6)

// PaymentSigner builds a signed TRX transfer from the relayer without broadcasting it.
type PaymentSigner interface {
	TransferTRX(ctx context.Context, to wallet.Address, sun int64) (*chain.SignedTransaction, error)
}

// RentalDuration is one of the rental periods offered by the exchange.
type RentalDuration struct {
	Blocks     int64           `json:"blocks"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Label      string          `json:"display,omitempty"`
}

type orderOptions struct {
	OrderFeesAddress    string           `json:"order_fees_address"`
	RentalDurations     []RentalDuration `json:"rental_durations"`
	MinEnergyPriceInSun decimal.Decimal  `json:"min_energy_price_in_sun"`
	MinOrderAmountInSun decimal.Decimal  `json:"min_order_amount_in_sun"`
}

// Quote is the exchange's current price for the shortest rental period.
type Quote struct {
	FeeAddress          wallet.Address
	RentalDuration      RentalDuration
	BasePriceInSun      decimal.Decimal
	PriceInSun          decimal.Decimal // per energy unit, rounded up
	PriceInTrx          decimal.Decimal
	MinOrderAmountInSun decimal.Decimal
	MinEnergy           int64
}

// Config configures the exchange client.
type Config struct {
	URL     string
	APIKey  string
	Origin  string
	Timeout time.Duration
	Retry   retry.Policy
}

// Client is a TokenGoodies API client.
type Client struct {
	httpClient *http.Client
	cfg        Config
	payments   PaymentSigner
	logger     *slog.Logger
}

func NewClient(cfg Config, payments PaymentSigner, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Origin == "" {
		cfg.Origin = "https://www.tokengoodies.com"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		payments:   payments,
		logger:     logger.With("component", "marketplace"),
	}
}

func (c *Client) post(ctx context.Context, endpoint string, in, out any) (err error) {
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.UpstreamRequests.WithLabelValues("tokengoodies", endpoint, outcome).Inc()
	}()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Origin", c.cfg.Origin)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Transient(fmt.Errorf("tokengoodies %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return retry.Transient(fmt.Errorf("tokengoodies %s: read response: %w", endpoint, err))
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return retry.Transient(fmt.Errorf("tokengoodies %s: http status %d", endpoint, resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tokengoodies %s: http status %d: %s", endpoint, resp.StatusCode, respBody)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("tokengoodies %s: unmarshal response: %w", endpoint, err)
	}
	return nil
}

// GetQuote fetches the current minimum price and order size.
func (c *Client) GetQuote(ctx context.Context) (*Quote, error) {
	var opts orderOptions
	req := map[string]string{"type": "api_get_create_order_values", "action": "utils"}
	err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context) error {
		return c.post(ctx, "quote", req, &opts)
	})
	if err != nil {
		return nil, err
	}
	return quoteFromOptions(&opts)
}

func quoteFromOptions(opts *orderOptions) (*Quote, error) {
	if len(opts.RentalDurations) == 0 {
		return nil, errors.New("tokengoodies quote: no rental durations offered")
	}
	feeAddr, err := wallet.ParseAddress(opts.OrderFeesAddress)
	if err != nil {
		return nil, fmt.Errorf("tokengoodies quote: fee address: %w", err)
	}
	shortest := opts.RentalDurations[0]
	priceInSun := opts.MinEnergyPriceInSun.Mul(shortest.Multiplier).Ceil()
	if !priceInSun.IsPositive() {
		return nil, fmt.Errorf("tokengoodies quote: non-positive price %s", priceInSun)
	}
	minEnergy := opts.MinOrderAmountInSun.Div(priceInSun).Ceil()

	return &Quote{
		FeeAddress:          feeAddr,
		RentalDuration:      shortest,
		BasePriceInSun:      opts.MinEnergyPriceInSun,
		PriceInSun:          priceInSun,
		PriceInTrx:          priceInSun.Div(sunPerTrx),
		MinOrderAmountInSun: opts.MinOrderAmountInSun,
		MinEnergy:           minEnergy.IntPart(),
	}, nil
}

type order struct {
	FreezeTo             string      `json:"freezeto"`
	Amount               int64       `json:"amount"`
	FreezePeriod         int         `json:"freezeperiod"`
	FreezePeriodInBlocks int64       `json:"freezeperiodinblocks"`
	PriceInSun           int64       `json:"priceinsun"`
	PriceInSunAbsolute   json.Number `json:"priceinsunabsolute"` // the exchange's price as published, may be fractional
}

type orderRequest struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	ResourceID int    `json:"resourceid"`
	Order      order  `json:"order"`
	SignedTxn  string `json:"signedtxn"`
	APIKey     string `json:"api_key"`
}

type orderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// BuyEnergy orders energy for receiver, paying sunToSpend to the exchange's fee
// address. The payment is signed here and broadcast by the exchange.
func (c *Client) BuyEnergy(ctx context.Context, receiver wallet.Address, energy, sunToSpend int64, q *Quote) error {
	payment, err := c.payments.TransferTRX(ctx, q.FeeAddress, sunToSpend)
	if err != nil {
		return fmt.Errorf("sign energy payment: %w", err)
	}
	signed, err := json.Marshal(payment)
	if err != nil {
		return fmt.Errorf("marshal energy payment: %w", err)
	}

	req := orderRequest{
		Type:       "order",
		Action:     "create",
		ResourceID: resourceEnergy,
		Order: order{
			FreezeTo:             receiver.Base58(),
			Amount:               energy,
			FreezePeriod:         legacyFreezePeriod,
			FreezePeriodInBlocks: q.RentalDuration.Blocks,
			PriceInSun:           q.PriceInSun.IntPart(),
			PriceInSunAbsolute:   json.Number(q.BasePriceInSun.String()),
		},
		SignedTxn: string(signed),
		APIKey:    c.cfg.APIKey,
	}

	c.logger.Info("placing energy order",
		"receiver", receiver.Base58(),
		"energy", energy,
		"sun", sunToSpend,
		"price_in_sun", q.PriceInSun.String(),
		"payment_tx", payment.TxID,
	)

	// not retried: a lost response could mean the payment was already taken
	var res orderResponse
	if err := c.post(ctx, "order", req, &res); err != nil {
		return fmt.Errorf("energy order: %w", err)
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", ErrOrderRejected, res.Message)
	}

	c.logger.Info("energy order filled", "receiver", receiver.Base58(), "energy", energy)
	return nil
}
