package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/chain"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/retry"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
)

const optionsJSON = `{
	"order_fees_address": "TQyMmeSrADWyxZsV6YvVu6XDV8hdq72ykb",
	"rental_durations": [{"blocks": 1200, "multiplier": 1.5}, {"blocks": 28800, "multiplier": 1}],
	"min_energy_price_in_sun": 65,
	"min_order_amount_in_sun": 10000000
}`

type fakePayments struct {
	to  wallet.Address
	sun int64
}

func (f *fakePayments) TransferTRX(ctx context.Context, to wallet.Address, sun int64) (*chain.SignedTransaction, error) {
	f.to, f.sun = to, sun
	return &chain.SignedTransaction{TxID: "payment", RawDataHex: "0a02", Signature: []string{"sig"}}, nil
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *fakePayments) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	pay := &fakePayments{}
	return NewClient(Config{
		URL:    srv.URL,
		APIKey: "tg-key",
		Retry:  retry.Policy{Interval: time.Millisecond, Timeout: 100 * time.Millisecond},
	}, pay, nil), pay
}

func TestClient_GetQuote(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "api_get_create_order_values", req["type"])
		assert.Equal(t, "https://www.tokengoodies.com", r.Header.Get("Origin"))
		w.Write([]byte(optionsJSON))
	})

	q, err := c.GetQuote(context.Background())
	require.NoError(t, err)

	// ceil(65 * 1.5) = 98; ceil(10_000_000 / 98) = 102041
	assert.Equal(t, "98", q.PriceInSun.String())
	assert.Equal(t, "0.000098", q.PriceInTrx.String())
	assert.Equal(t, int64(102041), q.MinEnergy)
	assert.Equal(t, int64(1200), q.RentalDuration.Blocks)
	assert.Equal(t, "TQyMmeSrADWyxZsV6YvVu6XDV8hdq72ykb", q.FeeAddress.Base58())
}

func TestClient_GetQuoteRejectsEmptyDurations(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"order_fees_address":"TQyMmeSrADWyxZsV6YvVu6XDV8hdq72ykb","rental_durations":[],"min_energy_price_in_sun":65}`))
	})
	_, err := c.GetQuote(context.Background())
	assert.Error(t, err)
}

func TestClient_BuyEnergy(t *testing.T) {
	var got orderRequest
	c, pay := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		if raw["type"] == "api_get_create_order_values" {
			w.Write([]byte(optionsJSON))
			return
		}
		b, _ := json.Marshal(raw)
		require.NoError(t, json.Unmarshal(b, &got))
		w.Write([]byte(`{"success":true}`))
	})

	quote, err := c.GetQuote(context.Background())
	require.NoError(t, err)

	receiver := wallet.MustParseAddress("TDi6qKvTCG3LFZaFRbjWYRLXreLgzkxDyY")
	require.NoError(t, c.BuyEnergy(context.Background(), receiver, 102041, 10_000_018, quote))

	assert.Equal(t, quote.FeeAddress, pay.to)
	assert.Equal(t, int64(10_000_018), pay.sun)

	assert.Equal(t, "order", got.Type)
	assert.Equal(t, "create", got.Action)
	assert.Equal(t, 1, got.ResourceID)
	assert.Equal(t, "tg-key", got.APIKey)
	assert.Equal(t, receiver.Base58(), got.Order.FreezeTo)
	assert.Equal(t, int64(102041), got.Order.Amount)
	assert.Equal(t, 3, got.Order.FreezePeriod)
	assert.Equal(t, int64(1200), got.Order.FreezePeriodInBlocks)
	assert.Equal(t, int64(98), got.Order.PriceInSun)
	assert.Equal(t, json.Number("65"), got.Order.PriceInSunAbsolute)

	var signed chain.SignedTransaction
	require.NoError(t, json.Unmarshal([]byte(got.SignedTxn), &signed))
	assert.Equal(t, "payment", signed.TxID)
}

func TestClient_BuyEnergyFractionalBasePrice(t *testing.T) {
	var raw map[string]json.RawMessage
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if string(body["type"]) == `"api_get_create_order_values"` {
			w.Write([]byte(`{
				"order_fees_address": "TQyMmeSrADWyxZsV6YvVu6XDV8hdq72ykb",
				"rental_durations": [{"blocks": 1200, "multiplier": 1.5}],
				"min_energy_price_in_sun": 65.5,
				"min_order_amount_in_sun": 10000000
			}`))
			return
		}
		require.NoError(t, json.Unmarshal(body["order"], &raw))
		w.Write([]byte(`{"success":true}`))
	})

	q, err := c.GetQuote(context.Background())
	require.NoError(t, err)
	// ceil(65.5 * 1.5) = ceil(98.25) = 99
	assert.Equal(t, "99", q.PriceInSun.String())

	receiver := wallet.MustParseAddress("TDi6qKvTCG3LFZaFRbjWYRLXreLgzkxDyY")
	require.NoError(t, c.BuyEnergy(context.Background(), receiver, 102041, 10_000_000, q))

	assert.Equal(t, "99", string(raw["priceinsun"]))
	assert.Equal(t, "65.5", string(raw["priceinsunabsolute"]))
}

func TestClient_BuyEnergyRejected(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"message":"not enough energy in the market"}`))
	})
	q := &Quote{FeeAddress: wallet.MustParseAddress("TQyMmeSrADWyxZsV6YvVu6XDV8hdq72ykb")}

	err := c.BuyEnergy(context.Background(), q.FeeAddress, 65000, 1, q)
	require.True(t, errors.Is(err, ErrOrderRejected))
	assert.Contains(t, err.Error(), "not enough energy")
}
