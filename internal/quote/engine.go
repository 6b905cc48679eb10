// Package quote prices a relayed USDT transfer in USDT.
package quote

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/logging"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/marketplace"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/metrics"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
)

// Decimals of both TRX (sun) and USDT.
const Decimals = 6

var unit = decimal.New(1, Decimals)

// Market supplies the live energy price.
type Market interface {
	GetQuote(ctx context.Context) (*marketplace.Quote, error)
}

// BalanceReader reads a token balance.
type BalanceReader interface {
	BalanceOf(ctx context.Context, owner wallet.Address) (*big.Int, error)
}

// Params are the fixed inputs of the fee formula.
type Params struct {
	EnergyToEmptyAccount int64
	EnergyToHolder       int64
	TrxSingleTxBandwidth decimal.Decimal // TRX burned for one transaction's bandwidth
	UsdtPerTrx           decimal.Decimal
	MarkupUSDT           decimal.Decimal
}

// DefaultParams returns the production constants.
func DefaultParams() Params {
	return Params{
		EnergyToEmptyAccount: 64895,
		EnergyToHolder:       31895,
		TrxSingleTxBandwidth: decimal.RequireFromString("0.4"),
		UsdtPerTrx:           decimal.RequireFromString("0.12"),
		MarkupUSDT:           decimal.RequireFromString("0.2"),
	}
}

// Quote is the fee for one relayed transfer plus the resources it pays for.
type Quote struct {
	TotalFeeUSDT        decimal.Decimal
	EnergyToBuy         int64
	SunToSpendForEnergy int64
	TrxNeeded           decimal.Decimal // bandwidth TRX sent to the sender
	MainTransferEnergy  int64
	FeeTransferEnergy   int64
	Raw                 *marketplace.Quote
}

// RequiredFeeUint is the smallest fee transfer, in token units, that covers the quote.
func (q *Quote) RequiredFeeUint() *big.Int {
	return q.TotalFeeUSDT.Mul(unit).Ceil().BigInt()
}

// TrxNeededSun is TrxNeeded in sun.
func (q *Quote) TrxNeededSun() int64 {
	return q.TrxNeeded.Mul(unit).Ceil().IntPart()
}

// Compute applies the fee formula to a marketplace price. recipientEmpty selects
// the energy cost of sending to an account that holds no USDT yet.
func Compute(p Params, raw *marketplace.Quote, recipientEmpty bool) *Quote {
	mainEnergy := p.EnergyToHolder
	if recipientEmpty {
		mainEnergy = p.EnergyToEmptyAccount
	}
	// the fee leg always goes to a collector that already holds USDT
	feeEnergy := p.EnergyToHolder

	energyToBuy := max(mainEnergy+feeEnergy, raw.MinEnergy)

	trxForEnergy := decimal.NewFromInt(energyToBuy).Mul(raw.PriceInTrx)
	usdtForEnergy := trxForEnergy.Mul(p.UsdtPerTrx)

	trxForBandwidth := p.TrxSingleTxBandwidth.Mul(decimal.NewFromInt(2))
	usdtForBandwidth := trxForBandwidth.Mul(p.UsdtPerTrx)

	return &Quote{
		TotalFeeUSDT:        usdtForEnergy.Add(usdtForBandwidth).Add(p.MarkupUSDT),
		EnergyToBuy:         energyToBuy,
		SunToSpendForEnergy: trxForEnergy.Mul(unit).Ceil().IntPart(),
		TrxNeeded:           trxForBandwidth,
		MainTransferEnergy:  mainEnergy,
		FeeTransferEnergy:   feeEnergy,
		Raw:                 raw,
	}
}

// Engine computes quotes against live data. Nothing is cached.
type Engine struct {
	params    Params
	market    Market
	token     BalanceReader
	chainName string
	logger    *slog.Logger
}

func NewEngine(params Params, market Market, token BalanceReader, chainName string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		params:    params,
		market:    market,
		token:     token,
		chainName: chainName,
		logger:    logger.With("component", "quote"),
	}
}

// CalculateQuote prices a transfer to recipient at current marketplace prices.
func (e *Engine) CalculateQuote(ctx context.Context, recipient wallet.Address) (*Quote, error) {
	raw, err := e.market.GetQuote(ctx)
	if err != nil {
		return nil, fmt.Errorf("marketplace quote: %w", err)
	}
	balance, err := e.token.BalanceOf(ctx, recipient)
	if err != nil {
		return nil, fmt.Errorf("recipient balance: %w", err)
	}

	q := Compute(e.params, raw, balance.Sign() == 0)

	metrics.QuoteFeeUSDT.WithLabelValues(e.chainName).Set(q.TotalFeeUSDT.InexactFloat64())
	metrics.QuoteEnergyPriceSun.WithLabelValues(e.chainName).Set(raw.PriceInSun.InexactFloat64())

	logging.FromContext(ctx, e.logger).Info("calculated quote",
		"recipient", recipient.Base58(),
		"recipient_balance", balance.String(),
		"total_fee_usdt", q.TotalFeeUSDT.String(),
		"energy_to_buy", q.EnergyToBuy,
		"main_energy", q.MainTransferEnergy,
		"fee_energy", q.FeeTransferEnergy,
		"sun_for_energy", q.SunToSpendForEnergy,
		"price_in_sun", raw.PriceInSun.String(),
	)
	return q, nil
}
