package energy

import (
	"math"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// LiquidationReserve is the time JustLend keeps in reserve on top of the fee
// before it liquidates a rental.
const LiquidationReserve = 24 * time.Hour

var (
	// Scale is the fixed-point scale of JustLend rates and ratios.
	Scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	reserveSeconds = big.NewInt(int64(LiquidationReserve / time.Second))
	sunPerTrx      = decimal.New(1, 6)
)

// LiquidationFee is max(minFee, rented*feeRatio/Scale), rounded down the way
// the contract computes it.
func LiquidationFee(rented, feeRatio, minFee *big.Int) *big.Int {
	fee := new(big.Int).Mul(rented, feeRatio)
	fee.Quo(fee, Scale)
	if fee.Cmp(minFee) < 0 {
		return new(big.Int).Set(minFee)
	}
	return fee
}

// SecondsUntilLiquidation estimates how long deposit lasts:
// (deposit-fee)*Scale/(rented*rate) minus the liquidation reserve, rounded down.
// The result is negative once the rental is already liquidatable. A zero
// rented amount or rate yields math.MaxInt64.
func SecondsUntilLiquidation(deposit, fee, rented, rate *big.Int) int64 {
	perSecond := new(big.Int).Mul(rented, rate)
	if perSecond.Sign() == 0 {
		return math.MaxInt64
	}
	s := new(big.Int).Sub(deposit, fee)
	s.Mul(s, Scale)
	s.Div(s, perSecond) // Euclidean: floors negative values too
	s.Sub(s, reserveSeconds)
	if !s.IsInt64() {
		if s.Sign() > 0 {
			return math.MaxInt64
		}
		return math.MinInt64
	}
	return s.Int64()
}

// DailySpend is the TRX the rental currently costs per day.
func DailySpend(rented, rate *big.Int) decimal.Decimal {
	perDay := new(big.Int).Mul(rented, rate)
	perDay.Mul(perDay, reserveSeconds)
	return decimal.NewFromBigInt(perDay, 0).
		Div(decimal.NewFromBigInt(Scale, 0)).
		Div(sunPerTrx)
}

// SunPerEnergyDay is the sun it costs to rent one energy unit for one day.
func SunPerEnergyDay(stakedSunPerEnergy int64, rate *big.Int) decimal.Decimal {
	perDay := new(big.Int).Mul(big.NewInt(stakedSunPerEnergy), rate)
	perDay.Mul(perDay, reserveSeconds)
	return decimal.NewFromBigInt(perDay, 0).Div(decimal.NewFromBigInt(Scale, 0))
}

// RentalPlan is the rentResource call that extends the relayer rental.
type RentalPlan struct {
	ExtraSunToDelegate    *big.Int
	SunDelegatedAfter     *big.Int
	SunForRent            *big.Int
	LiquidationFeeReserve *big.Int
	LiquidationDayReserve *big.Int
	TotalDeposit          *big.Int
	SunToPay              *big.Int
}

func ceilDiv(a, b *big.Int) *big.Int {
	q, m := new(big.Int).DivMod(a, b, new(big.Int))
	if m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// PlanRelayerRental sizes a rentResource call that adds energyToAdd units to the
// relayer rental and leaves a deposit lasting at least duration. All parts are
// rounded up, so the resulting deposit never falls short of what the contract
// will require.
func PlanRelayerRental(energyToAdd int64, duration time.Duration, stakedSunPerEnergy int64, status *RentalStatus) *RentalPlan {
	extra := new(big.Int).Mul(big.NewInt(energyToAdd), big.NewInt(stakedSunPerEnergy))
	delegated := new(big.Int).Add(status.RentedAmount, extra)

	perSecond := new(big.Int).Mul(delegated, status.RentalRate)

	rent := new(big.Int).Mul(perSecond, big.NewInt(int64(duration/time.Second)))
	rent = ceilDiv(rent, Scale)

	feeReserve := ceilDiv(new(big.Int).Mul(delegated, status.FeeRatio), Scale)
	if feeReserve.Cmp(status.MinFee) < 0 {
		feeReserve = new(big.Int).Set(status.MinFee)
	}

	dayReserve := ceilDiv(new(big.Int).Mul(perSecond, reserveSeconds), Scale)

	total := new(big.Int).Add(rent, feeReserve)
	total.Add(total, dayReserve)

	pay := new(big.Int).Sub(total, status.SecurityDeposit)
	if pay.Sign() < 0 {
		pay.SetInt64(0)
	}

	return &RentalPlan{
		ExtraSunToDelegate:    extra,
		SunDelegatedAfter:     delegated,
		SunForRent:            rent,
		LiquidationFeeReserve: feeReserve,
		LiquidationDayReserve: dayReserve,
		TotalDeposit:          total,
		SunToPay:              pay,
	}
}
