// Package energy rents and returns delegated energy on the JustLend market and
// mirrors its liquidation math.
package energy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/chain"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/codec"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/logging"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
)

// ErrNoRental is returned when the relayer has no energy delegated on the
// market. It needs an operator: the initial rental is made by hand.
var ErrNoRental = errors.New("relayer delegated TRX is zero")

// ResourceEnergy is the JustLend resource type for energy.
const ResourceEnergy = 1

const (
	rentSignature   = "rentResource(address,uint256,uint256)"
	returnSignature = "returnResource(address,uint256,uint256)"
)

// Signer builds and sends the relayer's contract calls.
type Signer interface {
	Address() wallet.Address
	TriggerContract(ctx context.Context, contract wallet.Address, calldata []byte, callValue int64) (*chain.SignedTransaction, error)
	BroadcastAndWait(ctx context.Context, tx *chain.SignedTransaction) (string, error)
}

// Config holds the market addresses and per-network amounts.
type Config struct {
	JustLend               wallet.Address
	ActivationProxy        wallet.Address // rentals for third-party approvals
	StakedSunPerEnergyUnit int64
	DelegateSunForApproval int64
	PaySunForApproval      int64
	ChainName              string
}

// RentalStatus is the relayer rental as the market sees it. Amounts are in sun,
// rates and ratios are scaled by 1e18.
type RentalStatus struct {
	SecurityDeposit         *big.Int
	RentedAmount            *big.Int
	RentalRate              *big.Int
	MinFee                  *big.Int
	FeeRatio                *big.Int
	Fee                     *big.Int
	SecondsUntilLiquidation int64
	DailySpendTRX           decimal.Decimal
	SunPerEnergyDay         decimal.Decimal
}

// LiquidatesIn returns SecondsUntilLiquidation as a duration.
func (s *RentalStatus) LiquidatesIn() time.Duration {
	const limit = int64(math.MaxInt64 / time.Second)
	switch {
	case s.SecondsUntilLiquidation > limit:
		return math.MaxInt64
	case s.SecondsUntilLiquidation < -limit:
		return math.MinInt64
	}
	return time.Duration(s.SecondsUntilLiquidation) * time.Second
}

// Manager issues rentals signed by the relayer.
type Manager struct {
	cfg    Config
	signer Signer
	caller chain.ConstantCaller
	ledger *Ledger
	logger *slog.Logger
}

func NewManager(cfg Config, signer Signer, caller chain.ConstantCaller, ledger *Ledger, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if ledger == nil {
		ledger = NewLedger(cfg.ChainName, logger)
	}
	return &Manager{
		cfg:    cfg,
		signer: signer,
		caller: caller,
		ledger: ledger,
		logger: logger.With("component", "energy"),
	}
}

// Ledger returns the rental state tracker.
func (m *Manager) Ledger() *Ledger {
	return m.ledger
}

// RentEnergy delegates sunToDelegate worth of energy to receiver, paying
// sunToPay as rent and security deposit, and waits for execution.
func (m *Manager) RentEnergy(ctx context.Context, receiver wallet.Address, sunToDelegate, sunToPay int64, contract wallet.Address) (string, error) {
	log := logging.FromContext(ctx, m.logger)
	log.Info("renting energy",
		"receiver", receiver.Base58(),
		"sun_to_delegate", sunToDelegate,
		"sun_to_pay", sunToPay,
		"contract", contract.Base58(),
	)

	data := codec.Calldata(rentSignature,
		codec.PackAddress(receiver),
		codec.PackUint64(uint64(sunToDelegate)),
		codec.PackUint64(ResourceEnergy),
	)
	start := time.Now()
	tx, err := m.signer.TriggerContract(ctx, contract, data, sunToPay)
	if err != nil {
		return "", fmt.Errorf("build rent tx: %w", err)
	}
	log.Debug("built rent tx", "tx_id", tx.TxID, "took", time.Since(start))

	txID, err := m.signer.BroadcastAndWait(ctx, tx)
	if err != nil {
		return txID, fmt.Errorf("rent energy for %s: %w", receiver, err)
	}
	log.Info("rented energy", "receiver", receiver.Base58(), "tx_id", txID)
	return txID, nil
}

// ReturnEnergy releases sunToReturn of delegation made to receiver.
func (m *Manager) ReturnEnergy(ctx context.Context, receiver wallet.Address, sunToReturn int64, contract wallet.Address) (string, error) {
	log := logging.FromContext(ctx, m.logger)
	data := codec.Calldata(returnSignature,
		codec.PackAddress(receiver),
		codec.PackUint64(uint64(sunToReturn)),
		codec.PackUint64(ResourceEnergy),
	)
	tx, err := m.signer.TriggerContract(ctx, contract, data, 0)
	if err != nil {
		return "", fmt.Errorf("build return tx: %w", err)
	}
	txID, err := m.signer.BroadcastAndWait(ctx, tx)
	if err != nil {
		return txID, fmt.Errorf("return energy of %s: %w", receiver, err)
	}
	log.Info("finished energy rental", "receiver", receiver.Base58(), "sun", sunToReturn, "tx_id", txID)
	return txID, nil
}

// RentForApproval rents enough energy for owner to send one approve call.
func (m *Manager) RentForApproval(ctx context.Context, owner wallet.Address) (string, error) {
	txID, err := m.RentEnergy(ctx, owner, m.cfg.DelegateSunForApproval, m.cfg.PaySunForApproval, m.cfg.ActivationProxy)
	if err != nil {
		return txID, err
	}
	m.ledger.Transition(ApprovalSubject(owner.Base58()), Rented)
	return txID, nil
}

// ReturnForApproval ends the rental made by RentForApproval.
func (m *Manager) ReturnForApproval(ctx context.Context, owner wallet.Address) (string, error) {
	txID, err := m.ReturnEnergy(ctx, owner, m.cfg.DelegateSunForApproval, m.cfg.ActivationProxy)
	if err != nil {
		return txID, err
	}
	m.ledger.Transition(ApprovalSubject(owner.Base58()), Returned)
	return txID, nil
}

func (m *Manager) call(ctx context.Context, signature string, words ...[]byte) (*big.Int, error) {
	var params []byte
	for _, w := range words {
		params = append(params, w...)
	}
	res, err := m.caller.TriggerConstantContract(ctx, m.signer.Address(), m.cfg.JustLend, signature, params)
	if err != nil {
		return nil, err
	}
	// every value read here is the first word of the result
	return codec.UintAt(res, 0)
}

// QueryRentalStatus reads the relayer's own rental from the market.
func (m *Manager) QueryRentalStatus(ctx context.Context) (*RentalStatus, error) {
	log := logging.FromContext(ctx, m.logger)
	relayer := m.signer.Address()
	pair := [][]byte{codec.PackAddress(relayer), codec.PackAddress(relayer), codec.PackUint64(ResourceEnergy)}

	deposit, err := m.call(ctx, "getRentInfo(address,address,uint256)", pair...)
	if err != nil {
		return nil, fmt.Errorf("getRentInfo: %w", err)
	}
	rented, err := m.call(ctx, "rentals(address,address,uint256)", pair...)
	if err != nil {
		return nil, fmt.Errorf("rentals: %w", err)
	}
	if rented.Sign() == 0 {
		return nil, ErrNoRental
	}
	rate, err := m.call(ctx, "_rentalRate(uint256,uint256)", codec.PackUint64(0), codec.PackUint64(ResourceEnergy))
	if err != nil {
		return nil, fmt.Errorf("_rentalRate: %w", err)
	}
	minFee, err := m.call(ctx, "minFee()")
	if err != nil {
		return nil, fmt.Errorf("minFee: %w", err)
	}
	feeRatio, err := m.call(ctx, "feeRatio()")
	if err != nil {
		return nil, fmt.Errorf("feeRatio: %w", err)
	}
	m.ledger.Observe(RelayerSubject)

	fee := LiquidationFee(rented, feeRatio, minFee)
	status := &RentalStatus{
		SecurityDeposit:         deposit,
		RentedAmount:            rented,
		RentalRate:              rate,
		MinFee:                  minFee,
		FeeRatio:                feeRatio,
		Fee:                     fee,
		SecondsUntilLiquidation: SecondsUntilLiquidation(deposit, fee, rented, rate),
		DailySpendTRX:           DailySpend(rented, rate),
		SunPerEnergyDay:         SunPerEnergyDay(m.cfg.StakedSunPerEnergyUnit, rate),
	}
	log.Info("queried relayer rental",
		"security_deposit", deposit.String(),
		"rented_amount", rented.String(),
		"rental_rate", rate.String(),
		"min_fee", minFee.String(),
		"fee_ratio", feeRatio.String(),
		"seconds_until_liquidation", status.SecondsUntilLiquidation,
		"daily_spend_trx", status.DailySpendTRX.StringFixed(2),
	)
	return status, nil
}

// RentForRelayer adds energyToAdd units to the relayer rental and tops the
// deposit up so it lasts at least duration. The relayer must already have a
// rental.
func (m *Manager) RentForRelayer(ctx context.Context, energyToAdd int64, duration time.Duration, status *RentalStatus) (string, error) {
	if status == nil || status.RentedAmount == nil || status.RentedAmount.Sign() == 0 {
		return "", ErrNoRental
	}
	plan := PlanRelayerRental(energyToAdd, duration, m.cfg.StakedSunPerEnergyUnit, status)
	if !plan.ExtraSunToDelegate.IsInt64() || !plan.SunToPay.IsInt64() {
		return "", fmt.Errorf("rental plan out of range: delegate %s pay %s", plan.ExtraSunToDelegate, plan.SunToPay)
	}
	logging.FromContext(ctx, m.logger).Info("planned relayer rental",
		"energy_to_add", energyToAdd,
		"duration", duration,
		"extra_sun_to_delegate", plan.ExtraSunToDelegate.String(),
		"sun_delegated_after", plan.SunDelegatedAfter.String(),
		"sun_for_rent", plan.SunForRent.String(),
		"fee_reserve", plan.LiquidationFeeReserve.String(),
		"day_reserve", plan.LiquidationDayReserve.String(),
		"sun_to_pay", plan.SunToPay.String(),
	)

	txID, err := m.RentEnergy(ctx, m.signer.Address(), plan.ExtraSunToDelegate.Int64(), plan.SunToPay.Int64(), m.cfg.JustLend)
	if err != nil {
		return txID, err
	}
	m.ledger.Transition(RelayerSubject, ExtendedRented)
	return txID, nil
}

// ReturnRelayerEnergy gives back energy units of the relayer rental.
func (m *Manager) ReturnRelayerEnergy(ctx context.Context, energy int64) (string, error) {
	sun := energy * m.cfg.StakedSunPerEnergyUnit
	txID, err := m.ReturnEnergy(ctx, m.signer.Address(), sun, m.cfg.JustLend)
	if err != nil {
		return txID, err
	}
	m.ledger.Transition(RelayerSubject, Returned)
	return txID, nil
}
