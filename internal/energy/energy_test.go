package energy

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/chain"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/codec"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
)

var (
	relayer  = wallet.MustParseAddress("TVEb1YNkCRmNyHMgNfyovCSm4vvvWVPcF4")
	justLend = wallet.MustParseAddress("TU2MJ5Veik1LRAgjeSzEdvmDYx7mefJZvd")
	proxy    = wallet.MustParseAddress("TJRrrftRMv5mF2iv7C6FtFuqgbHjvRxARd")
	user     = wallet.MustParseAddress("TDi6qKvTCG3LFZaFRbjWYRLXreLgzkxDyY")
)

type sentCall struct {
	contract  wallet.Address
	calldata  []byte
	callValue int64
}

type fakeSigner struct {
	mu    sync.Mutex
	calls []sentCall
	err   error
}

func (f *fakeSigner) Address() wallet.Address { return relayer }

func (f *fakeSigner) TriggerContract(ctx context.Context, contract wallet.Address, calldata []byte, callValue int64) (*chain.SignedTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentCall{contract, calldata, callValue})
	return &chain.SignedTransaction{TxID: hex.EncodeToString(calldata[:4])}, nil
}

func (f *fakeSigner) BroadcastAndWait(ctx context.Context, tx *chain.SignedTransaction) (string, error) {
	return tx.TxID, f.err
}

// fakeMarket answers constant calls by function signature.
type fakeMarket map[string]*big.Int

func (m fakeMarket) TriggerConstantContract(ctx context.Context, owner, contract wallet.Address, selector string, params []byte) ([]byte, error) {
	v, ok := m[selector]
	if !ok {
		return nil, errors.New("unexpected call " + selector)
	}
	return codec.PackUint(v), nil
}

func bi(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(s)
	}
	return v
}

func testConfig() Config {
	return Config{
		JustLend:               justLend,
		ActivationProxy:        proxy,
		StakedSunPerEnergyUnit: 80327,
		DelegateSunForApproval: 8_000_000_000,
		PaySunForApproval:      60_000_000,
		ChainName:              "test",
	}
}

func TestLiquidationFee(t *testing.T) {
	minFee := big.NewInt(40_000_000)
	ratio := bi("500000000000000") // 5e14

	// 10k TRX delegated: 5 TRX ratio fee is under the 40 TRX floor
	assert.Equal(t, minFee, LiquidationFee(big.NewInt(10_000_000_000), ratio, minFee))
	// 1M TRX delegated: 500 TRX
	assert.Equal(t, big.NewInt(500_000_000), LiquidationFee(big.NewInt(1_000_000_000_000), ratio, minFee))
}

func TestSecondsUntilLiquidation(t *testing.T) {
	rented := big.NewInt(1_000_000_000) // 1000 TRX
	rate := bi("1000000000")            // 1e9 / 1e18 per second
	// costs 1 sun per second; 10 days of rent above the fee
	deposit := big.NewInt(40_000_000 + 864_000)
	fee := big.NewInt(40_000_000)

	assert.Equal(t, int64(864_000-86_400), SecondsUntilLiquidation(deposit, fee, rented, rate))
	assert.Negative(t, SecondsUntilLiquidation(fee, fee, rented, rate))
	assert.Negative(t, SecondsUntilLiquidation(big.NewInt(0), fee, rented, rate))
}

func TestPlanRelayerRental_Example(t *testing.T) {
	status := &RentalStatus{
		SecurityDeposit: big.NewInt(0),
		RentedAmount:    big.NewInt(1_000_000_000),
		RentalRate:      bi("1000000000"),
		MinFee:          big.NewInt(40_000_000),
		FeeRatio:        bi("500000000000000"),
	}
	plan := PlanRelayerRental(0, 7*24*time.Hour, 80327, status)

	assert.Zero(t, plan.ExtraSunToDelegate.Sign())
	assert.Equal(t, int64(604_800), plan.SunForRent.Int64())
	assert.Equal(t, int64(40_000_000), plan.LiquidationFeeReserve.Int64())
	assert.Equal(t, int64(86_400), plan.LiquidationDayReserve.Int64())
	assert.Equal(t, int64(40_691_200), plan.SunToPay.Int64())

	// a deposit already covering everything needs no payment
	status.SecurityDeposit = big.NewInt(50_000_000)
	assert.Zero(t, PlanRelayerRental(0, 7*24*time.Hour, 80327, status).SunToPay.Sign())
}

func TestPlanRelayerRental_CoversDuration(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	durations := []time.Duration{time.Hour, 2 * 24 * time.Hour, 7 * 24 * time.Hour, 30 * 24 * time.Hour}

	for i := 0; i < 2000; i++ {
		status := &RentalStatus{
			SecurityDeposit: big.NewInt(r.Int63n(500_000_000_000)),
			RentedAmount:    big.NewInt(r.Int63n(100_000_000_000_000) + 1),
			RentalRate:      big.NewInt(r.Int63n(50_000_000_000) + 1),
			MinFee:          big.NewInt(r.Int63n(100_000_000)),
			FeeRatio:        big.NewInt(r.Int63n(1_000_000_000_000_000)),
		}
		energy := r.Int63n(1_000_000)
		duration := durations[r.Intn(len(durations))]

		plan := PlanRelayerRental(energy, duration, 80327, status)
		require.GreaterOrEqual(t, plan.SunToPay.Sign(), 0)

		deposit := new(big.Int).Add(status.SecurityDeposit, plan.SunToPay)
		fee := LiquidationFee(plan.SunDelegatedAfter, status.FeeRatio, status.MinFee)
		seconds := SecondsUntilLiquidation(deposit, fee, plan.SunDelegatedAfter, status.RentalRate)

		require.GreaterOrEqualf(t, seconds, int64(duration/time.Second),
			"case %d: deposit %s rented %s rate %s: %ds left, want %s",
			i, deposit, plan.SunDelegatedAfter, status.RentalRate, seconds, duration)
	}
}

func TestDailySpendAndPricePerDay(t *testing.T) {
	// 1 sun per second is 0.0864 TRX a day
	assert.Equal(t, "0.0864", DailySpend(big.NewInt(1_000_000_000), bi("1000000000")).String())
	// 80327 sun staked per energy at 1e9/1e18 per second
	assert.Equal(t, "6.9402528", SunPerEnergyDay(80327, bi("1000000000")).String())
}

func TestManager_QueryRentalStatus(t *testing.T) {
	market := fakeMarket{
		"getRentInfo(address,address,uint256)": big.NewInt(40_000_000 + 864_000),
		"rentals(address,address,uint256)":     big.NewInt(1_000_000_000),
		"_rentalRate(uint256,uint256)":         bi("1000000000"),
		"minFee()":                             big.NewInt(40_000_000),
		"feeRatio()":                           bi("500000000000000"),
	}
	m := NewManager(testConfig(), &fakeSigner{}, market, nil, nil)

	status, err := m.QueryRentalStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(40_000_000), status.Fee.Int64())
	assert.Equal(t, int64(777_600), status.SecondsUntilLiquidation)
	assert.Equal(t, 9*24*time.Hour, status.LiquidatesIn())
	assert.Equal(t, Rented, m.Ledger().State(RelayerSubject))
}

func TestManager_QueryRentalStatusNoRental(t *testing.T) {
	market := fakeMarket{
		"getRentInfo(address,address,uint256)": big.NewInt(0),
		"rentals(address,address,uint256)":     big.NewInt(0),
	}
	m := NewManager(testConfig(), &fakeSigner{}, market, nil, nil)

	_, err := m.QueryRentalStatus(context.Background())
	assert.ErrorIs(t, err, ErrNoRental)
}

func TestManager_RentForApproval(t *testing.T) {
	signer := &fakeSigner{}
	m := NewManager(testConfig(), signer, fakeMarket{}, nil, nil)

	_, err := m.RentForApproval(context.Background(), user)
	require.NoError(t, err)
	_, err = m.ReturnForApproval(context.Background(), user)
	require.NoError(t, err)

	require.Len(t, signer.calls, 2)
	rent := signer.calls[0]
	assert.Equal(t, proxy, rent.contract)
	assert.Equal(t, int64(60_000_000), rent.callValue)
	assert.Equal(t, codec.Selector("rentResource(address,uint256,uint256)"), rent.calldata[:4])
	assert.Equal(t, codec.PackAddress(user), rent.calldata[4:36])
	assert.Equal(t, codec.PackUint64(8_000_000_000), rent.calldata[36:68])
	assert.Equal(t, codec.PackUint64(1), rent.calldata[68:100])

	ret := signer.calls[1]
	assert.Equal(t, codec.Selector("returnResource(address,uint256,uint256)"), ret.calldata[:4])
	assert.Zero(t, ret.callValue)

	assert.Equal(t, Returned, m.Ledger().State(ApprovalSubject(user.Base58())))
}

func TestManager_RentForRelayer(t *testing.T) {
	signer := &fakeSigner{}
	m := NewManager(testConfig(), signer, fakeMarket{}, nil, nil)
	status := &RentalStatus{
		SecurityDeposit: big.NewInt(0),
		RentedAmount:    big.NewInt(1_000_000_000),
		RentalRate:      bi("1000000000"),
		MinFee:          big.NewInt(40_000_000),
		FeeRatio:        bi("500000000000000"),
	}

	_, err := m.RentForRelayer(context.Background(), 250_000, 7*24*time.Hour, status)
	require.NoError(t, err)

	require.Len(t, signer.calls, 1)
	call := signer.calls[0]
	plan := PlanRelayerRental(250_000, 7*24*time.Hour, 80327, status)
	assert.Equal(t, justLend, call.contract)
	assert.Equal(t, plan.SunToPay.Int64(), call.callValue)
	assert.Equal(t, codec.PackAddress(relayer), call.calldata[4:36])
	assert.Equal(t, codec.PackUint64(250_000*80327), call.calldata[36:68])

	_, err = m.RentForRelayer(context.Background(), 0, time.Hour, &RentalStatus{RentedAmount: big.NewInt(0)})
	assert.ErrorIs(t, err, ErrNoRental)
}

func TestManager_ReturnRelayerEnergy(t *testing.T) {
	signer := &fakeSigner{}
	m := NewManager(testConfig(), signer, fakeMarket{}, nil, nil)
	m.Ledger().Observe(RelayerSubject)

	_, err := m.ReturnRelayerEnergy(context.Background(), 100_000)
	require.NoError(t, err)

	require.Len(t, signer.calls, 1)
	call := signer.calls[0]
	assert.Equal(t, justLend, call.contract)
	assert.Equal(t, codec.Selector("returnResource(address,uint256,uint256)"), call.calldata[:4])
	assert.Equal(t, codec.PackAddress(relayer), call.calldata[4:36])
	assert.Equal(t, codec.PackUint64(100_000*80327), call.calldata[36:68])
	assert.Equal(t, Returned, m.Ledger().State(RelayerSubject))
}

func TestManager_RentFailurePropagates(t *testing.T) {
	signer := &fakeSigner{err: errors.New("REVERT")}
	m := NewManager(testConfig(), signer, fakeMarket{}, nil, nil)

	_, err := m.RentForApproval(context.Background(), user)
	require.Error(t, err)
	assert.Equal(t, Unrented, m.Ledger().State(ApprovalSubject(user.Base58())))
}

func TestLedger_Transitions(t *testing.T) {
	l := NewLedger("test", nil)
	assert.True(t, l.Transition("s", Rented))
	assert.True(t, l.Transition("s", ExtendedRented))
	assert.True(t, l.Transition("s", Returned))
	assert.False(t, l.Transition("s", ExtendedRented))
	assert.Equal(t, ExtendedRented, l.State("s"))

	l.Observe(RelayerSubject)
	assert.Equal(t, Rented, l.State(RelayerSubject))
}
