package relay

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/chain"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/codec"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/marketplace"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/notify"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/quote"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/storage"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
	"github.com/olehkaliuzhnyi/usdt-relayer/pkg/models"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

var (
	usdt      = wallet.MustParseAddress("TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t")
	router    = wallet.MustParseAddress("TYrnoaW74cWTfxL4mMvcgbAsXUM47vqfCu")
	collector = wallet.MustParseAddress("TQyMmeSrADWyxZsV6YvVu6XDV8hdq72ykb")
	recipient = wallet.MustParseAddress("TVEb1YNkCRmNyHMgNfyovCSm4vvvWVPcF4")
)

func testKey(t *testing.T, index uint32) *wallet.Key {
	t.Helper()
	k, err := wallet.KeyFromMnemonic(testMnemonic, "", index)
	require.NoError(t, err)
	return k
}

// signedCall signs a USDT call owned by owner with k.
func signedCall(t *testing.T, k *wallet.Key, owner, contract wallet.Address, calldata []byte, ts int64) models.SignedPayload {
	t.Helper()
	raw := &codec.RawTransaction{
		RefBlockBytes: []byte{0x12, 0x34},
		RefBlockHash:  []byte{1, 2, 3, 4, 5, 6, 7, 8},
		Expiration:    ts + 60_000,
		Timestamp:     ts,
		FeeLimit:      100_000_000,
		Contracts: []codec.Contract{{
			Type:  codec.TriggerSmartContractType,
			Value: codec.EncodeTriggerSmartContract(owner, contract, 0, calldata),
		}},
	}
	b := raw.Marshal()
	sig, err := k.Sign(wallet.SHA256(b))
	require.NoError(t, err)
	return models.SignedPayload{RawDataHex: hex.EncodeToString(b), Signature: hex.EncodeToString(sig)}
}

func transferPayload(t *testing.T, k *wallet.Key, to wallet.Address, amount int64, ts int64) models.SignedPayload {
	return signedCall(t, k, k.Address(), usdt, codec.TransferCalldata(to, big.NewInt(amount)), ts)
}

// steps records the order of side effects across fakes.
type steps struct {
	mu  sync.Mutex
	log []string
}

func (s *steps) add(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, step)
}

func (s *steps) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

type fakeQuotes struct {
	q *quote.Quote
}

func (f fakeQuotes) CalculateQuote(ctx context.Context, recipient wallet.Address) (*quote.Quote, error) {
	return f.q, nil
}

type fakeToken map[wallet.Address]int64

func (f fakeToken) BalanceOf(ctx context.Context, owner wallet.Address) (*big.Int, error) {
	return big.NewInt(f[owner]), nil
}

type fakeTxs struct {
	steps    *steps
	failOn   string
	calldata []byte
	contract wallet.Address
}

func (f *fakeTxs) result(step, txID string) (string, error) {
	f.steps.add(step)
	if step == f.failOn {
		return "", fmt.Errorf("%s: node refused", step)
	}
	return txID, nil
}

func (f *fakeTxs) SendTRX(ctx context.Context, to wallet.Address, sun int64) (string, error) {
	return f.result(fmt.Sprintf("trx:%s:%d", to, sun), "trx-tx")
}

func (f *fakeTxs) TriggerContract(ctx context.Context, contract wallet.Address, calldata []byte, callValue int64) (*chain.SignedTransaction, error) {
	f.contract, f.calldata = contract, calldata
	return &chain.SignedTransaction{TxID: "router-tx"}, nil
}

func (f *fakeTxs) Broadcast(ctx context.Context, tx *chain.SignedTransaction) (string, error) {
	return f.result("broadcast:"+tx.TxID, tx.TxID)
}

func (f *fakeTxs) BroadcastAndWait(ctx context.Context, tx *chain.SignedTransaction) (string, error) {
	return f.result("wait:"+tx.TxID, tx.TxID)
}

type fakeMarket struct {
	steps *steps
	err   error
}

func (f *fakeMarket) BuyEnergy(ctx context.Context, receiver wallet.Address, energy, sunToSpend int64, q *marketplace.Quote) error {
	f.steps.add(fmt.Sprintf("energy:%s:%d", receiver, energy))
	return f.err
}

type fakeRentals struct {
	steps *steps
}

func (f *fakeRentals) RentForApproval(ctx context.Context, owner wallet.Address) (string, error) {
	f.steps.add("rent:" + owner.String())
	return "rent-tx", nil
}

func (f *fakeRentals) ReturnForApproval(ctx context.Context, owner wallet.Address) (string, error) {
	f.steps.add("return:" + owner.String())
	return "return-tx", nil
}

type countingHealth struct {
	mu sync.Mutex
	n  int
}

func (h *countingHealth) Trigger() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.n++
}

func (h *countingHealth) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

type harness struct {
	svc      *Service
	steps    *steps
	txs      *fakeTxs
	market   *fakeMarket
	ledger   *storage.MemoryRelayLedger
	notifier *notify.Recorder
	health   *countingHealth
	quote    *quote.Quote
}

func newHarness(t *testing.T, balances fakeToken) *harness {
	t.Helper()
	raw := &marketplace.Quote{
		PriceInSun: decimal.NewFromInt(98),
		PriceInTrx: decimal.RequireFromString("0.000098"),
		MinEnergy:  102041,
	}
	h := &harness{
		steps:    &steps{},
		ledger:   storage.NewMemoryRelayLedger(),
		notifier: &notify.Recorder{},
		health:   &countingHealth{},
		quote:    quote.Compute(quote.DefaultParams(), raw, true),
	}
	h.txs = &fakeTxs{steps: h.steps}
	h.market = &fakeMarket{steps: h.steps}
	h.svc = NewService(Config{
		USDT:          usdt,
		FeeCollector:  collector,
		Router:        router,
		RouterFeeUSDT: decimal.RequireFromString("1.5"),
		ChainID:       728126428,
		ExplorerURL:   "https://tronscan.org/#",
		ChainName:     "mainnet",
	}, Deps{
		Quotes:   fakeQuotes{q: h.quote},
		Token:    balances,
		Txs:      h.txs,
		Market:   h.market,
		Rentals:  &fakeRentals{steps: h.steps},
		Ledger:   h.ledger,
		Notifier: h.notifier,
		Health:   h.health,
	}, nil)
	return h
}

func TestExecute_FeeIsSettledBeforeMain(t *testing.T) {
	sender := testKey(t, 0)
	h := newHarness(t, fakeToken{sender.Address(): 100_000_000})
	required := h.quote.RequiredFeeUint().Int64()

	mainTx := transferPayload(t, sender, recipient, 10_000_000, 1711819892677)
	feeTx := transferPayload(t, sender, collector, required, 1711819892678)

	e, err := h.svc.ValidateExecution(context.Background(), mainTx, feeTx)
	require.NoError(t, err)
	require.NoError(t, h.svc.Settle(context.Background(), e))

	assert.Equal(t, []string{
		fmt.Sprintf("trx:%s:%d", sender.Address(), h.quote.TrxNeededSun()),
		fmt.Sprintf("energy:%s:%d", sender.Address(), h.quote.EnergyToBuy),
		"wait:" + e.Fee.TxID,
		"wait:" + e.Main.TxID,
	}, h.steps.all())

	r, err := h.ledger.Get(context.Background(), e.Main.TxID)
	require.NoError(t, err)
	assert.Equal(t, models.RelayDone, r.Status)

	require.Len(t, h.notifier.Messages(), 1)
	assert.Contains(t, h.notifier.Messages()[0], "Executed a transfer of 10 USDT")
	assert.Equal(t, 1, h.health.count())
}

func TestExecute_Rejections(t *testing.T) {
	sender := testKey(t, 0)
	other := testKey(t, 1)

	tests := []struct {
		name    string
		balance int64
		build   func(required int64) (models.SignedPayload, models.SignedPayload)
		want    string
	}{
		{
			name:    "fee one unit short",
			balance: 100_000_000,
			build: func(required int64) (models.SignedPayload, models.SignedPayload) {
				return transferPayload(t, sender, recipient, 10_000_000, 1),
					transferPayload(t, sender, collector, required-1, 2)
			},
			want: "the minimum is 1.496003 USDT",
		},
		{
			name:    "different senders",
			balance: 100_000_000,
			build: func(required int64) (models.SignedPayload, models.SignedPayload) {
				return transferPayload(t, sender, recipient, 10_000_000, 1),
					transferPayload(t, other, collector, required, 2)
			},
			want: "same address",
		},
		{
			name:    "fee to someone else",
			balance: 100_000_000,
			build: func(required int64) (models.SignedPayload, models.SignedPayload) {
				return transferPayload(t, sender, recipient, 10_000_000, 1),
					transferPayload(t, sender, recipient, required, 2)
			},
			want: "fee must be sent to " + collector.String(),
		},
		{
			name:    "insufficient balance",
			balance: 10_000_000,
			build: func(required int64) (models.SignedPayload, models.SignedPayload) {
				return transferPayload(t, sender, recipient, 10_000_000, 1),
					transferPayload(t, sender, collector, required, 2)
			},
			want: "insufficient USDT balance",
		},
		{
			name:    "signed by a stranger",
			balance: 100_000_000,
			build: func(required int64) (models.SignedPayload, models.SignedPayload) {
				return signedCall(t, other, sender.Address(), usdt, codec.TransferCalldata(recipient, big.NewInt(10)), 1),
					transferPayload(t, sender, collector, required, 2)
			},
			want: "must be signed by the sender",
		},
		{
			name:    "not USDT",
			balance: 100_000_000,
			build: func(required int64) (models.SignedPayload, models.SignedPayload) {
				return signedCall(t, sender, sender.Address(), router, codec.TransferCalldata(recipient, big.NewInt(10)), 1),
					transferPayload(t, sender, collector, required, 2)
			},
			want: "must call the USDT contract",
		},
		{
			name:    "garbage",
			balance: 100_000_000,
			build: func(required int64) (models.SignedPayload, models.SignedPayload) {
				return models.SignedPayload{RawDataHex: "zz", Signature: "00"},
					transferPayload(t, sender, collector, required, 2)
			},
			want: "mainTx is malformed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fakeToken{sender.Address(): tt.balance})
			mainTx, feeTx := tt.build(h.quote.RequiredFeeUint().Int64())

			_, err := h.svc.ValidateExecution(context.Background(), mainTx, feeTx)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Reason, tt.want)
			assert.Empty(t, h.steps.all(), "nothing may reach the chain")
		})
	}
}

func TestExecute_ReplayIsRejected(t *testing.T) {
	sender := testKey(t, 0)
	h := newHarness(t, fakeToken{sender.Address(): 100_000_000})
	required := h.quote.RequiredFeeUint().Int64()
	mainTx := transferPayload(t, sender, recipient, 10_000_000, 1)
	feeTx := transferPayload(t, sender, collector, required, 2)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.ValidateExecution(context.Background(), mainTx, feeTx)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Contains(t, ve.Reason, "already relayed")
	}
	assert.Equal(t, 1, accepted)
}

func TestExecute_FailureIsRecordedAndAlerted(t *testing.T) {
	sender := testKey(t, 0)
	h := newHarness(t, fakeToken{sender.Address(): 100_000_000})
	h.market.err = errors.New("sold out")

	e, err := h.svc.ValidateExecution(context.Background(),
		transferPayload(t, sender, recipient, 10_000_000, 1),
		transferPayload(t, sender, collector, h.quote.RequiredFeeUint().Int64(), 2))
	require.NoError(t, err)

	err = h.svc.Settle(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sold out")

	for _, step := range h.steps.all() {
		assert.NotContains(t, step, "wait:", "no user transaction after a failed purchase")
	}
	r, err := h.ledger.Get(context.Background(), e.Main.TxID)
	require.NoError(t, err)
	assert.Equal(t, models.RelayFailed, r.Status)
	assert.Contains(t, r.Error, "buy energy")
	require.Len(t, h.notifier.Alerts(), 1)
	assert.Equal(t, 1, h.health.count())
}

func approvalPayload(t *testing.T, k *wallet.Key, contract, spender wallet.Address, amount *big.Int) models.SignedPayload {
	return signedCall(t, k, k.Address(), contract, codec.ApproveCalldata(spender, amount), 1711819892677)
}

func TestApproval_Validation(t *testing.T) {
	owner := testKey(t, 2)
	tests := []struct {
		name    string
		payload models.SignedPayload
		want    string
	}{
		{"wrong contract", approvalPayload(t, owner, router, router, codec.MaxUint256()), "can only trigger the USDT contract"},
		{"wrong spender", approvalPayload(t, owner, usdt, recipient, codec.MaxUint256()), "smooth usdt router"},
		{"limited amount", approvalPayload(t, owner, usdt, router, big.NewInt(1_000_000)), "must be max"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fakeToken{})
			_, err := h.svc.ValidateApproval(context.Background(), tt.payload)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Reason, tt.want)
		})
	}
}

func TestApproval_Flow(t *testing.T) {
	owner := testKey(t, 2)
	h := newHarness(t, fakeToken{})

	d, err := h.svc.ValidateApproval(context.Background(), approvalPayload(t, owner, usdt, router, codec.MaxUint256()))
	require.NoError(t, err)

	a, err := h.svc.SettleApproval(context.Background(), d, "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "rent-tx", a.RentTxID)

	require.NoError(t, h.svc.FinishApproval(context.Background(), a))

	assert.Equal(t, []string{
		fmt.Sprintf("trx:%s:350000", owner.Address()),
		"rent:" + owner.Address().String(),
		"wait:" + d.TxID,
		"return:" + owner.Address().String(),
	}, h.steps.all())

	require.Len(t, h.notifier.Messages(), 1)
	msg := h.notifier.Messages()[0]
	for _, label := range []string{"Send TRX", "Rent Energy", "Approve Router", "Return Energy"} {
		assert.Contains(t, msg, label)
	}
	assert.Contains(t, msg, "https://tronscan.org/#/transaction/return-tx")
	assert.Equal(t, 1, h.health.count())
}

func TestApproval_FailedBroadcastReturnsEnergy(t *testing.T) {
	owner := testKey(t, 2)
	h := newHarness(t, fakeToken{})

	d, err := h.svc.ValidateApproval(context.Background(), approvalPayload(t, owner, usdt, router, codec.MaxUint256()))
	require.NoError(t, err)
	h.txs.failOn = "wait:" + d.TxID

	_, err = h.svc.SettleApproval(context.Background(), d, "203.0.113.7")
	require.Error(t, err)
	assert.Equal(t, "return:"+owner.Address().String(), h.steps.all()[len(h.steps.all())-1])
	assert.Len(t, h.notifier.Alerts(), 1)
}

func signRouterTransfer(t *testing.T, k *wallet.Key, fee, nonce uint64) models.TransferRequest {
	t.Helper()
	rt := &RouterTransfer{
		USDT:         usdt,
		From:         k.Address(),
		To:           recipient,
		Amount:       big.NewInt(25_000_000),
		FeeCollector: collector,
		Fee:          new(big.Int).SetUint64(fee),
		Nonce:        new(big.Int).SetUint64(nonce),
	}
	sig, err := k.Sign(wallet.HashMessage(rt.Digest(728126428, router)))
	require.NoError(t, err)
	return models.TransferRequest{
		USDTAddress:    usdt.Base58(),
		From:           k.Address().Base58(),
		To:             recipient.Base58(),
		TransferAmount: 25_000_000,
		FeeAmount:      fee,
		FeeCollector:   collector.Base58(),
		Nonce:          nonce,
		V:              sig[64],
		R:              "0x" + hex.EncodeToString(sig[:32]),
		S:              "0x" + hex.EncodeToString(sig[32:64]),
	}
}

func TestTransfer_RouterCall(t *testing.T) {
	sender := testKey(t, 0)
	h := newHarness(t, fakeToken{})
	req := signRouterTransfer(t, sender, 1_500_000, 7)

	rt, err := h.svc.ParseTransfer(context.Background(), req)
	require.NoError(t, err)
	rc, err := h.svc.Transfer(context.Background(), rt, "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "router-tx", rc.TxID)

	assert.Equal(t, router, h.txs.contract)
	assert.Equal(t, codec.Selector(routerTransferSignature), h.txs.calldata[:4])
	require.Len(t, h.txs.calldata, 4+10*codec.WordSize)
	nonce, err := codec.UintAt(h.txs.calldata[4:], 6)
	require.NoError(t, err)
	assert.Equal(t, int64(7), nonce.Int64())
	v, err := codec.UintAt(h.txs.calldata[4:], 7)
	require.NoError(t, err)
	assert.Equal(t, int64(req.V), v.Int64())

	// broadcast only, no wait
	assert.Equal(t, []string{"broadcast:router-tx"}, h.steps.all())

	h.svc.FinishTransfer(context.Background(), rc)
	require.Len(t, h.notifier.Messages(), 1)
	assert.Equal(t, 1, h.health.count())
}

func TestTransfer_Rejections(t *testing.T) {
	sender := testKey(t, 0)
	other := testKey(t, 1)

	wrongFee := signRouterTransfer(t, sender, 1_000_000, 1)

	forged := signRouterTransfer(t, other, 1_500_000, 1)
	forged.From = sender.Address().Base58()

	tampered := signRouterTransfer(t, sender, 1_500_000, 1)
	tampered.TransferAmount++

	badCollector := signRouterTransfer(t, sender, 1_500_000, 1)
	badCollector.FeeCollector = recipient.Base58()

	tests := []struct {
		name string
		req  models.TransferRequest
		want string
	}{
		{"fee not exact", wrongFee, "The fee must be exactly 1.5 USDT"},
		{"forged signature", forged, "does not match the sender"},
		{"tampered amount", tampered, "does not match the sender"},
		{"wrong collector", badCollector, "feeCollector must be"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fakeToken{})
			_, err := h.svc.ParseTransfer(context.Background(), tt.req)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Reason, tt.want)
			assert.Empty(t, h.steps.all())
		})
	}
}

func TestSettle_ReportsReplyLatency(t *testing.T) {
	sender := testKey(t, 0)
	h := newHarness(t, fakeToken{sender.Address(): 100_000_000})
	start := time.UnixMilli(1711819892677)
	h.svc.now = func() time.Time { return start }

	e, err := h.svc.ValidateExecution(context.Background(),
		transferPayload(t, sender, recipient, 10_000_000, 1),
		transferPayload(t, sender, collector, h.quote.RequiredFeeUint().Int64(), 2))
	require.NoError(t, err)
	h.svc.now = func() time.Time { return start.Add(42 * time.Millisecond) }
	require.NoError(t, h.svc.Settle(context.Background(), e))

	assert.Contains(t, h.notifier.Messages()[0], "It took 42ms to reply")
}
