package relay

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/codec"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/logging"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/metrics"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/quote"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/tx"
	"github.com/olehkaliuzhnyi/usdt-relayer/pkg/models"
)

const kindExecute = "execute"

// Execution is a validated transfer and fee pair ready to be settled.
type Execution struct {
	Main     *codec.DecodedTransaction
	Fee      *codec.DecodedTransaction
	Quote    *quote.Quote
	ClientIP string
	Received time.Time
}

// ValidateExecution decodes mainTx and feeTx and checks, in order: both decode
// as USDT transfers, both come from the same sender, both are signed by that
// sender, the sender holds both amounts, the fee covers a fresh quote, and the
// fee goes to the fee collector. A main transaction seen before is refused.
// Rejections are *ValidationError; nothing is sent on chain.
func (s *Service) ValidateExecution(ctx context.Context, mainTx, feeTx models.SignedPayload) (*Execution, error) {
	received := s.now()
	log := logging.FromContext(ctx, s.logger)

	main, err := codec.DecodeTransferTransaction(mainTx.RawDataHex, mainTx.Signature)
	if err != nil {
		return nil, s.reject(ctx, kindExecute, rejectf("mainTx is malformed: %v", err))
	}
	fee, err := codec.DecodeTransferTransaction(feeTx.RawDataHex, feeTx.Signature)
	if err != nil {
		return nil, s.reject(ctx, kindExecute, rejectf("feeTx is malformed: %v", err))
	}
	if main.Contract != s.cfg.USDT || fee.Contract != s.cfg.USDT {
		return nil, s.reject(ctx, kindExecute, rejectf("both transactions must call the USDT contract (%s)", s.cfg.USDT))
	}
	log.Info("decoded transactions",
		"main_tx_id", main.TxID,
		"fee_tx_id", fee.TxID,
		"from", main.From.Base58(),
		"to", main.To.Base58(),
		"amount", main.AmountHuman.String(),
		"fee", fee.AmountHuman.String(),
	)

	if main.From != fee.From {
		return nil, s.reject(ctx, kindExecute, rejectf("mainTx and feeTx must be sent from the same address, got %s and %s", main.From, fee.From))
	}
	if !main.Authorized() || !fee.Authorized() {
		return nil, s.reject(ctx, kindExecute, rejectf("transactions must be signed by the sender %s", main.From))
	}

	balance, err := s.deps.Token.BalanceOf(ctx, main.From)
	if err != nil {
		return nil, fmt.Errorf("sender balance: %w", err)
	}
	total := new(big.Int).Add(main.AmountUint, fee.AmountUint)
	if balance.Cmp(total) < 0 {
		return nil, s.reject(ctx, kindExecute, rejectf("insufficient USDT balance: %s has %s, needs %s",
			main.From, tokenAmount(balance), tokenAmount(total)))
	}

	q, err := s.deps.Quotes.CalculateQuote(ctx, main.To)
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	required := q.RequiredFeeUint()
	if fee.AmountUint.Cmp(required) < 0 {
		return nil, s.reject(ctx, kindExecute, rejectf("fee of %s USDT is too low, the minimum is %s USDT",
			fee.AmountHuman, tokenAmount(required)))
	}
	if fee.To != s.cfg.FeeCollector {
		return nil, s.reject(ctx, kindExecute, rejectf("fee must be sent to %s", s.cfg.FeeCollector))
	}

	if err := s.accept(ctx, main, fee, received); err != nil {
		return nil, err
	}
	log.Info("execution is valid", "main_tx_id", main.TxID, "required_fee", tokenAmount(required).String())
	return &Execution{Main: main, Fee: fee, Quote: q, Received: received}, nil
}

// accept records the relay unless the main transaction was seen before.
func (s *Service) accept(ctx context.Context, main, fee *codec.DecodedTransaction, now time.Time) error {
	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()

	prev, err := s.deps.Ledger.Get(ctx, main.TxID)
	if err != nil {
		return fmt.Errorf("relay ledger: %w", err)
	}
	if prev != nil {
		return s.reject(ctx, kindExecute, rejectf("mainTx %s was already relayed", main.TxID))
	}
	err = s.deps.Ledger.Put(ctx, &models.Relay{
		MainTxID:  main.TxID,
		FeeTxID:   fee.TxID,
		From:      main.From.Base58(),
		To:        main.To.Base58(),
		Amount:    main.AmountHuman.String(),
		Fee:       fee.AmountHuman.String(),
		Status:    models.RelayAccepted,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("relay ledger: %w", err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, txID string, status models.RelayStatus, cause error) {
	r, err := s.deps.Ledger.Get(ctx, txID)
	if err == nil && r != nil {
		r.Status = status
		r.UpdatedAt = s.now()
		if cause != nil {
			r.Error = cause.Error()
		}
		err = s.deps.Ledger.Put(ctx, r)
	}
	if err != nil {
		logging.FromContext(ctx, s.logger).Warn("relay ledger update failed", "main_tx_id", txID, "error", err)
	}
}

// Settle funds the sender and broadcasts the fee transfer, then the main
// transfer, each waiting for execution. It runs after the client was told the
// transfer is accepted, so every failure is alerted. Nothing is retried.
func (s *Service) Settle(ctx context.Context, e *Execution) error {
	log := logging.FromContext(ctx, s.logger)
	replyTook := s.now().Sub(e.Received)
	defer s.triggerHealthCheck()
	from := e.Main.From
	q := e.Quote

	failed := func(step string, err error) error {
		err = fmt.Errorf("%s for mainTx %s: %w", step, e.Main.TxID, err)
		s.record(ctx, e.Main.TxID, models.RelayFailed, err)
		return s.fail(ctx, kindExecute, err)
	}

	trxTxID, err := s.deps.Txs.SendTRX(ctx, from, q.TrxNeededSun())
	if err != nil {
		return failed("send TRX for bandwidth", err)
	}
	log.Info("sent TRX for bandwidth", "to", from.Base58(), "sun", q.TrxNeededSun(), "tx_id", trxTxID)

	if err := s.deps.Market.BuyEnergy(ctx, from, q.EnergyToBuy, q.SunToSpendForEnergy, q.Raw); err != nil {
		return failed("buy energy", err)
	}
	log.Info("bought energy", "receiver", from.Base58(), "energy", q.EnergyToBuy)
	s.record(ctx, e.Main.TxID, models.RelayFunded, nil)

	feeTxID, err := s.deps.Txs.BroadcastAndWait(ctx, tx.FromDecoded(e.Fee))
	if err != nil {
		return failed("fee transfer", err)
	}
	s.record(ctx, e.Main.TxID, models.RelayFeePaid, nil)

	mainTxID, err := s.deps.Txs.BroadcastAndWait(ctx, tx.FromDecoded(e.Main))
	if err != nil {
		return failed("main transfer", err)
	}
	s.record(ctx, e.Main.TxID, models.RelayDone, nil)

	metrics.Executions.WithLabelValues(s.cfg.ChainName, kindExecute, "ok").Inc()
	log.Info("execution finished", "main_tx_id", mainTxID, "took", s.now().Sub(e.Received))

	s.notify(ctx, fmt.Sprintf(`Executed a transfer of %s USDT for %s USDT fee! From %s, %s. It took %dms to reply.
1. %s
2. %s
3. %s`,
		e.Main.AmountHuman, e.Fee.AmountHuman, e.ClientIP, s.locate(ctx, e.ClientIP), replyTook.Milliseconds(),
		s.link("Send TRX", trxTxID),
		s.link("Fee Transfer", feeTxID),
		s.link("Main Transfer", mainTxID),
	))
	return nil
}
