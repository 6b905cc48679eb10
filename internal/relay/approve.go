package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/codec"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/logging"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/metrics"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/tx"
	"github.com/olehkaliuzhnyi/usdt-relayer/pkg/models"
)

const kindApprove = "approve"

// Approval is an executed router approval whose energy rental is still open.
type Approval struct {
	Tx        *codec.DecodedTransaction
	TrxTxID   string
	RentTxID  string
	ClientIP  string
	Received  time.Time
	Responded time.Time
}

// ValidateApproval accepts only an unlimited USDT approval of the router
// signed by its owner.
func (s *Service) ValidateApproval(ctx context.Context, approveTx models.SignedPayload) (*codec.DecodedTransaction, error) {
	d, err := codec.DecodeApprovalTransaction(approveTx.RawDataHex, approveTx.Signature)
	if err != nil {
		return nil, s.reject(ctx, kindApprove, rejectf("approveTx is malformed: %v", err))
	}
	logging.FromContext(ctx, s.logger).Info("decoded the approve transaction",
		"tx_id", d.TxID,
		"owner", d.From.Base58(),
		"spender", d.To.Base58(),
		"amount", d.AmountHex,
	)
	if !d.Authorized() {
		return nil, s.reject(ctx, kindApprove, rejectf("the approval transaction must be signed by its owner %s", d.From))
	}
	if d.Contract != s.cfg.USDT {
		return nil, s.reject(ctx, kindApprove, rejectf("the approval transaction can only trigger the USDT contract (%s)", s.cfg.USDT))
	}
	if d.To != s.cfg.Router {
		return nil, s.reject(ctx, kindApprove, rejectf("the approval transaction must be approving the smooth usdt router (%s)", s.cfg.Router))
	}
	if d.AmountUint.Cmp(codec.MaxUint256()) != 0 {
		return nil, s.reject(ctx, kindApprove, rejectf("the approved amount must be max (0xffff...ffff)"))
	}
	return d, nil
}

// SettleApproval funds the owner, rents energy for it and executes the
// approval. The rental stays open until FinishApproval.
func (s *Service) SettleApproval(ctx context.Context, d *codec.DecodedTransaction, clientIP string) (*Approval, error) {
	log := logging.FromContext(ctx, s.logger)
	a := &Approval{Tx: d, ClientIP: clientIP, Received: s.now()}

	var err error
	a.TrxTxID, err = s.deps.Txs.SendTRX(ctx, d.From, s.cfg.ApprovalTRXSun)
	if err != nil {
		return nil, s.fail(ctx, kindApprove, fmt.Errorf("send TRX to %s: %w", d.From, err))
	}
	log.Info("sent TRX to the owner for bandwidth and activation", "sun", s.cfg.ApprovalTRXSun)

	a.RentTxID, err = s.deps.Rentals.RentForApproval(ctx, d.From)
	if err != nil {
		return nil, s.fail(ctx, kindApprove, fmt.Errorf("rent approval energy for %s: %w", d.From, err))
	}

	if _, err := s.deps.Txs.BroadcastAndWait(ctx, tx.FromDecoded(d)); err != nil {
		err = fmt.Errorf("approval %s: %w", d.TxID, err)
		// the rental is useless now, try to get the delegation back
		if _, rerr := s.deps.Rentals.ReturnForApproval(ctx, d.From); rerr != nil {
			err = fmt.Errorf("%w; returning energy also failed: %v", err, rerr)
		}
		return nil, s.fail(ctx, kindApprove, err)
	}
	a.Responded = s.now()
	log.Info("executed the approval transaction", "tx_id", d.TxID)
	return a, nil
}

// FinishApproval returns the rented energy and reports the approval.
func (s *Service) FinishApproval(ctx context.Context, a *Approval) error {
	defer s.triggerHealthCheck()

	returnTxID, err := s.deps.Rentals.ReturnForApproval(ctx, a.Tx.From)
	if err != nil {
		return s.fail(ctx, kindApprove, fmt.Errorf("return approval energy of %s: %w", a.Tx.From, err))
	}
	metrics.Executions.WithLabelValues(s.cfg.ChainName, kindApprove, "ok").Inc()

	s.notify(ctx, fmt.Sprintf(`Executed an approval! From %s, %s. It took %dms to reply.
1. %s
2. %s
3. %s
4. %s`,
		a.ClientIP, s.locate(ctx, a.ClientIP), a.Responded.Sub(a.Received).Milliseconds(),
		s.link("Send TRX", a.TrxTxID),
		s.link("Rent Energy", a.RentTxID),
		s.link("Approve Router", a.Tx.TxID),
		s.link("Return Energy", returnTxID),
	))
	return nil
}
