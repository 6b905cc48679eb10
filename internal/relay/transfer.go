package relay

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/codec"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/logging"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/metrics"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
	"github.com/olehkaliuzhnyi/usdt-relayer/pkg/models"
)

const (
	kindTransfer = "transfer"

	routerTransferSignature = "transfer(address,address,address,uint256,address,uint256,uint256,uint8,bytes32,bytes32)"
	routerDomain            = "Smooth"
)

// RouterTransfer is a parsed router call authorized by the sender's signature.
type RouterTransfer struct {
	USDT         wallet.Address
	From         wallet.Address
	To           wallet.Address
	Amount       *big.Int
	FeeCollector wallet.Address
	Fee          *big.Int
	Nonce        *big.Int
	V            uint8
	R, S         []byte
}

// Digest is the message the sender signs:
// keccak256(encodePacked("Smooth", chainId, router, usdt, from, to, amount, feeCollector, fee, nonce)).
func (t *RouterTransfer) Digest(chainID uint64, router wallet.Address) []byte {
	return wallet.Keccak256(
		[]byte(routerDomain),
		codec.PackUint64(chainID),
		router.EVM(),
		t.USDT.EVM(),
		t.From.EVM(),
		t.To.EVM(),
		codec.PackUint(t.Amount),
		t.FeeCollector.EVM(),
		codec.PackUint(t.Fee),
		codec.PackUint(t.Nonce),
	)
}

// Calldata encodes the router transfer call.
func (t *RouterTransfer) Calldata() []byte {
	r, _ := codec.PackBytes32(t.R)
	s, _ := codec.PackBytes32(t.S)
	return codec.Calldata(routerTransferSignature,
		codec.PackAddress(t.USDT),
		codec.PackAddress(t.From),
		codec.PackAddress(t.To),
		codec.PackUint(t.Amount),
		codec.PackAddress(t.FeeCollector),
		codec.PackUint(t.Fee),
		codec.PackUint(t.Nonce),
		codec.PackUint64(uint64(t.V)),
		r,
		s,
	)
}

// TransferReceipt is a broadcast router transfer.
type TransferReceipt struct {
	TxID      string
	ClientIP  string
	Received  time.Time
	Responded time.Time
}

func parseBytes32(name, s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != codec.WordSize {
		return nil, rejectf("%s must be 32 hex bytes", name)
	}
	return b, nil
}

func parseAddress(name, s string) (wallet.Address, error) {
	a, err := wallet.ParseAddress(s)
	if err != nil {
		return wallet.Address{}, rejectf("%s is not a valid address: %q", name, s)
	}
	return a, nil
}

// ParseTransfer checks a /transfer request against the router rules: the fee is
// exactly the router fee, paid to the fee collector, in USDT, and the
// signature recovers to the sender.
func (s *Service) ParseTransfer(ctx context.Context, req models.TransferRequest) (*RouterTransfer, error) {
	fee := decimal.NewFromBigInt(new(big.Int).SetUint64(req.FeeAmount), -codec.TokenDecimals)
	if !fee.Equal(s.cfg.RouterFeeUSDT) {
		return nil, s.reject(ctx, kindTransfer, rejectf("The fee must be exactly %s USDT", s.cfg.RouterFeeUSDT))
	}

	t := &RouterTransfer{
		Amount: new(big.Int).SetUint64(req.TransferAmount),
		Fee:    new(big.Int).SetUint64(req.FeeAmount),
		Nonce:  new(big.Int).SetUint64(req.Nonce),
		V:      req.V,
	}
	var err error
	for _, f := range []struct {
		name string
		in   string
		out  *wallet.Address
	}{
		{"usdtAddress", req.USDTAddress, &t.USDT},
		{"from", req.From, &t.From},
		{"to", req.To, &t.To},
		{"feeCollector", req.FeeCollector, &t.FeeCollector},
	} {
		if *f.out, err = parseAddress(f.name, f.in); err != nil {
			return nil, s.reject(ctx, kindTransfer, err)
		}
	}
	if t.USDT != s.cfg.USDT {
		return nil, s.reject(ctx, kindTransfer, rejectf("usdtAddress must be %s", s.cfg.USDT))
	}
	if t.FeeCollector != s.cfg.FeeCollector {
		return nil, s.reject(ctx, kindTransfer, rejectf("feeCollector must be %s", s.cfg.FeeCollector))
	}
	if t.R, err = parseBytes32("r", req.R); err != nil {
		return nil, s.reject(ctx, kindTransfer, err)
	}
	if t.S, err = parseBytes32("s", req.S); err != nil {
		return nil, s.reject(ctx, kindTransfer, err)
	}

	sig := make([]byte, 0, wallet.SignatureLength)
	sig = append(append(append(sig, t.R...), t.S...), t.V)
	signer, err := wallet.RecoverSigner(wallet.HashMessage(t.Digest(s.cfg.ChainID, s.cfg.Router)), sig)
	if err != nil || signer != t.From {
		return nil, s.reject(ctx, kindTransfer, rejectf("the signature does not match the sender %s", t.From))
	}
	return t, nil
}

// Transfer sends the router call for t. It does not wait for execution.
func (s *Service) Transfer(ctx context.Context, t *RouterTransfer, clientIP string) (*TransferReceipt, error) {
	rc := &TransferReceipt{ClientIP: clientIP, Received: s.now()}

	signed, err := s.deps.Txs.TriggerContract(ctx, s.cfg.Router, t.Calldata(), 0)
	if err != nil {
		return nil, s.fail(ctx, kindTransfer, fmt.Errorf("build router transfer: %w", err))
	}
	rc.TxID, err = s.deps.Txs.Broadcast(ctx, signed)
	if err != nil {
		return nil, s.fail(ctx, kindTransfer, fmt.Errorf("could not send the router transfer: %w", err))
	}
	rc.Responded = s.now()

	metrics.Executions.WithLabelValues(s.cfg.ChainName, kindTransfer, "ok").Inc()
	logging.FromContext(ctx, s.logger).Info("broadcast the router transfer",
		"tx_id", rc.TxID,
		"from", t.From.Base58(),
		"to", t.To.Base58(),
		"amount", t.Amount.String(),
		"nonce", t.Nonce.String(),
	)
	return rc, nil
}

// FinishTransfer reports a broadcast router transfer.
func (s *Service) FinishTransfer(ctx context.Context, rc *TransferReceipt) {
	defer s.triggerHealthCheck()
	s.notify(ctx, fmt.Sprintf("Executed a transfer! From %s, %s. It took %dms to reply. %s.",
		rc.ClientIP, s.locate(ctx, rc.ClientIP), rc.Responded.Sub(rc.Received).Milliseconds(),
		s.link("Transaction", rc.TxID),
	))
}
