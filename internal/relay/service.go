// Package relay validates user-signed USDT calls and executes them with the
// relayer paying for energy and bandwidth.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/chain"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/codec"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/logging"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/marketplace"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/metrics"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/notify"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/quote"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/storage"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
)

// ValidationError rejects a request before anything is sent on chain.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func rejectf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Quoter prices a transfer to recipient.
type Quoter interface {
	CalculateQuote(ctx context.Context, recipient wallet.Address) (*quote.Quote, error)
}

// BalanceReader reads USDT balances.
type BalanceReader interface {
	BalanceOf(ctx context.Context, owner wallet.Address) (*big.Int, error)
}

// Broadcaster sends relayer and user transactions.
type Broadcaster interface {
	SendTRX(ctx context.Context, to wallet.Address, sun int64) (string, error)
	TriggerContract(ctx context.Context, contract wallet.Address, calldata []byte, callValue int64) (*chain.SignedTransaction, error)
	Broadcast(ctx context.Context, tx *chain.SignedTransaction) (string, error)
	BroadcastAndWait(ctx context.Context, tx *chain.SignedTransaction) (string, error)
}

// EnergyMarket buys energy for an account.
type EnergyMarket interface {
	BuyEnergy(ctx context.Context, receiver wallet.Address, energy, sunToSpend int64, q *marketplace.Quote) error
}

// ApprovalRentals lends a user enough energy for one approve call.
type ApprovalRentals interface {
	RentForApproval(ctx context.Context, owner wallet.Address) (string, error)
	ReturnForApproval(ctx context.Context, owner wallet.Address) (string, error)
}

// HealthCheck schedules a relayer energy audit.
type HealthCheck interface {
	Trigger()
}

// Locator resolves a client IP for notifications.
type Locator interface {
	Locate(ctx context.Context, ip string) string
}

// Config holds per-network addresses and fees.
type Config struct {
	USDT           wallet.Address
	FeeCollector   wallet.Address
	Router         wallet.Address
	RouterFeeUSDT  decimal.Decimal
	ChainID        uint64
	ApprovalTRXSun int64 // sent to approvers for bandwidth and activation
	ExplorerURL    string
	ChainName      string
}

// Deps are the collaborators of Service.
type Deps struct {
	Quotes   Quoter
	Token    BalanceReader
	Txs      Broadcaster
	Market   EnergyMarket
	Rentals  ApprovalRentals
	Ledger   storage.RelayLedger
	Notifier notify.Notifier
	Health   HealthCheck
	Locator  Locator
}

// Service runs /execute, /approve and /transfer.
type Service struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	// guards the replay check against two identical requests in flight
	acceptMu sync.Mutex
}

func NewService(cfg Config, deps Deps, logger *slog.Logger) *Service {
	if cfg.ApprovalTRXSun <= 0 {
		cfg.ApprovalTRXSun = 350_000
	}
	if deps.Ledger == nil {
		deps.Ledger = storage.NewMemoryRelayLedger()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "relay"),
		now:    time.Now,
	}
}

func tokenAmount(v *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(v, -codec.TokenDecimals)
}

// fail logs and alerts an operational failure and returns err.
func (s *Service) fail(ctx context.Context, kind string, err error) error {
	metrics.Executions.WithLabelValues(s.cfg.ChainName, kind, "failed").Inc()
	logging.FromContext(ctx, s.logger).Error("relay step failed", "kind", kind, "error", err)
	if aerr := s.deps.Notifier.Alert(ctx, fmt.Sprintf("%s failed: %v", kind, err)); aerr != nil {
		logging.FromContext(ctx, s.logger).Warn("alert failed", "error", aerr)
	}
	return err
}

func (s *Service) reject(ctx context.Context, kind string, err error) error {
	metrics.Executions.WithLabelValues(s.cfg.ChainName, kind, "rejected").Inc()
	logging.FromContext(ctx, s.logger).Warn("request rejected", "kind", kind, "reason", err.Error())
	return err
}

func (s *Service) notify(ctx context.Context, msg string) {
	if err := s.deps.Notifier.Notify(ctx, msg); err != nil {
		logging.FromContext(ctx, s.logger).Warn("notification failed", "error", err)
	}
}

func (s *Service) locate(ctx context.Context, ip string) string {
	if s.deps.Locator == nil {
		return notify.UnknownLocation
	}
	return s.deps.Locator.Locate(ctx, ip)
}

func (s *Service) link(label, txID string) string {
	return notify.TxLink(s.cfg.ExplorerURL, label, txID)
}

func (s *Service) triggerHealthCheck() {
	if s.deps.Health != nil {
		s.deps.Health.Trigger()
	}
}
