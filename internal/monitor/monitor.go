// Package monitor keeps the relayer's own energy rental topped up.
//
// All audits run on a single goroutine owned by Monitor.Run, so a timer tick
// and a check triggered by a finished relay can never rent twice at once.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/chain"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/energy"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/metrics"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
)

// ErrNotRunning is returned by Check when the monitor loop has exited.
var ErrNotRunning = errors.New("monitor is not running")

// Resources reads the relayer account.
type Resources interface {
	GetAccountResource(ctx context.Context, addr wallet.Address) (*chain.AccountResource, error)
	GetBalance(ctx context.Context, addr wallet.Address) (int64, error)
}

// Rentals is the relayer side of the energy manager.
type Rentals interface {
	QueryRentalStatus(ctx context.Context) (*energy.RentalStatus, error)
	RentForRelayer(ctx context.Context, energyToAdd int64, duration time.Duration, status *energy.RentalStatus) (string, error)
}

// Notifier delivers operator messages.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
	Alert(ctx context.Context, msg string) error
}

// Config holds thresholds of the health check.
type Config struct {
	Interval         time.Duration // must stay below ExtendIfBelow
	MinRelayerEnergy int64
	EnergyTopUp      int64
	ExtendIfBelow    time.Duration
	RentFor          time.Duration
	ChainName        string
}

// Report is the outcome of one audit.
type Report struct {
	EnergyUsed        int64
	EnergyLimit       int64
	EnergyAvailable   int64
	BalanceSun        int64
	Rental            *energy.RentalStatus
	WillBuyMoreEnergy bool
	WillExtendRental  bool
	TopUpTxID         string
}

type request struct {
	reply chan result // nil for Trigger
}

type result struct {
	report *Report
	err    error
}

// Monitor serializes relayer audits and top-ups.
type Monitor struct {
	cfg       Config
	relayer   wallet.Address
	resources Resources
	rentals   Rentals
	notifier  Notifier
	logger    *slog.Logger

	requests chan request
	triggers chan struct{}
	done     chan struct{}
}

func New(cfg Config, relayer wallet.Address, resources Resources, rentals Rentals, notifier Notifier, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.ExtendIfBelow <= 0 {
		cfg.ExtendIfBelow = 48 * time.Hour
	}
	if cfg.RentFor <= 0 {
		cfg.RentFor = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:       cfg,
		relayer:   relayer,
		resources: resources,
		rentals:   rentals,
		notifier:  notifier,
		logger:    logger.With("component", "monitor"),
		requests:  make(chan request),
		triggers:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Run audits once immediately and then every Interval until ctx is cancelled.
// Failed audits are logged and alerted; Run itself never returns early.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)
	m.logger.Info("starting relayer monitor",
		"interval", m.cfg.Interval,
		"min_energy", m.cfg.MinRelayerEnergy,
		"extend_if_below", m.cfg.ExtendIfBelow,
	)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("relayer monitor stopped")
			return
		case <-ticker.C:
			m.cycle(ctx)
		case <-m.triggers:
			m.cycle(ctx)
		case req := <-m.requests:
			report, err := m.checkAndTopUp(ctx)
			if err != nil {
				m.fail(ctx, err)
			}
			req.reply <- result{report, err}
		}
	}
}

// Check asks the loop for a fresh audit and waits for it. It queues behind an
// audit already in progress.
func (m *Monitor) Check(ctx context.Context) (*Report, error) {
	req := request{reply: make(chan result, 1)}
	select {
	case m.requests <- req:
	case <-m.done:
		return nil, ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.report, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Trigger schedules an audit without waiting. Triggers arriving while one is
// already queued are merged into it.
func (m *Monitor) Trigger() {
	select {
	case m.triggers <- struct{}{}:
	default:
	}
}

func (m *Monitor) cycle(ctx context.Context) {
	if _, err := m.checkAndTopUp(ctx); err != nil {
		m.fail(ctx, err)
	}
}

func (m *Monitor) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	metrics.MonitorErrors.WithLabelValues(m.cfg.ChainName).Inc()
	msg := fmt.Sprintf("Could not check relayer status due to %q!!!", err.Error())
	m.logger.Error(msg, "error", err)
	if aerr := m.notifier.Alert(ctx, msg); aerr != nil {
		m.logger.Warn("alert failed", "error", aerr)
	}
}

func (m *Monitor) checkAndTopUp(ctx context.Context) (*Report, error) {
	report, err := m.audit(ctx)
	if err != nil {
		return nil, err
	}
	if !report.WillBuyMoreEnergy && !report.WillExtendRental {
		return report, nil
	}

	var toAdd int64
	if report.WillBuyMoreEnergy {
		toAdd = m.cfg.EnergyTopUp
	}
	txID, err := m.rentals.RentForRelayer(ctx, toAdd, m.cfg.RentFor, report.Rental)
	if err != nil {
		return report, fmt.Errorf("top up relayer rental: %w", err)
	}
	metrics.TopUps.WithLabelValues(m.cfg.ChainName).Inc()
	m.notify(ctx, "Rented more energy for the relayer!")

	after, err := m.audit(ctx)
	if err != nil {
		return report, fmt.Errorf("audit after top-up: %w", err)
	}
	after.TopUpTxID = txID
	return after, nil
}

// audit reads the account and rental concurrently and reports the state.
func (m *Monitor) audit(ctx context.Context) (*Report, error) {
	var (
		res     *chain.AccountResource
		balance int64
		rental  *energy.RentalStatus
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		res, err = m.resources.GetAccountResource(gctx, m.relayer)
		return err
	})
	g.Go(func() (err error) {
		balance, err = m.resources.GetBalance(gctx, m.relayer)
		return err
	})
	g.Go(func() (err error) {
		rental, err = m.rentals.QueryRentalStatus(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r := &Report{
		EnergyUsed:        res.EnergyUsed,
		EnergyLimit:       res.EnergyLimit,
		EnergyAvailable:   res.EnergyAvailable(),
		BalanceSun:        balance,
		Rental:            rental,
		WillBuyMoreEnergy: res.EnergyAvailable() < m.cfg.MinRelayerEnergy,
		WillExtendRental:  rental.LiquidatesIn() < m.cfg.ExtendIfBelow,
	}

	chainName := m.cfg.ChainName
	metrics.EnergyAvailable.WithLabelValues(chainName).Set(float64(r.EnergyAvailable))
	metrics.EnergyLimit.WithLabelValues(chainName).Set(float64(r.EnergyLimit))
	metrics.BalanceSun.WithLabelValues(chainName).Set(float64(balance))
	metrics.SecondsUntilLiquidation.WithLabelValues(chainName).Set(float64(rental.SecondsUntilLiquidation))

	m.logger.Info("relayer state",
		"energy_used", r.EnergyUsed,
		"energy_limit", r.EnergyLimit,
		"balance_sun", balance,
		"seconds_until_liquidation", rental.SecondsUntilLiquidation,
		"will_buy_more_energy", r.WillBuyMoreEnergy,
		"will_extend_rental", r.WillExtendRental,
	)
	m.notify(ctx, m.summary(r))
	return r, nil
}

func (m *Monitor) summary(r *Report) string {
	used := 0.0
	if r.EnergyLimit > 0 {
		used = float64(r.EnergyUsed) / float64(r.EnergyLimit) * 100
	}
	return fmt.Sprintf(`Relayer energetical state.
Relayer's energy: %d / %d (%.2f%%) is used. %d energy is available.
Relayer's balance: %d TRX.
Energy rental liquidates in: %.2f days.
Will buy more energy: %t (threshold: %d energy).
Will extend energy rental: %t.`,
		r.EnergyUsed, r.EnergyLimit, used, r.EnergyAvailable,
		r.BalanceSun/1_000_000,
		float64(r.Rental.SecondsUntilLiquidation)/86400,
		r.WillBuyMoreEnergy, m.cfg.MinRelayerEnergy,
		r.WillExtendRental,
	)
}

func (m *Monitor) notify(ctx context.Context, msg string) {
	if err := m.notifier.Notify(ctx, msg); err != nil {
		m.logger.Warn("notification failed", "error", err)
	}
}
