// Package blockref keeps the latest confirmed block reference that every
// locally built transaction must embed.
package blockref

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/chain"
)

// ErrStale is returned when the cached reference is too old and cannot be refreshed.
var ErrStale = errors.New("block reference is stale")

// BlockSource fetches the solidified head block.
type BlockSource interface {
	GetLatestConfirmedBlock(ctx context.Context) (*chain.Block, error)
}

// Alerter receives operator alerts.
type Alerter interface {
	Alert(ctx context.Context, msg string) error
}

// Ref is the block reference embedded in Transaction.raw.
type Ref struct {
	RefBlockBytes []byte
	RefBlockHash  []byte
	Number        int64
	Timestamp     int64
	FetchedAt     time.Time
}

// RefFromBlock derives ref_block_bytes (id[6:8]) and ref_block_hash (id[8:16]) from a block.
func RefFromBlock(b *chain.Block) (Ref, error) {
	id, err := hex.DecodeString(b.BlockID)
	if err != nil || len(id) != 32 {
		return Ref{}, fmt.Errorf("invalid block id %q", b.BlockID)
	}
	return Ref{
		RefBlockBytes: append([]byte(nil), id[6:8]...),
		RefBlockHash:  append([]byte(nil), id[8:16]...),
		Number:        b.BlockHeader.RawData.Number,
		Timestamp:     b.BlockHeader.RawData.Timestamp,
	}, nil
}

// Config holds the refresh cadence.
type Config struct {
	Interval time.Duration // background refresh period
	MaxAge   time.Duration // oldest reference Current will hand out
}

// Poller refreshes the reference on a ticker. Reads are served from cache.
type Poller struct {
	source  BlockSource
	alerter Alerter
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger

	mu  sync.RWMutex
	ref *Ref

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(source BlockSource, cfg Config, alerter Alerter, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 6 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:  source,
		alerter: alerter,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With("component", "blockref"),
		done:    make(chan struct{}),
	}
}

// Start fetches the first reference synchronously and then refreshes in the background.
func (p *Poller) Start(ctx context.Context) error {
	if err := p.Refresh(ctx); err != nil {
		return fmt.Errorf("initial block reference: %w", err)
	}
	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info("starting block reference poller",
		"interval", p.cfg.Interval,
		"max_age", p.cfg.MaxAge,
	)

	go p.pollLoop(ctx)
	return nil
}

// Stop ends the background loop and waits for it to exit.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.logger.Info("block reference poller stopped")
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				p.logger.Warn("block reference refresh failed", "error", err)
			}
		}
	}
}

// Refresh fetches the head block and replaces the cached reference.
func (p *Poller) Refresh(ctx context.Context) error {
	b, err := p.source.GetLatestConfirmedBlock(ctx)
	if err != nil {
		return fmt.Errorf("latest confirmed block: %w", err)
	}
	ref, err := RefFromBlock(b)
	if err != nil {
		return err
	}
	ref.FetchedAt = p.now()

	p.mu.Lock()
	p.ref = &ref
	p.mu.Unlock()

	p.logger.Debug("block reference updated", "block", ref.Number)
	return nil
}

// BlockTime is the production time of the referenced block.
func (r Ref) BlockTime() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// stale reports why ref may not be handed out, or "" when it is usable. Both the
// fetch and the block itself must be younger than MaxAge.
func (p *Poller) stale(ref *Ref) string {
	now := p.now()
	if age := now.Sub(ref.FetchedAt); age > p.cfg.MaxAge {
		return fmt.Sprintf("fetched %s ago", age.Round(time.Second))
	}
	if age := now.Sub(ref.BlockTime()); age > p.cfg.MaxAge {
		return fmt.Sprintf("block %d was produced %s ago", ref.Number, age.Round(time.Second))
	}
	return ""
}

// Current returns the cached reference. When it is older than MaxAge a synchronous
// refresh is attempted; if that fails, or the node still serves an old block, the
// operator is alerted and ErrStale returned.
func (p *Poller) Current(ctx context.Context) (Ref, error) {
	p.mu.RLock()
	ref := p.ref
	p.mu.RUnlock()

	if ref != nil && p.stale(ref) == "" {
		return *ref, nil
	}

	if err := p.Refresh(ctx); err != nil {
		return Ref{}, p.alertStale(ctx, fmt.Errorf("%w: %w", ErrStale, err),
			fmt.Sprintf("block reference is stale and refresh failed: %v", err))
	}

	p.mu.RLock()
	ref = p.ref
	p.mu.RUnlock()

	if reason := p.stale(ref); reason != "" {
		return Ref{}, p.alertStale(ctx, fmt.Errorf("%w: %s", ErrStale, reason),
			fmt.Sprintf("block reference is stale after refresh: %s", reason))
	}
	return *ref, nil
}

func (p *Poller) alertStale(ctx context.Context, err error, msg string) error {
	p.logger.Error(msg)
	if p.alerter != nil {
		if aerr := p.alerter.Alert(ctx, msg); aerr != nil {
			p.logger.Warn("alert failed", "error", aerr)
		}
	}
	return err
}
