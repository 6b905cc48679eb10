package tx

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/blockref"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/chain"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/codec"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/metrics"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/retry"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/wallet"
)

var (
	// ErrBroadcastRejected is returned when the node refuses a transaction.
	ErrBroadcastRejected = chain.ErrBroadcastRejected
	// ErrExecutionFailed is returned when an included transaction has a failure status.
	ErrExecutionFailed = errors.New("transaction execution failed")
	// ErrConfirmationTimeout is returned when a transaction is not included in time.
	ErrConfirmationTimeout = errors.New("transaction confirmation timeout")
)

// ChainClient is the subset of the node API the builder needs.
type ChainClient interface {
	BroadcastTransaction(ctx context.Context, tx *chain.SignedTransaction) (*chain.BroadcastResult, error)
	GetTransactionInfo(ctx context.Context, txID string) (*chain.TransactionInfo, error)
}

// RefSource hands out the current block reference.
type RefSource interface {
	Current(ctx context.Context) (blockref.Ref, error)
}

// BuilderConfig holds configurable parameters for the transaction builder.
type BuilderConfig struct {
	FeeLimit       int64         // sun
	Expiration     time.Duration // added to the build time
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
	Retry          retry.Policy
	ChainName      string
}

// Builder constructs, signs and broadcasts the relayer's own transactions and
// re-broadcasts user-signed ones.
type Builder struct {
	key    *wallet.Key
	client ChainClient
	refs   RefSource
	logger *slog.Logger
	cfg    BuilderConfig
	now    func() time.Time
}

// NewBuilder creates a builder signing with key.
func NewBuilder(cfg BuilderConfig, key *wallet.Key, client ChainClient, refs RefSource, logger *slog.Logger) *Builder {
	if cfg.FeeLimit <= 0 {
		cfg.FeeLimit = 150_000_000
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		key:    key,
		client: client,
		refs:   refs,
		logger: logger.With("component", "tx_builder"),
		cfg:    cfg,
		now:    time.Now,
	}
}

// Address is the relayer account that signs built transactions.
func (b *Builder) Address() wallet.Address {
	return b.key.Address()
}

// TransferTRX builds and signs a TransferContract from the relayer to to.
func (b *Builder) TransferTRX(ctx context.Context, to wallet.Address, sun int64) (*chain.SignedTransaction, error) {
	if sun <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive, got %d", sun)
	}
	owner := b.key.Address()
	c := codec.Contract{
		Type:  codec.TransferContractType,
		Value: codec.EncodeTransferContract(owner, to, sun),
	}
	value := codec.ContractValue{
		OwnerAddress: owner.Hex(),
		ToAddress:    to.Hex(),
		Amount:       sun,
	}
	return b.build(ctx, c, value, 0)
}

// TriggerContract builds and signs a smart contract call from the relayer.
func (b *Builder) TriggerContract(ctx context.Context, contract wallet.Address, calldata []byte, callValue int64) (*chain.SignedTransaction, error) {
	owner := b.key.Address()
	c := codec.Contract{
		Type:  codec.TriggerSmartContractType,
		Value: codec.EncodeTriggerSmartContract(owner, contract, callValue, calldata),
	}
	value := codec.ContractValue{
		Data:            hex.EncodeToString(calldata),
		OwnerAddress:    owner.Hex(),
		ContractAddress: contract.Hex(),
		CallValue:       callValue,
	}
	return b.build(ctx, c, value, b.cfg.FeeLimit)
}

func (b *Builder) build(ctx context.Context, c codec.Contract, value codec.ContractValue, feeLimit int64) (*chain.SignedTransaction, error) {
	ref, err := b.refs.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("block reference: %w", err)
	}

	now := b.now()
	raw := &codec.RawTransaction{
		RefBlockBytes: ref.RefBlockBytes,
		RefBlockHash:  ref.RefBlockHash,
		Expiration:    now.Add(b.cfg.Expiration).UnixMilli(),
		Contracts:     []codec.Contract{c},
		Timestamp:     now.UnixMilli(),
		FeeLimit:      feeLimit,
	}
	rawBytes := raw.Marshal()
	txID := wallet.SHA256(rawBytes)

	sig, err := b.key.Sign(txID)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	return &chain.SignedTransaction{
		TxID: hex.EncodeToString(txID),
		RawData: codec.RawDataJSON{
			Contract: []codec.ContractJSON{{
				Parameter: codec.ContractParameter{Value: value, TypeURL: c.Type.TypeURL()},
				Type:      c.Type.String(),
			}},
			RefBlockBytes: hex.EncodeToString(raw.RefBlockBytes),
			RefBlockHash:  hex.EncodeToString(raw.RefBlockHash),
			Expiration:    raw.Expiration,
			FeeLimit:      raw.FeeLimit,
			Timestamp:     raw.Timestamp,
		},
		RawDataHex: hex.EncodeToString(rawBytes),
		Signature:  []string{hex.EncodeToString(sig)},
	}, nil
}

// FromDecoded converts a user-signed transaction into its broadcast form.
func FromDecoded(d *codec.DecodedTransaction) *chain.SignedTransaction {
	return &chain.SignedTransaction{
		TxID:       d.TxID,
		RawData:    d.RawData,
		RawDataHex: d.RawDataHex,
		Signature:  []string{d.Signature},
	}
}

// Broadcast submits tx, retrying transport failures. A rejection is returned as is.
func (b *Builder) Broadcast(ctx context.Context, tx *chain.SignedTransaction) (string, error) {
	attempt := 0
	err := retry.Do(ctx, b.cfg.Retry, func(ctx context.Context) error {
		attempt++
		_, err := b.client.BroadcastTransaction(ctx, tx)
		if err != nil && retry.IsTransient(err) {
			b.logger.Warn("broadcast attempt failed",
				"tx_id", tx.TxID,
				"attempt", attempt,
				"error", err,
			)
		}
		return err
	})
	if err != nil {
		metrics.Broadcasts.WithLabelValues(b.cfg.ChainName, "error").Inc()
		return "", fmt.Errorf("broadcast %s: %w", tx.TxID, err)
	}

	metrics.Broadcasts.WithLabelValues(b.cfg.ChainName, "ok").Inc()
	b.logger.Info("transaction broadcast successful",
		"tx_id", tx.TxID,
		"attempt", attempt,
	)
	return tx.TxID, nil
}

// WaitForExecution polls the node until txID is included. A failure status
// returns ErrExecutionFailed; not being included in time returns ErrConfirmationTimeout.
func (b *Builder) WaitForExecution(ctx context.Context, txID string) error {
	err := retry.Poll(ctx, b.cfg.PollInterval, b.cfg.ConfirmTimeout, func(ctx context.Context) (bool, error) {
		info, err := b.client.GetTransactionInfo(ctx, txID)
		if err != nil {
			if retry.IsTransient(err) || errors.Is(err, retry.ErrTimeout) {
				b.logger.Warn("transaction info unavailable", "tx_id", txID, "error", err)
				return false, nil
			}
			return false, err
		}
		if info == nil {
			return false, nil
		}
		if info.Failed() {
			return false, fmt.Errorf("%w: %s %s", ErrExecutionFailed, txID, info.FailureReason())
		}
		b.logger.Info("transaction confirmed",
			"tx_id", txID,
			"block", info.BlockNumber,
			"energy_used", info.Receipt.EnergyUsageTotal,
		)
		return true, nil
	})
	if errors.Is(err, retry.ErrTimeout) {
		return fmt.Errorf("%w: %s after %s", ErrConfirmationTimeout, txID, b.cfg.ConfirmTimeout)
	}
	return err
}

// BroadcastAndWait broadcasts tx and waits for successful execution.
func (b *Builder) BroadcastAndWait(ctx context.Context, tx *chain.SignedTransaction) (string, error) {
	txID, err := b.Broadcast(ctx, tx)
	if err != nil {
		return "", err
	}
	if err := b.WaitForExecution(ctx, txID); err != nil {
		return txID, err
	}
	return txID, nil
}

// SendTRX transfers sun from the relayer to to and waits for inclusion.
func (b *Builder) SendTRX(ctx context.Context, to wallet.Address, sun int64) (string, error) {
	tx, err := b.TransferTRX(ctx, to, sun)
	if err != nil {
		return "", err
	}
	b.logger.Info("sending TRX", "to", to.Base58(), "sun", sun)
	return b.BroadcastAndWait(ctx, tx)
}
