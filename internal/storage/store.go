// Package storage persists PIN escrow records and the relay ledger.
package storage

import (
	"context"

	"github.com/pkg/errors"

	"github.com/olehkaliuzhnyi/usdt-relayer/pkg/models"
)

// ErrClosed is returned by a store used after Close.
var ErrClosed = errors.New("store is closed")

// ErrAlreadyExists is returned when inserting a key that is already stored.
var ErrAlreadyExists = errors.New("record already exists")

// PinRecord is an encryption key held behind a PIN.
type PinRecord struct {
	DeviceID          string
	EncryptionKey     string
	PinHash           string // bcrypt
	IncorrectAttempts int
}

// PinStore keeps PIN records per device.
type PinStore interface {
	// Get returns the record of deviceID, or nil if there is none.
	Get(ctx context.Context, deviceID string) (*PinRecord, error)
	// Insert stores a new record. An existing device yields ErrAlreadyExists.
	Insert(ctx context.Context, rec *PinRecord) error
	// SetAttempts updates the incorrect attempt counter.
	SetAttempts(ctx context.Context, deviceID string, attempts int) error
}

// RelayLedger remembers relayed transfers by main transaction ID.
type RelayLedger interface {
	// Get returns a previously stored relay, or nil if not found.
	Get(ctx context.Context, mainTxID string) (*models.Relay, error)
	// Put stores or replaces a relay.
	Put(ctx context.Context, relay *models.Relay) error
}
