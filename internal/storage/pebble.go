package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"github.com/olehkaliuzhnyi/usdt-relayer/pkg/models"
)

const relayKeyPrefix = "relay/"

// PebbleRelayLedger is a RelayLedger on a local pebble database. After Close
// every call returns ErrClosed; pebble itself panics on a closed DB.
type PebbleRelayLedger struct {
	mu     sync.RWMutex
	db     *pebble.DB
	closed bool
}

// NewPebbleRelayLedger opens (or creates) the ledger under dir.
func NewPebbleRelayLedger(dir string) (*PebbleRelayLedger, error) {
	db, err := pebble.Open(filepath.Join(dir, "relay-ledger"), &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "opening pebble db")
	}
	return &PebbleRelayLedger{db: db}, nil
}

func relayKey(mainTxID string) []byte {
	return []byte(relayKeyPrefix + mainTxID)
}

func (s *PebbleRelayLedger) Get(ctx context.Context, mainTxID string) (*models.Relay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.Wrapf(ErrClosed, "getting relay [%s]", mainTxID)
	}

	value, closer, err := s.db.Get(relayKey(mainTxID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting relay [%s]", mainTxID)
	}
	defer closer.Close()

	var relay models.Relay
	if err := json.Unmarshal(value, &relay); err != nil {
		return nil, errors.Wrapf(err, "decoding relay [%s]", mainTxID)
	}
	return &relay, nil
}

func (s *PebbleRelayLedger) Put(ctx context.Context, relay *models.Relay) error {
	value, err := json.Marshal(relay)
	if err != nil {
		return errors.Wrap(err, "encoding relay")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.Wrapf(ErrClosed, "setting relay [%s]", relay.MainTxID)
	}
	if err := s.db.Set(relayKey(relay.MainTxID), value, pebble.Sync); err != nil {
		return errors.Wrapf(err, "setting relay [%s]", relay.MainTxID)
	}
	return nil
}

// Close waits for calls in progress and closes the database. It is safe to call twice.
func (s *PebbleRelayLedger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
