package storage

import (
	"context"
	"sync"

	"github.com/olehkaliuzhnyi/usdt-relayer/pkg/models"
)

// MemoryPinStore is an in-memory PinStore.
type MemoryPinStore struct {
	mu      sync.RWMutex
	records map[string]PinRecord
}

func NewMemoryPinStore() *MemoryPinStore {
	return &MemoryPinStore{records: make(map[string]PinRecord)}
}

func (s *MemoryPinStore) Get(ctx context.Context, deviceID string) (*PinRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[deviceID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryPinStore) Insert(ctx context.Context, rec *PinRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.DeviceID]; ok {
		return ErrAlreadyExists
	}
	s.records[rec.DeviceID] = *rec
	return nil
}

func (s *MemoryPinStore) SetAttempts(ctx context.Context, deviceID string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[deviceID]
	if !ok {
		return nil
	}
	rec.IncorrectAttempts = attempts
	s.records[deviceID] = rec
	return nil
}

// MemoryRelayLedger is an in-memory RelayLedger.
type MemoryRelayLedger struct {
	mu     sync.RWMutex
	relays map[string]models.Relay
}

func NewMemoryRelayLedger() *MemoryRelayLedger {
	return &MemoryRelayLedger{relays: make(map[string]models.Relay)}
}

func (s *MemoryRelayLedger) Get(ctx context.Context, mainTxID string) (*models.Relay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.relays[mainTxID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryRelayLedger) Put(ctx context.Context, relay *models.Relay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relays[relay.MainTxID] = *relay
	return nil
}
