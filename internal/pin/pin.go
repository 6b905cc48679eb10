// Package pin escrows client encryption keys behind a numeric PIN.
package pin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/crypto/bcrypt"

	"github.com/olehkaliuzhnyi/usdt-relayer/internal/logging"
	"github.com/olehkaliuzhnyi/usdt-relayer/internal/storage"
)

// DefaultMaxAttempts is how many wrong PINs lock a device.
const DefaultMaxAttempts = 5

// Code identifies a PIN failure.
type Code string

const (
	CodeUnknownDevice   Code = "unknown-device-id"
	CodeTooManyAttempts Code = "too-many-attempts"
	CodeWrongPin        Code = "wrong-pin"
)

// Error is a PIN check failure that clients can act on.
type Error struct {
	Code              Code
	RemainingAttempts int // set for CodeWrongPin only
}

func (e *Error) Error() string {
	if e.Code == CodeWrongPin {
		return fmt.Sprintf("%s (%d attempts left)", e.Code, e.RemainingAttempts)
	}
	return string(e.Code)
}

// MarshalJSON emits {"code"} plus remainingAttempts for a wrong PIN.
func (e *Error) MarshalJSON() ([]byte, error) {
	if e.Code == CodeWrongPin {
		return json.Marshal(struct {
			Code              Code `json:"code"`
			RemainingAttempts int  `json:"remainingAttempts"`
		}{e.Code, e.RemainingAttempts})
	}
	return json.Marshal(struct {
		Code Code `json:"code"`
	}{e.Code})
}

// Service stores and releases encryption keys.
type Service struct {
	store       storage.PinStore
	maxAttempts int
	cost        int
	logger      *slog.Logger
}

func NewService(store storage.PinStore, maxAttempts int, logger *slog.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		maxAttempts: maxAttempts,
		cost:        bcrypt.DefaultCost,
		logger:      logger.With("component", "pin"),
	}
}

// SetEncryptionKey stores key for deviceID behind pin. A device can be set once.
func (s *Service) SetEncryptionKey(ctx context.Context, deviceID, key string, pin int64) error {
	if deviceID == "" || key == "" {
		return errors.New("device id and encryption key are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(strconv.FormatInt(pin, 10)), s.cost)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}
	err = s.store.Insert(ctx, &storage.PinRecord{
		DeviceID:      deviceID,
		EncryptionKey: key,
		PinHash:       string(hash),
	})
	if err != nil {
		return fmt.Errorf("store encryption key: %w", err)
	}
	logging.FromContext(ctx, s.logger).Info("set an encryption key", "device_id", deviceID)
	return nil
}

// GetEncryptionKey returns the key of deviceID if pin matches. Failures are *Error
// unless the store itself fails.
func (s *Service) GetEncryptionKey(ctx context.Context, deviceID string, pin int64) (string, error) {
	rec, err := s.store.Get(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("load encryption key: %w", err)
	}
	if rec == nil {
		return "", &Error{Code: CodeUnknownDevice}
	}
	if rec.IncorrectAttempts >= s.maxAttempts {
		return "", &Error{Code: CodeTooManyAttempts}
	}

	err = bcrypt.CompareHashAndPassword([]byte(rec.PinHash), []byte(strconv.FormatInt(pin, 10)))
	if err == nil {
		if rec.IncorrectAttempts > 0 {
			if err := s.store.SetAttempts(ctx, deviceID, 0); err != nil {
				return "", fmt.Errorf("reset attempts: %w", err)
			}
		}
		return rec.EncryptionKey, nil
	}
	if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return "", fmt.Errorf("compare pin: %w", err)
	}

	attempts := rec.IncorrectAttempts + 1
	if err := s.store.SetAttempts(ctx, deviceID, attempts); err != nil {
		return "", fmt.Errorf("count attempt: %w", err)
	}
	logging.FromContext(ctx, s.logger).Info("wrong pin", "device_id", deviceID, "attempts", attempts)
	return "", &Error{Code: CodeWrongPin, RemainingAttempts: s.maxAttempts - attempts}
}
