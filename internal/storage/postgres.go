package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

// PinSchema creates the table used by PostgresPinStore.
const PinSchema = `CREATE TABLE IF NOT EXISTS pin_code (
	device_id          TEXT PRIMARY KEY,
	encryption_key     TEXT NOT NULL,
	pin                TEXT NOT NULL,
	incorrect_attempts INTEGER NOT NULL DEFAULT 0
)`

// PostgresConfig configures the connection pool.
type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

// PostgresPinStore is a PinStore on the pin_code table.
type PostgresPinStore struct {
	db      *sql.DB
	timeout time.Duration
}

// OpenPostgres connects and pings the database.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping db")
	}
	return db, nil
}

func NewPostgresPinStore(db *sql.DB, queryTimeout time.Duration) *PostgresPinStore {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &PostgresPinStore{db: db, timeout: queryTimeout}
}

// Migrate creates the pin_code table if it is missing.
func (s *PostgresPinStore) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, PinSchema); err != nil {
		return errors.Wrap(err, "create pin_code")
	}
	return nil
}

func (s *PostgresPinStore) Get(ctx context.Context, deviceID string) (*PinRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec := PinRecord{DeviceID: deviceID}
	err := s.db.QueryRowContext(ctx,
		`SELECT pin, encryption_key, incorrect_attempts FROM pin_code WHERE device_id = $1`,
		deviceID,
	).Scan(&rec.PinHash, &rec.EncryptionKey, &rec.IncorrectAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select pin_code [%s]", deviceID)
	}
	return &rec, nil
}

func (s *PostgresPinStore) Insert(ctx context.Context, rec *PinRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pin_code (device_id, encryption_key, pin, incorrect_attempts) VALUES ($1, $2, $3, $4)`,
		rec.DeviceID, rec.EncryptionKey, rec.PinHash, rec.IncorrectAttempts,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrAlreadyExists
	}
	if err != nil {
		return errors.Wrapf(err, "insert pin_code [%s]", rec.DeviceID)
	}
	return nil
}

func (s *PostgresPinStore) SetAttempts(ctx context.Context, deviceID string, attempts int) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE pin_code SET incorrect_attempts = $1 WHERE device_id = $2`,
		attempts, deviceID,
	)
	if err != nil {
		return errors.Wrapf(err, "update pin_code [%s]", deviceID)
	}
	return nil
}
