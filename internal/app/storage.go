package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vivibot/vivibot/internal/platform/db"
	"github.com/vivibot/vivibot/internal/storage"
	"github.com/vivibot/vivibot/internal/storage/postgres"
	"github.com/vivibot/vivibot/internal/storage/sqlite"
)

// Storage is the opened row store selected by STORAGE_DRIVER.
type Storage struct {
	Store storage.ReadStore
	Ping  ReadinessCheck
	close func()
}

// Close releases the backing connection.
func (s *Storage) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

// OpenStorage connects to the configured driver, applies the schema and instruments
// every call with observer.
func OpenStorage(ctx context.Context, cfg *Config, logger *slog.Logger, observer storage.Observer) (*Storage, error) {
	switch cfg.StorageDriver {
	case DriverPostgres:
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{
			MaxConns:          int32(cfg.WorkerConcurrency) + 4,
			HealthCheckPeriod: 30 * time.Second,
		})
		if err != nil {
			return nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return &Storage{
			Store: storage.Instrument(postgres.New(pool), observer),
			Ping:  pool.Ping,
			close: pool.Close,
		}, nil
	case DriverSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("app: open sqlite: %w", err)
		}
		return &Storage{
			Store: storage.Instrument(st, observer),
			Ping:  st.Ping,
			close: func() {
				if err := st.Close(); err != nil {
					logger.Warn("sqlite close", slog.Any("error", err))
				}
			},
		}, nil
	case DriverMemory:
		logger.Warn("memory storage selected, reaction roles are lost on restart")
		return &Storage{
			Store: storage.Instrument(storage.NewMemory(), observer),
			Ping:  func(context.Context) error { return nil },
		}, nil
	default:
		return nil, fmt.Errorf("app: unknown storage driver %q", cfg.StorageDriver)
	}
}
