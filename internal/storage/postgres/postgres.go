// Package postgres implements storage.Store on jackc/pgx, for multi-device
// deployments where several sync processes share one database.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/KashCal/KashCal-sub000/internal/storage"
)

type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func New(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{pool: pool, logger: logger}
	if err := s.bootstrap(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(storage.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&txHandle{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
