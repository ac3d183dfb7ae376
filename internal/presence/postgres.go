package presence

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-live/backend/internal/analytics"
	"github.com/aura-live/backend/internal/streams"
	"github.com/aura-live/backend/pkg/database"
)

// PgTransactor binds the streams and analytics repositories to one Postgres transaction.
type PgTransactor struct {
	pool *pgxpool.Pool
}

// NewPgTransactor creates a Postgres-backed Transactor.
func NewPgTransactor(pool *pgxpool.Pool) *PgTransactor {
	return &PgTransactor{pool: pool}
}

// InTx implements Transactor.
func (p *PgTransactor) InTx(ctx context.Context, fn func(Stores) error) error {
	return database.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(Stores{
			Streams:   streams.NewRepository(tx),
			Analytics: analytics.NewRepository(tx),
		})
	})
}
