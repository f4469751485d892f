package repository

import (
	"context"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"labguard/internal/metrics"
)

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(url string) (*PostgresRepository, error) {
	db, err := sqlx.Connect("pgx", url)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRepository{db: db}, nil
}

func (p *PostgresRepository) trackDuration(op string, start time.Time) {
	metrics.MetricDBDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (p *PostgresRepository) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

// WithTx runs fn inside a transaction. Row locks taken via SELECT ... FOR
// UPDATE inside fn serialize concurrent access to the same logical key; any
// error rolls the whole unit back. This is the single locking discipline
// shared by token validation, rate limiting, alert state and reputation.
func (p *PostgresRepository) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
