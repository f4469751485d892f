package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"labguard/internal/models"
)

func (p *PostgresRepository) GetRateCounterForUpdate(tx *sqlx.Tx, identifier, identifierType, endpoint string) (*models.RateLimitCounter, error) {
	defer p.trackDuration("GetRateCounterForUpdate", time.Now())
	var c models.RateLimitCounter
	err := tx.Get(&c, `
		SELECT identifier, identifier_type, endpoint, request_count, window_start, last_request_at
		FROM api_rate_limits
		WHERE identifier = $1 AND identifier_type = $2 AND endpoint = $3
		LIMIT 1
		FOR UPDATE`, identifier, identifierType, endpoint)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *PostgresRepository) InsertRateCounter(tx *sqlx.Tx, identifier, identifierType, endpoint string, windowStart time.Time) error {
	defer p.trackDuration("InsertRateCounter", time.Now())
	_, err := tx.Exec(`
		INSERT INTO api_rate_limits (identifier, identifier_type, endpoint, request_count, window_start, last_request_at)
		VALUES ($1, $2, $3, 1, $4, NOW())
		ON CONFLICT (identifier, identifier_type, endpoint) DO UPDATE
		SET request_count = 1, window_start = EXCLUDED.window_start, last_request_at = NOW()`,
		identifier, identifierType, endpoint, windowStart)
	return err
}

func (p *PostgresRepository) UpdateRateCounter(tx *sqlx.Tx, identifier, identifierType, endpoint string, count int, windowStart time.Time) error {
	defer p.trackDuration("UpdateRateCounter", time.Now())
	_, err := tx.Exec(`
		UPDATE api_rate_limits
		SET request_count = $1, window_start = $2, last_request_at = NOW()
		WHERE identifier = $3 AND identifier_type = $4 AND endpoint = $5`,
		count, windowStart, identifier, identifierType, endpoint)
	return err
}

func (p *PostgresRepository) DeleteStaleRateCounters(ctx context.Context, cutoff time.Time) (int64, error) {
	defer p.trackDuration("DeleteStaleRateCounters", time.Now())
	res, err := p.db.ExecContext(ctx, "DELETE FROM api_rate_limits WHERE window_start < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresRepository) GetLoginAttemptForUpdate(tx *sqlx.Tx, ip, username string) (*models.LoginAttempt, error) {
	defer p.trackDuration("GetLoginAttemptForUpdate", time.Now())
	var a models.LoginAttempt
	err := tx.Get(&a, `
		SELECT ip_address, username, attempts, last_attempt, blocked_until
		FROM login_attempts
		WHERE ip_address = $1 AND username = $2
		LIMIT 1
		FOR UPDATE`, ip, username)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresRepository) UpsertLoginAttempt(tx *sqlx.Tx, ip, username string, attempts int, blockedUntil *time.Time) error {
	defer p.trackDuration("UpsertLoginAttempt", time.Now())
	_, err := tx.Exec(`
		INSERT INTO login_attempts (ip_address, username, attempts, last_attempt, blocked_until)
		VALUES ($1, $2, $3, NOW(), $4)
		ON CONFLICT (ip_address, username) DO UPDATE
		SET attempts = EXCLUDED.attempts, last_attempt = NOW(), blocked_until = EXCLUDED.blocked_until`,
		ip, username, attempts, blockedUntil)
	return err
}

func (p *PostgresRepository) SetLoginBlock(tx *sqlx.Tx, ip, username string, blockedUntil time.Time) error {
	defer p.trackDuration("SetLoginBlock", time.Now())
	_, err := tx.Exec(`
		UPDATE login_attempts SET blocked_until = $1
		WHERE ip_address = $2 AND username = $3`, blockedUntil, ip, username)
	return err
}

func (p *PostgresRepository) DeleteLoginAttempts(ctx context.Context, ip, username string) error {
	defer p.trackDuration("DeleteLoginAttempts", time.Now())
	_, err := p.db.ExecContext(ctx, "DELETE FROM login_attempts WHERE ip_address = $1 AND username = $2", ip, username)
	return err
}
