package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"labguard/internal/models"
)

var ErrNotFound = errors.New("repository: not found")

// UserCredentials carries the columns needed for a login check.
type UserCredentials struct {
	models.AuthUser
	PasswordHash string `db:"password"`
}

func (p *PostgresRepository) GetUserCredentials(ctx context.Context, username string) (*UserCredentials, error) {
	defer p.trackDuration("GetUserCredentials", time.Now())
	var u UserCredentials
	err := p.db.GetContext(ctx, &u, `
		SELECT id, name, email, username, photo, gender, phone, major, role, password
		FROM users WHERE username = $1 LIMIT 1`, username)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *PostgresRepository) UpdateUserPassword(ctx context.Context, userID int, hash string) error {
	defer p.trackDuration("UpdateUserPassword", time.Now())
	_, err := p.db.ExecContext(ctx, "UPDATE users SET password = $1 WHERE id = $2", hash, userID)
	return err
}

func (p *PostgresRepository) CreateToken(ctx context.Context, userID int, tokenHash string, expiresAt time.Time) error {
	defer p.trackDuration("CreateToken", time.Now())
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_tokens (user_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, NOW(), $3)`, userID, tokenHash, expiresAt)
	return err
}

// TokenWithUser is the token row joined with its owning user, as returned by
// the locked validation lookup.
type TokenWithUser struct {
	models.APIToken
	User models.AuthUser `db:"u"`
}

// GetTokenForUpdate locks the live token row for the given digest inside tx.
// Only non-expired rows match; revocation is checked by the caller so it can
// report the stored reason.
func (p *PostgresRepository) GetTokenForUpdate(tx *sqlx.Tx, tokenHash string) (*TokenWithUser, error) {
	defer p.trackDuration("GetTokenForUpdate", time.Now())
	var t TokenWithUser
	err := tx.Get(&t, `
		SELECT at.id, at.user_id, at.token_hash, at.created_at, at.expires_at,
		       at.last_ip, at.last_user_agent, at.last_used_at,
		       at.revoked_at, at.revoked_reason,
		       u.id AS "u.id", u.name AS "u.name", u.email AS "u.email",
		       u.username AS "u.username", u.photo AS "u.photo",
		       u.gender AS "u.gender", u.phone AS "u.phone",
		       u.major AS "u.major", u.role AS "u.role"
		FROM api_tokens at
		INNER JOIN users u ON at.user_id = u.id
		WHERE at.token_hash = $1
		AND at.expires_at > NOW()
		FOR UPDATE OF at`, tokenHash)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresRepository) UpdateTokenUsage(tx *sqlx.Tx, tokenID int, ip, userAgent string) error {
	defer p.trackDuration("UpdateTokenUsage", time.Now())
	_, err := tx.Exec(`
		UPDATE api_tokens
		SET last_ip = $1, last_user_agent = $2, last_used_at = NOW()
		WHERE id = $3`, ip, userAgent, tokenID)
	return err
}

// RevokeToken marks the token dead in its own statement so callers can commit
// the revocation independently of any surrounding transaction.
func (p *PostgresRepository) RevokeToken(ctx context.Context, tokenHash, reason string) error {
	defer p.trackDuration("RevokeToken", time.Now())
	_, err := p.db.ExecContext(ctx, `
		UPDATE api_tokens
		SET revoked_at = NOW(), revoked_reason = $1
		WHERE token_hash = $2 AND revoked_at IS NULL`, reason, tokenHash)
	return err
}

// RevokeUserTokens revokes every live token of a user except the one used for
// the current request. Used on password change.
func (p *PostgresRepository) RevokeUserTokens(ctx context.Context, userID int, keepHash, reason string) (int64, error) {
	defer p.trackDuration("RevokeUserTokens", time.Now())
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_tokens
		SET revoked_at = NOW(), revoked_reason = $1
		WHERE user_id = $2 AND token_hash <> $3 AND revoked_at IS NULL`, reason, userID, keepHash)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetTokenOwner returns the user id behind a token digest regardless of the
// token's liveness, for audit attribution after a revoke.
func (p *PostgresRepository) GetTokenOwner(ctx context.Context, tokenHash string) (int, error) {
	defer p.trackDuration("GetTokenOwner", time.Now())
	var id int
	err := p.db.GetContext(ctx, &id, "SELECT user_id FROM api_tokens WHERE token_hash = $1 LIMIT 1", tokenHash)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// TokenExists reports whether a live, unrevoked token matches the digest.
// Used by the rate limiter to decide the identifier tier without locking.
func (p *PostgresRepository) TokenExists(ctx context.Context, tokenHash string) (bool, error) {
	defer p.trackDuration("TokenExists", time.Now())
	var one int
	err := p.db.GetContext(ctx, &one, `
		SELECT 1 FROM api_tokens
		WHERE token_hash = $1 AND expires_at > NOW() AND revoked_at IS NULL
		LIMIT 1`, tokenHash)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
