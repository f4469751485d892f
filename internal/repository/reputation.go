package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"labguard/internal/models"
)

func (p *PostgresRepository) GetReputationForUpdate(tx *sqlx.Tx, ip string) (*models.IPReputation, error) {
	defer p.trackDuration("GetReputationForUpdate", time.Now())
	var r models.IPReputation
	err := tx.Get(&r, `
		SELECT id, ip_address, reputation_score, status, first_seen, last_seen,
		       last_incident_at, last_decay_at, total_alerts, critical_alerts,
		       auto_block_count, metadata
		FROM ip_reputation
		WHERE ip_address = $1
		FOR UPDATE`, ip)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresRepository) InsertReputation(tx *sqlx.Tx, r models.IPReputation) error {
	defer p.trackDuration("InsertReputation", time.Now())
	_, err := tx.Exec(`
		INSERT INTO ip_reputation (ip_address, reputation_score, status, first_seen, last_seen,
		                           last_incident_at, total_alerts, critical_alerts,
		                           auto_block_count, metadata)
		VALUES ($1, $2, $3, NOW(), NOW(), NOW(), $4, $5, $6, $7)`,
		r.IPAddress, r.Score, r.Status, r.TotalAlerts, r.CriticalAlerts,
		r.AutoBlockCount, r.Metadata)
	return err
}

func (p *PostgresRepository) UpdateReputation(tx *sqlx.Tx, r models.IPReputation) error {
	defer p.trackDuration("UpdateReputation", time.Now())
	_, err := tx.Exec(`
		UPDATE ip_reputation
		SET reputation_score = $1, status = $2, last_seen = NOW(), last_incident_at = NOW(),
		    total_alerts = $3, critical_alerts = $4, auto_block_count = $5,
		    metadata = $6, updated_at = NOW()
		WHERE id = $7`,
		r.Score, r.Status, r.TotalAlerts, r.CriticalAlerts, r.AutoBlockCount,
		r.Metadata, r.ID)
	return err
}

func (p *PostgresRepository) GetReputation(ctx context.Context, ip string) (*models.IPReputation, error) {
	defer p.trackDuration("GetReputation", time.Now())
	var r models.IPReputation
	err := p.db.GetContext(ctx, &r, `
		SELECT id, ip_address, reputation_score, status, first_seen, last_seen,
		       last_incident_at, last_decay_at, total_alerts, critical_alerts,
		       auto_block_count, metadata
		FROM ip_reputation
		WHERE ip_address = $1`, ip)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListDecayCandidates returns scored IPs whose last incident predates the
// cutoff and that are not already NORMAL.
func (p *PostgresRepository) ListDecayCandidates(ctx context.Context, minScore int, cutoff time.Time) ([]models.IPReputation, error) {
	defer p.trackDuration("ListDecayCandidates", time.Now())
	var reps []models.IPReputation
	err := p.db.SelectContext(ctx, &reps, `
		SELECT id, ip_address, reputation_score, status, first_seen, last_seen,
		       last_incident_at, last_decay_at, total_alerts, critical_alerts,
		       auto_block_count, metadata
		FROM ip_reputation
		WHERE reputation_score >= $1
		AND last_incident_at < $2
		AND status <> $3`, minScore, cutoff, models.StatusNormal)
	return reps, err
}

func (p *PostgresRepository) ApplyReputationDecay(ctx context.Context, id int64, newScore int, newStatus models.ReputationStatus) error {
	defer p.trackDuration("ApplyReputationDecay", time.Now())
	_, err := p.db.ExecContext(ctx, `
		UPDATE ip_reputation
		SET reputation_score = $1, status = $2, last_decay_at = NOW(), updated_at = NOW()
		WHERE id = $3`, newScore, newStatus, id)
	return err
}

func (p *PostgresRepository) DeleteStaleReputation(ctx context.Context, cutoff time.Time) (int64, error) {
	defer p.trackDuration("DeleteStaleReputation", time.Now())
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM ip_reputation
		WHERE last_seen < $1
		AND status = $2
		AND reputation_score <= 0
		AND total_alerts <= 1`, cutoff, models.StatusNormal)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresRepository) GetTopMalicious(ctx context.Context, limit int) ([]models.IPReputation, error) {
	defer p.trackDuration("GetTopMalicious", time.Now())
	var reps []models.IPReputation
	err := p.db.SelectContext(ctx, &reps, `
		SELECT id, ip_address, reputation_score, status, first_seen, last_seen,
		       last_incident_at, last_decay_at, total_alerts, critical_alerts,
		       auto_block_count, metadata
		FROM ip_reputation
		WHERE status = $1
		ORDER BY reputation_score DESC, last_incident_at DESC
		LIMIT $2`, models.StatusMalicious, limit)
	return reps, err
}
