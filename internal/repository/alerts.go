package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"labguard/internal/models"
)

func (p *PostgresRepository) GetEnabledAlertRules(ctx context.Context) ([]models.AlertRule, error) {
	defer p.trackDuration("GetEnabledAlertRules", time.Now())
	var rules []models.AlertRule
	err := p.db.SelectContext(ctx, &rules, `
		SELECT id, rule_name, rule_type, threshold_warning, threshold_critical,
		       time_window_seconds, scope, cooldown_seconds, auto_action, enabled
		FROM alert_rules
		WHERE enabled = TRUE`)
	return rules, err
}

// IncrementAlertMetric bumps the per-window counter for (rule, source) and
// returns the new count. Atomic upsert, no explicit lock needed.
func (p *PostgresRepository) IncrementAlertMetric(ctx context.Context, ruleID int, sourceHash string, windowStart time.Time) (int, error) {
	defer p.trackDuration("IncrementAlertMetric", time.Now())
	var count int
	err := p.db.GetContext(ctx, &count, `
		INSERT INTO alert_metrics (rule_id, source_hash, window_start, count, last_updated)
		VALUES ($1, $2, $3, 1, NOW())
		ON CONFLICT (rule_id, source_hash, window_start) DO UPDATE
		SET count = alert_metrics.count + 1, last_updated = NOW()
		RETURNING count`, ruleID, sourceHash, windowStart)
	return count, err
}

func (p *PostgresRepository) GetAlertStateForUpdate(tx *sqlx.Tx, ruleID int, stateHash string) (*models.AlertState, error) {
	defer p.trackDuration("GetAlertStateForUpdate", time.Now())
	var s models.AlertState
	err := tx.Get(&s, `
		SELECT rule_id, source_hash, last_fired_at, fire_count, escalated, cooldown_until
		FROM alert_state
		WHERE rule_id = $1 AND source_hash = $2
		FOR UPDATE`, ruleID, stateHash)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *PostgresRepository) UpsertAlertState(tx *sqlx.Tx, ruleID int, stateHash string, fireCount int, escalated bool, cooldownUntil time.Time) error {
	defer p.trackDuration("UpsertAlertState", time.Now())
	_, err := tx.Exec(`
		INSERT INTO alert_state (rule_id, source_hash, last_fired_at, fire_count, escalated, cooldown_until, updated_at)
		VALUES ($1, $2, NOW(), $3, $4, $5, NOW())
		ON CONFLICT (rule_id, source_hash) DO UPDATE
		SET last_fired_at = NOW(), fire_count = EXCLUDED.fire_count,
		    escalated = EXCLUDED.escalated, cooldown_until = EXCLUDED.cooldown_until,
		    updated_at = NOW()`,
		ruleID, stateHash, fireCount, escalated, cooldownUntil)
	return err
}

func (p *PostgresRepository) InsertAlertEvent(tx *sqlx.Tx, ev models.AlertEvent) (int64, error) {
	defer p.trackDuration("InsertAlertEvent", time.Now())
	var id int64
	err := tx.Get(&id, `
		INSERT INTO alert_events (rule_id, rule_name, severity, source_type, source_value,
		                          trigger_count, time_window_seconds, metadata, fired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING id`,
		ev.RuleID, ev.RuleName, ev.Severity, ev.SourceType, ev.SourceValue,
		ev.TriggerCount, ev.TimeWindowSeconds, ev.Metadata)
	return id, err
}

func (p *PostgresRepository) GetAlertEvents(ctx context.Context, limit int) ([]models.AlertEvent, error) {
	defer p.trackDuration("GetAlertEvents", time.Now())
	var events []models.AlertEvent
	err := p.db.SelectContext(ctx, &events, `
		SELECT id, rule_id, rule_name, severity, source_type, source_value,
		       trigger_count, time_window_seconds, metadata, fired_at
		FROM alert_events ORDER BY fired_at DESC LIMIT $1`, limit)
	return events, err
}

// BlockIP blocks an address, extending (never shrinking) an existing window.
func (p *PostgresRepository) BlockIP(ctx context.Context, ip string, blockedUntil time.Time, reason string, alertID *int64, autoUnblock bool) error {
	defer p.trackDuration("BlockIP", time.Now())
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO blocked_ips (ip_address, blocked_at, blocked_until, reason, alert_id, auto_unblock)
		VALUES ($1, NOW(), $2, $3, $4, $5)
		ON CONFLICT (ip_address) DO UPDATE
		SET blocked_until = GREATEST(blocked_ips.blocked_until, EXCLUDED.blocked_until),
		    reason = EXCLUDED.reason, alert_id = EXCLUDED.alert_id`,
		ip, blockedUntil, reason, alertID, autoUnblock)
	return err
}

func (p *PostgresRepository) GetActiveBlock(ctx context.Context, ip string) (*models.BlockedIP, error) {
	defer p.trackDuration("GetActiveBlock", time.Now())
	var b models.BlockedIP
	err := p.db.GetContext(ctx, &b, `
		SELECT ip_address, blocked_at, blocked_until, reason, alert_id, auto_unblock
		FROM blocked_ips
		WHERE ip_address = $1 AND blocked_until > NOW()
		LIMIT 1`, ip)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (p *PostgresRepository) ListActiveBlocks(ctx context.Context) ([]models.BlockedIP, error) {
	defer p.trackDuration("ListActiveBlocks", time.Now())
	var blocks []models.BlockedIP
	err := p.db.SelectContext(ctx, &blocks, `
		SELECT ip_address, blocked_at, blocked_until, reason, alert_id, auto_unblock
		FROM blocked_ips WHERE blocked_until > NOW()
		ORDER BY blocked_until DESC`)
	return blocks, err
}

func (p *PostgresRepository) UnblockIP(ctx context.Context, ip string) error {
	defer p.trackDuration("UnblockIP", time.Now())
	_, err := p.db.ExecContext(ctx, "DELETE FROM blocked_ips WHERE ip_address = $1", ip)
	return err
}

func (p *PostgresRepository) DeleteOldAlertMetrics(ctx context.Context, cutoff time.Time) (int64, error) {
	defer p.trackDuration("DeleteOldAlertMetrics", time.Now())
	res, err := p.db.ExecContext(ctx, "DELETE FROM alert_metrics WHERE window_start < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresRepository) DeleteExpiredAutoBlocks(ctx context.Context) (int64, error) {
	defer p.trackDuration("DeleteExpiredAutoBlocks", time.Now())
	res, err := p.db.ExecContext(ctx, "DELETE FROM blocked_ips WHERE auto_unblock = TRUE AND blocked_until < NOW()")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
