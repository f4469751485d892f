package repository

import (
	"context"
	"time"

	"labguard/internal/models"
)

func (p *PostgresRepository) InsertAuditEntry(ctx context.Context, e models.AuditEntry) error {
	defer p.trackDuration("InsertAuditEntry", time.Now())
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_logs (timestamp, event_type, user_id, ip_address, user_agent,
		                        endpoint, http_method, request_id, status, severity, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.Timestamp, e.EventType, e.UserID, e.IPAddress, e.UserAgent,
		e.Endpoint, e.HTTPMethod, e.RequestID, e.Status, e.Severity, e.Metadata)
	return err
}

func (p *PostgresRepository) GetAuditLogsPaginated(ctx context.Context, limit, offset int, eventType string) ([]models.AuditEntry, int, error) {
	defer p.trackDuration("GetAuditLogsPaginated", time.Now())
	var entries []models.AuditEntry
	var total int

	where := ""
	args := []interface{}{limit, offset}
	if eventType != "" {
		where = "WHERE event_type = $3"
		args = append(args, eventType)
	}

	err := p.db.SelectContext(ctx, &entries, `
		SELECT id, timestamp, event_type, user_id, ip_address, user_agent,
		       endpoint, http_method, request_id, status, severity, metadata
		FROM audit_logs `+where+`
		ORDER BY timestamp DESC
		LIMIT $1 OFFSET $2`, args...)
	if err != nil {
		return nil, 0, err
	}

	countArgs := args[2:]
	countWhere := ""
	if eventType != "" {
		countWhere = "WHERE event_type = $1"
	}
	if err := p.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM audit_logs "+countWhere, countArgs...); err != nil {
		return nil, 0, err
	}

	return entries, total, nil
}
