package repository

import (
	"context"
	"database/sql"
	"time"

	"labguard/internal/models"
)

// Thin data access for the lab domain tables. Kept deliberately shallow; the
// interesting behavior lives in the security layer that guards these routes.

func (p *PostgresRepository) ListRooms(ctx context.Context) ([]models.Room, error) {
	defer p.trackDuration("ListRooms", time.Now())
	var rooms []models.Room
	err := p.db.SelectContext(ctx, &rooms, "SELECT id, name, building, capacity FROM rooms ORDER BY name")
	return rooms, err
}

func (p *PostgresRepository) ListEquipment(ctx context.Context) ([]models.EquipmentItem, error) {
	defer p.trackDuration("ListEquipment", time.Now())
	var items []models.EquipmentItem
	err := p.db.SelectContext(ctx, &items, `SELECT id, name, room_id, condition, available FROM equipment_items ORDER BY name`)
	return items, err
}

func (p *PostgresRepository) ListLoansByUser(ctx context.Context, userID int) ([]models.EquipmentLoan, error) {
	defer p.trackDuration("ListLoansByUser", time.Now())
	var loans []models.EquipmentLoan
	err := p.db.SelectContext(ctx, &loans, `
		SELECT id, user_id, equipment_id, quantity, status, borrowed_at, returned_at
		FROM equipment_loans WHERE user_id = $1 ORDER BY borrowed_at DESC`, userID)
	return loans, err
}

func (p *PostgresRepository) CreateLoan(ctx context.Context, userID, equipmentID, quantity int) (int64, error) {
	defer p.trackDuration("CreateLoan", time.Now())
	var id int64
	err := p.db.GetContext(ctx, &id, `
		INSERT INTO equipment_loans (user_id, equipment_id, quantity, status, borrowed_at)
		VALUES ($1, $2, $3, 'pending', NOW())
		RETURNING id`, userID, equipmentID, quantity)
	return id, err
}

func (p *PostgresRepository) ReturnLoan(ctx context.Context, loanID int64, userID int) error {
	defer p.trackDuration("ReturnLoan", time.Now())
	res, err := p.db.ExecContext(ctx, `
		UPDATE equipment_loans
		SET status = 'returned', returned_at = NOW()
		WHERE id = $1 AND user_id = $2 AND status <> 'returned'`, loanID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
