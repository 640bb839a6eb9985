package slots

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore keeps one row per booked slot; the primary key
// (doctor_id, date_key, slot_time) makes the insert the atomic claim.
type PostgresStore struct {
	db pgQuerier
}

// NewPostgresStore wraps a pgx pool (or any compatible querier).
func NewPostgresStore(db pgQuerier) *PostgresStore {
	if db == nil {
		panic("slots: db required")
	}
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Add(ctx context.Context, doctorID string, s Slot) (bool, error) {
	ct, err := p.db.Exec(ctx, `
		INSERT INTO doctor_booked_slots (doctor_id, date_key, slot_time)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, doctorID, s.DateKey, s.Time)
	if err != nil {
		return false, fmt.Errorf("slots: reserve: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// Remove deletes the row; a day with no rows has no entry, so nothing else to clean up.
func (p *PostgresStore) Remove(ctx context.Context, doctorID string, s Slot) error {
	if _, err := p.db.Exec(ctx, `
		DELETE FROM doctor_booked_slots
		WHERE doctor_id = $1 AND date_key = $2 AND slot_time = $3
	`, doctorID, s.DateKey, s.Time); err != nil {
		return fmt.Errorf("slots: release: %w", err)
	}
	return nil
}

func (p *PostgresStore) BookedOn(ctx context.Context, doctorID string, dateKeys ...string) (Booked, error) {
	out := make(Booked)
	if len(dateKeys) == 0 {
		return out, nil
	}
	rows, err := p.db.Query(ctx, `
		SELECT date_key, slot_time FROM doctor_booked_slots
		WHERE doctor_id = $1 AND date_key = ANY($2)
	`, doctorID, dateKeys)
	if err != nil {
		return nil, fmt.Errorf("slots: list booked: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s Slot
		if err := rows.Scan(&s.DateKey, &s.Time); err != nil {
			return nil, fmt.Errorf("slots: scan booked: %w", err)
		}
		out.Add(s)
	}
	return out, rows.Err()
}
