// Package audit keeps an append-only trail of appointment lifecycle events.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EventType names a recorded lifecycle step.
type EventType string

const (
	EventBooked       EventType = "appointment.booked"
	EventPaid         EventType = "appointment.paid"
	EventCancelled    EventType = "appointment.cancelled"
	EventCompleted    EventType = "appointment.completed"
	EventReminderSent EventType = "appointment.reminder_sent"
)

// Event is an immutable audit record.
type Event struct {
	ID            string          `json:"id"`
	AppointmentID string          `json:"appointment_id"`
	EventType     EventType       `json:"event_type"`
	FromState     string          `json:"from_state,omitempty"`
	ToState       string          `json:"to_state,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Trail writes events to the appointment_events table.
type Trail struct {
	db *sql.DB
}

// NewTrail creates a trail backed by database/sql.
func NewTrail(db *sql.DB) *Trail {
	return &Trail{db: db}
}

// Record appends an event.
func (t *Trail) Record(ctx context.Context, event Event) error {
	if event.AppointmentID == "" {
		return fmt.Errorf("audit: appointment id required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	var details any
	if len(event.Details) > 0 {
		details = []byte(event.Details)
	}

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO appointment_events (
			id, appointment_id, event_type, from_state, to_state, actor, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		event.ID,
		event.AppointmentID,
		string(event.EventType),
		nullString(event.FromState),
		nullString(event.ToState),
		nullString(event.Actor),
		details,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: record event: %w", err)
	}
	return nil
}

// Filter narrows History results.
type Filter struct {
	AppointmentIDs []string
	EventTypes     []EventType
	Since          time.Time
	Limit          int
}

// History lists events oldest first.
func (t *Trail) History(ctx context.Context, filter Filter) ([]Event, error) {
	if len(filter.AppointmentIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, appointment_id, event_type, from_state, to_state, actor, details, created_at
		FROM appointment_events
		WHERE appointment_id = ANY($1)
	`
	args := []any{pq.Array(filter.AppointmentIDs)}
	argIdx := 2

	if len(filter.EventTypes) > 0 {
		types := make([]string, len(filter.EventTypes))
		for i, et := range filter.EventTypes {
			types[i] = string(et)
		}
		query += fmt.Sprintf(" AND event_type = ANY($%d)", argIdx)
		args = append(args, pq.Array(types))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.Since)
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var from, to, actor sql.NullString
		var details []byte
		if err := rows.Scan(&e.ID, &e.AppointmentID, &e.EventType, &from, &to, &actor, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		e.FromState = from.String
		e.ToState = to.String
		e.Actor = actor.String
		if len(details) > 0 {
			e.Details = json.RawMessage(details)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate events: %w", err)
	}
	return events, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
