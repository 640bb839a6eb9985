package appointments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
)

// ErrTransitionLost is returned by Transition when the stored state no longer
// matches the expected source state.
var ErrTransitionLost = errors.New("appointments: state changed concurrently")

// Repository persists appointments. Transition is a compare-and-set on state:
// it succeeds only when the stored state equals from.
type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	Get(ctx context.Context, id string) (*Appointment, error)
	Transition(ctx context.Context, id string, from, to State, patch Patch) (*Appointment, error)
	SetPaymentSession(ctx context.Context, id, sessionID string) error
	ListByPatient(ctx context.Context, patientID string) ([]*Appointment, error)
	ListByDoctor(ctx context.Context, doctorID string) ([]*Appointment, error)
	// ListReminderDue returns Paid appointments without a reminder whose
	// scheduled time falls in [from, to].
	ListReminderDue(ctx context.Context, from, to time.Time, limit int) ([]*Appointment, error)
	// ClaimReminder sets reminder_sent_at if it is unset and reports whether
	// this caller won the claim.
	ClaimReminder(ctx context.Context, id string, at time.Time) (bool, error)
	ReleaseReminder(ctx context.Context, id string) error
}

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores appointments in the appointments table.
type PostgresRepository struct {
	db DB
}

// NewPostgresRepository creates an appointment repository backed by pgx.
func NewPostgresRepository(db DB) *PostgresRepository {
	if db == nil {
		panic("appointments: db required")
	}
	return &PostgresRepository{db: db}
}

const appointmentColumns = `id, doctor_id, patient_id, slot_date, slot_time, scheduled_at, amount, currency,
	insurance_policy_id, state, version, patient_name, patient_email, doctor_name, payment_session_id,
	cancelled_by, reminder_sent_at, paid_at, completed_at, cancelled_at, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var policyID *string
	var state string
	err := row.Scan(
		&a.ID, &a.DoctorID, &a.PatientID, &a.SlotDate, &a.SlotTime, &a.ScheduledAt, &a.Amount, &a.Currency,
		&policyID, &state, &a.Version, &a.PatientName, &a.PatientEmail, &a.DoctorName, &a.PaymentSessionID,
		&a.CancelledBy, &a.ReminderSentAt, &a.PaidAt, &a.CompletedAt, &a.CancelledAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if policyID != nil {
		a.InsurancePolicyID = *policyID
	}
	a.State = State(state)
	return &a, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *PostgresRepository) Create(ctx context.Context, a *Appointment) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		a.ID, a.DoctorID, a.PatientID, a.SlotDate, a.SlotTime, a.ScheduledAt, a.Amount, a.Currency,
		nullable(a.InsurancePolicyID), string(a.State), a.Version, a.PatientName, a.PatientEmail, a.DoctorName, a.PaymentSessionID,
		a.CancelledBy, a.ReminderSentAt, a.PaidAt, a.CompletedAt, a.CancelledAt, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return scheduling.Conflict("slot %s %s is already booked", a.SlotDate, a.SlotTime)
		}
		return fmt.Errorf("appointments: insert: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Appointment, error) {
	a, err := scanAppointment(r.db.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, scheduling.NotFound("appointment %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("appointments: get: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) Transition(ctx context.Context, id string, from, to State, patch Patch) (*Appointment, error) {
	at := patch.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	a, err := scanAppointment(r.db.QueryRow(ctx, `
		UPDATE appointments SET
			state = $3,
			version = version + 1,
			updated_at = $4,
			paid_at = CASE WHEN $3 = 'paid' THEN $4 ELSE paid_at END,
			completed_at = CASE WHEN $3 = 'completed' THEN $4 ELSE completed_at END,
			cancelled_at = CASE WHEN $3 = 'cancelled' THEN $4 ELSE cancelled_at END,
			cancelled_by = COALESCE(NULLIF($5, ''), cancelled_by),
			payment_session_id = COALESCE(NULLIF($6, ''), payment_session_id)
		WHERE id = $1 AND state = $2
		RETURNING `+appointmentColumns,
		id, string(from), string(to), at, patch.CancelledBy, patch.PaymentSessionID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransitionLost
	}
	if err != nil {
		return nil, fmt.Errorf("appointments: transition %s -> %s: %w", from, to, err)
	}
	return a, nil
}

func (r *PostgresRepository) SetPaymentSession(ctx context.Context, id, sessionID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE appointments SET payment_session_id = $2, updated_at = now()
		WHERE id = $1 AND state = 'created'`, id, sessionID)
	if err != nil {
		return fmt.Errorf("appointments: set payment session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransitionLost
	}
	return nil
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*Appointment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("appointments: list: %w", err)
	}
	defer rows.Close()

	var out []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("appointments: scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) ListByPatient(ctx context.Context, patientID string) ([]*Appointment, error) {
	return r.list(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE patient_id = $1 ORDER BY scheduled_at DESC`, patientID)
}

func (r *PostgresRepository) ListByDoctor(ctx context.Context, doctorID string) ([]*Appointment, error) {
	return r.list(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE doctor_id = $1 ORDER BY scheduled_at DESC`, doctorID)
}

func (r *PostgresRepository) ListReminderDue(ctx context.Context, from, to time.Time, limit int) ([]*Appointment, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `
		SELECT `+appointmentColumns+` FROM appointments
		WHERE state = 'paid' AND reminder_sent_at IS NULL AND scheduled_at BETWEEN $1 AND $2
		ORDER BY scheduled_at
		LIMIT $3`, from, to, limit)
}

func (r *PostgresRepository) ClaimReminder(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE appointments SET reminder_sent_at = $2
		WHERE id = $1 AND reminder_sent_at IS NULL AND state = 'paid'`, id, at)
	if err != nil {
		return false, fmt.Errorf("appointments: claim reminder: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) ReleaseReminder(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `UPDATE appointments SET reminder_sent_at = NULL WHERE id = $1`, id); err != nil {
		return fmt.Errorf("appointments: release reminder: %w", err)
	}
	return nil
}

// InMemoryRepository keeps appointments in a map; used by tests and local runs.
type InMemoryRepository struct {
	mu    sync.Mutex
	items map[string]*Appointment
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{items: make(map[string]*Appointment)}
}

func clone(a *Appointment) *Appointment {
	cp := *a
	return &cp
}

func (r *InMemoryRepository) Create(ctx context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[a.ID]; ok {
		return scheduling.Conflict("appointment %s already exists", a.ID)
	}
	for _, existing := range r.items {
		if existing.State != StateCancelled && existing.DoctorID == a.DoctorID &&
			existing.SlotDate == a.SlotDate && existing.SlotTime == a.SlotTime {
			return scheduling.Conflict("slot %s %s is already booked", a.SlotDate, a.SlotTime)
		}
	}
	r.items[a.ID] = clone(a)
	return nil
}

func (r *InMemoryRepository) Get(ctx context.Context, id string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		return nil, scheduling.NotFound("appointment %s not found", id)
	}
	return clone(a), nil
}

func (r *InMemoryRepository) Transition(ctx context.Context, id string, from, to State, patch Patch) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		return nil, scheduling.NotFound("appointment %s not found", id)
	}
	if a.State != from {
		return nil, ErrTransitionLost
	}
	at := patch.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	a.State = to
	a.Version++
	a.UpdatedAt = at
	switch to {
	case StatePaid:
		a.PaidAt = &at
	case StateCompleted:
		a.CompletedAt = &at
	case StateCancelled:
		a.CancelledAt = &at
	}
	if patch.CancelledBy != "" {
		a.CancelledBy = patch.CancelledBy
	}
	if patch.PaymentSessionID != "" {
		a.PaymentSessionID = patch.PaymentSessionID
	}
	return clone(a), nil
}

func (r *InMemoryRepository) SetPaymentSession(ctx context.Context, id, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		return scheduling.NotFound("appointment %s not found", id)
	}
	if a.State != StateCreated {
		return ErrTransitionLost
	}
	a.PaymentSessionID = sessionID
	return nil
}

func (r *InMemoryRepository) filter(keep func(*Appointment) bool) []*Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Appointment
	for _, a := range r.items {
		if keep(a) {
			out = append(out, clone(a))
		}
	}
	return out
}

func (r *InMemoryRepository) ListByPatient(ctx context.Context, patientID string) ([]*Appointment, error) {
	out := r.filter(func(a *Appointment) bool { return a.PatientID == patientID })
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	return out, nil
}

func (r *InMemoryRepository) ListByDoctor(ctx context.Context, doctorID string) ([]*Appointment, error) {
	out := r.filter(func(a *Appointment) bool { return a.DoctorID == doctorID })
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	return out, nil
}

func (r *InMemoryRepository) ListReminderDue(ctx context.Context, from, to time.Time, limit int) ([]*Appointment, error) {
	out := r.filter(func(a *Appointment) bool {
		return a.State == StatePaid && a.ReminderSentAt == nil &&
			!a.ScheduledAt.Before(from) && !a.ScheduledAt.After(to)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepository) ClaimReminder(ctx context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok || a.State != StatePaid || a.ReminderSentAt != nil {
		return false, nil
	}
	a.ReminderSentAt = &at
	return true, nil
}

func (r *InMemoryRepository) ReleaseReminder(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.items[id]; ok {
		a.ReminderSentAt = nil
	}
	return nil
}
