package appointments

import (
	"context"
	"errors"
	"testing"
	"time"

	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
)

var appointmentCols = []string{
	"id", "doctor_id", "patient_id", "slot_date", "slot_time", "scheduled_at", "amount", "currency",
	"insurance_policy_id", "state", "version", "patient_name", "patient_email", "doctor_name", "payment_session_id",
	"cancelled_by", "reminder_sent_at", "paid_at", "completed_at", "cancelled_at", "created_at", "updated_at",
}

var scheduled = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func appointmentRow(state string, version int, policyID *string, paidAt *time.Time) []any {
	return []any{
		"appt-1", "doc-1", "pat-1", "1_5_2024", "10:00 AM", scheduled, 100.0, "usd",
		policyID, state, version, "Asha", "asha@example.com", "Dr. Rao", "cs_1",
		"", (*time.Time)(nil), paidAt, (*time.Time)(nil), (*time.Time)(nil), scheduled, scheduled,
	}
}

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *PostgresRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock, NewPostgresRepository(mock)
}

func TestPostgresGet(t *testing.T) {
	mock, repo := newMockRepo(t)
	policy := "pol-1"

	mock.ExpectQuery("(?s)SELECT .* FROM appointments WHERE id").
		WithArgs("appt-1").
		WillReturnRows(pgxmock.NewRows(appointmentCols).AddRow(appointmentRow("created", 1, &policy, nil)...))

	a, err := repo.Get(context.Background(), "appt-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.State != StateCreated || a.InsurancePolicyID != "pol-1" || a.Amount != 100 {
		t.Fatalf("unexpected appointment %+v", a)
	}

	mock.ExpectQuery("(?s)SELECT .* FROM appointments WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	if _, err := repo.Get(context.Background(), "missing"); !scheduling.IsCode(err, scheduling.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresTransition(t *testing.T) {
	mock, repo := newMockRepo(t)
	at := scheduled.Add(-48 * time.Hour)

	mock.ExpectQuery("UPDATE appointments SET").
		WithArgs("appt-1", "created", "paid", at, "", "cs_1").
		WillReturnRows(pgxmock.NewRows(appointmentCols).AddRow(appointmentRow("paid", 2, (*string)(nil), &at)...))

	a, err := repo.Transition(context.Background(), "appt-1", StateCreated, StatePaid, Patch{At: at, PaymentSessionID: "cs_1"})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if a.State != StatePaid || a.Version != 2 || a.PaidAt == nil || a.InsurancePolicyID != "" {
		t.Fatalf("unexpected appointment %+v", a)
	}

	mock.ExpectQuery("UPDATE appointments SET").
		WithArgs("appt-1", "created", "paid", at, "", "").
		WillReturnError(pgx.ErrNoRows)
	if _, err := repo.Transition(context.Background(), "appt-1", StateCreated, StatePaid, Patch{At: at}); !errors.Is(err, ErrTransitionLost) {
		t.Fatalf("expected lost transition, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresCreateDuplicateSlot(t *testing.T) {
	mock, repo := newMockRepo(t)

	mock.ExpectExec("INSERT INTO appointments").
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := repo.Create(context.Background(), &Appointment{ID: "appt-2", SlotDate: "1_5_2024", SlotTime: "10:00 AM", State: StateCreated})
	if !scheduling.IsCode(err, scheduling.CodeConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestPostgresReminderClaim(t *testing.T) {
	mock, repo := newMockRepo(t)
	at := scheduled.Add(-24 * time.Hour)

	mock.ExpectExec("UPDATE appointments SET reminder_sent_at").
		WithArgs("appt-1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE appointments SET reminder_sent_at").
		WithArgs("appt-1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("UPDATE appointments SET reminder_sent_at = NULL").
		WithArgs("appt-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	won, err := repo.ClaimReminder(context.Background(), "appt-1", at)
	if err != nil || !won {
		t.Fatalf("expected first claim to win, got %v %v", won, err)
	}
	won, err = repo.ClaimReminder(context.Background(), "appt-1", at)
	if err != nil || won {
		t.Fatalf("expected second claim to lose, got %v %v", won, err)
	}
	if err := repo.ReleaseReminder(context.Background(), "appt-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresListReminderDue(t *testing.T) {
	mock, repo := newMockRepo(t)
	from := scheduled.Add(-time.Hour)
	to := scheduled.Add(time.Hour)

	mock.ExpectQuery("(?s)SELECT .* FROM appointments\\s+WHERE state = 'paid' AND reminder_sent_at IS NULL").
		WithArgs(from, to, 100).
		WillReturnRows(pgxmock.NewRows(appointmentCols).AddRow(appointmentRow("paid", 2, (*string)(nil), &from)...))

	list, err := repo.ListReminderDue(context.Background(), from, to, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].State != StatePaid {
		t.Fatalf("unexpected reminder list %+v", list)
	}
}

func TestInMemoryReminderClaimOnlyForPaid(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()
	if err := repo.Create(ctx, &Appointment{ID: "a", DoctorID: "d", SlotDate: "1_5_2024", SlotTime: "10:00 AM", State: StateCreated, ScheduledAt: scheduled}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if won, _ := repo.ClaimReminder(ctx, "a", scheduled); won {
		t.Fatalf("created appointment must not be claimable")
	}
	if _, err := repo.Transition(ctx, "a", StateCreated, StatePaid, Patch{}); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if won, _ := repo.ClaimReminder(ctx, "a", scheduled); !won {
		t.Fatalf("expected claim to win")
	}
	due, _ := repo.ListReminderDue(ctx, scheduled.Add(-time.Hour), scheduled.Add(time.Hour), 10)
	if len(due) != 0 {
		t.Fatalf("claimed appointment must not be due again")
	}
	if err := repo.ReleaseReminder(ctx, "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	due, _ = repo.ListReminderDue(ctx, scheduled.Add(-time.Hour), scheduled.Add(time.Hour), 10)
	if len(due) != 1 {
		t.Fatalf("released appointment should be due again")
	}
	if _, err := repo.Transition(ctx, "a", StateCreated, StateCancelled, Patch{}); !errors.Is(err, ErrTransitionLost) {
		t.Fatalf("expected lost transition from stale state, got %v", err)
	}
}
