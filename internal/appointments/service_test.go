package appointments

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-scheduler/internal/audit"
	"github.com/wolfman30/clinic-scheduler/internal/doctors"
	"github.com/wolfman30/clinic-scheduler/internal/fees"
	"github.com/wolfman30/clinic-scheduler/internal/insurance"
	"github.com/wolfman30/clinic-scheduler/internal/notify"
	"github.com/wolfman30/clinic-scheduler/internal/patients"
	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
	"github.com/wolfman30/clinic-scheduler/internal/slots"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

type memoryTrail struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memoryTrail) Record(ctx context.Context, event audit.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memoryTrail) types() []audit.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]audit.EventType, len(m.events))
	for i, e := range m.events {
		out[i] = e.EventType
	}
	return out
}

type fixture struct {
	svc        *Service
	repo       *InMemoryRepository
	store      *slots.MemoryStore
	dispatcher *notify.MemoryDispatcher
	doctors    *doctors.InMemoryRepository
	trail      *memoryTrail
}

var fixtureNow = time.Date(2024, 4, 28, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithRepo(t, NewInMemoryRepository())
}

func newFixtureWithRepo(t *testing.T, repo Repository) *fixture {
	t.Helper()
	return newFixtureWith(t, repo, nil)
}

func newFixtureWith(t *testing.T, repo Repository, wrap func(SlotAllocator) SlotAllocator) *fixture {
	t.Helper()
	ctx := context.Background()

	doctorRepo := doctors.NewInMemoryRepository()
	_, err := doctorRepo.Upsert(ctx, &doctors.Doctor{ID: "doc-1", Name: "Dr. Rao", BaseFee: 1000, Available: true})
	require.NoError(t, err)
	_, err = doctorRepo.Upsert(ctx, &doctors.Doctor{ID: "doc-off", Name: "Dr. Away", BaseFee: 800, Available: false})
	require.NoError(t, err)

	patientRepo := patients.NewInMemoryRepository()
	_, err = patientRepo.Upsert(ctx, &patients.Patient{ID: "pat-1", Name: "Asha", Email: "asha@example.com"})
	require.NoError(t, err)
	_, err = patientRepo.Upsert(ctx, &patients.Patient{ID: "pat-2", Name: "Ben", Email: "ben@example.com"})
	require.NoError(t, err)

	policies := insurance.NewInMemoryRepository()
	policies.Put(&insurance.Policy{ID: "pol-full", PatientID: "pat-1", Provider: "Acme", CoverageDetails: "Full coverage", ValidTill: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)})
	policies.Put(&insurance.Policy{ID: "pol-partial", PatientID: "pat-1", Provider: "Acme", CoverageDetails: "80% co-insurance", ValidTill: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)})
	policies.Put(&insurance.Policy{ID: "pol-expired", PatientID: "pat-1", Provider: "Acme", CoverageDetails: "full", ValidTill: time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)})
	policies.Put(&insurance.Policy{ID: "pol-ben", PatientID: "pat-2", Provider: "Acme", CoverageDetails: "full", ValidTill: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)})

	store := slots.NewMemoryStore()
	dispatcher := notify.NewMemoryDispatcher()
	trail := &memoryTrail{}
	var allocator SlotAllocator = slots.NewAllocator(store, logging.Default())
	if wrap != nil {
		allocator = wrap(allocator)
	}

	svc := NewService(Deps{
		Appointments: repo,
		Doctors:      doctorRepo,
		Patients:     patientRepo,
		Policies:     policies,
		Slots:        allocator,
		Fees:         fees.NewCalculator(0.10),
		Dispatcher:   dispatcher,
		Audit:        trail,
	}, Options{Location: time.UTC, Now: func() time.Time { return fixtureNow }}, logging.Default())

	f := &fixture{svc: svc, store: store, dispatcher: dispatcher, doctors: doctorRepo, trail: trail}
	if mem, ok := repo.(*InMemoryRepository); ok {
		f.repo = mem
	}
	return f
}

func (f *fixture) book(t *testing.T, patientID, policyID, dateKey, clock string) *Appointment {
	t.Helper()
	appt, err := f.svc.Book(context.Background(), BookingRequest{
		DoctorID:          "doc-1",
		PatientID:         patientID,
		SlotDate:          dateKey,
		SlotTime:          clock,
		InsurancePolicyID: policyID,
	})
	require.NoError(t, err)
	return appt
}

func (f *fixture) slotBooked(t *testing.T, s slots.Slot) bool {
	t.Helper()
	booked, err := f.store.BookedOn(context.Background(), "doc-1", s.DateKey)
	require.NoError(t, err)
	return booked.Has(s)
}

func TestFullLifecycleWithFullCoverage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt := f.book(t, "pat-1", "pol-full", "2024_5_1", "10:00 AM")
	assert.Equal(t, StateCreated, appt.State)
	assert.Equal(t, 0.0, appt.Amount)
	assert.Equal(t, "1_5_2024", appt.SlotDate)
	assert.Equal(t, "10:00 AM", appt.SlotTime)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), appt.ScheduledAt)
	assert.True(t, f.slotBooked(t, appt.Slot()))

	paid, err := f.svc.ConfirmPayment(ctx, appt.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatePaid, paid.State)
	assert.NotNil(t, paid.PaidAt)
	assert.Equal(t, 1, f.dispatcher.Count(notify.SubjectConfirmation))

	done, err := f.svc.Complete(ctx, appt.ID, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, done.State)

	assert.Equal(t, []audit.EventType{audit.EventBooked, audit.EventPaid, audit.EventCompleted}, f.trail.types())
}

func TestBookComputesFee(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		policy string
		clock  string
		want   float64
	}{
		{"no insurance", "", "10:00 AM", 1000},
		{"partial coverage", "pol-partial", "10:30 AM", 100},
		{"full coverage", "pol-full", "11:00 AM", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appt := f.book(t, "pat-1", tt.policy, "1_5_2024", tt.clock)
			assert.Equal(t, tt.want, appt.Amount)
			assert.Equal(t, tt.policy, appt.InsurancePolicyID)
		})
	}
}

func TestBookRejections(t *testing.T) {
	tests := []struct {
		name string
		req  BookingRequest
		want scheduling.Code
	}{
		{"missing doctor", BookingRequest{PatientID: "pat-1", SlotDate: "1_5_2024", SlotTime: "10:00 AM"}, scheduling.CodeValidation},
		{"malformed time", BookingRequest{DoctorID: "doc-1", PatientID: "pat-1", SlotDate: "1_5_2024", SlotTime: "25:00"}, scheduling.CodeValidation},
		{"past slot", BookingRequest{DoctorID: "doc-1", PatientID: "pat-1", SlotDate: "27_4_2024", SlotTime: "10:00 AM"}, scheduling.CodeValidation},
		{"unknown doctor", BookingRequest{DoctorID: "doc-x", PatientID: "pat-1", SlotDate: "1_5_2024", SlotTime: "10:00 AM"}, scheduling.CodeNotFound},
		{"unavailable doctor", BookingRequest{DoctorID: "doc-off", PatientID: "pat-1", SlotDate: "1_5_2024", SlotTime: "10:00 AM"}, scheduling.CodeValidation},
		{"unknown patient", BookingRequest{DoctorID: "doc-1", PatientID: "pat-x", SlotDate: "1_5_2024", SlotTime: "10:00 AM"}, scheduling.CodeNotFound},
		{"foreign policy", BookingRequest{DoctorID: "doc-1", PatientID: "pat-1", SlotDate: "1_5_2024", SlotTime: "10:00 AM", InsurancePolicyID: "pol-ben"}, scheduling.CodeValidation},
		{"expired policy", BookingRequest{DoctorID: "doc-1", PatientID: "pat-1", SlotDate: "1_5_2024", SlotTime: "10:00 AM", InsurancePolicyID: "pol-expired"}, scheduling.CodeValidation},
		{"unknown policy", BookingRequest{DoctorID: "doc-1", PatientID: "pat-1", SlotDate: "1_5_2024", SlotTime: "10:00 AM", InsurancePolicyID: "pol-x"}, scheduling.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.Book(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.want, scheduling.CodeOf(err))
			assert.Equal(t, 0, f.store.DayCount("doc-1"), "rejected booking must not hold a slot")
		})
	}
}

func TestBookRejectsInvalidFeeWithoutReserving(t *testing.T) {
	f := newFixture(t)
	_, err := f.doctors.Upsert(context.Background(), &doctors.Doctor{ID: "doc-1", Name: "Dr. Rao", BaseFee: -5, Available: true})
	require.NoError(t, err)

	_, err = f.svc.Book(context.Background(), BookingRequest{DoctorID: "doc-1", PatientID: "pat-1", SlotDate: "1_5_2024", SlotTime: "10:00 AM"})
	require.Error(t, err)
	assert.Equal(t, scheduling.CodeCalculation, scheduling.CodeOf(err))
	assert.Equal(t, 0, f.store.DayCount("doc-1"))
}

func TestBookSameSlotConflicts(t *testing.T) {
	f := newFixture(t)
	f.book(t, "pat-1", "", "1_5_2024", "10:00 AM")

	_, err := f.svc.Book(context.Background(), BookingRequest{DoctorID: "doc-1", PatientID: "pat-2", SlotDate: "2024_5_1", SlotTime: "10:00 am"})
	require.Error(t, err)
	assert.Equal(t, scheduling.CodeConflict, scheduling.CodeOf(err))
}

func TestConcurrentBookingsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	const callers = 16

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Book(context.Background(), BookingRequest{DoctorID: "doc-1", PatientID: "pat-2", SlotDate: "1_5_2024", SlotTime: "02:00 PM"})
			switch {
			case err == nil:
				wins.Add(1)
			case scheduling.IsCode(err, scheduling.CodeConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(callers-1), conflicts.Load())
	list, err := f.svc.ListForPatient(context.Background(), "pat-2")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

type failingCreateRepo struct {
	*InMemoryRepository
}

func (failingCreateRepo) Create(ctx context.Context, a *Appointment) error {
	return errors.New("connection refused")
}

func TestBookReleasesSlotWhenInsertFails(t *testing.T) {
	f := newFixtureWithRepo(t, failingCreateRepo{NewInMemoryRepository()})

	_, err := f.svc.Book(context.Background(), BookingRequest{DoctorID: "doc-1", PatientID: "pat-1", SlotDate: "1_5_2024", SlotTime: "10:00 AM"})
	require.Error(t, err)
	assert.Equal(t, scheduling.CodeInternal, scheduling.CodeOf(err))
	assert.Equal(t, 0, f.store.DayCount("doc-1"))
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, "pat-1", "", "1_5_2024", "10:00 AM")

	first, err := f.svc.ConfirmPayment(context.Background(), appt.ID, true)
	require.NoError(t, err)
	second, err := f.svc.ConfirmPayment(context.Background(), appt.ID, true)
	require.NoError(t, err)

	assert.Equal(t, StatePaid, second.State)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, 1, f.dispatcher.Count(notify.SubjectConfirmation))
}

func TestConcurrentConfirmationsDispatchOnce(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, "pat-1", "", "1_5_2024", "10:00 AM")

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.ConfirmPayment(context.Background(), appt.ID, true)
			if err != nil || got.State != StatePaid {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 1, f.dispatcher.Count(notify.SubjectConfirmation))
}

func TestFailedPaymentLeavesCreated(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, "pat-1", "", "1_5_2024", "10:00 AM")

	got, err := f.svc.ConfirmPayment(context.Background(), appt.ID, false)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, got.State)
	assert.Empty(t, f.dispatcher.Messages())
}

func TestConfirmPaymentSurvivesNotificationFailure(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, "pat-1", "", "1_5_2024", "10:00 AM")
	f.dispatcher.FailNext(1)

	got, err := f.svc.ConfirmPayment(context.Background(), appt.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatePaid, got.State)
	assert.Empty(t, f.dispatcher.Messages())
}

func TestConfirmUnknownAppointment(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ConfirmPayment(context.Background(), "nope", true)
	assert.Equal(t, scheduling.CodeNotFound, scheduling.CodeOf(err))
}

func TestCancelThenConfirmIsStateError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.book(t, "pat-1", "", "1_5_2024", "10:00 AM")

	cancelled, err := f.svc.Cancel(ctx, appt.ID, "pat-1")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)
	assert.Equal(t, "pat-1", cancelled.CancelledBy)
	assert.False(t, f.slotBooked(t, appt.Slot()))
	assert.Equal(t, 1, f.dispatcher.Count(notify.SubjectCancellation))

	_, err = f.svc.ConfirmPayment(ctx, appt.ID, true)
	require.Error(t, err)
	assert.Equal(t, scheduling.CodeState, scheduling.CodeOf(err))
	assert.Zero(t, f.dispatcher.Count(notify.SubjectConfirmation))
}

func TestCancelledSlotCanBeRebooked(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, "pat-1", "", "1_5_2024", "10:00 AM")
	_, err := f.svc.Cancel(context.Background(), appt.ID, "doc-1")
	require.NoError(t, err)

	again := f.book(t, "pat-2", "", "1_5_2024", "10:00 AM")
	assert.NotEqual(t, appt.ID, again.ID)
	assert.True(t, f.slotBooked(t, again.Slot()))
}

func TestCancelRules(t *testing.T) {
	ctx := context.Background()

	t.Run("stranger is forbidden", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, "pat-1", "", "1_5_2024", "10:00 AM")
		_, err := f.svc.Cancel(ctx, appt.ID, "pat-2")
		assert.Equal(t, scheduling.CodeForbidden, scheduling.CodeOf(err))
		got, err := f.svc.Get(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, StateCreated, got.State)
		assert.True(t, f.slotBooked(t, appt.Slot()))
	})

	t.Run("paid cannot be cancelled", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, "pat-1", "", "1_5_2024", "10:00 AM")
		_, err := f.svc.ConfirmPayment(ctx, appt.ID, true)
		require.NoError(t, err)
		_, err = f.svc.Cancel(ctx, appt.ID, "pat-1")
		assert.Equal(t, scheduling.CodeState, scheduling.CodeOf(err))
		assert.True(t, f.slotBooked(t, appt.Slot()))
	})

	t.Run("second cancel returns the cancelled appointment", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, "pat-1", "", "1_5_2024", "10:00 AM")
		_, err := f.svc.Cancel(ctx, appt.ID, "pat-1")
		require.NoError(t, err)
		again, err := f.svc.Cancel(ctx, appt.ID, "pat-1")
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, again.State)
		assert.Equal(t, 1, f.dispatcher.Count(notify.SubjectCancellation))
	})

	t.Run("second cancel leaves a rebooked slot alone", func(t *testing.T) {
		f := newFixture(t)
		appt := f.book(t, "pat-1", "", "1_5_2024", "10:00 AM")
		_, err := f.svc.Cancel(ctx, appt.ID, "pat-1")
		require.NoError(t, err)
		rebooked := f.book(t, "pat-2", "", "1_5_2024", "10:00 AM")

		_, err = f.svc.Cancel(ctx, appt.ID, "pat-1")
		require.NoError(t, err)
		assert.True(t, f.slotBooked(t, rebooked.Slot()))
	})
}

func TestCompleteRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	appt := f.book(t, "pat-1", "", "1_5_2024", "10:00 AM")

	_, err := f.svc.Complete(ctx, appt.ID, "doc-1")
	assert.Equal(t, scheduling.CodeState, scheduling.CodeOf(err), "created appointments cannot complete")

	_, err = f.svc.ConfirmPayment(ctx, appt.ID, true)
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, appt.ID, "pat-1")
	assert.Equal(t, scheduling.CodeForbidden, scheduling.CodeOf(err))

	_, err = f.svc.Complete(ctx, appt.ID, "doc-1")
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, appt.ID, "doc-1")
	assert.Equal(t, scheduling.CodeState, scheduling.CodeOf(err))
	_, err = f.svc.ConfirmPayment(ctx, appt.ID, true)
	assert.Equal(t, scheduling.CodeState, scheduling.CodeOf(err))
}

func TestAttachPaymentSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.book(t, "pat-1", "", "1_5_2024", "10:00 AM")

	require.NoError(t, f.svc.AttachPaymentSession(ctx, appt.ID, "cs_1"))
	got, err := f.svc.Get(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, "cs_1", got.PaymentSessionID)

	_, err = f.svc.Cancel(ctx, appt.ID, "pat-1")
	require.NoError(t, err)
	err = f.svc.AttachPaymentSession(ctx, appt.ID, "cs_2")
	assert.Equal(t, scheduling.CodeState, scheduling.CodeOf(err))
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.book(t, "pat-1", "", "1_5_2024", "10:00 AM")
	b := f.book(t, "pat-2", "", "1_5_2024", "10:30 AM")
	c := f.book(t, "pat-1", "pol-partial", "1_5_2024", "11:00 AM")
	f.book(t, "pat-2", "", "1_5_2024", "11:30 AM")

	_, err := f.svc.ConfirmPayment(ctx, a.ID, true)
	require.NoError(t, err)
	_, err = f.svc.ConfirmPayment(ctx, c.ID, true)
	require.NoError(t, err)
	_, err = f.svc.Complete(ctx, c.ID, "doc-1")
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, b.ID, "pat-2")
	require.NoError(t, err)

	d, err := f.svc.Dashboard(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1100.0, d.Earnings)
	assert.Equal(t, 4, d.Appointments)
	assert.Equal(t, 2, d.Patients)
	assert.Equal(t, 1, d.ByState[StateCancelled])
	assert.Len(t, d.Latest, 4)

	_, err = f.svc.Dashboard(ctx, "doc-x")
	assert.Equal(t, scheduling.CodeNotFound, scheduling.CodeOf(err))
}

type failingRelease struct {
	SlotAllocator
	failures atomic.Int32
}

func (f *failingRelease) Release(ctx context.Context, doctorID string, s slots.Slot) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("store unavailable")
	}
	return f.SlotAllocator.Release(ctx, doctorID, s)
}

func TestCancelKeepsSideEffectsWhenReleaseFails(t *testing.T) {
	ctx := context.Background()
	var flaky *failingRelease
	f := newFixtureWith(t, NewInMemoryRepository(), func(a SlotAllocator) SlotAllocator {
		flaky = &failingRelease{SlotAllocator: a}
		return flaky
	})
	appt := f.book(t, "pat-1", "", "1_5_2024", "10:00 AM")
	flaky.failures.Store(1)

	_, err := f.svc.Cancel(ctx, appt.ID, "pat-1")
	require.Error(t, err)
	var se *scheduling.Error
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Retryable())

	got, err := f.svc.Get(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)
	assert.True(t, f.slotBooked(t, appt.Slot()), "slot still held after failed release")
	assert.Equal(t, 1, f.dispatcher.Count(notify.SubjectCancellation))
	assert.Equal(t, []audit.EventType{audit.EventBooked, audit.EventCancelled}, f.trail.types())

	retried, err := f.svc.Cancel(ctx, appt.ID, "pat-1")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, retried.State)
	assert.False(t, f.slotBooked(t, appt.Slot()))
	assert.Equal(t, 1, f.dispatcher.Count(notify.SubjectCancellation))
	assert.Len(t, f.trail.types(), 2)
}
