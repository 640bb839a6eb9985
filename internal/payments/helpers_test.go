package payments

import (
	"context"
	"testing"
	"time"

	"github.com/wolfman30/clinic-scheduler/internal/appointments"
	"github.com/wolfman30/clinic-scheduler/internal/doctors"
	"github.com/wolfman30/clinic-scheduler/internal/fees"
	"github.com/wolfman30/clinic-scheduler/internal/insurance"
	"github.com/wolfman30/clinic-scheduler/internal/notify"
	"github.com/wolfman30/clinic-scheduler/internal/patients"
	"github.com/wolfman30/clinic-scheduler/internal/slots"
)

type booking struct {
	svc        *appointments.Service
	dispatcher *notify.MemoryDispatcher
}

func newBooking(t *testing.T) *booking {
	t.Helper()
	ctx := context.Background()
	doctorRepo := doctors.NewInMemoryRepository()
	if _, err := doctorRepo.Upsert(ctx, &doctors.Doctor{ID: "doc-1", Name: "Dr. Rao", BaseFee: 1000, Available: true}); err != nil {
		t.Fatalf("seed doctor: %v", err)
	}
	patientRepo := patients.NewInMemoryRepository()
	if _, err := patientRepo.Upsert(ctx, &patients.Patient{ID: "pat-1", Name: "Asha", Email: "asha@example.com"}); err != nil {
		t.Fatalf("seed patient: %v", err)
	}
	policies := insurance.NewInMemoryRepository()
	policies.Put(&insurance.Policy{ID: "pol-full", PatientID: "pat-1", CoverageDetails: "full"})

	dispatcher := notify.NewMemoryDispatcher()
	svc := appointments.NewService(appointments.Deps{
		Appointments: appointments.NewInMemoryRepository(),
		Doctors:      doctorRepo,
		Patients:     patientRepo,
		Policies:     policies,
		Slots:        slots.NewAllocator(slots.NewMemoryStore(), nil),
		Fees:         fees.NewCalculator(fees.DefaultPartialRate),
		Dispatcher:   dispatcher,
	}, appointments.Options{Now: func() time.Time { return time.Date(2024, 4, 28, 9, 0, 0, 0, time.UTC) }}, nil)
	return &booking{svc: svc, dispatcher: dispatcher}
}

func (b *booking) book(t *testing.T, clock, policyID string) *appointments.Appointment {
	t.Helper()
	appt, err := b.svc.Book(context.Background(), appointments.BookingRequest{
		DoctorID: "doc-1", PatientID: "pat-1", SlotDate: "1_5_2024", SlotTime: clock, InsurancePolicyID: policyID,
	})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	return appt
}

func (b *booking) state(t *testing.T, id string) appointments.State {
	t.Helper()
	appt, err := b.svc.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return appt.State
}
