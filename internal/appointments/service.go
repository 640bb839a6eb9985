package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/clinic-scheduler/internal/audit"
	"github.com/wolfman30/clinic-scheduler/internal/doctors"
	"github.com/wolfman30/clinic-scheduler/internal/fees"
	"github.com/wolfman30/clinic-scheduler/internal/insurance"
	"github.com/wolfman30/clinic-scheduler/internal/notify"
	"github.com/wolfman30/clinic-scheduler/internal/observability/metrics"
	"github.com/wolfman30/clinic-scheduler/internal/patients"
	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
	"github.com/wolfman30/clinic-scheduler/internal/slots"
	"github.com/wolfman30/clinic-scheduler/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.appointments")

type doctorReader interface {
	Get(ctx context.Context, id string) (*doctors.Doctor, error)
}

type patientReader interface {
	Get(ctx context.Context, id string) (*patients.Patient, error)
}

type policyReader interface {
	Get(ctx context.Context, id string) (*insurance.Policy, error)
}

// SlotAllocator reserves and releases doctor slots.
type SlotAllocator interface {
	Reserve(ctx context.Context, doctorID, dateKey, clock string) (slots.Slot, error)
	Release(ctx context.Context, doctorID string, s slots.Slot) error
}

// AuditRecorder receives committed lifecycle events.
type AuditRecorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// Deps are the collaborators of a Service. Audit and Metrics are optional.
type Deps struct {
	Appointments Repository
	Doctors      doctorReader
	Patients     patientReader
	Policies     policyReader
	Slots        SlotAllocator
	Fees         *fees.Calculator
	Dispatcher   notify.Dispatcher
	Audit        AuditRecorder
	Metrics      *metrics.SchedulingMetrics
}

// Options tune a Service.
type Options struct {
	Location *time.Location
	Currency string
	Now      func() time.Time
}

// Service is the appointment state machine. Every transition is a
// compare-and-set on the stored state, so concurrent callers cannot both win.
type Service struct {
	repo       Repository
	doctors    doctorReader
	patients   patientReader
	policies   policyReader
	slots      SlotAllocator
	fees       *fees.Calculator
	dispatcher notify.Dispatcher
	audit      AuditRecorder
	metrics    *metrics.SchedulingMetrics
	loc        *time.Location
	currency   string
	now        func() time.Time
	logger     *logging.Logger
}

// NewService wires the state machine.
func NewService(deps Deps, opts Options, logger *logging.Logger) *Service {
	if deps.Appointments == nil || deps.Doctors == nil || deps.Patients == nil || deps.Slots == nil {
		panic("appointments: repositories and slot allocator are required")
	}
	if deps.Dispatcher == nil {
		panic("appointments: dispatcher required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if deps.Fees == nil {
		deps.Fees = fees.NewCalculator(fees.DefaultPartialRate)
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Currency == "" {
		opts.Currency = "usd"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:       deps.Appointments,
		doctors:    deps.Doctors,
		patients:   deps.Patients,
		policies:   deps.Policies,
		slots:      deps.Slots,
		fees:       deps.Fees,
		dispatcher: deps.Dispatcher,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		loc:        opts.Location,
		currency:   strings.ToLower(opts.Currency),
		now:        opts.Now,
		logger:     logger.Component("appointments"),
	}
}

// Book creates an appointment in Created. The fee is computed before the slot
// is reserved so a bad fee never holds a slot; a failed insert releases it.
func (s *Service) Book(ctx context.Context, req BookingRequest) (appt *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointments.book")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			s.metrics.ObserveBooking(string(scheduling.CodeOf(err)))
		} else {
			s.metrics.ObserveBooking("created")
		}
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("clinic.doctor_id", req.DoctorID),
		attribute.String("clinic.patient_id", req.PatientID),
	)

	slot, err := slots.Normalize(req.SlotDate, req.SlotTime)
	if err != nil {
		return nil, err
	}
	scheduledAt, err := slots.ScheduledAt(slot, s.loc)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !scheduledAt.After(now) {
		return nil, scheduling.Validation("slot %s is in the past", slot)
	}

	doctor, err := s.doctors.Get(ctx, req.DoctorID)
	if err != nil {
		return nil, err
	}
	if !doctor.Available {
		return nil, scheduling.Validation("doctor %s is not accepting appointments", doctor.ID)
	}
	patient, err := s.patients.Get(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	policy, err := s.policyFor(ctx, req, scheduledAt)
	if err != nil {
		return nil, err
	}

	amount, err := s.fees.Compute(doctor.BaseFee, policy)
	if err != nil {
		return nil, err
	}

	reserved, err := s.slots.Reserve(ctx, doctor.ID, slot.DateKey, slot.Time)
	if err != nil {
		return nil, err
	}

	appt = &Appointment{
		ID:           uuid.NewString(),
		DoctorID:     doctor.ID,
		PatientID:    patient.ID,
		SlotDate:     reserved.DateKey,
		SlotTime:     reserved.Time,
		ScheduledAt:  scheduledAt.UTC(),
		Amount:       amount,
		Currency:     s.currency,
		State:        StateCreated,
		Version:      1,
		PatientName:  patient.Name,
		PatientEmail: patient.Email,
		DoctorName:   doctor.Name,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if policy != nil {
		appt.InsurancePolicyID = policy.ID
	}

	if err := s.repo.Create(ctx, appt); err != nil {
		if relErr := s.slots.Release(ctx, doctor.ID, reserved); relErr != nil {
			s.logger.Error("failed to release slot after insert failure",
				"doctor_id", doctor.ID, "slot", reserved.String(), "error", relErr)
		}
		if scheduling.CodeOf(err) == scheduling.CodeInternal {
			return nil, scheduling.Internal(err, "store appointment")
		}
		return nil, err
	}

	span.SetAttributes(attribute.String("clinic.appointment_id", appt.ID))
	s.record(ctx, audit.Event{
		AppointmentID: appt.ID,
		EventType:     audit.EventBooked,
		ToState:       string(StateCreated),
		Actor:         patient.ID,
		Details:       detailsJSON(map[string]any{"amount": amount, "slot": reserved.String()}),
	})
	s.logger.Info("appointment booked",
		"appointment_id", appt.ID,
		"doctor_id", appt.DoctorID,
		"patient_id", appt.PatientID,
		"slot_date", appt.SlotDate,
		"slot_time", appt.SlotTime,
		"amount", appt.Amount,
	)
	return appt, nil
}

func (s *Service) policyFor(ctx context.Context, req BookingRequest, scheduledAt time.Time) (*insurance.Policy, error) {
	if req.InsurancePolicyID == "" {
		return nil, nil
	}
	if s.policies == nil {
		return nil, scheduling.Validation("insurance policies are not supported")
	}
	policy, err := s.policies.Get(ctx, req.InsurancePolicyID)
	if err != nil {
		return nil, err
	}
	if policy.PatientID != req.PatientID {
		return nil, scheduling.Validation("insurance policy %s does not belong to patient %s", policy.ID, req.PatientID)
	}
	if !policy.ActiveAt(scheduledAt) {
		return nil, scheduling.Validation("insurance policy %s expires before the visit", policy.ID)
	}
	return policy, nil
}

// ConfirmPayment applies a payment outcome. Confirming an already Paid
// appointment is a no-op and sends nothing; a failed payment leaves the
// appointment in Created.
func (s *Service) ConfirmPayment(ctx context.Context, id string, success bool) (*Appointment, error) {
	return s.ConfirmPaymentSession(ctx, id, "", success)
}

// ConfirmPaymentSession is ConfirmPayment that also stores the gateway session id.
func (s *Service) ConfirmPaymentSession(ctx context.Context, id, sessionID string, success bool) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointments.confirm_payment")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.appointment_id", id),
		attribute.Bool("clinic.payment_success", success),
	)

	appt, err := s.repo.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	switch appt.State {
	case StatePaid:
		return appt, nil
	case StateCompleted, StateCancelled:
		return nil, scheduling.StateErr("appointment %s is %s", id, appt.State)
	}

	if !success {
		s.logger.Info("payment not confirmed; appointment stays created", "appointment_id", id)
		return appt, nil
	}

	paid, err := s.repo.Transition(ctx, id, StateCreated, StatePaid, Patch{At: s.now().UTC(), PaymentSessionID: sessionID})
	if errors.Is(err, ErrTransitionLost) {
		// Another caller moved it first; report what it became.
		current, getErr := s.repo.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.State == StatePaid {
			return current, nil
		}
		return nil, scheduling.StateErr("appointment %s is %s", id, current.State)
	}
	if err != nil {
		span.RecordError(err)
		return nil, scheduling.Internal(err, "mark appointment %s paid", id)
	}

	s.committed(ctx, paid, StateCreated, audit.EventPaid, "", map[string]any{"session_id": sessionID})
	s.send(ctx, "confirmation", paid, notify.ConfirmationMessage)
	return paid, nil
}

// AttachPaymentSession records the checkout session created for a Created appointment.
func (s *Service) AttachPaymentSession(ctx context.Context, id, sessionID string) error {
	err := s.repo.SetPaymentSession(ctx, id, sessionID)
	if errors.Is(err, ErrTransitionLost) {
		return scheduling.StateErr("appointment %s is no longer awaiting payment", id)
	}
	return err
}

// Cancel moves a Created appointment to Cancelled, releases its slot and
// notifies the patient. Only the patient or the doctor may cancel.
//
// Once the transition commits the audit event and the notice always go out.
// A failed slot release is returned as a retryable error; cancelling an
// already Cancelled appointment finishes the release and returns it.
func (s *Service) Cancel(ctx context.Context, id, requesterID string) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointments.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.appointment_id", id))

	appt, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !appt.InvolvesParty(requesterID) {
		return nil, scheduling.Forbidden("requester may not cancel appointment %s", id)
	}

	switch appt.State {
	case StateCancelled:
		if err := s.releaseCancelled(ctx, appt); err != nil {
			return nil, scheduling.External(err, "appointment %s is cancelled but its slot is still held; retry cancel", id)
		}
		return appt, nil
	case StatePaid, StateCompleted:
		return nil, scheduling.StateErr("appointment %s is %s and cannot be cancelled", id, appt.State)
	}

	cancelled, err := s.repo.Transition(ctx, id, StateCreated, StateCancelled, Patch{At: s.now().UTC(), CancelledBy: requesterID})
	if errors.Is(err, ErrTransitionLost) {
		current, getErr := s.repo.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if current.State == StateCancelled {
			return current, nil
		}
		return nil, scheduling.StateErr("appointment %s is %s", id, current.State)
	}
	if err != nil {
		span.RecordError(err)
		return nil, scheduling.Internal(err, "cancel appointment %s", id)
	}

	s.committed(ctx, cancelled, StateCreated, audit.EventCancelled, requesterID, nil)
	s.send(ctx, "cancellation", cancelled, notify.CancellationMessage)
	if err := s.release(ctx, cancelled); err != nil {
		return nil, scheduling.External(err, "appointment %s cancelled but slot release failed; retry cancel", id)
	}
	return cancelled, nil
}

// Complete marks a Paid appointment Completed. Only the doctor may do so.
func (s *Service) Complete(ctx context.Context, id, requesterID string) (*Appointment, error) {
	ctx, span := tracer.Start(ctx, "appointments.complete")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.appointment_id", id))

	appt, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if requesterID == "" || requesterID != appt.DoctorID {
		return nil, scheduling.Forbidden("only the doctor may complete appointment %s", id)
	}
	if appt.State != StatePaid {
		return nil, scheduling.StateErr("appointment %s is %s; only paid appointments can be completed", id, appt.State)
	}

	done, err := s.repo.Transition(ctx, id, StatePaid, StateCompleted, Patch{At: s.now().UTC()})
	if errors.Is(err, ErrTransitionLost) {
		return nil, scheduling.StateErr("appointment %s changed concurrently", id)
	}
	if err != nil {
		span.RecordError(err)
		return nil, scheduling.Internal(err, "complete appointment %s", id)
	}
	s.committed(ctx, done, StatePaid, audit.EventCompleted, requesterID, nil)
	return done, nil
}

// Get loads one appointment.
func (s *Service) Get(ctx context.Context, id string) (*Appointment, error) {
	return s.repo.Get(ctx, id)
}

// ListForPatient returns the patient's appointments, newest visit first.
func (s *Service) ListForPatient(ctx context.Context, patientID string) ([]*Appointment, error) {
	return s.repo.ListByPatient(ctx, patientID)
}

// ListForDoctor returns the doctor's appointments, newest visit first.
func (s *Service) ListForDoctor(ctx context.Context, doctorID string) ([]*Appointment, error) {
	return s.repo.ListByDoctor(ctx, doctorID)
}

const dashboardLatest = 5

// Dashboard aggregates a doctor's appointments. Earnings count Paid and
// Completed amounts only.
func (s *Service) Dashboard(ctx context.Context, doctorID string) (*Dashboard, error) {
	if _, err := s.doctors.Get(ctx, doctorID); err != nil {
		return nil, err
	}
	list, err := s.repo.ListByDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	d := &Dashboard{DoctorID: doctorID, ByState: make(map[State]int), Appointments: len(list)}
	seen := make(map[string]struct{})
	for _, a := range list {
		d.ByState[a.State]++
		seen[a.PatientID] = struct{}{}
		if a.State == StatePaid || a.State == StateCompleted {
			d.Earnings += a.Amount
		}
	}
	d.Patients = len(seen)
	d.Earnings = math.Round(d.Earnings*100) / 100

	latest := append([]*Appointment(nil), list...)
	sort.SliceStable(latest, func(i, j int) bool { return latest[i].CreatedAt.After(latest[j].CreatedAt) })
	if len(latest) > dashboardLatest {
		latest = latest[:dashboardLatest]
	}
	d.Latest = latest
	return d, nil
}

func (s *Service) release(ctx context.Context, a *Appointment) error {
	err := s.slots.Release(ctx, a.DoctorID, a.Slot())
	if err != nil {
		s.logger.Error("slot release failed",
			"appointment_id", a.ID, "doctor_id", a.DoctorID, "slot", a.Slot().String(), "error", err)
	}
	return err
}

// releaseCancelled frees a cancelled appointment's slot unless a live
// appointment has since booked it.
func (s *Service) releaseCancelled(ctx context.Context, a *Appointment) error {
	list, err := s.repo.ListByDoctor(ctx, a.DoctorID)
	if err != nil {
		return err
	}
	for _, other := range list {
		if other.ID != a.ID && other.State != StateCancelled &&
			other.SlotDate == a.SlotDate && other.SlotTime == a.SlotTime {
			return nil
		}
	}
	return s.release(ctx, a)
}

func (s *Service) committed(ctx context.Context, a *Appointment, from State, eventType audit.EventType, actor string, details map[string]any) {
	s.metrics.ObserveTransition(string(from), string(a.State))
	s.logger.Info("appointment transitioned",
		"appointment_id", a.ID, "from", from, "to", a.State, "version", a.Version)
	s.record(ctx, audit.Event{
		AppointmentID: a.ID,
		EventType:     eventType,
		FromState:     string(from),
		ToState:       string(a.State),
		Actor:         actor,
		Details:       detailsJSON(details),
	})
}

func (s *Service) record(ctx context.Context, event audit.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, event); err != nil {
		s.logger.Warn("audit record failed", "appointment_id", event.AppointmentID, "event_type", event.EventType, "error", err)
	}
}

// send delivers a notification after a committed transition. Delivery
// failures are logged and counted, never returned: the state change stands.
func (s *Service) send(ctx context.Context, kind string, a *Appointment, render func(notify.Visit) (string, string)) {
	if a.PatientEmail == "" {
		s.logger.Warn("no recipient for notification", "appointment_id", a.ID, "kind", kind)
		return
	}
	subject, body := render(a.Visit())
	err := s.dispatcher.Send(ctx, a.PatientEmail, subject, body)
	s.metrics.ObserveNotification(kind, err)
	if err != nil {
		s.logger.Warn("notification failed", "appointment_id", a.ID, "kind", kind, "error", err)
	}
}

func detailsJSON(v map[string]any) json.RawMessage {
	if len(v) == 0 {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
