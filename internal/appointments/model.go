// Package appointments owns the appointment lifecycle: booking, payment
// confirmation, cancellation and completion.
package appointments

import (
	"strings"
	"time"

	"github.com/wolfman30/clinic-scheduler/internal/notify"
	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
	"github.com/wolfman30/clinic-scheduler/internal/slots"
)

// State is the single lifecycle field of an appointment.
type State string

const (
	StateCreated   State = "created"
	StatePaid      State = "paid"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StatePaid, StateCompleted, StateCancelled:
		return true
	}
	return false
}

// Appointment is a booked visit. It is never deleted; cancelled and completed
// appointments are kept as terminal records.
type Appointment struct {
	ID                string     `json:"id"`
	DoctorID          string     `json:"doctor_id"`
	PatientID         string     `json:"patient_id"`
	SlotDate          string     `json:"slot_date"`
	SlotTime          string     `json:"slot_time"`
	ScheduledAt       time.Time  `json:"scheduled_at"`
	Amount            float64    `json:"amount"`
	Currency          string     `json:"currency"`
	InsurancePolicyID string     `json:"insurance_policy_id,omitempty"`
	State             State      `json:"state"`
	Version           int        `json:"version"`
	PatientName       string     `json:"patient_name,omitempty"`
	PatientEmail      string     `json:"patient_email,omitempty"`
	DoctorName        string     `json:"doctor_name,omitempty"`
	PaymentSessionID  string     `json:"payment_session_id,omitempty"`
	CancelledBy       string     `json:"cancelled_by,omitempty"`
	ReminderSentAt    *time.Time `json:"reminder_sent_at,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Slot returns the doctor slot the appointment holds.
func (a *Appointment) Slot() slots.Slot {
	return slots.Slot{DateKey: a.SlotDate, Time: a.SlotTime}
}

// Visit projects the fields notification templates use.
func (a *Appointment) Visit() notify.Visit {
	return notify.Visit{
		AppointmentID: a.ID,
		PatientName:   a.PatientName,
		DoctorName:    a.DoctorName,
		DateKey:       a.SlotDate,
		Time:          a.SlotTime,
		ScheduledAt:   a.ScheduledAt,
		Amount:        a.Amount,
		Currency:      a.Currency,
	}
}

// InvolvesParty reports whether id is the appointment's patient or doctor.
func (a *Appointment) InvolvesParty(id string) bool {
	return id != "" && (id == a.PatientID || id == a.DoctorID)
}

// BookingRequest is the input of a booking.
type BookingRequest struct {
	DoctorID          string `json:"doctor_id"`
	PatientID         string `json:"patient_id"`
	SlotDate          string `json:"slot_date"`
	SlotTime          string `json:"slot_time"`
	InsurancePolicyID string `json:"insurance_policy_id,omitempty"`
}

// Validate checks required fields; slot formats are checked by the slots package.
func (r *BookingRequest) Validate() error {
	r.DoctorID = strings.TrimSpace(r.DoctorID)
	r.PatientID = strings.TrimSpace(r.PatientID)
	r.InsurancePolicyID = strings.TrimSpace(r.InsurancePolicyID)
	switch {
	case r.DoctorID == "":
		return scheduling.Validation("doctor_id is required")
	case r.PatientID == "":
		return scheduling.Validation("patient_id is required")
	case strings.TrimSpace(r.SlotDate) == "":
		return scheduling.Validation("slot_date is required")
	case strings.TrimSpace(r.SlotTime) == "":
		return scheduling.Validation("slot_time is required")
	}
	return nil
}

// Patch carries the fields a transition writes alongside the new state.
type Patch struct {
	At               time.Time
	CancelledBy      string
	PaymentSessionID string
}

// Dashboard summarizes a doctor's practice.
type Dashboard struct {
	DoctorID     string         `json:"doctor_id"`
	Earnings     float64        `json:"earnings"`
	Appointments int            `json:"appointments"`
	Patients     int            `json:"patients"`
	ByState      map[State]int  `json:"by_state"`
	Latest       []*Appointment `json:"latest"`
}
