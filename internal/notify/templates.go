package notify

import (
	"fmt"
	"strings"
	"time"
)

// Visit carries what the templates need to describe an appointment.
type Visit struct {
	AppointmentID string
	PatientName   string
	DoctorName    string
	DateKey       string
	Time          string
	ScheduledAt   time.Time
	Amount        float64
	Currency      string
}

// Subject prefixes; stable so that tests and mail filters can match them.
const (
	SubjectConfirmation = "Appointment confirmed"
	SubjectCancellation = "Appointment cancelled"
	SubjectReminder     = "Appointment reminder"
)

func greeting(name string) string {
	if strings.TrimSpace(name) == "" {
		return "Hello,"
	}
	return fmt.Sprintf("Hello %s,", name)
}

func when(v Visit) string {
	if !v.ScheduledAt.IsZero() {
		return v.ScheduledAt.Format("Monday, January 2, 2006 at 3:04 PM")
	}
	return strings.TrimSpace(v.DateKey + " " + v.Time)
}

func doctor(v Visit) string {
	if v.DoctorName == "" {
		return "your doctor"
	}
	return v.DoctorName
}

func money(amount float64, currency string) string {
	if currency == "" {
		currency = "usd"
	}
	return fmt.Sprintf("%.2f %s", amount, strings.ToUpper(currency))
}

// ConfirmationMessage is sent once a payment confirms the booking.
func ConfirmationMessage(v Visit) (subject, body string) {
	subject = fmt.Sprintf("%s with %s", SubjectConfirmation, doctor(v))
	body = fmt.Sprintf(
		"%s\n\nYour appointment with %s on %s is confirmed. We received your payment of %s.\n\nReference: %s\n",
		greeting(v.PatientName), doctor(v), when(v), money(v.Amount, v.Currency), v.AppointmentID,
	)
	return subject, body
}

// CancellationMessage is sent when either party cancels.
func CancellationMessage(v Visit) (subject, body string) {
	subject = fmt.Sprintf("%s with %s", SubjectCancellation, doctor(v))
	body = fmt.Sprintf(
		"%s\n\nYour appointment with %s on %s has been cancelled. The time slot has been released.\n\nReference: %s\n",
		greeting(v.PatientName), doctor(v), when(v), v.AppointmentID,
	)
	return subject, body
}

// ReminderMessage is sent once, roughly a day before the visit.
func ReminderMessage(v Visit) (subject, body string) {
	subject = fmt.Sprintf("%s: %s", SubjectReminder, when(v))
	body = fmt.Sprintf(
		"%s\n\nThis is a reminder that you have an appointment with %s on %s.\n\nReference: %s\n",
		greeting(v.PatientName), doctor(v), when(v), v.AppointmentID,
	)
	return subject, body
}
