// Package payments connects appointments to the payment gateway: checkout
// sessions, payment verification and provider webhooks.
package payments

import (
	"context"
	"math"
)

// CheckoutParams describe the session to open for one appointment.
type CheckoutParams struct {
	AppointmentID string
	PatientID     string
	PatientEmail  string
	AmountCents   int64
	Currency      string
	Description   string
	SuccessURL    string
	CancelURL     string
}

// CheckoutSession is what the patient is redirected to.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Gateway opens checkout sessions and reports whether they were paid.
// Errors are external-service errors and safe to retry.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	Confirm(ctx context.Context, sessionID string) (bool, error)
}

// ToCents converts an amount in major units to the smallest currency unit.
func ToCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
