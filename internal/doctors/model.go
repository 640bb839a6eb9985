// Package doctors manages the doctor directory: base fees, availability and
// accepted insurance providers.
package doctors

import (
	"math"
	"strings"
	"time"

	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
)

// Doctor is a bookable practitioner. BaseFee is the single canonical fee field.
type Doctor struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Email              string    `json:"email"`
	Speciality         string    `json:"speciality"`
	BaseFee            float64   `json:"base_fee"`
	Available          bool      `json:"available"`
	AcceptedInsurances []string  `json:"accepted_insurances"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Accepts reports whether the doctor takes the given insurance provider (case-insensitive).
func (d *Doctor) Accepts(provider string) bool {
	provider = strings.TrimSpace(provider)
	for _, p := range d.AcceptedInsurances {
		if strings.EqualFold(strings.TrimSpace(p), provider) {
			return true
		}
	}
	return false
}

// UpsertDoctorRequest is the ingestion payload. Older clients send the fee as
// "fee"; newer ones as "fees". Both are folded into BaseFee.
type UpsertDoctorRequest struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Email              string   `json:"email"`
	Speciality         string   `json:"speciality"`
	Fees               *float64 `json:"fees,omitempty"`
	Fee                *float64 `json:"fee,omitempty"`
	Available          *bool    `json:"available,omitempty"`
	AcceptedInsurances []string `json:"accepted_insurances"`
}

// NormalizeFee picks the canonical fee: fees wins over the legacy fee field.
// The result must be a positive finite number.
func NormalizeFee(fees, fee *float64) (float64, error) {
	var v *float64
	switch {
	case fees != nil:
		v = fees
	case fee != nil:
		v = fee
	default:
		return 0, scheduling.Validation("doctor fee is required")
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) || *v <= 0 {
		return 0, scheduling.Validation("doctor fee must be a positive number, got %v", *v)
	}
	return *v, nil
}

// Normalize validates the request and builds the doctor it describes.
func (r *UpsertDoctorRequest) Normalize() (*Doctor, error) {
	if strings.TrimSpace(r.Name) == "" {
		return nil, scheduling.Validation("doctor name is required")
	}
	if !strings.Contains(r.Email, "@") {
		return nil, scheduling.Validation("doctor email %q is invalid", r.Email)
	}
	fee, err := NormalizeFee(r.Fees, r.Fee)
	if err != nil {
		return nil, err
	}
	available := true
	if r.Available != nil {
		available = *r.Available
	}
	var insurances []string
	for _, p := range r.AcceptedInsurances {
		if p = strings.TrimSpace(p); p != "" {
			insurances = append(insurances, p)
		}
	}
	return &Doctor{
		ID:                 strings.TrimSpace(r.ID),
		Name:               strings.TrimSpace(r.Name),
		Email:              strings.TrimSpace(r.Email),
		Speciality:         strings.TrimSpace(r.Speciality),
		BaseFee:            fee,
		Available:          available,
		AcceptedInsurances: insurances,
	}, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	InsuranceProvider string
	AvailableOnly     bool
}
