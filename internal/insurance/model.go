package insurance

import (
	"strings"
	"time"

	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
)

// Coverage classifies how much of a visit a policy reimburses.
type Coverage string

const (
	CoverageFull    Coverage = "full"
	CoveragePartial Coverage = "partial"
)

// Policy is a patient's insurance policy. Appointments reference it and never mutate it.
type Policy struct {
	ID              string    `json:"id"`
	PatientID       string    `json:"patient_id"`
	Provider        string    `json:"provider"`
	PolicyNumber    string    `json:"policy_number"`
	CoverageDetails string    `json:"coverage_details"`
	ValidTill       time.Time `json:"valid_till"`
	CreatedAt       time.Time `json:"created_at"`
}

// Coverage classifies the free-text coverage description. Any mention of
// "full" (case-insensitive) counts as full coverage; everything else is partial.
func (p *Policy) Coverage() Coverage {
	if p == nil {
		return CoveragePartial
	}
	if strings.Contains(strings.ToLower(p.CoverageDetails), "full") {
		return CoverageFull
	}
	return CoveragePartial
}

// ActiveAt reports whether the policy is still valid at t. A zero ValidTill never expires.
func (p *Policy) ActiveAt(t time.Time) bool {
	if p.ValidTill.IsZero() {
		return true
	}
	return !t.After(p.ValidTill)
}

// CreatePolicyRequest is the payload for registering a policy.
type CreatePolicyRequest struct {
	PatientID       string    `json:"patient_id"`
	Provider        string    `json:"provider"`
	PolicyNumber    string    `json:"policy_number"`
	CoverageDetails string    `json:"coverage_details"`
	ValidTill       time.Time `json:"valid_till"`
}

// Validate checks required fields.
func (r *CreatePolicyRequest) Validate() error {
	if strings.TrimSpace(r.PatientID) == "" {
		return scheduling.Validation("patient_id is required")
	}
	if strings.TrimSpace(r.Provider) == "" {
		return scheduling.Validation("provider is required")
	}
	if strings.TrimSpace(r.PolicyNumber) == "" {
		return scheduling.Validation("policy_number is required")
	}
	if r.ValidTill.IsZero() {
		return scheduling.Validation("valid_till is required")
	}
	return nil
}
