// Package fees computes what a patient owes for a visit.
package fees

import (
	"math"

	"github.com/wolfman30/clinic-scheduler/internal/insurance"
	"github.com/wolfman30/clinic-scheduler/internal/scheduling"
)

// DefaultPartialRate is the share of the base fee a partially covered patient pays.
const DefaultPartialRate = 0.10

// Calculator applies insurance coverage to a doctor's base fee.
type Calculator struct {
	partialRate float64
}

// NewCalculator returns a calculator charging partialRate of the base fee under
// partial coverage. Rates outside (0, 1] fall back to DefaultPartialRate.
func NewCalculator(partialRate float64) *Calculator {
	if math.IsNaN(partialRate) || partialRate <= 0 || partialRate > 1 {
		partialRate = DefaultPartialRate
	}
	return &Calculator{partialRate: partialRate}
}

// PartialRate exposes the configured multiplier.
func (c *Calculator) PartialRate() float64 {
	if c == nil {
		return DefaultPartialRate
	}
	return c.partialRate
}

// Compute returns the amount owed. No policy pays the base fee, full coverage
// pays nothing, anything else pays the partial rate. The result is rounded to cents.
func (c *Calculator) Compute(baseFee float64, policy *insurance.Policy) (float64, error) {
	if math.IsNaN(baseFee) || math.IsInf(baseFee, 0) {
		return 0, scheduling.Calculation("base fee %v is not a finite number", baseFee)
	}
	if baseFee < 0 {
		return 0, scheduling.Calculation("base fee %v is negative", baseFee)
	}

	var amount float64
	switch {
	case policy == nil:
		amount = baseFee
	case policy.Coverage() == insurance.CoverageFull:
		amount = 0
	default:
		amount = baseFee * c.PartialRate()
	}

	amount = math.Round(amount*100) / 100
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return 0, scheduling.Calculation("computed fee %v is invalid", amount)
	}
	return amount, nil
}

// ComputeOptional is Compute for callers holding a possibly missing fee.
func (c *Calculator) ComputeOptional(baseFee *float64, policy *insurance.Policy) (float64, error) {
	if baseFee == nil {
		return 0, scheduling.Calculation("base fee is missing")
	}
	return c.Compute(*baseFee, policy)
}
