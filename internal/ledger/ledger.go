// Package ledger defines the atomic usage and budget counters that guard
// campaign and coupon limits under concurrent checkouts.
package ledger

import (
	"context"
)

// Kind distinguishes campaign reservations from coupon reservations.
type Kind string

// Reservation kinds.
const (
	KindCampaign Kind = "campaign"
	KindCoupon   Kind = "coupon"
)

// Outcome is the result of a reservation attempt. A lost race is an
// outcome, never an error.
type Outcome string

// Reservation outcomes.
const (
	OutcomeReserved          Outcome = "reserved"
	OutcomeUsageLimitReached Outcome = "usage_limit_reached"
	OutcomeUserLimitReached  Outcome = "user_limit_reached"
	OutcomeRuleLimitReached  Outcome = "rule_limit_reached"
	OutcomeBudgetExceeded    Outcome = "budget_exceeded"
)

// Limits are the caps that apply to one reservation. Zero means unlimited.
type Limits struct {
	MaxUsage            int64
	MaxUsagePerUser     int64
	Budget              int64
	RuleMaxApplications int64
}

// Baseline is the counter state observed in the snapshot the decision was
// computed from. Backends that keep their own counters seed missing
// counters from it; the Postgres backend ignores it.
type Baseline struct {
	Usage            int64
	UserUsage        int64
	Spent            int64
	RuleApplications int64
}

// Reservation asks for one use of a campaign (optionally a rule of it) or a
// coupon by one customer, consuming Amount minor units of budget.
type Reservation struct {
	Kind       Kind
	ID         string
	Code       string
	RuleID     string
	CustomerID string
	Amount     int64
	Limits     Limits
	Baseline   Baseline
}

// Ledger is the only component that mutates shared usage counters. Reserve
// is an atomic check-and-increment; Release compensates a prior Reserve.
type Ledger interface {
	Reserve(ctx context.Context, r Reservation) (Outcome, error)
	Release(ctx context.Context, r Reservation) error
}

// Counters is a point-in-time view of the counters a reservation touches.
type Counters struct {
	Usage            int64
	UserUsage        int64
	Spent            int64
	RuleApplications int64
}

// Check decides the outcome of reserving r against the given counters. The
// order of checks is usage, per-user, rule, budget.
func Check(r Reservation, c Counters) Outcome {
	switch {
	case r.Limits.MaxUsage > 0 && c.Usage >= r.Limits.MaxUsage:
		return OutcomeUsageLimitReached
	case r.Limits.MaxUsagePerUser > 0 && c.UserUsage >= r.Limits.MaxUsagePerUser:
		return OutcomeUserLimitReached
	case r.RuleID != "" && r.Limits.RuleMaxApplications > 0 && c.RuleApplications >= r.Limits.RuleMaxApplications:
		return OutcomeRuleLimitReached
	case r.Limits.Budget > 0 && c.Spent+r.Amount > r.Limits.Budget:
		return OutcomeBudgetExceeded
	default:
		return OutcomeReserved
	}
}
