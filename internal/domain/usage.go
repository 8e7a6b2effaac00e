package domain

import "time"

// Decision is the outcome recorded in the audit trail for one candidate.
type Decision string

// Audit decisions.
const (
	DecisionApplied           Decision = "applied"
	DecisionExcluded          Decision = "excluded"
	DecisionConflictResolved  Decision = "conflict_resolved"
	DecisionBudgetExceeded    Decision = "budget_exceeded"
	DecisionUsageLimitReached Decision = "usage_limit_reached"
)

// ExclusionReason explains why a candidate did not apply. Exclusions are
// business outcomes, never errors.
type ExclusionReason string

// Exclusion reasons.
const (
	ReasonNotActive            ExclusionReason = "not_active"
	ReasonMisconfigured        ExclusionReason = "misconfigured"
	ReasonNotStarted           ExclusionReason = "not_started"
	ReasonExpired              ExclusionReason = "expired"
	ReasonUsageLimitReached    ExclusionReason = "usage_limit_reached"
	ReasonUserLimitReached     ExclusionReason = "user_limit_reached"
	ReasonRuleLimitReached     ExclusionReason = "rule_limit_reached"
	ReasonBudgetExceeded       ExclusionReason = "budget_exceeded"
	ReasonConditionsNotMet     ExclusionReason = "conditions_not_met"
	ReasonConflictResolved     ExclusionReason = "conflict_resolved"
	ReasonNoEffect             ExclusionReason = "no_effect"
	ReasonCouponNotFound       ExclusionReason = "coupon_not_found"
	ReasonCouponInactive       ExclusionReason = "coupon_inactive"
	ReasonCouponNotOwned       ExclusionReason = "coupon_not_owned"
	ReasonMinOrderNotMet       ExclusionReason = "min_order_not_met"
	ReasonProductNotApplicable ExclusionReason = "product_not_applicable"
	ReasonProductExcluded      ExclusionReason = "product_excluded"
	ReasonRoleNotAllowed       ExclusionReason = "role_not_allowed"
	ReasonSegmentNotAllowed    ExclusionReason = "segment_not_allowed"
	ReasonCityNotAllowed       ExclusionReason = "city_not_allowed"
	ReasonCurrencyMismatch     ExclusionReason = "currency_mismatch"
)

// Decision maps an exclusion reason onto the audit decision it is recorded as.
func (r ExclusionReason) Decision() Decision {
	switch r {
	case ReasonUsageLimitReached, ReasonUserLimitReached, ReasonRuleLimitReached:
		return DecisionUsageLimitReached
	case ReasonBudgetExceeded:
		return DecisionBudgetExceeded
	case ReasonConflictResolved:
		return DecisionConflictResolved
	default:
		return DecisionExcluded
	}
}

// CampaignUsage is one committed application of a campaign or coupon to an
// order. Rows are immutable once written.
type CampaignUsage struct {
	ID              string    `json:"id"`
	CampaignID      string    `json:"campaignId,omitempty"`
	CouponCode      string    `json:"couponCode,omitempty"`
	RuleID          string    `json:"ruleId,omitempty"`
	CustomerID      string    `json:"customerId"`
	OrderID         string    `json:"orderId"`
	DiscountApplied Money     `json:"discountApplied"`
	CreatedAt       time.Time `json:"createdAt"`
}

// CampaignAudit is one append-only decision record.
type CampaignAudit struct {
	ID         string         `json:"id"`
	RequestID  string         `json:"requestId"`
	CampaignID string         `json:"campaignId,omitempty"`
	CouponCode string         `json:"couponCode,omitempty"`
	CustomerID string         `json:"customerId"`
	OrderID    string         `json:"orderId,omitempty"`
	Decision   Decision       `json:"decision"`
	Reason     string         `json:"reason,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}
