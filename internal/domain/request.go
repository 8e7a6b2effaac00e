package domain

import "time"

// Request is the (customer, cart, coupon codes) snapshot to price. OrderID is
// only required when the decision is committed.
type Request struct {
	Customer    Customer        `json:"customer" validate:"required"`
	Cart        Cart            `json:"cart" validate:"required"`
	CouponCodes []string        `json:"couponCodes,omitempty" validate:"max=10,dive,required,max=64"`
	Context     *RequestContext `json:"context,omitempty"`
	OrderID     string          `json:"orderId,omitempty" validate:"max=128"`
}

// RequestContext is informational client context. Timestamp is recorded in
// the audit trail but never used as the evaluation clock.
type RequestContext struct {
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	SessionID  string     `json:"sessionId,omitempty" validate:"max=128"`
	DeviceType string     `json:"deviceType,omitempty" validate:"max=32"`
}

// Response is the pricing decision returned to the checkout flow.
type Response struct {
	Success bool         `json:"success"`
	Data    ResponseData `json:"data"`
	Message string       `json:"message"`
}

// ResponseData holds the totals and the decision breakdown.
type ResponseData struct {
	OriginalTotal      Money               `json:"originalTotal"`
	DiscountedTotal    Money               `json:"discountedTotal"`
	TotalDiscount      Money               `json:"totalDiscount"`
	DeliveryFee        Money               `json:"deliveryFee"`
	AppliedCampaigns   []AppliedCampaign   `json:"appliedCampaigns"`
	GeneratedCoupons   []GeneratedCoupon   `json:"generatedCoupons,omitempty"`
	ConflictResolution *ConflictResolution `json:"conflictResolution,omitempty"`
	LoyaltyPoints      int64               `json:"loyaltyPoints"`
	RequestID          string              `json:"requestId"`
}

// AppliedCampaign is one candidate in the applied set. Coupon candidates
// carry CouponCode and the linked campaign id, if any.
type AppliedCampaign struct {
	CampaignID    string         `json:"campaignId"`
	CampaignName  string         `json:"campaignName"`
	RuleID        string         `json:"ruleId"`
	CouponCode    string         `json:"couponCode,omitempty"`
	DiscountType  string         `json:"discountType"`
	DiscountValue int64          `json:"discountValue"`
	AppliedAmount Money          `json:"appliedAmount"`
	Priority      int            `json:"priority"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// GeneratedCoupon is a coupon emitted by a generate_coupon effect. Code is
// empty on a dry-run evaluation and assigned when the decision is committed.
type GeneratedCoupon struct {
	Code           string    `json:"code,omitempty"`
	CampaignID     string    `json:"campaignId"`
	DiscountType   string    `json:"discountType"`
	DiscountValue  int64     `json:"discountValue"`
	MinOrderAmount int64     `json:"minOrderAmount,omitempty"`
	ValidUntil     time.Time `json:"validUntil"`
}

// ConflictResolution explains every candidate that did not apply and every
// priority that was adjusted.
type ConflictResolution struct {
	ExcludedCampaigns   []ExcludedCampaign   `json:"excludedCampaigns"`
	PriorityAdjustments []PriorityAdjustment `json:"priorityAdjustments"`
}

// ExcludedCampaign is one excluded candidate and why.
type ExcludedCampaign struct {
	CampaignID string          `json:"campaignId"`
	CouponCode string          `json:"couponCode,omitempty"`
	RuleID     string          `json:"ruleId,omitempty"`
	Reason     ExclusionReason `json:"reason"`
}

// PriorityAdjustment records a candidate whose effective priority differs
// from its configured one.
type PriorityAdjustment struct {
	CampaignID       string `json:"campaignId"`
	CouponCode       string `json:"couponCode,omitempty"`
	OriginalPriority int    `json:"originalPriority"`
	AdjustedPriority int    `json:"adjustedPriority"`
}
