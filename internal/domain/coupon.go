package domain

import (
	"strings"
	"time"
)

// Coupon discount types.
const (
	CouponTypePercentage   = "percentage"
	CouponTypeFlat         = "flat"
	CouponTypeFreeDelivery = "free_delivery"
)

// Coupon is a code-activated discount with its own limits, optionally
// linked to a campaign. A zero UsageLimit means unlimited.
type Coupon struct {
	ID                   string           `json:"id"`
	Code                 string           `json:"code"`
	CampaignID           string           `json:"campaignId,omitempty"`
	DiscountType         string           `json:"discountType"`
	DiscountValue        int64            `json:"discountValue"`
	MinOrderAmount       *Money           `json:"minOrderAmount,omitempty"`
	MaxDiscountAmount    *Money           `json:"maxDiscountAmount,omitempty"`
	UsageLimit           int64            `json:"usageLimit"`
	UsageCount           int64            `json:"usageCount"`
	ValidFrom            time.Time        `json:"validFrom"`
	ValidUntil           time.Time        `json:"validUntil"`
	ApplicableProducts   []string         `json:"applicableProducts,omitempty"`
	ApplicableCategories []string         `json:"applicableCategories,omitempty"`
	ExcludedProducts     []string         `json:"excludedProducts,omitempty"`
	UserRestrictions     UserRestrictions `json:"userRestrictions"`
	IsActive             bool             `json:"isActive"`
	IsExclusive          bool             `json:"isExclusive"`
	OwnerCustomerID      string           `json:"ownerCustomerId,omitempty"`
	CreatedAt            time.Time        `json:"createdAt"`

	// Misconfigured holds the decode error of a stored coupon column.
	Misconfigured string `json:"misconfigured,omitempty"`
}

// UserRestrictions limits who may redeem a coupon. Empty sets do not restrict.
type UserRestrictions struct {
	Roles          []string `json:"roles,omitempty"`
	Segments       []string `json:"segments,omitempty"`
	Cities         []string `json:"cities,omitempty"`
	MaxUsesPerUser int64    `json:"maxUsesPerUser,omitempty"`
}

// IsMisconfigured reports whether the stored coupon failed to decode.
func (c *Coupon) IsMisconfigured() bool {
	return c.Misconfigured != ""
}

// UsageExhausted reports whether the global usage cap has been reached.
func (c *Coupon) UsageExhausted() bool {
	return c.UsageLimit > 0 && c.UsageCount >= c.UsageLimit
}

// IsRestrictedToItems reports whether the coupon only applies to specific
// products or categories.
func (c *Coupon) IsRestrictedToItems() bool {
	return len(c.ApplicableProducts) > 0 || len(c.ApplicableCategories) > 0
}

// NormalizeCode canonicalizes a coupon code for lookup.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCouponTypes returns the set of coupon discount types.
func ValidCouponTypes() []string {
	return []string{CouponTypePercentage, CouponTypeFlat, CouponTypeFreeDelivery}
}
