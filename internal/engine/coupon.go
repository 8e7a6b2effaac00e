package engine

import (
	"time"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/pkg/textnorm"
)

// CouponCheck is the input to ValidateCoupon. Coupon is nil when the code
// does not exist. UserUses is how often the customer already redeemed it.
type CouponCheck struct {
	Code     string
	Coupon   *domain.Coupon
	Customer *domain.Customer
	Cart     *domain.Cart
	Now      time.Time
	UserUses int64
}

// ValidateCoupon runs the coupon checks in order and returns the first
// failing reason, or the empty reason when the coupon may be applied.
func ValidateCoupon(in CouponCheck) domain.ExclusionReason {
	c := in.Coupon
	switch {
	case c == nil:
		return domain.ReasonCouponNotFound
	case c.IsMisconfigured():
		return domain.ReasonMisconfigured
	case !c.IsActive:
		return domain.ReasonCouponInactive
	case !c.ValidFrom.IsZero() && in.Now.Before(c.ValidFrom):
		return domain.ReasonNotStarted
	case !c.ValidUntil.IsZero() && in.Now.After(c.ValidUntil):
		return domain.ReasonExpired
	case c.UsageExhausted():
		return domain.ReasonUsageLimitReached
	}

	if reason := checkUserRestrictions(c, in.Customer, in.Cart, in.UserUses); reason != "" {
		return reason
	}

	if c.MinOrderAmount != nil && c.MinOrderAmount.Amount > 0 {
		if !c.MinOrderAmount.SameCurrency(in.Cart.Subtotal) {
			return domain.ReasonCurrencyMismatch
		}
		if in.Cart.Subtotal.Amount < c.MinOrderAmount.Amount {
			return domain.ReasonMinOrderNotMet
		}
	}

	if c.IsRestrictedToItems() && !anyItemApplicable(c, in.Cart) {
		return domain.ReasonProductNotApplicable
	}

	if len(c.ExcludedProducts) > 0 {
		excluded := toSet(c.ExcludedProducts)
		for _, item := range in.Cart.Items {
			if _, ok := excluded[item.ProductID]; ok {
				return domain.ReasonProductExcluded
			}
		}
	}

	return ""
}

func checkUserRestrictions(c *domain.Coupon, customer *domain.Customer, cart *domain.Cart, userUses int64) domain.ExclusionReason {
	if c.OwnerCustomerID != "" && c.OwnerCustomerID != customer.ID {
		return domain.ReasonCouponNotOwned
	}

	r := c.UserRestrictions
	if len(r.Roles) > 0 && !containsString(r.Roles, customer.Role, false) {
		return domain.ReasonRoleNotAllowed
	}
	if len(r.Segments) > 0 && !containsString(r.Segments, customer.Segment, false) {
		return domain.ReasonSegmentNotAllowed
	}
	if len(r.Cities) > 0 {
		city := cart.EffectiveLocation(customer).City
		if city == "" || !containsString(r.Cities, city, true) {
			return domain.ReasonCityNotAllowed
		}
	}
	if r.MaxUsesPerUser > 0 && userUses >= r.MaxUsesPerUser {
		return domain.ReasonUserLimitReached
	}
	return ""
}

func anyItemApplicable(c *domain.Coupon, cart *domain.Cart) bool {
	products := toSet(c.ApplicableProducts)
	categories := toSet(c.ApplicableCategories)
	for _, item := range cart.Items {
		if _, ok := products[item.ProductID]; ok {
			return true
		}
		if _, ok := categories[item.CategoryID]; ok {
			return true
		}
	}
	return false
}

// CouponEffect derives the single effect a validated coupon contributes.
// Item-restricted coupons discount only the qualifying items.
func CouponEffect(c *domain.Coupon) domain.Effect {
	effect := domain.Effect{
		Value:  c.DiscountValue,
		Target: domain.TargetCartTotal,
	}
	if c.IsRestrictedToItems() {
		effect.Target = domain.TargetSpecificProducts
		effect.ProductIDs = c.ApplicableProducts
		effect.CategoryIDs = c.ApplicableCategories
	}
	if c.MaxDiscountAmount != nil {
		capped := c.MaxDiscountAmount.Amount
		effect.Metadata.MaxDiscountAmount = &capped
	}

	switch c.DiscountType {
	case domain.CouponTypePercentage:
		effect.Type = domain.EffectPercentageDiscount
	case domain.CouponTypeFlat:
		effect.Type = domain.EffectFlatDiscount
	case domain.CouponTypeFreeDelivery:
		effect.Type = domain.EffectFreeDelivery
		effect.Target = domain.TargetDeliveryFee
	}
	return effect
}

func containsString(values []string, s string, fold bool) bool {
	for _, v := range values {
		if v == s || (fold && textnorm.EqualFold(v, s)) {
			return true
		}
	}
	return false
}
