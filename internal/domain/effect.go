package domain

// EffectType names an action produced by a matched rule.
type EffectType string

// Effect types.
const (
	EffectPercentageDiscount EffectType = "percentage_discount"
	EffectFlatDiscount       EffectType = "flat_discount"
	EffectFreeDelivery       EffectType = "free_delivery"
	EffectGenerateCoupon     EffectType = "generate_coupon"
	EffectLoyaltyPoints      EffectType = "loyalty_points"
)

// EffectTarget selects the amount an effect discounts.
type EffectTarget string

// Effect targets.
const (
	TargetCartTotal        EffectTarget = "cart_total"
	TargetDeliveryFee      EffectTarget = "delivery_fee"
	TargetSpecificProducts EffectTarget = "specific_products"
	TargetCategory         EffectTarget = "category"
)

// Effect is a typed monetary or side-effect action. Value is a whole percent
// for percentage discounts and minor units for flat discounts.
type Effect struct {
	Type        EffectType     `json:"type"`
	Value       int64          `json:"value"`
	Target      EffectTarget   `json:"target,omitempty"`
	ProductIDs  []string       `json:"productIds,omitempty"`
	CategoryIDs []string       `json:"categoryIds,omitempty"`
	Metadata    EffectMetadata `json:"metadata,omitempty"`
}

// EffectMetadata carries the optional parameters of an effect.
type EffectMetadata struct {
	MaxDiscountAmount    *int64 `json:"maxDiscountAmount,omitempty"`
	CouponDiscountType   string `json:"couponDiscountType,omitempty"`
	CouponValue          int64  `json:"couponValue,omitempty"`
	CouponValidDays      int    `json:"couponValidDays,omitempty"`
	CouponPrefix         string `json:"couponPrefix,omitempty"`
	CouponMinOrderAmount int64  `json:"couponMinOrderAmount,omitempty"`
	Points               int64  `json:"points,omitempty"`
}

// IsMonetary reports whether the effect changes the cart amount.
func (e Effect) IsMonetary() bool {
	switch e.Type {
	case EffectPercentageDiscount, EffectFlatDiscount, EffectFreeDelivery:
		return true
	default:
		return false
	}
}
