package engine

import (
	"math/bits"
	"sort"

	"github.com/utafrali/promotion-engine/internal/domain"
)

// RunningCart is the cart as adjusted by the effects applied so far. Each
// item keeps its own remaining amount so that later effects only discount
// what earlier ones left. All amounts are minor units.
type RunningCart struct {
	currency string
	items    []runningItem
	delivery int64
}

type runningItem struct {
	productID  string
	categoryID string
	remaining  int64
}

// NewRunningCart starts a running cart from the request cart.
func NewRunningCart(cart *domain.Cart) *RunningCart {
	rc := &RunningCart{
		currency: cart.Currency(),
		items:    make([]runningItem, len(cart.Items)),
		delivery: cart.DeliveryFee.Amount,
	}
	for i, item := range cart.Items {
		rc.items[i] = runningItem{
			productID:  item.ProductID,
			categoryID: item.CategoryID,
			remaining:  item.TotalPrice.Amount,
		}
	}
	return rc
}

// Clone returns an independent copy.
func (rc *RunningCart) Clone() *RunningCart {
	c := *rc
	c.items = append([]runningItem(nil), rc.items...)
	return &c
}

// Subtotal returns the remaining merchandise amount.
func (rc *RunningCart) Subtotal() int64 {
	var total int64
	for _, item := range rc.items {
		total += item.remaining
	}
	return total
}

// DeliveryFee returns the remaining delivery fee.
func (rc *RunningCart) DeliveryFee() int64 {
	return rc.delivery
}

// Total returns the remaining subtotal plus delivery fee.
func (rc *RunningCart) Total() int64 {
	return rc.Subtotal() + rc.delivery
}

// Currency returns the cart currency.
func (rc *RunningCart) Currency() string {
	return rc.currency
}

// CouponIntent is a coupon to be issued to the customer on commit.
type CouponIntent struct {
	DiscountType   string
	DiscountValue  int64
	ValidDays      int
	Prefix         string
	MinOrderAmount int64
}

// Adjustment is the result of applying one effect.
type Adjustment struct {
	Effect   domain.Effect
	Amount   int64
	Delivery int64
	Coupon   *CouponIntent
	Points   int64
}

// EffectOutcome is the combined result of a rule's effects.
type EffectOutcome struct {
	Adjustments []Adjustment
	Amount      int64
	Delivery    int64
	Coupons     []CouponIntent
	Points      int64
}

// HasSideEffects reports whether the outcome issues coupons or points.
func (o EffectOutcome) HasSideEffects() bool {
	return len(o.Coupons) > 0 || o.Points > 0
}

type effectFunc func(effect domain.Effect, rc *RunningCart) Adjustment

var effectCalculators = map[domain.EffectType]effectFunc{
	domain.EffectPercentageDiscount: applyPercentage,
	domain.EffectFlatDiscount:       applyFlat,
	domain.EffectFreeDelivery:       applyFreeDelivery,
	domain.EffectGenerateCoupon:     applyGenerateCoupon,
	domain.EffectLoyaltyPoints:      applyLoyaltyPoints,
}

// ApplyEffect applies one effect to rc in place and returns the adjustment.
// Unknown effect types yield a zero adjustment.
func ApplyEffect(effect domain.Effect, rc *RunningCart) Adjustment {
	fn, ok := effectCalculators[effect.Type]
	if !ok {
		return Adjustment{Effect: effect}
	}
	adj := fn(effect, rc)
	adj.Effect = effect
	return adj
}

// ComputeEffects applies effects in order to a copy of rc. rc itself is not
// modified; the adjusted copy is returned for the caller to commit.
func ComputeEffects(effects []domain.Effect, rc *RunningCart) (EffectOutcome, *RunningCart) {
	next := rc.Clone()
	var out EffectOutcome
	for _, effect := range effects {
		adj := ApplyEffect(effect, next)
		out.Adjustments = append(out.Adjustments, adj)
		out.Amount += adj.Amount
		out.Delivery += adj.Delivery
		out.Points += adj.Points
		if adj.Coupon != nil {
			out.Coupons = append(out.Coupons, *adj.Coupon)
		}
	}
	return out, next
}

func applyPercentage(effect domain.Effect, rc *RunningCart) Adjustment {
	if effect.Value <= 0 {
		return Adjustment{}
	}
	pct := min(effect.Value, 100)

	if effect.Target == domain.TargetDeliveryFee {
		amount, _ := mulDiv(rc.delivery, pct, 100)
		amount = capAmount(amount, effect.Metadata.MaxDiscountAmount, rc.delivery)
		rc.delivery -= amount
		return Adjustment{Amount: amount, Delivery: amount}
	}

	idx := rc.targetItems(effect)
	target := rc.sum(idx)
	amount, _ := mulDiv(target, pct, 100)
	amount = capAmount(amount, effect.Metadata.MaxDiscountAmount, target)
	rc.discountItems(idx, amount)
	return Adjustment{Amount: amount}
}

func applyFlat(effect domain.Effect, rc *RunningCart) Adjustment {
	if effect.Value <= 0 {
		return Adjustment{}
	}

	if effect.Target == domain.TargetDeliveryFee {
		amount := capAmount(effect.Value, effect.Metadata.MaxDiscountAmount, rc.delivery)
		rc.delivery -= amount
		return Adjustment{Amount: amount, Delivery: amount}
	}

	idx := rc.targetItems(effect)
	amount := capAmount(effect.Value, effect.Metadata.MaxDiscountAmount, rc.sum(idx))
	rc.discountItems(idx, amount)
	return Adjustment{Amount: amount}
}

func applyFreeDelivery(_ domain.Effect, rc *RunningCart) Adjustment {
	amount := rc.delivery
	rc.delivery = 0
	return Adjustment{Amount: amount, Delivery: amount}
}

func applyGenerateCoupon(effect domain.Effect, _ *RunningCart) Adjustment {
	md := effect.Metadata
	discountType := md.CouponDiscountType
	if discountType == "" {
		discountType = domain.CouponTypeFlat
	}
	value := md.CouponValue
	if value == 0 {
		value = effect.Value
	}
	return Adjustment{Coupon: &CouponIntent{
		DiscountType:   discountType,
		DiscountValue:  value,
		ValidDays:      md.CouponValidDays,
		Prefix:         md.CouponPrefix,
		MinOrderAmount: md.CouponMinOrderAmount,
	}}
}

func applyLoyaltyPoints(effect domain.Effect, _ *RunningCart) Adjustment {
	points := effect.Metadata.Points
	if points == 0 {
		points = effect.Value
	}
	if points < 0 {
		points = 0
	}
	return Adjustment{Points: points}
}

// capAmount bounds amount by the optional cap and by the target amount.
func capAmount(amount int64, maxDiscount *int64, target int64) int64 {
	if maxDiscount != nil && *maxDiscount >= 0 {
		amount = min(amount, *maxDiscount)
	}
	amount = min(amount, target)
	return max(amount, 0)
}

// targetItems returns the indices of items the effect applies to. Effects
// with a product or category scope match an item when either list names it.
func (rc *RunningCart) targetItems(effect domain.Effect) []int {
	scoped := effect.Target == domain.TargetSpecificProducts || effect.Target == domain.TargetCategory
	products := toSet(effect.ProductIDs)
	categories := toSet(effect.CategoryIDs)

	idx := make([]int, 0, len(rc.items))
	for i, item := range rc.items {
		if scoped {
			_, byProduct := products[item.productID]
			_, byCategory := categories[item.categoryID]
			if !byProduct && !byCategory {
				continue
			}
		}
		idx = append(idx, i)
	}
	return idx
}

func (rc *RunningCart) sum(idx []int) int64 {
	var total int64
	for _, i := range idx {
		total += rc.items[i].remaining
	}
	return total
}

// discountItems spreads amount over the indexed items in proportion to their
// remaining amounts. amount must not exceed their sum.
func (rc *RunningCart) discountItems(idx []int, amount int64) {
	weights := make([]int64, len(idx))
	for k, i := range idx {
		weights[k] = rc.items[i].remaining
	}
	for k, share := range allocate(amount, weights) {
		rc.items[idx[k]].remaining -= share
	}
}

// allocate splits amount across weights with the largest remainder method.
// Shares sum to amount and no share exceeds its weight when amount is at most
// the sum of weights. Ties go to the lower index.
func allocate(amount int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	var total int64
	for _, w := range weights {
		total += w
	}
	if amount <= 0 || total <= 0 {
		return shares
	}

	type remainder struct {
		index int
		rem   int64
	}
	rems := make([]remainder, 0, len(weights))
	var allocated int64
	for i, w := range weights {
		q, r := mulDiv(amount, w, total)
		shares[i] = q
		allocated += q
		rems = append(rems, remainder{index: i, rem: r})
	}

	sort.SliceStable(rems, func(a, b int) bool {
		return rems[a].rem > rems[b].rem
	})
	for k := 0; allocated < amount && k < len(rems); k++ {
		shares[rems[k].index]++
		allocated++
	}
	return shares
}

// mulDiv returns floor(a*b/c) and the remainder using 128-bit intermediates.
// a, b must be non-negative, c positive, and a*b/c must fit in int64.
func mulDiv(a, b, c int64) (int64, int64) {
	if a <= 0 || b <= 0 || c <= 0 {
		return 0, 0
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	q, r := bits.Div64(hi, lo, uint64(c))
	return int64(q), int64(r)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
