package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/ledger"
)

// Reserver atomically claims usage and budget for one candidate. The
// resolver never touches storage except through it.
type Reserver interface {
	Reserve(ctx context.Context, r ledger.Reservation) (ledger.Outcome, error)
}

// Candidate is a campaign rule or a validated coupon competing for the cart.
type Candidate struct {
	Campaign    *domain.Campaign
	Rule        *domain.CampaignRule
	RuleIndex   int
	Coupon      *domain.Coupon
	Effects     []domain.Effect
	Priority    int
	IsExclusive bool
	CreatedAt   time.Time
}

// IsCoupon reports whether the candidate comes from a coupon code.
func (c *Candidate) IsCoupon() bool { return c.Coupon != nil }

// Key identifies the candidate uniquely within a request.
func (c *Candidate) Key() string {
	if c.IsCoupon() {
		return "coupon:" + c.Coupon.Code
	}
	return "campaign:" + c.Campaign.ID
}

// CampaignID returns the owning campaign id. Coupons report their linked
// campaign, which may be empty.
func (c *Candidate) CampaignID() string {
	if c.IsCoupon() {
		return c.Coupon.CampaignID
	}
	return c.Campaign.ID
}

// CouponCode returns the coupon code, or the empty string for campaign rules.
func (c *Candidate) CouponCode() string {
	if c.IsCoupon() {
		return c.Coupon.Code
	}
	return ""
}

// RuleID returns the matched rule id, or the empty string for coupons.
func (c *Candidate) RuleID() string {
	if c.Rule == nil {
		return ""
	}
	return c.Rule.ID
}

// Name returns a display name for the candidate.
func (c *Candidate) Name() string {
	if c.IsCoupon() {
		return c.Coupon.Code
	}
	return c.Campaign.Name
}

// Applied is a candidate that won its reservation.
type Applied struct {
	Candidate   *Candidate
	Outcome     EffectOutcome
	Reservation ledger.Reservation
}

// Exclusion is a candidate that did not apply.
type Exclusion struct {
	CampaignID   string
	CampaignName string
	CouponCode   string
	RuleID       string
	Reason       domain.ExclusionReason
}

// GeneratedIntent is a coupon to issue, attributed to its campaign.
type GeneratedIntent struct {
	CampaignID string
	Intent     CouponIntent
	ValidUntil time.Time
}

// Resolution is the outcome of conflict resolution for one request.
type Resolution struct {
	Applied             []Applied
	Excluded            []Exclusion
	PriorityAdjustments []domain.PriorityAdjustment
	Generated           []GeneratedIntent
	OriginalTotal       domain.Money
	DiscountedTotal     domain.Money
	TotalDiscount       domain.Money
	DeliveryFee         domain.Money
	LoyaltyPoints       int64
}

// Reservations returns the reservations held by the applied set.
func (res *Resolution) Reservations() []ledger.Reservation {
	out := make([]ledger.Reservation, 0, len(res.Applied))
	for _, a := range res.Applied {
		out = append(out, a.Reservation)
	}
	return out
}

// ResolveInput is the immutable snapshot a resolution is computed from.
// Coupons maps normalized codes to coupons, with missing codes absent.
// CampaignUsage and CouponUsage hold the customer's prior redemptions.
type ResolveInput struct {
	Customer      *domain.Customer
	Cart          *domain.Cart
	Campaigns     []domain.Campaign
	CouponCodes   []string
	Coupons       map[string]*domain.Coupon
	CampaignUsage map[string]int64
	CouponUsage   map[string]int64
	Now           time.Time
	Location      *time.Location
}

// Resolver selects the winning, non-conflicting set of candidates.
type Resolver struct {
	policy Policy
}

// NewResolver creates a resolver with the given policy.
func NewResolver(policy Policy) *Resolver {
	if policy.TieBreak == "" {
		policy.TieBreak = TieBreakOldestFirst
	}
	if policy.CouponValidDays <= 0 {
		policy.CouponValidDays = DefaultPolicy().CouponValidDays
	}
	policy.CouponDefaultPriority = domain.ClampPriority(policy.CouponDefaultPriority)
	return &Resolver{policy: policy}
}

// Resolve filters, ranks and greedily selects candidates. Business
// exclusions are recorded in the resolution. A reserver error aborts the
// walk; the partial resolution is returned with the error so the caller can
// release what was already reserved.
func (r *Resolver) Resolve(ctx context.Context, in ResolveInput, reserver Reserver) (*Resolution, error) {
	res := &Resolution{}
	ec := EvalContext{Customer: in.Customer, Cart: in.Cart, Now: in.Now, Location: in.Location}

	candidates := r.campaignCandidates(in, ec, res)
	candidates = append(candidates, r.couponCandidates(in, res)...)

	sort.SliceStable(candidates, func(i, j int) bool {
		return r.policy.less(candidates[i], candidates[j])
	})

	running := NewRunningCart(in.Cart)
	exclusiveApplied := false

	for _, cand := range candidates {
		if exclusiveApplied || (cand.IsExclusive && len(res.Applied) > 0) {
			res.exclude(cand, domain.ReasonConflictResolved)
			continue
		}

		outcome, next := ComputeEffects(cand.Effects, running)
		if outcome.Amount == 0 && !outcome.HasSideEffects() {
			res.exclude(cand, domain.ReasonNoEffect)
			continue
		}

		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("resolve: %w", err)
		}

		reservation := r.reservation(cand, in, outcome.Amount)
		result, err := reserver.Reserve(ctx, reservation)
		if err != nil {
			return res, fmt.Errorf("reserve %s: %w", cand.Key(), err)
		}
		if result != ledger.OutcomeReserved {
			res.exclude(cand, outcomeReason(result))
			continue
		}

		running = next
		res.Applied = append(res.Applied, Applied{Candidate: cand, Outcome: outcome, Reservation: reservation})
		res.LoyaltyPoints += outcome.Points
		for _, intent := range outcome.Coupons {
			days := intent.ValidDays
			if days <= 0 {
				days = r.policy.CouponValidDays
			}
			res.Generated = append(res.Generated, GeneratedIntent{
				CampaignID: cand.CampaignID(),
				Intent:     intent,
				ValidUntil: in.Now.AddDate(0, 0, days),
			})
		}
		if cand.IsExclusive {
			exclusiveApplied = true
		}
	}

	r.totals(res, in.Cart, running)
	return res, nil
}

// campaignCandidates filters campaigns on their own limits and picks the
// single best-matching rule of each survivor.
func (r *Resolver) campaignCandidates(in ResolveInput, ec EvalContext, res *Resolution) []*Candidate {
	campaigns := make([]*domain.Campaign, 0, len(in.Campaigns))
	for i := range in.Campaigns {
		campaigns = append(campaigns, &in.Campaigns[i])
	}
	sort.SliceStable(campaigns, func(i, j int) bool { return campaigns[i].ID < campaigns[j].ID })

	currency := in.Cart.Currency()
	var out []*Candidate
	for _, c := range campaigns {
		if reason := campaignReason(c, in, currency); reason != "" {
			res.Excluded = append(res.Excluded, Exclusion{CampaignID: c.ID, CampaignName: c.Name, Reason: reason})
			continue
		}

		rule, index, reason := selectRule(c, ec)
		if rule == nil {
			res.Excluded = append(res.Excluded, Exclusion{CampaignID: c.ID, CampaignName: c.Name, Reason: reason})
			continue
		}

		priority := domain.ClampPriority(c.Priority)
		if priority != c.Priority {
			res.PriorityAdjustments = append(res.PriorityAdjustments, domain.PriorityAdjustment{
				CampaignID:       c.ID,
				OriginalPriority: c.Priority,
				AdjustedPriority: priority,
			})
		}

		out = append(out, &Candidate{
			Campaign:    c,
			Rule:        rule,
			RuleIndex:   index,
			Effects:     rule.Effects,
			Priority:    priority,
			IsExclusive: c.IsExclusive || rule.IsExclusive,
			CreatedAt:   c.CreatedAt,
		})
	}
	return out
}

func campaignReason(c *domain.Campaign, in ResolveInput, currency string) domain.ExclusionReason {
	switch {
	case c.IsMisconfigured():
		return domain.ReasonMisconfigured
	case !c.IsActive():
		return domain.ReasonNotActive
	case !c.ValidFrom.IsZero() && in.Now.Before(c.ValidFrom):
		return domain.ReasonNotStarted
	case !c.ValidUntil.IsZero() && in.Now.After(c.ValidUntil):
		return domain.ReasonExpired
	case c.UsageExhausted():
		return domain.ReasonUsageLimitReached
	case c.MaxUsagePerUser > 0 && in.CampaignUsage[c.ID] >= c.MaxUsagePerUser:
		return domain.ReasonUserLimitReached
	case c.HasBudget() && c.Budget.Currency != "" && c.Budget.Currency != currency:
		return domain.ReasonCurrencyMismatch
	case c.HasBudget() && c.RemainingBudget() == 0:
		return domain.ReasonBudgetExceeded
	default:
		return ""
	}
}

// selectRule returns the highest-priority rule that is in its window, has
// capacity and matches. Rules of equal priority keep their configured order.
func selectRule(c *domain.Campaign, ec EvalContext) (*domain.CampaignRule, int, domain.ExclusionReason) {
	order := make([]int, len(c.Rules))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return c.Rules[order[a]].Priority > c.Rules[order[b]].Priority
	})

	reason := domain.ReasonConditionsNotMet
	for _, i := range order {
		rule := &c.Rules[i]
		if !rule.WithinWindow(ec.Now) || !RuleMatches(rule, ec) {
			continue
		}
		if rule.ApplicationsExhausted() {
			reason = domain.ReasonRuleLimitReached
			continue
		}
		return rule, i, ""
	}
	return nil, 0, reason
}

// couponCandidates validates every supplied code once, in request order.
func (r *Resolver) couponCandidates(in ResolveInput, res *Resolution) []*Candidate {
	linked := make(map[string]*domain.Campaign, len(in.Campaigns))
	for i := range in.Campaigns {
		linked[in.Campaigns[i].ID] = &in.Campaigns[i]
	}

	seen := make(map[string]struct{}, len(in.CouponCodes))
	var out []*Candidate
	for _, raw := range in.CouponCodes {
		code := domain.NormalizeCode(raw)
		if _, dup := seen[code]; dup || code == "" {
			continue
		}
		seen[code] = struct{}{}

		coupon := in.Coupons[code]
		reason := ValidateCoupon(CouponCheck{
			Code:     code,
			Coupon:   coupon,
			Customer: in.Customer,
			Cart:     in.Cart,
			Now:      in.Now,
			UserUses: in.CouponUsage[code],
		})
		if reason != "" {
			ex := Exclusion{CouponCode: code, CampaignName: code, Reason: reason}
			if coupon != nil {
				ex.CampaignID = coupon.CampaignID
			}
			res.Excluded = append(res.Excluded, ex)
			continue
		}

		priority := r.policy.CouponDefaultPriority
		if c, ok := linked[coupon.CampaignID]; ok && coupon.CampaignID != "" {
			inherited := domain.ClampPriority(c.Priority)
			if inherited != priority {
				res.PriorityAdjustments = append(res.PriorityAdjustments, domain.PriorityAdjustment{
					CampaignID:       coupon.CampaignID,
					CouponCode:       code,
					OriginalPriority: priority,
					AdjustedPriority: inherited,
				})
				priority = inherited
			}
		}

		out = append(out, &Candidate{
			Coupon:      coupon,
			Effects:     []domain.Effect{CouponEffect(coupon)},
			Priority:    priority,
			IsExclusive: coupon.IsExclusive,
			CreatedAt:   coupon.CreatedAt,
		})
	}
	return out
}

func (r *Resolver) reservation(c *Candidate, in ResolveInput, amount int64) ledger.Reservation {
	if c.IsCoupon() {
		return ledger.Reservation{
			Kind:       ledger.KindCoupon,
			ID:         c.Coupon.ID,
			Code:       c.Coupon.Code,
			CustomerID: in.Customer.ID,
			Amount:     amount,
			Limits: ledger.Limits{
				MaxUsage:        c.Coupon.UsageLimit,
				MaxUsagePerUser: c.Coupon.UserRestrictions.MaxUsesPerUser,
			},
			Baseline: ledger.Baseline{
				Usage:     c.Coupon.UsageCount,
				UserUsage: in.CouponUsage[c.Coupon.Code],
			},
		}
	}

	return ledger.Reservation{
		Kind:       ledger.KindCampaign,
		ID:         c.Campaign.ID,
		RuleID:     c.Rule.ID,
		CustomerID: in.Customer.ID,
		Amount:     amount,
		Limits: ledger.Limits{
			MaxUsage:            c.Campaign.MaxUsage,
			MaxUsagePerUser:     c.Campaign.MaxUsagePerUser,
			Budget:              c.Campaign.Budget.Amount,
			RuleMaxApplications: c.Rule.MaxApplications,
		},
		Baseline: ledger.Baseline{
			Usage:            c.Campaign.CurrentUsage,
			UserUsage:        in.CampaignUsage[c.Campaign.ID],
			Spent:            c.Campaign.SpentBudget.Amount,
			RuleApplications: c.Rule.CurrentApplications,
		},
	}
}

func (r *Resolver) totals(res *Resolution, cart *domain.Cart, running *RunningCart) {
	currency := cart.Currency()

	discount := domain.Zero(currency)
	for _, a := range res.Applied {
		discount = discount.Add(domain.NewMoney(a.Outcome.Amount, currency))
	}

	res.OriginalTotal = domain.NewMoney(cart.TotalAmount.Amount, currency)
	res.DiscountedTotal = res.OriginalTotal.Sub(discount)
	res.TotalDiscount = res.OriginalTotal.Sub(res.DiscountedTotal)
	res.DeliveryFee = domain.NewMoney(running.DeliveryFee(), currency)
}

func (res *Resolution) exclude(c *Candidate, reason domain.ExclusionReason) {
	res.Excluded = append(res.Excluded, Exclusion{
		CampaignID:   c.CampaignID(),
		CampaignName: c.Name(),
		CouponCode:   c.CouponCode(),
		RuleID:       c.RuleID(),
		Reason:       reason,
	})
}

func outcomeReason(o ledger.Outcome) domain.ExclusionReason {
	switch o {
	case ledger.OutcomeUserLimitReached:
		return domain.ReasonUserLimitReached
	case ledger.OutcomeRuleLimitReached:
		return domain.ReasonRuleLimitReached
	case ledger.OutcomeBudgetExceeded:
		return domain.ReasonBudgetExceeded
	default:
		return domain.ReasonUsageLimitReached
	}
}
