package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/ledger"
	"github.com/utafrali/promotion-engine/internal/ledger/memory"
)

var resolveNow = time.Date(2025, 6, 13, 12, 0, 0, 0, time.UTC)

func activeCampaign(id string, priority int, effects ...domain.Effect) domain.Campaign {
	return domain.Campaign{
		ID:         id,
		Name:       "Campaign " + id,
		Status:     domain.CampaignStatusActive,
		ValidFrom:  resolveNow.AddDate(0, -1, 0),
		ValidUntil: resolveNow.AddDate(0, 1, 0),
		Priority:   priority,
		CreatedAt:  resolveNow.AddDate(0, -2, 0),
		Rules: []domain.CampaignRule{{
			ID:      id + "-rule",
			Effects: effects,
		}},
	}
}

func twentyPercentCapped() domain.Effect {
	return domain.Effect{
		Type:     domain.EffectPercentageDiscount,
		Value:    20,
		Target:   domain.TargetCartTotal,
		Metadata: domain.EffectMetadata{MaxDiscountAmount: int64Ptr(2000)},
	}
}

func resolveInput(campaigns []domain.Campaign, codes ...string) ResolveInput {
	ec := testContext()
	return ResolveInput{
		Customer:    ec.Customer,
		Cart:        scenarioCart(),
		Campaigns:   campaigns,
		CouponCodes: codes,
		Coupons:     map[string]*domain.Coupon{},
		Now:         resolveNow,
		Location:    time.UTC,
	}
}

func resolve(t *testing.T, in ResolveInput) *Resolution {
	t.Helper()
	res, err := NewResolver(DefaultPolicy()).Resolve(context.Background(), in, memory.New())
	require.NoError(t, err)
	return res
}

func excludedReasons(res *Resolution) map[string]domain.ExclusionReason {
	out := make(map[string]domain.ExclusionReason)
	for _, ex := range res.Excluded {
		key := ex.CampaignID
		if ex.CouponCode != "" {
			key = ex.CouponCode
		}
		out[key] = ex.Reason
	}
	return out
}

func TestResolve_CampaignAndCouponStack(t *testing.T) {
	in := resolveInput([]domain.Campaign{activeCampaign("A", 100, twentyPercentCapped())}, "save500")
	coupon := validCoupon()
	coupon.CreatedAt = resolveNow.AddDate(0, 0, -3)
	in.Coupons["SAVE500"] = coupon

	res := resolve(t, in)

	require.Len(t, res.Applied, 2)
	assert.Equal(t, "A", res.Applied[0].Candidate.CampaignID())
	assert.Equal(t, int64(2000), res.Applied[0].Outcome.Amount)
	assert.Equal(t, "SAVE500", res.Applied[1].Candidate.CouponCode())
	assert.Equal(t, int64(500), res.Applied[1].Outcome.Amount)

	assert.Equal(t, domain.NewMoney(10500, "TRY"), res.OriginalTotal)
	assert.Equal(t, domain.NewMoney(2500, "TRY"), res.TotalDiscount)
	assert.Equal(t, domain.NewMoney(8000, "TRY"), res.DiscountedTotal)
	assert.Equal(t, domain.NewMoney(500, "TRY"), res.DeliveryFee)
	assert.Empty(t, res.Excluded)
}

func TestResolve_ExclusiveBeatsFreeDelivery(t *testing.T) {
	b := activeCampaign("B", 200, twentyPercentCapped())
	b.IsExclusive = true
	c := activeCampaign("C", 100, domain.Effect{Type: domain.EffectFreeDelivery})

	res := resolve(t, resolveInput([]domain.Campaign{c, b}))

	require.Len(t, res.Applied, 1)
	assert.Equal(t, "B", res.Applied[0].Candidate.CampaignID())
	assert.Equal(t, domain.ReasonConflictResolved, excludedReasons(res)["C"])
	assert.Equal(t, domain.NewMoney(8500, "TRY"), res.DiscountedTotal)
}

func TestResolve_ExclusiveNeverJoinsStack(t *testing.T) {
	a := activeCampaign("A", 300, twentyPercentCapped())
	b := activeCampaign("B", 200, domain.Effect{Type: domain.EffectFlatDiscount, Value: 100})
	b.Rules[0].IsExclusive = true

	res := resolve(t, resolveInput([]domain.Campaign{a, b}))

	require.Len(t, res.Applied, 1)
	assert.Equal(t, "A", res.Applied[0].Candidate.CampaignID())
	assert.Equal(t, domain.ReasonConflictResolved, excludedReasons(res)["B"])
}

func TestResolve_FilterReasons(t *testing.T) {
	paused := activeCampaign("paused", 100, twentyPercentCapped())
	paused.Status = domain.CampaignStatusPaused

	future := activeCampaign("future", 100, twentyPercentCapped())
	future.ValidFrom = resolveNow.Add(time.Hour)

	expired := activeCampaign("expired", 100, twentyPercentCapped())
	expired.ValidUntil = resolveNow.Add(-time.Hour)

	full := activeCampaign("full", 100, twentyPercentCapped())
	full.MaxUsage, full.CurrentUsage = 10, 10

	perUser := activeCampaign("per-user", 100, twentyPercentCapped())
	perUser.MaxUsagePerUser = 1

	spent := activeCampaign("spent", 100, twentyPercentCapped())
	spent.Budget, spent.SpentBudget = domain.NewMoney(5000, "TRY"), domain.NewMoney(5000, "TRY")

	unmatched := activeCampaign("unmatched", 100, twentyPercentCapped())
	unmatched.Rules[0].Conditions = []domain.Condition{{
		Type: domain.ConditionCartTotal, Operator: domain.OpGreaterThan, Value: domain.NumberValue{Number: 1_000_000},
	}}

	ruleCap := activeCampaign("rule-cap", 100, twentyPercentCapped())
	ruleCap.Rules[0].MaxApplications, ruleCap.Rules[0].CurrentApplications = 3, 3

	broken := activeCampaign("broken", 100)
	broken.Rules = nil
	broken.Misconfigured = "unmarshal rules"

	in := resolveInput([]domain.Campaign{paused, future, expired, full, perUser, spent, unmatched, ruleCap, broken})
	in.CampaignUsage = map[string]int64{"per-user": 1}

	res := resolve(t, in)

	assert.Empty(t, res.Applied)
	assert.Equal(t, map[string]domain.ExclusionReason{
		"paused":    domain.ReasonNotActive,
		"future":    domain.ReasonNotStarted,
		"expired":   domain.ReasonExpired,
		"full":      domain.ReasonUsageLimitReached,
		"per-user":  domain.ReasonUserLimitReached,
		"spent":     domain.ReasonBudgetExceeded,
		"unmatched": domain.ReasonConditionsNotMet,
		"rule-cap":  domain.ReasonRuleLimitReached,
		"broken":    domain.ReasonMisconfigured,
	}, excludedReasons(res))
	assert.Equal(t, res.OriginalTotal, res.DiscountedTotal)
	assert.True(t, res.TotalDiscount.IsZero())
}

func TestResolve_BudgetTooSmallForDiscount(t *testing.T) {
	a := activeCampaign("A", 100, twentyPercentCapped())
	a.Budget, a.SpentBudget = domain.NewMoney(5000, "TRY"), domain.NewMoney(4000, "TRY")

	res := resolve(t, resolveInput([]domain.Campaign{a}))

	assert.Empty(t, res.Applied)
	assert.Equal(t, domain.ReasonBudgetExceeded, excludedReasons(res)["A"])
}

func TestResolve_ExpiredCouponNeverApplied(t *testing.T) {
	in := resolveInput(nil, "SAVE500", "MISSING")
	coupon := validCoupon()
	coupon.ValidUntil = resolveNow.AddDate(0, 0, -1)
	in.Coupons["SAVE500"] = coupon

	res := resolve(t, in)

	assert.Empty(t, res.Applied)
	reasons := excludedReasons(res)
	assert.Equal(t, domain.ReasonExpired, reasons["SAVE500"])
	assert.Equal(t, domain.ReasonCouponNotFound, reasons["MISSING"])
}

func TestResolve_DuplicateCouponCodesCountOnce(t *testing.T) {
	in := resolveInput(nil, "SAVE500", " save500")
	in.Coupons["SAVE500"] = validCoupon()

	res := resolve(t, in)
	assert.Len(t, res.Applied, 1)
}

func TestResolve_CouponInheritsLinkedCampaignPriority(t *testing.T) {
	a := activeCampaign("A", 50, domain.Effect{Type: domain.EffectFlatDiscount, Value: 1000})
	in := resolveInput([]domain.Campaign{a}, "SAVE500")
	coupon := validCoupon()
	coupon.CampaignID = "A"
	coupon.CreatedAt = a.CreatedAt.Add(-time.Hour)
	in.Coupons["SAVE500"] = coupon

	res := resolve(t, in)

	require.Len(t, res.Applied, 2)
	assert.Equal(t, "SAVE500", res.Applied[0].Candidate.CouponCode(), "older candidate wins the tie")
	require.Len(t, res.PriorityAdjustments, 1)
	assert.Equal(t, domain.PriorityAdjustment{
		CampaignID: "A", CouponCode: "SAVE500", OriginalPriority: 1, AdjustedPriority: 50,
	}, res.PriorityAdjustments[0])
}

func TestResolve_PriorityClampedAndRecorded(t *testing.T) {
	a := activeCampaign("A", 5000, twentyPercentCapped())
	res := resolve(t, resolveInput([]domain.Campaign{a}))

	require.Len(t, res.PriorityAdjustments, 1)
	assert.Equal(t, domain.MaxPriority, res.PriorityAdjustments[0].AdjustedPriority)
	assert.Equal(t, domain.MaxPriority, res.Applied[0].Candidate.Priority)
}

func TestResolve_TieBreakPolicy(t *testing.T) {
	older := activeCampaign("older", 100, domain.Effect{Type: domain.EffectPercentageDiscount, Value: 50})
	newer := activeCampaign("newer", 100, domain.Effect{Type: domain.EffectPercentageDiscount, Value: 50})
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)

	res := resolve(t, resolveInput([]domain.Campaign{newer, older}))
	require.Len(t, res.Applied, 2)
	assert.Equal(t, "older", res.Applied[0].Candidate.CampaignID())
	assert.Equal(t, int64(5000), res.Applied[0].Outcome.Amount)
	assert.Equal(t, int64(2500), res.Applied[1].Outcome.Amount)

	policy := DefaultPolicy()
	policy.TieBreak = TieBreakNewestFirst
	res, err := NewResolver(policy).Resolve(context.Background(), resolveInput([]domain.Campaign{older, newer}), memory.New())
	require.NoError(t, err)
	assert.Equal(t, "newer", res.Applied[0].Candidate.CampaignID())
}

func TestResolve_SelectsHighestPriorityMatchingRule(t *testing.T) {
	a := activeCampaign("A", 100)
	a.Rules = []domain.CampaignRule{
		{ID: "low", Priority: 1, Effects: []domain.Effect{{Type: domain.EffectFlatDiscount, Value: 100}}},
		{ID: "high-unmatched", Priority: 9, Conditions: []domain.Condition{{
			Type: domain.ConditionUserRole, Operator: domain.OpEquals, Value: domain.StringValue{Value: "admin"},
		}}, Effects: []domain.Effect{{Type: domain.EffectFlatDiscount, Value: 900}}},
		{ID: "high", Priority: 5, Effects: []domain.Effect{{Type: domain.EffectFlatDiscount, Value: 500}}},
	}

	res := resolve(t, resolveInput([]domain.Campaign{a}))

	require.Len(t, res.Applied, 1)
	assert.Equal(t, "high", res.Applied[0].Candidate.RuleID())
	assert.Equal(t, int64(500), res.TotalDiscount.Amount)
}

func TestResolve_NoEffectAndSideEffects(t *testing.T) {
	zero := activeCampaign("zero", 100, domain.Effect{Type: domain.EffectFlatDiscount, Value: 0})
	points := activeCampaign("points", 90, domain.Effect{Type: domain.EffectLoyaltyPoints, Value: 120})
	gift := activeCampaign("gift", 80, domain.Effect{
		Type:     domain.EffectGenerateCoupon,
		Metadata: domain.EffectMetadata{CouponDiscountType: domain.CouponTypeFlat, CouponValue: 1000, CouponValidDays: 10},
	})

	res := resolve(t, resolveInput([]domain.Campaign{zero, points, gift}))

	assert.Equal(t, domain.ReasonNoEffect, excludedReasons(res)["zero"])
	assert.Len(t, res.Applied, 2)
	assert.Equal(t, int64(120), res.LoyaltyPoints)
	require.Len(t, res.Generated, 1)
	assert.Equal(t, "gift", res.Generated[0].CampaignID)
	assert.Equal(t, resolveNow.AddDate(0, 0, 10), res.Generated[0].ValidUntil)
	assert.True(t, res.TotalDiscount.IsZero())
}

func TestResolve_Deterministic(t *testing.T) {
	campaigns := []domain.Campaign{
		activeCampaign("A", 100, twentyPercentCapped()),
		activeCampaign("B", 100, domain.Effect{Type: domain.EffectFlatDiscount, Value: 333}),
		activeCampaign("C", 300, domain.Effect{Type: domain.EffectFreeDelivery}),
	}

	first := resolve(t, resolveInput(campaigns))
	second := resolve(t, resolveInput([]domain.Campaign{campaigns[2], campaigns[0], campaigns[1]}))

	require.Len(t, first.Applied, len(second.Applied))
	for i := range first.Applied {
		assert.Equal(t, first.Applied[i].Candidate.Key(), second.Applied[i].Candidate.Key())
		assert.Equal(t, first.Applied[i].Outcome.Amount, second.Applied[i].Outcome.Amount)
	}
	assert.Equal(t, first.DiscountedTotal, second.DiscountedTotal)
}

func TestResolve_DiscountNeverExceedsTotal(t *testing.T) {
	campaigns := []domain.Campaign{
		activeCampaign("A", 100, domain.Effect{Type: domain.EffectFlatDiscount, Value: 9000}),
		activeCampaign("B", 90, domain.Effect{Type: domain.EffectFlatDiscount, Value: 9000}),
		activeCampaign("C", 80, domain.Effect{Type: domain.EffectFreeDelivery}),
		activeCampaign("D", 70, domain.Effect{Type: domain.EffectFlatDiscount, Value: 100}),
	}

	res := resolve(t, resolveInput(campaigns))

	require.Len(t, res.Applied, 3)
	assert.Equal(t, int64(1000), res.Applied[1].Outcome.Amount, "B clamps to what A left")
	assert.Zero(t, res.DiscountedTotal.Amount)
	assert.Equal(t, int64(10500), res.TotalDiscount.Amount)
	assert.Equal(t, domain.ReasonNoEffect, excludedReasons(res)["D"])
}

// ---------------------------------------------------------------------------
// reserver behavior
// ---------------------------------------------------------------------------

type stubReserver struct {
	outcomes map[string]ledger.Outcome
	err      error
	calls    []ledger.Reservation
}

func (s *stubReserver) Reserve(_ context.Context, r ledger.Reservation) (ledger.Outcome, error) {
	s.calls = append(s.calls, r)
	if s.err != nil {
		return "", s.err
	}
	if o, ok := s.outcomes[r.ID]; ok {
		return o, nil
	}
	return ledger.OutcomeReserved, nil
}

func TestResolve_LostRaceContinuesWithNextCandidate(t *testing.T) {
	campaigns := []domain.Campaign{
		activeCampaign("A", 200, twentyPercentCapped()),
		activeCampaign("B", 100, domain.Effect{Type: domain.EffectFlatDiscount, Value: 300}),
	}
	stub := &stubReserver{outcomes: map[string]ledger.Outcome{"A": ledger.OutcomeUsageLimitReached}}

	res, err := NewResolver(DefaultPolicy()).Resolve(context.Background(), resolveInput(campaigns), stub)
	require.NoError(t, err)

	require.Len(t, res.Applied, 1)
	assert.Equal(t, "B", res.Applied[0].Candidate.CampaignID())
	assert.Equal(t, int64(300), res.Applied[0].Outcome.Amount, "B discounts the untouched cart")
	assert.Equal(t, domain.ReasonUsageLimitReached, excludedReasons(res)["A"])

	require.Len(t, stub.calls, 2)
	assert.Equal(t, int64(2000), stub.calls[0].Amount)
	assert.Equal(t, "A-rule", stub.calls[0].RuleID)
}

func TestResolve_ReserverErrorAborts(t *testing.T) {
	campaigns := []domain.Campaign{activeCampaign("A", 200, twentyPercentCapped())}
	boom := errors.New("connection reset")

	res, err := NewResolver(DefaultPolicy()).Resolve(context.Background(), resolveInput(campaigns), &stubReserver{err: boom})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	require.NotNil(t, res)
	assert.Empty(t, res.Reservations())
}

func TestResolve_CanceledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	campaigns := []domain.Campaign{activeCampaign("A", 200, twentyPercentCapped())}
	_, err := NewResolver(DefaultPolicy()).Resolve(ctx, resolveInput(campaigns), &stubReserver{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolve_ConcurrentCommitsRespectMaxUsage(t *testing.T) {
	const (
		requests = 20
		maxUsage = 3
	)
	shared := memory.New()
	campaign := activeCampaign("limited", 100, twentyPercentCapped())
	campaign.MaxUsage = maxUsage

	resolver := NewResolver(DefaultPolicy())
	results := make(chan *Resolution, requests)
	for i := 0; i < requests; i++ {
		go func() {
			res, err := resolver.Resolve(context.Background(), resolveInput([]domain.Campaign{campaign}), shared)
			assert.NoError(t, err)
			results <- res
		}()
	}

	applied, limited := 0, 0
	for i := 0; i < requests; i++ {
		res := <-results
		applied += len(res.Applied)
		if excludedReasons(res)["limited"] == domain.ReasonUsageLimitReached {
			limited++
		}
	}
	assert.Equal(t, maxUsage, applied)
	assert.Equal(t, requests-maxUsage, limited)
}
