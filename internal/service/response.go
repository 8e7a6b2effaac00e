package service

import (
	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/engine"
	"github.com/utafrali/promotion-engine/internal/repository"
)

// buildResponseData maps a resolution onto the response contract. issued
// holds the committed coupons, in the order of res.Generated; it is nil on
// a dry run and the generated coupons are then reported without codes.
func buildResponseData(res *engine.Resolution, requestID string, issued []repository.GeneratedCoupon) domain.ResponseData {
	currency := res.OriginalTotal.Currency
	data := domain.ResponseData{
		OriginalTotal:    res.OriginalTotal,
		DiscountedTotal:  res.DiscountedTotal,
		TotalDiscount:    res.TotalDiscount,
		DeliveryFee:      res.DeliveryFee,
		AppliedCampaigns: make([]domain.AppliedCampaign, 0, len(res.Applied)),
		LoyaltyPoints:    res.LoyaltyPoints,
		RequestID:        requestID,
	}

	for _, a := range res.Applied {
		data.AppliedCampaigns = append(data.AppliedCampaigns, appliedCampaign(a, currency))
	}

	for i, g := range res.Generated {
		gc := domain.GeneratedCoupon{
			CampaignID:     g.CampaignID,
			DiscountType:   g.Intent.DiscountType,
			DiscountValue:  g.Intent.DiscountValue,
			MinOrderAmount: g.Intent.MinOrderAmount,
			ValidUntil:     g.ValidUntil,
		}
		if i < len(issued) && issued[i].Coupon != nil {
			gc.Code = issued[i].Coupon.Code
		}
		data.GeneratedCoupons = append(data.GeneratedCoupons, gc)
	}

	if len(res.Excluded) > 0 || len(res.PriorityAdjustments) > 0 {
		cr := &domain.ConflictResolution{
			ExcludedCampaigns:   make([]domain.ExcludedCampaign, 0, len(res.Excluded)),
			PriorityAdjustments: res.PriorityAdjustments,
		}
		if cr.PriorityAdjustments == nil {
			cr.PriorityAdjustments = []domain.PriorityAdjustment{}
		}
		for _, ex := range res.Excluded {
			cr.ExcludedCampaigns = append(cr.ExcludedCampaigns, domain.ExcludedCampaign{
				CampaignID: ex.CampaignID,
				CouponCode: ex.CouponCode,
				RuleID:     ex.RuleID,
				Reason:     ex.Reason,
			})
		}
		data.ConflictResolution = cr
	}
	return data
}

// appliedCampaign reports the candidate's first discounting effect as its
// discount type. Additional effects are listed in the metadata.
func appliedCampaign(a engine.Applied, currency string) domain.AppliedCampaign {
	cand := a.Candidate
	out := domain.AppliedCampaign{
		CampaignID:    cand.CampaignID(),
		CampaignName:  cand.Name(),
		RuleID:        cand.RuleID(),
		CouponCode:    cand.CouponCode(),
		AppliedAmount: domain.NewMoney(a.Outcome.Amount, currency),
		Priority:      cand.Priority,
	}

	if cand.IsCoupon() {
		out.DiscountType = cand.Coupon.DiscountType
		out.DiscountValue = cand.Coupon.DiscountValue
	} else if primary, ok := primaryAdjustment(a.Outcome); ok {
		out.DiscountType = string(primary.Effect.Type)
		out.DiscountValue = primary.Effect.Value
	}

	md := map[string]any{}
	if a.Outcome.Delivery > 0 {
		md["deliveryDiscount"] = a.Outcome.Delivery
	}
	if a.Outcome.Points > 0 {
		md["loyaltyPoints"] = a.Outcome.Points
	}
	if n := len(a.Outcome.Coupons); n > 0 {
		md["generatedCoupons"] = n
	}
	if len(a.Outcome.Adjustments) > 1 {
		effects := make([]string, 0, len(a.Outcome.Adjustments))
		for _, adj := range a.Outcome.Adjustments {
			effects = append(effects, string(adj.Effect.Type))
		}
		md["effects"] = effects
	}
	if len(md) > 0 {
		out.Metadata = md
	}
	return out
}

func primaryAdjustment(o engine.EffectOutcome) (engine.Adjustment, bool) {
	for _, adj := range o.Adjustments {
		if adj.Amount > 0 {
			return adj, true
		}
	}
	if len(o.Adjustments) > 0 {
		return o.Adjustments[0], true
	}
	return engine.Adjustment{}, false
}
