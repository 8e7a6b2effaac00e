package service

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/engine"
	"github.com/utafrali/promotion-engine/internal/repository"
)

// buildCommit turns a resolution into the rows written for one order: a
// usage per applied candidate, an audit per decision and the coupons issued
// by generate_coupon effects.
func (s *PromotionService) buildCommit(req *domain.Request, requestID string, snap *snapshot, res *engine.Resolution) (*repository.Commit, error) {
	currency := req.Cart.Currency()
	clientContext := requestDetails(req.Context)

	c := &repository.Commit{
		OrderID:    req.OrderID,
		RequestID:  requestID,
		CustomerID: req.Customer.ID,
		Currency:   currency,
		NewCode:    s.newCode,
		CreatedAt:  snap.now,
	}

	for _, a := range res.Applied {
		cand := a.Candidate
		c.Usages = append(c.Usages, domain.CampaignUsage{
			ID:              uuid.NewString(),
			CampaignID:      cand.CampaignID(),
			CouponCode:      cand.CouponCode(),
			RuleID:          cand.RuleID(),
			CustomerID:      req.Customer.ID,
			OrderID:         req.OrderID,
			DiscountApplied: domain.NewMoney(a.Outcome.Amount, currency),
			CreatedAt:       snap.now,
		})

		details := map[string]any{
			"appliedAmount": a.Outcome.Amount,
			"priority":      cand.Priority,
		}
		if id := cand.RuleID(); id != "" {
			details["ruleId"] = id
		}
		if a.Outcome.Delivery > 0 {
			details["deliveryDiscount"] = a.Outcome.Delivery
		}
		if a.Outcome.Points > 0 {
			details["loyaltyPoints"] = a.Outcome.Points
		}
		c.Audits = append(c.Audits, s.audit(req, requestID, snap, cand.CampaignID(), cand.CouponCode(),
			domain.DecisionApplied, "", merge(details, clientContext)))
	}

	for _, ex := range res.Excluded {
		details := map[string]any{}
		if ex.RuleID != "" {
			details["ruleId"] = ex.RuleID
		}
		c.Audits = append(c.Audits, s.audit(req, requestID, snap, ex.CampaignID, ex.CouponCode,
			ex.Reason.Decision(), string(ex.Reason), merge(details, clientContext)))
	}

	for _, g := range res.Generated {
		coupon, err := s.generatedCoupon(req, snap, g)
		if err != nil {
			return nil, err
		}
		c.Coupons = append(c.Coupons, coupon)
	}
	return c, nil
}

func (s *PromotionService) audit(req *domain.Request, requestID string, snap *snapshot, campaignID, couponCode string, decision domain.Decision, reason string, details map[string]any) domain.CampaignAudit {
	return domain.CampaignAudit{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		CampaignID: campaignID,
		CouponCode: couponCode,
		CustomerID: req.Customer.ID,
		OrderID:    req.OrderID,
		Decision:   decision,
		Reason:     reason,
		Details:    details,
		CreatedAt:  snap.now,
	}
}

// generatedCoupon issues a single-use coupon owned by the customer. The
// code is drawn here and redrawn by the store on collision.
func (s *PromotionService) generatedCoupon(req *domain.Request, snap *snapshot, g engine.GeneratedIntent) (repository.GeneratedCoupon, error) {
	currency := req.Cart.Currency()
	coupon := &domain.Coupon{
		ID:            uuid.NewString(),
		CampaignID:    g.CampaignID,
		DiscountType:  g.Intent.DiscountType,
		DiscountValue: g.Intent.DiscountValue,
		UsageLimit:    1,
		ValidFrom:     snap.now,
		ValidUntil:    g.ValidUntil,
		UserRestrictions: domain.UserRestrictions{
			MaxUsesPerUser: 1,
		},
		IsActive:        true,
		OwnerCustomerID: req.Customer.ID,
		CreatedAt:       snap.now,
	}
	if g.Intent.MinOrderAmount > 0 {
		minOrder := domain.NewMoney(g.Intent.MinOrderAmount, currency)
		coupon.MinOrderAmount = &minOrder
	}

	code, err := s.newCode(g.Intent.Prefix)
	if err != nil {
		return repository.GeneratedCoupon{}, fmt.Errorf("coupon for campaign %s: %w", g.CampaignID, err)
	}
	coupon.Code = code
	return repository.GeneratedCoupon{Coupon: coupon, Prefix: g.Intent.Prefix}, nil
}

func requestDetails(rc *domain.RequestContext) map[string]any {
	if rc == nil {
		return nil
	}
	out := map[string]any{}
	if rc.Timestamp != nil {
		out["clientTimestamp"] = rc.Timestamp.UTC()
	}
	if rc.SessionID != "" {
		out["sessionId"] = rc.SessionID
	}
	if rc.DeviceType != "" {
		out["deviceType"] = rc.DeviceType
	}
	return out
}

func merge(dst, src map[string]any) map[string]any {
	for k, v := range src {
		dst[k] = v
	}
	if len(dst) == 0 {
		return nil
	}
	return dst
}
