// Package repository defines the persistence ports of the promotion engine.
package repository

import (
	"context"
	"time"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/pkg/httputil"
)

// CampaignStore reads campaign snapshots.
type CampaignStore interface {
	// ActiveCampaigns returns campaigns with status active whose window
	// contains now, ordered by id.
	ActiveCampaigns(ctx context.Context, now time.Time) ([]domain.Campaign, error)
}

// CouponStore reads coupons.
type CouponStore interface {
	// GetByCodes returns the coupons matching the given normalized codes.
	// Unknown codes are absent from the map.
	GetByCodes(ctx context.Context, codes []string) (map[string]*domain.Coupon, error)
}

// CustomerUsage holds a customer's committed redemptions. Campaigns is keyed
// by campaign id and counts campaign-rule applications; Coupons is keyed by
// coupon code.
type CustomerUsage struct {
	Campaigns map[string]int64
	Coupons   map[string]int64
}

// GeneratedCoupon is a coupon issued by a commit. Prefix is reused when the
// code collides with an existing one.
type GeneratedCoupon struct {
	Coupon *domain.Coupon
	Prefix string
}

// CodeFunc returns a fresh coupon code with the given prefix.
type CodeFunc func(prefix string) (string, error)

// Commit is everything persisted for one applied order.
type Commit struct {
	OrderID    string
	RequestID  string
	CustomerID string
	Currency   string
	Usages     []domain.CampaignUsage
	Audits     []domain.CampaignAudit
	Coupons    []GeneratedCoupon
	NewCode    CodeFunc
	CreatedAt  time.Time
}

// UsageStore persists usages and the audit trail.
type UsageStore interface {
	// CustomerUsage counts the customer's committed usages.
	CustomerUsage(ctx context.Context, customerID string) (*CustomerUsage, error)

	// Commit writes the order, its usages, audits and generated coupons in
	// one transaction. Generated coupon codes may be rewritten on collision.
	// A second commit for the same order fails with ErrAlreadyExists.
	Commit(ctx context.Context, c *Commit) error

	// AuditsByCampaign returns one page of a campaign's audit trail, newest
	// first, with the total count.
	AuditsByCampaign(ctx context.Context, campaignID string, page httputil.Page) ([]domain.CampaignAudit, int, error)
}
