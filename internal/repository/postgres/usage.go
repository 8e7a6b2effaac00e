package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/repository"
	"github.com/utafrali/promotion-engine/pkg/database"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
	"github.com/utafrali/promotion-engine/pkg/httputil"
)

// maxCodeAttempts bounds regeneration of a colliding coupon code.
const maxCodeAttempts = 5

const customerUsageSQL = `
	SELECT campaign_id, coupon_code, COUNT(*)
	FROM campaign_usages
	WHERE customer_id = $1
	GROUP BY campaign_id, coupon_code`

const insertOrderSQL = `
	INSERT INTO applied_orders (order_id, request_id, customer_id, created_at)
	VALUES ($1, $2, $3, $4)`

const insertUsageSQL = `
	INSERT INTO campaign_usages (id, campaign_id, coupon_code, rule_id, customer_id, order_id, discount_applied, currency, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const insertAuditSQL = `
	INSERT INTO campaign_audits (id, request_id, campaign_id, coupon_code, customer_id, order_id, decision, reason, details, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const advanceCampaignSQL = `
	UPDATE campaigns
	SET current_usage = current_usage + 1, spent_budget = spent_budget + $2, updated_at = $3
	WHERE id = $1`

const advanceRuleSQL = `
	INSERT INTO campaign_rule_usage AS u (campaign_id, rule_id, applications)
	VALUES ($1, $2, 1)
	ON CONFLICT (campaign_id, rule_id)
	DO UPDATE SET applications = u.applications + 1`

const advanceCouponSQL = `
	UPDATE coupons SET usage_count = usage_count + 1
	WHERE code = $1`

const auditsByCampaignSQL = `
	SELECT id, request_id, campaign_id, coupon_code, customer_id, order_id,
	       decision, reason, details, created_at,
	       count(*) OVER() AS total_count
	FROM campaign_audits
	WHERE campaign_id = $1
	ORDER BY created_at DESC, id
	LIMIT $2 OFFSET $3`

// ErrCodeSpaceExhausted is returned when every regenerated coupon code
// collided.
var ErrCodeSpaceExhausted = errors.New("coupon code generation exhausted")

// UsageRepository implements repository.UsageStore using PostgreSQL.
type UsageRepository struct {
	db           database.DBTX
	syncCounters bool
}

// UsageOption configures a UsageRepository.
type UsageOption func(*UsageRepository)

// WithCounterSync makes Commit advance the campaign, rule and coupon counter
// columns for every committed usage. Use it when reservations are held
// outside Postgres: those columns are the baseline a lost counter is
// re-seeded from, so they must include every committed use.
func WithCounterSync() UsageOption {
	return func(r *UsageRepository) { r.syncCounters = true }
}

// NewUsageRepository creates a new PostgreSQL-backed usage repository.
func NewUsageRepository(db database.DBTX, opts ...UsageOption) *UsageRepository {
	r := &UsageRepository{db: db}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CustomerUsage counts the customer's usages. Rows carrying a coupon code
// count towards the coupon only.
func (r *UsageRepository) CustomerUsage(ctx context.Context, customerID string) (_ *repository.CustomerUsage, err error) {
	ctx, end := database.TraceQuery(ctx, "CustomerUsage", customerUsageSQL)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, customerUsageSQL, customerID)
	if err != nil {
		return nil, fmt.Errorf("query customer usage: %w", err)
	}
	defer rows.Close()

	usage := &repository.CustomerUsage{
		Campaigns: make(map[string]int64),
		Coupons:   make(map[string]int64),
	}
	for rows.Next() {
		var campaignID, couponCode string
		var n int64
		if err := rows.Scan(&campaignID, &couponCode, &n); err != nil {
			return nil, fmt.Errorf("scan customer usage row: %w", err)
		}
		if couponCode != "" {
			usage.Coupons[couponCode] += n
		} else {
			usage.Campaigns[campaignID] += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate customer usage rows: %w", err)
	}
	return usage, nil
}

// Commit writes the order marker first so that a replayed order fails before
// anything else is inserted.
func (r *UsageRepository) Commit(ctx context.Context, c *repository.Commit) (err error) {
	ctx, end := database.TraceQuery(ctx, "Commit", insertOrderSQL)
	defer func() { end(err) }()

	return database.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertOrderSQL, c.OrderID, c.RequestID, c.CustomerID, c.CreatedAt); err != nil {
			if database.IsUniqueViolation(err, "applied_orders_pkey") {
				return apperrors.AlreadyExists("order", "orderId", c.OrderID)
			}
			return fmt.Errorf("insert order %s: %w", c.OrderID, err)
		}

		for i := range c.Coupons {
			if err := insertGeneratedCoupon(ctx, tx, c, &c.Coupons[i]); err != nil {
				return err
			}
		}

		for _, u := range c.Usages {
			if _, err := tx.Exec(ctx, insertUsageSQL,
				u.ID, u.CampaignID, u.CouponCode, u.RuleID, u.CustomerID, u.OrderID,
				u.DiscountApplied.Amount, u.DiscountApplied.Currency, u.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert usage %s: %w", u.ID, err)
			}
			if r.syncCounters {
				if err := advanceCounters(ctx, tx, u); err != nil {
					return err
				}
			}
		}

		for _, a := range c.Audits {
			details, err := marshalDetails(a.Details)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, insertAuditSQL,
				a.ID, a.RequestID, a.CampaignID, a.CouponCode, a.CustomerID, a.OrderID,
				string(a.Decision), a.Reason, details, a.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert audit %s: %w", a.ID, err)
			}
		}
		return nil
	})
}

// advanceCounters adds one committed use to the counter columns. A coupon
// usage counts towards the coupon only.
func advanceCounters(ctx context.Context, tx pgx.Tx, u domain.CampaignUsage) error {
	if u.CouponCode != "" {
		if _, err := tx.Exec(ctx, advanceCouponSQL, u.CouponCode); err != nil {
			return fmt.Errorf("advance coupon %s: %w", u.CouponCode, err)
		}
		return nil
	}
	if _, err := tx.Exec(ctx, advanceCampaignSQL, u.CampaignID, u.DiscountApplied.Amount, u.CreatedAt); err != nil {
		return fmt.Errorf("advance campaign %s: %w", u.CampaignID, err)
	}
	if u.RuleID != "" {
		if _, err := tx.Exec(ctx, advanceRuleSQL, u.CampaignID, u.RuleID); err != nil {
			return fmt.Errorf("advance rule %s/%s: %w", u.CampaignID, u.RuleID, err)
		}
	}
	return nil
}

// insertGeneratedCoupon inserts g, drawing a new code while the current one
// is taken.
func insertGeneratedCoupon(ctx context.Context, tx pgx.Tx, c *repository.Commit, g *repository.GeneratedCoupon) error {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		if attempt > 0 {
			if c.NewCode == nil {
				break
			}
			code, err := c.NewCode(g.Prefix)
			if err != nil {
				return fmt.Errorf("generate coupon code: %w", err)
			}
			g.Coupon.Code = code
		}

		args, err := couponArgs(g.Coupon, c.Currency)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, insertCouponSQL, args...)
		if err != nil {
			return fmt.Errorf("insert coupon: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
	}
	return fmt.Errorf("insert coupon for campaign %s: %w", g.Coupon.CampaignID, ErrCodeSpaceExhausted)
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal audit details: %w", err)
	}
	return b, nil
}

// AuditsByCampaign returns one page of the campaign's audit trail.
func (r *UsageRepository) AuditsByCampaign(ctx context.Context, campaignID string, page httputil.Page) (_ []domain.CampaignAudit, _ int, err error) {
	ctx, end := database.TraceQuery(ctx, "AuditsByCampaign", auditsByCampaignSQL)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, auditsByCampaignSQL, campaignID, page.PerPage, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("query audits: %w", err)
	}
	defer rows.Close()

	var (
		audits = []domain.CampaignAudit{}
		total  int
	)
	for rows.Next() {
		var (
			a          domain.CampaignAudit
			decision   string
			detailsRaw []byte
		)
		if err := rows.Scan(
			&a.ID, &a.RequestID, &a.CampaignID, &a.CouponCode, &a.CustomerID, &a.OrderID,
			&decision, &a.Reason, &detailsRaw, &a.CreatedAt, &total,
		); err != nil {
			return nil, 0, fmt.Errorf("scan audit row: %w", err)
		}
		a.Decision = domain.Decision(decision)
		if len(detailsRaw) > 0 {
			if err := json.Unmarshal(detailsRaw, &a.Details); err != nil {
				return nil, 0, fmt.Errorf("unmarshal audit details: %w", err)
			}
		}
		audits = append(audits, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate audit rows: %w", err)
	}
	return audits, total, nil
}
