package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/pkg/database"
)

const couponColumns = `
	id, code, campaign_id, discount_type, discount_value, currency,
	min_order_amount, max_discount_amount, usage_limit, usage_count,
	valid_from, valid_until, applicable_products, applicable_categories,
	excluded_products, user_restrictions, is_active, is_exclusive,
	owner_customer_id, created_at`

const couponsByCodeSQL = `SELECT` + couponColumns + `
	FROM coupons
	WHERE code = ANY($1)`

const insertCouponSQL = `
	INSERT INTO coupons (` + couponColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	ON CONFLICT (code) DO NOTHING`

// CouponRepository implements repository.CouponStore using PostgreSQL.
type CouponRepository struct {
	db database.DBTX
}

// NewCouponRepository creates a new PostgreSQL-backed coupon repository.
func NewCouponRepository(db database.DBTX) *CouponRepository {
	return &CouponRepository{db: db}
}

// GetByCodes returns the coupons whose code is in codes.
func (r *CouponRepository) GetByCodes(ctx context.Context, codes []string) (_ map[string]*domain.Coupon, err error) {
	out := make(map[string]*domain.Coupon, len(codes))
	if len(codes) == 0 {
		return out, nil
	}

	ctx, end := database.TraceQuery(ctx, "CouponsByCode", couponsByCodeSQL)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, couponsByCodeSQL, codes)
	if err != nil {
		return nil, fmt.Errorf("query coupons: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		out[c.Code] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate coupon rows: %w", err)
	}
	return out, nil
}

// scanCoupon reads one coupon row. Undecodable JSON columns mark the coupon
// misconfigured instead of failing the scan.
func scanCoupon(row pgx.Row) (*domain.Coupon, error) {
	var (
		c              domain.Coupon
		currency       string
		minOrder       *int64
		maxDiscount    *int64
		productsJSON   []byte
		categoriesJSON []byte
		excludedJSON   []byte
		restrictions   []byte
	)
	if err := row.Scan(
		&c.ID,
		&c.Code,
		&c.CampaignID,
		&c.DiscountType,
		&c.DiscountValue,
		&currency,
		&minOrder,
		&maxDiscount,
		&c.UsageLimit,
		&c.UsageCount,
		&c.ValidFrom,
		&c.ValidUntil,
		&productsJSON,
		&categoriesJSON,
		&excludedJSON,
		&restrictions,
		&c.IsActive,
		&c.IsExclusive,
		&c.OwnerCustomerID,
		&c.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan coupon row: %w", err)
	}

	if minOrder != nil {
		m := domain.NewMoney(*minOrder, currency)
		c.MinOrderAmount = &m
	}
	if maxDiscount != nil {
		m := domain.NewMoney(*maxDiscount, currency)
		c.MaxDiscountAmount = &m
	}

	for _, f := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"applicable_products", productsJSON, &c.ApplicableProducts},
		{"applicable_categories", categoriesJSON, &c.ApplicableCategories},
		{"excluded_products", excludedJSON, &c.ExcludedProducts},
		{"user_restrictions", restrictions, &c.UserRestrictions},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			c.Misconfigured = fmt.Sprintf("unmarshal %s: %v", f.name, err)
			break
		}
	}
	return &c, nil
}

// couponArgs returns the insert arguments in couponColumns order.
func couponArgs(c *domain.Coupon, currency string) ([]any, error) {
	products, err := json.Marshal(nonNil(c.ApplicableProducts))
	if err != nil {
		return nil, fmt.Errorf("marshal applicable_products: %w", err)
	}
	categories, err := json.Marshal(nonNil(c.ApplicableCategories))
	if err != nil {
		return nil, fmt.Errorf("marshal applicable_categories: %w", err)
	}
	excluded, err := json.Marshal(nonNil(c.ExcludedProducts))
	if err != nil {
		return nil, fmt.Errorf("marshal excluded_products: %w", err)
	}
	restrictions, err := json.Marshal(c.UserRestrictions)
	if err != nil {
		return nil, fmt.Errorf("marshal user_restrictions: %w", err)
	}

	var minOrder, maxDiscount *int64
	if c.MinOrderAmount != nil {
		minOrder = &c.MinOrderAmount.Amount
	}
	if c.MaxDiscountAmount != nil {
		maxDiscount = &c.MaxDiscountAmount.Amount
	}

	return []any{
		c.ID, c.Code, c.CampaignID, c.DiscountType, c.DiscountValue, currency,
		minOrder, maxDiscount, c.UsageLimit, c.UsageCount,
		c.ValidFrom, c.ValidUntil, products, categories,
		excluded, restrictions, c.IsActive, c.IsExclusive,
		c.OwnerCustomerID, c.CreatedAt,
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
