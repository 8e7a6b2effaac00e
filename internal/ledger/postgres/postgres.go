// Package postgres implements the usage ledger with conditional updates on
// the campaign and coupon counter tables. Every reservation runs in one
// transaction; a counter that refuses the increment rolls the whole
// reservation back.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/promotion-engine/internal/ledger"
	"github.com/utafrali/promotion-engine/pkg/database"
)

const (
	reserveCampaignSQL = `
		UPDATE campaigns
		SET current_usage = current_usage + 1, spent_budget = spent_budget + $2, updated_at = NOW()
		WHERE id = $1
		  AND ($3::BIGINT = 0 OR current_usage < $3)
		  AND ($4::BIGINT = 0 OR spent_budget + $2 <= $4)`

	reserveCampaignCustomerSQL = `
		INSERT INTO campaign_customer_usage AS u (campaign_id, customer_id, usage_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (campaign_id, customer_id)
		DO UPDATE SET usage_count = u.usage_count + 1
		WHERE $3::BIGINT = 0 OR u.usage_count < $3`

	reserveRuleSQL = `
		INSERT INTO campaign_rule_usage AS u (campaign_id, rule_id, applications)
		VALUES ($1, $2, 1)
		ON CONFLICT (campaign_id, rule_id)
		DO UPDATE SET applications = u.applications + 1
		WHERE $3::BIGINT = 0 OR u.applications < $3`

	reserveCouponSQL = `
		UPDATE coupons
		SET usage_count = usage_count + 1
		WHERE id = $1 AND ($2::BIGINT = 0 OR usage_count < $2)`

	reserveCouponCustomerSQL = `
		INSERT INTO coupon_customer_usage AS u (coupon_id, customer_id, usage_count)
		VALUES ($1, $2, 1)
		ON CONFLICT (coupon_id, customer_id)
		DO UPDATE SET usage_count = u.usage_count + 1
		WHERE $3::BIGINT = 0 OR u.usage_count < $3`

	campaignCountersSQL = `
		SELECT c.current_usage, c.spent_budget,
		       COALESCE((SELECT usage_count FROM campaign_customer_usage WHERE campaign_id = c.id AND customer_id = $2), 0),
		       COALESCE((SELECT applications FROM campaign_rule_usage WHERE campaign_id = c.id AND rule_id = $3), 0)
		FROM campaigns c
		WHERE c.id = $1`

	couponCountersSQL = `
		SELECT c.usage_count,
		       COALESCE((SELECT usage_count FROM coupon_customer_usage WHERE coupon_id = c.id AND customer_id = $2), 0)
		FROM coupons c
		WHERE c.id = $1`

	releaseCampaignSQL = `
		UPDATE campaigns
		SET current_usage = GREATEST(current_usage - 1, 0), spent_budget = GREATEST(spent_budget - $2, 0), updated_at = NOW()
		WHERE id = $1`

	releaseCampaignCustomerSQL = `
		UPDATE campaign_customer_usage SET usage_count = GREATEST(usage_count - 1, 0)
		WHERE campaign_id = $1 AND customer_id = $2`

	releaseRuleSQL = `
		UPDATE campaign_rule_usage SET applications = GREATEST(applications - 1, 0)
		WHERE campaign_id = $1 AND rule_id = $2`

	releaseCouponSQL = `
		UPDATE coupons SET usage_count = GREATEST(usage_count - 1, 0)
		WHERE id = $1`

	releaseCouponCustomerSQL = `
		UPDATE coupon_customer_usage SET usage_count = GREATEST(usage_count - 1, 0)
		WHERE coupon_id = $1 AND customer_id = $2`
)

// miss rolls back the reservation transaction. fallback is the outcome
// implied by the statement that refused the increment.
type miss struct {
	fallback ledger.Outcome
}

func (m *miss) Error() string { return "reservation refused: " + string(m.fallback) }

// Ledger is a ledger.Ledger backed by Postgres. The reservation baseline is
// ignored; the counter tables are authoritative.
type Ledger struct {
	db database.DBTX
}

// New creates a Postgres ledger.
func New(db database.DBTX) *Ledger {
	return &Ledger{db: db}
}

// Reserve claims one use of r. A refused increment is classified against the
// current counters and returned as an outcome.
func (l *Ledger) Reserve(ctx context.Context, r ledger.Reservation) (_ ledger.Outcome, err error) {
	ctx, end := database.TraceQuery(ctx, "LedgerReserve", statementFor(r.Kind, reserveCouponSQL, reserveCampaignSQL))
	defer func() { end(err) }()

	err = database.WithTx(ctx, l.db, func(tx pgx.Tx) error {
		if r.Kind == ledger.KindCoupon {
			return reserveCoupon(ctx, tx, r)
		}
		return reserveCampaign(ctx, tx, r)
	})

	var m *miss
	switch {
	case err == nil:
		return ledger.OutcomeReserved, nil
	case errors.As(err, &m):
		outcome, cerr := l.classify(ctx, r, m.fallback)
		if cerr != nil {
			return "", cerr
		}
		return outcome, nil
	default:
		return "", fmt.Errorf("reserve %s %s: %w", r.Kind, r.ID, err)
	}
}

func reserveCampaign(ctx context.Context, tx pgx.Tx, r ledger.Reservation) error {
	tag, err := tx.Exec(ctx, reserveCampaignSQL, r.ID, r.Amount, r.Limits.MaxUsage, r.Limits.Budget)
	if err != nil {
		return fmt.Errorf("increment campaign usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &miss{fallback: ledger.OutcomeUsageLimitReached}
	}

	tag, err = tx.Exec(ctx, reserveCampaignCustomerSQL, r.ID, r.CustomerID, r.Limits.MaxUsagePerUser)
	if err != nil {
		return fmt.Errorf("increment campaign customer usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &miss{fallback: ledger.OutcomeUserLimitReached}
	}

	if r.RuleID == "" {
		return nil
	}
	tag, err = tx.Exec(ctx, reserveRuleSQL, r.ID, r.RuleID, r.Limits.RuleMaxApplications)
	if err != nil {
		return fmt.Errorf("increment rule applications: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &miss{fallback: ledger.OutcomeRuleLimitReached}
	}
	return nil
}

func reserveCoupon(ctx context.Context, tx pgx.Tx, r ledger.Reservation) error {
	tag, err := tx.Exec(ctx, reserveCouponSQL, r.ID, r.Limits.MaxUsage)
	if err != nil {
		return fmt.Errorf("increment coupon usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &miss{fallback: ledger.OutcomeUsageLimitReached}
	}

	tag, err = tx.Exec(ctx, reserveCouponCustomerSQL, r.ID, r.CustomerID, r.Limits.MaxUsagePerUser)
	if err != nil {
		return fmt.Errorf("increment coupon customer usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &miss{fallback: ledger.OutcomeUserLimitReached}
	}
	return nil
}

// classify reads the committed counters and runs the shared check order
// against them. When a concurrent release already freed the counter the
// refusing statement decides.
func (l *Ledger) classify(ctx context.Context, r ledger.Reservation, fallback ledger.Outcome) (ledger.Outcome, error) {
	var c ledger.Counters
	var err error
	if r.Kind == ledger.KindCoupon {
		err = l.db.QueryRow(ctx, couponCountersSQL, r.ID, r.CustomerID).Scan(&c.Usage, &c.UserUsage)
	} else {
		err = l.db.QueryRow(ctx, campaignCountersSQL, r.ID, r.CustomerID, r.RuleID).
			Scan(&c.Usage, &c.Spent, &c.UserUsage, &c.RuleApplications)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("reserve %s %s: not found", r.Kind, r.ID)
	}
	if err != nil {
		return "", fmt.Errorf("read %s counters: %w", r.Kind, err)
	}

	if outcome := ledger.Check(r, c); outcome != ledger.OutcomeReserved {
		return outcome, nil
	}
	return fallback, nil
}

func statementFor(kind ledger.Kind, coupon, campaign string) string {
	if kind == ledger.KindCoupon {
		return coupon
	}
	return campaign
}

// Release decrements every counter r incremented. Counters never go below zero.
func (l *Ledger) Release(ctx context.Context, r ledger.Reservation) (err error) {
	ctx, end := database.TraceQuery(ctx, "LedgerRelease", statementFor(r.Kind, releaseCouponSQL, releaseCampaignSQL))
	defer func() { end(err) }()

	err = database.WithTx(ctx, l.db, func(tx pgx.Tx) error {
		if r.Kind == ledger.KindCoupon {
			if _, err := tx.Exec(ctx, releaseCouponSQL, r.ID); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, releaseCouponCustomerSQL, r.ID, r.CustomerID)
			return err
		}

		if _, err := tx.Exec(ctx, releaseCampaignSQL, r.ID, r.Amount); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, releaseCampaignCustomerSQL, r.ID, r.CustomerID); err != nil {
			return err
		}
		if r.RuleID != "" {
			if _, err := tx.Exec(ctx, releaseRuleSQL, r.ID, r.RuleID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("release %s %s: %w", r.Kind, r.ID, err)
	}
	return nil
}
