package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/pkg/database"
)

const activeCampaignsSQL = `
	SELECT id, name, type, status, rules, valid_from, valid_until, currency,
	       budget, spent_budget, max_usage, current_usage, max_usage_per_user,
	       priority, is_exclusive, created_at, updated_at
	FROM campaigns
	WHERE status = 'active' AND valid_from <= $1 AND valid_until >= $1
	ORDER BY id`

const ruleUsageSQL = `
	SELECT campaign_id, rule_id, applications
	FROM campaign_rule_usage
	WHERE campaign_id = ANY($1)`

// CampaignRepository implements repository.CampaignStore using PostgreSQL.
type CampaignRepository struct {
	db database.DBTX
}

// NewCampaignRepository creates a new PostgreSQL-backed campaign repository.
func NewCampaignRepository(db database.DBTX) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// ActiveCampaigns loads the active campaigns and fills each rule's current
// application count. A campaign whose rules do not decode is returned without
// rules and marked misconfigured; it does not fail the load.
func (r *CampaignRepository) ActiveCampaigns(ctx context.Context, now time.Time) (_ []domain.Campaign, err error) {
	ctx, end := database.TraceQuery(ctx, "ActiveCampaigns", activeCampaignsSQL)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, activeCampaignsSQL, now)
	if err != nil {
		return nil, fmt.Errorf("query active campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []domain.Campaign{}
	for rows.Next() {
		var (
			c         domain.Campaign
			rulesJSON []byte
			currency  string
		)
		if err := rows.Scan(
			&c.ID,
			&c.Name,
			&c.Type,
			&c.Status,
			&rulesJSON,
			&c.ValidFrom,
			&c.ValidUntil,
			&currency,
			&c.Budget.Amount,
			&c.SpentBudget.Amount,
			&c.MaxUsage,
			&c.CurrentUsage,
			&c.MaxUsagePerUser,
			&c.Priority,
			&c.IsExclusive,
			&c.CreatedAt,
			&c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan campaign row: %w", err)
		}
		if err := json.Unmarshal(rulesJSON, &c.Rules); err != nil {
			c.Rules = nil
			c.Misconfigured = fmt.Sprintf("unmarshal rules: %v", err)
		}
		c.Budget.Currency = currency
		c.SpentBudget.Currency = currency
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate campaign rows: %w", err)
	}

	if len(campaigns) == 0 {
		return campaigns, nil
	}
	if err := r.fillRuleUsage(ctx, campaigns); err != nil {
		return nil, err
	}
	return campaigns, nil
}

func (r *CampaignRepository) fillRuleUsage(ctx context.Context, campaigns []domain.Campaign) error {
	ids := make([]string, len(campaigns))
	for i := range campaigns {
		ids[i] = campaigns[i].ID
	}

	rows, err := r.db.Query(ctx, ruleUsageSQL, ids)
	if err != nil {
		return fmt.Errorf("query rule usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[string]int64)
	for rows.Next() {
		var campaignID, ruleID string
		var applications int64
		if err := rows.Scan(&campaignID, &ruleID, &applications); err != nil {
			return fmt.Errorf("scan rule usage row: %w", err)
		}
		usage[campaignID+"/"+ruleID] = applications
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate rule usage rows: %w", err)
	}

	for i := range campaigns {
		for j := range campaigns[i].Rules {
			rule := &campaigns[i].Rules[j]
			rule.CurrentApplications = usage[campaigns[i].ID+"/"+rule.ID]
		}
	}
	return nil
}
