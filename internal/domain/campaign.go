package domain

import (
	"time"
)

// Campaign status constants.
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusActive    = "active"
	CampaignStatusPaused    = "paused"
	CampaignStatusExpired   = "expired"
	CampaignStatusCompleted = "completed"
)

// Campaign priority bounds. Higher priority is evaluated first.
const (
	MinPriority = 1
	MaxPriority = 1000
)

// Campaign is a promotional configuration with ordered rules, a validity
// window and usage/budget caps. A zero MaxUsage, MaxUsagePerUser or Budget
// amount means the cap is not enforced.
type Campaign struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Type            string         `json:"type"`
	Status          string         `json:"status"`
	Rules           []CampaignRule `json:"rules"`
	ValidFrom       time.Time      `json:"validFrom"`
	ValidUntil      time.Time      `json:"validUntil"`
	Budget          Money          `json:"budget"`
	SpentBudget     Money          `json:"spentBudget"`
	MaxUsage        int64          `json:"maxUsage"`
	CurrentUsage    int64          `json:"currentUsage"`
	MaxUsagePerUser int64          `json:"maxUsagePerUser"`
	Priority        int            `json:"priority"`
	IsExclusive     bool           `json:"isExclusive"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`

	// Misconfigured holds the decode error of a stored campaign whose rules
	// could not be read. Such a campaign never applies.
	Misconfigured string `json:"misconfigured,omitempty"`
}

// CampaignRule is a (conditions, effects) pair inside a campaign.
type CampaignRule struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name,omitempty"`
	Conditions          []Condition `json:"conditions"`
	Effects             []Effect    `json:"effects"`
	Priority            int         `json:"priority"`
	IsExclusive         bool        `json:"isExclusive"`
	MaxApplications     int64       `json:"maxApplications,omitempty"`
	CurrentApplications int64       `json:"currentApplications,omitempty"`
	ValidFrom           *time.Time  `json:"validFrom,omitempty"`
	ValidUntil          *time.Time  `json:"validUntil,omitempty"`
}

// IsMisconfigured reports whether the stored campaign failed to decode.
func (c *Campaign) IsMisconfigured() bool {
	return c.Misconfigured != ""
}

// IsActive reports whether the campaign status is active.
func (c *Campaign) IsActive() bool {
	return c.Status == CampaignStatusActive
}

// HasBudget reports whether a budget cap is configured.
func (c *Campaign) HasBudget() bool {
	return c.Budget.Amount > 0
}

// RemainingBudget returns the unspent part of the budget. It is only
// meaningful when HasBudget is true.
func (c *Campaign) RemainingBudget() int64 {
	remaining := c.Budget.Amount - c.SpentBudget.Amount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// UsageExhausted reports whether the global usage cap has been reached.
func (c *Campaign) UsageExhausted() bool {
	return c.MaxUsage > 0 && c.CurrentUsage >= c.MaxUsage
}

// WithinWindow reports whether now lies in [ValidFrom, ValidUntil].
func WithinWindow(now, from, until time.Time) bool {
	if !from.IsZero() && now.Before(from) {
		return false
	}
	if !until.IsZero() && now.After(until) {
		return false
	}
	return true
}

// WithinWindow reports whether the rule's own window contains now. A rule
// without a window inherits the campaign's.
func (r *CampaignRule) WithinWindow(now time.Time) bool {
	if r.ValidFrom != nil && now.Before(*r.ValidFrom) {
		return false
	}
	if r.ValidUntil != nil && now.After(*r.ValidUntil) {
		return false
	}
	return true
}

// ApplicationsExhausted reports whether the rule-level cap has been reached.
func (r *CampaignRule) ApplicationsExhausted() bool {
	return r.MaxApplications > 0 && r.CurrentApplications >= r.MaxApplications
}

// ValidStatuses returns the set of valid campaign statuses.
func ValidStatuses() []string {
	return []string{
		CampaignStatusDraft,
		CampaignStatusActive,
		CampaignStatusPaused,
		CampaignStatusExpired,
		CampaignStatusCompleted,
	}
}

// IsValidStatus checks whether the given status string is a valid campaign status.
func IsValidStatus(status string) bool {
	for _, s := range ValidStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

// ClampPriority bounds p to [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
