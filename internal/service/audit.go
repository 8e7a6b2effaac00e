package service

import (
	"context"
	"strings"

	"github.com/utafrali/promotion-engine/internal/domain"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
	"github.com/utafrali/promotion-engine/pkg/httputil"
)

// Audits returns one page of the decision trail recorded for a campaign.
func (s *PromotionService) Audits(ctx context.Context, campaignID string, page httputil.Page) ([]domain.CampaignAudit, int, error) {
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		return nil, 0, apperrors.InvalidInput("campaign id is required")
	}
	if page.Number < 1 {
		page.Number = 1
	}
	if page.PerPage < 1 || page.PerPage > httputil.MaxPerPage {
		page.PerPage = httputil.DefaultPerPage
	}

	audits, total, err := s.stores.Usage.AuditsByCampaign(ctx, campaignID, page)
	if err != nil {
		return nil, 0, err
	}
	return audits, total, nil
}
