// Package event publishes promotion domain events after a decision is
// committed.
package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/utafrali/promotion-engine/internal/domain"
	pkgkafka "github.com/utafrali/promotion-engine/pkg/kafka"
	"github.com/utafrali/promotion-engine/pkg/logger"
)

// Event types. Topics are derived with pkgkafka.Topic.
const (
	TypePromotionApplied     = "promotion.applied"
	TypeCouponGenerated      = "promotion.coupon_generated"
	TypeLoyaltyPointsAwarded = "promotion.loyalty_points_awarded"
	AggregateTypeOrder       = "order"
	SourcePromotionEngine    = "promotion-engine"
)

var (
	TopicPromotionApplied     = pkgkafka.Topic("promotion", "applied")
	TopicCouponGenerated      = pkgkafka.Topic("promotion", "coupon_generated")
	TopicLoyaltyPointsAwarded = pkgkafka.Topic("promotion", "loyalty_points_awarded")
)

// Publisher is the subset of *pkgkafka.Producer this package needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// AppliedCampaignData is one line of a promotion.applied event.
type AppliedCampaignData struct {
	CampaignID    string `json:"campaign_id,omitempty"`
	CouponCode    string `json:"coupon_code,omitempty"`
	RuleID        string `json:"rule_id,omitempty"`
	AppliedAmount int64  `json:"applied_amount"`
}

// PromotionAppliedData is the payload for a promotion.applied event.
type PromotionAppliedData struct {
	OrderID         string                `json:"order_id"`
	CustomerID      string                `json:"customer_id"`
	RequestID       string                `json:"request_id"`
	Currency        string                `json:"currency"`
	OriginalTotal   int64                 `json:"original_total"`
	DiscountedTotal int64                 `json:"discounted_total"`
	TotalDiscount   int64                 `json:"total_discount"`
	Applied         []AppliedCampaignData `json:"applied"`
}

// CouponGeneratedData is the payload for a promotion.coupon_generated event.
type CouponGeneratedData struct {
	OrderID       string    `json:"order_id"`
	CustomerID    string    `json:"customer_id"`
	CampaignID    string    `json:"campaign_id"`
	Code          string    `json:"code"`
	DiscountType  string    `json:"discount_type"`
	DiscountValue int64     `json:"discount_value"`
	ValidUntil    time.Time `json:"valid_until"`
}

// LoyaltyPointsData is the payload for a promotion.loyalty_points_awarded event.
type LoyaltyPointsData struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	Points     int64  `json:"points"`
}

// Committed describes one committed decision. CommittedAt stamps every event
// of the commit.
type Committed struct {
	OrderID     string
	CustomerID  string
	RequestID   string
	CommittedAt time.Time
	Data        domain.ResponseData
}

// Producer publishes promotion domain events to Kafka.
type Producer struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewProducer creates a new event producer.
func NewProducer(publisher Publisher, logger *slog.Logger) *Producer {
	return &Producer{publisher: publisher, logger: logger}
}

// PublishCommitted emits promotion.applied, then one coupon_generated per
// generated coupon and loyalty_points_awarded when points were earned. Every
// event is attempted; the first error is returned.
func (p *Producer) PublishCommitted(ctx context.Context, c Committed) error {
	data := PromotionAppliedData{
		OrderID:         c.OrderID,
		CustomerID:      c.CustomerID,
		RequestID:       c.RequestID,
		Currency:        c.Data.OriginalTotal.Currency,
		OriginalTotal:   c.Data.OriginalTotal.Amount,
		DiscountedTotal: c.Data.DiscountedTotal.Amount,
		TotalDiscount:   c.Data.TotalDiscount.Amount,
		Applied:         make([]AppliedCampaignData, 0, len(c.Data.AppliedCampaigns)),
	}
	for _, a := range c.Data.AppliedCampaigns {
		data.Applied = append(data.Applied, AppliedCampaignData{
			CampaignID:    a.CampaignID,
			CouponCode:    a.CouponCode,
			RuleID:        a.RuleID,
			AppliedAmount: a.AppliedAmount.Amount,
		})
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(p.publish(ctx, TopicPromotionApplied, TypePromotionApplied, c, 0, data))

	for i, g := range c.Data.GeneratedCoupons {
		record(p.publish(ctx, TopicCouponGenerated, TypeCouponGenerated, c, i, CouponGeneratedData{
			OrderID:       c.OrderID,
			CustomerID:    c.CustomerID,
			CampaignID:    g.CampaignID,
			Code:          g.Code,
			DiscountType:  g.DiscountType,
			DiscountValue: g.DiscountValue,
			ValidUntil:    g.ValidUntil,
		}))
	}

	if c.Data.LoyaltyPoints > 0 {
		record(p.publish(ctx, TopicLoyaltyPointsAwarded, TypeLoyaltyPointsAwarded, c, 0, LoyaltyPointsData{
			OrderID:    c.OrderID,
			CustomerID: c.CustomerID,
			Points:     c.Data.LoyaltyPoints,
		}))
	}
	return firstErr
}

func (p *Producer) publish(ctx context.Context, topic, eventType string, c Committed, seq int, data any) error {
	event, err := pkgkafka.NewEvent(pkgkafka.Meta{
		Type:          eventType,
		AggregateID:   c.OrderID,
		AggregateType: AggregateTypeOrder,
		Source:        SourcePromotionEngine,
		CorrelationID: c.RequestID,
		Seq:           seq,
		OccurredAt:    c.CommittedAt,
	}, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", eventType, err)
	}
	event.WithMetadata("customer_id", c.CustomerID)

	if err := p.publisher.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	logger.WithContext(ctx, p.logger).DebugContext(ctx, "published event",
		slog.String("event_type", eventType),
		slog.String("order_id", c.OrderID),
	)
	return nil
}
