// Package service orchestrates promotion decisions: load the snapshot,
// resolve conflicts, reserve limits and commit the decision trail.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/engine"
	"github.com/utafrali/promotion-engine/internal/event"
	"github.com/utafrali/promotion-engine/internal/ledger"
	"github.com/utafrali/promotion-engine/internal/ledger/memory"
	"github.com/utafrali/promotion-engine/internal/repository"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
	"github.com/utafrali/promotion-engine/pkg/logger"
	"github.com/utafrali/promotion-engine/pkg/tracing"
)

const tracerName = "github.com/utafrali/promotion-engine/internal/service"

// Abort stages, used as metric labels and in error messages.
const (
	stageLoad     = "load"
	stageResolve  = "resolve"
	stageDeadline = "deadline"
	stageCommit   = "commit"
)

const abortedMessage = "promotions unavailable, original totals returned"

// Config tunes the orchestrator.
type Config struct {
	Policy engine.Policy
	// RequestTimeout bounds a whole decision, commit included.
	RequestTimeout time.Duration
	// ReleaseTimeout bounds compensation after an abort. It runs detached
	// from the request deadline.
	ReleaseTimeout time.Duration
	// Location is the zone time conditions are evaluated in.
	Location *time.Location
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Policy:         engine.DefaultPolicy(),
		RequestTimeout: 2 * time.Second,
		ReleaseTimeout: 5 * time.Second,
		Location:       time.UTC,
	}
}

// Stores groups the persistence ports the service reads and writes.
type Stores struct {
	Campaigns repository.CampaignStore
	Coupons   repository.CouponStore
	Usage     repository.UsageStore
}

// EventPublisher announces committed decisions.
type EventPublisher interface {
	PublishCommitted(ctx context.Context, c event.Committed) error
}

// Option customizes a PromotionService.
type Option func(*PromotionService)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *PromotionService) { s.now = now }
}

// WithCodeGenerator replaces the coupon code generator.
func WithCodeGenerator(fn repository.CodeFunc) Option {
	return func(s *PromotionService) { s.newCode = fn }
}

// PromotionService implements the Evaluate and Apply operations.
type PromotionService struct {
	stores   Stores
	ledger   ledger.Ledger
	resolver *engine.Resolver
	events   EventPublisher
	metrics  *Metrics
	cfg      Config
	now      func() time.Time
	newCode  repository.CodeFunc
	tracer   trace.Tracer
	logger   *slog.Logger
}

// NewPromotionService creates a new promotion service. events and metrics
// may be nil.
func NewPromotionService(stores Stores, l ledger.Ledger, events EventPublisher, cfg Config, metrics *Metrics, logger *slog.Logger, opts ...Option) *PromotionService {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = def.ReleaseTimeout
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}

	s := &PromotionService{
		stores:   stores,
		ledger:   l,
		resolver: engine.NewResolver(cfg.Policy),
		events:   events,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
		newCode:  GenerateCouponCode,
		tracer:   tracing.Tracer(tracerName),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// snapshot is the immutable read set one decision is computed from.
type snapshot struct {
	campaigns []domain.Campaign
	coupons   map[string]*domain.Coupon
	usage     *repository.CustomerUsage
	now       time.Time
}

// Evaluate quotes the discount for req without reserving or writing
// anything. Reservations run against a throwaway in-memory ledger seeded
// from the snapshot, so limits are still honoured within the request.
func (s *PromotionService) Evaluate(ctx context.Context, req *domain.Request) (resp *domain.Response, err error) {
	start := time.Now()
	if err := validateRequest(req, false); err != nil {
		s.metrics.observeDuration(opEvaluate, "invalid", time.Since(start).Seconds())
		return nil, err
	}

	ctx, requestID := s.requestContext(ctx, req)
	ctx, span := s.tracer.Start(ctx, "promotion.evaluate", trace.WithAttributes(
		attribute.String("promotion.request_id", requestID),
		attribute.String("promotion.customer_id", req.Customer.ID),
	))
	defer func() { tracing.End(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	snap, err := s.loadSnapshot(ctx, req)
	if err != nil {
		return s.abort(ctx, opEvaluate, stageLoad, req, requestID, err, start)
	}

	res, err := s.resolver.Resolve(ctx, s.resolveInput(req, snap), memory.New())
	if err != nil {
		return s.abort(ctx, opEvaluate, stageResolve, req, requestID, err, start)
	}
	s.metrics.observeResolution(opEvaluate, res)

	resp = &domain.Response{
		Success: true,
		Data:    buildResponseData(res, requestID, nil),
		Message: summary(len(res.Applied), "applicable"),
	}
	span.SetAttributes(attribute.Int("promotion.applied", len(res.Applied)))
	s.metrics.observeDuration(opEvaluate, "ok", time.Since(start).Seconds())
	return resp, nil
}

// Apply computes the decision, reserves usage and budget for every applied
// candidate and commits the usage and audit rows. Any failure after the
// first reservation releases what was reserved. A replayed order id fails
// with ErrAlreadyExists.
func (s *PromotionService) Apply(ctx context.Context, req *domain.Request) (resp *domain.Response, err error) {
	start := time.Now()
	if err := validateRequest(req, true); err != nil {
		s.metrics.observeDuration(opApply, "invalid", time.Since(start).Seconds())
		return nil, err
	}

	ctx, requestID := s.requestContext(ctx, req)
	ctx, span := s.tracer.Start(ctx, "promotion.apply", trace.WithAttributes(
		attribute.String("promotion.request_id", requestID),
		attribute.String("promotion.customer_id", req.Customer.ID),
		attribute.String("promotion.order_id", req.OrderID),
	))
	defer func() { tracing.End(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	snap, err := s.loadSnapshot(ctx, req)
	if err != nil {
		return s.abort(ctx, opApply, stageLoad, req, requestID, err, start)
	}

	res, err := s.resolver.Resolve(ctx, s.resolveInput(req, snap), s.ledger)
	if err != nil {
		s.release(ctx, res)
		return s.abort(ctx, opApply, stageResolve, req, requestID, err, start)
	}

	if err := ctx.Err(); err != nil {
		s.release(ctx, res)
		return s.abort(ctx, opApply, stageDeadline, req, requestID, err, start)
	}

	commit, err := s.buildCommit(req, requestID, snap, res)
	if err != nil {
		s.release(ctx, res)
		return s.abort(ctx, opApply, stageCommit, req, requestID, err, start)
	}
	if err := s.stores.Usage.Commit(ctx, commit); err != nil {
		s.release(ctx, res)
		if errors.Is(err, apperrors.ErrAlreadyExists) {
			s.metrics.observeDuration(opApply, "duplicate", time.Since(start).Seconds())
			return nil, err
		}
		return s.abort(ctx, opApply, stageCommit, req, requestID, err, start)
	}
	s.metrics.observeResolution(opApply, res)
	s.metrics.observeDiscount(res.TotalDiscount)

	data := buildResponseData(res, requestID, commit.Coupons)
	resp = &domain.Response{
		Success: true,
		Data:    data,
		Message: summary(len(res.Applied), "applied"),
	}

	s.publish(ctx, req, requestID, commit.CreatedAt, data)

	s.logger.InfoContext(ctx, "promotions applied",
		slog.String("request_id", requestID),
		slog.String("order_id", req.OrderID),
		slog.String("customer_id", req.Customer.ID),
		slog.Int("applied", len(res.Applied)),
		slog.Int("excluded", len(res.Excluded)),
		slog.Int64("total_discount", res.TotalDiscount.Amount),
	)
	span.SetAttributes(attribute.Int("promotion.applied", len(res.Applied)))
	s.metrics.observeDuration(opApply, "ok", time.Since(start).Seconds())
	return resp, nil
}

// requestContext makes sure ctx carries a request id and the customer id.
func (s *PromotionService) requestContext(ctx context.Context, req *domain.Request) (context.Context, string) {
	requestID := logger.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = logger.WithRequestID(ctx, requestID)
	}
	return logger.WithCustomerID(ctx, req.Customer.ID), requestID
}

// loadSnapshot reads campaigns, coupons and the customer's usage
// concurrently. The first failure cancels the other reads.
func (s *PromotionService) loadSnapshot(ctx context.Context, req *domain.Request) (*snapshot, error) {
	snap := &snapshot{now: s.now().UTC(), coupons: map[string]*domain.Coupon{}}
	codes := uniqueCodes(req.CouponCodes)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		campaigns, err := s.stores.Campaigns.ActiveCampaigns(gctx, snap.now)
		if err != nil {
			return fmt.Errorf("load active campaigns: %w", err)
		}
		snap.campaigns = campaigns
		return nil
	})
	if len(codes) > 0 {
		g.Go(func() error {
			coupons, err := s.stores.Coupons.GetByCodes(gctx, codes)
			if err != nil {
				return fmt.Errorf("load coupons: %w", err)
			}
			snap.coupons = coupons
			return nil
		})
	}
	g.Go(func() error {
		usage, err := s.stores.Usage.CustomerUsage(gctx, req.Customer.ID)
		if err != nil {
			return fmt.Errorf("load customer usage: %w", err)
		}
		snap.usage = usage
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if snap.usage == nil {
		snap.usage = &repository.CustomerUsage{}
	}
	s.warnMisconfigured(ctx, snap)
	return snap, nil
}

// warnMisconfigured logs stored campaigns and coupons that failed to decode.
// The resolver excludes them.
func (s *PromotionService) warnMisconfigured(ctx context.Context, snap *snapshot) {
	for i := range snap.campaigns {
		if c := &snap.campaigns[i]; c.IsMisconfigured() {
			s.logger.WarnContext(ctx, "skipping misconfigured campaign",
				slog.String("campaign_id", c.ID),
				slog.String("error", c.Misconfigured),
			)
		}
	}
	for code, c := range snap.coupons {
		if c != nil && c.IsMisconfigured() {
			s.logger.WarnContext(ctx, "skipping misconfigured coupon",
				slog.String("coupon_code", code),
				slog.String("error", c.Misconfigured),
			)
		}
	}
}

func (s *PromotionService) resolveInput(req *domain.Request, snap *snapshot) engine.ResolveInput {
	return engine.ResolveInput{
		Customer:      &req.Customer,
		Cart:          &req.Cart,
		Campaigns:     snap.campaigns,
		CouponCodes:   req.CouponCodes,
		Coupons:       snap.coupons,
		CampaignUsage: snap.usage.Campaigns,
		CouponUsage:   snap.usage.Coupons,
		Now:           snap.now,
		Location:      s.cfg.Location,
	}
}

// abort logs the infrastructure failure and returns the original totals
// with zero discount, together with an ErrAborted error.
func (s *PromotionService) abort(ctx context.Context, op, stage string, req *domain.Request, requestID string, cause error, start time.Time) (*domain.Response, error) {
	s.metrics.observeAbort(op, stage)
	s.metrics.observeDuration(op, "aborted", time.Since(start).Seconds())
	s.logger.ErrorContext(ctx, "promotion request aborted",
		slog.String("operation", op),
		slog.String("stage", stage),
		slog.String("request_id", requestID),
		slog.String("customer_id", req.Customer.ID),
		slog.String("error", cause.Error()),
	)

	cart := &req.Cart
	currency := cart.Currency()
	resp := &domain.Response{
		Success: false,
		Data: domain.ResponseData{
			OriginalTotal:    cart.TotalAmount,
			DiscountedTotal:  cart.TotalAmount,
			TotalDiscount:    domain.Zero(currency),
			DeliveryFee:      domain.NewMoney(cart.DeliveryFee.Amount, currency),
			AppliedCampaigns: []domain.AppliedCampaign{},
			RequestID:        requestID,
		},
		Message: abortedMessage,
	}
	return resp, fmt.Errorf("%w: %s: %w", apperrors.ErrAborted, stage, cause)
}

// release compensates every reservation held by res. It runs detached from
// the request deadline, which may be what caused the abort.
func (s *PromotionService) release(ctx context.Context, res *engine.Resolution) {
	if res == nil {
		return
	}
	reservations := res.Reservations()
	if len(reservations) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ReleaseTimeout)
	defer cancel()

	for _, r := range reservations {
		if err := s.ledger.Release(ctx, r); err != nil {
			s.logger.ErrorContext(ctx, "failed to release reservation",
				slog.String("kind", string(r.Kind)),
				slog.String("id", r.ID),
				slog.String("customer_id", r.CustomerID),
				slog.Int64("amount", r.Amount),
				slog.String("error", err.Error()),
			)
		}
	}
}

// publish announces the committed decision. Failures are logged only.
func (s *PromotionService) publish(ctx context.Context, req *domain.Request, requestID string, committedAt time.Time, data domain.ResponseData) {
	if s.events == nil {
		return
	}
	err := s.events.PublishCommitted(ctx, event.Committed{
		OrderID:     req.OrderID,
		CustomerID:  req.Customer.ID,
		RequestID:   requestID,
		CommittedAt: committedAt,
		Data:        data,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to publish promotion events",
			slog.String("order_id", req.OrderID),
			slog.String("error", err.Error()),
		)
	}
}

func uniqueCodes(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	codes := make([]string, 0, len(raw))
	for _, r := range raw {
		code := domain.NormalizeCode(r)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes
}

func summary(applied int, verb string) string {
	switch applied {
	case 0:
		return "no promotions " + verb
	case 1:
		return "1 promotion " + verb
	default:
		return fmt.Sprintf("%d promotions %s", applied, verb)
	}
}
