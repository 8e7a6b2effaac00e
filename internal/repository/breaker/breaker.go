// Package breaker wraps the stores and the ledger with circuit breakers so a
// failing dependency is reported as unavailable instead of piling up
// requests.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/ledger"
	"github.com/utafrali/promotion-engine/internal/repository"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
	"github.com/utafrali/promotion-engine/pkg/httputil"
)

// Config holds circuit breaker settings.
type Config struct {
	// MaxRequests is the number of trial requests allowed while half-open.
	MaxRequests uint32
	// Interval clears the closed-state counts. Zero never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// FailureRatio trips the breaker once MinRequests have been seen.
	FailureRatio float64
	MinRequests  uint32
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// Metrics exposes breaker state.
type Metrics struct {
	state *prometheus.GaugeVec
}

// NewMetrics registers the breaker state gauge with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		state: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// isSuccessful keeps business outcomes and caller cancellations from
// counting as dependency failures.
func isSuccessful(err error) bool {
	return err == nil ||
		errors.Is(err, apperrors.ErrAlreadyExists) ||
		errors.Is(err, apperrors.ErrNotFound) ||
		errors.Is(err, context.Canceled)
}

func newBreaker(name string, cfg Config, metrics *Metrics, logger *slog.Logger) *gobreaker.CircuitBreaker[any] {
	if metrics != nil {
		metrics.state.WithLabelValues(name).Set(0)
	}
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			if metrics != nil {
				metrics.state.WithLabelValues(name).Set(stateToFloat(to))
			}
		},
		IsSuccessful: isSuccessful,
	})
}

// execute runs fn through cb. A rejected call becomes an Unavailable error.
func execute[T any](cb *gobreaker.CircuitBreaker[any], fn func() (T, error)) (T, error) {
	v, err := cb.Execute(func() (any, error) { return fn() })
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, apperrors.Unavailable(cb.Name(), err)
		}
		return zero, err
	}
	return v.(T), nil
}

// CampaignStore guards a repository.CampaignStore.
type CampaignStore struct {
	next repository.CampaignStore
	cb   *gobreaker.CircuitBreaker[any]
}

// NewCampaignStore wraps next.
func NewCampaignStore(next repository.CampaignStore, cfg Config, metrics *Metrics, logger *slog.Logger) *CampaignStore {
	return &CampaignStore{next: next, cb: newBreaker("campaign-store", cfg, metrics, logger)}
}

// ActiveCampaigns implements repository.CampaignStore.
func (s *CampaignStore) ActiveCampaigns(ctx context.Context, now time.Time) ([]domain.Campaign, error) {
	return execute(s.cb, func() ([]domain.Campaign, error) { return s.next.ActiveCampaigns(ctx, now) })
}

// CouponStore guards a repository.CouponStore.
type CouponStore struct {
	next repository.CouponStore
	cb   *gobreaker.CircuitBreaker[any]
}

// NewCouponStore wraps next.
func NewCouponStore(next repository.CouponStore, cfg Config, metrics *Metrics, logger *slog.Logger) *CouponStore {
	return &CouponStore{next: next, cb: newBreaker("coupon-store", cfg, metrics, logger)}
}

// GetByCodes implements repository.CouponStore.
func (s *CouponStore) GetByCodes(ctx context.Context, codes []string) (map[string]*domain.Coupon, error) {
	return execute(s.cb, func() (map[string]*domain.Coupon, error) { return s.next.GetByCodes(ctx, codes) })
}

// UsageStore guards a repository.UsageStore.
type UsageStore struct {
	next repository.UsageStore
	cb   *gobreaker.CircuitBreaker[any]
}

// NewUsageStore wraps next.
func NewUsageStore(next repository.UsageStore, cfg Config, metrics *Metrics, logger *slog.Logger) *UsageStore {
	return &UsageStore{next: next, cb: newBreaker("usage-store", cfg, metrics, logger)}
}

// CustomerUsage implements repository.UsageStore.
func (s *UsageStore) CustomerUsage(ctx context.Context, customerID string) (*repository.CustomerUsage, error) {
	return execute(s.cb, func() (*repository.CustomerUsage, error) { return s.next.CustomerUsage(ctx, customerID) })
}

// Commit implements repository.UsageStore.
func (s *UsageStore) Commit(ctx context.Context, c *repository.Commit) error {
	_, err := execute(s.cb, func() (struct{}, error) { return struct{}{}, s.next.Commit(ctx, c) })
	return err
}

type auditPage struct {
	audits []domain.CampaignAudit
	total  int
}

// AuditsByCampaign implements repository.UsageStore.
func (s *UsageStore) AuditsByCampaign(ctx context.Context, campaignID string, page httputil.Page) ([]domain.CampaignAudit, int, error) {
	p, err := execute(s.cb, func() (auditPage, error) {
		audits, total, err := s.next.AuditsByCampaign(ctx, campaignID, page)
		return auditPage{audits: audits, total: total}, err
	})
	return p.audits, p.total, err
}

// Ledger guards a ledger.Ledger. Refused reservations are outcomes and
// count as successes.
type Ledger struct {
	next ledger.Ledger
	cb   *gobreaker.CircuitBreaker[any]
}

// NewLedger wraps next.
func NewLedger(next ledger.Ledger, cfg Config, metrics *Metrics, logger *slog.Logger) *Ledger {
	return &Ledger{next: next, cb: newBreaker("ledger", cfg, metrics, logger)}
}

// Reserve implements ledger.Ledger.
func (l *Ledger) Reserve(ctx context.Context, r ledger.Reservation) (ledger.Outcome, error) {
	return execute(l.cb, func() (ledger.Outcome, error) { return l.next.Reserve(ctx, r) })
}

// Release implements ledger.Ledger. Compensation bypasses the breaker so
// held counters are always returned.
func (l *Ledger) Release(ctx context.Context, r ledger.Reservation) error {
	return l.next.Release(ctx, r)
}
