package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/ledger"
	"github.com/utafrali/promotion-engine/internal/repository"
	apperrors "github.com/utafrali/promotion-engine/pkg/errors"
	"github.com/utafrali/promotion-engine/pkg/httputil"
)

var errDown = errors.New("connection refused")

type fakeCampaigns struct {
	err   error
	calls int
}

func (f *fakeCampaigns) ActiveCampaigns(context.Context, time.Time) ([]domain.Campaign, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []domain.Campaign{{ID: "camp-1"}}, nil
}

type fakeUsage struct {
	commitErr error
	calls     int
}

func (f *fakeUsage) CustomerUsage(context.Context, string) (*repository.CustomerUsage, error) {
	return &repository.CustomerUsage{Campaigns: map[string]int64{"camp-1": 1}}, nil
}

func (f *fakeUsage) Commit(context.Context, *repository.Commit) error {
	f.calls++
	return f.commitErr
}

func (f *fakeUsage) AuditsByCampaign(context.Context, string, httputil.Page) ([]domain.CampaignAudit, int, error) {
	return []domain.CampaignAudit{{ID: "a-1"}}, 7, nil
}

type fakeLedger struct {
	released int
}

func (f *fakeLedger) Reserve(context.Context, ledger.Reservation) (ledger.Outcome, error) {
	return "", errDown
}

func (f *fakeLedger) Release(context.Context, ledger.Reservation) error {
	f.released++
	return nil
}

func testConfig() Config {
	return Config{MaxRequests: 1, Timeout: time.Minute, FailureRatio: 0.5, MinRequests: 2}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestCampaignStore_OpensAfterFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	next := &fakeCampaigns{err: errDown}
	store := NewCampaignStore(next, testConfig(), metrics, discard())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := store.ActiveCampaigns(ctx, time.Now())
		require.ErrorIs(t, err, errDown)
	}

	_, err := store.ActiveCampaigns(ctx, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavail)
	assert.Equal(t, 2, next.calls)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.state.WithLabelValues("campaign-store")))
}

func TestCampaignStore_PassesThrough(t *testing.T) {
	store := NewCampaignStore(&fakeCampaigns{}, testConfig(), nil, discard())

	campaigns, err := store.ActiveCampaigns(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, campaigns, 1)
	assert.Equal(t, "camp-1", campaigns[0].ID)
}

func TestUsageStore_BusinessErrorsDoNotTrip(t *testing.T) {
	next := &fakeUsage{commitErr: apperrors.AlreadyExists("order", "orderId", "o-1")}
	store := NewUsageStore(next, testConfig(), nil, discard())

	for i := 0; i < 5; i++ {
		err := store.Commit(context.Background(), &repository.Commit{})
		assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
	}
	assert.Equal(t, 5, next.calls)

	usage, err := store.CustomerUsage(context.Background(), "cust-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usage.Campaigns["camp-1"])

	audits, total, err := store.AuditsByCampaign(context.Background(), "camp-1", httputil.Page{Number: 1, PerPage: 20})
	require.NoError(t, err)
	assert.Len(t, audits, 1)
	assert.Equal(t, 7, total)
}

func TestLedger_ReleaseBypassesOpenBreaker(t *testing.T) {
	next := &fakeLedger{}
	l := NewLedger(next, testConfig(), nil, discard())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = l.Reserve(ctx, ledger.Reservation{})
	}
	_, err := l.Reserve(ctx, ledger.Reservation{})
	require.ErrorIs(t, err, apperrors.ErrServiceUnavail)

	require.NoError(t, l.Release(ctx, ledger.Reservation{}))
	assert.Equal(t, 1, next.released)
}
