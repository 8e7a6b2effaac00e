package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/promotion-engine/internal/domain"
)

var now = time.Date(2025, 6, 13, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	campaigns []domain.Campaign
	err       error
	calls     int
}

func (f *fakeStore) ActiveCampaigns(context.Context, time.Time) ([]domain.Campaign, error) {
	f.calls++
	return f.campaigns, f.err
}

func setupCache(t *testing.T, next *fakeStore) (*CampaignCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCampaignCache(next, client, 30*time.Second, logger), mr
}

func sampleCampaigns() []domain.Campaign {
	return []domain.Campaign{
		{
			ID:         "camp-1",
			Name:       "Summer Sale",
			Status:     domain.CampaignStatusActive,
			ValidFrom:  now.Add(-time.Hour),
			ValidUntil: now.Add(24 * time.Hour),
			Priority:   10,
			Rules: []domain.CampaignRule{{
				ID: "rule-1",
				Conditions: []domain.Condition{{
					Type:     domain.ConditionCartTotal,
					Operator: domain.OpGreaterEqual,
					Value:    domain.NumberValue{Number: 5000},
				}},
				Effects: []domain.Effect{{Type: domain.EffectFlatDiscount, Value: 500}},
			}},
		},
		{
			ID:         "camp-2",
			Name:       "Flash",
			Status:     domain.CampaignStatusActive,
			ValidFrom:  now.Add(-time.Hour),
			ValidUntil: now.Add(10 * time.Second),
		},
	}
}

func TestCampaignCache_ReadThrough(t *testing.T) {
	next := &fakeStore{campaigns: sampleCampaigns()}
	cache, mr := setupCache(t, next)
	ctx := context.Background()

	first, err := cache.ActiveCampaigns(ctx, now)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.True(t, mr.Exists(DefaultKey))
	assert.Equal(t, 30*time.Second, mr.TTL(DefaultKey))

	second, err := cache.ActiveCampaigns(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)
	require.Len(t, second, 2)
	require.Len(t, second[0].Rules, 1)
	assert.Equal(t, domain.NumberValue{Number: 5000}, second[0].Rules[0].Conditions[0].Value)
}

func TestCampaignCache_DropsExpiredCachedCampaigns(t *testing.T) {
	next := &fakeStore{campaigns: sampleCampaigns()}
	cache, _ := setupCache(t, next)
	ctx := context.Background()

	_, err := cache.ActiveCampaigns(ctx, now)
	require.NoError(t, err)

	later, err := cache.ActiveCampaigns(ctx, now.Add(20*time.Second))
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, "camp-1", later[0].ID)
}

func TestCampaignCache_StoreErrorNotCached(t *testing.T) {
	next := &fakeStore{err: errors.New("connection refused")}
	cache, mr := setupCache(t, next)

	_, err := cache.ActiveCampaigns(context.Background(), now)
	require.Error(t, err)
	assert.False(t, mr.Exists(DefaultKey))
}

func TestCampaignCache_RedisDownFallsThrough(t *testing.T) {
	next := &fakeStore{campaigns: sampleCampaigns()}
	cache, mr := setupCache(t, next)
	mr.Close()

	campaigns, err := cache.ActiveCampaigns(context.Background(), now)
	require.NoError(t, err)
	assert.Len(t, campaigns, 2)
	assert.Equal(t, 1, next.calls)
}

func TestCampaignCache_CorruptEntryIgnored(t *testing.T) {
	next := &fakeStore{campaigns: sampleCampaigns()}
	cache, mr := setupCache(t, next)
	require.NoError(t, mr.Set(DefaultKey, "{not json"))

	campaigns, err := cache.ActiveCampaigns(context.Background(), now)
	require.NoError(t, err)
	assert.Len(t, campaigns, 2)
	assert.Equal(t, 1, next.calls)
}

func TestCampaignCache_Invalidate(t *testing.T) {
	next := &fakeStore{campaigns: sampleCampaigns()}
	cache, mr := setupCache(t, next)
	ctx := context.Background()

	_, err := cache.ActiveCampaigns(ctx, now)
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx))
	assert.False(t, mr.Exists(DefaultKey))

	_, err = cache.ActiveCampaigns(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}
