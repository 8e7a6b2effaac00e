// Package redis caches the active-campaign snapshot in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/promotion-engine/internal/domain"
	"github.com/utafrali/promotion-engine/internal/repository"
	"github.com/utafrali/promotion-engine/pkg/database"
)

// DefaultKey is where the snapshot is stored.
const DefaultKey = "promotions:campaigns:active"

// CampaignCache is a read-through repository.CampaignStore. Redis failures
// are logged and fall through to the wrapped store.
type CampaignCache struct {
	next   repository.CampaignStore
	client redis.Cmdable
	key    string
	ttl    time.Duration
	logger *slog.Logger
}

// NewCampaignCache wraps next. Snapshots live for ttl.
func NewCampaignCache(next repository.CampaignStore, client redis.Cmdable, ttl time.Duration, logger *slog.Logger) *CampaignCache {
	return &CampaignCache{next: next, client: client, key: DefaultKey, ttl: ttl, logger: logger}
}

// ActiveCampaigns serves the cached snapshot when present. Cached
// campaigns whose window no longer contains now are dropped. Campaigns that
// start while a snapshot is live appear once it expires.
func (c *CampaignCache) ActiveCampaigns(ctx context.Context, now time.Time) ([]domain.Campaign, error) {
	if cached, ok := c.get(ctx); ok {
		active := make([]domain.Campaign, 0, len(cached))
		for _, camp := range cached {
			if domain.WithinWindow(now, camp.ValidFrom, camp.ValidUntil) {
				active = append(active, camp)
			}
		}
		return active, nil
	}

	campaigns, err := c.next.ActiveCampaigns(ctx, now)
	if err != nil {
		return nil, err
	}
	c.set(ctx, campaigns)
	return campaigns, nil
}

// Invalidate drops the snapshot.
func (c *CampaignCache) Invalidate(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("invalidate campaign cache: %w", err)
	}
	return nil
}

func (c *CampaignCache) get(ctx context.Context) ([]domain.Campaign, bool) {
	var err error
	ctx, end := database.TraceRedis(ctx, "CampaignCacheGet", "GET "+c.key)
	defer func() { end(err) }()

	data, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		err = nil
		return nil, false
	}
	if err != nil {
		c.logger.WarnContext(ctx, "campaign cache read failed", slog.String("error", err.Error()))
		return nil, false
	}

	var campaigns []domain.Campaign
	if err = json.Unmarshal(data, &campaigns); err != nil {
		c.logger.WarnContext(ctx, "campaign cache entry corrupt", slog.String("error", err.Error()))
		return nil, false
	}
	return campaigns, true
}

func (c *CampaignCache) set(ctx context.Context, campaigns []domain.Campaign) {
	var err error
	ctx, end := database.TraceRedis(ctx, "CampaignCacheSet", "SET "+c.key)
	defer func() { end(err) }()

	data, err := json.Marshal(campaigns)
	if err != nil {
		c.logger.WarnContext(ctx, "campaign cache encode failed", slog.String("error", err.Error()))
		return
	}
	if err = c.client.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "campaign cache write failed", slog.String("error", err.Error()))
	}
}
