// Package syncer keeps per-tenant aggregates (conversation and unread
// counts) warm for the agent console. It is driven by bus events
// published by the relay rather than called directly: the relay does
// not know the cache exists.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/bus"
	"github.com/lalith-99/chatrelay/internal/events"
	"github.com/lalith-99/chatrelay/internal/models"
	"github.com/lalith-99/chatrelay/internal/repository"
)

const (
	keyPrefix  = "chatrelay:stats:"
	defaultTTL = 5 * time.Minute

	// ResourceTenantStats is the only refreshable resource type today.
	ResourceTenantStats = "tenant_stats"

	refreshTimeout = 5 * time.Second
)

// Stats is the observability snapshot returned by GetCacheStats.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Refreshes int64 `json:"refreshes"`
	Errors    int64 `json:"errors"`
	Entries   int   `json:"entries"`
}

// Cache holds the warm per-tenant aggregates. The in-process map is
// authoritative for reads; Redis is a write-through layer so other
// relay instances see refreshes too. A nil Redis client degrades to
// in-process only.
type Cache struct {
	tenants repository.TenantRepository
	rdb     *redis.Client
	logger  *zap.Logger
	ttl     time.Duration

	mu      sync.Mutex
	local   map[uuid.UUID]*models.TenantStats
	hits    int64
	misses  int64
	refresh int64
	errs    int64

	unsubs []func()
}

// New builds the cache and subscribes it to the relay's stats events.
// Call Close to detach from the bus.
func New(tenants repository.TenantRepository, rdb *redis.Client, eventBus *bus.Bus, logger *zap.Logger) *Cache {
	c := &Cache{
		tenants: tenants,
		rdb:     rdb,
		logger:  logger,
		ttl:     defaultTTL,
		local:   make(map[uuid.UUID]*models.TenantStats),
	}
	if eventBus != nil {
		c.unsubs = append(c.unsubs,
			eventBus.Subscribe(events.ShopStatsUpdated, c.onStatsUpdated),
			eventBus.Subscribe(events.MessageNew, c.onMessageNew),
		)
	}
	return c
}

// Close detaches the cache from the bus. Cached entries survive.
func (c *Cache) Close() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

func (c *Cache) onStatsUpdated(payload any) {
	update, ok := payload.(events.StatsUpdate)
	if !ok {
		return
	}
	c.refreshAsync(update.TenantID)
}

func (c *Cache) onMessageNew(payload any) {
	msg, ok := payload.(*models.Message)
	if !ok {
		return
	}
	c.refreshAsync(msg.TenantID)
}

// refreshAsync recomputes off the bus emit path; a slow store read
// must not stall other subscribers.
func (c *Cache) refreshAsync(tenantID uuid.UUID) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := c.ForceRefresh(ctx, ResourceTenantStats, tenantID); err != nil {
			c.logger.Warn("tenant stats refresh failed",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err),
			)
		}
	}()
}

// ForceRefresh recomputes the named resource from the store and writes
// it through to Redis. Unknown resource types are an error so a typo'd
// caller fails loudly instead of silently refreshing nothing.
func (c *Cache) ForceRefresh(ctx context.Context, resourceType string, id uuid.UUID) error {
	if resourceType != ResourceTenantStats {
		return fmt.Errorf("syncer: unknown resource type %q", resourceType)
	}

	stats, err := c.tenants.Stats(ctx, id)
	if err != nil {
		c.mu.Lock()
		c.errs++
		c.mu.Unlock()
		return fmt.Errorf("compute tenant stats: %w", err)
	}
	if stats == nil {
		return nil
	}

	c.mu.Lock()
	c.local[id] = stats
	c.refresh++
	c.mu.Unlock()

	if c.rdb != nil {
		body, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("encode tenant stats: %w", err)
		}
		if err := c.rdb.Set(ctx, keyPrefix+id.String(), body, c.ttl).Err(); err != nil {
			c.mu.Lock()
			c.errs++
			c.mu.Unlock()
			c.logger.Warn("redis write-through failed",
				zap.String("tenant_id", id.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// TenantStats returns the cached aggregate, checking the in-process
// view first, then Redis, then falling back to the store (which also
// warms both layers).
func (c *Cache) TenantStats(ctx context.Context, tenantID uuid.UUID) (*models.TenantStats, error) {
	c.mu.Lock()
	if stats, ok := c.local[tenantID]; ok {
		c.hits++
		c.mu.Unlock()
		return stats, nil
	}
	c.misses++
	c.mu.Unlock()

	if c.rdb != nil {
		body, err := c.rdb.Get(ctx, keyPrefix+tenantID.String()).Bytes()
		if err == nil {
			var stats models.TenantStats
			if err := json.Unmarshal(body, &stats); err == nil {
				c.mu.Lock()
				c.local[tenantID] = &stats
				c.mu.Unlock()
				return &stats, nil
			}
		} else if err != redis.Nil {
			c.logger.Warn("redis read failed, falling back to store",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err),
			)
		}
	}

	if err := c.ForceRefresh(ctx, ResourceTenantStats, tenantID); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local[tenantID], nil
}

// ClearAllCaches drops the in-process view and deletes this cache's
// Redis keys.
func (c *Cache) ClearAllCaches(ctx context.Context) error {
	c.mu.Lock()
	c.local = make(map[uuid.UUID]*models.TenantStats)
	c.mu.Unlock()

	if c.rdb == nil {
		return nil
	}

	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan cache keys: %w", err)
	}
	if len(keys) > 0 {
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("delete cache keys: %w", err)
		}
	}
	return nil
}

// GetCacheStats reports hit/miss/refresh counters and the warm entry
// count.
func (c *Cache) GetCacheStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Refreshes: c.refresh,
		Errors:    c.errs,
		Entries:   len(c.local),
	}
}
