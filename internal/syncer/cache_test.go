package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/bus"
	"github.com/lalith-99/chatrelay/internal/events"
	"github.com/lalith-99/chatrelay/internal/models"
)

type fakeTenants struct {
	mu    sync.Mutex
	stats map[uuid.UUID]*models.TenantStats
	calls int
	fail  bool
}

func (f *fakeTenants) GetByID(_ context.Context, _ uuid.UUID) (*models.Tenant, error) {
	return nil, nil
}

func (f *fakeTenants) GetByWidgetKeyID(_ context.Context, _ string) (*models.Tenant, error) {
	return nil, nil
}

func (f *fakeTenants) Stats(_ context.Context, tenantID uuid.UUID) (*models.TenantStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errors.New("store down")
	}
	return f.stats[tenantID], nil
}

func (f *fakeTenants) statsCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestCache(t *testing.T) (*Cache, *fakeTenants, *bus.Bus) {
	t.Helper()
	tenants := &fakeTenants{stats: make(map[uuid.UUID]*models.TenantStats)}
	eventBus := bus.New(zap.NewNop())
	c := New(tenants, nil, eventBus, zap.NewNop())
	t.Cleanup(c.Close)
	return c, tenants, eventBus
}

func TestForceRefreshWarmsCache(t *testing.T) {
	c, tenants, _ := newTestCache(t)
	tenantID := uuid.New()
	tenants.stats[tenantID] = &models.TenantStats{TenantID: tenantID, ConversationCount: 3, UnreadCount: 7}

	require.NoError(t, c.ForceRefresh(context.Background(), ResourceTenantStats, tenantID))

	got, err := c.TenantStats(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ConversationCount)

	st := c.GetCacheStats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Refreshes)
	assert.Equal(t, 1, st.Entries)
}

func TestForceRefreshRejectsUnknownResource(t *testing.T) {
	c, _, _ := newTestCache(t)
	assert.Error(t, c.ForceRefresh(context.Background(), "widgets", uuid.New()))
}

func TestMissFallsBackToStore(t *testing.T) {
	c, tenants, _ := newTestCache(t)
	tenantID := uuid.New()
	tenants.stats[tenantID] = &models.TenantStats{TenantID: tenantID, UnreadCount: 2}

	got, err := c.TenantStats(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UnreadCount)

	st := c.GetCacheStats()
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(1), st.Refreshes)

	// Second read is warm.
	_, err = c.TenantStats(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.GetCacheStats().Hits)
	assert.Equal(t, 1, tenants.statsCalls())
}

func TestStoreFailureSurfacesOnColdRead(t *testing.T) {
	c, tenants, _ := newTestCache(t)
	tenants.fail = true

	_, err := c.TenantStats(context.Background(), uuid.New())
	assert.Error(t, err)
	assert.Equal(t, int64(1), c.GetCacheStats().Errors)
}

func TestBusEventsTriggerRefresh(t *testing.T) {
	c, tenants, eventBus := newTestCache(t)
	tenantID := uuid.New()
	tenants.mu.Lock()
	tenants.stats[tenantID] = &models.TenantStats{TenantID: tenantID, UnreadCount: 1}
	tenants.mu.Unlock()

	eventBus.Emit(events.ShopStatsUpdated, events.StatsUpdate{TenantID: tenantID})
	require.Eventually(t, func() bool {
		return c.GetCacheStats().Refreshes == 1
	}, time.Second, 5*time.Millisecond)

	eventBus.Emit(events.MessageNew, &models.Message{TenantID: tenantID})
	require.Eventually(t, func() bool {
		return c.GetCacheStats().Refreshes == 2
	}, time.Second, 5*time.Millisecond)
}

func TestCloseDetachesFromBus(t *testing.T) {
	c, tenants, eventBus := newTestCache(t)
	c.Close()

	eventBus.Emit(events.ShopStatsUpdated, events.StatsUpdate{TenantID: uuid.New()})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, tenants.statsCalls())
}

func TestClearAllCaches(t *testing.T) {
	c, tenants, _ := newTestCache(t)
	tenantID := uuid.New()
	tenants.stats[tenantID] = &models.TenantStats{TenantID: tenantID}

	require.NoError(t, c.ForceRefresh(context.Background(), ResourceTenantStats, tenantID))
	require.Equal(t, 1, c.GetCacheStats().Entries)

	require.NoError(t, c.ClearAllCaches(context.Background()))
	assert.Zero(t, c.GetCacheStats().Entries)
}
