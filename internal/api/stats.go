package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/middleware"
	"github.com/lalith-99/chatrelay/internal/syncer"
)

// StatsHandler exposes the sync cache to the agent console: warm
// tenant aggregates plus cache maintenance endpoints.
type StatsHandler struct {
	cache  *syncer.Cache
	logger *zap.Logger
}

func NewStatsHandler(cache *syncer.Cache, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{cache: cache, logger: logger}
}

// TenantStats handles GET /v1/tenants/stats for the authenticated
// tenant.
func (h *StatsHandler) TenantStats(c *gin.Context) {
	stats, err := h.cache.TenantStats(c.Request.Context(), middleware.GetTenantID(c))
	if err != nil {
		h.logger.Error("failed to load tenant stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load tenant stats"})
		return
	}
	if stats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "tenant not found"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Refresh handles POST /v1/cache/refresh, forcing a recompute of the
// caller's tenant aggregates.
func (h *StatsHandler) Refresh(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)
	if err := h.cache.ForceRefresh(c.Request.Context(), syncer.ResourceTenantStats, tenantID); err != nil {
		h.logger.Error("forced refresh failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "refresh failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "refreshed"})
}

// Clear handles POST /v1/cache/clear.
func (h *StatsHandler) Clear(c *gin.Context) {
	if err := h.cache.ClearAllCaches(c.Request.Context()); err != nil {
		h.logger.Error("cache clear failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "clear failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// CacheStats handles GET /v1/cache/stats.
func (h *StatsHandler) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.GetCacheStats())
}
