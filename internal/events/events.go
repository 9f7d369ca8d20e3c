// Package events names the bus events the relay publishes and the
// payloads they carry. Consumers (the tenant sync cache, UI bridges)
// subscribe to these instead of being called directly.
package events

import (
	"github.com/google/uuid"
)

const (
	// MessageNew fires after a message is persisted and routed.
	// Payload: *models.Message.
	MessageNew = "message:new"

	// ShopStatsUpdated fires when a tenant's aggregate counters are
	// stale and consumers should refresh. Payload: StatsUpdate.
	ShopStatsUpdated = "shop:stats:updated"
)

// StatsUpdate identifies the tenant whose aggregates changed.
type StatsUpdate struct {
	TenantID uuid.UUID
}
