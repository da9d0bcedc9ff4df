package httpapi

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/slipgate/internal/gatemetrics"
	"github.com/rcourtman/slipgate/internal/registry"
)

const orderStateMetricsInterval = 30 * time.Second

// RunOrderStateMetrics keeps the order and entitlement gauges current until ctx ends.
func RunOrderStateMetrics(ctx context.Context, store *registry.Store) {
	ticker := time.NewTicker(orderStateMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for these gauges.
	updateStateGauges(ctx, store)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateStateGauges(ctx, store)
		}
	}
}

func updateStateGauges(ctx context.Context, store *registry.Store) {
	counts, err := store.Orders().CountByStatus(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update order state metrics")
		return
	}
	setOrderGauges(counts)

	stored, err := store.Entitlements().Count(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update entitlement metrics")
		return
	}
	gatemetrics.EntitlementsLive.Set(float64(stored))
}

func setOrderGauges(counts map[registry.OrderStatus]int) {
	known := []registry.OrderStatus{
		registry.OrderStatusPending,
		registry.OrderStatusPendingReview,
		registry.OrderStatusPaid,
		registry.OrderStatusRejected,
	}
	// Stable label set for known statuses.
	for _, status := range known {
		gatemetrics.OrdersByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
