package metrics

import (
	"context"
	"time"

	"depthflow/internal/channel"
	"depthflow/logger"
)

// StartChannelSizeMetrics emits occupancy gauges for the snapshot channel
// buffer every `interval` until the context is cancelled. When interval <= 0,
// a one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) {
		return
	}
	if channels == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := channels.GetStats()
				EmitMetric(log, component, "snapshot_buffer_length", len(channels.Snapshots), "gauge", logger.Fields{
					"buffer":   "snapshots",
					"capacity": cap(channels.Snapshots),
				})
				EmitMetric(log, component, "snapshots_dropped_total", stats.SnapshotsDropped, "counter", logger.Fields{
					"buffer": "snapshots",
				})
			}
		}
	}()
}
