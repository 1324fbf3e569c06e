package channel

import (
	"context"
	"sync"
	"time"

	"depthflow/logger"
	"depthflow/models"
)

type ChannelStats struct {
	SnapshotsSent    int64
	SnapshotsDropped int64
}

// Channels carries depth snapshots from the exchange readers to the
// aggregator. A single buffered channel keeps the aggregator the only
// consumer; sends never block a reader.
type Channels struct {
	Snapshots chan models.DepthSnapshot

	stats               ChannelStats
	statsMutex          sync.RWMutex
	log                 *logger.Log
	metricsReportTicker *time.Ticker
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()

	c := &Channels{
		Snapshots: make(chan models.DepthSnapshot, bufferSize),
		log:       log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"snapshot_buffer_size": bufferSize,
	}).Info("channels initialized")

	return c
}

func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.metricsReportTicker = time.NewTicker(30 * time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.metricsReportTicker.Stop()
				return
			case <-c.metricsReportTicker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	c.statsMutex.RLock()
	stats := c.stats
	c.statsMutex.RUnlock()

	c.log.WithComponent("channels").WithFields(logger.Fields{
		"snapshots_sent":    stats.SnapshotsSent,
		"snapshots_dropped": stats.SnapshotsDropped,
		"snapshot_chan_len": len(c.Snapshots),
		"snapshot_chan_cap": cap(c.Snapshots),
	}).Info("channel statistics")
}

func (c *Channels) Close() {
	if c.metricsReportTicker != nil {
		c.metricsReportTicker.Stop()
	}

	close(c.Snapshots)
	c.log.WithComponent("channels").Info("channels closed")
}

func (c *Channels) IncrementSnapshotsSent() {
	c.statsMutex.Lock()
	c.stats.SnapshotsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementSnapshotsDropped() {
	c.statsMutex.Lock()
	c.stats.SnapshotsDropped++
	c.statsMutex.Unlock()
}

// SendSnapshot enqueues a snapshot without blocking. A full buffer drops the
// snapshot and counts it; the next poll supersedes it anyway.
func (c *Channels) SendSnapshot(ctx context.Context, snap models.DepthSnapshot) bool {
	select {
	case c.Snapshots <- snap:
		c.IncrementSnapshotsSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementSnapshotsDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
