// Package binance polls futures order book snapshots from Binance and feeds
// them into the snapshot channel.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	appconfig "depthflow/config"
	"depthflow/internal/channel"
	"depthflow/logger"
	"depthflow/models"
)

// DepthReader fetches futures order book snapshots from Binance on a fixed
// interval per symbol.
type DepthReader struct {
	config   *appconfig.Config
	client   *futures.Client
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	symbols  []string
	limiter  *rate.Limiter
}

// NewDepthReader creates a snapshot reader using the binance-go futures
// client. Snapshots are fetched only for the supplied symbols.
func NewDepthReader(cfg *appconfig.Config, ch *channel.Channels, symbols []string) *DepthReader {
	log := logger.GetLogger()

	client := futures.NewClient("", "")
	client.HTTPClient = &http.Client{Timeout: cfg.Reader.Timeout}

	if parsed, err := url.Parse(cfg.Source.Binance.URL); err == nil && parsed.Host != "" {
		client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
	}

	rl := cfg.Reader.RateLimit
	rps := rl.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := rl.BurstSize
	if burst <= 0 {
		burst = 1
	}

	reader := &DepthReader{
		config:   cfg,
		client:   client,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      log,
		symbols:  symbols,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	}

	log.WithComponent("binance_reader").WithFields(logger.Fields{
		"timeout": cfg.Reader.Timeout,
		"symbols": symbols,
	}).Info("binance depth reader initialized")

	return reader
}

// Start begins fetching order book snapshots for the configured symbols.
func (r *DepthReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{"operation": "start"})

	venue := r.config.Source.Binance
	if !venue.Enabled {
		log.Warn("binance depth snapshots are disabled")
		return fmt.Errorf("binance depth snapshots are disabled")
	}

	log.WithFields(logger.Fields{
		"symbols":  r.symbols,
		"interval": venue.IntervalMs,
	}).Info("starting binance depth reader")

	for _, symbol := range r.symbols {
		r.wg.Add(1)
		go r.fetchWorker(symbol, venue)
	}

	log.Info("binance depth reader started successfully")
	return nil
}

// Stop signals all workers to stop and waits for completion.
func (r *DepthReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_reader").Info("stopping binance depth reader")
	r.wg.Wait()
	r.log.WithComponent("binance_reader").Info("binance depth reader stopped")
}

// fetchWorker polls one symbol on ticks aligned to the snapshot interval so
// consecutive snapshots land on stable bucket boundaries.
func (r *DepthReader) fetchWorker(symbol string, venue appconfig.VenueConfig) {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "depth_fetcher",
	})
	log.Info("starting depth worker")

	interval := time.Duration(venue.IntervalMs) * time.Millisecond

	now := time.Now()
	nextTick := now.Truncate(interval).Add(interval)
	timer := time.NewTimer(nextTick.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-r.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-timer.C:
			start := time.Now()
			r.fetchDepth(symbol, venue)
			duration := time.Since(start)

			if duration > interval {
				log.WithFields(logger.Fields{
					"duration": duration.Milliseconds(),
					"interval": venue.IntervalMs,
				}).Warn("fetch took longer than interval")
			}

			nextTick = start.Truncate(interval).Add(interval)
			timer.Reset(time.Until(nextTick))
		}
	}
}

func (r *DepthReader) fetchDepth(symbol string, venue appconfig.VenueConfig) {
	log := r.log.WithComponent("binance_reader").WithFields(logger.Fields{
		"symbol":    symbol,
		"operation": "fetch_depth",
	})

	if err := r.limiter.Wait(r.ctx); err != nil {
		if r.ctx.Err() == nil {
			log.WithError(err).Warn("rate limiter wait failed")
		}
		return
	}

	start := time.Now()
	res, err := r.client.NewDepthService().
		Symbol(symbol).
		Limit(venue.Limit).
		Do(r.ctx)
	if err != nil {
		log.WithError(err).Warn("failed to fetch depth")
		return
	}
	logger.LogPerformanceEntry(log, "binance_reader", "api_request", time.Since(start), logger.Fields{
		"symbol": symbol,
	})

	snap := snapshotFromDepth(symbol, res)
	if snap.Empty() {
		log.Warn("empty depth response")
		return
	}

	if r.channels.SendSnapshot(r.ctx, snap) {
		logger.LogDataFlowEntry(log, "binance_api", "snapshot_channel", len(snap.Bids)+len(snap.Asks), "depth_levels")
		logger.IncrementSnapshotRead(len(snap.Bids) + len(snap.Asks))
	} else if r.ctx.Err() == nil {
		log.Warn("snapshot channel is full, dropping data")
	}
}

// snapshotFromDepth normalizes the SDK response into a depth snapshot with
// both sides sorted ascending. The exchange event time is preferred over wall
// clock time so bucket alignment follows the feed.
func snapshotFromDepth(symbol string, res *futures.DepthResponse) models.DepthSnapshot {
	bids := make([][]string, len(res.Bids))
	for i, b := range res.Bids {
		bids[i] = []string{b.Price, b.Quantity}
	}
	asks := make([][]string, len(res.Asks))
	for i, a := range res.Asks {
		asks[i] = []string{a.Price, a.Quantity}
	}

	ts := res.Time
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}

	return models.DepthSnapshot{
		Exchange:     "binance",
		Symbol:       symbol,
		Bids:         models.ParseLevels(bids),
		Asks:         models.ParseLevels(asks),
		LastUpdateID: res.LastUpdateID,
		Timestamp:    uint64(ts),
	}
}
