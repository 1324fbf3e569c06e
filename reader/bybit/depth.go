// Package bybit polls linear futures order book snapshots from Bybit.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"

	appconfig "depthflow/config"
	"depthflow/internal/channel"
	"depthflow/logger"
	"depthflow/models"
)

// orderBookResult is the payload shape of the v5 market orderbook response.
type orderBookResult struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	Time     int64      `json:"ts"`
	UpdateID int64      `json:"u"`
}

// DepthReader fetches futures order book snapshots from Bybit.
type DepthReader struct {
	config   *appconfig.Config
	client   *bybit.Client
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	symbols  []string
}

// NewDepthReader creates a snapshot reader for Bybit linear futures.
func NewDepthReader(cfg *appconfig.Config, ch *channel.Channels, symbols []string) *DepthReader {
	log := logger.GetLogger()

	base := cfg.Source.Bybit.URL
	if parsed, err := url.Parse(base); err == nil && parsed.Host != "" {
		base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}

	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = &http.Client{Timeout: cfg.Reader.Timeout}

	r := &DepthReader{
		config:   cfg,
		client:   client,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      log,
		symbols:  symbols,
	}

	log.WithComponent("bybit_reader").WithFields(logger.Fields{
		"timeout": cfg.Reader.Timeout,
		"symbols": symbols,
	}).Info("bybit depth reader initialized")

	return r
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

	log := r.log.WithComponent("bybit_reader").WithFields(logger.Fields{"operation": "start"})

	venue := r.config.Source.Bybit
	if !venue.Enabled {
		log.Warn("bybit depth snapshots are disabled")
		return fmt.Errorf("bybit depth snapshots are disabled")
	}

	log.WithFields(logger.Fields{
		"symbols":  r.symbols,
		"interval": venue.IntervalMs,
	}).Info("starting bybit depth reader")

	for _, sym := range r.symbols {
		r.wg.Add(1)
		go r.fetchWorker(sym, venue)
	}

	log.Info("bybit depth reader started successfully")
	return nil
}

// Stop signals workers to stop.
func (r *DepthReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("bybit_reader").Info("stopping bybit depth reader")
	r.wg.Wait()
	r.log.WithComponent("bybit_reader").Info("bybit depth reader stopped")
}

func (r *DepthReader) fetchWorker(symbol string, venue appconfig.VenueConfig) {
	defer r.wg.Done()

	log := r.log.WithComponent("bybit_reader").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "depth_fetcher",
	})
	log.Info("starting depth worker")

	interval := time.Duration(venue.IntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-ticker.C:
			r.fetchDepth(symbol, venue)
		}
	}
}

func (r *DepthReader) fetchDepth(symbol string, venue appconfig.VenueConfig) {
	log := r.log.WithComponent("bybit_reader").WithFields(logger.Fields{
		"symbol":    symbol,
		"operation": "fetch_depth",
	})

	params := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"limit":    venue.Limit,
	}

	start := time.Now()
	resp, err := r.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(r.ctx)
	if err != nil {
		log.WithError(err).Warn("failed to fetch depth")
		return
	}
	logger.LogPerformanceEntry(log, "bybit_reader", "api_request", time.Since(start), logger.Fields{"symbol": symbol})

	if resp.RetCode != 0 {
		log.WithFields(logger.Fields{"ret_code": resp.RetCode, "ret_msg": resp.RetMsg}).Warn("bybit api error")
		return
	}

	snap, err := snapshotFromResult(symbol, resp.Result)
	if err != nil {
		log.WithError(err).Warn("failed to decode depth")
		return
	}
	if snap.Empty() {
		log.Warn("empty depth response")
		return
	}

	if r.channels.SendSnapshot(r.ctx, snap) {
		logger.LogDataFlowEntry(log, "bybit_api", "snapshot_channel", len(snap.Bids)+len(snap.Asks), "depth_levels")
		logger.IncrementSnapshotRead(len(snap.Bids) + len(snap.Asks))
	} else if r.ctx.Err() == nil {
		log.Warn("snapshot channel is full, dropping data")
	}
}

// snapshotFromResult converts the loosely typed SDK result into a depth
// snapshot. The SDK surfaces Result as interface{}, so it goes through a
// marshal round trip into the documented v5 shape.
func snapshotFromResult(symbol string, result interface{}) (models.DepthSnapshot, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return models.DepthSnapshot{}, err
	}

	var book orderBookResult
	if err := json.Unmarshal(payload, &book); err != nil {
		return models.DepthSnapshot{}, err
	}

	ts := book.Time
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}

	return models.DepthSnapshot{
		Exchange:     "bybit",
		Symbol:       symbol,
		Bids:         models.ParseLevels(book.Bids),
		Asks:         models.ParseLevels(book.Asks),
		LastUpdateID: book.UpdateID,
		Timestamp:    uint64(ts),
	}, nil
}
