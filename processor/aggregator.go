// Package processor owns the aggregation core: one goroutine drains the
// snapshot channel and folds each depth snapshot into the per-instrument run
// history and ring, keeping the single-writer invariant. Queries come in from
// other goroutines (dashboard, consumers) and copy state out under the lock.
package processor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "depthflow/config"
	"depthflow/internal/channel"
	"depthflow/internal/grid"
	"depthflow/internal/heatmap"
	"depthflow/internal/view"
	"depthflow/logger"
	"depthflow/models"
)

// pruneEvery bounds how often history pruning runs, in applied snapshots.
const pruneEvery = 64

// instrumentState is everything the aggregator tracks for one
// (exchange, symbol) pair. Mutation happens only on the apply goroutine.
type instrumentState struct {
	hist    *heatmap.RunHistory
	ring    *heatmap.Ring
	timeLod *heatmap.TimeLod

	basePrice  grid.Price
	haveBase   bool
	latestTime uint64

	applied uint64
	dropped uint64
}

// Aggregator drains depth snapshots and answers windowed queries over the
// aggregated state.
type Aggregator struct {
	config    *appconfig.Config
	snapshots <-chan models.DepthSnapshot
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	log       *logger.Log

	step        grid.PriceStep
	bucketMs    uint64
	gapPolicy   heatmap.GapPolicy
	viewCfg     view.Config
	instruments map[string]*instrumentState
}

// InstrumentKey names an aggregated instrument the way queries address it.
func InstrumentKey(exchange, symbol string) string {
	return exchange + ":" + symbol
}

func NewAggregator(cfg *appconfig.Config, channels *channel.Channels) *Aggregator {
	policy := heatmap.GapCopyForward
	if cfg.Heatmap.GapPolicy == "clear" {
		policy = heatmap.GapClear
	}

	return &Aggregator{
		config:    cfg,
		snapshots: channels.Snapshots,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		step:      grid.StepFromFloat(cfg.Heatmap.TickSize),
		bucketMs:  cfg.Heatmap.BucketIntervalMs,
		gapPolicy: policy,
		viewCfg: view.Config{
			MinCameraScale:    cfg.View.MinCameraScale,
			ProfileColWidthPx: cfg.View.ProfileColWidthPx,
			DepthMinRowPx:     cfg.Lod.MinRowPx,
			MaxStepsPerYBin:   cfg.Lod.MaxStepsPerY,
			MinRowHWorld:      cfg.View.MinRowHWorld,
		},
		instruments: make(map[string]*instrumentState),
	}
}

func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("aggregator already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	log := a.log.WithComponent("aggregator").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{
		"tick_size":       a.config.Heatmap.TickSize,
		"bucket_ms":       a.bucketMs,
		"horizon_buckets": a.config.Heatmap.HorizonBuckets,
		"grid_height":     a.config.Heatmap.GridHeight,
	}).Info("starting aggregator")

	// A single apply goroutine keeps history and ring writes serialized.
	a.wg.Add(1)
	go a.applyLoop()

	log.Info("aggregator started successfully")
	return nil
}

func (a *Aggregator) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.log.WithComponent("aggregator").Info("stopping aggregator")
	a.wg.Wait()
	a.log.WithComponent("aggregator").Info("aggregator stopped")
}

func (a *Aggregator) applyLoop() {
	defer a.wg.Done()

	log := a.log.WithComponent("aggregator")
	log.Info("apply loop started")

	var applies uint64
	for {
		select {
		case <-a.ctx.Done():
			log.Info("apply loop stopped due to context cancellation")
			return
		case snap, ok := <-a.snapshots:
			if !ok {
				log.Info("snapshot channel closed, apply loop stopping")
				return
			}

			start := time.Now()
			applied := a.applySnapshot(&snap)
			if applied {
				applies++
				logger.IncrementSnapshotApplied()
				if applies%pruneEvery == 0 {
					a.pruneAll()
				}
			} else {
				logger.IncrementSnapshotDropped()
			}

			logger.LogPerformanceEntry(log, "aggregator", "apply_snapshot", time.Since(start), logger.Fields{
				"exchange": snap.Exchange,
				"symbol":   snap.Symbol,
				"bids":     len(snap.Bids),
				"asks":     len(snap.Asks),
				"applied":  applied,
			})
		}
	}
}

func (a *Aggregator) instrument(key string) *instrumentState {
	if st, ok := a.instruments[key]; ok {
		return st
	}
	st := &instrumentState{
		hist: heatmap.NewRunHistory(a.step, a.bucketMs, a.config.Heatmap.MergeThreshold),
		ring: heatmap.NewRing(
			a.config.Heatmap.HorizonBuckets,
			a.config.Heatmap.GridHeight,
			a.config.Heatmap.GraceMs,
			a.config.Heatmap.QtyScale,
			a.gapPolicy,
		),
		timeLod: heatmap.NewTimeLod(heatmap.TimeLodConfig{
			EnablePx:  a.config.Lod.EnableColPx,
			DisablePx: a.config.Lod.DisableColPx,
			TargetPx:  a.config.Lod.TargetColPx,
			MaxGroup:  a.config.Lod.MaxColsPerBin,
		}),
	}
	a.instruments[key] = st
	a.log.WithComponent("aggregator").WithFields(logger.Fields{"instrument": key}).Info("tracking new instrument")
	return st
}

// applySnapshot folds one snapshot into its instrument's state. Admission is
// all or nothing for the snapshot envelope; bad levels inside an accepted
// snapshot are dropped by the history and ring themselves.
func (a *Aggregator) applySnapshot(snap *models.DepthSnapshot) bool {
	if snap.Empty() || snap.Timestamp == 0 {
		return false
	}
	mid, ok := snap.MidPrice()
	if !ok {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.instrument(InstrumentKey(snap.Exchange, snap.Symbol))

	roundedT := (snap.Timestamp / a.bucketMs) * a.bucketMs

	st.hist.InsertSnapshot(snap.Bids, snap.Asks, roundedT)

	target := grid.PriceFromFloat(mid).RoundToStep(a.step)
	if !st.haveBase {
		st.basePrice = target
		st.haveBase = true
	}

	st.ring.EnsureLayout(a.bucketMs)
	st.ring.IngestSnapshot(snap, roundedT, a.step, target, st.ring.StepsPerYBin())

	if roundedT > st.latestTime {
		st.latestTime = roundedT
	}
	st.applied++
	return true
}

// pruneAll drops history older than each instrument's ring horizon.
func (a *Aggregator) pruneAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for key, st := range a.instruments {
		width := uint64(st.ring.Width())
		if width == 0 || st.latestTime == 0 {
			continue
		}
		horizon := width * a.bucketMs
		if st.latestTime <= horizon {
			continue
		}
		before := st.hist.Levels()
		st.hist.Prune(st.latestTime - horizon)
		a.log.WithComponent("aggregator").WithFields(logger.Fields{
			"instrument":    key,
			"levels_before": before,
			"levels_after":  st.hist.Levels(),
		}).Debug("pruned run history")
	}
}

// Instruments returns the keys currently tracked, sorted.
func (a *Aggregator) Instruments() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	keys := make([]string, 0, len(a.instruments))
	for k := range a.instruments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Camera builds the default camera with the configured right-edge padding
// applied.
func (a *Aggregator) Camera() view.Camera {
	cam := view.DefaultCamera()
	if a.config.View.RightPadFrac > 0 {
		cam.RightPadFrac = a.config.View.RightPadFrac
	}
	return cam
}

// Window resolves the visible window for an instrument under the given
// camera. Returns nil when the instrument is unknown, has no data yet, or
// the camera is panned outside the data.
func (a *Aggregator) Window(key string, camera *view.Camera, viewportW, viewportH float32) *view.Window {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st, ok := a.instruments[key]
	if !ok || !st.haveBase {
		return nil
	}

	return view.Compute(a.viewCfg, camera, viewportW, viewportH, view.Inputs{
		BucketMs:       a.bucketMs,
		LatestTimeData: st.latestTime,
		BasePrice:      st.basePrice,
		Step:           a.step,
		RowHWorld:      a.config.View.RowHWorld,
		ColWWorld:      a.config.View.ColWWorld,
	})
}

// CellView returns the ring cells for an instrument, rebuilding the ring from
// the run history first when the window's price LOD no longer matches the
// cached binning. The bool reports whether a rebuild ran.
func (a *Aggregator) CellView(key string, w *view.Window) (heatmap.CellView, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.instruments[key]
	if !ok || !st.haveBase {
		return heatmap.CellView{}, false, fmt.Errorf("unknown instrument %q", key)
	}

	rebuilt := false
	if w != nil && w.StepsPerYBin != st.ring.StepsPerYBin() {
		rebuildID := uuid.NewString()
		start := time.Now()

		oldest := uint64(0)
		horizon := uint64(st.ring.Width()) * a.bucketMs
		if st.latestTime > horizon {
			oldest = st.latestTime - horizon
		}

		st.ring.RebuildFromHistory(st.hist, oldest, st.latestTime,
			st.basePrice, a.step, w.StepsPerYBin, w.Highest, w.Lowest)
		logger.IncrementRingRebuild()
		rebuilt = true

		a.log.WithComponent("aggregator").WithFields(logger.Fields{
			"instrument":      key,
			"rebuild_id":      rebuildID,
			"steps_per_y_bin": w.StepsPerYBin,
			"duration_ms":     float64(time.Since(start).Nanoseconds()) / 1e6,
		}).Info("ring rebuilt for price LOD change")
	}

	return st.ring.CellSnapshot(), rebuilt, nil
}

// Rects extracts the LOD-coarsened depth rectangles for a window directly
// from the run history.
func (a *Aggregator) Rects(key string, w *view.Window) ([]heatmap.DepthRect, error) {
	if w == nil {
		return nil, fmt.Errorf("nil window")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.instruments[key]
	if !ok || !st.haveBase {
		return nil, fmt.Errorf("unknown instrument %q", key)
	}

	colPx := a.config.View.ColWWorld * w.Sx
	st.timeLod.Update(colPx)

	return heatmap.DepthRects(st.hist, heatmap.ExtractParams{
		EarliestTime:   w.Earliest,
		LatestTime:     w.LatestVis,
		LatestDataTime: st.latestTime,
		Highest:        w.Highest,
		Lowest:         w.Lowest,
		Base:           st.basePrice,
		Step:           a.step,
		BucketMs:       a.bucketMs,
		TimeGroup:      int64(st.timeLod.Group()),
		StepsPerYBin:   w.StepsPerYBin,
	}), nil
}

// MaxQty returns the peak run quantity inside a window, for intensity
// normalization.
func (a *Aggregator) MaxQty(key string, w *view.Window) float32 {
	if w == nil {
		return 0
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	st, ok := a.instruments[key]
	if !ok {
		return 0
	}
	return st.hist.MaxQtyInWindow(w.Earliest, w.LatestVis, w.Highest, w.Lowest)
}

// InstrumentStats is the per-instrument view returned by Stats.
type InstrumentStats struct {
	Applied      uint64  `json:"applied"`
	LatestTime   uint64  `json:"latest_time"`
	PriceLevels  int     `json:"price_levels"`
	BasePrice    float64 `json:"base_price"`
	RingWidth    uint32  `json:"ring_width"`
	RingHeight   uint32  `json:"ring_height"`
	StepsPerYBin int64   `json:"steps_per_y_bin"`
	TimeGroup    int     `json:"time_group"`
}

// Stats copies out per-instrument counters for monitoring.
func (a *Aggregator) Stats() map[string]InstrumentStats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]InstrumentStats, len(a.instruments))
	for key, st := range a.instruments {
		out[key] = InstrumentStats{
			Applied:      st.applied,
			LatestTime:   st.latestTime,
			PriceLevels:  st.hist.Levels(),
			BasePrice:    st.basePrice.Float64(),
			RingWidth:    st.ring.Width(),
			RingHeight:   st.ring.Height(),
			StepsPerYBin: st.ring.StepsPerYBin(),
			TimeGroup:    st.timeLod.Group(),
		}
	}
	return out
}
