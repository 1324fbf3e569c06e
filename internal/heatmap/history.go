// Package heatmap implements the aggregation core behind the live order-book
// heatmap: a run-length history of depth per price level, a ring-buffered
// level-of-detail cell cache, the LOD selection policy, and the on-demand
// rectangle extractor used to reseed the ring after view changes.
package heatmap

import (
	"math"

	"github.com/tidwall/btree"

	"depthflow/internal/grid"
	"depthflow/models"
)

// OrderRun is a maximal interval during which a price level's resting
// quantity was approximately constant.
type OrderRun struct {
	StartTime uint64
	UntilTime uint64
	Qty       float32
	IsBid     bool
}

// Overlaps reports whether the run intersects [earliest, latest].
func (r OrderRun) Overlaps(earliest, latest uint64) bool {
	return r.StartTime <= latest && r.UntilTime >= earliest
}

type priceLevel struct {
	price grid.Price
	runs  []OrderRun
}

// RunHistory is the per-price-level run-length log of order-book state over
// time. Near-constant levels fold into a single run instead of growing one
// entry per snapshot, which bounds memory under high-frequency updates.
//
// It is not safe for concurrent use; the processor's single-writer loop owns
// it.
type RunHistory struct {
	levels         *btree.BTreeG[*priceLevel]
	step           grid.PriceStep
	bucketMs       uint64
	mergeThreshold float32
}

// NewRunHistory creates an empty history. mergeThreshold is the relative
// quantity delta under which a repeated observation extends the previous run
// instead of opening a new one.
func NewRunHistory(step grid.PriceStep, bucketMs uint64, mergeThreshold float32) *RunHistory {
	if bucketMs == 0 {
		bucketMs = 1
	}
	if mergeThreshold < 0 {
		mergeThreshold = 0
	}
	return &RunHistory{
		levels: btree.NewBTreeG(func(a, b *priceLevel) bool {
			return a.price.Units < b.price.Units
		}),
		step:           step,
		bucketMs:       bucketMs,
		mergeThreshold: mergeThreshold,
	}
}

// BucketMs returns the bucket interval the history extends runs by.
func (h *RunHistory) BucketMs() uint64 {
	return h.bucketMs
}

// InsertSnapshot folds one depth snapshot into the history. Bids round down
// to the tick boundary and asks round up; raw levels collapsing onto the same
// tick merge their quantity by summation. Levels with NaN or non-positive
// quantity are dropped.
func (h *RunHistory) InsertSnapshot(bids, asks []models.Level, t uint64) {
	h.insertSide(bids, t, true)
	h.insertSide(asks, t, false)
}

func (h *RunHistory) insertSide(side []models.Level, t uint64, isBid bool) {
	var (
		cur    grid.Price
		curQty float64
		have   bool
	)
	for _, lvl := range side {
		if math.IsNaN(lvl.Qty) || math.IsNaN(lvl.Price) || lvl.Qty <= 0 {
			continue
		}
		rounded := grid.PriceFromFloat(lvl.Price).RoundToSide(isBid, h.step)
		if have && rounded == cur {
			curQty += lvl.Qty
			continue
		}
		if have {
			h.updateLevel(t, cur, float32(curQty), isBid)
		}
		cur, curQty, have = rounded, lvl.Qty, true
	}
	if have {
		h.updateLevel(t, cur, float32(curQty), isBid)
	}
}

func (h *RunHistory) updateLevel(t uint64, price grid.Price, qty float32, isBid bool) {
	lvl, ok := h.levels.Get(&priceLevel{price: price})
	if !ok {
		lvl = &priceLevel{price: price}
		h.levels.Set(lvl)
	}

	if n := len(lvl.runs); n > 0 && lvl.runs[n-1].IsBid == isBid {
		last := &lvl.runs[n-1]
		diffPct := float32(math.Inf(1))
		if last.Qty > 0 {
			diffPct = abs32(qty-last.Qty) / last.Qty
		}
		if diffPct <= h.mergeThreshold || last.Qty == qty {
			last.UntilTime = t + h.bucketMs
			return
		}
	}

	lvl.runs = append(lvl.runs, OrderRun{
		StartTime: t,
		UntilTime: t + h.bucketMs,
		Qty:       qty,
		IsBid:     isBid,
	})
}

// IterWindow visits price levels in [lowest, highest] that have at least one
// run overlapping [earliest, latest], in ascending price order. Returning
// false from fn stops the scan. The runs slice must not be retained.
func (h *RunHistory) IterWindow(earliest, latest uint64, highest, lowest grid.Price, fn func(price grid.Price, runs []OrderRun) bool) {
	h.levels.Ascend(&priceLevel{price: lowest}, func(lvl *priceLevel) bool {
		if lvl.price.Units > highest.Units {
			return false
		}
		for _, run := range lvl.runs {
			if run.Overlaps(earliest, latest) {
				return fn(lvl.price, lvl.runs)
			}
		}
		return true
	})
}

// LatestRuns visits, per price level in [lowest, highest], the most recent
// run when it is still current at latestTime. Used for the live depth column
// at the right edge of the view.
func (h *RunHistory) LatestRuns(highest, lowest grid.Price, latestTime uint64, fn func(price grid.Price, run OrderRun) bool) {
	h.levels.Ascend(&priceLevel{price: lowest}, func(lvl *priceLevel) bool {
		if lvl.price.Units > highest.Units {
			return false
		}
		if n := len(lvl.runs); n > 0 && lvl.runs[n-1].UntilTime >= latestTime {
			return fn(lvl.price, lvl.runs[n-1])
		}
		return true
	})
}

// MaxQtyInWindow returns the largest run quantity observed inside the window,
// used to normalize cell intensities.
func (h *RunHistory) MaxQtyInWindow(earliest, latest uint64, highest, lowest grid.Price) float32 {
	var maxQty float32
	h.IterWindow(earliest, latest, highest, lowest, func(_ grid.Price, runs []OrderRun) bool {
		for _, run := range runs {
			if run.Overlaps(earliest, latest) && run.Qty > maxQty {
				maxQty = run.Qty
			}
		}
		return true
	})
	return maxQty
}

// Prune drops runs that started before oldest and removes emptied levels.
func (h *RunHistory) Prune(oldest uint64) {
	var empty []*priceLevel
	h.levels.Scan(func(lvl *priceLevel) bool {
		kept := lvl.runs[:0]
		for _, run := range lvl.runs {
			if run.StartTime >= oldest {
				kept = append(kept, run)
			}
		}
		lvl.runs = kept
		if len(lvl.runs) == 0 {
			empty = append(empty, lvl)
		}
		return true
	})
	for _, lvl := range empty {
		h.levels.Delete(lvl)
	}
}

// Levels returns the number of price levels currently tracked.
func (h *RunHistory) Levels() int {
	return h.levels.Len()
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
