package heatmap

import (
	"sort"

	"depthflow/internal/grid"
)

// BucketSpan is a half-open range of coarsened bucket indices. Open marks a
// span whose run was still live at the end of the data, meaning it extends to
// the right edge of whatever is rendered rather than stopping at EndExcl.
type BucketSpan struct {
	Start   int64
	EndExcl int64
	Open    bool
}

// RectKey identifies one rendered rectangle: a side, a price bin, and a
// bucket span.
type RectKey struct {
	IsBid bool
	YBin  int64
	Span  BucketSpan
}

// DepthRect is one extracted rectangle with its peak quantity.
type DepthRect struct {
	Key RectKey
	Qty float32
}

// ExtractParams describes the window and coarsening for one extraction pass.
type ExtractParams struct {
	EarliestTime uint64
	LatestTime   uint64
	// LatestDataTime is the newest snapshot time in the history; runs still
	// current at this time extend open-ended.
	LatestDataTime uint64
	Highest        grid.Price
	Lowest         grid.Price
	Base           grid.Price
	Step           grid.PriceStep
	BucketMs       uint64
	TimeGroup      int64
	StepsPerYBin   int64
}

func (p *ExtractParams) normalize() {
	if p.BucketMs == 0 {
		p.BucketMs = 1
	}
	if p.TimeGroup < 1 {
		p.TimeGroup = 1
	}
	if p.StepsPerYBin < 1 {
		p.StepsPerYBin = 1
	}
}

// DepthRects extracts the LOD-coarsened rectangles for a view window
// directly from the run history. Runs at the same (side, bin, span) merge by
// max so overlapping contributions keep the peak rather than accumulate.
func DepthRects(hist *RunHistory, p ExtractParams) []DepthRect {
	p.normalize()

	coarseMs := p.BucketMs * uint64(p.TimeGroup)
	latestBucket := int64(p.LatestDataTime / coarseMs)

	var rects []DepthRect

	hist.IterWindow(p.EarliestTime, p.LatestTime, p.Highest, p.Lowest, func(price grid.Price, runs []OrderRun) bool {
		yBin := grid.FloorDiv(price.StepsFrom(p.Base, p.Step), p.StepsPerYBin)
		for i, run := range runs {
			if !run.Overlaps(p.EarliestTime, p.LatestTime) {
				continue
			}

			start := run.StartTime
			if start < p.EarliestTime {
				start = p.EarliestTime
			}

			// The last run per level is open-ended when its until_time still
			// covers the newest data: resting liquidity that has not been
			// pulled keeps painting to the live edge.
			isOpen := i == len(runs)-1 && run.UntilTime >= p.LatestDataTime

			b0 := int64(start / coarseMs)
			var b1 int64
			if isOpen {
				b1 = latestBucket
			} else {
				end := run.UntilTime
				if end <= start {
					continue
				}
				b1 = int64((end - 1) / coarseMs)
			}
			if b1 > latestBucket {
				b1 = latestBucket
			}
			if b1 < b0 {
				continue
			}

			rects = append(rects, DepthRect{
				Key: RectKey{
					IsBid: run.IsBid,
					YBin:  yBin,
					Span:  BucketSpan{Start: b0, EndExcl: b1 + 1, Open: isOpen},
				},
				Qty: run.Qty,
			})
		}
		return true
	})

	return mergeRects(rects)
}

// mergeRects sorts by key and collapses duplicates keeping the max quantity.
// An open span absorbs a closed duplicate of the same extent.
func mergeRects(rects []DepthRect) []DepthRect {
	if len(rects) < 2 {
		return rects
	}

	sort.Slice(rects, func(i, j int) bool {
		a, b := rects[i].Key, rects[j].Key
		if a.IsBid != b.IsBid {
			return a.IsBid && !b.IsBid
		}
		if a.YBin != b.YBin {
			return a.YBin < b.YBin
		}
		if a.Span.Start != b.Span.Start {
			return a.Span.Start < b.Span.Start
		}
		return a.Span.EndExcl < b.Span.EndExcl
	})

	out := rects[:1]
	for _, r := range rects[1:] {
		last := &out[len(out)-1]
		if sameExtent(last.Key, r.Key) {
			if r.Qty > last.Qty {
				last.Qty = r.Qty
			}
			last.Key.Span.Open = last.Key.Span.Open || r.Key.Span.Open
			continue
		}
		out = append(out, r)
	}
	return out
}

func sameExtent(a, b RectKey) bool {
	return a.IsBid == b.IsBid && a.YBin == b.YBin &&
		a.Span.Start == b.Span.Start && a.Span.EndExcl == b.Span.EndExcl
}
