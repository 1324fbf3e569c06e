package heatmap

import (
	"depthflow/internal/grid"
	"depthflow/models"
)

// yBlockH is the row height of the coarse per-block maxima used by consumers
// to skip empty regions without scanning whole columns.
const yBlockH = 16

// GapPolicy selects what happens to buckets that were skipped during a short
// gap (within the grace period). Gaps longer than the grace period are always
// cleared.
type GapPolicy int

const (
	// GapCopyForward repeats the most recent column across short silences so
	// resting liquidity stays visually continuous.
	GapCopyForward GapPolicy = iota
	// GapClear leaves missed buckets empty.
	GapClear
)

// dirtyState tracks which parts of the ring a consumer has to resynchronize.
// It is either "everything" or an accumulated set of columns, never both:
// marking full discards any pending columns and suppresses further column
// marks until the full flag is consumed.
type dirtyState struct {
	full bool
	cols []uint32
}

func (d *dirtyState) markFull() {
	d.full = true
	d.cols = d.cols[:0]
}

func (d *dirtyState) markCol(x uint32) {
	if !d.full {
		d.cols = append(d.cols, x)
	}
}

func (d *dirtyState) takeFull() bool {
	if !d.full {
		return false
	}
	d.full = false
	d.cols = d.cols[:0]
	return true
}

// drainCols returns the accumulated dirty columns sorted and deduplicated.
// While the full flag is pending the column set is empty by construction.
func (d *dirtyState) drainCols() []uint32 {
	if d.full || len(d.cols) == 0 {
		d.cols = d.cols[:0]
		return nil
	}
	out := d.cols
	d.cols = nil
	sortUint32(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

// Ring is the bounded, ring-buffered cache of LOD-coarsened depth cells. It
// retains the most recent `width` buckets of peak resting liquidity per
// (bucket, price-bin) cell for each side, with per-column and per-y-block
// maxima for fast empty-region skipping.
//
// Not safe for concurrent use; owned by the processor's single-writer loop.
type Ring struct {
	horizonBuckets uint32
	graceMs        uint64
	gapPolicy      GapPolicy
	qtyScale       float32

	width  uint32
	height uint32

	bucketMs   uint64
	lastBucket int64
	hasBucket  bool

	yAnchor   grid.Price
	hasAnchor bool

	bid []uint32
	ask []uint32

	colMaxBid []uint32
	colMaxAsk []uint32

	blockMaxBid []uint32
	blockMaxAsk []uint32

	stepsPerYBin int64

	dirty dirtyState
}

// NewRing creates a ring retaining horizonBuckets buckets (rounded up to a
// power of two) of height price bins. graceMs bounds how stale an update may
// be and still patch in place.
func NewRing(horizonBuckets, height uint32, graceMs uint64, qtyScale float32, policy GapPolicy) *Ring {
	if horizonBuckets < 1 {
		horizonBuckets = 1
	}
	if qtyScale <= 0 {
		qtyScale = 1
	}
	return &Ring{
		horizonBuckets: horizonBuckets,
		graceMs:        graceMs,
		gapPolicy:      policy,
		qtyScale:       qtyScale,
		height:         height,
		stepsPerYBin:   1,
	}
}

// Width returns the ring's column count (power of two, 0 before layout).
func (r *Ring) Width() uint32 { return r.width }

// Height returns the number of price bins.
func (r *Ring) Height() uint32 { return r.height }

// QtyScale returns the quantity-to-cell-value scale factor.
func (r *Ring) QtyScale() float32 { return r.qtyScale }

// StepsPerYBin returns the current price LOD factor.
func (r *Ring) StepsPerYBin() int64 {
	if r.stepsPerYBin < 1 {
		return 1
	}
	return r.stepsPerYBin
}

// LastBucket returns the most recent bucket applied; ok is false before the
// first update.
func (r *Ring) LastBucket() (int64, bool) {
	return r.lastBucket, r.hasBucket
}

// YAnchor returns the anchor price cells are mapped around; ok is false until
// the first update anchors the ring.
func (r *Ring) YAnchor() (grid.Price, bool) {
	return r.yAnchor, r.hasAnchor
}

// TakeFullDirty reports (and consumes) the pending full-resync flag.
func (r *Ring) TakeFullDirty() bool {
	return r.dirty.takeFull()
}

// DrainDirtyColumns returns the columns mutated since the last call, sorted
// and deduplicated. Empty while a full resync is pending.
func (r *Ring) DrainDirtyColumns() []uint32 {
	return r.dirty.drainCols()
}

// ForceFullSync makes the next consumer drain see everything as dirty, e.g.
// after the consumer lost its copy of the cells.
func (r *Ring) ForceFullSync() {
	r.dirty.markFull()
}

func (r *Ring) graceBuckets() int64 {
	bucket := r.bucketMs
	if bucket == 0 {
		bucket = 1
	}
	return int64((r.graceMs + bucket - 1) / bucket)
}

func (r *Ring) yBlockCount() uint32 {
	if r.height == 0 {
		return 0
	}
	return (r.height + yBlockH - 1) / yBlockH
}

// EnsureLayout (re)allocates the cell arrays for the given bucket interval.
// A layout change clears everything and marks a full resync.
func (r *Ring) EnsureLayout(bucketMs uint64) {
	if bucketMs == 0 {
		bucketMs = 1
	}
	width := nextPow2(r.horizonBuckets)
	if r.bucketMs == bucketMs && r.width == width {
		return
	}

	r.bucketMs = bucketMs
	r.width = width
	r.hasBucket = false

	n := int(width) * int(r.height)
	r.bid = make([]uint32, n)
	r.ask = make([]uint32, n)
	r.colMaxBid = make([]uint32, width)
	r.colMaxAsk = make([]uint32, width)

	blocks := int(r.yBlockCount())
	r.blockMaxBid = make([]uint32, int(width)*blocks)
	r.blockMaxAsk = make([]uint32, int(width)*blocks)

	r.dirty.markFull()
}

// RingXForBucket maps an absolute bucket index to a ring column. The mapping
// uses floor-mod so pre-epoch buckets index identically. Only buckets within
// [lastBucket-width+1, lastBucket] address live data.
func (r *Ring) RingXForBucket(bucket int64) uint32 {
	if r.width == 0 {
		return 0
	}
	return uint32(grid.FloorMod(bucket, int64(r.width)))
}

// IngestSnapshot applies one bucket-rounded snapshot to the ring. target is
// the current focal price (typically the mid) used for anchoring.
func (r *Ring) IngestSnapshot(snap *models.DepthSnapshot, roundedT uint64, step grid.PriceStep, target grid.Price, stepsPerYBin int64) {
	if stepsPerYBin < 1 {
		stepsPerYBin = 1
	}
	if r.stepsPerYBin != stepsPerYBin {
		// Price binning changed underneath us; every cached cell maps to a
		// different bin.
		r.stepsPerYBin = stepsPerYBin
		r.clearAll()
		r.hasBucket = false
		r.hasAnchor = false
	}

	if r.bucketMs == 0 || r.width == 0 || r.height == 0 {
		return
	}

	recenterThreshold := int64(r.height) / 4
	if recenterThreshold < 1 {
		recenterThreshold = 1
	}

	if !r.hasAnchor {
		r.yAnchor = target
		r.hasAnchor = true
	} else {
		deltaBins := grid.FloorDiv(target.StepsFrom(r.yAnchor, step), r.stepsPerYBin)
		if deltaBins < 0 {
			deltaBins = -deltaBins
		}
		if deltaBins > recenterThreshold {
			r.yAnchor = target
			r.clearAll()
			r.hasBucket = false
		}
	}

	bucket := int64(roundedT / r.bucketMs)
	x := r.RingXForBucket(bucket)

	if r.hasBucket && bucket < r.lastBucket {
		// Late arrival: patch in place when still within grace and horizon,
		// otherwise drop as too stale.
		graceB := r.graceBuckets()
		oldestKept := r.lastBucket - int64(r.width) + 1
		if graceB > 0 && r.lastBucket-bucket <= graceB && bucket >= oldestKept {
			r.clearColumn(x)
			r.scatterSide(snap.Bids, x, step, true)
			r.scatterSide(snap.Asks, x, step, false)
		}
		return
	}

	r.advanceAndFill(bucket)

	r.clearColumn(x)
	r.scatterSide(snap.Bids, x, step, true)
	r.scatterSide(snap.Asks, x, step, false)
}

// advanceAndFill moves lastBucket forward to newBucket, filling the skipped
// columns per the gap policy. The destination column itself is left to the
// caller.
func (r *Ring) advanceAndFill(newBucket int64) {
	if !r.hasBucket {
		r.clearColumn(r.RingXForBucket(newBucket))
		r.lastBucket = newBucket
		r.hasBucket = true
		return
	}
	if newBucket <= r.lastBucket {
		return
	}

	jump := newBucket - r.lastBucket
	if jump > int64(r.width) {
		r.clearAll()
		r.lastBucket = newBucket
		return
	}

	graceB := r.graceBuckets()
	if r.gapPolicy == GapCopyForward && graceB > 0 && jump <= graceB {
		fromX := r.RingXForBucket(r.lastBucket)
		for b := r.lastBucket + 1; b < newBucket; b++ {
			toX := r.RingXForBucket(b)
			r.copyColumn(fromX, toX)
			fromX = toX
		}
	} else {
		for b := r.lastBucket + 1; b < newBucket; b++ {
			r.clearColumn(r.RingXForBucket(b))
		}
	}

	r.lastBucket = newBucket
}

// scatterSide writes one side of a snapshot into column x, folding raw
// levels onto ticks the same way RunHistory does and merging cell writes via
// max, so bars represent peak resting liquidity rather than cumulative flow.
func (r *Ring) scatterSide(side []models.Level, x uint32, step grid.PriceStep, isBid bool) {
	var (
		cur    grid.Price
		curQty float64
		have   bool
	)
	for _, lvl := range side {
		if lvl.Qty <= 0 || lvl.Qty != lvl.Qty || lvl.Price != lvl.Price {
			continue
		}
		rounded := grid.PriceFromFloat(lvl.Price).RoundToSide(isBid, step)
		if have && rounded == cur {
			curQty += lvl.Qty
			continue
		}
		if have {
			r.writeCell(cur, float32(curQty), x, step, isBid)
		}
		cur, curQty, have = rounded, lvl.Qty, true
	}
	if have {
		r.writeCell(cur, float32(curQty), x, step, isBid)
	}
}

func (r *Ring) writeCell(price grid.Price, qty float32, x uint32, step grid.PriceStep, isBid bool) {
	if qty <= 0 || qty != qty {
		return
	}

	halfH := int64(r.height) / 2
	dyBins := grid.FloorDiv(price.StepsFrom(r.yAnchor, step), r.StepsPerYBin())

	y := halfH + dyBins
	if y < 0 || y >= int64(r.height) {
		return
	}

	v := scaleQty(qty, r.qtyScale)
	if v == 0 {
		return
	}

	w := int(r.width)
	idx := int(y)*w + int(x)

	cells, colMax, blockMax := r.side(isBid)
	if v > cells[idx] {
		cells[idx] = v
	}
	if v > colMax[x] {
		colMax[x] = v
	}
	bidx := int(uint32(y)/yBlockH)*w + int(x)
	if bidx < len(blockMax) && v > blockMax[bidx] {
		blockMax[bidx] = v
	}
}

func (r *Ring) side(isBid bool) (cells, colMax, blockMax []uint32) {
	if isBid {
		return r.bid, r.colMaxBid, r.blockMaxBid
	}
	return r.ask, r.colMaxAsk, r.blockMaxAsk
}

func (r *Ring) copyColumn(fromX, toX uint32) {
	if fromX == toX {
		return
	}
	w := int(r.width)
	for y := 0; y < int(r.height); y++ {
		r.bid[y*w+int(toX)] = r.bid[y*w+int(fromX)]
		r.ask[y*w+int(toX)] = r.ask[y*w+int(fromX)]
	}
	r.colMaxBid[toX] = r.colMaxBid[fromX]
	r.colMaxAsk[toX] = r.colMaxAsk[fromX]

	blocks := int(r.yBlockCount())
	for by := 0; by < blocks; by++ {
		r.blockMaxBid[by*w+int(toX)] = r.blockMaxBid[by*w+int(fromX)]
		r.blockMaxAsk[by*w+int(toX)] = r.blockMaxAsk[by*w+int(fromX)]
	}

	r.dirty.markCol(toX)
}

func (r *Ring) clearColumn(x uint32) {
	w := int(r.width)
	for y := 0; y < int(r.height); y++ {
		r.bid[y*w+int(x)] = 0
		r.ask[y*w+int(x)] = 0
	}
	r.colMaxBid[x] = 0
	r.colMaxAsk[x] = 0

	blocks := int(r.yBlockCount())
	for by := 0; by < blocks; by++ {
		r.blockMaxBid[by*w+int(x)] = 0
		r.blockMaxAsk[by*w+int(x)] = 0
	}

	r.dirty.markCol(x)
}

func (r *Ring) clearAll() {
	clearSlice(r.bid)
	clearSlice(r.ask)
	clearSlice(r.colMaxBid)
	clearSlice(r.colMaxAsk)
	clearSlice(r.blockMaxBid)
	clearSlice(r.blockMaxAsk)
	r.dirty.markFull()
}

// ExtractColumn returns the H-length cell vector for column x of one side.
// Columns outside the laid-out ring come back zeroed: absence means "no
// observed liquidity", not an error.
func (r *Ring) ExtractColumn(x uint32, isBid bool) []uint32 {
	out := make([]uint32, r.height)
	w := int(r.width)
	if w == 0 || r.height == 0 || int(x) >= w {
		return out
	}
	cells, _, _ := r.side(isBid)
	for y := range out {
		out[y] = cells[y*w+int(x)]
	}
	return out
}

// ColumnMax returns the per-column maxima for one side (live slice; do not
// mutate).
func (r *Ring) ColumnMax(isBid bool) []uint32 {
	if isBid {
		return r.colMaxBid
	}
	return r.colMaxAsk
}

// CellView is a copied-out snapshot of the ring's cells plus the scalars a
// renderer needs to map ring coordinates into world space.
type CellView struct {
	Width        uint32     `json:"width"`
	Height       uint32     `json:"height"`
	Bid          []uint32   `json:"bid"`
	Ask          []uint32   `json:"ask"`
	YAnchor      grid.Price `json:"y_anchor"`
	StepsPerYBin int64      `json:"steps_per_y_bin"`
	LastBucket   int64      `json:"last_bucket"`
	BucketMs     uint64     `json:"bucket_ms"`
	QtyScale     float32    `json:"qty_scale"`
}

// CellSnapshot copies the current cell state out of the ring.
func (r *Ring) CellSnapshot() CellView {
	bid := make([]uint32, len(r.bid))
	copy(bid, r.bid)
	ask := make([]uint32, len(r.ask))
	copy(ask, r.ask)
	return CellView{
		Width:        r.width,
		Height:       r.height,
		Bid:          bid,
		Ask:          ask,
		YAnchor:      r.yAnchor,
		StepsPerYBin: r.StepsPerYBin(),
		LastBucket:   r.lastBucket,
		BucketMs:     r.bucketMs,
		QtyScale:     r.qtyScale,
	}
}

// YStartBin returns the y-bin offset aligning the ring's internal anchor with
// the caller's base price (the renderer's vertical origin).
func (r *Ring) YStartBin(base grid.Price, step grid.PriceStep) float32 {
	h := r.height
	if h == 0 {
		h = 1
	}
	halfH := int64(h) / 2
	if !r.hasAnchor {
		return -float32(halfH)
	}
	deltaBins := grid.FloorDiv(base.StepsFrom(r.yAnchor, step), r.StepsPerYBin())
	return -float32(halfH) - float32(deltaBins)
}

// RebuildFromHistory reseeds the whole ring from the run history for
// [oldest, latest], using the given anchor and binning. Intended for
// interaction spikes (zoom / anchor change), not the per-snapshot path.
func (r *Ring) RebuildFromHistory(hist *RunHistory, oldest, latest uint64, base grid.Price, step grid.PriceStep, stepsPerYBin int64, highest, lowest grid.Price) {
	if r.bucketMs == 0 || r.width == 0 || r.height == 0 {
		return
	}
	if stepsPerYBin < 1 {
		stepsPerYBin = 1
	}

	r.stepsPerYBin = stepsPerYBin
	r.yAnchor = base
	r.hasAnchor = true
	r.clearAll()
	r.hasBucket = false

	bucket := r.bucketMs
	oldest = (oldest / bucket) * bucket
	latest = (latest / bucket) * bucket

	oldestBucket := int64(oldest / bucket)
	latestBucket := int64(latest / bucket)
	if latestBucket < oldestBucket {
		return
	}

	halfH := int64(r.height) / 2
	w := int(r.width)

	hist.IterWindow(oldest, latest+bucket, highest, lowest, func(price grid.Price, runs []OrderRun) bool {
		dyBins := grid.FloorDiv(price.StepsFrom(base, step), stepsPerYBin)
		y := halfH + dyBins
		if y < 0 || y >= int64(r.height) {
			return true
		}

		for _, run := range runs {
			start := run.StartTime
			if start < oldest {
				start = oldest
			}
			endExcl := run.UntilTime
			if lim := latest + bucket; endExcl > lim {
				endExcl = lim
			}
			if endExcl <= start {
				continue
			}

			b0 := int64(start / bucket)
			b1 := int64((endExcl - 1) / bucket)
			if b0 < oldestBucket {
				b0 = oldestBucket
			}
			if b1 > latestBucket {
				b1 = latestBucket
			}
			if b1 < b0 {
				continue
			}

			v := scaleQty(run.Qty, r.qtyScale)
			if v == 0 {
				continue
			}

			cells, colMax, blockMax := r.side(run.IsBid)
			for b := b0; b <= b1; b++ {
				x := int(grid.FloorMod(b, int64(r.width)))
				idx := int(y)*w + x
				if v > cells[idx] {
					cells[idx] = v
				}
				if v > colMax[x] {
					colMax[x] = v
				}
				bidx := int(uint32(y)/yBlockH)*w + x
				if bidx < len(blockMax) && v > blockMax[bidx] {
					blockMax[bidx] = v
				}
			}
		}
		return true
	})

	r.lastBucket = latestBucket
	r.hasBucket = true
	r.dirty.markFull()
}

func scaleQty(qty, scale float32) uint32 {
	if qty <= 0 || qty != qty {
		return 0
	}
	v := float64(qty) * float64(scale)
	if v < 0 {
		return 0
	}
	if v > float64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(v + 0.5)
}

func nextPow2(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	return v + 1
}

func clearSlice(s []uint32) {
	for i := range s {
		s[i] = 0
	}
}

func sortUint32(s []uint32) {
	// insertion sort; dirty column sets are tiny between drains
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
