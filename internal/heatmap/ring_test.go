package heatmap

import (
	"testing"

	"depthflow/internal/grid"
	"depthflow/models"
)

func testSnapshot(bidPrice, bidQty, askPrice, askQty float64) *models.DepthSnapshot {
	snap := &models.DepthSnapshot{}
	if bidQty > 0 {
		snap.Bids = []models.Level{{Price: bidPrice, Qty: bidQty}}
	}
	if askQty > 0 {
		snap.Asks = []models.Level{{Price: askPrice, Qty: askQty}}
	}
	return snap
}

func TestRingLayoutRoundsToPowerOfTwo(t *testing.T) {
	cases := []struct {
		horizon uint32
		want    uint32
	}{
		{1, 1}, {2, 2}, {3, 4}, {100, 128}, {128, 128}, {129, 256},
	}
	for _, tc := range cases {
		r := NewRing(tc.horizon, 64, 500, 100, GapCopyForward)
		r.EnsureLayout(1000)
		if r.Width() != tc.want {
			t.Errorf("horizon %d: width = %d, want %d", tc.horizon, r.Width(), tc.want)
		}
	}
}

func TestRingIngestIdempotent(t *testing.T) {
	step := grid.StepFromFloat(0.5)
	r := NewRing(64, 64, 500, 100, GapCopyForward)
	r.EnsureLayout(1000)

	target := grid.PriceFromFloat(100)
	snap := testSnapshot(100.0, 5.0, 100.5, 3.0)

	r.IngestSnapshot(snap, 1000, step, target, 1)
	first := r.ExtractColumn(r.RingXForBucket(1), true)

	r.IngestSnapshot(snap, 1000, step, target, 1)
	second := r.ExtractColumn(r.RingXForBucket(1), true)

	for y := range first {
		if first[y] != second[y] {
			t.Fatalf("re-ingest changed cell y=%d: %d -> %d", y, first[y], second[y])
		}
	}
}

func TestRingMonotonicAdvanceMarksSingleColumn(t *testing.T) {
	step := grid.StepFromFloat(0.5)
	r := NewRing(64, 64, 500, 100, GapCopyForward)
	r.EnsureLayout(1000)
	target := grid.PriceFromFloat(100)

	r.IngestSnapshot(testSnapshot(100.0, 5.0, 100.5, 3.0), 1000, step, target, 1)
	r.TakeFullDirty()
	r.DrainDirtyColumns()

	r.IngestSnapshot(testSnapshot(100.0, 5.0, 100.5, 3.0), 2000, step, target, 1)

	if r.TakeFullDirty() {
		t.Fatal("steady advance flagged a full resync")
	}
	cols := r.DrainDirtyColumns()
	if len(cols) != 1 || cols[0] != r.RingXForBucket(2) {
		t.Errorf("dirty columns = %v, want [%d]", cols, r.RingXForBucket(2))
	}
}

func TestRingLateArrivalWithinGrace(t *testing.T) {
	step := grid.StepFromFloat(0.5)
	// grace 5000ms over 1000ms buckets = 5 buckets of patch window
	r := NewRing(64, 64, 5000, 100, GapCopyForward)
	r.EnsureLayout(1000)
	target := grid.PriceFromFloat(100)

	for b := uint64(1); b <= 100; b++ {
		r.IngestSnapshot(testSnapshot(100.0, 5.0, 100.5, 3.0), b*1000, step, target, 1)
	}

	// Bucket 97 is 3 behind the head: patchable.
	r.IngestSnapshot(testSnapshot(100.0, 9.0, 100.5, 3.0), 97000, step, target, 1)
	col := r.ExtractColumn(r.RingXForBucket(97), true)
	if max := maxCell(col); max != 900 {
		t.Errorf("patched column peak = %d, want 900", max)
	}

	// Bucket 50 is far beyond grace: dropped.
	before := r.ExtractColumn(r.RingXForBucket(50), true)
	r.IngestSnapshot(testSnapshot(100.0, 9.0, 100.5, 3.0), 50000, step, target, 1)
	after := r.ExtractColumn(r.RingXForBucket(50), true)
	for y := range before {
		if before[y] != after[y] {
			t.Fatalf("stale update mutated column at y=%d", y)
		}
	}
	if last, _ := r.LastBucket(); last != 100 {
		t.Errorf("late arrivals moved the head: last bucket = %d", last)
	}
}

func TestRingGapBeyondGraceClears(t *testing.T) {
	step := grid.StepFromFloat(0.5)
	// grace 2000ms = 2 buckets; a jump of 4 must clear the skipped columns.
	r := NewRing(64, 64, 2000, 100, GapCopyForward)
	r.EnsureLayout(1000)
	target := grid.PriceFromFloat(100)

	r.IngestSnapshot(testSnapshot(100.0, 5.0, 100.5, 3.0), 1000, step, target, 1)
	r.IngestSnapshot(testSnapshot(100.0, 5.0, 100.5, 3.0), 5000, step, target, 1)

	for b := int64(2); b <= 4; b++ {
		col := r.ExtractColumn(r.RingXForBucket(b), true)
		if max := maxCell(col); max != 0 {
			t.Errorf("skipped bucket %d not cleared, peak = %d", b, max)
		}
	}
	head := r.ExtractColumn(r.RingXForBucket(5), true)
	if max := maxCell(head); max != 500 {
		t.Errorf("head column peak = %d, want 500", max)
	}
}

func TestRingGapWithinGraceCopiesForward(t *testing.T) {
	step := grid.StepFromFloat(0.5)
	r := NewRing(64, 64, 3000, 100, GapCopyForward)
	r.EnsureLayout(1000)
	target := grid.PriceFromFloat(100)

	r.IngestSnapshot(testSnapshot(100.0, 5.0, 100.5, 3.0), 1000, step, target, 1)
	r.IngestSnapshot(testSnapshot(100.0, 7.0, 100.5, 3.0), 3000, step, target, 1)

	gap := r.ExtractColumn(r.RingXForBucket(2), true)
	if max := maxCell(gap); max != 500 {
		t.Errorf("gap column peak = %d, want copied 500", max)
	}
}

func TestRingGapClearPolicy(t *testing.T) {
	step := grid.StepFromFloat(0.5)
	r := NewRing(64, 64, 3000, 100, GapClear)
	r.EnsureLayout(1000)
	target := grid.PriceFromFloat(100)

	r.IngestSnapshot(testSnapshot(100.0, 5.0, 100.5, 3.0), 1000, step, target, 1)
	r.IngestSnapshot(testSnapshot(100.0, 7.0, 100.5, 3.0), 3000, step, target, 1)

	gap := r.ExtractColumn(r.RingXForBucket(2), true)
	if max := maxCell(gap); max != 0 {
		t.Errorf("gap column peak = %d, want 0 under clear policy", max)
	}
}

func TestRingJumpBeyondWidthResets(t *testing.T) {
	step := grid.StepFromFloat(0.5)
	r := NewRing(64, 64, 500, 100, GapCopyForward)
	r.EnsureLayout(1000)
	target := grid.PriceFromFloat(100)

	r.IngestSnapshot(testSnapshot(100.0, 5.0, 100.5, 3.0), 1000, step, target, 1)
	r.TakeFullDirty()

	r.IngestSnapshot(testSnapshot(100.0, 7.0, 100.5, 3.0), uint64(r.Width()+11)*1000, step, target, 1)

	if !r.TakeFullDirty() {
		t.Error("jump past the horizon did not flag a full resync")
	}
	old := r.ExtractColumn(r.RingXForBucket(1), true)
	if max := maxCell(old); max != 0 {
		t.Errorf("pre-jump data survived the reset, peak = %d", max)
	}
}

func TestRingReanchorsWhenFocusDrifts(t *testing.T) {
	step := grid.StepFromFloat(1.0)
	r := NewRing(64, 64, 500, 100, GapCopyForward)
	r.EnsureLayout(1000)

	r.IngestSnapshot(testSnapshot(100.0, 5.0, 101.0, 3.0), 1000, step, grid.PriceFromFloat(100), 1)
	anchor1, _ := r.YAnchor()

	// Drift of 2 bins (threshold is height/4 = 16): anchor holds.
	r.IngestSnapshot(testSnapshot(102.0, 5.0, 103.0, 3.0), 2000, step, grid.PriceFromFloat(102), 1)
	if a, _ := r.YAnchor(); a != anchor1 {
		t.Error("small drift moved the anchor")
	}

	r.TakeFullDirty()
	// Drift of 30 bins: re-anchor and clear.
	r.IngestSnapshot(testSnapshot(130.0, 5.0, 131.0, 3.0), 3000, step, grid.PriceFromFloat(130), 1)
	if a, _ := r.YAnchor(); a != grid.PriceFromFloat(130) {
		t.Errorf("anchor = %v, want 130", a.Float64())
	}
	if !r.TakeFullDirty() {
		t.Error("re-anchor did not flag a full resync")
	}
}

func TestRingOutOfHorizonColumnReadsZero(t *testing.T) {
	r := NewRing(64, 64, 500, 100, GapCopyForward)
	r.EnsureLayout(1000)

	col := r.ExtractColumn(r.Width()+5, true)
	if len(col) != int(r.Height()) {
		t.Fatalf("column length = %d, want %d", len(col), r.Height())
	}
	if max := maxCell(col); max != 0 {
		t.Errorf("out-of-range column peak = %d, want 0", max)
	}
}

func TestRingBinningChangeClears(t *testing.T) {
	step := grid.StepFromFloat(0.5)
	r := NewRing(64, 64, 500, 100, GapCopyForward)
	r.EnsureLayout(1000)
	target := grid.PriceFromFloat(100)

	r.IngestSnapshot(testSnapshot(100.0, 5.0, 100.5, 3.0), 1000, step, target, 1)
	r.TakeFullDirty()

	r.IngestSnapshot(testSnapshot(100.0, 5.0, 100.5, 3.0), 2000, step, target, 2)
	if !r.TakeFullDirty() {
		t.Error("price LOD change did not flag a full resync")
	}
	if r.StepsPerYBin() != 2 {
		t.Errorf("stepsPerYBin = %d, want 2", r.StepsPerYBin())
	}
}

func TestRingRebuildFromHistory(t *testing.T) {
	step := grid.StepFromFloat(0.5)
	hist := NewRunHistory(step, 1000, 0.15)
	hist.InsertSnapshot([]models.Level{{Price: 100.0, Qty: 5.0}}, []models.Level{{Price: 100.5, Qty: 3.0}}, 0)
	hist.InsertSnapshot([]models.Level{{Price: 100.0, Qty: 5.0}}, []models.Level{{Price: 100.5, Qty: 3.0}}, 1000)
	hist.InsertSnapshot([]models.Level{{Price: 100.0, Qty: 5.0}}, []models.Level{{Price: 100.5, Qty: 3.0}}, 2000)

	r := NewRing(64, 64, 500, 100, GapCopyForward)
	r.EnsureLayout(1000)
	base := grid.PriceFromFloat(100)

	r.RebuildFromHistory(hist, 0, 2000, base, step, 1,
		grid.PriceFromFloat(200), grid.PriceFromFloat(0))

	if !r.TakeFullDirty() {
		t.Error("rebuild did not flag a full resync")
	}
	for b := int64(0); b <= 2; b++ {
		col := r.ExtractColumn(r.RingXForBucket(b), true)
		if max := maxCell(col); max != 500 {
			t.Errorf("rebuilt bucket %d bid peak = %d, want 500", b, max)
		}
		ask := r.ExtractColumn(r.RingXForBucket(b), false)
		if max := maxCell(ask); max != 300 {
			t.Errorf("rebuilt bucket %d ask peak = %d, want 300", b, max)
		}
	}
	if last, ok := r.LastBucket(); !ok || last != 2 {
		t.Errorf("rebuilt last bucket = %d, want 2", last)
	}
}

func TestRingColumnMaxTracksPeak(t *testing.T) {
	step := grid.StepFromFloat(0.5)
	r := NewRing(64, 64, 500, 100, GapCopyForward)
	r.EnsureLayout(1000)
	target := grid.PriceFromFloat(100)

	snap := &models.DepthSnapshot{
		Bids: []models.Level{{Price: 99.5, Qty: 2.0}, {Price: 100.0, Qty: 8.0}},
	}
	r.IngestSnapshot(snap, 1000, step, target, 1)

	x := r.RingXForBucket(1)
	if got := r.ColumnMax(true)[x]; got != 800 {
		t.Errorf("column max = %d, want 800", got)
	}
}

func maxCell(col []uint32) uint32 {
	var m uint32
	for _, v := range col {
		if v > m {
			m = v
		}
	}
	return m
}
