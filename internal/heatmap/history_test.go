package heatmap

import (
	"testing"

	"depthflow/internal/grid"
	"depthflow/models"
)

func collectRuns(t *testing.T, h *RunHistory, price float64) []OrderRun {
	t.Helper()
	var out []OrderRun
	lo := grid.PriceFromFloat(price - 1)
	hi := grid.PriceFromFloat(price + 1)
	want := grid.PriceFromFloat(price)
	h.IterWindow(0, ^uint64(0), hi, lo, func(p grid.Price, runs []OrderRun) bool {
		if p == want {
			out = append(out, runs...)
		}
		return true
	})
	return out
}

func TestRunHistoryMergesNearConstantLevels(t *testing.T) {
	step := grid.StepFromFloat(0.5)
	h := NewRunHistory(step, 1000, 0.15)

	h.InsertSnapshot([]models.Level{{Price: 100.0, Qty: 5.0}}, nil, 0)
	h.InsertSnapshot([]models.Level{{Price: 100.0, Qty: 5.1}}, nil, 1000)

	runs := collectRuns(t, h, 100.0)
	if len(runs) != 1 {
		t.Fatalf("expected 1 merged run, got %d: %+v", len(runs), runs)
	}
	r := runs[0]
	if r.StartTime != 0 || r.UntilTime != 2000 {
		t.Errorf("run span = [%d, %d), want [0, 2000)", r.StartTime, r.UntilTime)
	}
	if !r.IsBid {
		t.Error("run should be a bid run")
	}
	if d := r.Qty - 5.05; d > 0.06 || d < -0.06 {
		t.Errorf("run qty = %v, want about 5.05", r.Qty)
	}
}

func TestRunHistorySplitsOnLargeQtyChange(t *testing.T) {
	step := grid.StepFromFloat(0.5)
	h := NewRunHistory(step, 1000, 0.1)

	h.InsertSnapshot([]models.Level{{Price: 100.0, Qty: 5.0}}, nil, 0)
	h.InsertSnapshot([]models.Level{{Price: 100.0, Qty: 9.0}}, nil, 1000)

	runs := collectRuns(t, h, 100.0)
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs after 80%% qty change, got %d: %+v", len(runs), runs)
	}
	if runs[0].UntilTime != 1000 {
		t.Errorf("first run until = %d, want 1000", runs[0].UntilTime)
	}
	if runs[1].StartTime != 1000 || runs[1].UntilTime != 2000 {
		t.Errorf("second run span = [%d, %d), want [1000, 2000)", runs[1].StartTime, runs[1].UntilTime)
	}
	if runs[0].UntilTime > runs[1].StartTime {
		t.Error("runs overlap")
	}
}

func TestRunHistorySideRoundingAndFold(t *testing.T) {
	step := grid.StepFromFloat(0.5)
	h := NewRunHistory(step, 1000, 0.15)

	// Two raw bid levels both floor to 100.0 and must fold by summation; the
	// ask ceils to 100.5.
	h.InsertSnapshot(
		[]models.Level{{Price: 100.1, Qty: 2.0}, {Price: 100.3, Qty: 3.0}},
		[]models.Level{{Price: 100.2, Qty: 4.0}},
		0,
	)

	bidRuns := collectRuns(t, h, 100.0)
	if len(bidRuns) != 1 {
		t.Fatalf("expected 1 folded bid run at 100.0, got %d", len(bidRuns))
	}
	if bidRuns[0].Qty != 5.0 {
		t.Errorf("folded bid qty = %v, want 5.0", bidRuns[0].Qty)
	}

	askRuns := collectRuns(t, h, 100.5)
	if len(askRuns) != 1 {
		t.Fatalf("expected 1 ask run at 100.5, got %d", len(askRuns))
	}
	if askRuns[0].IsBid {
		t.Error("ask run flagged as bid")
	}
}

func TestRunHistoryDropsInvalidLevels(t *testing.T) {
	step := grid.StepFromFloat(0.5)
	h := NewRunHistory(step, 1000, 0.15)

	nan := 0.0
	nan = nan / nan
	h.InsertSnapshot([]models.Level{
		{Price: 100.0, Qty: 0},
		{Price: 100.0, Qty: -1},
		{Price: 100.0, Qty: nan},
	}, nil, 0)

	if h.Levels() != 0 {
		t.Fatalf("invalid levels leaked into history: %d levels", h.Levels())
	}
}

func TestRunHistoryIterWindowBounds(t *testing.T) {
	step := grid.StepFromFloat(1.0)
	h := NewRunHistory(step, 1000, 0.15)

	for _, p := range []float64{98, 99, 100, 101, 102} {
		h.InsertSnapshot([]models.Level{{Price: p, Qty: 1.0}}, nil, 0)
	}

	var seen []float64
	h.IterWindow(0, 5000, grid.PriceFromFloat(101), grid.PriceFromFloat(99), func(p grid.Price, _ []OrderRun) bool {
		seen = append(seen, p.Float64())
		return true
	})
	if len(seen) != 3 {
		t.Fatalf("window scan visited %d levels, want 3: %v", len(seen), seen)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Errorf("scan not ascending: %v", seen)
		}
	}

	// Time filter: a run in [0, 1000) must not appear for a window starting
	// later than its end.
	var hits int
	h.IterWindow(5000, 9000, grid.PriceFromFloat(200), grid.PriceFromFloat(0), func(grid.Price, []OrderRun) bool {
		hits++
		return true
	})
	if hits != 0 {
		t.Errorf("stale runs matched a later window: %d hits", hits)
	}
}

func TestRunHistoryLatestRuns(t *testing.T) {
	step := grid.StepFromFloat(1.0)
	h := NewRunHistory(step, 1000, 0.15)

	h.InsertSnapshot([]models.Level{{Price: 100, Qty: 2.0}}, nil, 0)
	h.InsertSnapshot([]models.Level{{Price: 100, Qty: 2.0}}, nil, 1000)
	h.InsertSnapshot([]models.Level{{Price: 105, Qty: 3.0}}, nil, 0)

	var got []float64
	h.LatestRuns(grid.PriceFromFloat(200), grid.PriceFromFloat(0), 2000, func(p grid.Price, run OrderRun) bool {
		got = append(got, p.Float64())
		if run.UntilTime < 2000 {
			t.Errorf("stale run surfaced at %v", p.Float64())
		}
		return true
	})
	if len(got) != 1 || got[0] != 100 {
		t.Errorf("live levels = %v, want [100]", got)
	}
}

func TestRunHistoryPrune(t *testing.T) {
	step := grid.StepFromFloat(1.0)
	h := NewRunHistory(step, 1000, 0.0)

	h.InsertSnapshot([]models.Level{{Price: 100, Qty: 1.0}}, nil, 0)
	h.InsertSnapshot([]models.Level{{Price: 100, Qty: 2.0}}, nil, 10000)
	h.InsertSnapshot([]models.Level{{Price: 105, Qty: 1.0}}, nil, 0)

	h.Prune(5000)

	runs := collectRuns(t, h, 100)
	if len(runs) != 1 || runs[0].StartTime != 10000 {
		t.Errorf("prune kept wrong runs at 100: %+v", runs)
	}
	if h.Levels() != 1 {
		t.Errorf("emptied level not removed, %d levels remain", h.Levels())
	}
}

func TestRunHistoryMaxQtyInWindow(t *testing.T) {
	step := grid.StepFromFloat(1.0)
	h := NewRunHistory(step, 1000, 0.0)

	h.InsertSnapshot([]models.Level{{Price: 100, Qty: 2.0}}, []models.Level{{Price: 101, Qty: 7.0}}, 0)
	h.InsertSnapshot(nil, []models.Level{{Price: 102, Qty: 4.0}}, 5000)

	if got := h.MaxQtyInWindow(0, 1000, grid.PriceFromFloat(200), grid.PriceFromFloat(0)); got != 7.0 {
		t.Errorf("max in early window = %v, want 7.0", got)
	}
	if got := h.MaxQtyInWindow(5000, 6000, grid.PriceFromFloat(200), grid.PriceFromFloat(0)); got != 4.0 {
		t.Errorf("max in late window = %v, want 4.0", got)
	}
}
