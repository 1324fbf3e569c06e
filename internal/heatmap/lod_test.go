package heatmap

import "testing"

func TestTimeLodHysteresis(t *testing.T) {
	l := NewTimeLod(TimeLodConfig{
		EnablePx:  2.0,
		DisablePx: 4.0,
		TargetPx:  3.0,
		MaxGroup:  64,
	})

	if l.Active() || l.Group() != 1 {
		t.Fatalf("fresh policy active=%v group=%d, want inactive group 1", l.Active(), l.Group())
	}

	// Narrow columns engage coarsening.
	l.Update(1.0)
	if !l.Active() {
		t.Fatal("1px columns did not engage coarsening")
	}
	if l.Group() != 2 {
		// ceil(3/1) = 3, ramp-clamped to 2x of previous 1
		t.Errorf("group after first engage = %d, want 2", l.Group())
	}
	l.Update(1.0)
	if l.Group() != 3 {
		t.Errorf("group after ramp = %d, want 3 (ceil 3/1 clamped nowhere)", l.Group())
	}

	// Inside the band the state holds.
	l.Update(3.0)
	if !l.Active() {
		t.Error("3px columns inside the band disengaged coarsening")
	}

	// At or above DisablePx coarsening releases.
	l.Update(4.0)
	if l.Active() {
		t.Error("4px columns did not disengage coarsening")
	}
}

func TestTimeLodRampIsBounded(t *testing.T) {
	l := NewTimeLod(DefaultTimeLodConfig())

	// 0.1px columns want ceil(3/0.1) = 30, but each update may at most
	// double the grouping.
	want := []int{2, 4, 8, 16, 30, 30}
	for i, w := range want {
		l.Update(0.1)
		if l.Group() != w {
			t.Fatalf("update %d: group = %d, want %d", i, l.Group(), w)
		}
	}

	// Releasing halves at most per update.
	l.Update(10.0)
	if l.Group() != 15 {
		t.Errorf("group after release step = %d, want 15", l.Group())
	}
}

func TestTimeLodMaxGroupClamp(t *testing.T) {
	l := NewTimeLod(TimeLodConfig{EnablePx: 2, DisablePx: 4, TargetPx: 3, MaxGroup: 4})
	for i := 0; i < 10; i++ {
		l.Update(0.01)
	}
	if l.Group() != 4 {
		t.Errorf("group = %d, want clamp at 4", l.Group())
	}
}

func TestTimeLodIgnoresDegenerateInput(t *testing.T) {
	l := NewTimeLod(DefaultTimeLodConfig())
	l.Update(1.0)
	before := l.Group()
	if l.Update(0) {
		t.Error("zero width reported a change")
	}
	if l.Group() != before {
		t.Errorf("zero width changed group %d -> %d", before, l.Group())
	}
}

func TestPriceLodFactor(t *testing.T) {
	cases := []struct {
		minRowPx  float32
		rowPx     float32
		maxFactor int64
		want      int64
	}{
		{2.0, 4.0, 64, 1},
		{2.0, 2.0, 64, 1},
		{2.0, 1.0, 64, 2},
		{2.0, 0.3, 64, 7},
		{2.0, 0.01, 64, 64},
		{2.0, 0, 64, 1},
	}
	for _, tc := range cases {
		if got := PriceLodFactor(tc.minRowPx, tc.rowPx, tc.maxFactor); got != tc.want {
			t.Errorf("PriceLodFactor(%v, %v, %d) = %d, want %d",
				tc.minRowPx, tc.rowPx, tc.maxFactor, got, tc.want)
		}
	}
}
