package grid

import "testing"

func TestFloorDivMod(t *testing.T) {
	cases := []struct {
		a, b, div, mod int64
	}{
		{7, 4, 1, 3},
		{-7, 4, -2, 1},
		{8, 4, 2, 0},
		{-8, 4, -2, 0},
		{0, 4, 0, 0},
		{-1, 64, -1, 63},
	}
	for _, c := range cases {
		if got := FloorDiv(c.a, c.b); got != c.div {
			t.Errorf("FloorDiv(%d,%d)=%d want %d", c.a, c.b, got, c.div)
		}
		if got := FloorMod(c.a, c.b); got != c.mod {
			t.Errorf("FloorMod(%d,%d)=%d want %d", c.a, c.b, got, c.mod)
		}
	}
}

func TestCeilDiv(t *testing.T) {
	if got := CeilDiv(7, 4); got != 2 {
		t.Errorf("CeilDiv(7,4)=%d want 2", got)
	}
	if got := CeilDiv(8, 4); got != 2 {
		t.Errorf("CeilDiv(8,4)=%d want 2", got)
	}
	if got := CeilDiv(-7, 4); got != -1 {
		t.Errorf("CeilDiv(-7,4)=%d want -1", got)
	}
}

func TestRoundToSide(t *testing.T) {
	step := StepFromFloat(0.5)

	bid := PriceFromFloat(100.3).RoundToSide(true, step)
	if bid.Float64() != 100.0 {
		t.Errorf("bid rounds down: got %v", bid.Float64())
	}

	ask := PriceFromFloat(100.3).RoundToSide(false, step)
	if ask.Float64() != 100.5 {
		t.Errorf("ask rounds up: got %v", ask.Float64())
	}

	// Exact boundaries stay put on both sides.
	on := PriceFromFloat(100.5)
	if on.RoundToSide(true, step) != on || on.RoundToSide(false, step) != on {
		t.Errorf("boundary price moved")
	}
}

func TestRoundToStep(t *testing.T) {
	step := StepFromFloat(0.5)
	if got := PriceFromFloat(100.2).RoundToStep(step).Float64(); got != 100.0 {
		t.Errorf("nearest down: got %v", got)
	}
	if got := PriceFromFloat(100.3).RoundToStep(step).Float64(); got != 100.5 {
		t.Errorf("nearest up: got %v", got)
	}
}

func TestStepsFrom(t *testing.T) {
	step := StepFromFloat(0.5)
	base := PriceFromFloat(100.0)

	if n := PriceFromFloat(101.0).StepsFrom(base, step); n != 2 {
		t.Errorf("expected 2 steps, got %d", n)
	}
	if n := PriceFromFloat(99.5).StepsFrom(base, step); n != -1 {
		t.Errorf("expected -1 steps, got %d", n)
	}
	if got := base.AddSteps(3, step).Float64(); got != 101.5 {
		t.Errorf("AddSteps: got %v", got)
	}
}
