package models

import (
	"testing"
)

func TestParseLevelsDropsMalformed(t *testing.T) {
	raw := [][]string{
		{"100.5", "2"},
		{"bad", "1"},
		{"101", "bad"},
		{"101"},
		{"99.5", "0"},
		{"-1", "3"},
		{"100.0", "1.5"},
	}
	levels := ParseLevels(raw)
	if len(levels) != 2 {
		t.Fatalf("expected 2 levels, got %d: %v", len(levels), levels)
	}
	if levels[0].Price != 100.0 || levels[1].Price != 100.5 {
		t.Fatalf("levels not sorted ascending: %v", levels)
	}
}

func TestMidPrice(t *testing.T) {
	snap := DepthSnapshot{
		Bids: []Level{{Price: 99, Qty: 1}, {Price: 100, Qty: 2}},
		Asks: []Level{{Price: 101, Qty: 1}, {Price: 102, Qty: 2}},
	}
	mid, ok := snap.MidPrice()
	if !ok {
		t.Fatalf("expected mid price")
	}
	if mid != 100.5 {
		t.Errorf("unexpected mid price: %v", mid)
	}

	empty := DepthSnapshot{Asks: snap.Asks}
	if _, ok := empty.MidPrice(); ok {
		t.Errorf("expected no mid price for one-sided book")
	}
	if !(&DepthSnapshot{}).Empty() {
		t.Errorf("expected empty snapshot")
	}
}
