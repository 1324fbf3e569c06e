package models

import (
	"math"
	"sort"
	"strconv"
)

// Level represents a single price level on one side of the book.
type Level struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// DepthSnapshot represents the complete order-book state delivered by a feed.
// Both sides are sorted by ascending price so consumers can fold adjacent
// levels that quantize to the same tick in a single pass.
type DepthSnapshot struct {
	Exchange     string  `json:"exchange"`
	Symbol       string  `json:"symbol"`
	Bids         []Level `json:"bids"`
	Asks         []Level `json:"asks"`
	LastUpdateID int64   `json:"last_update_id"`
	Timestamp    uint64  `json:"timestamp"` // exchange time, unix ms
}

// MidPrice returns the midpoint between best bid and best ask. The second
// return value is false when either side is empty.
func (s *DepthSnapshot) MidPrice() (float64, bool) {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return 0, false
	}
	bestBid := s.Bids[len(s.Bids)-1].Price
	bestAsk := s.Asks[0].Price
	return (bestBid + bestAsk) / 2, true
}

// Empty reports whether the snapshot carries no levels at all.
func (s *DepthSnapshot) Empty() bool {
	return len(s.Bids) == 0 && len(s.Asks) == 0
}

// ParseLevels converts exchange-style [price, qty] string pairs into levels,
// dropping malformed or non-positive entries, and returns them sorted by
// ascending price.
func ParseLevels(raw [][]string) []Level {
	out := make([]Level, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err := strconv.ParseFloat(pair[0], 64)
		if err != nil {
			continue
		}
		qty, err := strconv.ParseFloat(pair[1], 64)
		if err != nil {
			continue
		}
		if math.IsNaN(price) || math.IsNaN(qty) || math.IsInf(price, 0) || math.IsInf(qty, 0) {
			continue
		}
		if price <= 0 || qty <= 0 {
			continue
		}
		out = append(out, Level{Price: price, Qty: qty})
	}
	SortLevels(out)
	return out
}

// SortLevels orders levels by ascending price in place.
func SortLevels(levels []Level) {
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
}
