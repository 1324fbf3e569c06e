package heatmap

import "math"

// TimeLodConfig bounds the time-axis coarsening policy. EnablePx and
// DisablePx form a hysteresis band: coarsening turns on when a source bucket
// renders narrower than EnablePx and turns off only once it renders at least
// DisablePx wide, so small zoom jitters near the boundary do not flip the
// grouping back and forth.
type TimeLodConfig struct {
	EnablePx  float32
	DisablePx float32
	TargetPx  float32
	MaxGroup  int
}

// DefaultTimeLodConfig mirrors the tuning the visualization ships with.
func DefaultTimeLodConfig() TimeLodConfig {
	return TimeLodConfig{
		EnablePx:  2.0,
		DisablePx: 4.0,
		TargetPx:  3.0,
		MaxGroup:  64,
	}
}

func (c *TimeLodConfig) normalize() {
	if c.EnablePx <= 0 {
		c.EnablePx = 2.0
	}
	if c.DisablePx < c.EnablePx {
		c.DisablePx = c.EnablePx
	}
	if c.TargetPx <= 0 {
		c.TargetPx = c.EnablePx
	}
	if c.MaxGroup < 1 {
		c.MaxGroup = 1
	}
}

// TimeLod tracks the current time-axis grouping factor. A grouping of 1 means
// every source bucket renders as its own column; a grouping of n folds n
// buckets into one coarser column.
type TimeLod struct {
	cfg    TimeLodConfig
	active bool
	group  int
}

// NewTimeLod creates a policy at grouping 1 (inactive).
func NewTimeLod(cfg TimeLodConfig) *TimeLod {
	cfg.normalize()
	return &TimeLod{cfg: cfg, group: 1}
}

// Group returns the current grouping factor (always >= 1).
func (l *TimeLod) Group() int {
	if l.group < 1 {
		return 1
	}
	return l.group
}

// Active reports whether coarsening is currently engaged.
func (l *TimeLod) Active() bool {
	return l.active
}

// Update recomputes the grouping from the on-screen width of one source
// bucket and reports whether the grouping changed. Transitions ramp at most
// 2x per update in either direction so a zoom animation produces a staircase
// of intermediate groupings instead of one jarring jump.
func (l *TimeLod) Update(colPx float32) bool {
	if colPx <= 0 || float64(colPx) != float64(colPx) {
		return false
	}

	prev := l.Group()

	if l.active {
		if colPx >= l.cfg.DisablePx {
			l.active = false
		}
	} else {
		if colPx < l.cfg.EnablePx {
			l.active = true
		}
	}

	target := 1
	if l.active {
		target = int(math.Ceil(float64(l.cfg.TargetPx) / float64(colPx)))
		if target < 1 {
			target = 1
		}
		if target > l.cfg.MaxGroup {
			target = l.cfg.MaxGroup
		}
	}

	// Clamp to [prev/2, prev*2].
	if lo := prev / 2; target < lo {
		target = lo
	}
	if hi := prev * 2; target > hi {
		target = hi
	}
	if target < 1 {
		target = 1
	}

	l.group = target
	return l.group != prev
}

// PriceLodFactor returns how many price steps fold into one rendered bin so
// a bin occupies at least minRowPx on screen. rowPx is the on-screen height
// of a single price step at the current zoom.
func PriceLodFactor(minRowPx, rowPx float32, maxFactor int64) int64 {
	if rowPx <= 0 || minRowPx <= 0 {
		return 1
	}
	f := int64(math.Ceil(float64(minRowPx) / float64(rowPx)))
	if f < 1 {
		f = 1
	}
	if maxFactor >= 1 && f > maxFactor {
		f = maxFactor
	}
	return f
}
