package view

import (
	"math"

	"depthflow/internal/grid"
)

// Config bounds the window computation.
type Config struct {
	MinCameraScale float32

	// Width reserved for the realtime depth profile right of the live edge,
	// in pixels.
	ProfileColWidthPx float32

	// Price-axis downsampling: a rendered bin must occupy at least
	// DepthMinRowPx on screen, folding up to MaxStepsPerYBin price steps.
	DepthMinRowPx   float32
	MaxStepsPerYBin int64

	// Lower bound on row height in world units.
	MinRowHWorld float32
}

// DefaultConfig mirrors the visualization's shipped tuning.
func DefaultConfig() Config {
	return Config{
		MinCameraScale:    10,
		ProfileColWidthPx: 120,
		DepthMinRowPx:     2,
		MaxStepsPerYBin:   64,
		MinRowHWorld:      1e-6,
	}
}

// Inputs carries the data-side state a window computation depends on.
type Inputs struct {
	BucketMs       uint64
	LatestTimeData uint64
	// LatestTimeRender lets a paused or animation-smoothed view pin the live
	// edge ahead of the newest data.
	LatestTimeRender uint64

	BasePrice grid.Price
	Step      grid.PriceStep

	RowHWorld float32
	ColWWorld float32
}

// Window is the resolved query window: the padded time range, the price
// range, and the LOD factors for one camera + viewport state.
type Window struct {
	BucketMs uint64 `json:"bucket_ms"`

	// Padded time range, clamped to the data's extent.
	Earliest  uint64 `json:"earliest"`
	LatestVis uint64 `json:"latest_vis"`

	// Strict and padded bucket ranges relative to the live edge (<= 0 means
	// at or left of the newest bucket).
	BucketMinStrict int64 `json:"bucket_min_strict"`
	BucketMaxStrict int64 `json:"bucket_max_strict"`
	BucketMin       int64 `json:"bucket_min"`
	BucketMax       int64 `json:"bucket_max"`

	Lowest  grid.Price `json:"lowest"`
	Highest grid.Price `json:"highest"`
	RowH    float32    `json:"row_h"`

	Sx float32 `json:"sx"`
	Sy float32 `json:"sy"`

	ProfileMaxWWorld float32 `json:"profile_max_w_world"`
	LeftEdgeWorld    float32 `json:"left_edge_world"`

	StepsPerYBin int64   `json:"steps_per_y_bin"`
	YBinHWorld   float32 `json:"y_bin_h_world"`
}

// Compute resolves the visible window. It returns nil when there is no data
// yet or the camera is panned entirely outside the data's time extent.
func Compute(cfg Config, camera *Camera, viewportW, viewportH float32, in Inputs) *Window {
	if in.BucketMs == 0 || in.LatestTimeData == 0 {
		return nil
	}
	if in.ColWWorld <= 0 {
		return nil
	}
	if viewportW <= 0 || viewportH <= 0 {
		return nil
	}

	sx := maxf32(camera.Scale[0], cfg.MinCameraScale)
	sy := maxf32(camera.Scale[1], cfg.MinCameraScale)

	xMax := camera.RightEdge(viewportW)
	xMin := xMax - viewportW/sx

	bucketMinStrict := int64(math.Floor(float64(xMin / in.ColWWorld)))
	bucketMaxStrict := int64(math.Ceil(float64(xMax / in.ColWWorld)))

	bucketMin := bucketMinStrict - 2
	bucketMax := bucketMaxStrict + 2

	yCenter := camera.Offset[1]
	halfHWorld := (viewportH / sy) * 0.5
	yMin := yCenter - halfHWorld
	yMax := yCenter + halfHWorld

	latestForView := in.LatestTimeData
	if in.LatestTimeRender > latestForView {
		latestForView = in.LatestTimeRender
	}

	// Signed intermediate: the window may extend left of epoch on a far pan.
	latestT := int64(latestForView)
	bucket := int64(in.BucketMs)

	earliest := clampI64(latestT+bucketMin*bucket, 0, latestT)
	latestVis := clampI64(latestT+bucketMax*bucket, 0, latestT)
	if earliest >= latestVis {
		return nil
	}

	rowH := maxf32(in.RowHWorld, cfg.MinRowHWorld)

	// y grows downward while price grows upward
	minSteps := int64(math.Floor(float64(-yMax / rowH)))
	maxSteps := int64(math.Ceil(float64(-yMin / rowH)))

	lowest := in.BasePrice.AddSteps(minSteps, in.Step)
	highest := in.BasePrice.AddSteps(maxSteps, in.Step)

	profileW := maxf32(cfg.ProfileColWidthPx/sx, 0)
	if rightOfZero := maxf32(xMax, 0); profileW > rightOfZero {
		profileW = rightOfZero
	}

	stepsPerYBin := int64(1)
	pxPerStep := rowH * sy
	if pxPerStep > 0 && !math.IsInf(float64(pxPerStep), 0) && pxPerStep == pxPerStep {
		// Single-precision scale noise must not tip an exact boundary over
		// the ceiling: that off-by-one forces a full ring rebuild on a zoom
		// level that should be stable.
		q := float64(cfg.DepthMinRowPx) / float64(pxPerStep)
		stepsPerYBin = int64(math.Ceil(q * (1 - 1e-6)))
		stepsPerYBin = clampI64(stepsPerYBin, 1, in64Max(cfg.MaxStepsPerYBin, 1))
	}

	return &Window{
		BucketMs:         in.BucketMs,
		Earliest:         uint64(earliest),
		LatestVis:        uint64(latestVis),
		BucketMinStrict:  bucketMinStrict,
		BucketMaxStrict:  bucketMaxStrict,
		BucketMin:        bucketMin,
		BucketMax:        bucketMax,
		Lowest:           lowest,
		Highest:          highest,
		RowH:             rowH,
		Sx:               sx,
		Sy:               sy,
		ProfileMaxWWorld: profileW,
		LeftEdgeWorld:    xMin,
		StepsPerYBin:     stepsPerYBin,
		YBinHWorld:       rowH * float32(stepsPerYBin),
	}
}

// YBinForPrice maps a price into the window's downsampled bin index using
// floor division so it agrees with the ring's placement on both sides of the
// base price.
func (w *Window) YBinForPrice(price, base grid.Price, step grid.PriceStep) int64 {
	dySteps := price.StepsFrom(base, step)
	return grid.FloorDiv(dySteps, in64Max(w.StepsPerYBin, 1))
}

// YCenterForBin returns the world y at the center of a bin.
func (w *Window) YCenterForBin(yBin int64) float32 {
	return -((float32(yBin) + 0.5) * w.YBinHWorld)
}

// YCenterForPrice returns the world y of the bin containing price.
func (w *Window) YCenterForPrice(price, base grid.Price, step grid.PriceStep) float32 {
	return w.YCenterForBin(w.YBinForPrice(price, base, step))
}

func maxf32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func clampI64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func in64Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
