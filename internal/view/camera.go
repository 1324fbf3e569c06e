// Package view maps camera state and viewport geometry onto the data-domain
// window the aggregation core answers queries for: which time buckets and
// price levels are visible, and at what level of detail.
package view

// World coordinates put x=0 at the live edge (the end of the latest bucket)
// with history extending toward negative x, and y=0 at the base price with
// price steps extending toward negative y as price rises.

// Camera holds the pan/zoom state of a heatmap view. Scale is pixels per
// world unit; Offset is the world coordinate of the live point. RightPadFrac
// reserves a fraction of the viewport to the right of the live edge for the
// realtime depth profile.
type Camera struct {
	Scale        [2]float32 `json:"scale"`
	Offset       [2]float32 `json:"offset"`
	RightPadFrac float32    `json:"right_pad_frac"`
}

// DefaultCamera returns the home view.
func DefaultCamera() Camera {
	return Camera{
		Scale:        [2]float32{100, 100},
		Offset:       [2]float32{0, 0},
		RightPadFrac: 0.10,
	}
}

const minCameraScale = 1e-6

func (c *Camera) sx() float32 {
	if c.Scale[0] < minCameraScale {
		return minCameraScale
	}
	return c.Scale[0]
}

func (c *Camera) sy() float32 {
	if c.Scale[1] < minCameraScale {
		return minCameraScale
	}
	return c.Scale[1]
}

func (c *Camera) rightPadWorld(viewportW float32) float32 {
	return (viewportW * c.RightPadFrac) / c.sx()
}

// RightEdge returns the world x of the right viewport border, including the
// reserved pad beyond the live edge.
func (c *Camera) RightEdge(viewportW float32) float32 {
	return c.Offset[0] + c.rightPadWorld(viewportW)
}

func (c *Camera) center(viewportW float32) (float32, float32) {
	cx := c.RightEdge(viewportW) - (viewportW*0.5)/c.sx()
	return cx, c.Offset[1]
}

// WorldToScreen converts world coords to viewport pixels (origin top left).
func (c *Camera) WorldToScreen(worldX, worldY, viewportW, viewportH float32) (float32, float32) {
	cx, cy := c.center(viewportW)
	return (worldX-cx)*c.sx() + viewportW*0.5,
		(worldY-cy)*c.sy() + viewportH*0.5
}

// ScreenToWorld converts a viewport pixel to world coords.
func (c *Camera) ScreenToWorld(screenX, screenY, viewportW, viewportH float32) (float32, float32) {
	cx, cy := c.center(viewportW)
	return cx + (screenX-viewportW*0.5)/c.sx(),
		cy + (screenY-viewportH*0.5)/c.sy()
}

// Pan shifts the view by a pixel delta.
func (c *Camera) Pan(dxPx, dyPx float32) {
	c.Offset[0] -= dxPx / c.sx()
	c.Offset[1] -= dyPx / c.sy()
}

// ZoomAtCursor scales the view by factor keeping the world point under the
// cursor fixed on screen.
func (c *Camera) ZoomAtCursor(factor, cursorX, cursorY, viewportW, viewportH float32) {
	factor = clamp32(factor, 0.01, 100)

	wx, wy := c.ScreenToWorld(cursorX, cursorY, viewportW, viewportH)

	c.Scale[0] = clamp32(c.Scale[0]*factor, 10, 5000)
	c.Scale[1] = clamp32(c.Scale[1]*factor, 10, 5000)

	viewXPx := cursorX - viewportW*0.5
	viewYPx := cursorY - viewportH*0.5

	rightEdge := wx + (viewportW*0.5)/c.sx() - viewXPx/c.sx()
	c.Offset[0] = rightEdge - c.rightPadWorld(viewportW)
	c.Offset[1] = wy - viewYPx/c.sy()
}

// ResetOffsetX snaps the view back to the live edge.
func (c *Camera) ResetOffsetX() {
	c.Offset[0] = 0
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
