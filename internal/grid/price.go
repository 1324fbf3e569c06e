// Package grid provides the integer tick-step price quantization used by the
// aggregation core. All comparisons and bucket math happen on int64 units so
// that results stay exact regardless of the quoted price magnitude.
package grid

import "math"

// priceUnitScale is the number of internal units per 1.0 of quoted price.
// 1e8 keeps sub-satoshi ticks representable while leaving int64 headroom for
// any realistic quote.
const priceUnitScale = 1e8

// Price is an integer-quantized price value.
type Price struct {
	Units int64
}

// PriceStep is a tick size expressed in the same internal units as Price.
type PriceStep struct {
	Units int64
}

// PriceFromFloat quantizes a quoted price into internal units.
func PriceFromFloat(v float64) Price {
	return Price{Units: int64(math.Round(v * priceUnitScale))}
}

// StepFromFloat converts a tick size into internal units. The result is never
// smaller than one unit.
func StepFromFloat(tick float64) PriceStep {
	u := int64(math.Round(tick * priceUnitScale))
	if u < 1 {
		u = 1
	}
	return PriceStep{Units: u}
}

// Float64 returns the quoted-price representation.
func (p Price) Float64() float64 {
	return float64(p.Units) / priceUnitScale
}

// Float64 returns the tick size as a quoted-price delta.
func (s PriceStep) Float64() float64 {
	return float64(s.Units) / priceUnitScale
}

// AddSteps moves the price by n ticks.
func (p Price) AddSteps(n int64, step PriceStep) Price {
	return Price{Units: p.Units + n*step.units()}
}

// RoundToStep snaps the price to the nearest tick boundary.
func (p Price) RoundToStep(step PriceStep) Price {
	su := step.units()
	half := su / 2
	return Price{Units: FloorDiv(p.Units+half, su) * su}
}

// RoundToSide snaps the price to the side-appropriate tick boundary: bids
// round down, asks round up. Adjacent raw levels that collapse onto the same
// tick therefore merge toward the touch rather than across it.
func (p Price) RoundToSide(isBid bool, step PriceStep) Price {
	su := step.units()
	if isBid {
		return Price{Units: FloorDiv(p.Units, su) * su}
	}
	return Price{Units: CeilDiv(p.Units, su) * su}
}

// StepsFrom returns how many whole ticks p lies above base (floor semantics,
// exact for prices below the base).
func (p Price) StepsFrom(base Price, step PriceStep) int64 {
	return FloorDiv(p.Units-base.Units, step.units())
}

func (s PriceStep) units() int64 {
	if s.Units < 1 {
		return 1
	}
	return s.Units
}

// FloorDiv is Euclidean division: the quotient is rounded toward negative
// infinity, so bucket indices behave identically on both sides of zero.
func FloorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// FloorMod is the Euclidean remainder; the result is always in [0, b) for
// positive b, which is what ring indexing relies on.
func FloorMod(a, b int64) int64 {
	m := a % b
	if m != 0 && ((a < 0) != (b < 0)) {
		m += b
	}
	return m
}

// CeilDiv rounds the quotient toward positive infinity.
func CeilDiv(a, b int64) int64 {
	q := FloorDiv(a, b)
	if FloorMod(a, b) != 0 {
		q++
	}
	return q
}
