package tdstrain

import (
	"math"

	"github.com/unixpickle/anydiff"
	"github.com/unixpickle/anyvec"
)

// A LossScale adapts the multiplier applied to the loss
// before backpropagation.
//
// Overflowed steps halve the scale, and a run of stable
// steps doubles it, so the scale hovers near the largest
// value the gradients can tolerate.
type LossScale struct {
	// Scale is the current multiplier. It never drops
	// below 1.
	Scale float64

	// GrowthInterval is the number of consecutive stable
	// steps before the scale doubles.
	GrowthInterval int

	// Ceiling caps the scale. If it is 0, a default of
	// 65536 is used.
	Ceiling float64

	stable int
}

// Current returns the scale to use for the next step.
func (l *LossScale) Current() float64 {
	if l.Scale < 1 {
		l.Scale = 1
	}
	return l.Scale
}

// Update advances the state machine after a step.
// Overflowed steps shrink the scale immediately; stable
// steps grow it after GrowthInterval in a row.
func (l *LossScale) Update(overflow bool) {
	if overflow {
		l.Scale = math.Max(1, l.Current()/2)
		l.stable = 0
		return
	}
	l.stable++
	if l.GrowthInterval > 0 && l.stable >= l.GrowthInterval {
		l.Scale = math.Min(l.ceiling(), l.Current()*2)
		l.stable = 0
	}
}

func (l *LossScale) ceiling() float64 {
	if l.Ceiling == 0 {
		return 65536
	}
	return l.Ceiling
}

// HasOverflow reports whether a gradient contains a
// non-finite value.
func HasOverflow(g anydiff.Grad) bool {
	for _, vec := range g {
		sum := numericToFloat(anyvec.Sum(vec))
		if math.IsNaN(sum) || math.IsInf(sum, 0) {
			return true
		}
	}
	return false
}
