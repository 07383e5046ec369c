// Package swing bounds how far a candidate index may move away from the
// moving average before it is treated as manipulated.
package swing

import (
	"errors"

	"wrapped-oracle/internal/fixed"
)

// DefaultMaxSwing is 0.1% in fixed-point units.
var DefaultMaxSwing = fixed.MustParse("1000000000000000")

var ErrNoAverage = errors.New("swing: no average to compare against")

// Guard is a pure acceptance check; it holds no mutable state.
type Guard struct {
	MaxSwing fixed.Index
}

// NewGuard returns a guard with the given maximum relative deviation.
func NewGuard(maxSwing fixed.Index) Guard {
	return Guard{MaxSwing: maxSwing}
}

// Check reports whether candidate is acceptable against average.
//
// A zero average means no history exists yet: any nonzero candidate is
// accepted and seeds the buffer. A zero candidate is never accepted.
// Otherwise the candidate passes when |candidate-average|/average <= MaxSwing,
// evaluated without rounding as |candidate-average|*Base <= MaxSwing*average.
func (g Guard) Check(candidate, average fixed.Index) bool {
	if candidate.IsZero() {
		return false
	}
	if average.IsZero() {
		return true
	}
	return fixed.CmpProducts(fixed.AbsDiff(candidate, average), fixed.Base, g.MaxSwing, average) <= 0
}

// Deviation returns floor(|candidate-average|*Base/average) for display.
func Deviation(candidate, average fixed.Index) (fixed.Index, error) {
	if average.IsZero() {
		return fixed.Index{}, ErrNoAverage
	}
	return fixed.Ratio(fixed.AbsDiff(candidate, average), average)
}
