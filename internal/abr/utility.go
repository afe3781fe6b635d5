package abr

import (
	"fmt"
	"math"
)

// UtilityFunc scores a ladder level. It must be non-decreasing in level.
type UtilityFunc func(ladder []Representation, level int) float64

// UtilityType names a built-in utility function.
type UtilityType string

const (
	UtilityLog    UtilityType = "log"
	UtilityLinear UtilityType = "linear"
)

// Valid reports whether t names a built-in utility.
func (t UtilityType) Valid() bool {
	return t == UtilityLog || t == UtilityLinear
}

// NewUtility returns the named utility function. An explicit per-level
// Utility in the ladder takes precedence over the formula.
func NewUtility(t UtilityType) (UtilityFunc, error) {
	var f UtilityFunc
	switch t {
	case UtilityLog, "":
		f = LogUtility
	case UtilityLinear:
		f = LinearUtility
	default:
		return nil, fmt.Errorf("abr: unknown utility %q", t)
	}
	return withExplicit(f), nil
}

// LogUtility is ln(1 + b/b0) where b0 is the lowest bitrate.
func LogUtility(ladder []Representation, level int) float64 {
	return math.Log1p(ladder[level].Bitrate / ladder[0].Bitrate)
}

// LinearUtility is b/b0.
func LinearUtility(ladder []Representation, level int) float64 {
	return ladder[level].Bitrate / ladder[0].Bitrate
}

func withExplicit(f UtilityFunc) UtilityFunc {
	return func(ladder []Representation, level int) float64 {
		if u := ladder[level].Utility; u > 0 {
			return u
		}
		return f(ladder, level)
	}
}
