package validation

import (
	"github.com/shopspring/decimal"
)

// DefaultNumericTolerance is the relative tolerance of L8 (0.5%).
var DefaultNumericTolerance = decimal.RequireFromString("0.005")

// withinTolerance reports whether a and b differ by at most tol relative to
// the larger magnitude.
func withinTolerance(a, b, tol decimal.Decimal) bool {
	diff := a.Sub(b).Abs()
	if diff.IsZero() {
		return true
	}
	scale := decimal.Max(a.Abs(), b.Abs())
	return diff.LessThanOrEqual(scale.Mul(tol))
}

// matchNumber compares a claimed value against re-derived source values. It
// returns whether any source value matches and the closest source value.
func matchNumber(claimed string, source []string, tol decimal.Decimal) (bool, string, error) {
	want, err := decimal.NewFromString(claimed)
	if err != nil {
		return false, "", err
	}
	var (
		closest     string
		closestDiff decimal.Decimal
	)
	for i, s := range source {
		got, err := decimal.NewFromString(s)
		if err != nil {
			continue
		}
		if withinTolerance(want, got, tol) {
			return true, s, nil
		}
		if d := want.Sub(got).Abs(); i == 0 || closest == "" || d.LessThan(closestDiff) {
			closest, closestDiff = s, d
		}
	}
	return false, closest, nil
}
