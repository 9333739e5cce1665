// Package pricing converts service costs between the reference currency
// and stars, the integer unit users are billed in.
//
// Rounding is asymmetric on purpose: charges round up, payment credits
// round down. Both directions favor the operator so repeated small
// conversions can never leak value to the user.
package pricing

import (
	"errors"
	"fmt"
	"math"
)

var ErrMarkupBelowCost = errors.New("markup multiplier below 1 would sell below cost")

// USD is an amount in the reference currency. Two decimal places are
// significant; the type exists so dollar and star quantities cannot be
// mixed by accident.
type USD float64

// Stars is an integer amount of the user-facing billing unit.
type Stars int64

// floatSlack absorbs float64 drift on exact quotients so that e.g.
// 0.032/0.016 ceils to 2, not 3.
const floatSlack = 1e-9

// CostInStars converts a base cost into stars, rounding up so the
// operator never under-charges. starUnit is the reference-currency value
// of one star and must be positive; a zero or negative unit is a
// configuration bug, not a runtime condition.
func CostInStars(base USD, starUnit USD) Stars {
	if starUnit <= 0 {
		panic(fmt.Sprintf("pricing: star unit value must be positive, got %v", starUnit))
	}
	if base <= 0 {
		return 0
	}
	return Stars(math.Ceil(float64(base)/float64(starUnit) - floatSlack))
}

// FinalServiceCost applies the markup multiplier to the base cost and
// converts to stars. Markups below 1 are rejected.
func FinalServiceCost(base USD, markup float64, starUnit USD) (Stars, error) {
	if markup < 1 {
		return 0, ErrMarkupBelowCost
	}
	return CostInStars(USD(float64(base)*markup), starUnit), nil
}

// Discounted applies a percentage discount to a star price for display.
// The percentage is clamped to [0,100]; display math never fails.
func Discounted(price Stars, percent float64) Stars {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	out := Stars(math.Round(float64(price) * (100 - percent) / 100))
	if out < 0 {
		return 0
	}
	return out
}

// StarsFromPayment converts a received payment into stars granted,
// rounding down so a fractional remainder is never credited.
func StarsFromPayment(paid USD, starUnit USD) Stars {
	if starUnit <= 0 {
		panic(fmt.Sprintf("pricing: star unit value must be positive, got %v", starUnit))
	}
	if paid <= 0 {
		return 0
	}
	return Stars(math.Floor(float64(paid)/float64(starUnit) + floatSlack))
}
