package amount

import (
	"strings"

	"github.com/shopspring/decimal"

	"craftnexus/internal/failure"
)

var hundred = decimal.NewFromInt(100)

// SplitResult is a gross amount divided into its seller and commission legs.
type SplitResult struct {
	Gross      Amount
	Seller     Amount
	Commission Amount
}

// Split computes the platform commission on gross at ratePercent, rounded
// down to the minor unit. The seller leg is the remainder, so
// Seller+Commission == Gross holds for every input.
func Split(gross Amount, ratePercent decimal.Decimal) (SplitResult, error) {
	if err := ValidateRate(ratePercent); err != nil {
		return SplitResult{}, err
	}

	// minor*rate is a finite decimal and /100 is a shift, so Floor is exact.
	commission := decimal.NewFromInt(gross.minor).Mul(ratePercent).Shift(-2).Floor()

	c := Amount{minor: commission.IntPart()}
	return SplitResult{
		Gross:      gross,
		Seller:     Amount{minor: gross.minor - c.minor},
		Commission: c,
	}, nil
}

// ValidateRate rejects rates outside [0, 100].
func ValidateRate(ratePercent decimal.Decimal) error {
	if ratePercent.IsNegative() || ratePercent.GreaterThan(hundred) {
		return failure.New(failure.CodeInvalidRate, "commission rate %s%% must be between 0 and 100", ratePercent)
	}
	return nil
}

// ParseRate reads a percentage such as "5" or "2.5".
func ParseRate(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, failure.Wrap(failure.CodeInvalidRate, err, "invalid commission rate %q", s)
	}
	if err := ValidateRate(d); err != nil {
		return decimal.Decimal{}, err
	}
	return d, nil
}
