// Package amount holds the exact money type used everywhere a ledger amount
// crosses a boundary, plus the commission split. Values are integer counts of
// the ledger's minor unit; decimals only appear at parse and format time.
package amount

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"craftnexus/internal/failure"
)

// Precision is the number of fractional digits of a ledger amount (stroops).
const Precision = 7

// MinorPerUnit is 10^Precision.
const MinorPerUnit int64 = 10_000_000

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// Amount is a nonnegative quantity of an asset in minor units.
type Amount struct {
	minor int64
}

// Zero is the empty amount.
var Zero = Amount{}

// FromMinor builds an amount from a minor-unit count.
func FromMinor(minor int64) (Amount, error) {
	if minor < 0 {
		return Amount{}, failure.New(failure.CodeInvalidAmount, "amount must not be negative: %d", minor)
	}
	return Amount{minor: minor}, nil
}

// MustFromMinor is FromMinor for constants and tests.
func MustFromMinor(minor int64) Amount {
	a, err := FromMinor(minor)
	if err != nil {
		panic(err)
	}
	return a
}

// Parse reads a decimal string such as "10.50". It fails rather than round
// when the value has more than Precision fractional digits.
func Parse(s string) (Amount, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Amount{}, failure.New(failure.CodeInvalidAmount, "amount is required")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return Amount{}, failure.Wrap(failure.CodeInvalidAmount, err, "invalid amount %q", raw)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal converts d exactly or reports InvalidAmount.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return Amount{}, failure.New(failure.CodeInvalidAmount, "amount must not be negative: %s", d)
	}
	shifted := d.Shift(Precision)
	if !shifted.IsInteger() {
		return Amount{}, failure.New(failure.CodeInvalidAmount, "amount %s has more than %d fractional digits", d, Precision)
	}
	if shifted.GreaterThan(maxMinor) {
		return Amount{}, failure.New(failure.CodeInvalidAmount, "amount %s exceeds the ledger maximum", d)
	}
	return Amount{minor: shifted.IntPart()}, nil
}

// Minor returns the minor-unit count.
func (a Amount) Minor() int64 { return a.minor }

// BigInt returns the minor-unit count as a big integer (contract i128 args).
func (a Amount) BigInt() *big.Int { return big.NewInt(a.minor) }

// Decimal returns the value in whole units.
func (a Amount) Decimal() decimal.Decimal { return decimal.New(a.minor, -Precision) }

func (a Amount) IsZero() bool { return a.minor == 0 }

// Cmp compares a and b like strings.Compare.
func (a Amount) Cmp(b Amount) int {
	switch {
	case a.minor < b.minor:
		return -1
	case a.minor > b.minor:
		return 1
	}
	return 0
}

// Add returns a+b, failing on overflow of the ledger maximum.
func (a Amount) Add(b Amount) (Amount, error) {
	if b.minor > math.MaxInt64-a.minor {
		return Amount{}, failure.New(failure.CodeInvalidAmount, "sum of %s and %s exceeds the ledger maximum", a, b)
	}
	return Amount{minor: a.minor + b.minor}, nil
}

// Sub returns a-b, failing if the result would be negative.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b.minor > a.minor {
		return Amount{}, failure.New(failure.CodeInvalidAmount, "cannot subtract %s from %s", b, a)
	}
	return Amount{minor: a.minor - b.minor}, nil
}

// String renders the amount with exactly Precision fractional digits, the
// format the ledger expects in payment operations.
func (a Amount) String() string {
	return fmt.Sprintf("%d.%07d", a.minor/MinorPerUnit, a.minor%MinorPerUnit)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return failure.Wrap(failure.CodeInvalidAmount, err, "amount must be a decimal string")
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
