// Package money implements the fixed-point monetary scalar used for every
// price, amount, fee, balance, and P&L figure in the trading core. It never
// accepts a float64: the only way a numeric literal enters the system is by
// being parsed from a decimal string.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Scale is the fixed number of fractional digits every Money value carries.
const Scale = 8

var (
	// ErrCurrencyMismatch is returned when an operation mixes two different currencies.
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
	// ErrPrecisionLoss is returned when a conversion would silently drop precision.
	ErrPrecisionLoss = errors.New("money: precision loss")
	// ErrInvalidAmount is returned when a decimal string fails to parse.
	ErrInvalidAmount = errors.New("money: invalid amount")
	// ErrNegative is returned where a negative amount is not permitted.
	ErrNegative = errors.New("money: negative amount not permitted")
)

// Money is an immutable, currency-tagged fixed-point scalar.
type Money struct {
	currency string
	amount   decimal.Decimal
}

// Zero returns the zero value of the given currency.
func Zero(currency string) Money {
	return Money{currency: currency, amount: decimal.Zero}
}

// Parse builds a Money from a decimal string, e.g. "50000.00000001". The
// string is parsed exactly by decimal.NewFromString (which also accepts
// exponent notation such as "5e4"); a value with more than Scale fractional
// digits is rejected with ErrPrecisionLoss rather than rounded.
func Parse(amount string, currency string) (Money, error) {
	if currency == "" {
		return Money{}, fmt.Errorf("%w: empty currency", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if !d.Equal(d.Round(Scale)) {
		return Money{}, fmt.Errorf("%w: %s has more than %d fractional digits", ErrPrecisionLoss, amount, Scale)
	}
	return Money{currency: currency, amount: d}, nil
}

// MustParse is Parse but panics on error; reserved for compile-time-known constants
// (test fixtures, default config values), never for data crossing a trust boundary.
func MustParse(amount string, currency string) Money {
	m, err := Parse(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// FromInt builds a whole-unit Money value, e.g. FromInt(100, "USDT") == "100.00000000".
func FromInt(units int64, currency string) Money {
	return Money{currency: currency, amount: decimal.NewFromInt(units)}
}

// FromDecimal tags an already-exact decimal with a currency, rounding to the
// fixed scale. The decimal package never round-trips through float64, so this
// preserves the no-float guarantee.
func FromDecimal(d decimal.Decimal, currency string) Money {
	return Money{currency: currency, amount: d.Round(Scale)}
}

// Currency returns the currency tag.
func (m Money) Currency() string { return m.currency }

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool { return m.amount.IsZero() }

// Sign returns -1, 0, or 1.
func (m Money) Sign() int { return m.amount.Sign() }

// String renders the amount at the fixed scale, e.g. "123.00000000".
func (m Money) String() string {
	return m.amount.StringFixed(Scale)
}

// Decimal exposes the underlying decimal.Decimal for callers (e.g. the WAL
// encoder) that need to serialize it; it is not an escape hatch for float64.
func (m Money) Decimal() decimal.Decimal { return m.amount }

func (m Money) checkCurrency(o Money) error {
	if m.currency != o.currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, o.currency)
	}
	return nil
}

// Add returns m + o. Both operands must share a currency.
func (m Money) Add(o Money) (Money, error) {
	if err := m.checkCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{currency: m.currency, amount: m.amount.Add(o.amount)}, nil
}

// Sub returns m - o. Both operands must share a currency.
func (m Money) Sub(o Money) (Money, error) {
	if err := m.checkCurrency(o); err != nil {
		return Money{}, err
	}
	return Money{currency: m.currency, amount: m.amount.Sub(o.amount)}, nil
}

// Mul returns m multiplied by a unit-less exact rational (e.g. a fee rate).
func (m Money) Mul(factor decimal.Decimal) Money {
	return Money{currency: m.currency, amount: m.amount.Mul(factor).Round(Scale)}
}

// Div returns m divided by a unit-less exact rational. Division by zero panics,
// matching decimal.Decimal's own contract; callers must not divide by a
// caller-controlled zero without checking first.
func (m Money) Div(divisor decimal.Decimal) Money {
	return Money{currency: m.currency, amount: m.amount.DivRound(divisor, int32(Scale))}
}

// Cmp compares m to o, returning -1, 0, or 1. Panics via checkCurrency's error
// contract is avoided by returning an error instead, matching Go idiom.
func (m Money) Cmp(o Money) (int, error) {
	if err := m.checkCurrency(o); err != nil {
		return 0, err
	}
	return m.amount.Cmp(o.amount), nil
}

// GreaterThanOrEqual is a convenience wrapper over Cmp for the common
// available >= amount check in reservation paths.
func (m Money) GreaterThanOrEqual(o Money) (bool, error) {
	c, err := m.Cmp(o)
	if err != nil {
		return false, err
	}
	return c >= 0, nil
}

// RoundingPolicy names how RoundToTick resolves a value that falls between
// two tick boundaries. Never implicit: every call site names one.
type RoundingPolicy int

const (
	// RoundDown truncates towards zero (the conservative choice for buy notional).
	RoundDown RoundingPolicy = iota
	// RoundUp rounds towards positive infinity (ceiling).
	RoundUp
	// RoundNearestEven applies banker's rounding.
	RoundNearestEven
)

// RoundToTick rounds m to the nearest multiple of tick under the given policy.
// tick must share m's currency and be strictly positive.
func (m Money) RoundToTick(tick Money, policy RoundingPolicy) (Money, error) {
	if err := m.checkCurrency(tick); err != nil {
		return Money{}, err
	}
	if tick.amount.Sign() <= 0 {
		return Money{}, fmt.Errorf("money: tick must be positive")
	}
	quotient := m.amount.Div(tick.amount)
	var rounded decimal.Decimal
	switch policy {
	case RoundDown:
		rounded = quotient.Truncate(0)
	case RoundUp:
		rounded = quotient.Ceil()
	case RoundNearestEven:
		rounded = quotient.RoundBank(0)
	default:
		return Money{}, fmt.Errorf("money: unknown rounding policy %d", policy)
	}
	return Money{currency: m.currency, amount: rounded.Mul(tick.amount).Round(Scale)}, nil
}
