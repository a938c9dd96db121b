package entities

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// weiPerEther is 10^18, the fixed scale between the ledger's integer unit
// (wei) and the decimal unit shown to participants (ether).
var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// etherText is plain decimal notation: no exponent, no fraction bar.
var etherText = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

var (
	ErrInvalidValue  = errors.New("invalid value")
	ErrNegativeValue = errors.New("value must not be negative")
)

// Value is a ledger-native amount. It is stored as an integer number of wei
// and rendered as a decimal ether string ("0.02") at every boundary, so the
// whole module agrees on one unit.
//
// The zero Value is "unset" (no amount yet), which is distinct from an
// explicit zero amount. Ride.Price relies on that distinction.
//
// Go Learning Note — Value Semantics with Pointer Internals:
// Value is passed by value but wraps a *big.Int. Every method that hands the
// integer out returns a copy, and no method mutates the receiver, so two Values
// never share mutable state even though they are cheap to copy.
type Value struct {
	wei *big.Int
}

// NewValue wraps a wei amount. The argument is copied.
func NewValue(wei *big.Int) Value {
	if wei == nil {
		return Value{}
	}
	return Value{wei: new(big.Int).Set(wei)}
}

// Wei returns a Value of n wei.
func Wei(n int64) Value {
	return Value{wei: big.NewInt(n)}
}

// ParseEther parses a decimal ether amount such as "0.02" or "1". Exponents
// ("2e-2") and fractions ("1/50") are refused.
func ParseEther(s string) (Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Value{}, fmt.Errorf("%w: empty amount", ErrInvalidValue)
	}
	if !etherText.MatchString(s) {
		return Value{}, fmt.Errorf("%w: %q is not a decimal amount", ErrInvalidValue, s)
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return Value{}, fmt.Errorf("%w: %q", ErrInvalidValue, s)
	}
	if r.Sign() < 0 {
		return Value{}, ErrNegativeValue
	}
	r.Mul(r, new(big.Rat).SetInt(weiPerEther))
	if !r.IsInt() {
		return Value{}, fmt.Errorf("%w: %q has more than 18 decimals", ErrInvalidValue, s)
	}
	return Value{wei: new(big.Int).Set(r.Num())}, nil
}

// MustParseEther is ParseEther for constants and tests.
func MustParseEther(s string) Value {
	v, err := ParseEther(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsSet reports whether the value holds an amount at all.
func (v Value) IsSet() bool { return v.wei != nil }

// Sign returns -1, 0 or +1. An unset value has sign 0.
func (v Value) Sign() int {
	if v.wei == nil {
		return 0
	}
	return v.wei.Sign()
}

// IsPositive reports whether the value is set and greater than zero.
func (v Value) IsPositive() bool { return v.Sign() > 0 }

// Cmp compares two values; unset compares as zero.
func (v Value) Cmp(o Value) int {
	return v.int().Cmp(o.int())
}

// Equal reports whether both values are set and hold the same amount, or
// both are unset.
func (v Value) Equal(o Value) bool {
	if v.IsSet() != o.IsSet() {
		return false
	}
	return v.Cmp(o) == 0
}

// Wei returns a copy of the underlying integer (zero when unset).
func (v Value) Wei() *big.Int {
	return new(big.Int).Set(v.int())
}

// Ether renders the amount as a decimal ether string with trailing zeros
// removed: 2e16 wei becomes "0.02".
func (v Value) Ether() string {
	n := v.int()
	neg := n.Sign() < 0
	abs := new(big.Int).Abs(n)
	whole, frac := new(big.Int).QuoRem(abs, weiPerEther, new(big.Int))

	out := whole.String()
	if frac.Sign() != 0 {
		digits := frac.String()
		digits = strings.Repeat("0", 18-len(digits)) + digits
		out += "." + strings.TrimRight(digits, "0")
	}
	if neg {
		out = "-" + out
	}
	return out
}

func (v Value) String() string {
	if !v.IsSet() {
		return "unset"
	}
	return v.Ether() + " ETH"
}

// MarshalJSON writes the ether string, or null when unset.
func (v Value) MarshalJSON() ([]byte, error) {
	if !v.IsSet() {
		return []byte("null"), nil
	}
	return json.Marshal(v.Ether())
}

// UnmarshalJSON accepts an ether string ("0.02"), a bare JSON number written
// without an exponent, or null.
func (v *Value) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "null" {
		*v = Value{}
		return nil
	}
	if strings.HasPrefix(text, `"`) {
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
	}
	parsed, err := ParseEther(text)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Value) int() *big.Int {
	if v.wei == nil {
		return new(big.Int)
	}
	return v.wei
}
