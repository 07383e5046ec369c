// Package fixed implements the 18-decimal fixed-point arithmetic used for
// exchange-rate indices and prices. Values are unsigned 256-bit integers; a
// value of Base represents 1.0.
package fixed

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the number of decimal digits carried by an Index.
const Decimals = 18

// Index is an unsigned fixed-point value scaled by Base.
type Index = uint256.Int

// Base is 10^18, the fixed-point unit.
var Base = *uint256.NewInt(1_000_000_000_000_000_000)

var (
	ErrDivisionByZero = errors.New("fixed: division by zero")
	ErrOverflow       = errors.New("fixed: result overflows 256 bits")
	ErrEmpty          = errors.New("fixed: mean of empty set")
)

// Zero returns the zero Index.
func Zero() Index { return Index{} }

// FromUint64 converts a plain integer (not scaled) to an Index.
func FromUint64(v uint64) Index { return *uint256.NewInt(v) }

// MulDiv returns floor(x*y/d) computed with a 512-bit intermediate product.
func MulDiv(x, y, d Index) (Index, error) {
	if d.IsZero() {
		return Index{}, ErrDivisionByZero
	}
	var z Index
	if _, overflow := z.MulDivOverflow(&x, &y, &d); overflow {
		return Index{}, ErrOverflow
	}
	return z, nil
}

// Ratio returns num/den as an Index: floor(num*Base/den).
func Ratio(num, den Index) (Index, error) {
	return MulDiv(num, Base, den)
}

// CmpProducts compares a*b with c*d exactly and returns -1, 0 or +1.
func CmpProducts(a, b, c, d Index) int {
	l := new(big.Int).Mul(a.ToBig(), b.ToBig())
	r := new(big.Int).Mul(c.ToBig(), d.ToBig())
	return l.Cmp(r)
}

// AbsDiff returns |a - b|.
func AbsDiff(a, b Index) Index {
	var z Index
	if a.Lt(&b) {
		z.Sub(&b, &a)
	} else {
		z.Sub(&a, &b)
	}
	return z
}

// Mean returns the truncated arithmetic mean of values. The sum is carried in
// an arbitrary-precision accumulator so it can never overflow; the quotient
// is at most max(values) and always fits back into 256 bits.
func Mean(values []Index) (Index, error) {
	if len(values) == 0 {
		return Index{}, ErrEmpty
	}
	sum := new(big.Int)
	for i := range values {
		sum.Add(sum, values[i].ToBig())
	}
	sum.Quo(sum, big.NewInt(int64(len(values))))
	z, overflow := uint256.FromBig(sum)
	if overflow {
		return Index{}, ErrOverflow
	}
	return *z, nil
}

// Parse reads a raw base-10 integer (already scaled, e.g. "1000000000000000000").
func Parse(s string) (Index, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Index{}, fmt.Errorf("fixed: empty value")
	}
	z, err := uint256.FromDecimal(s)
	if err != nil {
		return Index{}, fmt.Errorf("fixed: parse %q: %w", s, err)
	}
	return *z, nil
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) Index {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Format renders v as a human-readable decimal, e.g. "1.011589290857287007".
func Format(v Index) string {
	var whole, frac Index
	whole.Div(&v, &Base)
	frac.Mod(&v, &Base)
	f := frac.Dec()
	if pad := Decimals - len(f); pad > 0 {
		f = strings.Repeat("0", pad) + f
	}
	return whole.Dec() + "." + f
}

// Rescale converts v from `from` decimals to `to` decimals, truncating when
// precision is dropped.
func Rescale(v Index, from, to int) (Index, error) {
	switch {
	case from == to:
		return v, nil
	case from > to:
		var z Index
		z.Div(&v, pow10(from-to))
		return z, nil
	default:
		var z Index
		if _, overflow := z.MulOverflow(&v, pow10(to-from)); overflow {
			return Index{}, ErrOverflow
		}
		return z, nil
	}
}

func pow10(n int) *Index {
	return new(Index).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}
