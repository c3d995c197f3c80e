// Package fixedpoint implements the 17.14 fixed-point arithmetic the
// MLFQS scheduler uses for load_avg and recent_cpu, grounded on
// original_source/pintos/src/threads/fixed-point.h. A small numeric
// wrapper type keeps overflow-prone multiply/divide in one place instead
// of scattered across the scheduler (design note §9).
package fixedpoint

// Q is the number of fractional bits; F is the corresponding scale factor.
// A FP value x represents the real number x / F.
const (
	Q = 14
	F = 1 << Q
)

// FP is a signed 17.14 fixed-point number.
type FP int32

// FromInt converts an integer to fixed point.
func FromInt(n int) FP { return FP(n * F) }

// Floor truncates toward zero (Go integer division).
func (x FP) Floor() int { return int(x) / F }

// Round rounds to the nearest integer, halves rounding away from zero.
func (x FP) Round() int {
	if x >= 0 {
		return int(x+F/2) / F
	}
	return int(x-F/2) / F
}

// Add returns x+y.
func (x FP) Add(y FP) FP { return x + y }

// AddInt returns x+n.
func (x FP) AddInt(n int) FP { return x + FP(n*F) }

// Sub returns x-y.
func (x FP) Sub(y FP) FP { return x - y }

// SubInt returns x-n.
func (x FP) SubInt(n int) FP { return x - FP(n*F) }

// Mul returns x*y using a 64-bit intermediate to avoid overflow.
func (x FP) Mul(y FP) FP {
	return FP(int64(x) * int64(y) / F)
}

// MulInt returns x*n.
func (x FP) MulInt(n int) FP { return x * FP(n) }

// Div returns x/y using a 64-bit intermediate to avoid overflow. Panics if
// y is zero, matching the source's ASSERT(y != 0).
func (x FP) Div(y FP) FP {
	if y == 0 {
		panic("fixedpoint: division by zero")
	}
	return FP(int64(x) * F / int64(y))
}

// DivInt returns x/n. Panics if n is zero.
func (x FP) DivInt(n int) FP {
	if n == 0 {
		panic("fixedpoint: division by zero")
	}
	return x / FP(n)
}
