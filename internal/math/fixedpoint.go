package math

import (
	"errors"
	"fmt"
	"math/bits"
)

var (
	ErrOverflow        = errors.New("int64 overflow")
	ErrNegativeOperand = errors.New("negative operand")
)

// PercentScale is the denominator of a prize share.
const PercentScale int64 = 100

// MulInt64 returns a * b for non-negative operands, or ErrOverflow when the
// product does not fit in an int64.
func MulInt64(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("%w: %d * %d", ErrNegativeOperand, a, b)
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > 1<<63-1 {
		return 0, ErrOverflow
	}
	return int64(lo), nil
}

// ShareOf returns floor(amount * percent / 100) with a 128-bit intermediate,
// so it never overflows. amount must be >= 0 and percent in [0, 100].
func ShareOf(amount, percent int64) int64 {
	if amount < 0 || percent < 0 || percent > PercentScale {
		panic(fmt.Sprintf("ShareOf(%d, %d): operand out of range", amount, percent))
	}
	hi, lo := bits.Mul64(uint64(amount), uint64(percent))
	q, _ := bits.Div64(hi, lo, uint64(PercentScale))
	return int64(q)
}
