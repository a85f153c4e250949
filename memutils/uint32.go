package memutils

import (
	"math"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// Upcast widens a 32-bit element address to 64 bits
func Upcast(x uint32) uint64 {
	return uint64(x)
}

// Downcast narrows a 64-bit value to 32 bits. Values that do not fit return an error marked with ErrOverflow.
func Downcast(x uint64) (uint32, error) {
	return DowncastInteger(x)
}

// DowncastInteger narrows any integer to 32 bits. Negative values and values of 1<<32 or more return
// an error marked with ErrOverflow.
func DowncastInteger[T constraints.Integer](x T) (uint32, error) {
	if x < 0 {
		return 0, errors.Mark(errors.Newf("%d < 0", x), ErrOverflow)
	}
	if uint64(x) > math.MaxUint32 {
		return 0, errors.Mark(errors.Newf("%d >= (1 << 32)", x), ErrOverflow)
	}

	return uint32(x), nil
}

// UncheckedDowncast truncates a 64-bit value to its low 32 bits. Only use this when the
// value is already known to be in range.
func UncheckedDowncast(x uint64) uint32 {
	return uint32(x)
}

// FromBits reinterprets a signed 32-bit pattern as the unsigned value it encodes
func FromBits(x int32) uint64 {
	return uint64(uint32(x))
}

// ToBits stores an unsigned value in a signed 32-bit pattern. Out of range values return an error marked
// with ErrOverflow.
func ToBits(x uint64) (int32, error) {
	narrowed, err := Downcast(x)
	if err != nil {
		return 0, err
	}

	return int32(narrowed), nil
}
