package memutils

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
)

const (
	// MaxBufferBytes is the smallest device buffer size, in bytes, that an arena will refuse to create
	MaxBufferBytes uint64 = 1 << 32
)

type Number interface {
	~int | ~uint | ~uint32 | ~uint64
}

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return errors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to a multiple of alignment, which must be a power of two
func AlignUp(value uint64, alignment uint64) uint64 {
	DebugCheckPow2(alignment, "alignment")
	return (value + alignment - 1) & ^(alignment - 1)
}

func AlignDown(value uint64, alignment uint64) uint64 {
	DebugCheckPow2(alignment, "alignment")
	return value & ^(alignment - 1)
}

// MulBytes converts an element count to a byte count, returning an error marked with ErrOverflow
// if the product cannot be represented
func MulBytes(elements uint64, stride uint32) (uint64, error) {
	hi, lo := bits.Mul64(elements, uint64(stride))
	if hi != 0 {
		return 0, errors.Mark(errors.Newf("%d elements of stride %d overflow 64 bits", elements, stride), ErrOverflow)
	}

	return lo, nil
}

// CheckBufferBytes returns an error marked with ErrOutOfRange if a device buffer of the provided size
// would reach the 4 GiB ceiling
func CheckBufferBytes(size uint64) error {
	if size >= MaxBufferBytes {
		return errors.Mark(errors.Newf("buffer of %d bytes exceeds the maximum arena buffer size of 4 GiB", size), ErrOutOfRange)
	}

	return nil
}

// ScaleFloor multiplies value by factor and truncates toward zero, saturating at math.MaxUint64
func ScaleFloor(value uint64, factor float64) uint64 {
	scaled := float64(value) * factor
	if scaled >= math.MaxUint64 {
		return math.MaxUint64
	}

	return uint64(scaled)
}
