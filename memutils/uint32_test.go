package memutils_test

import (
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bufferarena/memutils"
)

func TestDowncast(t *testing.T) {
	value, err := memutils.Downcast(math.MaxUint32)
	require.NoError(t, err)
	require.Equal(t, uint32(math.MaxUint32), value)
	require.Equal(t, uint64(math.MaxUint32), memutils.Upcast(value))

	_, err = memutils.Downcast(1 << 32)
	require.True(t, errors.Is(err, memutils.ErrOverflow))

	_, err = memutils.DowncastInteger(-1)
	require.True(t, errors.Is(err, memutils.ErrOverflow))

	value, err = memutils.DowncastInteger(int64(12))
	require.NoError(t, err)
	require.Equal(t, uint32(12), value)

	require.Equal(t, uint32(5), memutils.UncheckedDowncast(1<<32+5))
}

func TestBits(t *testing.T) {
	bits, err := memutils.ToBits(math.MaxUint32)
	require.NoError(t, err)
	require.Equal(t, int32(-1), bits)
	require.Equal(t, uint64(math.MaxUint32), memutils.FromBits(bits))

	bits, err = memutils.ToBits(1 << 31)
	require.NoError(t, err)
	require.Equal(t, int32(math.MinInt32), bits)
	require.Equal(t, uint64(1<<31), memutils.FromBits(bits))

	_, err = memutils.ToBits(1 << 32)
	require.True(t, errors.Is(err, memutils.ErrOverflow))
}

func TestMulBytes(t *testing.T) {
	size, err := memutils.MulBytes(1000, 28)
	require.NoError(t, err)
	require.Equal(t, uint64(28000), size)

	_, err = memutils.MulBytes(math.MaxUint64, 2)
	require.True(t, errors.Is(err, memutils.ErrOverflow))
}

func TestCheckBufferBytes(t *testing.T) {
	require.NoError(t, memutils.CheckBufferBytes(math.MaxUint32))
	require.True(t, errors.Is(memutils.CheckBufferBytes(1<<32), memutils.ErrOutOfRange))
}

func TestAlign(t *testing.T) {
	require.Equal(t, uint64(256), memutils.AlignUp(129, 128))
	require.Equal(t, uint64(128), memutils.AlignUp(128, 128))
	require.Equal(t, uint64(128), memutils.AlignDown(255, 128))
	require.NoError(t, memutils.CheckPow2(uint64(64), "alignment"))
	require.True(t, errors.Is(memutils.CheckPow2(uint64(48), "alignment"), memutils.PowerOfTwoError))
}

func TestAlignRejectsNonPow2(t *testing.T) {
	if !memutils.DebugChecksEnabled {
		require.NotPanics(t, func() { memutils.AlignUp(100, 48) })
		require.NotPanics(t, func() { memutils.AlignDown(100, 48) })
		return
	}

	require.Panics(t, func() { memutils.AlignUp(100, 48) })
	require.Panics(t, func() { memutils.AlignDown(100, 48) })
	require.NotPanics(t, func() { memutils.AlignUp(100, 64) })
}

func TestScaleFloor(t *testing.T) {
	require.Equal(t, uint64(3787), memutils.ScaleFloor(2525, 1.5))
	require.Equal(t, uint64(140), memutils.ScaleFloor(100, 1.4))
	require.Equal(t, uint64(math.MaxUint64), memutils.ScaleFloor(math.MaxUint64, 2))
}
