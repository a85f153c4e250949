package staging_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bufferarena/arena"
	mock_arena "github.com/vkngwrapper/bufferarena/arena/mocks"
	"github.com/vkngwrapper/bufferarena/device/host"
	"github.com/vkngwrapper/bufferarena/staging"
	"go.uber.org/mock/gomock"
)

func newHostStaging(t *testing.T, options staging.CreateOptions) (*host.Device, *staging.Buffer) {
	device, err := host.New(host.CreateOptions{})
	require.NoError(t, err)

	buffer, err := staging.New(nil, device, device, options)
	require.NoError(t, err)

	return device, buffer
}

func newTarget(t *testing.T, device *host.Device, size uint64) arena.Buffer {
	buffer, err := device.CreateBuffer()
	require.NoError(t, err)
	require.NoError(t, device.AllocateStorage(buffer, size, arena.BufferUsageVertex))
	return buffer
}

func TestStagingFlushCopiesData(t *testing.T) {
	device, buffer := newHostStaging(t, staging.CreateOptions{InitialSize: 64})
	target := newTarget(t, device, 32)

	require.NoError(t, buffer.EnqueueCopy([]byte{1, 2, 3, 4}, target, 8))
	require.NoError(t, buffer.EnqueueCopy([]byte{5, 6}, target, 0))
	require.Equal(t, 2, buffer.Pending())

	// Nothing reaches the target before the flush
	data, err := device.ReadBuffer(target, 0, 12)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 12), data)

	require.NoError(t, buffer.Flush())
	require.Equal(t, 0, buffer.Pending())

	data, err = device.ReadBuffer(target, 0, 12)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 6, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4}, data)

	require.Equal(t, staging.Statistics{
		Flushes:     1,
		Copies:      2,
		BytesStaged: 6,
	}, buffer.Statistics())

	require.NoError(t, buffer.Destroy())
}

type recordingWriter struct {
	writes [][]byte
}

func (w *recordingWriter) WriteBuffer(buffer arena.Buffer, offset uint64, data []byte) error {
	w.writes = append(w.writes, append([]byte(nil), data...))
	return nil
}

func TestStagingFlushOrder(t *testing.T) {
	ctrl := gomock.NewController(t)

	device := mock_arena.NewMockDevice(ctrl)
	writer := &recordingWriter{}

	stagingBuffers := []*mock_arena.MockBuffer{mock_arena.NewMockBuffer(ctrl), mock_arena.NewMockBuffer(ctrl)}
	for _, stagingBuffer := range stagingBuffers {
		stagingBuffer.EXPECT().Size().Return(uint64(16)).AnyTimes()
		device.EXPECT().CreateBuffer().Return(stagingBuffer, nil)
		device.EXPECT().AllocateStorage(stagingBuffer, uint64(16), arena.BufferUsageStaging).Return(nil)
	}

	target := mock_arena.NewMockBuffer(ctrl)

	buffer, err := staging.New(nil, device, writer, staging.CreateOptions{InitialSize: 16})
	require.NoError(t, err)

	require.NoError(t, buffer.EnqueueCopy([]byte{1, 2, 3}, target, 30))
	require.NoError(t, buffer.EnqueueCopy([]byte{4, 5}, target, 10))
	require.NoError(t, buffer.EnqueueCopy([]byte{6}, target, 20))

	gomock.InOrder(
		device.EXPECT().CopyBufferSubData(stagingBuffers[0], target, uint64(0), uint64(30), uint64(3)).Return(nil),
		device.EXPECT().CopyBufferSubData(stagingBuffers[0], target, uint64(3), uint64(10), uint64(2)).Return(nil),
		device.EXPECT().CopyBufferSubData(stagingBuffers[0], target, uint64(5), uint64(20), uint64(1)).Return(nil),
	)
	require.NoError(t, buffer.Flush())

	// After a flip, data lands in the other staging buffer
	require.NoError(t, buffer.Flip())
	require.NoError(t, buffer.EnqueueCopy([]byte{7}, target, 0))

	device.EXPECT().CopyBufferSubData(stagingBuffers[1], target, uint64(0), uint64(0), uint64(1)).Return(nil)
	require.NoError(t, buffer.Flush())

	device.EXPECT().DeleteBuffer(stagingBuffers[0]).Return(nil)
	device.EXPECT().DeleteBuffer(stagingBuffers[1]).Return(nil)
	require.NoError(t, buffer.Destroy())

	require.Equal(t, [][]byte{{1, 2, 3}, {4, 5}, {6}, {7}}, writer.writes)
}

func TestStagingFullBufferGrowsWithoutOverwriting(t *testing.T) {
	device, buffer := newHostStaging(t, staging.CreateOptions{InitialSize: 8})
	target := newTarget(t, device, 64)
	require.Equal(t, 3, device.LiveBuffers())

	require.NoError(t, buffer.EnqueueCopy([]byte{1, 2, 3, 4, 5, 6}, target, 0))

	// Does not fit behind the first copy: a 16 byte buffer takes over and the first copy stays queued
	require.NoError(t, buffer.EnqueueCopy([]byte{7, 8, 9, 10}, target, 6))
	require.Equal(t, 2, buffer.Pending())

	// Larger than twice the current buffer: the replacement is the next power of two
	big := make([]byte, 20)
	for i := range big {
		big[i] = byte(100 + i)
	}
	require.NoError(t, buffer.EnqueueCopy(big, target, 10))
	require.Equal(t, 3, buffer.Pending())

	// Both replaced buffers are still alive for the copies that read them
	require.Equal(t, 5, device.LiveBuffers())

	require.NoError(t, buffer.Flush())

	data, err := device.ReadBuffer(target, 0, 30)
	require.NoError(t, err)
	require.Equal(t, append([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, big...), data)

	stats := buffer.Statistics()
	require.Equal(t, 2, stats.Grows)
	require.Equal(t, 3, stats.Copies)
	require.Equal(t, 1, stats.Flushes)

	// The retired buffers go away once their slot comes back around
	require.NoError(t, buffer.Flip())
	require.Equal(t, 5, device.LiveBuffers())
	require.NoError(t, buffer.Flip())
	require.Equal(t, 3, device.LiveBuffers())

	// The replacement stays in its slot
	require.NoError(t, buffer.EnqueueCopy(make([]byte, 32), target, 0))
	require.Equal(t, 2, buffer.Statistics().Grows)

	require.NoError(t, buffer.Destroy())
	require.Equal(t, 1, device.LiveBuffers())
}

func TestStagingDestroyDeletesRetiredBuffers(t *testing.T) {
	device, buffer := newHostStaging(t, staging.CreateOptions{InitialSize: 4})
	target := newTarget(t, device, 64)

	require.NoError(t, buffer.EnqueueCopy(make([]byte, 4), target, 0))
	require.NoError(t, buffer.EnqueueCopy(make([]byte, 4), target, 4))
	require.Equal(t, 4, device.LiveBuffers())

	require.NoError(t, buffer.Destroy())
	require.Equal(t, 1, device.LiveBuffers())
}

func TestUploadSizeLimitUnthrottled(t *testing.T) {
	_, buffer := newHostStaging(t, staging.CreateOptions{MaxBytesPerFrame: 4096})
	require.Equal(t, uint64(4096), buffer.UploadSizeLimit(16*time.Millisecond))
}

func TestUploadSizeLimitThrottled(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	device, buffer := newHostStaging(t, staging.CreateOptions{
		InitialSize:      1024,
		BytesPerSecond:   1000,
		MaxBytesPerFrame: 500,
		MinBytesPerFrame: 10,
		Clock:            clock,
	})
	target := newTarget(t, device, 1024)

	// A full bucket allows one frame of the sustained rate
	require.Equal(t, uint64(100), buffer.UploadSizeLimit(100*time.Millisecond))
	// Long frames are capped by the bucket and by MaxBytesPerFrame
	require.Equal(t, uint64(500), buffer.UploadSizeLimit(time.Second))

	require.NoError(t, buffer.EnqueueCopy(make([]byte, 450), target, 0))
	require.NoError(t, buffer.Flush())

	// Only 50 bytes of budget remain
	require.Equal(t, uint64(50), buffer.UploadSizeLimit(time.Second))

	require.NoError(t, buffer.EnqueueCopy(make([]byte, 200), target, 0))
	require.NoError(t, buffer.Flush())

	// The bucket is in debt, so the floor applies
	require.Equal(t, uint64(10), buffer.UploadSizeLimit(time.Second))

	// The bucket refills over time
	now = now.Add(500 * time.Millisecond)
	require.Equal(t, uint64(350), buffer.UploadSizeLimit(time.Second))
}
