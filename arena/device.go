package arena

//go:generate mockgen -source device.go -destination ./mocks/device.go -package mock_arena

import (
	"time"

	"github.com/vkngwrapper/bufferarena/memutils/metadata"
	"github.com/vkngwrapper/core/v2/common"
)

// BufferUsage hints to a Device what an arena buffer will be bound as
type BufferUsage int32

var bufferUsageMapping = common.NewFlagStringMapping[BufferUsage]()

func (f BufferUsage) Register(str string) {
	bufferUsageMapping.Register(f, str)
}
func (f BufferUsage) String() string {
	return bufferUsageMapping.FlagsToString(f)
}

const (
	// BufferUsageVertex indicates the buffer will be bound as a vertex buffer
	BufferUsageVertex BufferUsage = 1 << iota
	// BufferUsageIndex indicates the buffer will be bound as an index buffer
	BufferUsageIndex
	// BufferUsageStorage indicates the buffer will be read by shaders as a storage buffer
	BufferUsageStorage
	// BufferUsageStaging indicates the buffer is written by the host and only ever used as a copy source
	BufferUsageStaging
)

func init() {
	BufferUsageVertex.Register("BufferUsageVertex")
	BufferUsageIndex.Register("BufferUsageIndex")
	BufferUsageStorage.Register("BufferUsageStorage")
	BufferUsageStaging.Register("BufferUsageStaging")
}

// Buffer is a device buffer handle. Size returns the number of bytes of storage actually allocated
// for the buffer, which may be larger than was requested, or 0 if no storage has been allocated yet.
type Buffer interface {
	Size() uint64
}

// Device is the collaborator that owns device buffers. Calls are fire-and-forget from the arena's
// point of view: copies are assumed to be ordered by the device relative to later reads.
type Device interface {
	// CreateBuffer creates a buffer handle with no storage
	CreateBuffer() (Buffer, error)
	// AllocateStorage gives the buffer at least size bytes of storage. Any previous contents are discarded.
	AllocateStorage(buffer Buffer, size uint64, usage BufferUsage) error
	// CopyBufferSubData copies size bytes from src at readOffset to dst at writeOffset
	CopyBufferSubData(src, dst Buffer, readOffset, writeOffset, size uint64) error
	// DeleteBuffer destroys the buffer and its storage
	DeleteBuffer(buffer Buffer) error
}

// StagingBuffer moves host data into device buffers. The arena only enqueues and flushes; flipping
// the double buffer and throttling are driven by the surrounding frame loop.
type StagingBuffer interface {
	// EnqueueCopy schedules data to be written into dst at writeOffset bytes
	EnqueueCopy(data []byte, dst Buffer, writeOffset uint64) error
	// Flush submits every copy enqueued since the last flush
	Flush() error
}

// FrameStagingBuffer is the full staging contract used by frame loops that own arenas
type FrameStagingBuffer interface {
	StagingBuffer

	// Flip rotates the staging buffer's internal double buffering. Call it once per frame.
	Flip() error
	// UploadSizeLimit returns the number of bytes that should be uploaded in the next frame, given the
	// duration of the previous one
	UploadSizeLimit(frameDuration time.Duration) uint64
	Destroy() error
}

// UploadRequest carries new mesh data into an arena. After Arena.Upload returns successfully, Segment
// holds the segment that owns the data.
type UploadRequest struct {
	Data    []byte
	Segment metadata.SegmentHandle
}

// Resolved returns true once the request has been admitted into an arena
func (r *UploadRequest) Resolved() bool {
	return r.Segment != metadata.NoSegment
}
