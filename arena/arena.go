package arena

import (
	"context"
	"io"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bufferarena/memutils"
	"github.com/vkngwrapper/bufferarena/memutils/defrag"
	"github.com/vkngwrapper/bufferarena/memutils/metadata"
)

type CreateOptions struct {
	// InitialCapacity is the minimum number of elements the arena can hold when it is created
	InitialCapacity uint64
	// Stride is the size of one element in bytes
	Stride uint32
	// Growth decides how far the arena grows when an upload does not fit. Defaults to AdaptiveGrowth
	Growth GrowthPolicy
}

// Arena sub-allocates a single device buffer into segments of fixed-stride elements. When an upload
// batch does not fit, the arena moves to a larger buffer, compacting its live segments against the end
// of the new buffer as it goes.
//
// An Arena is not safe for concurrent use: one owner drives allocation, upload, and resize.
type Arena struct {
	logger  *slog.Logger
	device  Device
	pool    *BufferPool
	staging StagingBuffer
	growth  GrowthPolicy

	stride   uint32
	buffer   Buffer
	segments *metadata.SegmentList
	stats    defrag.Stats
}

// New creates an arena holding at least options.InitialCapacity elements. The buffer is obtained from pool,
// and the arena's capacity is however many whole elements fit in the buffer the pool returns.
func New(logger *slog.Logger, device Device, pool *BufferPool, staging StagingBuffer, options CreateOptions) (*Arena, error) {
	if device == nil || pool == nil || staging == nil {
		return nil, memutils.UsageErrorf("an arena requires a device, a buffer pool, and a staging buffer")
	}

	if options.Stride == 0 {
		return nil, memutils.UsageErrorf("arena stride must be greater than zero")
	}

	if options.InitialCapacity == 0 {
		return nil, memutils.UsageErrorf("arena initial capacity must be greater than zero")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	growth := options.Growth
	if growth == nil {
		growth = AdaptiveGrowth{}
	}

	size, err := memutils.MulBytes(options.InitialCapacity, options.Stride)
	if err != nil {
		return nil, errors.Mark(err, memutils.ErrOutOfRange)
	}

	buffer, reused, err := pool.Obtain(size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to obtain arena buffer")
	}

	a := &Arena{
		logger:   logger,
		device:   device,
		pool:     pool,
		staging:  staging,
		growth:   growth,
		stride:   options.Stride,
		buffer:   buffer,
		segments: metadata.NewSegmentList(),
	}

	err = a.segments.Init(a.capacityOf(buffer))
	if err != nil {
		return nil, errors.CombineErrors(err, pool.Release(buffer))
	}

	logger.Debug("Arena::New",
		slog.Uint64("Stride", uint64(options.Stride)),
		slog.Uint64("RequestedCapacity", options.InitialCapacity),
		slog.Uint64("Capacity", a.segments.Capacity()),
		slog.Bool("BufferReused", reused),
	)

	return a, nil
}

// capacityOf returns the number of whole elements that fit in the buffer without reaching the 4 GiB ceiling
func (a *Arena) capacityOf(buffer Buffer) uint64 {
	size := buffer.Size()
	if size >= memutils.MaxBufferBytes {
		size = memutils.MaxBufferBytes - 1
	}

	return size / uint64(a.stride)
}

// Allocate claims size elements from the free list. The boolean return is false if no free segment can
// hold the allocation.
func (a *Arena) Allocate(size uint32) (metadata.SegmentHandle, bool, error) {
	return a.segments.Allocate(size)
}

// Free returns a segment to the free list. Freeing a segment twice is an error marked with memutils.ErrUsage.
func (a *Arena) Free(handle metadata.SegmentHandle) error {
	return a.segments.Free(handle)
}

func (a *Arena) pendingElements(requests []*UploadRequest) (uint64, error) {
	var elements uint64

	for i, request := range requests {
		if request == nil {
			return 0, memutils.UsageErrorf("upload request %d is nil", i)
		}

		length := uint64(len(request.Data))
		if length == 0 {
			return 0, memutils.UsageErrorf("upload request %d carries no data", i)
		}

		if length%uint64(a.stride) != 0 {
			return 0, memutils.UsageErrorf("upload request %d is %d bytes, which is not a multiple of the stride %d", i, length, a.stride)
		}

		count := length / uint64(a.stride)
		_, err := memutils.Downcast(count)
		if err != nil {
			return 0, errors.Wrapf(err, "upload request %d holds too many elements", i)
		}

		elements += count
	}

	return elements, nil
}

// Upload places every request's data into a new segment and schedules the data to be staged into the
// arena buffer. When the free space obviously suffices, requests are admitted immediately; whatever
// still does not fit is admitted after a single resize. If any request remains unadmitted after the
// resize, an error marked with memutils.ErrCapacityExhausted is returned.
//
// If the staging buffer fails to enqueue a request, requests admitted before it keep their segments and
// their copies are flushed, while the failing request and every later one are left unresolved. Check
// UploadRequest.Resolved to tell them apart.
//
// The boolean return is true if the arena moved to a new device buffer, which must then be rebound.
func (a *Arena) Upload(requests []*UploadRequest) (bool, error) {
	a.logger.Debug("Arena::Upload", slog.Int("Requests", len(requests)))

	elements, err := a.pendingElements(requests)
	if err != nil {
		return false, err
	}

	for _, request := range requests {
		request.Segment = metadata.NoSegment
	}

	pending := requests
	if elements < a.segments.SumFree() {
		pending, err = a.admit(pending)
		if err != nil {
			return false, err
		}
	}

	if len(pending) == 0 {
		return false, nil
	}

	newCapacity := a.EstimateNewCapacity(pending)
	err = a.Resize(newCapacity)
	if err != nil {
		return false, err
	}

	pending, err = a.admit(pending)
	if err != nil {
		return true, err
	}

	if len(pending) > 0 {
		return true, errors.Mark(
			errors.Newf("%d upload requests did not fit after resizing the arena to %d elements", len(pending), a.segments.Capacity()),
			memutils.ErrCapacityExhausted,
		)
	}

	return true, nil
}

// admit allocates and stages each request that fits, then flushes the staging buffer. It returns the
// requests that did not fit, in their original order.
func (a *Arena) admit(requests []*UploadRequest) ([]*UploadRequest, error) {
	var remaining []*UploadRequest

	for _, request := range requests {
		// Validated by pendingElements
		length := memutils.UncheckedDowncast(uint64(len(request.Data)) / uint64(a.stride))

		handle, success, err := a.segments.Allocate(length)
		if err != nil {
			return nil, err
		}

		if !success {
			remaining = append(remaining, request)
			continue
		}

		offset, err := a.segments.Offset(handle)
		if err != nil {
			return nil, err
		}

		err = a.staging.EnqueueCopy(request.Data, a.buffer, uint64(offset)*uint64(a.stride))
		if err != nil {
			// Requests admitted earlier in this pass keep their segments, so their copies still go out
			err = errors.CombineErrors(
				errors.Wrapf(err, "failed to stage %d bytes at element %d", len(request.Data), offset),
				a.segments.Free(handle),
			)
			return nil, errors.CombineErrors(err, errors.Wrap(a.staging.Flush(), "failed to flush staging buffer"))
		}

		request.Segment = handle
	}

	err := a.staging.Flush()
	if err != nil {
		return nil, errors.Wrap(err, "failed to flush staging buffer")
	}

	return remaining, nil
}

// EstimateNewCapacity returns the capacity, in elements, the arena's growth policy chooses for admitting
// the provided backlog
func (a *Arena) EstimateNewCapacity(pending []*UploadRequest) uint64 {
	var elements uint64
	for _, request := range pending {
		elements += uint64(len(request.Data)) / uint64(a.stride)
	}

	return a.growth.EstimateNewCapacity(GrowthState{
		Used:            a.segments.Used(),
		Capacity:        a.segments.Capacity(),
		SegmentCount:    a.segments.SegmentCount(),
		PendingElements: elements,
		PendingSegments: len(pending),
	})
}

// Resize moves the arena to a new device buffer of at least newCapacity elements. Live segments keep
// their handles, lengths, and relative order, and are packed against the end of the new buffer, leaving
// a single free segment at the front. Resizing below the number of elements in use is an error marked
// with memutils.ErrUsage, and a buffer that would reach 4 GiB is an error marked with memutils.ErrOutOfRange.
func (a *Arena) Resize(newCapacity uint64) error {
	used := a.segments.Used()
	if newCapacity < used {
		return memutils.UsageErrorf("cannot resize arena to %d elements: %d elements are in use", newCapacity, used)
	}

	size, err := memutils.MulBytes(newCapacity, a.stride)
	if err != nil {
		return errors.Mark(err, memutils.ErrOutOfRange)
	}

	err = memutils.CheckBufferBytes(size)
	if err != nil {
		return err
	}

	newBuffer, reused, err := a.pool.Obtain(size)
	if err != nil {
		return errors.Wrap(err, "failed to obtain buffer for arena resize")
	}

	oldCapacity := a.segments.Capacity()
	relocations, err := a.segments.Compact(a.capacityOf(newBuffer))
	if err != nil {
		return errors.CombineErrors(err, a.pool.Release(newBuffer))
	}

	commands := defrag.BuildTransferList(relocations)

	oldBuffer := a.buffer
	a.buffer = newBuffer

	copyErr := a.copyAll(oldBuffer, newBuffer, commands)
	releaseErr := a.pool.Release(oldBuffer)

	var pass defrag.Stats
	pass.AddPass(relocations, commands, a.stride)
	a.stats.Add(pass)

	a.logger.LogAttrs(context.Background(), slog.LevelInfo, "Arena::Resize",
		slog.Uint64("OldCapacity", oldCapacity),
		slog.Uint64("NewCapacity", a.segments.Capacity()),
		slog.Uint64("Used", used),
		slog.Int("CopyCommands", pass.CopyCommands),
		slog.Uint64("BytesMoved", pass.BytesMoved),
		slog.Bool("BufferReused", reused),
	)

	memutils.DebugValidate(a)

	if copyErr != nil {
		return copyErr
	}

	return errors.Wrap(releaseErr, "failed to release old arena buffer")
}

func (a *Arena) copyAll(src, dst Buffer, commands []defrag.CopyCommand) error {
	for _, command := range commands {
		readOffset, writeOffset, size, err := command.ByteRange(a.stride)
		if err != nil {
			return err
		}

		err = a.device.CopyBufferSubData(src, dst, readOffset, writeOffset, size)
		if err != nil {
			return errors.Wrapf(err, "failed to copy %d bytes from %d to %d during arena resize", size, readOffset, writeOffset)
		}
	}

	return nil
}

// DeviceUsedMemory returns the number of bytes held by live segments
func (a *Arena) DeviceUsedMemory() uint64 {
	return a.segments.Used() * uint64(a.stride)
}

// DeviceAllocatedMemory returns the number of bytes the arena can address
func (a *Arena) DeviceAllocatedMemory() uint64 {
	return a.segments.Capacity() * uint64(a.stride)
}

func (a *Arena) Capacity() uint64 { return a.segments.Capacity() }
func (a *Arena) Used() uint64 { return a.segments.Used() }
func (a *Arena) SegmentCount() uint32 { return a.segments.SegmentCount() }
func (a *Arena) Stride() uint32 { return a.stride }
func (a *Arena) IsEmpty() bool { return a.segments.IsEmpty() }
func (a *Arena) Buffer() Buffer { return a.buffer }
func (a *Arena) CompactionStats() defrag.Stats { return a.stats }

// Segment retrieves the current placement of a segment, in elements
func (a *Arena) Segment(handle metadata.SegmentHandle) (metadata.SegmentInfo, error) {
	return a.segments.Segment(handle)
}

// ByteRange retrieves the current placement of a segment within the arena buffer, in bytes
func (a *Arena) ByteRange(handle metadata.SegmentHandle) (offset, size uint64, err error) {
	info, err := a.segments.Segment(handle)
	if err != nil {
		return 0, 0, err
	}

	return uint64(info.Offset) * uint64(a.stride), uint64(info.Length) * uint64(a.stride), nil
}

// Validate checks the segment chain and the arena's accounting, returning an error marked with
// memutils.ErrCorruption if anything is inconsistent
func (a *Arena) Validate() error {
	if a.buffer == nil {
		return memutils.CorruptionErrorf("the arena has no buffer")
	}

	allocated := a.DeviceAllocatedMemory()
	if allocated >= memutils.MaxBufferBytes {
		return memutils.CorruptionErrorf("capacity * stride is %d bytes, which reaches the 4 GiB ceiling", allocated)
	}

	if allocated > a.buffer.Size() {
		return memutils.CorruptionErrorf("capacity * stride is %d bytes, but the buffer only holds %d", allocated, a.buffer.Size())
	}

	return a.segments.Validate()
}

func (a *Arena) AddStatistics(stats *memutils.Statistics) {
	stats.BufferCount++
	stats.BufferBytes += a.buffer.Size()
	a.segments.AddStatistics(stats, a.stride)
}

func (a *Arena) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BufferCount++
	stats.BufferBytes += a.buffer.Size()
	a.segments.AddDetailedStatistics(stats, a.stride)
}

// BuildStatsString returns a JSON document describing the arena. If detailed is true, every segment
// is listed.
func (a *Arena) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	a.PrintJson(&obj, detailed)
	obj.End()

	return string(writer.Bytes())
}

func (a *Arena) PrintJson(json *jwriter.ObjectState, detailed bool) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	a.AddDetailedStatistics(&stats)

	json.Name("Stride").Int(int(a.stride))
	json.Name("Capacity").Float64(float64(a.segments.Capacity()))
	json.Name("Used").Float64(float64(a.segments.Used()))
	json.Name("BufferBytes").Float64(float64(stats.BufferBytes))

	totals := json.Name("Total").Object()
	totals.Name("SegmentCount").Int(stats.SegmentCount)
	totals.Name("SegmentBytes").Float64(float64(stats.SegmentBytes))
	totals.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	if stats.SegmentCount > 0 {
		totals.Name("SegmentSizeMin").Float64(float64(stats.SegmentSizeMin))
		totals.Name("SegmentSizeMax").Float64(float64(stats.SegmentSizeMax))
	}
	if stats.UnusedRangeCount > 0 {
		totals.Name("UnusedRangeSizeMin").Float64(float64(stats.UnusedRangeSizeMin))
		totals.Name("UnusedRangeSizeMax").Float64(float64(stats.UnusedRangeSizeMax))
	}
	totals.End()

	compaction := json.Name("Compaction").Object()
	a.stats.PrintJson(&compaction)
	compaction.End()

	if detailed {
		detailedMap := json.Name("DetailedMap").Object()
		a.segments.PrintDetailedMap(&detailedMap, a.stride)
		detailedMap.End()
	}
}

// Destroy deletes the arena's buffer through the device. The buffer is not returned to the pool.
func (a *Arena) Destroy() error {
	a.logger.Debug("Arena::Destroy")

	if a.buffer == nil {
		return memutils.UsageErrorf("the arena has already been destroyed")
	}

	if !a.segments.IsEmpty() {
		err := a.segments.VisitAllRegions(func(handle metadata.SegmentHandle, offset, length uint32, free bool) error {
			if free {
				return nil
			}

			a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED SEGMENT] segment still live at arena destruction",
				slog.Uint64("offset", uint64(offset)),
				slog.Uint64("length", uint64(length)),
			)
			return nil
		})
		if err != nil {
			a.logger.LogAttrs(context.Background(), slog.LevelError,
				"[UNRELEASED SEGMENT] error while iterating unreleased segments",
				slog.Any("error", err))
		}
	}

	err := a.device.DeleteBuffer(a.buffer)
	a.buffer = nil
	if err != nil {
		return errors.Wrap(err, "failed to delete arena buffer")
	}

	return nil
}
