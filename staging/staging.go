// Package staging implements arena.StagingBuffer on top of any device that can write host data into
// its buffers. Host data is written into one of two staging buffers and the copies into arena buffers
// are queued until Flush.
package staging

import (
	"io"
	"log/slog"
	"math"
	"math/bits"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/eapache/queue"
	"github.com/vkngwrapper/bufferarena/arena"
	"github.com/vkngwrapper/bufferarena/memutils"
	"golang.org/x/time/rate"
)

// DefaultInitialSize is the size of each staging buffer when no initial size is specified
const DefaultInitialSize = 1 << 20

// HostWriter writes host data into a device buffer
type HostWriter interface {
	WriteBuffer(buffer arena.Buffer, offset uint64, data []byte) error
}

type CreateOptions struct {
	// InitialSize is the size, in bytes, of each of the two staging buffers. Defaults to DefaultInitialSize.
	// When a copy does not fit in what remains of a staging buffer, a larger one takes its place.
	InitialSize uint64
	// BytesPerSecond is the sustained upload rate UploadSizeLimit steers toward. Zero disables throttling.
	BytesPerSecond float64
	// MaxBytesPerFrame caps UploadSizeLimit and is the size of the throttling burst. Zero means the burst
	// is one second of BytesPerSecond and UploadSizeLimit is uncapped.
	MaxBytesPerFrame uint64
	// MinBytesPerFrame is the floor for UploadSizeLimit, so that uploads never stall completely
	MinBytesPerFrame uint64
	// Clock defaults to time.Now
	Clock func() time.Time
}

type pendingCopy struct {
	src         arena.Buffer
	readOffset  uint64
	dst         arena.Buffer
	writeOffset uint64
	size        uint64
}

// Statistics counts the staging buffer's traffic since it was created
type Statistics struct {
	Flushes     int
	Flips       int
	Grows       int
	Copies      int
	BytesStaged uint64
}

// Buffer is a double-buffered staging area. It is not safe for concurrent use.
type Buffer struct {
	logger *slog.Logger
	device arena.Device
	writer HostWriter

	buffers [2]arena.Buffer
	// retired holds staging buffers that were replaced while their slot was current
	retired [2][]arena.Buffer
	current int
	cursor  uint64
	pending *queue.Queue

	limiter  *rate.Limiter
	rate     float64
	minBytes uint64
	maxBytes uint64
	clock    func() time.Time

	stats Statistics
}

var _ arena.FrameStagingBuffer = &Buffer{}

// New creates both staging buffers through device. writer must be able to write into buffers created by device.
func New(logger *slog.Logger, device arena.Device, writer HostWriter, options CreateOptions) (*Buffer, error) {
	if device == nil || writer == nil {
		return nil, memutils.UsageErrorf("a staging buffer requires a device and a host writer")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if options.BytesPerSecond < 0 {
		return nil, memutils.UsageErrorf("bytes per second must not be negative, but was %f", options.BytesPerSecond)
	}

	if options.MaxBytesPerFrame > 0 && options.MinBytesPerFrame > options.MaxBytesPerFrame {
		return nil, memutils.UsageErrorf("min bytes per frame %d exceeds max bytes per frame %d", options.MinBytesPerFrame, options.MaxBytesPerFrame)
	}

	size := options.InitialSize
	if size == 0 {
		size = DefaultInitialSize
	}

	clock := options.Clock
	if clock == nil {
		clock = time.Now
	}

	b := &Buffer{
		logger:   logger,
		device:   device,
		writer:   writer,
		pending:  queue.New(),
		rate:     options.BytesPerSecond,
		minBytes: options.MinBytesPerFrame,
		maxBytes: options.MaxBytesPerFrame,
		clock:    clock,
	}

	if options.BytesPerSecond > 0 {
		burst := options.MaxBytesPerFrame
		if burst == 0 {
			burst = uint64(math.Ceil(options.BytesPerSecond))
		}
		if burst > math.MaxInt32 {
			burst = math.MaxInt32
		}

		b.limiter = rate.NewLimiter(rate.Limit(options.BytesPerSecond), int(burst))
	}

	for i := range b.buffers {
		buffer, err := b.createBuffer(size)
		if err != nil {
			return nil, errors.CombineErrors(err, b.Destroy())
		}
		b.buffers[i] = buffer
	}

	return b, nil
}

func (b *Buffer) createBuffer(size uint64) (arena.Buffer, error) {
	buffer, err := b.device.CreateBuffer()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create staging buffer")
	}

	err = b.device.AllocateStorage(buffer, size, arena.BufferUsageStaging)
	if err != nil {
		return nil, errors.CombineErrors(
			errors.Wrapf(err, "failed to allocate %d bytes of staging storage", size),
			b.device.DeleteBuffer(buffer),
		)
	}

	return buffer, nil
}

// replace moves the current slot onto a fresh staging buffer large enough for size more bytes. The
// old buffer may still be read by copies that have not executed, so it is retired rather than deleted.
func (b *Buffer) replace(size uint64) error {
	err := memutils.CheckBufferBytes(size)
	if err != nil {
		return errors.Wrap(err, "staging buffer cannot hold the copy")
	}

	old := b.buffers[b.current]

	newSize := old.Size() * 2
	if size > newSize {
		newSize = uint64(1) << bits.Len64(size-1)
	}
	if newSize >= memutils.MaxBufferBytes {
		newSize = memutils.MaxBufferBytes - 1
	}

	b.logger.Debug("StagingBuffer::replace", slog.Uint64("OldSize", old.Size()), slog.Uint64("NewSize", newSize))

	buffer, err := b.createBuffer(newSize)
	if err != nil {
		return errors.Wrapf(err, "failed to grow staging buffer to %d bytes", newSize)
	}

	b.retired[b.current] = append(b.retired[b.current], old)
	b.buffers[b.current] = buffer
	b.cursor = 0
	b.stats.Grows++

	return nil
}

// EnqueueCopy writes data into the current staging buffer and queues a copy from there into dst at
// writeOffset bytes. Bytes written since the last Flip are never overwritten: if the current staging
// buffer is full, a larger one takes its place and the full one is deleted once its slot comes back
// around at a later Flip.
func (b *Buffer) EnqueueCopy(data []byte, dst arena.Buffer, writeOffset uint64) error {
	if len(data) == 0 {
		return nil
	}

	if dst == nil {
		return memutils.UsageErrorf("cannot stage a copy into a nil buffer")
	}

	size := uint64(len(data))
	if b.cursor+size > b.buffers[b.current].Size() {
		err := b.replace(size)
		if err != nil {
			return err
		}
	}

	staging := b.buffers[b.current]
	err := b.writer.WriteBuffer(staging, b.cursor, data)
	if err != nil {
		return errors.Wrap(err, "failed to write staging data")
	}

	b.pending.Add(&pendingCopy{
		src:         staging,
		readOffset:  b.cursor,
		dst:         dst,
		writeOffset: writeOffset,
		size:        size,
	})
	b.cursor += size
	b.stats.BytesStaged += size

	return nil
}

// Pending returns the number of copies waiting for Flush
func (b *Buffer) Pending() int {
	return b.pending.Length()
}

// Flush issues every pending copy to the device in the order it was enqueued and debits the bytes
// from the upload budget
func (b *Buffer) Flush() error {
	if b.pending.Length() == 0 {
		return nil
	}

	var flushed uint64
	for b.pending.Length() > 0 {
		copyCommand := b.pending.Peek().(*pendingCopy)

		err := b.device.CopyBufferSubData(copyCommand.src, copyCommand.dst, copyCommand.readOffset, copyCommand.writeOffset, copyCommand.size)
		if err != nil {
			return errors.Wrapf(err, "failed to copy %d staged bytes", copyCommand.size)
		}

		b.pending.Remove()
		flushed += copyCommand.size
		b.stats.Copies++
	}

	b.stats.Flushes++
	b.debit(flushed)

	return nil
}

func (b *Buffer) debit(bytes uint64) {
	if b.limiter == nil {
		return
	}

	burst := uint64(b.limiter.Burst())
	if bytes > burst {
		bytes = burst
	}

	// The reservation is never cancelled: the bytes have already been sent
	_ = b.limiter.ReserveN(b.clock(), int(bytes))
}

// Flip flushes any pending copies and moves to the other staging buffer. Call it once per frame. The other
// slot's buffer is written again and its retired buffers are deleted, so the device must have finished the
// copies flushed before the previous Flip.
func (b *Buffer) Flip() error {
	err := b.Flush()
	if err != nil {
		return err
	}

	b.current ^= 1
	b.cursor = 0
	b.stats.Flips++

	// Buffers retired while this slot was last current belong to a frame that has since completed
	return b.deleteRetired(b.current)
}

func (b *Buffer) deleteRetired(slot int) error {
	var err error
	for _, buffer := range b.retired[slot] {
		err = errors.CombineErrors(err, b.device.DeleteBuffer(buffer))
	}
	b.retired[slot] = nil

	return errors.Wrap(err, "failed to delete retired staging buffer")
}

// UploadSizeLimit returns how many bytes the surrounding scheduler should upload during the next frame.
// The limit is the smaller of the remaining upload budget and what the sustained rate allows in one frame
// of frameDuration, clamped to [MinBytesPerFrame, MaxBytesPerFrame].
func (b *Buffer) UploadSizeLimit(frameDuration time.Duration) uint64 {
	if b.limiter == nil {
		if b.maxBytes > 0 {
			return b.maxBytes
		}
		return math.MaxUint64
	}

	limit := b.limiter.TokensAt(b.clock())
	frameBudget := b.rate * frameDuration.Seconds()
	if frameBudget < limit {
		limit = frameBudget
	}

	var bytes uint64
	if limit > 0 {
		bytes = uint64(limit)
	}

	if bytes < b.minBytes {
		bytes = b.minBytes
	}
	if b.maxBytes > 0 && bytes > b.maxBytes {
		bytes = b.maxBytes
	}

	return bytes
}

func (b *Buffer) Statistics() Statistics {
	return b.stats
}

// Destroy deletes both staging buffers and every retired one. Pending copies are discarded.
func (b *Buffer) Destroy() error {
	b.logger.Debug("StagingBuffer::Destroy", slog.Int("DiscardedCopies", b.pending.Length()))

	for b.pending.Length() > 0 {
		b.pending.Remove()
	}

	var err error
	for i, buffer := range b.buffers {
		if buffer == nil {
			continue
		}

		err = errors.CombineErrors(err, b.device.DeleteBuffer(buffer))
		b.buffers[i] = nil
	}

	for slot := range b.retired {
		err = errors.CombineErrors(err, b.deleteRetired(slot))
	}

	return err
}
