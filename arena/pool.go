package arena

import (
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bufferarena/internal/utils"
	"github.com/vkngwrapper/bufferarena/memutils"
	"github.com/vkngwrapper/core/v2/common"
)

const (
	// DefaultPoolCapacity is the number of retired buffers a BufferPool holds when no capacity is specified
	DefaultPoolCapacity = 8
	// DefaultMaxReuseFactor bounds how much larger than a request a reused buffer may be
	DefaultMaxReuseFactor = 1.4
)

type PoolCreateFlags int32

var poolCreateFlagsMapping = common.NewFlagStringMapping[PoolCreateFlags]()

func (f PoolCreateFlags) Register(str string) {
	poolCreateFlagsMapping.Register(f, str)
}
func (f PoolCreateFlags) String() string {
	return poolCreateFlagsMapping.FlagsToString(f)
}

const (
	// PoolCreateExternallySynchronized indicates that every arena sharing the pool is driven from a single
	// goroutine, or that the caller serializes access to the pool. The pool's internal mutex is disabled.
	PoolCreateExternallySynchronized PoolCreateFlags = 1 << iota
)

func init() {
	PoolCreateExternallySynchronized.Register("PoolCreateExternallySynchronized")
}

// EvictionPolicy chooses which pooled buffer is destroyed when a buffer is released into a full pool
type EvictionPolicy interface {
	// Victim returns a slot index in [0, slotCount)
	Victim(slotCount int) int
}

type randomEviction struct {
	random *rand.Rand
}

// NewRandomEviction creates an EvictionPolicy that picks a slot uniformly at random from the provided source
func NewRandomEviction(source rand.Source) EvictionPolicy {
	return &randomEviction{random: rand.New(source)}
}

func (e *randomEviction) Victim(slotCount int) int {
	return e.random.Intn(slotCount)
}

type PoolCreateOptions struct {
	Flags PoolCreateFlags
	// Usage is passed to the Device for every buffer the pool creates
	Usage BufferUsage
	// Capacity is the number of retired buffers the pool can hold. Defaults to DefaultPoolCapacity
	Capacity int
	// MaxReuseFactor bounds the size of a reused buffer to floor(request * MaxReuseFactor) bytes.
	// Defaults to DefaultMaxReuseFactor
	MaxReuseFactor float64
	// Eviction chooses which buffer is destroyed when the pool is full. Defaults to a time-seeded random policy
	Eviction EvictionPolicy
}

// PoolStatistics counts the pool's traffic since it was created
type PoolStatistics struct {
	Hits      int
	Misses    int
	Releases  int
	Evictions int
}

// BufferPool holds a small, fixed number of retired device buffers so that arenas which resize can
// reuse them instead of creating new ones. One pool may be shared by many arenas; it is safe for
// concurrent use unless PoolCreateExternallySynchronized is set.
type BufferPool struct {
	logger *slog.Logger
	device Device
	usage  BufferUsage

	mutex          utils.OptionalMutex
	slots          []Buffer
	count          int
	maxReuseFactor float64
	eviction       EvictionPolicy
	stats          PoolStatistics
}

// NewBufferPool creates an empty pool that creates and destroys buffers through device
func NewBufferPool(logger *slog.Logger, device Device, options PoolCreateOptions) (*BufferPool, error) {
	if device == nil {
		return nil, memutils.UsageErrorf("a buffer pool requires a device")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	capacity := options.Capacity
	if capacity == 0 {
		capacity = DefaultPoolCapacity
	} else if capacity < 0 {
		return nil, memutils.UsageErrorf("pool capacity must not be negative, but was %d", capacity)
	}

	reuseFactor := options.MaxReuseFactor
	if reuseFactor == 0 {
		reuseFactor = DefaultMaxReuseFactor
	} else if reuseFactor < 1 {
		return nil, memutils.UsageErrorf("max reuse factor must be at least 1, but was %f", reuseFactor)
	}

	eviction := options.Eviction
	if eviction == nil {
		eviction = NewRandomEviction(rand.NewSource(time.Now().UnixNano()))
	}

	logger.Debug("BufferPool::New",
		slog.Int("Capacity", capacity),
		slog.Float64("MaxReuseFactor", reuseFactor),
		slog.String("Flags", options.Flags.String()),
	)

	return &BufferPool{
		logger: logger,
		device: device,
		usage:  options.Usage,
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&PoolCreateExternallySynchronized == 0,
		},
		slots:          make([]Buffer, capacity),
		maxReuseFactor: reuseFactor,
		eviction:       eviction,
	}, nil
}

// Acquire removes and returns the smallest pooled buffer whose size is in [minBytes, floor(minBytes*MaxReuseFactor)].
// The boolean return is false if no pooled buffer qualifies.
func (p *BufferPool) Acquire(minBytes uint64) (Buffer, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.acquireAfterLock(minBytes)
}

func (p *BufferPool) acquireAfterLock(minBytes uint64) (Buffer, bool) {
	maxBytes := memutils.ScaleFloor(minBytes, p.maxReuseFactor)

	best := -1
	var bestSize uint64
	for i, buffer := range p.slots {
		if buffer == nil {
			continue
		}

		size := buffer.Size()
		if size < minBytes || size > maxBytes {
			continue
		}

		if best < 0 || size < bestSize {
			best = i
			bestSize = size
		}
	}

	if best < 0 {
		return nil, false
	}

	buffer := p.slots[best]
	p.slots[best] = nil
	p.count--

	return buffer, true
}

// Release returns a retired buffer to the pool. If the pool is full, the eviction policy chooses a pooled
// buffer, which is deleted through the device and replaced by this one.
func (p *BufferPool) Release(buffer Buffer) error {
	if buffer == nil {
		return memutils.UsageErrorf("cannot release a nil buffer into the pool")
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.stats.Releases++

	if len(p.slots) == 0 {
		return errors.Wrap(p.device.DeleteBuffer(buffer), "failed to delete buffer released into a pool with no capacity")
	}

	if p.count < len(p.slots) {
		for i := range p.slots {
			if p.slots[i] == nil {
				p.slots[i] = buffer
				p.count++
				return nil
			}
		}
	}

	victim := p.eviction.Victim(len(p.slots))
	if victim < 0 || victim >= len(p.slots) {
		return errors.CombineErrors(
			memutils.UsageErrorf("eviction policy chose slot %d, but the pool has %d slots", victim, len(p.slots)),
			errors.Wrap(p.device.DeleteBuffer(buffer), "failed to delete released buffer"),
		)
	}

	evicted := p.slots[victim]
	p.slots[victim] = buffer
	p.stats.Evictions++

	p.logger.Warn("BufferPool::Release evicting pooled buffer",
		slog.Int("Slot", victim),
		slog.Uint64("EvictedBytes", evicted.Size()),
		slog.Uint64("ReleasedBytes", buffer.Size()),
	)

	return errors.Wrap(p.device.DeleteBuffer(evicted), "failed to delete evicted buffer")
}

// Obtain returns a pooled buffer of at least minBytes if one qualifies, or else creates a new one. The
// boolean return is true if the buffer came from the pool.
func (p *BufferPool) Obtain(minBytes uint64) (Buffer, bool, error) {
	err := memutils.CheckBufferBytes(minBytes)
	if err != nil {
		return nil, false, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	buffer, reused := p.acquireAfterLock(minBytes)
	if reused {
		p.stats.Hits++
		p.logger.Debug("BufferPool::Obtain reused buffer", slog.Uint64("MinBytes", minBytes), slog.Uint64("Size", buffer.Size()))
		return buffer, true, nil
	}

	p.stats.Misses++

	buffer, err = p.device.CreateBuffer()
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to create buffer")
	}

	err = p.device.AllocateStorage(buffer, minBytes, p.usage)
	if err != nil {
		deleteErr := p.device.DeleteBuffer(buffer)
		return nil, false, errors.CombineErrors(errors.Wrapf(err, "failed to allocate %d bytes of buffer storage", minBytes), deleteErr)
	}

	if buffer.Size() < minBytes {
		deleteErr := p.device.DeleteBuffer(buffer)
		return nil, false, errors.CombineErrors(
			errors.Newf("device allocated %d bytes of storage, but %d were requested", buffer.Size(), minBytes),
			deleteErr,
		)
	}

	p.logger.Debug("BufferPool::Obtain created buffer", slog.Uint64("MinBytes", minBytes), slog.Uint64("Size", buffer.Size()))

	return buffer, false, nil
}

// Len returns the number of buffers currently pooled
func (p *BufferPool) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.count
}

// Capacity returns the number of buffers the pool can hold
func (p *BufferPool) Capacity() int {
	return len(p.slots)
}

func (p *BufferPool) Statistics() PoolStatistics {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.stats
}

// Destroy deletes every pooled buffer. The pool is empty afterward and may still be used.
func (p *BufferPool) Destroy() error {
	p.logger.Debug("BufferPool::Destroy")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	var err error
	for i, buffer := range p.slots {
		if buffer == nil {
			continue
		}

		err = errors.CombineErrors(err, p.device.DeleteBuffer(buffer))
		p.slots[i] = nil
	}
	p.count = 0

	return err
}

func (p *BufferPool) PrintJson(json *jwriter.ObjectState) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	json.Name("Capacity").Int(len(p.slots))
	json.Name("Count").Int(p.count)
	json.Name("Hits").Int(p.stats.Hits)
	json.Name("Misses").Int(p.stats.Misses)
	json.Name("Releases").Int(p.stats.Releases)
	json.Name("Evictions").Int(p.stats.Evictions)

	var totalBytes uint64
	sizes := json.Name("Buffers").Array()
	for _, buffer := range p.slots {
		if buffer == nil {
			continue
		}

		totalBytes += buffer.Size()
		sizes.Float64(float64(buffer.Size()))
	}
	sizes.End()

	json.Name("TotalBytes").Float64(float64(totalBytes))
}

// BuildStatsString returns a JSON document describing the pool's contents and traffic
func (p *BufferPool) BuildStatsString() string {
	writer := jwriter.NewWriter()
	obj := writer.Object()
	p.PrintJson(&obj)
	obj.End()

	return string(writer.Bytes())
}
