package host

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/bufferarena/arena"
	"github.com/vkngwrapper/bufferarena/internal/utils"
	"github.com/vkngwrapper/bufferarena/memutils"
	"github.com/zeebo/xxh3"
)

// ErrUnknownBuffer marks errors caused by passing a buffer that this device did not create, or
// that has already been deleted
var ErrUnknownBuffer = errors.New("buffer does not belong to this device")

type CreateOptions struct {
	// Granularity is the size, in bytes, that every storage allocation is rounded up to. It must be a
	// power of two and defaults to 1.
	Granularity uint64
	// ExternallySynchronized disables the device's internal lock
	ExternallySynchronized bool
}

// Buffer is a device buffer whose storage lives in host memory
type Buffer struct {
	id    uint64
	usage arena.BufferUsage
	data  []byte
}

func (b *Buffer) Size() uint64 {
	return uint64(len(b.data))
}

func (b *Buffer) Usage() arena.BufferUsage {
	return b.usage
}

// Statistics counts the device's traffic since it was created
type Statistics struct {
	BuffersCreated int
	BuffersDeleted int
	Copies         int
	BytesCopied    uint64
	BytesWritten   uint64
}

// Device is an arena.Device that keeps buffer storage in byte slices. It backs arenas in tests and tools,
// and its WriteBuffer method gives the staging package a host write path.
type Device struct {
	mutex       utils.OptionalRWMutex
	granularity uint64
	nextID      uint64
	buffers     *swiss.Map[uint64, *Buffer]
	stats       Statistics
}

var _ arena.Device = &Device{}

func New(options CreateOptions) (*Device, error) {
	granularity := options.Granularity
	if granularity == 0 {
		granularity = 1
	}

	err := memutils.CheckPow2(granularity, "granularity")
	if err != nil {
		return nil, err
	}

	return &Device{
		mutex:       utils.OptionalRWMutex{UseMutex: !options.ExternallySynchronized},
		granularity: granularity,
		buffers:     swiss.NewMap[uint64, *Buffer](16),
	}, nil
}

func (d *Device) resolve(buffer arena.Buffer) (*Buffer, error) {
	hostBuffer, ok := buffer.(*Buffer)
	if !ok || hostBuffer == nil {
		return nil, errors.Mark(errors.Newf("buffer %T was not created by a host device", buffer), ErrUnknownBuffer)
	}

	registered, ok := d.buffers.Get(hostBuffer.id)
	if !ok || registered != hostBuffer {
		return nil, errors.Mark(errors.Newf("buffer %d has been deleted", hostBuffer.id), ErrUnknownBuffer)
	}

	return hostBuffer, nil
}

func (d *Device) CreateBuffer() (arena.Buffer, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.nextID++
	buffer := &Buffer{id: d.nextID}
	d.buffers.Put(buffer.id, buffer)
	d.stats.BuffersCreated++

	return buffer, nil
}

// AllocateStorage replaces the buffer's storage with size bytes, rounded up to the device granularity.
// The new storage is zeroed.
func (d *Device) AllocateStorage(buffer arena.Buffer, size uint64, usage arena.BufferUsage) error {
	err := memutils.CheckBufferBytes(size)
	if err != nil {
		return err
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	hostBuffer, err := d.resolve(buffer)
	if err != nil {
		return err
	}

	hostBuffer.data = make([]byte, memutils.AlignUp(size, d.granularity))
	hostBuffer.usage = usage

	return nil
}

func checkRange(buffer *Buffer, offset, size uint64, name string) error {
	end := offset + size
	if end < offset || end > buffer.Size() {
		return errors.Mark(
			errors.Newf("%s range [%d, %d) exceeds buffer %d of %d bytes", name, offset, end, buffer.id, buffer.Size()),
			memutils.ErrOutOfRange,
		)
	}

	return nil
}

// CopyBufferSubData copies bytes between two buffers, or within one buffer. Overlapping ranges are copied
// as though through an intermediate buffer.
func (d *Device) CopyBufferSubData(src, dst arena.Buffer, readOffset, writeOffset, size uint64) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	srcBuffer, err := d.resolve(src)
	if err != nil {
		return errors.Wrap(err, "copy source")
	}

	dstBuffer, err := d.resolve(dst)
	if err != nil {
		return errors.Wrap(err, "copy destination")
	}

	err = checkRange(srcBuffer, readOffset, size, "read")
	if err != nil {
		return err
	}

	err = checkRange(dstBuffer, writeOffset, size, "write")
	if err != nil {
		return err
	}

	copy(dstBuffer.data[writeOffset:writeOffset+size], srcBuffer.data[readOffset:readOffset+size])
	d.stats.Copies++
	d.stats.BytesCopied += size

	return nil
}

func (d *Device) DeleteBuffer(buffer arena.Buffer) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	hostBuffer, err := d.resolve(buffer)
	if err != nil {
		return err
	}

	d.buffers.Delete(hostBuffer.id)
	hostBuffer.data = nil
	d.stats.BuffersDeleted++

	return nil
}

// WriteBuffer writes data into the buffer at offset bytes
func (d *Device) WriteBuffer(buffer arena.Buffer, offset uint64, data []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	hostBuffer, err := d.resolve(buffer)
	if err != nil {
		return err
	}

	err = checkRange(hostBuffer, offset, uint64(len(data)), "write")
	if err != nil {
		return err
	}

	copy(hostBuffer.data[offset:], data)
	d.stats.BytesWritten += uint64(len(data))

	return nil
}

// ReadBuffer returns a copy of size bytes of the buffer's contents, starting at offset
func (d *Device) ReadBuffer(buffer arena.Buffer, offset, size uint64) ([]byte, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	hostBuffer, err := d.resolve(buffer)
	if err != nil {
		return nil, err
	}

	err = checkRange(hostBuffer, offset, size, "read")
	if err != nil {
		return nil, err
	}

	out := make([]byte, size)
	copy(out, hostBuffer.data[offset:offset+size])
	return out, nil
}

// Checksum hashes size bytes of the buffer's contents starting at offset
func (d *Device) Checksum(buffer arena.Buffer, offset, size uint64) (uint64, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	hostBuffer, err := d.resolve(buffer)
	if err != nil {
		return 0, err
	}

	err = checkRange(hostBuffer, offset, size, "checksum")
	if err != nil {
		return 0, err
	}

	return xxh3.Hash(hostBuffer.data[offset : offset+size]), nil
}

// LiveBuffers returns the number of buffers that have been created and not deleted
func (d *Device) LiveBuffers() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return d.buffers.Count()
}

// LiveBytes returns the total storage held by live buffers
func (d *Device) LiveBytes() uint64 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	var total uint64
	d.buffers.Iter(func(id uint64, buffer *Buffer) bool {
		total += buffer.Size()
		return false
	})

	return total
}

func (d *Device) Statistics() Statistics {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return d.stats
}
