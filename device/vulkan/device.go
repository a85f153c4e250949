package vulkan

import (
	"context"
	"io"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/bufferarena/arena"
	"github.com/vkngwrapper/bufferarena/internal/utils"
	"github.com/vkngwrapper/bufferarena/memutils"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

// Device is the subset of core1_0.Device used to create arena buffers
type Device interface {
	CreateBuffer(allocationCallbacks *driver.AllocationCallbacks, o core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error)
	AllocateMemory(allocationCallbacks *driver.AllocationCallbacks, o core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error)
}

// CommandRecorder receives the copy commands produced by arena resizes and staging flushes. It is
// usually a command buffer in the recording state.
type CommandRecorder interface {
	CmdCopyBuffer(srcBuffer core1_0.Buffer, dstBuffer core1_0.Buffer, copyRegions []core1_0.BufferCopy) error
}

type CreateOptions struct {
	// MemoryTypeIndex is the memory type used for vertex, index and storage buffers
	MemoryTypeIndex int
	// StagingMemoryTypeIndex is the memory type used for staging buffers. It must be host visible and
	// host coherent.
	StagingMemoryTypeIndex int
	AllocationCallbacks    *driver.AllocationCallbacks
	// ExternallySynchronized disables the adapter's internal lock
	ExternallySynchronized bool
}

// Buffer is an arena.Buffer backed by a VkBuffer bound to its own VkDeviceMemory. The VkBuffer is
// replaced every time storage is allocated, since Vulkan buffers cannot change size.
type Buffer struct {
	owner  *Adapter
	size   uint64
	usage  arena.BufferUsage
	buffer core1_0.Buffer
	memory core1_0.DeviceMemory
}

func (b *Buffer) Size() uint64 {
	return b.size
}

func (b *Buffer) Usage() arena.BufferUsage {
	return b.usage
}

// VulkanBuffer returns the buffer to bind in draw calls, or nil if no storage has been allocated
func (b *Buffer) VulkanBuffer() core1_0.Buffer {
	return b.buffer
}

type retiredResource struct {
	buffer core1_0.Buffer
	memory core1_0.DeviceMemory
}

// Adapter implements arena.Device on top of a vulkan device. Copies are recorded into a command
// recorder, so they execute whenever the caller submits it. Storage that is replaced or deleted may
// still be read by recorded copies, so it is only destroyed by Retire.
type Adapter struct {
	logger   *slog.Logger
	device   Device
	commands CommandRecorder

	memoryTypeIndex        int
	stagingMemoryTypeIndex int
	allocationCallbacks    *driver.AllocationCallbacks

	mutex       utils.OptionalMutex
	liveBuffers int
	liveBytes   uint64
	retired     []retiredResource
}

var _ arena.Device = &Adapter{}

func New(logger *slog.Logger, device Device, commands CommandRecorder, options CreateOptions) (*Adapter, error) {
	if device == nil {
		return nil, memutils.UsageErrorf("attempted to create a vulkan adapter without a device")
	}
	if commands == nil {
		return nil, memutils.UsageErrorf("attempted to create a vulkan adapter without a command recorder")
	}
	if options.MemoryTypeIndex < 0 || options.MemoryTypeIndex >= 32 {
		return nil, memutils.UsageErrorf("memory type index %d is out of range", options.MemoryTypeIndex)
	}
	if options.StagingMemoryTypeIndex < 0 || options.StagingMemoryTypeIndex >= 32 {
		return nil, memutils.UsageErrorf("staging memory type index %d is out of range", options.StagingMemoryTypeIndex)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Adapter{
		logger:                 logger,
		device:                 device,
		commands:               commands,
		memoryTypeIndex:        options.MemoryTypeIndex,
		stagingMemoryTypeIndex: options.StagingMemoryTypeIndex,
		allocationCallbacks:    options.AllocationCallbacks,
		mutex:                  utils.OptionalMutex{UseMutex: !options.ExternallySynchronized},
	}, nil
}

// UsageFlags converts an arena buffer usage into vulkan buffer usage flags. Every arena buffer can be
// both the source and destination of a copy, because resizes move data between them.
func UsageFlags(usage arena.BufferUsage) core1_0.BufferUsageFlags {
	if usage&arena.BufferUsageStaging != 0 {
		return core1_0.BufferUsageTransferSrc
	}

	flags := core1_0.BufferUsageTransferSrc | core1_0.BufferUsageTransferDst
	if usage&arena.BufferUsageVertex != 0 {
		flags |= core1_0.BufferUsageVertexBuffer
	}
	if usage&arena.BufferUsageIndex != 0 {
		flags |= core1_0.BufferUsageIndexBuffer
	}
	if usage&arena.BufferUsageStorage != 0 {
		flags |= core1_0.BufferUsageStorageBuffer
	}

	return flags
}

func (a *Adapter) resolve(buffer arena.Buffer) (*Buffer, error) {
	vulkanBuffer, ok := buffer.(*Buffer)
	if !ok || vulkanBuffer == nil || vulkanBuffer.owner != a {
		return nil, memutils.UsageErrorf("buffer %T was not created by this vulkan adapter", buffer)
	}

	return vulkanBuffer, nil
}

func (a *Adapter) CreateBuffer() (arena.Buffer, error) {
	return &Buffer{owner: a}, nil
}

// release detaches the buffer's storage and queues it for Retire
func (a *Adapter) release(buffer *Buffer) {
	if buffer.buffer == nil && buffer.memory == nil {
		return
	}

	a.retired = append(a.retired, retiredResource{buffer: buffer.buffer, memory: buffer.memory})
	if buffer.memory != nil {
		a.liveBuffers--
		a.liveBytes -= buffer.size
	}

	buffer.buffer = nil
	buffer.memory = nil
	buffer.size = 0
}

// AllocateStorage creates a new VkBuffer of the requested size, allocates dedicated memory for it, and
// binds the two together. The buffer's previous VkBuffer and memory are destroyed by the next Retire.
func (a *Adapter) AllocateStorage(buffer arena.Buffer, size uint64, usage arena.BufferUsage) error {
	err := memutils.CheckBufferBytes(size)
	if err != nil {
		return err
	}
	if size == 0 {
		return memutils.UsageErrorf("attempted to allocate an empty vulkan buffer")
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	target, err := a.resolve(buffer)
	if err != nil {
		return err
	}

	a.release(target)

	memoryTypeIndex := a.memoryTypeIndex
	if usage&arena.BufferUsageStaging != 0 {
		memoryTypeIndex = a.stagingMemoryTypeIndex
	}

	vkBuffer, res, err := a.device.CreateBuffer(a.allocationCallbacks, core1_0.BufferCreateInfo{
		Size:        int(size),
		Usage:       UsageFlags(usage),
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to create vulkan buffer of %d bytes (%s)", size, res)
	}

	requirements := vkBuffer.MemoryRequirements()
	if requirements.MemoryTypeBits&(1<<uint(memoryTypeIndex)) == 0 {
		vkBuffer.Destroy(a.allocationCallbacks)
		return errors.Newf("memory type %d cannot back a buffer with usage %s (allowed types %#x)",
			memoryTypeIndex, usage, requirements.MemoryTypeBits)
	}

	memory, res, err := a.device.AllocateMemory(a.allocationCallbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		vkBuffer.Destroy(a.allocationCallbacks)
		return errors.Wrapf(err, "failed to allocate %d bytes of device memory (%s)", requirements.Size, res)
	}

	res, err = vkBuffer.BindBufferMemory(memory, 0)
	if err != nil {
		vkBuffer.Destroy(a.allocationCallbacks)
		memory.Free(a.allocationCallbacks)
		return errors.Wrapf(err, "failed to bind buffer memory (%s)", res)
	}

	target.buffer = vkBuffer
	target.memory = memory
	target.size = size
	target.usage = usage
	a.liveBuffers++
	a.liveBytes += size

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "VulkanAdapter::AllocateStorage",
		slog.Uint64("Size", size),
		slog.Int("MemorySize", requirements.Size),
		slog.Int("MemoryTypeIndex", memoryTypeIndex),
		slog.String("Usage", usage.String()),
	)

	return nil
}

// CopyBufferSubData records a buffer copy into the adapter's command recorder
func (a *Adapter) CopyBufferSubData(src, dst arena.Buffer, readOffset, writeOffset, size uint64) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	source, err := a.resolve(src)
	if err != nil {
		return errors.Wrap(err, "copy source")
	}
	destination, err := a.resolve(dst)
	if err != nil {
		return errors.Wrap(err, "copy destination")
	}
	if source.buffer == nil || destination.buffer == nil {
		return memutils.UsageErrorf("attempted to copy between buffers without storage")
	}

	if readOffset+size < readOffset || readOffset+size > source.size {
		return errors.Mark(errors.Newf("copy source range [%d, +%d) exceeds buffer of %d bytes", readOffset, size, source.size), memutils.ErrOutOfRange)
	}
	if writeOffset+size < writeOffset || writeOffset+size > destination.size {
		return errors.Mark(errors.Newf("copy destination range [%d, +%d) exceeds buffer of %d bytes", writeOffset, size, destination.size), memutils.ErrOutOfRange)
	}
	if size == 0 {
		return nil
	}

	return a.commands.CmdCopyBuffer(source.buffer, destination.buffer, []core1_0.BufferCopy{
		{
			SrcOffset: int(readOffset),
			DstOffset: int(writeOffset),
			Size:      int(size),
		},
	})
}

// DeleteBuffer detaches the buffer's storage. The VkBuffer and its memory are destroyed by the next Retire.
func (a *Adapter) DeleteBuffer(buffer arena.Buffer) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	target, err := a.resolve(buffer)
	if err != nil {
		return err
	}

	a.release(target)
	return nil
}

// WriteBuffer maps a staging buffer's memory and copies data into it
func (a *Adapter) WriteBuffer(buffer arena.Buffer, offset uint64, data []byte) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	target, err := a.resolve(buffer)
	if err != nil {
		return err
	}
	if target.usage&arena.BufferUsageStaging == 0 {
		return memutils.UsageErrorf("attempted to write from the host into a buffer with usage %s", target.usage)
	}
	if offset+uint64(len(data)) < offset || offset+uint64(len(data)) > target.size {
		return errors.Mark(errors.Newf("write range [%d, +%d) exceeds buffer of %d bytes", offset, len(data), target.size), memutils.ErrOutOfRange)
	}
	if len(data) == 0 {
		return nil
	}

	ptr, res, err := target.memory.Map(int(offset), len(data), 0)
	if err != nil {
		return errors.Wrapf(err, "failed to map staging memory (%s)", res)
	}
	defer target.memory.Unmap()

	copy(unsafe.Slice((*byte)(ptr), len(data)), data)
	return nil
}

// Retire destroys every VkBuffer and frees every allocation released since the last call. Call it once
// all command buffers recorded before the call have finished executing.
func (a *Adapter) Retire() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if len(a.retired) == 0 {
		return
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "VulkanAdapter::Retire",
		slog.Int("Resources", len(a.retired)),
	)

	for i, resource := range a.retired {
		if resource.buffer != nil {
			resource.buffer.Destroy(a.allocationCallbacks)
		}
		if resource.memory != nil {
			resource.memory.Free(a.allocationCallbacks)
		}
		a.retired[i] = retiredResource{}
	}
	a.retired = a.retired[:0]
}

// PendingRetirements returns the number of released buffers waiting for Retire
func (a *Adapter) PendingRetirements() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return len(a.retired)
}

// LiveBuffers returns the number of buffers that currently own device memory
func (a *Adapter) LiveBuffers() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.liveBuffers
}

func (a *Adapter) LiveBytes() uint64 {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.liveBytes
}
