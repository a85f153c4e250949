package vulkan_test

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bufferarena/arena"
	"github.com/vkngwrapper/bufferarena/device/vulkan"
	"github.com/vkngwrapper/bufferarena/memutils"
	"github.com/vkngwrapper/bufferarena/staging"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
)

type fakeBuffer struct {
	core1_0.Buffer

	info      core1_0.BufferCreateInfo
	memory    core1_0.DeviceMemory
	destroyed bool
}

func (b *fakeBuffer) MemoryRequirements() *core1_0.MemoryRequirements {
	return &core1_0.MemoryRequirements{
		Size:           (b.info.Size + 255) &^ 255,
		Alignment:      256,
		MemoryTypeBits: 0b0011,
	}
}

func (b *fakeBuffer) BindBufferMemory(memory core1_0.DeviceMemory, offset int) (common.VkResult, error) {
	b.memory = memory
	return core1_0.VKSuccess, nil
}

func (b *fakeBuffer) Destroy(callbacks *driver.AllocationCallbacks) {
	b.destroyed = true
}

type fakeMemory struct {
	core1_0.DeviceMemory

	info   core1_0.MemoryAllocateInfo
	data   []byte
	mapped bool
	freed  bool
}

func (m *fakeMemory) Map(offset int, size int, flags core1_0.MemoryMapFlags) (unsafe.Pointer, common.VkResult, error) {
	m.mapped = true
	return unsafe.Pointer(&m.data[offset]), core1_0.VKSuccess, nil
}

func (m *fakeMemory) Unmap() {
	m.mapped = false
}

func (m *fakeMemory) Free(callbacks *driver.AllocationCallbacks) {
	m.freed = true
}

type fakeDevice struct {
	buffers     []*fakeBuffer
	memories    []*fakeMemory
	allocateErr error
}

func (d *fakeDevice) CreateBuffer(callbacks *driver.AllocationCallbacks, o core1_0.BufferCreateInfo) (core1_0.Buffer, common.VkResult, error) {
	buffer := &fakeBuffer{info: o}
	d.buffers = append(d.buffers, buffer)
	return buffer, core1_0.VKSuccess, nil
}

func (d *fakeDevice) AllocateMemory(callbacks *driver.AllocationCallbacks, o core1_0.MemoryAllocateInfo) (core1_0.DeviceMemory, common.VkResult, error) {
	if d.allocateErr != nil {
		return nil, core1_0.VKErrorOutOfDeviceMemory, d.allocateErr
	}

	memory := &fakeMemory{info: o, data: make([]byte, o.AllocationSize)}
	d.memories = append(d.memories, memory)
	return memory, core1_0.VKSuccess, nil
}

type copyCall struct {
	src, dst core1_0.Buffer
	regions  []core1_0.BufferCopy
}

type fakeRecorder struct {
	copies []copyCall
}

func (r *fakeRecorder) CmdCopyBuffer(srcBuffer core1_0.Buffer, dstBuffer core1_0.Buffer, copyRegions []core1_0.BufferCopy) error {
	r.copies = append(r.copies, copyCall{src: srcBuffer, dst: dstBuffer, regions: copyRegions})
	return nil
}

func readyAdapter(t *testing.T) (*fakeDevice, *fakeRecorder, *vulkan.Adapter) {
	device := &fakeDevice{}
	recorder := &fakeRecorder{}

	adapter, err := vulkan.New(nil, device, recorder, vulkan.CreateOptions{
		MemoryTypeIndex:        0,
		StagingMemoryTypeIndex: 1,
	})
	require.NoError(t, err)

	return device, recorder, adapter
}

func TestUsageFlags(t *testing.T) {
	require.Equal(t, core1_0.BufferUsageTransferSrc, vulkan.UsageFlags(arena.BufferUsageStaging))
	require.Equal(t,
		core1_0.BufferUsageTransferSrc|core1_0.BufferUsageTransferDst|core1_0.BufferUsageVertexBuffer,
		vulkan.UsageFlags(arena.BufferUsageVertex),
	)
	require.Equal(t,
		core1_0.BufferUsageTransferSrc|core1_0.BufferUsageTransferDst|core1_0.BufferUsageIndexBuffer|core1_0.BufferUsageStorageBuffer,
		vulkan.UsageFlags(arena.BufferUsageIndex|arena.BufferUsageStorage),
	)
}

func TestAllocateStorage(t *testing.T) {
	device, _, adapter := readyAdapter(t)

	buffer, err := adapter.CreateBuffer()
	require.NoError(t, err)
	require.Equal(t, uint64(0), buffer.Size())
	require.Nil(t, buffer.(*vulkan.Buffer).VulkanBuffer())

	require.NoError(t, adapter.AllocateStorage(buffer, 1000, arena.BufferUsageVertex))
	require.Equal(t, uint64(1000), buffer.Size())
	require.Len(t, device.buffers, 1)
	require.Len(t, device.memories, 1)

	created := device.buffers[0]
	require.Equal(t, core1_0.BufferCreateInfo{
		Size:        1000,
		Usage:       vulkan.UsageFlags(arena.BufferUsageVertex),
		SharingMode: core1_0.SharingModeExclusive,
	}, created.info)
	require.Equal(t, core1_0.MemoryAllocateInfo{AllocationSize: 1024, MemoryTypeIndex: 0}, device.memories[0].info)
	require.Same(t, device.memories[0], created.memory)
	require.Same(t, created, buffer.(*vulkan.Buffer).VulkanBuffer())

	require.Equal(t, 1, adapter.LiveBuffers())
	require.Equal(t, uint64(1000), adapter.LiveBytes())

	// Reallocating replaces the vulkan buffer, but the old one lives until Retire
	require.NoError(t, adapter.AllocateStorage(buffer, 2000, arena.BufferUsageVertex))
	require.False(t, created.destroyed)
	require.False(t, device.memories[0].freed)
	require.Equal(t, 1, adapter.PendingRetirements())
	require.Equal(t, 1, adapter.LiveBuffers())
	require.Equal(t, uint64(2000), adapter.LiveBytes())

	adapter.Retire()
	require.True(t, created.destroyed)
	require.True(t, device.memories[0].freed)
	require.Equal(t, 0, adapter.PendingRetirements())

	require.NoError(t, adapter.DeleteBuffer(buffer))
	require.False(t, device.buffers[1].destroyed)
	require.Equal(t, 0, adapter.LiveBuffers())
	require.Equal(t, uint64(0), buffer.Size())
	require.Nil(t, buffer.(*vulkan.Buffer).VulkanBuffer())

	adapter.Retire()
	require.True(t, device.buffers[1].destroyed)
	require.True(t, device.memories[1].freed)

	// Deleting a buffer without storage retires nothing
	require.NoError(t, adapter.DeleteBuffer(buffer))
	require.Equal(t, 0, adapter.PendingRetirements())
}

func TestAllocateStorageErrors(t *testing.T) {
	device, _, adapter := readyAdapter(t)

	buffer, err := adapter.CreateBuffer()
	require.NoError(t, err)

	require.True(t, errors.Is(adapter.AllocateStorage(buffer, 0, arena.BufferUsageVertex), memutils.ErrUsage))
	require.True(t, errors.Is(adapter.AllocateStorage(buffer, 1<<32, arena.BufferUsageVertex), memutils.ErrOutOfRange))

	device.allocateErr = errors.New("out of device memory")
	err = adapter.AllocateStorage(buffer, 64, arena.BufferUsageVertex)
	require.ErrorContains(t, err, "out of device memory")
	require.True(t, device.buffers[0].destroyed)
	require.Equal(t, 0, adapter.LiveBuffers())

	_, _, foreign := readyAdapter(t)
	foreignBuffer, err := foreign.CreateBuffer()
	require.NoError(t, err)
	require.True(t, errors.Is(adapter.AllocateStorage(foreignBuffer, 64, arena.BufferUsageVertex), memutils.ErrUsage))
}

func TestAllocateStorageMemoryType(t *testing.T) {
	device := &fakeDevice{}
	adapter, err := vulkan.New(nil, device, &fakeRecorder{}, vulkan.CreateOptions{MemoryTypeIndex: 5})
	require.NoError(t, err)

	buffer, err := adapter.CreateBuffer()
	require.NoError(t, err)

	// The fake buffers only accept memory types 0 and 1
	err = adapter.AllocateStorage(buffer, 64, arena.BufferUsageVertex)
	require.ErrorContains(t, err, "memory type 5")
	require.True(t, device.buffers[0].destroyed)
	require.Empty(t, device.memories)

	_, err = vulkan.New(nil, device, &fakeRecorder{}, vulkan.CreateOptions{MemoryTypeIndex: 32})
	require.True(t, errors.Is(err, memutils.ErrUsage))
}

func TestCopyBufferSubData(t *testing.T) {
	device, recorder, adapter := readyAdapter(t)

	src, err := adapter.CreateBuffer()
	require.NoError(t, err)
	dst, err := adapter.CreateBuffer()
	require.NoError(t, err)

	require.True(t, errors.Is(adapter.CopyBufferSubData(src, dst, 0, 0, 4), memutils.ErrUsage))

	require.NoError(t, adapter.AllocateStorage(src, 64, arena.BufferUsageVertex))
	require.NoError(t, adapter.AllocateStorage(dst, 128, arena.BufferUsageVertex))

	require.NoError(t, adapter.CopyBufferSubData(src, dst, 16, 100, 28))
	require.Equal(t, []copyCall{
		{
			src:     device.buffers[0],
			dst:     device.buffers[1],
			regions: []core1_0.BufferCopy{{SrcOffset: 16, DstOffset: 100, Size: 28}},
		},
	}, recorder.copies)

	require.True(t, errors.Is(adapter.CopyBufferSubData(src, dst, 16, 100, 29), memutils.ErrOutOfRange))
	require.True(t, errors.Is(adapter.CopyBufferSubData(src, dst, 60, 0, 8), memutils.ErrOutOfRange))

	// Empty copies are not recorded
	require.NoError(t, adapter.CopyBufferSubData(src, dst, 0, 0, 0))
	require.Len(t, recorder.copies, 1)
}

func TestStagingThroughAdapter(t *testing.T) {
	device, recorder, adapter := readyAdapter(t)

	target, err := adapter.CreateBuffer()
	require.NoError(t, err)
	require.NoError(t, adapter.AllocateStorage(target, 256, arena.BufferUsageIndex))

	buffer, err := staging.New(nil, adapter, adapter, staging.CreateOptions{InitialSize: 64})
	require.NoError(t, err)

	// Staging buffers come from the staging memory type
	require.Equal(t, 1, device.memories[1].info.MemoryTypeIndex)
	require.Equal(t, 1, device.memories[2].info.MemoryTypeIndex)

	require.NoError(t, buffer.EnqueueCopy([]byte{1, 2, 3, 4}, target, 32))
	require.Equal(t, []byte{1, 2, 3, 4}, device.memories[1].data[:4])
	require.False(t, device.memories[1].mapped)

	require.NoError(t, buffer.Flush())
	require.Equal(t, []copyCall{
		{
			src:     device.buffers[1],
			dst:     device.buffers[0],
			regions: []core1_0.BufferCopy{{SrcOffset: 0, DstOffset: 32, Size: 4}},
		},
	}, recorder.copies)

	// Only staging buffers accept host writes
	err = adapter.WriteBuffer(target, 0, []byte{1})
	require.True(t, errors.Is(err, memutils.ErrUsage))

	require.NoError(t, buffer.Destroy())
	require.Equal(t, 1, adapter.LiveBuffers())
	require.Equal(t, 2, adapter.PendingRetirements())
}

func stagedBytes(call copyCall) []byte {
	memory := call.src.(*fakeBuffer).memory.(*fakeMemory)
	region := call.regions[0]
	return memory.data[region.SrcOffset : region.SrcOffset+region.Size]
}

func TestStagingKeepsCopySourcesUntilRetired(t *testing.T) {
	device, recorder, adapter := readyAdapter(t)

	target, err := adapter.CreateBuffer()
	require.NoError(t, err)
	require.NoError(t, adapter.AllocateStorage(target, 256, arena.BufferUsageVertex))

	buffer, err := staging.New(nil, adapter, adapter, staging.CreateOptions{InitialSize: 8})
	require.NoError(t, err)

	large := make([]byte, 20)
	for i := range large {
		large[i] = byte(100 + i)
	}

	// The second copy does not fit behind the first, and the third is larger than the whole buffer
	require.NoError(t, buffer.EnqueueCopy([]byte{1, 2, 3, 4, 5, 6}, target, 0))
	require.NoError(t, buffer.EnqueueCopy([]byte{9, 9, 9, 9}, target, 16))
	require.NoError(t, buffer.EnqueueCopy(large, target, 64))
	require.Equal(t, 2, buffer.Statistics().Grows)
	require.NoError(t, buffer.Flush())

	require.Len(t, recorder.copies, 3)
	expected := [][]byte{{1, 2, 3, 4, 5, 6}, {9, 9, 9, 9}, large}
	sources := make([]*fakeBuffer, 0, len(recorder.copies))
	for i, call := range recorder.copies {
		require.Same(t, device.buffers[0], call.dst)
		require.Equal(t, expected[i], stagedBytes(call))

		source := call.src.(*fakeBuffer)
		require.False(t, source.destroyed)
		require.False(t, source.memory.(*fakeMemory).freed)
		sources = append(sources, source)
	}
	require.Same(t, device.buffers[1], sources[0])
	require.NotSame(t, sources[0], sources[1])
	require.NotSame(t, sources[1], sources[2])

	// Two flips complete the frame the copies were recorded in, so the replaced staging buffers are
	// handed back to the adapter, which still holds them until Retire
	require.NoError(t, buffer.Flip())
	require.NoError(t, buffer.Flip())
	require.Equal(t, 2, adapter.PendingRetirements())
	for i, call := range recorder.copies {
		require.False(t, sources[i].destroyed)
		require.Equal(t, expected[i], stagedBytes(call))
	}

	adapter.Retire()
	require.True(t, sources[0].destroyed)
	require.True(t, sources[0].memory.(*fakeMemory).freed)
	require.True(t, sources[1].destroyed)
	require.True(t, sources[1].memory.(*fakeMemory).freed)
	require.False(t, sources[2].destroyed)

	// Target, the other slot, and the buffer that replaced slot 0
	require.Equal(t, 3, adapter.LiveBuffers())

	require.NoError(t, buffer.Destroy())
	adapter.Retire()
	require.True(t, sources[2].destroyed)
	require.Equal(t, 1, adapter.LiveBuffers())
}
