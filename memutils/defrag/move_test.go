package defrag_test

import (
	"math"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/bufferarena/memutils/defrag"
	"github.com/vkngwrapper/bufferarena/memutils/metadata"
)

func TestBuildTransferListMergesContiguousRuns(t *testing.T) {
	commands := defrag.BuildTransferList([]metadata.Relocation{
		{ReadOffset: 10, WriteOffset: 50, Length: 5},
		{ReadOffset: 15, WriteOffset: 55, Length: 3},
		{ReadOffset: 30, WriteOffset: 58, Length: 2},
		{ReadOffset: 32, WriteOffset: 60, Length: 4},
	})

	require.Equal(t, []defrag.CopyCommand{
		{ReadOffset: 10, WriteOffset: 50, Length: 8},
		{ReadOffset: 30, WriteOffset: 58, Length: 6},
	}, commands)
}

func TestBuildTransferListSkipsEmpty(t *testing.T) {
	commands := defrag.BuildTransferList([]metadata.Relocation{
		{ReadOffset: 0, WriteOffset: 4, Length: 0},
		{ReadOffset: 0, WriteOffset: 4, Length: 2},
	})

	require.Equal(t, []defrag.CopyCommand{
		{ReadOffset: 0, WriteOffset: 4, Length: 2},
	}, commands)

	require.Empty(t, defrag.BuildTransferList(nil))
}

func TestBuildTransferListFromCompaction(t *testing.T) {
	list := metadata.NewSegmentList()
	require.NoError(t, list.Init(100))

	// Two adjacent live segments, a gap, then a third
	var handles []metadata.SegmentHandle
	for _, size := range []uint32{10, 5, 10, 5} {
		handle, success, err := list.Allocate(size)
		require.NoError(t, err)
		require.True(t, success)
		handles = append(handles, handle)
	}
	require.NoError(t, list.Free(handles[1]))

	relocations, err := list.Compact(200)
	require.NoError(t, err)
	require.Len(t, relocations, 3)

	commands := defrag.BuildTransferList(relocations)
	require.Equal(t, []defrag.CopyCommand{
		{ReadOffset: 70, WriteOffset: 175, Length: 15},
		{ReadOffset: 90, WriteOffset: 190, Length: 10},
	}, commands)
}

func TestCopyCommandBytes(t *testing.T) {
	command := defrag.CopyCommand{ReadOffset: 3, WriteOffset: 7, Length: 2}

	readOffset, writeOffset, size, err := command.ByteRange(12)
	require.NoError(t, err)
	require.Equal(t, uint64(36), readOffset)
	require.Equal(t, uint64(84), writeOffset)
	require.Equal(t, uint64(24), size)

	huge := defrag.CopyCommand{ReadOffset: math.MaxUint32, WriteOffset: 0, Length: 1}
	bytes, err := huge.ReadBytes(math.MaxUint32)
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint32)*uint64(math.MaxUint32), bytes)
}

func TestStats(t *testing.T) {
	var stats defrag.Stats
	stats.AddPass(
		[]metadata.Relocation{{Length: 2}, {Length: 3}},
		[]defrag.CopyCommand{{Length: 5}},
		4,
	)

	var total defrag.Stats
	total.Add(stats)
	total.Add(stats)

	require.Equal(t, defrag.Stats{
		Resizes:       2,
		CopyCommands:  2,
		SegmentsMoved: 4,
		ElementsMoved: 10,
		BytesMoved:    40,
	}, total)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	total.PrintJson(&obj)
	obj.End()

	require.JSONEq(t, `{"Resizes":2,"CopyCommands":2,"SegmentsMoved":4,"ElementsMoved":10,"BytesMoved":40}`, string(writer.Bytes()))
}
