package metadata

// SegmentHandle identifies a single segment within a SegmentList. The low 32 bits are the index of
// the segment's record and the high 32 bits are the generation of that record, so a handle for a
// segment that has been merged away will not match a record that was later reused.
type SegmentHandle uint64

const (
	// NoSegment is never issued by a SegmentList and can be used to represent an unresolved handle
	NoSegment SegmentHandle = 0

	noLink int32 = -1
)

func makeHandle(index int32, generation uint32) SegmentHandle {
	return SegmentHandle(uint64(generation)<<32 | uint64(uint32(index)))
}

func (h SegmentHandle) index() int32 {
	return int32(uint32(h))
}

func (h SegmentHandle) generation() uint32 {
	return uint32(h >> 32)
}

type segment struct {
	offset uint32
	length uint32

	prev int32
	next int32

	generation uint32
	free       bool
	live       bool
}

func (s *segment) end() uint64 {
	return uint64(s.offset) + uint64(s.length)
}

// SegmentInfo is a snapshot of a segment's placement. Offset and Length are measured in elements.
type SegmentInfo struct {
	Handle SegmentHandle
	Offset uint32
	Length uint32
	Free   bool
}

// End returns the first element past the end of the segment
func (i SegmentInfo) End() uint64 {
	return uint64(i.Offset) + uint64(i.Length)
}

// Relocation describes where a live segment was moved to by SegmentList.Compact
type Relocation struct {
	Handle      SegmentHandle
	ReadOffset  uint32
	WriteOffset uint32
	Length      uint32
}
