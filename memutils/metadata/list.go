package metadata

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bufferarena/memutils"
)

// SegmentList manages the address space of a single arena as a doubly linked chain of segments,
// ordered by offset, with no gaps and no overlaps. Segment records live in a slice and link to
// each other by index, and records released by coalescing are recycled through a bitmap of free
// slots.
//
// All offsets and lengths are measured in elements, not bytes. SegmentList is not safe for
// concurrent use.
type SegmentList struct {
	segments []segment
	recycled *roaring.Bitmap
	head     int32

	capacity     uint64
	used         uint64
	segmentCount uint32
	freeCount    int
}

// NewSegmentList creates a SegmentList. Init must be called before it is used.
func NewSegmentList() *SegmentList {
	return &SegmentList{
		recycled: roaring.New(),
		head:     noLink,
	}
}

// Init discards every existing segment and prepares the list to manage capacity elements as a single
// free segment. capacity must be smaller than 1<<32.
func (l *SegmentList) Init(capacity uint64) error {
	capacity32, err := memutils.Downcast(capacity)
	if err != nil {
		return errors.Wrap(err, "arena capacity must be addressable with 32 bits")
	}

	if l.recycled == nil {
		l.recycled = roaring.New()
	}
	l.recycled.Clear()
	l.segments = l.segments[:0]

	l.capacity = capacity
	l.used = 0
	l.segmentCount = 0
	l.freeCount = 1
	l.head = l.newSegment(0, capacity32, true)

	return nil
}

func (l *SegmentList) newSegment(offset, length uint32, free bool) int32 {
	if !l.recycled.IsEmpty() {
		index := l.recycled.Minimum()
		l.recycled.Remove(index)

		s := &l.segments[index]
		generation := s.generation + 1
		if generation == 0 {
			generation = 1
		}

		*s = segment{
			offset:     offset,
			length:     length,
			prev:       noLink,
			next:       noLink,
			generation: generation,
			free:       free,
			live:       true,
		}
		return int32(index)
	}

	l.segments = append(l.segments, segment{
		offset:     offset,
		length:     length,
		prev:       noLink,
		next:       noLink,
		generation: 1,
		free:       free,
		live:       true,
	})
	return int32(len(l.segments) - 1)
}

func (l *SegmentList) releaseSegment(index int32) {
	s := &l.segments[index]
	s.live = false
	s.prev = noLink
	s.next = noLink
	l.recycled.Add(uint32(index))
}

func (l *SegmentList) lookup(handle SegmentHandle) (int32, *segment, error) {
	index := handle.index()
	if handle == NoSegment || index < 0 || int(index) >= len(l.segments) {
		return noLink, nil, memutils.UsageErrorf("segment handle %#x does not belong to this arena", uint64(handle))
	}

	s := &l.segments[index]
	if !s.live || s.generation != handle.generation() {
		return noLink, nil, memutils.UsageErrorf("segment handle %#x is stale: the segment has already been freed", uint64(handle))
	}

	return index, s, nil
}

// Capacity returns the number of elements managed by this list
func (l *SegmentList) Capacity() uint64 { return l.capacity }

// Used returns the number of elements covered by live segments
func (l *SegmentList) Used() uint64 { return l.used }

// SumFree returns the number of elements not covered by live segments, ignoring fragmentation
func (l *SegmentList) SumFree() uint64 { return l.capacity - l.used }

// SegmentCount returns the number of live (non-free) segments
func (l *SegmentList) SegmentCount() uint32 { return l.segmentCount }

// FreeRegionsCount returns the number of free segments in the chain
func (l *SegmentList) FreeRegionsCount() int { return l.freeCount }

// IsEmpty returns true if no segments are live
func (l *SegmentList) IsEmpty() bool { return l.used == 0 }

// Allocate claims size elements from the free segment that fits them most tightly. A free segment
// of exactly the requested size is claimed in place; otherwise the allocation is carved from the tail
// of the smallest free segment that is large enough. The boolean return is false if no free segment
// can hold the allocation, in which case the arena needs to grow.
func (l *SegmentList) Allocate(size uint32) (SegmentHandle, bool, error) {
	if size == 0 {
		return NoSegment, false, memutils.UsageErrorf("cannot allocate a zero-length segment")
	}

	best := l.findFree(size)
	if best == noLink {
		return NoSegment, false, nil
	}

	result := best
	if l.segments[best].length == size {
		// Claiming a free record in place must not revive the handle of the segment that freed it
		s := &l.segments[best]
		s.free = false
		s.generation++
		if s.generation == 0 {
			s.generation = 1
		}
		l.freeCount--
	} else {
		a := &l.segments[best]
		offset := a.offset + a.length - size
		next := a.next

		// newSegment can grow the slice, so no pointers are held across it
		result = l.newSegment(offset, size, false)

		b := &l.segments[result]
		b.prev = best
		b.next = next
		if next != noLink {
			l.segments[next].prev = result
		}

		a = &l.segments[best]
		a.length -= size
		a.next = result
	}

	l.used += uint64(size)
	l.segmentCount++

	memutils.DebugValidate(l)

	return makeHandle(result, l.segments[result].generation), true, nil
}

func (l *SegmentList) findFree(size uint32) int32 {
	best := noLink

	for index := l.head; index != noLink; index = l.segments[index].next {
		s := &l.segments[index]
		if !s.free {
			continue
		}

		if s.length == size {
			return index
		}

		if s.length > size && (best == noLink || l.segments[best].length > s.length) {
			best = index
		}
	}

	return best
}

// Free returns a live segment to the free list and coalesces it with any free neighbors. Freeing a
// segment that has already been freed is an error marked with memutils.ErrUsage.
func (l *SegmentList) Free(handle SegmentHandle) error {
	index, s, err := l.lookup(handle)
	if err != nil {
		return err
	}

	if s.free {
		return memutils.UsageErrorf("segment at offset %d has already been freed", s.offset)
	}

	s.free = true
	l.used -= uint64(s.length)
	l.segmentCount--
	l.freeCount++

	next := s.next
	if next != noLink && l.segments[next].free {
		l.mergeInto(index, next)
	}

	prev := l.segments[index].prev
	if prev != noLink && l.segments[prev].free {
		l.mergeInto(prev, index)
	}

	memutils.DebugValidate(l)

	return nil
}

// mergeInto extends target to cover absorbed, which must immediately follow it in the chain
func (l *SegmentList) mergeInto(target, absorbed int32) {
	t := &l.segments[target]
	a := &l.segments[absorbed]

	t.length += a.length
	t.next = a.next
	if t.next != noLink {
		l.segments[t.next].prev = target
	}

	l.releaseSegment(absorbed)
	l.freeCount--
}

// Segment retrieves the current placement of a segment
func (l *SegmentList) Segment(handle SegmentHandle) (SegmentInfo, error) {
	_, s, err := l.lookup(handle)
	if err != nil {
		return SegmentInfo{}, err
	}

	return SegmentInfo{
		Handle: handle,
		Offset: s.offset,
		Length: s.length,
		Free:   s.free,
	}, nil
}

// Offset retrieves the offset, in elements, of a segment
func (l *SegmentList) Offset(handle SegmentHandle) (uint32, error) {
	info, err := l.Segment(handle)
	return info.Offset, err
}

// Length retrieves the length, in elements, of a segment
func (l *SegmentList) Length(handle SegmentHandle) (uint32, error) {
	info, err := l.Segment(handle)
	return info.Length, err
}

// UsedSegments returns handles for every live segment in offset order
func (l *SegmentList) UsedSegments() []SegmentHandle {
	handles := make([]SegmentHandle, 0, l.segmentCount)

	for index := l.head; index != noLink; index = l.segments[index].next {
		s := &l.segments[index]
		if !s.free {
			handles = append(handles, makeHandle(index, s.generation))
		}
	}

	return handles
}

// VisitAllRegions calls the provided callback once for each segment in the chain, free or live, in
// offset order. Iteration stops at the first error returned by the callback.
func (l *SegmentList) VisitAllRegions(visit func(handle SegmentHandle, offset, length uint32, free bool) error) error {
	for index := l.head; index != noLink; index = l.segments[index].next {
		s := &l.segments[index]

		err := visit(makeHandle(index, s.generation), s.offset, s.length, s.free)
		if err != nil {
			return err
		}
	}

	return nil
}

// Compact repacks every live segment, in its original order, against the end of an address space of
// newCapacity elements and leaves a single free segment covering the front. Handles to live segments
// remain valid. The returned relocations list every live segment's old and new offsets in offset order.
func (l *SegmentList) Compact(newCapacity uint64) ([]Relocation, error) {
	if newCapacity < l.used {
		return nil, memutils.UsageErrorf("new capacity %d must not be smaller than the %d elements in use", newCapacity, l.used)
	}

	newCapacity32, err := memutils.Downcast(newCapacity)
	if err != nil {
		return nil, errors.Wrap(err, "arena capacity must be addressable with 32 bits")
	}

	memutils.DebugValidate(l)

	tail := newCapacity32 - uint32(l.used)
	writeOffset := tail
	relocations := make([]Relocation, 0, l.segmentCount)

	first := noLink
	last := noLink
	for index := l.head; index != noLink; {
		s := &l.segments[index]
		next := s.next

		if s.free {
			l.releaseSegment(index)
			index = next
			continue
		}

		relocations = append(relocations, Relocation{
			Handle:      makeHandle(index, s.generation),
			ReadOffset:  s.offset,
			WriteOffset: writeOffset,
			Length:      s.length,
		})

		s.offset = writeOffset
		writeOffset += s.length

		s.prev = last
		s.next = noLink
		if last != noLink {
			l.segments[last].next = index
		} else {
			first = index
		}
		last = index

		index = next
	}

	head := l.newSegment(0, tail, true)
	if first != noLink {
		l.segments[head].next = first
		l.segments[first].prev = head
	}

	l.head = head
	l.capacity = newCapacity
	l.freeCount = 1

	memutils.DebugValidate(l)

	return relocations, nil
}

// Validate walks the segment chain and returns an error marked with memutils.ErrCorruption if any
// structural invariant does not hold.
func (l *SegmentList) Validate() error {
	if l.capacity >= 1<<32 {
		return memutils.CorruptionErrorf("capacity %d is not addressable with 32 bits", l.capacity)
	}

	if l.used > l.capacity {
		return memutils.CorruptionErrorf("arena.used > arena.capacity: failure to track (used %d, capacity %d)", l.used, l.capacity)
	}

	if l.head == noLink {
		return memutils.CorruptionErrorf("the segment list has no head segment")
	}

	var expectedOffset, used uint64
	var usedCount uint32
	var freeCount, visited int
	prev := noLink
	prevFree := false

	for index := l.head; index != noLink; {
		if index < 0 || int(index) >= len(l.segments) {
			return memutils.CorruptionErrorf("segment link %d is out of bounds", index)
		}

		visited++
		if visited > len(l.segments) {
			return memutils.CorruptionErrorf("the segment chain contains a cycle")
		}

		s := &l.segments[index]
		if !s.live {
			return memutils.CorruptionErrorf("segment at offset %d was released but is still linked", s.offset)
		}

		if s.prev != prev {
			return memutils.CorruptionErrorf("segment at offset %d has a previous segment, but the reverse reference is broken", s.offset)
		}

		if uint64(s.offset) < expectedOffset {
			return memutils.CorruptionErrorf("segment.start < segment.prev.end: overlapping segments at offset %d", s.offset)
		} else if uint64(s.offset) > expectedOffset {
			return memutils.CorruptionErrorf("segment.start > segment.prev.end: gap before offset %d", s.offset)
		}

		if s.free {
			if prevFree {
				return memutils.CorruptionErrorf("segment at offset %d is free and follows a free segment: not merged", s.offset)
			}
			freeCount++
		} else {
			used += uint64(s.length)
			usedCount++
		}

		expectedOffset = s.end()
		prevFree = s.free
		prev = index
		index = s.next
	}

	if expectedOffset != l.capacity {
		return memutils.CorruptionErrorf("the last segment ends at %d, but the capacity is %d", expectedOffset, l.capacity)
	}

	if used != l.used {
		return memutils.CorruptionErrorf("arena.used is %d, but the live segments add up to %d", l.used, used)
	}

	if usedCount != l.segmentCount {
		return memutils.CorruptionErrorf("the segment count is %d, but there are %d live segments", l.segmentCount, usedCount)
	}

	if freeCount != l.freeCount {
		return memutils.CorruptionErrorf("the free region count is %d, but there are %d free segments", l.freeCount, freeCount)
	}

	if uint64(visited)+l.recycled.GetCardinality() != uint64(len(l.segments)) {
		return memutils.CorruptionErrorf("%d segment records are linked and %d are recycled, but %d exist", visited, l.recycled.GetCardinality(), len(l.segments))
	}

	return nil
}

// AddStatistics sums this list's usage into stats, converting elements to bytes with stride
func (l *SegmentList) AddStatistics(stats *memutils.Statistics, stride uint32) {
	stats.SegmentCount += int(l.segmentCount)
	stats.SegmentBytes += l.used * uint64(stride)
}

// AddDetailedStatistics sums every segment in this list into stats, converting elements to bytes with stride
func (l *SegmentList) AddDetailedStatistics(stats *memutils.DetailedStatistics, stride uint32) {
	for index := l.head; index != noLink; index = l.segments[index].next {
		s := &l.segments[index]
		size := uint64(s.length) * uint64(stride)

		if s.free {
			if s.length > 0 {
				stats.AddUnusedRange(size)
			}
		} else {
			stats.AddSegment(size)
		}
	}
}

// PrintDetailedMap writes a header describing this list, followed by a "Segments" array listing
// every segment in offset order
func (l *SegmentList) PrintDetailedMap(json *jwriter.ObjectState, stride uint32) {
	json.Name("TotalBytes").Int(int(l.capacity * uint64(stride)))
	json.Name("UnusedBytes").Int(int(l.SumFree() * uint64(stride)))
	json.Name("Segments").Int(int(l.segmentCount))
	json.Name("UnusedRanges").Int(l.freeCount)

	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	for index := l.head; index != noLink; index = l.segments[index].next {
		s := &l.segments[index]

		obj := arrayState.Object()
		obj.Name("Offset").Int(int(s.offset))
		obj.Name("Length").Int(int(s.length))
		if s.free {
			obj.Name("Type").String("FREE")
		} else {
			obj.Name("Type").String("USED")
		}
		obj.End()
	}
}
