package memutils

import "math"

// Statistics is a running total of device buffers and the live segments placed within them
type Statistics struct {
	BufferCount  int
	SegmentCount int
	BufferBytes  uint64
	SegmentBytes uint64
}

func (s *Statistics) Clear() {
	s.BufferCount = 0
	s.SegmentCount = 0
	s.BufferBytes = 0
	s.SegmentBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BufferCount += other.BufferCount
	s.SegmentCount += other.SegmentCount
	s.BufferBytes += other.BufferBytes
	s.SegmentBytes += other.SegmentBytes
}

// DetailedStatistics extends Statistics with the size spread of live segments and free ranges.
// Call Clear before the first use so that the minimums start out at their sentinel values.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	SegmentSizeMin     uint64
	SegmentSizeMax     uint64
	UnusedRangeSizeMin uint64
	UnusedRangeSizeMax uint64
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.UnusedRangeCount = 0
	s.SegmentSizeMin = math.MaxUint64
	s.SegmentSizeMax = 0
	s.UnusedRangeSizeMin = math.MaxUint64
	s.UnusedRangeSizeMax = 0
}

func (s *DetailedStatistics) AddUnusedRange(size uint64) {
	s.UnusedRangeCount++

	if size < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = size
	}

	if size > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = size
	}
}

func (s *DetailedStatistics) AddSegment(size uint64) {
	s.SegmentCount++
	s.SegmentBytes += size

	if size < s.SegmentSizeMin {
		s.SegmentSizeMin = size
	}

	if size > s.SegmentSizeMax {
		s.SegmentSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount

	if other.UnusedRangeSizeMin < s.UnusedRangeSizeMin {
		s.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}

	if other.UnusedRangeSizeMax > s.UnusedRangeSizeMax {
		s.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}

	if other.SegmentSizeMin < s.SegmentSizeMin {
		s.SegmentSizeMin = other.SegmentSizeMin
	}

	if other.SegmentSizeMax > s.SegmentSizeMax {
		s.SegmentSizeMax = other.SegmentSizeMax
	}
}
