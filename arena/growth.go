package arena

import "github.com/vkngwrapper/bufferarena/memutils"

const (
	// DefaultAverageSegmentThreshold is the projected segment count at which AdaptiveGrowth switches from
	// flat growth to the average-segment-size model
	DefaultAverageSegmentThreshold = 16
	// DefaultGrowthFactor is the margin AdaptiveGrowth applies on top of the capacity it computes
	DefaultGrowthFactor = 1.5
)

// GrowthState describes an arena and the backlog of uploads it could not admit
type GrowthState struct {
	// Used is the number of elements held by live segments
	Used uint64
	// Capacity is the arena's current capacity in elements
	Capacity uint64
	// SegmentCount is the number of live segments
	SegmentCount uint32
	// PendingElements is the number of elements in the backlog
	PendingElements uint64
	// PendingSegments is the number of requests in the backlog
	PendingSegments int
}

// RequiredElements is the smallest capacity that can hold every live segment and the whole backlog
func (s GrowthState) RequiredElements() uint64 {
	return s.Used + s.PendingElements
}

// ProjectedSegments is the number of live segments the arena will hold once the backlog is admitted
func (s GrowthState) ProjectedSegments() uint64 {
	return uint64(s.SegmentCount) + uint64(s.PendingSegments)
}

// GrowthPolicy decides the capacity, in elements, an arena resizes to when an upload batch does not fit
type GrowthPolicy interface {
	EstimateNewCapacity(state GrowthState) uint64
}

// AdaptiveGrowth is the default GrowthPolicy. When few segments are projected, the average segment size
// is too noisy to be useful and the required capacity is simply scaled by Factor. Otherwise the capacity is
// the rounded-up average segment size times the projected segment count, scaled by Factor.
type AdaptiveGrowth struct {
	// AverageSegmentThreshold defaults to DefaultAverageSegmentThreshold
	AverageSegmentThreshold int
	// Factor defaults to DefaultGrowthFactor
	Factor float64
}

func (g AdaptiveGrowth) EstimateNewCapacity(state GrowthState) uint64 {
	threshold := g.AverageSegmentThreshold
	if threshold <= 0 {
		threshold = DefaultAverageSegmentThreshold
	}

	factor := g.Factor
	if factor <= 0 {
		factor = DefaultGrowthFactor
	}

	required := state.RequiredElements()
	projected := state.ProjectedSegments()

	if projected >= uint64(threshold) {
		averageSize := required/projected + 1
		return memutils.ScaleFloor(averageSize*projected, factor)
	}

	return memutils.ScaleFloor(required, factor)
}
