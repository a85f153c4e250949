package defrag

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/bufferarena/memutils/metadata"
)

// Stats contains basic metrics for arena compaction over time
type Stats struct {
	// Resizes is the number of times an arena has been moved to a new device buffer
	Resizes int
	// CopyCommands is the number of device copies issued while moving data
	CopyCommands int
	// SegmentsMoved is the number of live segments that were relocated
	SegmentsMoved int
	// ElementsMoved is the number of elements copied between device buffers
	ElementsMoved uint64
	// BytesMoved is the number of bytes copied between device buffers
	BytesMoved uint64
}

func (s *Stats) Add(stats Stats) {
	s.Resizes += stats.Resizes
	s.CopyCommands += stats.CopyCommands
	s.SegmentsMoved += stats.SegmentsMoved
	s.ElementsMoved += stats.ElementsMoved
	s.BytesMoved += stats.BytesMoved
}

// AddPass records a single compaction: the relocations it performed and the copies that carried them out
func (s *Stats) AddPass(relocations []metadata.Relocation, commands []CopyCommand, stride uint32) {
	s.Resizes++
	s.SegmentsMoved += len(relocations)
	s.CopyCommands += len(commands)

	for _, command := range commands {
		s.ElementsMoved += uint64(command.Length)
		s.BytesMoved += uint64(command.Length) * uint64(stride)
	}
}

func (s *Stats) PrintJson(json *jwriter.ObjectState) {
	json.Name("Resizes").Int(s.Resizes)
	json.Name("CopyCommands").Int(s.CopyCommands)
	json.Name("SegmentsMoved").Int(s.SegmentsMoved)
	json.Name("ElementsMoved").Float64(float64(s.ElementsMoved))
	json.Name("BytesMoved").Float64(float64(s.BytesMoved))
}
