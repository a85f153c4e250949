package defrag

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/bufferarena/memutils"
	"github.com/vkngwrapper/bufferarena/memutils/metadata"
)

// CopyCommand describes one contiguous device-to-device copy produced while relocating segments from
// an old arena buffer into a new one. Offsets and Length are measured in elements.
type CopyCommand struct {
	ReadOffset  uint32
	WriteOffset uint32
	Length      uint32
}

func (c CopyCommand) readEnd() uint64 {
	return uint64(c.ReadOffset) + uint64(c.Length)
}

func (c CopyCommand) writeEnd() uint64 {
	return uint64(c.WriteOffset) + uint64(c.Length)
}

// ReadBytes returns the byte offset this command reads from in the source buffer
func (c CopyCommand) ReadBytes(stride uint32) (uint64, error) {
	return memutils.MulBytes(uint64(c.ReadOffset), stride)
}

// WriteBytes returns the byte offset this command writes to in the destination buffer
func (c CopyCommand) WriteBytes(stride uint32) (uint64, error) {
	return memutils.MulBytes(uint64(c.WriteOffset), stride)
}

// LengthBytes returns the number of bytes this command copies
func (c CopyCommand) LengthBytes(stride uint32) (uint64, error) {
	return memutils.MulBytes(uint64(c.Length), stride)
}

// ByteRange converts the command to byte units in one step
func (c CopyCommand) ByteRange(stride uint32) (readOffset, writeOffset, size uint64, err error) {
	readOffset, err = c.ReadBytes(stride)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "copy read offset")
	}

	writeOffset, err = c.WriteBytes(stride)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "copy write offset")
	}

	size, err = c.LengthBytes(stride)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "copy length")
	}

	return readOffset, writeOffset, size, nil
}

// BuildTransferList turns the relocations reported by metadata.SegmentList.Compact into the smallest
// list of copies that moves every segment. Relocations must be in offset order. A relocation whose
// source and destination both continue directly from the previous copy is folded into it, so runs of
// segments that were already adjacent move with a single copy.
func BuildTransferList(relocations []metadata.Relocation) []CopyCommand {
	commands := make([]CopyCommand, 0, len(relocations))

	for _, relocation := range relocations {
		if relocation.Length == 0 {
			continue
		}

		if len(commands) > 0 {
			last := &commands[len(commands)-1]
			if last.readEnd() == uint64(relocation.ReadOffset) && last.writeEnd() == uint64(relocation.WriteOffset) {
				last.Length += relocation.Length
				continue
			}
		}

		commands = append(commands, CopyCommand{
			ReadOffset:  relocation.ReadOffset,
			WriteOffset: relocation.WriteOffset,
			Length:      relocation.Length,
		})
	}

	return commands
}
