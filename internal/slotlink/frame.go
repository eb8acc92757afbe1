package slotlink

import (
	"errors"
	"fmt"
)

const (
	// NumSlots is the number of logical slots multiplexed onto the link.
	NumSlots = 16
	// SlotDataSize is the capacity of a slot's payload buffer.
	SlotDataSize = 16
	// MaxSlotPayload is the largest payload the one-byte slot header can
	// describe: the size lives in the header's low nibble.
	MaxSlotPayload = 15
)

// ErrMalformedFrame is set in Error when a received frame carried a slot
// header whose size ran past the end of the frame.
const ErrMalformedFrame uint32 = 1 << 1

var errTruncatedSlot = errors.New("slot payload runs past frame end")

// Slot is one logical channel's transmit state: the payload, the priority
// mask selecting which frames may carry it, and the age in frames since it
// was last emitted.
type Slot struct {
	// Priority is a bitmask over priority phases; bit k set means the slot
	// is eligible on frames whose phase equals k. Zero never emits,
	// 0xFFFFFFFF emits every frame subject to space.
	Priority uint32
	Size     uint8
	// Age counts frames since last emission and resets to zero on emission.
	Age  uint32
	Data [SlotDataSize]byte
}

func (s *Slot) payload() []byte {
	return s.Data[:s.Size]
}

// appendSlot encodes one slot into the frame: a header byte holding the slot
// index in the high nibble and the size in the low nibble, then the payload.
// The caller has already checked that the encoded form fits.
func appendSlot(frame []byte, index int, s *Slot) []byte {
	frame = append(frame, byte(index<<4)|s.Size)
	return append(frame, s.payload()...)
}

// parseFrame walks a received frame as (header, payload) pairs and calls
// visit for each well-formed slot. A header whose size exceeds the remaining
// bytes aborts the walk; slots decoded before that point stand.
func parseFrame(data []byte, visit func(index int, payload []byte)) error {
	for len(data) > 0 {
		header := data[0]
		index := int(header >> 4)
		size := int(header & 0x0F)
		data = data[1:]

		if size > len(data) {
			return fmt.Errorf("slot %d size %d: %w", index, size, errTruncatedSlot)
		}
		visit(index, data[:size])
		data = data[size:]
	}
	return nil
}
