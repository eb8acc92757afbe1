package slotlink

import (
	"bytes"
	"testing"
)

func TestAppendSlotEncoding(t *testing.T) {
	s := Slot{Size: 4}
	copy(s.Data[:], []byte{0xDE, 0xAD, 0xBE, 0xEF})

	frame := appendSlot(nil, 3, &s)
	want := []byte{0x34, 0xDE, 0xAD, 0xBE, 0xEF}
	if !bytes.Equal(frame, want) {
		t.Fatalf("frame = %x, want %x", frame, want)
	}
}

func TestParseFrameRoundTrip(t *testing.T) {
	type entry struct {
		index   int
		payload []byte
	}
	tests := []struct {
		name    string
		entries []entry
	}{
		{"single", []entry{{3, []byte{0xDE, 0xAD, 0xBE, 0xEF}}}},
		{"empty payload", []entry{{7, nil}}},
		{"several", []entry{
			{0, []byte{1}},
			{15, []byte{2, 3}},
			{9, []byte{4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18}},
		}},
		{"empty frame", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var frame []byte
			for _, e := range tt.entries {
				s := Slot{Size: uint8(len(e.payload))}
				copy(s.Data[:], e.payload)
				frame = appendSlot(frame, e.index, &s)
			}

			var got []entry
			err := parseFrame(frame, func(index int, payload []byte) {
				got = append(got, entry{index, append([]byte(nil), payload...)})
			})
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(got) != len(tt.entries) {
				t.Fatalf("decoded %d slots, want %d", len(got), len(tt.entries))
			}
			for i, e := range tt.entries {
				if got[i].index != e.index || !bytes.Equal(got[i].payload, e.payload) {
					t.Fatalf("slot %d = (%d, %x), want (%d, %x)",
						i, got[i].index, got[i].payload, e.index, e.payload)
				}
			}
		})
	}
}

func TestParseFrameTruncatedSlot(t *testing.T) {
	// Slot 2 claims 5 bytes but only 2 remain.
	frame := []byte{0x11, 0xAA, 0x25, 0x01, 0x02}

	var decoded []int
	err := parseFrame(frame, func(index int, payload []byte) {
		decoded = append(decoded, index)
	})
	if err == nil {
		t.Fatalf("truncated slot not reported")
	}
	// The slot before the damage still decodes.
	if len(decoded) != 1 || decoded[0] != 1 {
		t.Fatalf("decoded slots = %v, want [1]", decoded)
	}
}
