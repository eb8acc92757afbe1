package slotlink

import "testing"

func TestShockburstAddressKnownID(t *testing.T) {
	addr := ShockburstAddress(0x30251023)

	// Worked out by hand from the derivation rules: byte 0 is 0xC0 | low
	// nibble; bytes 1..4 take the id at shifts 4/11/18/25 (low bytes 0x02,
	// 0xA2, 0x09, 0x18), clear bit 0 and set it to the inverse of bit 1.
	want := [5]byte{0xC3, 0x02, 0xA2, 0x09, 0x19}
	for k, wantByte := range want {
		if got := byte(addr >> (8 * uint(k))); got != wantByte {
			t.Fatalf("byte %d = %#02x, want %#02x", k, got, wantByte)
		}
	}
	if addr != 0x1909A202C3 {
		t.Fatalf("address = %#x, want 0x1909a202c3", addr)
	}
}

func TestShockburstAddressProperties(t *testing.T) {
	ids := []uint32{0, 1, 0x30251023, 0xFFFFFFFF, 0xDEADBEEF, 0x00000F0F, 0x12345678}
	for _, id := range ids {
		addr := ShockburstAddress(id)

		if hi := byte(addr) >> 4; hi != 0xC {
			t.Errorf("id %#08x: byte 0 high nibble = %#x, want 0xc", id, hi)
		}
		if addr>>40 != 0 {
			t.Errorf("id %#08x: address wider than 40 bits: %#x", id, addr)
		}
		for k := 1; k <= 4; k++ {
			b := byte(addr >> (8 * uint(k)))
			bit0 := b & 0x01
			bit1 := (b >> 1) & 0x01
			if bit0 == bit1 {
				t.Errorf("id %#08x byte %d = %#02x: low bit equals second-lowest", id, k, b)
			}
		}
	}
}
