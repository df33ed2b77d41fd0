package uartproxy

import "testing"

func TestChecksumDeterministic(t *testing.T) {
	data := []byte("hello stage-2")
	a := Sum(data)
	b := Sum(data)
	if a != b {
		t.Fatalf("checksum not deterministic: %x != %x", a, b)
	}
}

func TestChecksumDetectsCorruption(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5}
	good := Sum(data)
	data[2] ^= 0xff
	if Sum(data) == good {
		t.Fatalf("checksum did not change after corrupting a byte")
	}
}

func TestChecksumIncrementalMatchesOneShot(t *testing.T) {
	data := []byte{0xAA, 0x55, 0xFF, 0x00, 0x10, 0x20}
	c := NewChecksum()
	for _, b := range data[:3] {
		c.Add(b)
	}
	for _, b := range data[3:] {
		c.Add(b)
	}
	if c.Finish() != Sum(data) {
		t.Fatalf("incremental checksum diverged from one-shot Sum")
	}
}
