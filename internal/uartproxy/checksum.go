package uartproxy

// Checksum is the streaming algorithm every framed message is checksummed
// with: state starts at 0xDEADBEEF, each byte is XORed with 0x5A and
// folded in by a multiply-add, and the final state is XORed with
// 0xADDEDBAD to produce the wire checksum. Running it incrementally (via
// Add) lets both ends checksum a frame as they stream it, rather than
// buffering the whole thing first.
type Checksum struct {
	state uint32
}

// NewChecksum returns a Checksum ready to accumulate bytes.
func NewChecksum() *Checksum {
	return &Checksum{state: 0xDEADBEEF}
}

// Add folds one byte into the running checksum.
func (c *Checksum) Add(b byte) {
	c.state = c.state*31337 + uint32(b^0x5A)
}

// AddBytes folds a whole slice in order.
func (c *Checksum) AddBytes(data []byte) {
	for _, b := range data {
		c.Add(b)
	}
}

// Finish returns the final checksum value. The Checksum must not be reused
// afterward for a new message.
func (c *Checksum) Finish() uint32 {
	return c.state ^ 0xADDEDBAD
}

// Sum computes the checksum of data in one call.
func Sum(data []byte) uint32 {
	c := NewChecksum()
	c.AddBytes(data)
	return c.Finish()
}
