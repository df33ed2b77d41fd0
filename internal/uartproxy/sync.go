package uartproxy

import "fmt"

// ExceptionStart is the record a re-entry BOOT reply embeds so the host can
// correlate the new session with whatever guest exception triggered it.
// Subsys additionally names the proxy-hook subsystem id for a hv_exc_proxy
// re-entry (see proxy.go's HVExcProxy); it is zero for any other re-entry
// cause.
type ExceptionStart struct {
	ELR    uint64
	FAR    uint64
	Reason uint32
	Subsys uint32
}

// syncBytes are the three bytes every frame's Pad field transmits first, in
// wire order: SyncPattern is little-endian-encoded like every other field,
// so its low 3 bytes arrive least-significant-byte first (0xFF, 0x55,
// 0xAA). ReadRequest is handed these once a rollingSync scan has already
// matched them off the wire.
var syncBytes = [3]byte{0xFF, 0x55, 0xAA}

// rollingSync is the per-device 32-bit shift register UP feeds one byte at
// a time while scanning for SyncPattern, matching once the last 3 bytes fed
// are Pad's little-endian encoding of it (least-significant byte first).
type rollingSync struct {
	window uint32
}

func (s *rollingSync) feed(b byte) bool {
	s.window = (s.window>>8 | uint32(b)<<16) & 0xFFFFFF
	return s.window == SyncPattern
}

// Await implements the cold-entry / re-entry arbitration UP performs before
// it will read a Request: on a cold entry (start == nil) it emits a BOOT
// reply on the fixed console device (device index 0), then round-robins a
// non-blocking CanRead/ReadByte poll across every registered device,
// feeding each device's own rollingSync buffer until one matches
// SyncPattern — that device becomes current_iodev. On a re-entry (start !=
// nil) it keeps current_iodev, emits a BOOT reply embedding start, and
// blocks reading only from that device until the pattern appears; an I/O
// error during that blocking read is fatal.
func (p *Proxy) Await(start *ExceptionStart) (Channel, error) {
	p.mu.Lock()
	if len(p.devices) == 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("uartproxy: no channel registered to sync on")
	}
	p.mu.Unlock()

	if start != nil {
		return p.reentryAwait(start)
	}
	return p.coldAwait()
}

func (p *Proxy) coldAwait() (Channel, error) {
	p.mu.Lock()
	fixed := p.devices[0]
	devices := append([]Channel(nil), p.devices...)
	p.mu.Unlock()

	if err := p.writeBootReply(fixed, nil); err != nil {
		return nil, err
	}

	bufs := make([]rollingSync, len(devices))
	for {
		for i, dev := range devices {
			ready, err := dev.CanRead()
			if err != nil || !ready {
				continue
			}
			b, err := dev.ReadByte()
			if err != nil {
				continue
			}
			if bufs[i].feed(b) {
				p.mu.Lock()
				p.current = i
				p.mu.Unlock()
				return dev, nil
			}
		}
	}
}

func (p *Proxy) reentryAwait(start *ExceptionStart) (Channel, error) {
	p.mu.Lock()
	dev := p.devices[p.current%len(p.devices)]
	p.mu.Unlock()

	if err := p.writeBootReply(dev, start); err != nil {
		return nil, err
	}

	if err := syncOnDevice(dev); err != nil {
		return nil, fmt.Errorf("uartproxy: fatal re-entry read: %w", err)
	}
	return dev, nil
}

// syncOnDevice blocks reading single bytes from dev until SyncPattern
// reappears, the same scan reentryAwait performs for its initial lock and
// Serve performs again before every request after the first.
func syncOnDevice(dev Channel) error {
	var buf rollingSync
	for {
		b, err := dev.ReadByte()
		if err != nil {
			return err
		}
		if buf.feed(b) {
			return nil
		}
	}
}

// writeBootReply frames and writes a BOOT reply to ch, embedding start's
// fields in the reply payload when present (a re-entry); a nil start
// produces a zeroed payload (a cold entry has nothing to embed).
func (p *Proxy) writeBootReply(ch Channel, start *ExceptionStart) error {
	var payload [replyPayloadSize]byte
	if start != nil {
		putU32(payload[0:4], uint32(start.ELR))
		putU32(payload[4:8], uint32(start.ELR>>32))
		putU32(payload[8:12], uint32(start.FAR))
		putU32(payload[12:16], uint32(start.FAR>>32))
		putU32(payload[16:20], start.Reason)
		putU32(payload[20:24], start.Subsys)
	}
	reply := okReply(ReqBOOT, payload[:])
	return writeFrame(ch, reply.MarshalBinary())
}

// ReadRequest reads the remaining 61 bytes of a Request frame from ch,
// given that the 3 sync-pattern bytes already consumed by Await are the
// low 3 bytes of the frame's Pad field, and reconstructs the full 64-byte
// frame before unmarshaling it.
func ReadRequest(ch Channel, syncLow3 [3]byte) (Request, error) {
	var buf [RequestSize]byte
	buf[0], buf[1], buf[2] = syncLow3[0], syncLow3[1], syncLow3[2]
	for i := 3; i < RequestSize; i++ {
		b, err := ch.ReadByte()
		if err != nil {
			return Request{}, fmt.Errorf("uartproxy: read request byte %d: %w", i, err)
		}
		buf[i] = b
	}
	return UnmarshalRequest(buf[:])
}
