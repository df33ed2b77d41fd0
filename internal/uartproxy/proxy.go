package uartproxy

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyhv/bmhv/internal/cpuops"
)

// Channel is one physical transport the proxy can speak framed requests
// over (typically a single UART, but the proxy arbitrates across however
// many are registered, matching a host that multiplexes several consoles
// onto one guest-visible protocol).
type Channel interface {
	ReadByte() (byte, error)
	WriteByte(b byte) error

	// CanRead reports whether a byte is available without blocking, used
	// by the cold-entry round-robin sync scan; a re-entry scan blocks on
	// ReadByte directly instead and never calls this.
	CanRead() (bool, error)
}

// ProxyProcess is the external proxy RPC layer a validated PROXY request is
// forwarded to; it populates reply itself (Type/Status/Payload/Checksum are
// all its responsibility) and returns a next-action code: 0 continues the
// Serve loop, any other value ends it, and a negative value is additionally
// logged as an abnormal exit.
type ProxyProcess func(req Request, reply *Reply) int

// Proxy dispatches host requests against guest memory, and emits MMIOTRACE
// events back to whichever channel is currently selected.
type Proxy struct {
	mu      sync.Mutex
	devices []Channel
	current int // current_iodev: which registered channel answers next

	mem cpuops.GuestMemory

	proxyProcess ProxyProcess

	excCount int // bumped each time a guarded transfer faults
}

// New creates a Proxy dispatching guarded memory access through mem
// (nil disables MEMREAD/MEMWRITE) and forwarding PROXY requests to
// proxyProcess (nil disables PROXY).
func New(mem cpuops.GuestMemory, proxyProcess ProxyProcess) *Proxy {
	return &Proxy{mem: mem, proxyProcess: proxyProcess}
}

// AddChannel registers a new physical transport for round-robin sync
// arbitration; the first registered channel starts as current.
func (p *Proxy) AddChannel(c Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = append(p.devices, c)
}

// ExceptionCount reports how many guarded transfers have faulted since the
// Proxy was created, so a host-side caller can detect a proxy-side access
// that silently skipped over a real fault. No reply frame carries the count.
func (p *Proxy) ExceptionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.excCount
}

// currentChannel returns current_iodev — the device Await last bound,
// either by winning the cold-entry sync race or by being kept across a
// re-entry. It never advances p.current itself: only Await's sync scan
// changes which device is current.
func (p *Proxy) currentChannel() Channel {
	if len(p.devices) == 0 {
		return nil
	}
	return p.devices[p.current%len(p.devices)]
}

// Serve runs the request-handling loop against ch once Await has already
// selected it and consumed its first sync pattern: read the rest of the
// frame, dispatch it, write the reply (streaming MEMREAD's region data
// after it when present), and repeat. Every request after the first begins
// with its own embedded sync pattern (each frame's Pad field carries it),
// so Serve re-syncs before reading each one but the first; a short or
// garbled frame read (not a checksum mismatch, which gets a CSUMERR reply
// instead) discards silently and resumes the sync search. Serve returns
// when a PROXY exchange's next-action code is non-zero, or when a channel
// I/O error makes continuing impossible.
func (p *Proxy) Serve(ch Channel) error {
	needSync := false
	for {
		if needSync {
			if err := syncOnDevice(ch); err != nil {
				return fmt.Errorf("uartproxy: serve: sync: %w", err)
			}
		}
		needSync = true

		req, err := ReadRequest(ch, syncBytes)
		if err != nil {
			continue
		}

		reply, action, streamAfter := p.Dispatch(ch, req)
		if err := writeFrame(ch, reply.MarshalBinary()); err != nil {
			return fmt.Errorf("uartproxy: serve: write reply: %w", err)
		}
		if err := writeFrame(ch, streamAfter); err != nil {
			return fmt.Errorf("uartproxy: serve: stream memread data: %w", err)
		}

		if action != 0 {
			if action < 0 {
				slog.Error("uartproxy: proxy_process requested abnormal exit", "action", action)
			}
			return nil
		}
	}
}

// ReasonProxyHook tags a re-entry BOOT reply as HV's exception-proxy bridge
// for a PROXY_HOOK_* data abort (hv_exc_proxy, per spec §6.1), distinct
// from any other cause a fuller re-entry path might carry.
const ReasonProxyHook uint32 = 1

// HVExcProxy implements abort.ProxyTransfer: HV's bridge into UP's blocking
// proxy-hook path for a single guarded access, forwarding it to the host
// over whichever channel is current. A write commits data to guest memory
// at ipa directly — the wire format has no room in a BOOT reply for an
// arbitrary-width store value, so the local write is the bridge, and the
// re-entry only notifies the host which ipa/subsys changed so it can
// re-read if it cares. A read instead expects the host's answering
// request's reply payload to carry the resolved value, which is copied
// into data. Either way the host's one answering request is dispatched
// exactly as Serve's loop would dispatch it.
func (p *Proxy) HVExcProxy(id uint32, ipa uint64, data []byte, write bool) (bool, error) {
	if write {
		if p.mem == nil {
			return false, fmt.Errorf("uartproxy: exception proxy: no guest memory wired")
		}
		if err := p.mem.WriteGuest(ipa, data); err != nil {
			return false, fmt.Errorf("uartproxy: exception proxy local write: %w", err)
		}
	}

	ch, err := p.Await(&ExceptionStart{ELR: ipa, FAR: ipa, Reason: ReasonProxyHook, Subsys: id})
	if err != nil {
		return false, fmt.Errorf("uartproxy: exception proxy await: %w", err)
	}

	req, err := ReadRequest(ch, syncBytes)
	if err != nil {
		return false, fmt.Errorf("uartproxy: exception proxy read request: %w", err)
	}

	reply, _, streamAfter := p.Dispatch(ch, req)
	if err := writeFrame(ch, reply.MarshalBinary()); err != nil {
		return false, fmt.Errorf("uartproxy: exception proxy write reply: %w", err)
	}
	if err := writeFrame(ch, streamAfter); err != nil {
		return false, fmt.Errorf("uartproxy: exception proxy stream data: %w", err)
	}

	if reply.Status != StatusOK {
		return false, nil
	}
	if !write {
		copy(data, reply.Payload[:])
	}
	return true, nil
}

// Dispatch validates req's checksum and executes it against ch (used to
// stream MEMWRITE's incoming data and MEMREAD's outgoing region), producing
// the Reply to frame back, a next-action code (meaningful only for PROXY;
// always 0 otherwise), and — for a successful MEMREAD only — the raw region
// bytes the caller must write immediately after the reply frame.
func (p *Proxy) Dispatch(ch Channel, req Request) (reply Reply, action int, streamAfter []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !req.verifyChecksum() {
		return errorReply(req.Type, StatusCSUMERR), 0, nil
	}

	switch req.Type {
	case ReqNOP:
		return okReply(req.Type, nil), 0, nil

	case ReqMEMREAD:
		r, data := p.handleMemRead(req)
		return r, 0, data

	case ReqMEMWRITE:
		return p.handleMemWrite(ch, req), 0, nil

	case ReqPROXY:
		return p.handleProxy(req)

	default:
		// ReqBOOT is a reply-only tag UP emits itself via Await/
		// writeBootReply on cold- and re-entry; the host never issues it
		// as a request, so it falls through to BADCMD here like any other
		// unrecognized command.
		return errorReply(req.Type, StatusBADCMD), 0, nil
	}
}

func (req Request) verifyChecksum() bool {
	c := NewChecksum()
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], req.Pad)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(req.Type))
	c.AddBytes(hdr[:])
	c.AddBytes(req.Payload[:])
	return c.Finish() == req.Checksum
}

// handleMemRead implements a MEMREAD request. Its payload is {addr:u64,
// size:u32} at offsets 0 and 8. size == 0 replies OK with nothing further
// to stream. Otherwise the region's checksum is computed under the
// exception guard — ReadGuest's error return standing in for the guard
// firing on a software-fake backend that has no real bus fault to catch —
// and on success the reply carries that checksum in Payload[0:4]; the
// caller streams the actual bytes (returned here) onto the channel only
// after writing that reply.
func (p *Proxy) handleMemRead(req Request) (Reply, []byte) {
	if p.mem == nil {
		return errorReply(req.Type, StatusINVAL), nil
	}
	addr := binary.LittleEndian.Uint64(req.Payload[0:8])
	size := binary.LittleEndian.Uint32(req.Payload[8:12])

	if size == 0 {
		return okReply(req.Type, nil), nil
	}

	data := make([]byte, size)
	if err := p.mem.ReadGuest(addr, data); err != nil {
		p.excCount++
		return errorReply(req.Type, StatusXFRERR), nil
	}

	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], Sum(data))
	return okReply(req.Type, payload[:]), data
}

// handleMemWrite implements a MEMWRITE request. Its payload is {addr:u64,
// size:u32, checksum:u32} at offsets 0, 8, 12 — checksum is the host's
// declared checksum of the data it is about to stream, not a frame
// checksum. Both ends of the destination are probed (a single-byte
// ReadGuest) under the exception guard before anything is read from ch, so
// a fault is reported without disturbing the wire; size bytes are then read
// from ch directly into guest memory, a short read itself reporting
// XFRERR, and finally the written region's checksum is compared against
// the declared one.
func (p *Proxy) handleMemWrite(ch Channel, req Request) Reply {
	if p.mem == nil {
		return errorReply(req.Type, StatusINVAL)
	}
	addr := binary.LittleEndian.Uint64(req.Payload[0:8])
	size := binary.LittleEndian.Uint32(req.Payload[8:12])
	declaredChecksum := binary.LittleEndian.Uint32(req.Payload[12:16])

	if size == 0 {
		return okReply(req.Type, nil)
	}

	var probe [1]byte
	if err := p.mem.ReadGuest(addr, probe[:]); err != nil {
		p.excCount++
		return errorReply(req.Type, StatusXFRERR)
	}
	if err := p.mem.ReadGuest(addr+uint64(size)-1, probe[:]); err != nil {
		p.excCount++
		return errorReply(req.Type, StatusXFRERR)
	}

	data := make([]byte, size)
	for i := range data {
		b, err := ch.ReadByte()
		if err != nil {
			return errorReply(req.Type, StatusXFRERR)
		}
		data[i] = b
	}

	if err := p.mem.WriteGuest(addr, data); err != nil {
		p.excCount++
		return errorReply(req.Type, StatusXFRERR)
	}

	if Sum(data) != declaredChecksum {
		return errorReply(req.Type, StatusXFRERR)
	}
	return okReply(req.Type, nil)
}

// handleProxy forwards a validated PROXY request to the injected
// ProxyProcess RPC layer, which owns the entire reply — this package has no
// opinion on what a PROXY exchange means beyond framing it.
func (p *Proxy) handleProxy(req Request) (Reply, int, []byte) {
	if p.proxyProcess == nil {
		return errorReply(req.Type, StatusINVAL), 0, nil
	}
	var reply Reply
	action := p.proxyProcess(req, &reply)
	return reply, action, nil
}

// SendEvent frames and writes an event (currently only MMIOTRACE) to the
// currently selected channel, the counterpart to the data-abort handler's
// TraceEvent hook. The frame-level type is always ReqEVENT; eventType names
// the event sub-kind carried in the header's event_type field.
func (p *Proxy) SendEvent(eventType EventType, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := p.currentChannel()
	if ch == nil {
		return fmt.Errorf("uartproxy: no channel registered to send event on")
	}

	e := Event{Type: ReqEVENT, Len: uint16(len(payload)), EventType: eventType, Payload: payload}
	c := NewChecksum()
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(e.Type))
	binary.LittleEndian.PutUint16(hdr[4:6], e.Len)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(e.EventType))
	c.AddBytes(hdr[:])
	c.AddBytes(payload)
	e.Checksum = c.Finish()

	return writeFrame(ch, e.MarshalBinary())
}

// writeFrame writes every byte of buf to ch in order; a nil or empty buf is
// a no-op. Every outbound framed write — replies, boot replies, events, and
// MEMREAD's streamed region — goes through this one helper.
func writeFrame(ch Channel, buf []byte) error {
	for _, b := range buf {
		if err := ch.WriteByte(b); err != nil {
			return fmt.Errorf("uartproxy: write frame byte: %w", err)
		}
	}
	return nil
}

func (r Reply) computeChecksum() uint32 {
	c := NewChecksum()
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(r.Type))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(r.Status))
	c.AddBytes(hdr[:])
	c.AddBytes(r.Payload[:])
	return c.Finish()
}

func okReply(t RequestType, payload []byte) Reply {
	var r Reply
	r.Type = t
	r.Status = StatusOK
	copy(r.Payload[:], payload)
	r.Checksum = r.computeChecksum()
	return r
}

func errorReply(t RequestType, status ReplyStatus) Reply {
	r := Reply{Type: t, Status: status}
	r.Checksum = r.computeChecksum()
	return r
}
