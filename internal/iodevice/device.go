package iodevice

import (
	"bufio"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// Device is the generic byte-stream abstraction every host-facing I/O
// device presents to the UART proxy: buffered queue/flush, immediate
// read/write, and a non-blocking readiness check. Both SerialDevice and
// ConsoleDevice implement it, and the proxy's round-robin sync scan treats
// either one identically.
type Device interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	Queue(buf []byte) (int, error)
	Flush() error
	CanRead() (bool, error)
	HandleEvents() error
}

// ReadByte and WriteByte adapt Device to uartproxy.Channel without either
// package importing the other: SerialDevice and ConsoleDevice each define
// the single-byte forms directly, so they can be registered with
// (*uartproxy.Proxy).AddChannel as-is.

// SerialDevice is a minimal host-side UART transport: an io.Reader/
// io.Writer pair plus a bufio-backed transmit queue, grounded on the
// teacher's Serial16550 (which holds the same io.Writer/io.Reader backing
// fields), generalized from a guest-visible 16550 register model down to
// the plain byte-stream surface a host-facing proxy transport needs.
type SerialDevice struct {
	mu  sync.Mutex
	in  io.Reader
	out *bufio.Writer
	fd  int
}

// fder is satisfied by *os.File and anything else exposing a raw
// descriptor; SerialDevice type-asserts for it so CanRead can back onto
// unix.Poll on a real fd while still working over a plain io.Reader (a
// pipe or in-memory buffer in tests) that has none.
type fder interface {
	Fd() uintptr
}

// NewSerialDevice wraps in/out as a Device. If in exposes a file
// descriptor (as *os.File does), CanRead polls it with unix.Poll instead
// of assuming readiness.
func NewSerialDevice(in io.Reader, out io.Writer) *SerialDevice {
	fd := -1
	if f, ok := in.(fder); ok {
		fd = int(f.Fd())
	}
	return &SerialDevice{in: in, out: bufio.NewWriter(out), fd: fd}
}

func (s *SerialDevice) Read(buf []byte) (int, error) {
	return s.in.Read(buf)
}

func (s *SerialDevice) Write(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.out.Write(buf)
	if err != nil {
		return n, err
	}
	return n, s.out.Flush()
}

// Queue buffers buf without flushing, the teacher's deferred-transmit
// pattern for coalescing several small writes into one underlying write.
func (s *SerialDevice) Queue(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Write(buf)
}

func (s *SerialDevice) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Flush()
}

// CanRead reports readiness without blocking. When in is backed by a real
// file descriptor, it polls with a zero timeout; otherwise (a plain
// io.Reader with no descriptor, as in tests) it conservatively reports
// true, since there is no non-blocking way to ask a bare io.Reader.
func (s *SerialDevice) CanRead() (bool, error) {
	if s.fd < 0 {
		return true, nil
	}
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

// HandleEvents is a no-op for SerialDevice: it has no pending interrupt or
// timer work of its own, unlike a guest-visible UART model.
func (s *SerialDevice) HandleEvents() error { return nil }

// ReadByte and WriteByte satisfy uartproxy.Channel.
func (s *SerialDevice) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := s.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (s *SerialDevice) WriteByte(b byte) error {
	_, err := s.Write([]byte{b})
	return err
}
