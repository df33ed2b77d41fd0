// Package iodevice implements the host-facing byte-stream devices the
// UART proxy multiplexes over: a plain SerialDevice transport (device.go)
// and ConsoleDevice, a terminal-emulated transport so a human operator
// attached to cmd/bmhvsim sees a real terminal rather than a raw byte
// dump. Both satisfy Device and uartproxy.Channel identically, so the
// proxy's round-robin sync scan can arbitrate between them without caring
// which is which.
package iodevice

import (
	"fmt"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// ConsoleDevice is a Device backed by a charmbracelet/x/vt terminal
// emulator: bytes written to it are interpreted and rendered by the
// emulator (as if they arrived over a serial line from the guest), and
// host keystrokes the emulator queues are drained by Read (up to len(buf)
// at a time) or ReadByte (one at a time). A background goroutine continuously drains the emulator's input
// queue into rxQueue, the same shape as the teacher's own
// View.readVTIntoQueue, so Read/CanRead never block on the emulator
// directly.
type ConsoleDevice struct {
	mu      sync.Mutex
	cond    *sync.Cond
	emu     *vt.SafeEmulator
	rxQueue []byte
	closeCh chan struct{}
}

// NewConsoleDevice creates a console device cols x rows in size, backed by
// a fresh terminal emulator.
func NewConsoleDevice(cols, rows int) *ConsoleDevice {
	c := &ConsoleDevice{
		emu:     vt.NewSafeEmulator(cols, rows),
		closeCh: make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	disableAutoReplies(c.emu)
	go c.drainEmulatorInput()
	return c
}

// disableAutoReplies swallows the terminal emulator's own automatic
// replies to device-status and device-attribute queries (cursor position
// reports, terminal-type probes) before they reach rxQueue: left
// unswallowed, they would be fed straight into the UART proxy's request
// stream as if the host had sent them, corrupting sync scanning and
// command dispatch. Grounded on
// internal/term/terminal.go's disableVTQueriesThatBreakGuests, which
// exists for exactly this reason on the guest-interactive side.
func disableAutoReplies(emu *vt.SafeEmulator) {
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		if !ok || n == 0 {
			return false
		}
		return n == 5 || n == 6
	})
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

// Close stops the background drain goroutine and wakes any ReadByte
// blocked waiting for a keystroke that will now never arrive.
func (c *ConsoleDevice) Close() {
	c.mu.Lock()
	close(c.closeCh)
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *ConsoleDevice) drainEmulatorInput() {
	buf := make([]byte, 256)
	for {
		n, err := c.emu.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.rxQueue = append(c.rxQueue, buf[:n]...)
			c.mu.Unlock()
			c.cond.Broadcast()
		}
		if err != nil {
			return
		}
		select {
		case <-c.closeCh:
			return
		default:
		}
	}
}

// Emulator exposes the underlying terminal emulator so a host-side
// renderer can draw it and forward keystrokes into it (via Write).
func (c *ConsoleDevice) Emulator() *vt.SafeEmulator { return c.emu }

// Read drains up to len(buf) queued host keystrokes without blocking,
// returning 0 bytes and no error if none are waiting yet.
func (c *ConsoleDevice) Read(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := copy(buf, c.rxQueue)
	c.rxQueue = c.rxQueue[n:]
	return n, nil
}

// Write feeds buf into the terminal emulator, rendering it exactly as a
// real terminal would interpret bytes arriving over a serial line.
func (c *ConsoleDevice) Write(buf []byte) (int, error) {
	return c.emu.Write(buf)
}

// Queue behaves identically to Write: the emulator has no separate
// buffered-write path to distinguish it from an immediate one.
func (c *ConsoleDevice) Queue(buf []byte) (int, error) { return c.Write(buf) }

// Flush is a no-op: ConsoleDevice never buffers outbound bytes of its own.
func (c *ConsoleDevice) Flush() error { return nil }

// CanRead reports whether a host keystroke is queued.
func (c *ConsoleDevice) CanRead() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rxQueue) > 0, nil
}

// HandleEvents is a no-op: the emulator's own goroutine (drainEmulatorInput)
// already keeps rxQueue current without needing to be pumped explicitly.
func (c *ConsoleDevice) HandleEvents() error { return nil }

// ReadByte and WriteByte satisfy uartproxy.Channel. ReadByte blocks on
// cond until drainEmulatorInput delivers a keystroke or Close fires,
// rather than spinning Read in a tight loop the way a naive retry would.
func (c *ConsoleDevice) ReadByte() (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.rxQueue) == 0 {
		select {
		case <-c.closeCh:
			return 0, fmt.Errorf("iodevice: console closed")
		default:
		}
		c.cond.Wait()
	}
	b := c.rxQueue[0]
	c.rxQueue = c.rxQueue[1:]
	return b, nil
}

func (c *ConsoleDevice) WriteByte(b byte) error {
	_, err := c.Write([]byte{b})
	return err
}

var (
	_ Device = (*ConsoleDevice)(nil)
	_ Device = (*SerialDevice)(nil)
)
