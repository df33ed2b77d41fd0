// Command bmhvsim is a demo harness that wires the stage-2 page table, the
// data-abort handler, and the UART proxy together against a software-fake
// CPU backend: a small, runnable illustration of how the three subsystems
// compose, not a hypervisor in its own right (no real vCPU is ever
// entered).
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyhv/bmhv/internal/abort"
	"github.com/tinyhv/bmhv/internal/config"
	"github.com/tinyhv/bmhv/internal/cpuops/cpuopstest"
	"github.com/tinyhv/bmhv/internal/hv"
	"github.com/tinyhv/bmhv/internal/iodevice"
	"github.com/tinyhv/bmhv/internal/palloc"
	"github.com/tinyhv/bmhv/internal/s2pt"
	"github.com/tinyhv/bmhv/internal/uartproxy"
)

func main() {
	configPath := flag.String("config", "", "path to a boot_config.yml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("bmhvsim: fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if configPath == "" {
		return fmt.Errorf("bmhvsim: -config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// The fake's flat arena is indexed directly by IPA (it does not
	// subtract RAMBase), so it must cover RAMBase+RAMSize plus the small
	// demo MMIO region driveDemoAbort maps just above RAM.
	ops := cpuopstest.New(int(cfg.RAMBase + cfg.RAMSize + 0x10000))

	pt := s2pt.New(palloc.NewMmapAllocator())
	if err := pt.Init(ops); err != nil {
		return fmt.Errorf("bmhvsim: init page table: %w", err)
	}
	if err := pt.MapHW(cfg.RAMBase, cfg.RAMBase, cfg.RAMSize); err != nil {
		return fmt.Errorf("bmhvsim: map RAM: %w", err)
	}

	if cfg.BootImage != "" {
		if err := loadBootImage(ops, cfg); err != nil {
			return err
		}
	}

	// No external proxy_process RPC layer is wired into this demo harness,
	// so a PROXY request always comes back INVAL; HVExcProxy (the
	// PROXY_HOOK_* bridge below) goes through Dispatch the same way a host
	// request would and is unaffected by that.
	proxy := uartproxy.New(ops, nil)

	if cfg.ConsoleEnabled {
		console := iodevice.NewConsoleDevice(cfg.ConsoleCols, cfg.ConsoleRows)
		defer console.Close()
		proxy.AddChannel(console)
	}

	handler := &abort.Handler{
		PT:    pt,
		Ops:   ops,
		Proxy: proxy.HVExcProxy,
		OnTrace: func(pc uint64, ipa uint64, width int, write bool, value uint64, sync bool) {
			var payload [32]byte
			putEventPayload(payload[:], pc, ipa, value, width, write)
			_ = proxy.SendEvent(uartproxy.EventMMIOTrace, payload[:])
		},
	}

	slog.Info("bmhvsim: guest assembled", "ram_base", cfg.RAMBase, "ram_size", cfg.RAMSize, "devices", len(cfg.Devices))

	if err := driveDemoAbort(pt, handler, cfg); err != nil {
		return fmt.Errorf("bmhvsim: demo data abort: %w", err)
	}

	if cfg.ConsoleEnabled && term.IsTerminal(int(os.Stdin.Fd())) {
		state, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err == nil {
			defer term.Restore(int(os.Stdin.Fd()), state)
		}
	}

	return nil
}

// demoFrame is a minimal hv.RegisterFrame backed by a plain array, used
// only to drive driveDemoAbort's synthetic access: no real vCPU exists in
// this harness to supply one.
type demoFrame struct {
	regs [32]uint64
	pc   uint64
}

func (f *demoFrame) GetRegister(r hv.Register) uint64 {
	if r == hv.RegisterXzr {
		return 0
	}
	return f.regs[r-hv.RegisterX0]
}

func (f *demoFrame) SetRegister(r hv.Register, v uint64) {
	if r == hv.RegisterXzr {
		return
	}
	f.regs[r-hv.RegisterX0] = v
}

func (f *demoFrame) PC() uint64      { return f.pc }
func (f *demoFrame) SetPC(pc uint64) { f.pc = pc }

// driveDemoAbort maps one software-emulated MMIO word just above guest RAM
// and pushes a synthetic store followed by a synthetic load through
// handler.Handle, so this harness actually exercises the decode-walk-
// dispatch-commit path it wires up rather than merely assembling it. The
// word's placement comes from an AddressSpace bump allocation rather than
// raw RAMBase+RAMSize arithmetic, the same layout a real device list would
// go through (see config.BootConfig.Devices in DESIGN.md's pending work).
func driveDemoAbort(pt *s2pt.PageTable, handler *abort.Handler, cfg config.BootConfig) error {
	addrSpace := hv.NewAddressSpace(cfg.RAMBase, cfg.RAMSize)
	demo, err := addrSpace.Allocate(hv.MMIOAllocationRequest{Name: "demo-mmio", Size: 4})
	if err != nil {
		return fmt.Errorf("allocate demo mmio region: %w", err)
	}
	mmioBase := demo.Base

	if err := pt.MapSW(mmioBase, mmioBase, 4, s2pt.TraceFlags{Write: true, Read: true}); err != nil {
		return fmt.Errorf("map demo mmio word: %w", err)
	}

	frame := &demoFrame{}
	frame.SetRegister(hv.RegisterX2, 0xcafef00d)

	// SAS=2 (4 bytes), SRT=2 (X2), WnR=1 (write), ISV=1.
	const storeISS = 1<<24 | 2<<22 | 2<<16 | 1<<6
	if err := handler.Handle(mmioBase, 0, storeISS, frame); err != nil {
		return fmt.Errorf("synthetic store: %w", err)
	}

	// SAS=2 (4 bytes), SRT=3 (X3), WnR=0 (read), ISV=1.
	const loadISS = 1<<24 | 2<<22 | 3<<16
	if err := handler.Handle(mmioBase, 0, loadISS, frame); err != nil {
		return fmt.Errorf("synthetic load: %w", err)
	}

	slog.Info("bmhvsim: demo data abort round-tripped", "ipa", fmt.Sprintf("0x%x", mmioBase), "value", fmt.Sprintf("0x%x", frame.GetRegister(hv.RegisterX3)))
	return nil
}

func loadBootImage(ops *cpuopstest.Fake, cfg config.BootConfig) error {
	f, err := os.Open(cfg.BootImage)
	if err != nil {
		return fmt.Errorf("bmhvsim: open boot image: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("bmhvsim: stat boot image: %w", err)
	}

	bar := progressbar.DefaultBytes(info.Size(), "loading boot image")
	buf := make([]byte, info.Size())
	w := &sliceWriter{buf: buf}
	if _, err := io.Copy(io.MultiWriter(w, bar), f); err != nil {
		return fmt.Errorf("bmhvsim: read boot image: %w", err)
	}

	return ops.WriteGuest(cfg.RAMBase, buf)
}

// sliceWriter adapts a fixed-size byte slice to io.Writer for io.Copy's
// benefit, tracking the write offset across calls.
type sliceWriter struct {
	buf []byte
	off int
}

func (w *sliceWriter) Write(p []byte) (int, error) {
	n := copy(w.buf[w.off:], p)
	w.off += n
	return n, nil
}

// widthCode maps an access size in bytes back to the 2-bit width encoding
// ESR_EL2/the instruction decoder use (0=8b,1=16b,2=32b,3=64b), the inverse
// of abort's 1<<sas / 1<<insn[31:30] expansion.
func widthCode(width int) uint32 {
	switch width {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	default:
		return 3
	}
}

// putEventPayload lays out an MMIOTRACE payload per spec:
// {flags:u32, reserved:u32, pc:u64, addr:u64, data:u64}, flags bits[1:0]
// the width code and bit[2] set for a write.
func putEventPayload(dst []byte, pc, addr, value uint64, width int, write bool) {
	flags := widthCode(width)
	if write {
		flags |= 1 << 2
	}
	binary.LittleEndian.PutUint32(dst[0:4], flags)
	binary.LittleEndian.PutUint32(dst[4:8], 0) // reserved
	binary.LittleEndian.PutUint64(dst[8:16], pc)
	binary.LittleEndian.PutUint64(dst[16:24], addr)
	binary.LittleEndian.PutUint64(dst[24:32], value)
}
