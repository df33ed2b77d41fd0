//go:build !darwin || !arm64

package hvfops

import (
	"fmt"
	"runtime"

	"github.com/tinyhv/bmhv/internal/cpuops"
)

// ErrUnsupportedPlatform is returned by New on any platform other than
// darwin/arm64, the only target Hypervisor.framework runs on.
var ErrUnsupportedPlatform = fmt.Errorf("hvfops: unsupported platform %s/%s", runtime.GOOS, runtime.GOARCH)

// Backend is never constructed on this platform; its methods exist only
// so the type satisfies cpuops.Ops for compile-time checks elsewhere.
type Backend struct{}

func New(memSize int, ipaBase uint64) (*Backend, error) {
	return nil, ErrUnsupportedPlatform
}

func (b *Backend) Close() error                                 { return ErrUnsupportedPlatform }
func (b *Backend) ProtectHook(ipa, size uint64) error            { return ErrUnsupportedPlatform }
func (b *Backend) ReadSysReg(reg cpuops.SysReg) (uint64, error)  { return 0, ErrUnsupportedPlatform }
func (b *Backend) WriteSysReg(reg cpuops.SysReg, value uint64) error {
	return ErrUnsupportedPlatform
}
func (b *Backend) TranslateStage1(va uint64) (uint64, error) { return 0, ErrUnsupportedPlatform }
func (b *Backend) ReadGuest(ipa uint64, data []byte) error    { return ErrUnsupportedPlatform }
func (b *Backend) WriteGuest(ipa uint64, data []byte) error   { return ErrUnsupportedPlatform }

var _ cpuops.Ops = (*Backend)(nil)
