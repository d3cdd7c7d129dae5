//go:build !linux || !amd64

package hypervisor

import (
	"context"
	"errors"
)

// ErrUnsupportedPlatform is returned by Open and by every Channel
// operation that returns an error (except Close) on platforms other than
// linux/amd64, where this engine has no KVM transport.
var ErrUnsupportedPlatform = errors.New("hypervisor: KVM channel not supported on this platform")

type MemPerm uint

const (
	MemRead  MemPerm = 1 << 0
	MemWrite MemPerm = 1 << 1
	MemExec  MemPerm = 1 << 2
)

type BreakReason int

const (
	ReasonUnknown BreakReason = iota
	ReasonBreakpoint
	ReasonSingleStep
	ReasonTimeout
	ReasonShutdown
)

type BreakpointKind int

const (
	BreakpointSoftware BreakpointKind = iota
	BreakpointHardware
)

type Register int

const (
	RegRAX Register = iota
	RegRIP
	RegCR2
	RegCR3
	RegCR8
	RegCS
)

type RegBatch map[Register]uint64

type Config struct {
	Device string
}

// Channel is an empty placeholder on unsupported platforms; Close returns
// nil, ReadPhysical and WritePhysical return false, and every other method
// returns ErrUnsupportedPlatform.
type Channel struct{}

func Supported() (bool, error) { return false, nil }

func Open(cfg Config) (*Channel, error) { return nil, ErrUnsupportedPlatform }

func (c *Channel) Close() error                                   { return nil }
func (c *Channel) AddVCPU() (int, error)                          { return 0, ErrUnsupportedPlatform }
func (c *Channel) MapMemory(uint64, []byte, MemPerm) error        { return ErrUnsupportedPlatform }
func (c *Channel) UnmapMemory(uint64, uint64) error               { return ErrUnsupportedPlatform }
func (c *Channel) ReadPhysical(dst []byte, phys uint64) bool      { return false }
func (c *Channel) WritePhysical(phys uint64, src []byte) bool     { return false }
func (c *Channel) ReadRegister(int, Register) (uint64, error)     { return 0, ErrUnsupportedPlatform }
func (c *Channel) WriteRegister(int, Register, uint64) error      { return ErrUnsupportedPlatform }
func (c *Channel) GetRegisters(int, []Register) (RegBatch, error) { return nil, ErrUnsupportedPlatform }
func (c *Channel) SetRegisters(int, RegBatch) error                { return ErrUnsupportedPlatform }
func (c *Channel) GetPC(int) (uint64, error)                       { return 0, ErrUnsupportedPlatform }
func (c *Channel) SetPC(int, uint64) error                         { return ErrUnsupportedPlatform }
func (c *Channel) GetCR3(int) (uint64, error)                      { return 0, ErrUnsupportedPlatform }
func (c *Channel) GetCR8(int) (uint64, error)                      { return 0, ErrUnsupportedPlatform }
func (c *Channel) Pause() error                                    { return ErrUnsupportedPlatform }
func (c *Channel) Resume() error                                   { return ErrUnsupportedPlatform }
func (c *Channel) SingleStep(int) error                            { return ErrUnsupportedPlatform }
func (c *Channel) Wait(context.Context, int) (BreakReason, error) {
	return ReasonUnknown, ErrUnsupportedPlatform
}
func (c *Channel) AddBreakpoint(BreakpointKind, uint64, uint64) (uint32, error) {
	return 0, ErrUnsupportedPlatform
}
func (c *Channel) DelBreakpoint(uint32) error { return ErrUnsupportedPlatform }
func (c *Channel) InjectInterrupt(int, uint8, uint32, uint64) error {
	return ErrUnsupportedPlatform
}
