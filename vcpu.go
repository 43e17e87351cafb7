package kvm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	// rflagsReserved is bit 1 of RFLAGS, which always reads as one.
	rflagsReserved = 1 << 1
	// rflagsIF is the interrupt enable flag.
	rflagsIF = 1 << 9

	resetFlags        = rflagsReserved | rflagsIF
	resetStackPointer = 0xffffffff
)

// VCPUState is where a vCPU is in its lifecycle.
type VCPUState int32

const (
	VCPUCreated VCPUState = iota
	VCPUReset
	VCPURunning
	VCPUExited
	// VCPUFailed is terminal after a host side error: a failed register
	// exchange or run request.
	VCPUFailed
)

func (s VCPUState) String() string {
	switch s {
	case VCPUCreated:
		return "created"
	case VCPUReset:
		return "reset"
	case VCPURunning:
		return "running"
	case VCPUExited:
		return "exited"
	case VCPUFailed:
		return "failed"
	}
	return fmt.Sprintf("VCPUState(%d)", int32(s))
}

// VCPU is one virtual core of a VM. Reset, Step and Run must be called from
// a single goroutine.
type VCPU struct {
	id     int
	vm     *VM
	handle *fdHandle
	page   *mapping
	run    *controlPage
	log    logrus.FieldLogger

	state atomic.Int32
	regs  Registers
	sregs SRegisters
}

func newVCPU(vm *VM, id int) (*VCPU, error) {
	sys := vm.hv.sys

	fd, err := sys.ioctl(vm.handle.fd, ioctlKVMCreateVCPU, uintptr(id))
	if err != nil {
		return nil, acquireErr(ErrVCPUCreation, err)
	}
	c := &VCPU{
		id:     id,
		vm:     vm,
		handle: newFDHandle(sys, fd),
		log:    vm.log.WithField("vcpu", id),
	}

	size, err := vm.hv.controlPageSize()
	if err != nil {
		c.releaseHandle()
		return nil, acquireErr(ErrControlPageMap, fmt.Errorf("get vcpu mmap size: %w", err))
	}

	runMap, err := sys.mmap(int(fd), size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		c.releaseHandle()
		return nil, acquireErr(ErrControlPageMap, err)
	}
	c.page = newMapping(sys, runMap)

	if c.run, err = newControlPage(runMap); err != nil {
		c.releasePage()
		c.releaseHandle()
		return nil, acquireErr(ErrControlPageMap, err)
	}

	c.log.WithField("page", size).Debug("vcpu created")
	return c, nil
}

// ID returns the vCPU id passed to CreateVCPU.
func (c *VCPU) ID() int {
	return c.id
}

// State returns the current lifecycle state.
func (c *VCPU) State() VCPUState {
	return VCPUState(c.state.Load())
}

func (c *VCPU) setState(s VCPUState) {
	c.state.Store(int32(s))
}

// Registers returns the general register snapshot taken by the last Reset.
func (c *VCPU) Registers() Registers {
	return c.regs
}

// SRegisters returns the segment register snapshot taken by the last Reset.
func (c *VCPU) SRegisters() SRegisters {
	return c.sregs
}

func (c *VCPU) release() {
	c.releasePage()
	c.releaseHandle()
}

func (c *VCPU) releasePage() {
	if err := c.page.release(); err != nil {
		c.log.WithError(err).Error("unmap control page")
	}
}

func (c *VCPU) releaseHandle() {
	if err := c.handle.release(); err != nil {
		c.log.WithError(err).Error("close vcpu")
	}
}

type Registers struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rsp, Rbp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip, Rflags        uint64
}

func (c *VCPU) GetRegisters() (Registers, error) {
	regs := Registers{}
	_, err := c.vm.hv.sys.ioctlPtr(c.handle.fd, ioctlKVMGetRegs, unsafe.Pointer(&regs))
	return regs, err
}

func (c *VCPU) SetRegisters(regs Registers) error {
	_, err := c.vm.hv.sys.ioctlPtr(c.handle.fd, ioctlKVMSetRegs, unsafe.Pointer(&regs))
	return err
}

type Segment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, Dpl, Db, S, L, G, Avl uint8
	unusable                       uint8
	padding                        uint8
}

type Dtable struct {
	Base    uint64
	Limit   uint16
	padding [3]uint16
}

const NRInterrupts = 256

type SRegisters struct {
	Cs, Ds, Es, Fs, Gs, Ss  Segment
	Tr, Ldt                 Segment
	Gdt, Idt                Dtable
	Cr0, Cr2, Cr3, Cr4, Cr8 uint64
	Efer                    uint64
	ApicBase                uint64
	InterruptBitmap         [(NRInterrupts + 63) / 64]uint64
}

func (c *VCPU) GetSRegisters() (SRegisters, error) {
	sregs := SRegisters{}
	_, err := c.vm.hv.sys.ioctlPtr(c.handle.fd, ioctlKVMGetSRegs, unsafe.Pointer(&sregs))
	return sregs, err
}

func (c *VCPU) SetSRegisters(sregs SRegisters) error {
	_, err := c.vm.hv.sys.ioctlPtr(c.handle.fd, ioctlKVMSetSRegs, unsafe.Pointer(&sregs))
	return err
}

// Reset puts the vCPU at the start of the guest image: every segment
// register (CS, SS, DS, ES, FS, GS) gets the configured load segment as
// selector and LoadSegment<<4 as base, IP and BP are zero, SP is the top of
// the 32-bit address space and interrupts are enabled.
//
// A failed register exchange moves the vCPU to VCPUFailed.
func (c *VCPU) Reset() error {
	if err := c.vm.enter(); err != nil {
		return err
	}
	defer c.vm.leave()

	return c.reset()
}

func (c *VCPU) reset() error {
	switch s := c.State(); s {
	case VCPUCreated, VCPUReset:
	case VCPUExited, VCPUFailed:
		return fmt.Errorf("%w: vcpu %d is %s", ErrVCPUExited, c.id, s)
	default:
		return fmt.Errorf("%w: reset vcpu %d while %s", ErrPrecondition, c.id, s)
	}

	sregs, err := c.GetSRegisters()
	if err != nil {
		c.setState(VCPUFailed)
		return registerErr(ErrRegisterRead, err)
	}

	sel := c.vm.cfg.LoadSegment
	base := uint64(sel) << 4
	for _, seg := range []*Segment{&sregs.Cs, &sregs.Ss, &sregs.Ds, &sregs.Es, &sregs.Fs, &sregs.Gs} {
		seg.Selector = sel
		seg.Base = base
	}
	if err := c.SetSRegisters(sregs); err != nil {
		c.setState(VCPUFailed)
		return registerErr(ErrRegisterWrite, err)
	}

	regs := Registers{
		Rflags: resetFlags,
		Rip:    0,
		Rsp:    resetStackPointer,
		Rbp:    0,
	}
	if err := c.SetRegisters(regs); err != nil {
		c.setState(VCPUFailed)
		return registerErr(ErrRegisterWrite, err)
	}

	c.regs, c.sregs = regs, sregs
	c.setState(VCPUReset)
	return nil
}
