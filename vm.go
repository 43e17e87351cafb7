package kvm

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// MemoryRegion describes the guest-physical region registered with a VM.
type MemoryRegion struct {
	Slot          uint32
	GuestPhysAddr uint64
	Size          uint64
	HostAddr      uintptr
}

// VM is a KVM virtual machine with a single guest memory region and the
// vCPUs created on it.
type VM struct {
	hv     *Hypervisor
	cfg    Config
	handle *fdHandle
	mem    *mapping
	region MemoryRegion
	log    logrus.FieldLogger

	mu        sync.Mutex
	vcpus     []*VCPU
	active    int
	destroyed bool
}

func newVM(h *Hypervisor, cfg Config, handle *fdHandle) (*VM, error) {
	vm := &VM{
		hv:     h,
		cfg:    cfg,
		handle: handle,
		log:    h.log.WithField("vm", handle.fd),
	}

	mem, err := h.sys.mmap(-1, int(cfg.GuestMemorySize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		vm.releaseHandle()
		return nil, acquireErr(ErrMemoryMap, err)
	}
	vm.mem = newMapping(h.sys, mem)

	if err := vm.mapUserMemory(0, 0, 0, mem); err != nil {
		vm.releaseMemory()
		vm.releaseHandle()
		return nil, acquireErr(ErrMemoryRegistration, err)
	}

	vm.log.WithFields(logrus.Fields{
		"slot": vm.region.Slot,
		"size": cfg.GuestMemorySize.String(),
	}).Debug("guest memory registered")
	return vm, nil
}

// mapUserMemory registers memory as the given slot with the given flags.
func (vm *VM) mapUserMemory(slot uint32, flags uint32, guestAddress uint64, memory []byte) error {
	userspaceAddr := uintptr(unsafe.Pointer(&memory[0]))
	region := kvmUserspaceMemoryRegion{
		Slot:          slot,
		Flags:         flags,
		GuestPhysAddr: guestAddress,
		MemorySize:    uint64(len(memory)),
		UserspaceAddr: uint64(userspaceAddr),
	}

	if _, err := vm.hv.sys.ioctlPtr(vm.handle.fd, ioctlKVMSetUserMemoryRegion, unsafe.Pointer(&region)); err != nil {
		return err
	}
	vm.region = MemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestAddress,
		Size:          region.MemorySize,
		HostAddr:      userspaceAddr,
	}
	return nil
}

// Config returns the configuration the VM was created with.
func (vm *VM) Config() Config {
	return vm.cfg
}

// Region returns the registered guest memory region.
func (vm *VM) Region() MemoryRegion {
	return vm.region
}

// GuestMemory returns the host view of guest-physical memory. Writes from
// the host while vCPUs run are not synchronized with the guest. After
// Destroy it returns nil.
func (vm *VM) GuestMemory() []byte {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.destroyed {
		return nil
	}
	return vm.mem.bytes()
}

// CreateVCPU creates the vCPU with the given id and maps its control page.
// If mapping fails the vCPU handle is closed before returning.
func (vm *VM) CreateVCPU(id int) (*VCPU, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.destroyed {
		return nil, ErrDestroyed
	}
	if id < 0 || id >= maxVCPUCount {
		return nil, fmt.Errorf("%w: vcpu id %d out of range", ErrPrecondition, id)
	}
	for _, c := range vm.vcpus {
		if c.id == id {
			return nil, fmt.Errorf("%w: vcpu %d already exists", ErrPrecondition, id)
		}
	}

	c, err := newVCPU(vm, id)
	if err != nil {
		return nil, err
	}
	vm.vcpus = append(vm.vcpus, c)
	return c, nil
}

// CreateVCPUs creates vCPUs 0 through Config().VCPUCount-1. vCPUs created
// before a failure stay owned by the VM and are released by Destroy.
func (vm *VM) CreateVCPUs() ([]*VCPU, error) {
	vcpus := make([]*VCPU, 0, vm.cfg.VCPUCount)
	for id := 0; id < vm.cfg.VCPUCount; id++ {
		c, err := vm.CreateVCPU(id)
		if err != nil {
			return vcpus, fmt.Errorf("vcpu %d: %w", id, err)
		}
		vcpus = append(vcpus, c)
	}
	return vcpus, nil
}

// VCPUs returns the VM's vCPUs in creation order.
func (vm *VM) VCPUs() []*VCPU {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	vcpus := make([]*VCPU, len(vm.vcpus))
	copy(vcpus, vm.vcpus)
	return vcpus
}

// enter marks a vCPU operation as in flight so Destroy cannot release
// resources under it.
func (vm *VM) enter() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.destroyed {
		return ErrDestroyed
	}
	vm.active++
	return nil
}

func (vm *VM) leave() {
	vm.mu.Lock()
	vm.active--
	vm.mu.Unlock()
}

// Destroy releases the VM: each vCPU's control page then its handle, in
// creation order, then guest memory, then the VM handle. Release failures
// are logged and do not stop the sequence. Destroy refuses with
// ErrPrecondition while any vCPU is resetting or running.
func (vm *VM) Destroy() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.destroyed {
		return ErrDestroyed
	}
	if vm.active > 0 {
		return fmt.Errorf("%w: %d vcpu operation(s) in flight", ErrPrecondition, vm.active)
	}
	vm.destroyed = true

	for _, c := range vm.vcpus {
		c.release()
	}
	vm.releaseMemory()
	vm.releaseHandle()
	vm.hv.vmDestroyed()

	vm.log.WithField("vcpus", len(vm.vcpus)).Debug("vm destroyed")
	return nil
}

func (vm *VM) releaseMemory() {
	if err := vm.mem.release(); err != nil {
		vm.log.WithError(err).Error("unmap guest memory")
	}
}

func (vm *VM) releaseHandle() {
	if err := vm.handle.release(); err != nil {
		vm.log.WithError(err).Error("close vm")
	}
}
