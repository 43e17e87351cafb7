// Package kvm is a small control core for Linux KVM. It opens the device,
// creates a VM with one guest-physical memory region, creates vCPUs and
// runs each of them on its own goroutine until the guest shuts down.
//
// Resources form a tree: a Hypervisor owns its VMs and a VM owns its
// vCPUs. They are released in reverse creation order; releasing a parent
// while a child is alive is refused with ErrPrecondition.
package kvm

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	devicePath = "/dev/kvm"

	// apiVersion is the only KVM_GET_API_VERSION value the kernel has
	// reported since 2.6.22.
	apiVersion = 12
)

// Cap is a KVM_CHECK_EXTENSION capability number.
type Cap uint

const (
	CapIRQChip    Cap = 0
	CapHLT        Cap = 1
	CapUserMemory Cap = 3
	CapNRVCPUs    Cap = 9
	CapNRMemSlots Cap = 10
	CapMaxVCPUs   Cap = 66
)

type options struct {
	path string
	log  logrus.FieldLogger
	sys  syscaller
}

// Option configures Open.
type Option func(*options)

// WithDevicePath opens path instead of /dev/kvm.
func WithDevicePath(path string) Option {
	return func(o *options) { o.path = path }
}

// WithLogger sets the logger the hypervisor and everything it creates log
// to. The default is the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

func withSyscaller(s syscaller) Option {
	return func(o *options) { o.sys = s }
}

// Hypervisor owns the KVM device handle.
type Hypervisor struct {
	sys     syscaller
	handle  *fdHandle
	version int
	log     logrus.FieldLogger

	mu       sync.Mutex
	closed   bool
	vms      int
	mmapSize int
}

// Open opens the KVM device and checks that it speaks the stable API.
// On failure no handle is left open.
func Open(opts ...Option) (*Hypervisor, error) {
	o := options{
		path: devicePath,
		log:  logrus.StandardLogger(),
		sys:  osSys,
	}
	for _, opt := range opts {
		opt(&o)
	}

	fd, err := o.sys.open(o.path)
	if err != nil {
		return nil, acquireErr(ErrDeviceUnavailable, fmt.Errorf("open %s: %w", o.path, err))
	}
	h := &Hypervisor{
		sys:    o.sys,
		handle: newFDHandle(o.sys, fd),
		log:    o.log.WithField("device", o.path),
	}

	if err := h.checkVersion(); err != nil {
		if cerr := h.handle.release(); cerr != nil {
			h.log.WithError(cerr).Error("close device")
		}
		return nil, err
	}

	h.log.WithField("api", h.version).Debug("kvm device open")
	return h, nil
}

func (h *Hypervisor) checkVersion() error {
	version, err := h.sys.ioctl(h.handle.fd, ioctlKVMGetAPIVersion, 0)
	if err != nil {
		return acquireErr(ErrDeviceUnavailable, fmt.Errorf("get api version: %w", err))
	}
	h.version = int(version)
	if h.version != apiVersion {
		return acquireErr(ErrUnsupportedVersion, fmt.Errorf("api version %d, need %d", h.version, apiVersion))
	}

	ok, err := h.CheckExtension(CapUserMemory)
	if err != nil {
		return acquireErr(ErrUnsupportedVersion, fmt.Errorf("check user memory capability: %w", err))
	}
	if ok == 0 {
		return acquireErr(ErrUnsupportedVersion, fmt.Errorf("user memory capability missing"))
	}
	return nil
}

// APIVersion returns the version reported by KVM_GET_API_VERSION.
func (h *Hypervisor) APIVersion() int {
	return h.version
}

// CheckExtension returns the KVM_CHECK_EXTENSION value for c. Zero means
// unsupported; some capabilities return a count.
func (h *Hypervisor) CheckExtension(c Cap) (int, error) {
	ret, err := h.sys.ioctl(h.handle.fd, ioctlKVMCheckExtension, uintptr(c))
	if err != nil {
		return 0, err
	}
	return int(ret), nil
}

// CreateVM creates a VM and registers cfg.GuestMemorySize bytes of zeroed
// anonymous memory as slot 0 at guest-physical address 0. On failure
// everything made along the way is released before the error is returned.
func (h *Hypervisor) CreateVM(cfg Config) (*VM, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	fd, err := h.sys.ioctl(h.handle.fd, ioctlKVMCreateVM, 0)
	if err != nil {
		return nil, acquireErr(ErrVMCreation, err)
	}

	vm, err := newVM(h, cfg, newFDHandle(h.sys, fd))
	if err != nil {
		return nil, err
	}
	h.vms++
	return vm, nil
}

// controlPageSize returns the size of a vCPU's kvm_run mapping. The device
// is asked once; later calls use the cached value.
func (h *Hypervisor) controlPageSize() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mmapSize > 0 {
		return h.mmapSize, nil
	}
	size, err := h.sys.ioctl(h.handle.fd, ioctlKVMGetVCPUMMAPSize, 0)
	if err != nil {
		return 0, err
	}
	h.mmapSize = int(size)
	return h.mmapSize, nil
}

func (h *Hypervisor) vmDestroyed() {
	h.mu.Lock()
	h.vms--
	h.mu.Unlock()
}

// Close releases the device handle. Every VM created from h must have been
// destroyed first; otherwise Close returns ErrPrecondition and the handle
// stays open.
func (h *Hypervisor) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.vms > 0 {
		return fmt.Errorf("%w: %d vm(s) still alive", ErrPrecondition, h.vms)
	}
	h.closed = true

	if err := h.handle.release(); err != nil {
		h.log.WithError(err).Error("close device")
	}
	return nil
}
