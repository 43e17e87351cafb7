package kvm

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"syscall"
	"testing"
	"unsafe"

	"github.com/sirupsen/logrus"
)

const fakeIODataOffset = 4096

type fakeKind int

const (
	fakeDev fakeKind = iota
	fakeVM
	fakeVCPU
)

type fakeFD struct {
	kind  fakeKind
	id    int
	regs  Registers
	sregs SRegisters
	page  []byte
}

func (f *fakeFD) name() string {
	switch f.kind {
	case fakeDev:
		return "dev"
	case fakeVM:
		return "vm"
	}
	return fmt.Sprintf("vcpu%d", f.id)
}

// fakeExit is one scripted KVM_RUN result.
type fakeExit struct {
	reason ExitReason
	io     *ExitIO
	data   []byte
	err    error
	// block, if set, is waited on before the run request returns.
	block chan struct{}
}

func ioOut(port uint16, size uint8, data ...byte) fakeExit {
	return fakeExit{
		reason: ExitReasonIO,
		io: &ExitIO{
			Direction:  IODirectionOut,
			Size:       size,
			Port:       port,
			Count:      1,
			DataOffset: fakeIODataOffset,
		},
		data: data,
	}
}

var shutdown = fakeExit{reason: ExitReasonShutdown}

// fakeDevice stands in for /dev/kvm. It keeps per-fd register state, hands
// out heap-backed mappings and records every release so teardown order can
// be checked.
type fakeDevice struct {
	mu   sync.Mutex
	next uintptr
	fds  map[uintptr]*fakeFD
	maps map[*byte]string

	released []string
	regions  []kvmUserspaceMemoryRegion

	version  uintptr
	caps     map[Cap]uintptr
	mmapSize uintptr

	failOpen       error
	failCreateVM   error
	failGuestMmap  error
	failRegister   error
	failMmapSize   error
	failCreateVCPU map[int]error
	failPageMmap   map[int]error
	failGetSRegs   map[int]error
	failSetSRegs   map[int]error
	failSetRegs    map[int]error

	runs map[int][]fakeExit
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		next:    3,
		fds:     map[uintptr]*fakeFD{},
		maps:    map[*byte]string{},
		version: apiVersion,
		caps: map[Cap]uintptr{
			CapUserMemory: 1,
			CapNRVCPUs:    4,
			CapMaxVCPUs:   maxVCPUCount,
		},
		mmapSize:       3 * pageSize,
		failCreateVCPU: map[int]error{},
		failPageMmap:   map[int]error{},
		failGetSRegs:   map[int]error{},
		failSetSRegs:   map[int]error{},
		failSetRegs:    map[int]error{},
		runs:           map[int][]fakeExit{},
	}
}

// script queues exits for vCPU id. When the queue runs dry the vCPU shuts
// down.
func (d *fakeDevice) script(id int, exits ...fakeExit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runs[id] = append(d.runs[id], exits...)
}

func (d *fakeDevice) releases() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.released...)
}

func (d *fakeDevice) vcpuRegs(id int) (Registers, SRegisters) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.fds {
		if f.kind == fakeVCPU && f.id == id {
			return f.regs, f.sregs
		}
	}
	return Registers{}, SRegisters{}
}

func (d *fakeDevice) alloc(f *fakeFD) uintptr {
	fd := d.next
	d.next++
	d.fds[fd] = f
	return fd
}

func (d *fakeDevice) lookup(fd uintptr, kind fakeKind) (*fakeFD, error) {
	f, ok := d.fds[fd]
	if !ok || f.kind != kind {
		return nil, syscall.EBADF
	}
	return f, nil
}

func (d *fakeDevice) open(path string) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failOpen != nil {
		return 0, d.failOpen
	}
	return d.alloc(&fakeFD{kind: fakeDev}), nil
}

func (d *fakeDevice) ioctl(fd uintptr, req uint, arg uintptr) (uintptr, error) {
	if req == ioctlKVMRun {
		return d.run(fd)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch req {
	case ioctlKVMGetAPIVersion:
		if _, err := d.lookup(fd, fakeDev); err != nil {
			return 0, err
		}
		return d.version, nil
	case ioctlKVMCheckExtension:
		if _, err := d.lookup(fd, fakeDev); err != nil {
			return 0, err
		}
		return d.caps[Cap(arg)], nil
	case ioctlKVMCreateVM:
		if _, err := d.lookup(fd, fakeDev); err != nil {
			return 0, err
		}
		if d.failCreateVM != nil {
			return 0, d.failCreateVM
		}
		return d.alloc(&fakeFD{kind: fakeVM}), nil
	case ioctlKVMGetVCPUMMAPSize:
		if d.failMmapSize != nil {
			return 0, d.failMmapSize
		}
		return d.mmapSize, nil
	case ioctlKVMCreateVCPU:
		if _, err := d.lookup(fd, fakeVM); err != nil {
			return 0, err
		}
		id := int(arg)
		if err := d.failCreateVCPU[id]; err != nil {
			return 0, err
		}
		f := &fakeFD{kind: fakeVCPU, id: id}
		// Roughly the architectural reset state.
		f.sregs.Cs = Segment{Selector: 0xf000, Base: 0xffff0000, Limit: 0xffff, Type: 11, Present: 1, S: 1}
		f.sregs.Cr0 = 0x60000010
		f.regs.Rip = 0xfff0
		f.regs.Rflags = 0x2
		return d.alloc(f), nil
	}
	return 0, syscall.ENOTTY
}

func (d *fakeDevice) ioctlPtr(fd uintptr, req uint, arg unsafe.Pointer) (uintptr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if req == ioctlKVMSetUserMemoryRegion {
		if _, err := d.lookup(fd, fakeVM); err != nil {
			return 0, err
		}
		if d.failRegister != nil {
			return 0, d.failRegister
		}
		d.regions = append(d.regions, *(*kvmUserspaceMemoryRegion)(arg))
		return 0, nil
	}

	f, err := d.lookup(fd, fakeVCPU)
	if err != nil {
		return 0, err
	}
	switch req {
	case ioctlKVMGetRegs:
		*(*Registers)(arg) = f.regs
	case ioctlKVMSetRegs:
		if err := d.failSetRegs[f.id]; err != nil {
			return 0, err
		}
		f.regs = *(*Registers)(arg)
	case ioctlKVMGetSRegs:
		if err := d.failGetSRegs[f.id]; err != nil {
			return 0, err
		}
		*(*SRegisters)(arg) = f.sregs
	case ioctlKVMSetSRegs:
		if err := d.failSetSRegs[f.id]; err != nil {
			return 0, err
		}
		f.sregs = *(*SRegisters)(arg)
	default:
		return 0, syscall.ENOTTY
	}
	return 0, nil
}

func (d *fakeDevice) run(fd uintptr) (uintptr, error) {
	d.mu.Lock()
	f, err := d.lookup(fd, fakeVCPU)
	if err != nil {
		d.mu.Unlock()
		return 0, err
	}
	next := shutdown
	if q := d.runs[f.id]; len(q) > 0 {
		next, d.runs[f.id] = q[0], q[1:]
	}
	page := f.page
	d.mu.Unlock()

	if next.block != nil {
		<-next.block
	}
	if next.err != nil {
		return 0, next.err
	}

	binary.LittleEndian.PutUint32(page[8:], uint32(next.reason))
	if next.io != nil {
		u := page[32:]
		u[0] = byte(next.io.Direction)
		u[1] = next.io.Size
		binary.LittleEndian.PutUint16(u[2:], next.io.Port)
		binary.LittleEndian.PutUint32(u[4:], next.io.Count)
		binary.LittleEndian.PutUint64(u[8:], next.io.DataOffset)
		if next.io.DataOffset < uint64(len(page)) {
			copy(page[next.io.DataOffset:], next.data)
		}
	}
	return 0, nil
}

func (d *fakeDevice) mmap(fd int, length int, prot int, flags int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if fd == -1 {
		if d.failGuestMmap != nil {
			return nil, d.failGuestMmap
		}
		b := make([]byte, length)
		d.maps[&b[0]] = "guest"
		return b, nil
	}

	f, err := d.lookup(uintptr(fd), fakeVCPU)
	if err != nil {
		return nil, err
	}
	if err := d.failPageMmap[f.id]; err != nil {
		return nil, err
	}
	b := make([]byte, length)
	f.page = b
	d.maps[&b[0]] = f.name() + "-page"
	return b, nil
}

func (d *fakeDevice) munmap(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(b) == 0 {
		return syscall.EINVAL
	}
	name, ok := d.maps[&b[0]]
	if !ok {
		return syscall.EINVAL
	}
	delete(d.maps, &b[0])
	d.released = append(d.released, "munmap "+name)
	return nil
}

func (d *fakeDevice) close(fd uintptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.fds[fd]
	if !ok {
		return syscall.EBADF
	}
	delete(d.fds, fd)
	d.released = append(d.released, "close "+f.name())
	return nil
}

func testLogger(t *testing.T) logrus.FieldLogger {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.DebugLevel)
	return l
}

func openFake(t *testing.T, dev *fakeDevice) *Hypervisor {
	t.Helper()
	h, err := Open(withSyscaller(dev), WithLogger(testLogger(t)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return h
}

// newFakeVM opens a hypervisor on dev and creates a VM with n vCPUs.
func newFakeVM(t *testing.T, dev *fakeDevice, n int) (*Hypervisor, *VM) {
	t.Helper()
	h := openFake(t, dev)
	vm, err := h.CreateVM(Config{GuestMemorySize: 1 << 20, VCPUCount: n})
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if _, err := vm.CreateVCPUs(); err != nil {
		t.Fatalf("CreateVCPUs: %v", err)
	}
	return h, vm
}

// recorder collects observed events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) forVCPU(id int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.VCPU == id {
			out = append(out, ev)
		}
	}
	return out
}
