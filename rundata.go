package kvm

import (
	"fmt"
	"unsafe"
)

// runData mirrors struct kvm_run, the control page the kernel shares with
// each vCPU.
type runData struct {
	// in
	requestInterruptWindow uint8
	immediateExit          uint8
	_                      [6]uint8

	// out
	exitReason                 uint32
	readyForInterruptInjection uint8
	ifFlag                     uint8
	flags                      uint16

	// in (pre_kvm_run), out (post_kvm_run)
	cr8      uint64
	apicBase uint64

	exitReasonDataUnion [256]byte

	kvmValidRegs uint64
	kvmDirtyRegs uint64

	synRegsUnion [2048]byte
}

const runDataSize = int(unsafe.Sizeof(runData{}))

func (k *runData) exitUnknown() ExitUnknown {
	return *(*ExitUnknown)(unsafe.Pointer(&k.exitReasonDataUnion[0]))
}

func (k *runData) exitIO() ExitIO {
	return *(*ExitIO)(unsafe.Pointer(&k.exitReasonDataUnion[0]))
}

func (k *runData) exitMMIO() ExitMMIO {
	return *(*ExitMMIO)(unsafe.Pointer(&k.exitReasonDataUnion[0]))
}

// controlPage is a vCPU's mmap'd kvm_run region.
type controlPage struct {
	mem []byte
	run *runData
}

func newControlPage(mem []byte) (*controlPage, error) {
	if len(mem) < runDataSize {
		return nil, fmt.Errorf("control page is %d bytes, need %d", len(mem), runDataSize)
	}
	return &controlPage{mem: mem, run: (*runData)(unsafe.Pointer(&mem[0]))}, nil
}

// decode copies the exit out of the page. The IO data window is checked
// against the page bounds; a window outside it is a protocol violation.
func (p *controlPage) decode() (Exit, error) {
	reason := ExitReason(p.run.exitReason)
	exit := Exit{Kind: reason.Kind(), Reason: reason}

	switch exit.Kind {
	case ExitKindIO:
		io := p.run.exitIO()
		n := uint64(io.Size) * uint64(io.Count)
		if io.DataOffset > uint64(len(p.mem)) || n > uint64(len(p.mem))-io.DataOffset {
			return exit, fmt.Errorf("%w: io data [%#x, +%d) outside %d byte control page",
				ErrProtocolViolation, io.DataOffset, n, len(p.mem))
		}
		data := make([]byte, n)
		copy(data, p.mem[io.DataOffset:io.DataOffset+n])
		exit.IO = &IOExit{ExitIO: io, Data: data}
	case ExitKindMMIO:
		mmio := p.run.exitMMIO()
		exit.MMIO = &mmio
	case ExitKindUnknown:
		unknown := p.run.exitUnknown()
		exit.Unknown = &unknown
	}
	return exit, nil
}
