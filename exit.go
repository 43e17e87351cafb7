package kvm

import (
	"encoding/binary"
	"fmt"
)

// ExitReason is the raw exit_reason code the kernel writes to the control
// page.
type ExitReason uint32

const (
	ExitReasonUnknown ExitReason = iota
	ExitReasonException
	ExitReasonIO
	ExitReasonHypercall
	ExitReasonDebug
	ExitReasonHlt
	ExitReasonMmio
	ExitReasonIrqWindowOpen
	ExitReasonShutdown
	ExitReasonFailEntry
	ExitReasonIntr
	ExitReasonSetTpr
	ExitReasonTprAccess
	ExitReasonS390Sieic
	ExitReasonS390Reset
	ExitReasonDcr
	ExitReasonNmi
	ExitReasonInternalError
	ExitReasonOsi
	ExitReasonPaprHcall
	ExitReasonS390Ucontrol
	ExitReasonWatchdog
	ExitReasonS390Tsch
	ExitReasonEpr
	ExitReasonSystemEvent
	ExitReasonS390Stsi
	ExitReasonIoapicEoi
	ExitReasonHyperv
)

var exitReasonNames = [...]string{
	"UNKNOWN", "EXCEPTION", "IO", "HYPERCALL", "DEBUG", "HLT", "MMIO",
	"IRQ_WINDOW_OPEN", "SHUTDOWN", "FAIL_ENTRY", "INTR", "SET_TPR",
	"TPR_ACCESS", "S390_SIEIC", "S390_RESET", "DCR", "NMI", "INTERNAL_ERROR",
	"OSI", "PAPR_HCALL", "S390_UCONTROL", "WATCHDOG", "S390_TSCH", "EPR",
	"SYSTEM_EVENT", "S390_STSI", "IOAPIC_EOI", "HYPERV",
}

func (r ExitReason) String() string {
	if int(r) < len(exitReasonNames) {
		return "KVM_EXIT_" + exitReasonNames[r]
	}
	return fmt.Sprintf("KVM_EXIT(%d)", uint32(r))
}

// ExitKind classifies an exit for dispatch.
type ExitKind int

const (
	// ExitKindNone marks an Exit that was never read from the control
	// page, as in events and results for failures.
	ExitKindNone ExitKind = iota
	ExitKindUnknown
	ExitKindDebug
	ExitKindIO
	ExitKindMMIO
	ExitKindInterrupted
	ExitKindShutdown
	ExitKindOther
)

func (k ExitKind) String() string {
	switch k {
	case ExitKindNone:
		return "none"
	case ExitKindUnknown:
		return "unknown"
	case ExitKindDebug:
		return "debug"
	case ExitKindIO:
		return "io"
	case ExitKindMMIO:
		return "mmio"
	case ExitKindInterrupted:
		return "interrupted"
	case ExitKindShutdown:
		return "shutdown"
	case ExitKindOther:
		return "other"
	}
	return fmt.Sprintf("ExitKind(%d)", int(k))
}

// Kind maps a raw exit code onto the kinds the run loop distinguishes.
// Codes with no kind of their own are ExitKindOther.
func (r ExitReason) Kind() ExitKind {
	switch r {
	case ExitReasonUnknown:
		return ExitKindUnknown
	case ExitReasonDebug:
		return ExitKindDebug
	case ExitReasonIO:
		return ExitKindIO
	case ExitReasonMmio:
		return ExitKindMMIO
	case ExitReasonIntr:
		return ExitKindInterrupted
	case ExitReasonShutdown:
		return ExitKindShutdown
	}
	return ExitKindOther
}

// Disposition is what the run loop does after an exit.
type Disposition int

const (
	Resume Disposition = iota
	Terminate
)

func (d Disposition) String() string {
	if d == Terminate {
		return "terminate"
	}
	return "resume"
}

// Dispatch decides whether the vCPU keeps running after an exit of kind k.
// Only shutdown and unrecognized exits end the run loop.
func Dispatch(k ExitKind) Disposition {
	switch k {
	case ExitKindUnknown, ExitKindDebug, ExitKindIO, ExitKindMMIO, ExitKindInterrupted:
		return Resume
	}
	return Terminate
}

type IODirection uint8

const (
	IODirectionIn  IODirection = 0
	IODirectionOut IODirection = 1
)

func (d IODirection) String() string {
	if d == IODirectionOut {
		return "out"
	}
	return "in"
}

type ExitIO struct {
	Direction  IODirection
	Size       uint8
	Port       uint16
	Count      uint32
	DataOffset uint64
}

type ExitUnknown struct {
	HardwareExitReason uint64
}

type ExitMMIO struct {
	PhysAddr uint64
	Data     [8]byte
	Len      uint32
	IsWrite  uint8
}

// IOExit is a port I/O exit with its data copied out of the control page.
type IOExit struct {
	ExitIO
	Data []byte
}

// Value returns the first element of the transfer as a little-endian
// integer of Size bytes.
func (io *IOExit) Value() uint64 {
	if len(io.Data) < int(io.Size) {
		return 0
	}
	switch io.Size {
	case 1:
		return uint64(io.Data[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(io.Data))
	case 4:
		return uint64(binary.LittleEndian.Uint32(io.Data))
	case 8:
		return binary.LittleEndian.Uint64(io.Data)
	}
	return 0
}

// Exit is a snapshot of why a run request returned. Only the payload that
// matches Kind is set.
type Exit struct {
	Kind   ExitKind
	Reason ExitReason

	IO      *IOExit
	MMIO    *ExitMMIO
	Unknown *ExitUnknown
}

func (e Exit) String() string {
	switch {
	case e.IO != nil:
		return fmt.Sprintf("%s port=%#x dir=%s size=%d count=%d", e.Kind, e.IO.Port, e.IO.Direction, e.IO.Size, e.IO.Count)
	case e.MMIO != nil:
		return fmt.Sprintf("%s addr=%#x len=%d write=%t", e.Kind, e.MMIO.PhysAddr, e.MMIO.Len, e.MMIO.IsWrite != 0)
	case e.Kind == ExitKindOther:
		return fmt.Sprintf("%s (%s)", e.Kind, e.Reason)
	}
	return e.Kind.String()
}
