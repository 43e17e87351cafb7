package kvm

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM Ioctls
const (
	ioctlKVMGetAPIVersion       = 0xAE00
	ioctlKVMCreateVM            = 0xAE01
	ioctlKVMCheckExtension      = 0xAE03
	ioctlKVMGetVCPUMMAPSize     = 0xAE04
	ioctlKVMSetUserMemoryRegion = 0x4020AE46
	ioctlKVMCreateVCPU          = 0xAE41
	ioctlKVMGetRegs             = 0x8090AE81
	ioctlKVMSetRegs             = 0x4090AE82
	ioctlKVMGetSRegs            = 0x8138AE83
	ioctlKVMSetSRegs            = 0x4138AE84
	ioctlKVMRun                 = 0xAE80
)

// https://github.com/golang/sys/blob/master/unix/syscall_unix.go#L33
func errnoErr(e syscall.Errno) error {
	switch e {
	case 0:
		return nil
	case unix.EAGAIN:
		return syscall.EAGAIN
	case unix.EINVAL:
		return syscall.EINVAL
	case unix.ENOENT:
		return syscall.ENOENT
	case unix.EINTR:
		return syscall.EINTR
	}
	return e
}

// syscaller is the host side of the device boundary. Everything the
// package does to the kernel goes through it.
type syscaller interface {
	open(path string) (uintptr, error)
	// ioctl passes arg by value (ids, capability numbers).
	ioctl(fd uintptr, req uint, arg uintptr) (uintptr, error)
	// ioctlPtr passes a pointer to a kernel ABI struct.
	ioctlPtr(fd uintptr, req uint, arg unsafe.Pointer) (uintptr, error)
	mmap(fd int, length int, prot int, flags int) ([]byte, error)
	munmap(b []byte) error
	close(fd uintptr) error
}

// An osSyscaller does real system calls.
type osSyscaller struct{}

var osSys syscaller = osSyscaller{}

func (osSyscaller) open(path string) (uintptr, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	return uintptr(fd), nil
}

func (osSyscaller) ioctl(fd uintptr, req uint, arg uintptr) (uintptr, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), arg)
	if errno != 0 {
		return ret, errnoErr(errno)
	}
	return ret, nil
}

func (osSyscaller) ioctlPtr(fd uintptr, req uint, arg unsafe.Pointer) (uintptr, error) {
	ret, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(req), uintptr(arg))
	if errno != 0 {
		return ret, errnoErr(errno)
	}
	return ret, nil
}

func (osSyscaller) mmap(fd int, length int, prot int, flags int) ([]byte, error) {
	return unix.Mmap(fd, 0, length, prot, flags)
}

func (osSyscaller) munmap(b []byte) error {
	return unix.Munmap(b)
}

func (osSyscaller) close(fd uintptr) error {
	return unix.Close(int(fd))
}
