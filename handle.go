package kvm

import "sync"

// noCopy makes go vet's copylocks check flag copies of the types that
// embed it.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// fdHandle owns one kernel file descriptor. It is only ever used through a
// pointer and releases the descriptor at most once.
type fdHandle struct {
	_ noCopy

	sys  syscaller
	fd   uintptr
	once sync.Once
}

func newFDHandle(sys syscaller, fd uintptr) *fdHandle {
	return &fdHandle{sys: sys, fd: fd}
}

func (h *fdHandle) release() error {
	err := ErrHandleReleased
	h.once.Do(func() {
		err = h.sys.close(h.fd)
	})
	return err
}

// mapping owns one mmap'd region.
type mapping struct {
	_ noCopy

	sys  syscaller
	mem  []byte
	once sync.Once
}

func newMapping(sys syscaller, mem []byte) *mapping {
	return &mapping{sys: sys, mem: mem}
}

func (m *mapping) bytes() []byte {
	return m.mem
}

func (m *mapping) release() error {
	err := ErrHandleReleased
	m.once.Do(func() {
		err = m.sys.munmap(m.mem)
		m.mem = nil
	})
	return err
}
