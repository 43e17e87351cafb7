package kvm

import (
	"errors"
	"fmt"
	"io"
)

const imageChunk = 4096

// LoadImage copies a flat guest image from r into guest memory starting at
// offset 0 and returns the number of bytes loaded. It must be called before
// any vCPU runs.
func (vm *VM) LoadImage(r io.Reader) (int, error) {
	if err := vm.enter(); err != nil {
		return 0, err
	}
	defer vm.leave()

	mem := vm.mem.bytes()
	n := 0
	for n < len(mem) {
		end := min(n+imageChunk, len(mem))
		m, err := r.Read(mem[n:end])
		n += m
		if errors.Is(err, io.EOF) {
			vm.log.WithField("bytes", n).Debug("guest image loaded")
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("%w: %w", ErrImageLoad, err)
		}
	}

	// Memory is full; the image fits only if r has nothing left.
	var extra [1]byte
	for {
		m, err := r.Read(extra[:])
		if m > 0 {
			return n, fmt.Errorf("%w: more than %d bytes", ErrImageTooLarge, len(mem))
		}
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("%w: %w", ErrImageLoad, err)
		}
	}
}
