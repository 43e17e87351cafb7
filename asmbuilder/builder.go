// Package asmbuilder assembles small flat guest images with the GNU
// toolchain.
package asmbuilder

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Mode is the operand size the image is assembled for.
type Mode int

const (
	// Real is 16-bit real mode, the mode a freshly reset vCPU starts in.
	Real Mode = 16
	// Protected is 32-bit protected mode.
	Protected Mode = 32
)

func (m Mode) directive() (string, error) {
	switch m {
	case Real:
		return ".code16\n", nil
	case Protected:
		return ".code32\n", nil
	}
	return "", fmt.Errorf("asmbuilder: unsupported mode %d", int(m))
}

// Available reports whether the binutils Build needs are on PATH.
func Available() bool {
	for _, tool := range []string{"as", "ld", "objcopy"} {
		if _, err := exec.LookPath(tool); err != nil {
			return false
		}
	}
	return true
}

// Build assembles asm for mode and returns a flat binary suitable for
// loading at guest-physical address 0. The entry point is _start.
func Build(asm []byte, mode Mode) ([]byte, error) {
	directive, err := mode.directive()
	if err != nil {
		return nil, err
	}

	td, err := os.MkdirTemp("", "asmbuilder")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(td)

	src := append([]byte(directive), asm...)

	var stderr bytes.Buffer
	opath := filepath.Join(td, "asm.o")
	cmd := exec.Command("as", "--32", "-o", opath, "--")
	cmd.Stdin = bytes.NewReader(src)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("as: %w: %s", err, stderr.String())
	}

	stderr.Reset()
	epath := filepath.Join(td, "asm.elf")
	cmd = exec.Command("ld", "-m", "elf_i386", "-Ttext=0", "-e", "_start", "-o", epath, opath)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ld: %w: %s", err, stderr.String())
	}

	// Only .text goes into the image; some toolchains add note sections
	// that would otherwise land in front of it.
	stderr.Reset()
	bpath := filepath.Join(td, "asm.bin")
	cmd = exec.Command("objcopy", "-O", "binary", "-j", ".text", epath, bpath)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("objcopy: %w: %s", err, stderr.String())
	}

	return os.ReadFile(bpath)
}
