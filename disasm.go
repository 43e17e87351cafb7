package kvm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

const (
	cr0PE   = 1
	eferLMA = 1 << 10

	maxInstLen = 15
)

// cpuMode returns the operand mode x86asm should decode with.
func cpuMode(sregs *SRegisters) int {
	switch {
	case sregs.Cr0&cr0PE == 0:
		return 16
	case sregs.Efer&eferLMA != 0 && sregs.Cs.L != 0:
		return 64
	case sregs.Cs.Db != 0:
		return 32
	}
	return 16
}

// Instruction decodes the instruction at CS:IP. Guest paging is not
// walked, so it is only meaningful while the guest runs without it.
func (c *VCPU) Instruction() (x86asm.Inst, string, error) {
	regs, err := c.GetRegisters()
	if err != nil {
		return x86asm.Inst{}, "", registerErr(ErrRegisterRead, err)
	}
	sregs, err := c.GetSRegisters()
	if err != nil {
		return x86asm.Inst{}, "", registerErr(ErrRegisterRead, err)
	}

	mode := cpuMode(&sregs)
	ip := regs.Rip
	if mode == 16 {
		ip &= 0xffff
	}
	addr := sregs.Cs.Base + ip

	mem := c.vm.mem.bytes()
	if addr >= uint64(len(mem)) {
		return x86asm.Inst{}, "", fmt.Errorf("instruction address %#x outside guest memory", addr)
	}
	end := min(addr+maxInstLen, uint64(len(mem)))

	inst, err := x86asm.Decode(mem[addr:end], mode)
	if err != nil {
		return x86asm.Inst{}, "", fmt.Errorf("decode at %#x: %w", addr, err)
	}
	return inst, x86asm.GNUSyntax(inst, ip, nil), nil
}
