package machine

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// VtoP walks the guest page tables for vaddr via KVM_TRANSLATE.
func (m *Machine) VtoP(cpu int, vaddr uint64) (int64, error) {
	fd, err := m.kvm.CPUToFD(cpu)
	if err != nil {
		return 0, err
	}
	t := &Translation{
		LinearAddress: vaddr,
	}
	if err := Translate(fd, t); err != nil {
		return -1, err
	}
	if t.Valid == 0 || t.PhysicalAddress > m.phyMem.Len() {
		return -1, fmt.Errorf("%#x:valid not set:%w", vaddr, ErrBadVA)
	}
	return int64(t.PhysicalAddress), nil
}

func (m *Machine) ReadBytes(cpu int, b []byte, vaddr uint64) (int, error) {
	pa, err := m.VtoP(cpu, vaddr)
	if err != nil {
		return -1, err
	}
	return m.phyMem.ReadAt(b, pa)
}

// Inst decodes the instruction at the vCPU's current RIP.
func (m *Machine) Inst(cpu int) (*x86asm.Inst, *Regs, string, error) {
	r, err := m.GetRegs(cpu)
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst:Getregs:%w", err)
	}

	pc := r.RIP
	insn := make([]byte, 16)
	if _, err := m.ReadBytes(cpu, insn, pc); err != nil {
		return nil, nil, "", fmt.Errorf("reading PC at #%x:%w", pc, err)
	}

	d, err := x86asm.Decode(insn, 64)
	if err != nil {
		return nil, nil, "", fmt.Errorf("decoding %#02x:%w", insn, err)
	}
	return &d, r, x86asm.GNUSyntax(d, r.RIP, nil), nil
}
