package pe

import "fmt"

// Machine is the COFF machine field
type Machine uint16

const (
	MachineUnknown Machine = 0
	MachineI386    Machine = 0x014C
	MachineARM     Machine = 0x01C4
	MachineRiscv64 Machine = 0x5064
	MachineAMD64   Machine = 0x8664
	MachineARM64   Machine = 0xAA64
)

func (m Machine) String() string {
	switch m {
	case MachineI386:
		return "i386"
	case MachineARM:
		return "arm"
	case MachineRiscv64:
		return "riscv64"
	case MachineAMD64:
		return "x86_64"
	case MachineARM64:
		return "aarch64"
	case MachineUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("machine(0x%04x)", uint16(m))
	}
}
