// Package branch defines the branch record replayed by the simulator.
package branch

import "fmt"

// OpCode is the 4-bit abstract opcode of a branch instruction. It encodes
// the base type (jump, call or return) and whether the branch is
// conditional and/or indirect.
type OpCode uint8

const (
	// OpCND marks a conditional branch.
	OpCND OpCode = 0b0001
	// OpIND marks an indirect branch.
	OpIND OpCode = 0b0010
	// OpTypeMask selects the base type bits.
	OpTypeMask OpCode = 0b1100

	// OpJump is the plain jump base type.
	OpJump OpCode = 0b0000
	// OpRet is the return-from-function base type.
	OpRet OpCode = 0b0100
	// OpCall is the function call base type.
	OpCall OpCode = 0b1000

	// NumOpCodes is the number of values representable in an opcode field.
	NumOpCodes = 16
)

// Type returns the base type of the opcode.
func (o OpCode) Type() OpCode {
	return o & OpTypeMask
}

// IsConditional tells whether the conditional bit is set.
func (o OpCode) IsConditional() bool {
	return o&OpCND != 0
}

// IsIndirect tells whether the indirect bit is set.
func (o OpCode) IsIndirect() bool {
	return o&OpIND != 0
}

// IsValid reports whether the opcode fits in 4 bits and has a known type.
func (o OpCode) IsValid() bool {
	return o < NumOpCodes && o.Type() != OpTypeMask
}

func (o OpCode) String() string {
	s := "DIR "
	if o.IsIndirect() {
		s = "IND "
	}

	if o.IsConditional() {
		s += "CND "
	} else {
		s += "UCD "
	}

	switch o.Type() {
	case OpJump:
		s += "JUMP"
	case OpCall:
		s += "CALL"
	case OpRet:
		s += " RET"
	default:
		s += "????"
	}

	return s
}

// Branch is one observed branch together with its outcome.
type Branch struct {
	ip     uint64
	target uint64
	opcode OpCode
	taken  bool
}

// New creates a branch record.
func New(ip, target uint64, opcode OpCode, taken bool) Branch {
	return Branch{
		ip:     ip,
		target: target,
		opcode: opcode,
		taken:  taken,
	}
}

// IP returns the branch program address.
func (b Branch) IP() uint64 { return b.ip }

// Target returns the branch target address.
func (b Branch) Target() uint64 { return b.target }

// OpCode returns the branch opcode.
func (b Branch) OpCode() OpCode { return b.opcode }

// IsTaken tells whether the branch was taken according to the trace.
func (b Branch) IsTaken() bool { return b.taken }

// IsConditional tells whether the branch is conditional.
func (b Branch) IsConditional() bool { return b.opcode.IsConditional() }

// IsIndirect tells whether the branch is indirect.
func (b Branch) IsIndirect() bool { return b.opcode.IsIndirect() }

// Type returns the base type of the branch.
func (b Branch) Type() OpCode { return b.opcode.Type() }

func (b Branch) String() string {
	outcome := "NOT_TAKEN"
	if b.taken {
		outcome = "TAKEN"
	}

	return fmt.Sprintf("0x%016x 0x%016x %s %s",
		b.ip, b.target, b.opcode, outcome)
}
