// Package vm is a small stack-machine step engine for the kernel.
//
// A Program is a flat slice of 32-bit instructions: the top byte is the
// opcode and the low 24 bits an immediate. All machine state (instruction
// pointer, locals, heap and operand stack) lives in the process region, so a
// hibernated process resumes exactly where it stopped.
package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrBadProgram is returned for code that cannot be decoded or assembled.
var ErrBadProgram = errors.New("bad program")

// =============================================================================
// Instruction Encoding
// =============================================================================

type opcode uint8

const (
	opNop opcode = iota

	// stack
	opPush // push sign-extended imm
	opPop
	opDup
	opSwap
	opOver

	// arithmetic / compare
	opAdd
	opSub
	opMul
	opDiv
	opMod
	opNeg
	opEq
	opLt
	opGt
	opNot

	// locals and heap
	opLoad   // push locals[imm]
	opStore  // pop into locals[imm]
	opAlloc  // grow heap by imm bytes; push old heap length
	opLoad8  // pop addr; push heap[addr]
	opStore8 // pop value, addr; heap[addr] = byte(value)

	// control flow
	opJump
	opJumpZero    // pop cond; jump when zero
	opJumpNotZero // pop cond; jump when not zero
	opCall        // push return address; ip = imm
	opRet         // pop result, return address; push result
	opYield
	opHalt
	opCrash // crash with names[imm]

	// kernel calls
	opRecv    // pop next message value, or wait
	opSender  // push sender of the last received message
	opSelf    // push own pid
	opPending // push mailbox length
	opSend    // pop value, pid; push 1 if delivered
	opSpawn   // spawn imports[imm]; push pid or 0
	opLink    // pop pid; push 1 if linked
	opLock    // take lock names[imm], yielding while held elsewhere
	opUnlock  // release lock names[imm]
	opRequest // push 1 if operation names[imm] is allowed

	opCount
)

var opNames = [opCount]string{
	opNop: "nop", opPush: "push", opPop: "pop", opDup: "dup", opSwap: "swap", opOver: "over",
	opAdd: "add", opSub: "sub", opMul: "mul", opDiv: "div", opMod: "mod", opNeg: "neg",
	opEq: "eq", opLt: "lt", opGt: "gt", opNot: "not",
	opLoad: "load", opStore: "store", opAlloc: "alloc", opLoad8: "load8", opStore8: "store8",
	opJump: "jump", opJumpZero: "jz", opJumpNotZero: "jnz", opCall: "call", opRet: "ret",
	opYield: "yield", opHalt: "halt", opCrash: "crash",
	opRecv: "recv", opSender: "sender", opSelf: "self", opPending: "pending", opSend: "send",
	opSpawn: "spawn", opLink: "link", opLock: "lock", opUnlock: "unlock", opRequest: "request",
}

func (o opcode) String() string {
	if o < opCount {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// pack/unpack helpers
func pack(op opcode, imm uint32) uint32 { return uint32(op)<<24 | (imm & 0xFFFFFF) }
func uop(i uint32) opcode               { return opcode(i >> 24) }
func uimm(i uint32) uint32              { return i & 0xFFFFFF }

// simm sign-extends a 24-bit immediate.
func simm(i uint32) int64 { return int64(int32(i<<8) >> 8) }

const (
	minImm = -(1 << 23)
	maxImm = 1<<23 - 1
)

// =============================================================================
// Program
// =============================================================================

// Program is a decoded compiled unit.
type Program struct {
	// Locals is the number of 8-byte local slots.
	Locals int
	Code   []uint32
	// Imports are the unit IDs the program may spawn, by index.
	Imports []string
	// Names are lock names, operation names and crash reasons, by index.
	Names []string
}

const (
	programMagic   = "AKVM"
	programVersion = 1
	// magic(4) version(2) reserved(2) locals(4) code(4) imports(4) names(4)
	programHeaderSize = 24
	maxLocals         = 1 << 16
)

// Validate checks every immediate against the program's tables.
func (p *Program) Validate() error {
	if p.Locals < 0 || p.Locals > maxLocals {
		return fmt.Errorf("%w: %d locals", ErrBadProgram, p.Locals)
	}
	for ip, ins := range p.Code {
		op, imm := uop(ins), int(uimm(ins))
		var limit int
		switch op {
		case opLoad, opStore:
			limit = p.Locals
		case opJump, opJumpZero, opJumpNotZero, opCall:
			limit = len(p.Code)
		case opSpawn:
			limit = len(p.Imports)
		case opLock, opUnlock, opRequest, opCrash:
			limit = len(p.Names)
		default:
			if op >= opCount {
				return fmt.Errorf("%w: unknown opcode %d at %d", ErrBadProgram, uint8(op), ip)
			}
			continue
		}
		if imm >= limit {
			return fmt.Errorf("%w: %s operand %d out of range at %d", ErrBadProgram, op, imm, ip)
		}
	}
	return nil
}

// Encode serializes the program into compiled-unit code.
func (p *Program) Encode() []byte {
	size := programHeaderSize + 4*len(p.Code)
	for _, s := range p.Imports {
		size += 2 + len(s)
	}
	for _, s := range p.Names {
		size += 2 + len(s)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, programMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, programVersion)
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.Locals))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Code)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Imports)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Names)))
	for _, ins := range p.Code {
		buf = binary.LittleEndian.AppendUint32(buf, ins)
	}
	for _, s := range p.Imports {
		buf = appendString(buf, s)
	}
	for _, s := range p.Names {
		buf = appendString(buf, s)
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// Decode parses and validates compiled-unit code.
func Decode(data []byte) (*Program, error) {
	if len(data) < programHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrBadProgram, len(data))
	}
	if string(data[:4]) != programMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadProgram)
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != programVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadProgram, v)
	}
	locals := binary.LittleEndian.Uint32(data[8:])
	nCode := binary.LittleEndian.Uint32(data[12:])
	nImports := binary.LittleEndian.Uint32(data[16:])
	nNames := binary.LittleEndian.Uint32(data[20:])

	rest := data[programHeaderSize:]
	if uint64(nCode)*4 > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: truncated code", ErrBadProgram)
	}
	p := &Program{Locals: int(locals), Code: make([]uint32, nCode)}
	for i := range p.Code {
		p.Code[i] = binary.LittleEndian.Uint32(rest[4*i:])
	}
	rest = rest[4*nCode:]

	var err error
	if p.Imports, rest, err = readStrings(rest, nImports); err != nil {
		return nil, err
	}
	if p.Names, rest, err = readStrings(rest, nNames); err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadProgram, len(rest))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func readStrings(b []byte, n uint32) ([]string, []byte, error) {
	if uint64(n)*2 > uint64(len(b)) {
		return nil, nil, fmt.Errorf("%w: truncated string table", ErrBadProgram)
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(b) < 2 {
			return nil, nil, fmt.Errorf("%w: truncated string table", ErrBadProgram)
		}
		l := int(binary.LittleEndian.Uint16(b))
		if len(b) < 2+l {
			return nil, nil, fmt.Errorf("%w: truncated string", ErrBadProgram)
		}
		out = append(out, string(b[2:2+l]))
		b = b[2+l:]
	}
	return out, b, nil
}
