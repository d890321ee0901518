package vm

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"
)

// =============================================================================
// Assembler
// =============================================================================

type operandKind uint8

const (
	operandNone operandKind = iota
	operandInt              // signed 24-bit literal
	operandSlot             // unsigned literal
	operandLabel
	operandImport
	operandName
)

var operands = map[opcode]operandKind{
	opPush:  operandInt,
	opLoad:  operandSlot,
	opStore: operandSlot,
	opAlloc: operandSlot,

	opJump:        operandLabel,
	opJumpZero:    operandLabel,
	opJumpNotZero: operandLabel,
	opCall:        operandLabel,

	opSpawn:   operandImport,
	opLock:    operandName,
	opUnlock:  operandName,
	opRequest: operandName,
	opCrash:   operandName,
}

var mnemonics = func() map[string]opcode {
	m := make(map[string]opcode, opCount)
	for op := opcode(0); op < opCount; op++ {
		m[opNames[op]] = op
	}
	return m
}()

type fixup struct {
	ip    int
	label string
	line  int
}

// Assemble translates assembly text into a program.
//
// One instruction per line; ';' and '#' start comments. A line may start
// with "label:". Directives: ".locals N" reserves local slots. Operands of
// spawn are unit IDs; operands of lock, unlock, request and crash are names.
//
//	.locals 1
//	loop:
//	    recv
//	    store 0
//	    sender
//	    load 0
//	    send
//	    pop
//	    jump loop
func Assemble(src string) (*Program, error) {
	p := &Program{}
	labels := make(map[string]int)
	imports := make(map[string]int)
	names := make(map[string]int)
	var fixups []fixup

	intern := func(table *[]string, index map[string]int, s string) uint32 {
		if i, ok := index[s]; ok {
			return uint32(i)
		}
		index[s] = len(*table)
		*table = append(*table, s)
		return uint32(index[s])
	}

	sc := bufio.NewScanner(strings.NewReader(src))
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexAny(text, ";#"); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if i := strings.IndexByte(text, ':'); i >= 0 {
			label := strings.TrimSpace(text[:i])
			if label == "" || strings.ContainsAny(label, " \t") {
				return nil, fmt.Errorf("%w: line %d: bad label %q", ErrBadProgram, line, label)
			}
			if _, dup := labels[label]; dup {
				return nil, fmt.Errorf("%w: line %d: duplicate label %q", ErrBadProgram, line, label)
			}
			labels[label] = len(p.Code)
			text = strings.TrimSpace(text[i+1:])
		}
		if text == "" {
			continue
		}

		fields := strings.Fields(text)
		if fields[0] == ".locals" {
			if len(fields) != 2 {
				return nil, fmt.Errorf("%w: line %d: .locals takes one operand", ErrBadProgram, line)
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 0 || n > maxLocals {
				return nil, fmt.Errorf("%w: line %d: bad local count %q", ErrBadProgram, line, fields[1])
			}
			p.Locals = n
			continue
		}

		op, ok := mnemonics[strings.ToLower(fields[0])]
		if !ok {
			return nil, fmt.Errorf("%w: line %d: unknown instruction %q", ErrBadProgram, line, fields[0])
		}
		kind := operands[op]
		if (kind == operandNone) != (len(fields) == 1) || len(fields) > 2 {
			return nil, fmt.Errorf("%w: line %d: wrong operand count for %s", ErrBadProgram, line, op)
		}

		var imm uint32
		switch kind {
		case operandInt:
			v, err := strconv.ParseInt(fields[1], 0, 64)
			if err != nil || v < minImm || v > maxImm {
				return nil, fmt.Errorf("%w: line %d: bad immediate %q", ErrBadProgram, line, fields[1])
			}
			imm = uint32(v) & 0xFFFFFF
		case operandSlot:
			v, err := strconv.ParseUint(fields[1], 0, 24)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: bad operand %q", ErrBadProgram, line, fields[1])
			}
			imm = uint32(v)
		case operandLabel:
			fixups = append(fixups, fixup{ip: len(p.Code), label: fields[1], line: line})
		case operandImport:
			imm = intern(&p.Imports, imports, fields[1])
		case operandName:
			imm = intern(&p.Names, names, unquote(fields[1]))
		}
		p.Code = append(p.Code, pack(op, imm))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadProgram, err)
	}

	for _, f := range fixups {
		target, ok := labels[f.label]
		if !ok {
			return nil, fmt.Errorf("%w: line %d: undefined label %q", ErrBadProgram, f.line, f.label)
		}
		p.Code[f.ip] = pack(uop(p.Code[f.ip]), uint32(target))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func unquote(s string) string {
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return s
}

// MustAssemble is like Assemble but panics on error. It is meant for
// programs embedded in source.
func MustAssemble(src string) *Program {
	p, err := Assemble(src)
	if err != nil {
		panic(err)
	}
	return p
}

// Compile assembles src into a compiled unit with the given ID.
func Compile(id, src string) (*kernel.CompiledUnit, error) {
	p, err := Assemble(src)
	if err != nil {
		return nil, fmt.Errorf("unit %q: %w", id, err)
	}
	return &kernel.CompiledUnit{ID: id, Code: p.Encode()}, nil
}
