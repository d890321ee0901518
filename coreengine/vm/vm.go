package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"
)

// =============================================================================
// Region Layout
// =============================================================================
//
//	[0:4)   instruction pointer
//	[4:8)   heap length in bytes
//	[8:16)  sender of the last received message
//	[16:..) locals (8 bytes each), heap, operand stack (8 bytes per slot)
//
// The operand stack is always the tail of the region, so its depth is
// derived from the region length.

const (
	offIP      = 0
	offHeap    = 4
	offFrom    = 8
	headerSize = 16
	slotSize   = 8
)

// Message values pushed by recv for kernel notifications.
const (
	ExitSignalValue = -1
	DownValue       = -2
)

// UnitLookup resolves the units a program spawns. *kernel.UnitRegistry
// satisfies it.
type UnitLookup interface {
	Lookup(id string) (*kernel.CompiledUnit, bool)
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxStack caps the operand stack depth in slots.
func WithMaxStack(slots int) Option {
	return func(e *Engine) {
		if slots > 0 {
			e.maxStack = slots
		}
	}
}

// WithSliceLimit caps how many instructions one step runs when the budget
// carries no instruction count.
func WithSliceLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sliceLimit = n
		}
	}
}

type cachedProgram struct {
	sum  uint64
	prog *Program
}

// Engine runs Programs as kernel processes. It is safe for concurrent use;
// per-process state lives only in the execution context.
type Engine struct {
	units      UnitLookup
	logger     kernel.Logger
	programs   cmap.ConcurrentMap[string, *cachedProgram]
	maxStack   int
	sliceLimit int
}

// New creates an engine. units may be nil when no program spawns.
func New(units UnitLookup, logger kernel.Logger, opts ...Option) *Engine {
	e := &Engine{
		units:      units,
		logger:     logger,
		programs:   cmap.New[*cachedProgram](),
		maxStack:   1 << 16,
		sliceLimit: 1 << 20,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Program returns the decoded program of unit, decoding it on first use.
func (e *Engine) Program(unit *kernel.CompiledUnit) (*Program, error) {
	if unit == nil {
		return nil, fmt.Errorf("%w: no unit", ErrBadProgram)
	}
	sum := xxhash.Sum64(unit.Code)
	if c, ok := e.programs.Get(unit.ID); ok && c.sum == sum {
		return c.prog, nil
	}
	prog, err := Decode(unit.Code)
	if err != nil {
		if e.logger != nil {
			e.logger.Error("vm_program_invalid", "unit_id", unit.ID, "error", err.Error())
		}
		return nil, err
	}
	e.programs.Set(unit.ID, &cachedProgram{sum: sum, prog: prog})
	if e.logger != nil {
		e.logger.Debug("vm_program_loaded", "unit_id", unit.ID, "instructions", len(prog.Code))
	}
	return prog, nil
}

// Step runs the process until the budget is spent or it stops.
func (e *Engine) Step(ctx *kernel.ExecContext, budget kernel.Budget) kernel.StepResult {
	start := time.Now()
	before := len(ctx.Region)

	res := e.step(ctx, budget, start)
	res.CPU = time.Since(start)
	res.MemoryDelta = int64(len(ctx.Region) - before)
	return res
}

func (e *Engine) step(ctx *kernel.ExecContext, budget kernel.Budget, start time.Time) kernel.StepResult {
	prog, err := e.Program(ctx.Unit())
	if err != nil {
		return crashed(0, kernel.CrashReason(err.Error()))
	}
	m, err := attach(ctx, prog)
	if err != nil {
		return crashed(0, kernel.CrashReason(err.Error()))
	}
	res := e.run(m, budget, start)
	m.saveIP()
	return res
}

func crashed(n int, reason kernel.ExitReason) kernel.StepResult {
	return kernel.StepResult{Outcome: kernel.OutcomeCrashed, Reason: reason, Instructions: n}
}

// =============================================================================
// Machine
// =============================================================================

var (
	errStackUnderflow = errors.New("operand stack underflow")
	errHeapRange      = errors.New("heap access out of range")
)

// machine is a view over one process region for the duration of a step.
type machine struct {
	ctx  *kernel.ExecContext
	prog *Program
	ip   uint32
	heap int
}

func attach(ctx *kernel.ExecContext, prog *Program) (*machine, error) {
	if len(ctx.Region) == 0 {
		ctx.Region = append(ctx.Region[:0], make([]byte, headerSize+slotSize*prog.Locals)...)
	}
	if len(ctx.Region) < headerSize {
		return nil, errors.New("corrupted region header")
	}
	m := &machine{
		ctx:  ctx,
		prog: prog,
		ip:   binary.LittleEndian.Uint32(ctx.Region[offIP:]),
		heap: int(binary.LittleEndian.Uint32(ctx.Region[offHeap:])),
	}
	if rest := len(ctx.Region) - m.stackBase(); rest < 0 || rest%slotSize != 0 {
		return nil, errors.New("corrupted region layout")
	}
	return m, nil
}

func (m *machine) saveIP() {
	binary.LittleEndian.PutUint32(m.ctx.Region[offIP:], m.ip)
}

func (m *machine) stackBase() int { return headerSize + slotSize*m.prog.Locals + m.heap }
func (m *machine) depth() int     { return (len(m.ctx.Region) - m.stackBase()) / slotSize }

func (m *machine) push(v int64) {
	m.ctx.Region = binary.LittleEndian.AppendUint64(m.ctx.Region, uint64(v))
}

func (m *machine) pop() (int64, error) {
	n := len(m.ctx.Region)
	if n-slotSize < m.stackBase() {
		return 0, errStackUnderflow
	}
	v := int64(binary.LittleEndian.Uint64(m.ctx.Region[n-slotSize:]))
	m.ctx.Region = m.ctx.Region[:n-slotSize]
	return v, nil
}

func (m *machine) pop2() (a, b int64, err error) {
	if b, err = m.pop(); err != nil {
		return 0, 0, err
	}
	if a, err = m.pop(); err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func (m *machine) local(i uint32) []byte {
	off := headerSize + slotSize*int(i)
	return m.ctx.Region[off : off+slotSize]
}

func (m *machine) heapSlice() []byte {
	base := headerSize + slotSize*m.prog.Locals
	return m.ctx.Region[base : base+m.heap]
}

// alloc grows the heap by n zero bytes, shifting the operand stack up.
func (m *machine) alloc(n int) int {
	old := m.heap
	base := m.stackBase()
	stack := len(m.ctx.Region) - base
	m.ctx.Region = append(m.ctx.Region, make([]byte, n)...)
	copy(m.ctx.Region[base+n:], m.ctx.Region[base:base+stack])
	clear(m.ctx.Region[base : base+n])
	m.heap += n
	binary.LittleEndian.PutUint32(m.ctx.Region[offHeap:], uint32(m.heap))
	return old
}

func (m *machine) setSender(pid kernel.PID) {
	binary.LittleEndian.PutUint64(m.ctx.Region[offFrom:], uint64(pid))
}

func (m *machine) sender() kernel.PID {
	return kernel.PID(binary.LittleEndian.Uint64(m.ctx.Region[offFrom:]))
}

// =============================================================================
// Values
// =============================================================================

// EncodeValue is the payload send produces: 8 little-endian bytes.
func EncodeValue(v int64) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(v))
}

// DecodeValue maps a payload to the value recv pushes. Eight-byte payloads
// are little-endian integers, decimal text is parsed, anything else yields
// its length.
func DecodeValue(payload []byte) int64 {
	if len(payload) == slotSize {
		return int64(binary.LittleEndian.Uint64(payload))
	}
	if v, err := strconv.ParseInt(string(payload), 10, 64); err == nil {
		return v
	}
	return int64(len(payload))
}

func boolValue(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// =============================================================================
// Interpreter Loop
// =============================================================================

func (e *Engine) run(m *machine, budget kernel.Budget, start time.Time) kernel.StepResult {
	limit := budget.Instructions
	if limit <= 0 {
		limit = e.sliceLimit
	}
	code := m.prog.Code
	ctx := m.ctx

	fail := func(n int, err error) kernel.StepResult {
		return crashed(n, kernel.CrashReason(fmt.Sprintf("%v at %d", err, m.ip)))
	}

	n := 0
	for {
		if n >= limit {
			return kernel.StepResult{Outcome: kernel.OutcomeContinue, Instructions: n}
		}
		if budget.CPU > 0 && n&0xFF == 0xFF && time.Since(start) >= budget.CPU {
			return kernel.StepResult{Outcome: kernel.OutcomeContinue, Instructions: n}
		}
		if int(m.ip) >= len(code) {
			// Running off the end finishes the process.
			return kernel.StepResult{Outcome: kernel.OutcomeCompleted, Instructions: n}
		}
		if m.depth() >= e.maxStack {
			return crashed(n, kernel.CrashReason("operand stack overflow"))
		}

		ins := code[m.ip]
		op, imm := uop(ins), uimm(ins)
		next := m.ip + 1

		switch op {
		case opNop:

		case opPush:
			m.push(simm(imm))
		case opPop:
			if _, err := m.pop(); err != nil {
				return fail(n, err)
			}
		case opDup:
			v, err := m.pop()
			if err != nil {
				return fail(n, err)
			}
			m.push(v)
			m.push(v)
		case opSwap:
			a, b, err := m.pop2()
			if err != nil {
				return fail(n, err)
			}
			m.push(b)
			m.push(a)
		case opOver:
			a, b, err := m.pop2()
			if err != nil {
				return fail(n, err)
			}
			m.push(a)
			m.push(b)
			m.push(a)

		case opAdd, opSub, opMul, opDiv, opMod, opEq, opLt, opGt:
			a, b, err := m.pop2()
			if err != nil {
				return fail(n, err)
			}
			var v int64
			switch op {
			case opAdd:
				v = a + b
			case opSub:
				v = a - b
			case opMul:
				v = a * b
			case opDiv, opMod:
				if b == 0 {
					return fail(n, errors.New("division by zero"))
				}
				if op == opDiv {
					v = a / b
				} else {
					v = a % b
				}
			case opEq:
				v = boolValue(a == b)
			case opLt:
				v = boolValue(a < b)
			case opGt:
				v = boolValue(a > b)
			}
			m.push(v)
		case opNeg, opNot:
			v, err := m.pop()
			if err != nil {
				return fail(n, err)
			}
			if op == opNeg {
				m.push(-v)
			} else {
				m.push(boolValue(v == 0))
			}

		case opLoad:
			m.push(int64(binary.LittleEndian.Uint64(m.local(imm))))
		case opStore:
			v, err := m.pop()
			if err != nil {
				return fail(n, err)
			}
			binary.LittleEndian.PutUint64(m.local(imm), uint64(v))
		case opAlloc:
			m.push(int64(m.alloc(int(imm))))
		case opLoad8:
			addr, err := m.pop()
			if err != nil {
				return fail(n, err)
			}
			heap := m.heapSlice()
			if addr < 0 || addr >= int64(len(heap)) {
				return fail(n, errHeapRange)
			}
			m.push(int64(heap[addr]))
		case opStore8:
			addr, v, err := m.pop2()
			if err != nil {
				return fail(n, err)
			}
			heap := m.heapSlice()
			if addr < 0 || addr >= int64(len(heap)) {
				return fail(n, errHeapRange)
			}
			heap[addr] = byte(v)

		case opJump:
			next = imm
		case opJumpZero, opJumpNotZero:
			v, err := m.pop()
			if err != nil {
				return fail(n, err)
			}
			if (v == 0) == (op == opJumpZero) {
				next = imm
			}
		case opCall:
			if err := ctx.EnterCall(); err != nil {
				return crashed(n+1, kernel.ExitStackOverflow)
			}
			m.push(int64(next))
			next = imm
		case opRet:
			if ctx.RecursionDepth() == 0 {
				return kernel.StepResult{Outcome: kernel.OutcomeCompleted, Instructions: n + 1}
			}
			ret, v, err := m.pop2()
			if err != nil {
				return fail(n, err)
			}
			if ret < 0 || ret > int64(len(code)) {
				return fail(n, fmt.Errorf("bad return address %d", ret))
			}
			ctx.ExitCall()
			m.push(v)
			next = uint32(ret)
		case opYield:
			m.ip = next
			return kernel.StepResult{Outcome: kernel.OutcomeYielded, Instructions: n + 1}
		case opHalt:
			m.ip = next
			return kernel.StepResult{Outcome: kernel.OutcomeCompleted, Instructions: n + 1}
		case opCrash:
			return crashed(n+1, kernel.CrashReason(m.prog.Names[imm]))

		case opRecv:
			msg, ok := ctx.Receive()
			if !ok {
				return kernel.StepResult{Outcome: kernel.OutcomeWaitingOnMailbox, Instructions: n}
			}
			m.setSender(msg.From)
			switch msg.Kind {
			case kernel.MessageExit:
				m.push(ExitSignalValue)
			case kernel.MessageDown:
				m.push(DownValue)
			default:
				m.push(DecodeValue(msg.Payload))
			}
		case opSender:
			m.push(int64(m.sender()))
		case opSelf:
			m.push(int64(ctx.Self()))
		case opPending:
			m.push(int64(ctx.Pending()))
		case opSend:
			to, v, err := m.pop2()
			if err != nil {
				return fail(n, err)
			}
			err = ctx.Send(kernel.PID(to), EncodeValue(v))
			if errors.Is(err, kernel.ErrSecurityDenied) {
				return crashed(n+1, kernel.ExitSecurityDenied)
			}
			m.push(boolValue(err == nil))
		case opSpawn:
			id := m.prog.Imports[imm]
			var unit *kernel.CompiledUnit
			if e.units != nil {
				unit, _ = e.units.Lookup(id)
			}
			if unit == nil {
				return crashed(n+1, kernel.CrashReason("unknown unit "+strconv.Quote(id)))
			}
			pid, err := ctx.Spawn(unit, kernel.SpawnOptions{})
			if errors.Is(err, kernel.ErrSecurityDenied) {
				return crashed(n+1, kernel.ExitSecurityDenied)
			}
			m.push(int64(pid))
		case opLink:
			to, err := m.pop()
			if err != nil {
				return fail(n, err)
			}
			err = ctx.Link(kernel.PID(to))
			if errors.Is(err, kernel.ErrSecurityDenied) {
				return crashed(n+1, kernel.ExitSecurityDenied)
			}
			m.push(boolValue(err == nil))
		case opLock:
			got, err := ctx.AcquireLock(m.prog.Names[imm])
			if errors.Is(err, kernel.ErrSecurityDenied) {
				return crashed(n+1, kernel.ExitSecurityDenied)
			}
			if err != nil {
				return fail(n, err)
			}
			if !got {
				// Retry the same instruction next turn.
				return kernel.StepResult{Outcome: kernel.OutcomeYielded, Instructions: n + 1}
			}
		case opUnlock:
			ctx.ReleaseLock(m.prog.Names[imm])
		case opRequest:
			m.push(boolValue(ctx.Request(kernel.Operation(m.prog.Names[imm])) == nil))

		default:
			return fail(n, fmt.Errorf("illegal instruction %s", op))
		}

		m.ip = next
		n++
	}
}
