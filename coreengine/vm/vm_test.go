package vm

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/kernel"
)

// =============================================================================
// Helpers
// =============================================================================

var bigBudget = kernel.Budget{Instructions: 1 << 16}

func detached(t *testing.T, src string, maxDepth int) *kernel.ExecContext {
	t.Helper()
	unit, err := Compile(t.Name(), src)
	require.NoError(t, err)
	return kernel.NewExecContext(1, unit, nil, maxDepth)
}

// top returns the value on top of the operand stack.
func top(ctx *kernel.ExecContext) int64 {
	return int64(binary.LittleEndian.Uint64(ctx.Region[len(ctx.Region)-slotSize:]))
}

func local(ctx *kernel.ExecContext, i int) int64 {
	return int64(binary.LittleEndian.Uint64(ctx.Region[headerSize+slotSize*i:]))
}

const sumTo10 = `
	.locals 2
	        push 10
	        store 0
	loop:   load 0
	        jz done
	        load 1
	        load 0
	        add
	        store 1
	        load 0
	        push 1
	        sub
	        store 0
	        jump loop
	done:   load 1
	        halt
`

// =============================================================================
// Detached Execution
// =============================================================================

func TestEngine_Evaluates(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want int64
	}{
		{name: "arithmetic", src: "push 6\npush 7\nmul\npush 2\nsub", want: 40},
		{name: "truncating division", src: "push -7\npush 2\ndiv", want: -3},
		{name: "modulo", src: "push 7\npush 3\nmod", want: 1},
		{name: "less than", src: "push 1\npush 2\nlt", want: 1},
		{name: "greater than", src: "push 1\npush 2\ngt", want: 0},
		{name: "equal", src: "push 4\ndup\neq", want: 1},
		{name: "not", src: "push 0\nnot", want: 1},
		{name: "negate", src: "push 5\nneg", want: -5},
		{name: "over", src: "push 1\npush 2\nover", want: 1},
		{name: "swap", src: "push 1\npush 2\nswap", want: 1},
		{name: "loop", src: sumTo10, want: 55},
		{name: "call", src: "push 5\ncall sq\nhalt\nsq: swap\ndup\nmul\nret", want: 25},
		{name: "heap survives stack shift", src: "push 99\nalloc 16\ndup\npush 65\nstore8\nload8\nadd", want: 164},
	}
	e := New(nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := detached(t, tt.src, 8)
			res := e.Step(ctx, bigBudget)
			require.Equal(t, kernel.OutcomeCompleted, res.Outcome, "reason: %s", res.Reason)
			assert.Equal(t, tt.want, top(ctx))
			assert.Equal(t, int64(len(ctx.Region)), res.MemoryDelta, "first step accounts the whole region")
			assert.Zero(t, ctx.RecursionDepth())
		})
	}
}

func TestEngine_Crashes(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		reason string
	}{
		{name: "division by zero", src: "push 1\npush 0\ndiv", reason: "crashed: division by zero at 2"},
		{name: "modulo by zero", src: "push 1\npush 0\nmod", reason: "crashed: division by zero at 2"},
		{name: "underflow", src: "pop", reason: "crashed: operand stack underflow at 0"},
		{name: "heap range", src: "push 0\nload8", reason: "crashed: heap access out of range at 1"},
		{name: "explicit", src: "crash oops", reason: "crashed: oops"},
		{name: "recursion", src: "f: call f", reason: string(kernel.ExitStackOverflow)},
		{name: "bad return address", src: "call f\nf: push 99\npush 1\nret", reason: "crashed: bad return address 99 at 3"},
	}
	e := New(nil, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := detached(t, tt.src, 4)
			res := e.Step(ctx, bigBudget)
			assert.Equal(t, kernel.OutcomeCrashed, res.Outcome)
			assert.Equal(t, kernel.ExitReason(tt.reason), res.Reason)
		})
	}
}

func TestEngine_RecursionStopsAtCeiling(t *testing.T) {
	ctx := detached(t, "f: call f", 4)
	res := New(nil, nil).Step(ctx, bigBudget)
	assert.Equal(t, kernel.ExitStackOverflow, res.Reason)
	assert.Equal(t, 4, ctx.RecursionDepth())
}

func TestEngine_OperandStackCap(t *testing.T) {
	ctx := detached(t, "loop: push 1\njump loop", 0)
	res := New(nil, nil, WithMaxStack(16)).Step(ctx, bigBudget)
	assert.Equal(t, kernel.CrashReason("operand stack overflow"), res.Reason)
}

func TestEngine_ResumesAcrossSteps(t *testing.T) {
	e := New(nil, nil)
	ctx := detached(t, sumTo10, 0)

	steps, total := 0, 0
	var memory int64
	for {
		res := e.Step(ctx, kernel.Budget{Instructions: 7})
		steps++
		total += res.Instructions
		memory += res.MemoryDelta
		if res.Outcome == kernel.OutcomeCompleted {
			break
		}
		require.Equal(t, kernel.OutcomeContinue, res.Outcome)
		assert.Equal(t, 7, res.Instructions)
		require.Less(t, steps, 100)
	}
	assert.Greater(t, steps, 1)
	assert.Equal(t, int64(55), top(ctx))
	assert.Equal(t, int64(55), local(ctx, 1))
	assert.Equal(t, int64(len(ctx.Region)), memory, "deltas add up to the region size")

	oneShot := detached(t, sumTo10, 0)
	res := e.Step(oneShot, bigBudget)
	assert.Equal(t, total, res.Instructions, "slicing does not change the work done")
}

func TestEngine_SliceLimitWithoutInstructionBudget(t *testing.T) {
	ctx := detached(t, "loop: jump loop", 0)
	res := New(nil, nil, WithSliceLimit(50)).Step(ctx, kernel.Budget{})
	assert.Equal(t, kernel.OutcomeContinue, res.Outcome)
	assert.Equal(t, 50, res.Instructions)
}

func TestEngine_YieldAndHaltAdvance(t *testing.T) {
	e := New(nil, nil)
	ctx := detached(t, "push 1\nyield\npush 2\nhalt\npush 3", 0)

	res := e.Step(ctx, bigBudget)
	assert.Equal(t, kernel.OutcomeYielded, res.Outcome)
	assert.Equal(t, 2, res.Instructions)

	res = e.Step(ctx, bigBudget)
	assert.Equal(t, kernel.OutcomeCompleted, res.Outcome)
	assert.Equal(t, int64(2), top(ctx))
}

func TestEngine_Receive(t *testing.T) {
	e := New(nil, nil)
	ctx := detached(t, "recv\nsender\nrecv\nrecv\npending\nhalt", 0)

	res := e.Step(ctx, bigBudget)
	assert.Equal(t, kernel.OutcomeWaitingOnMailbox, res.Outcome)
	assert.Zero(t, res.Instructions)

	require.NoError(t, ctx.Mailbox().Enqueue(kernel.Message{Kind: kernel.MessageUser, From: 7, Payload: EncodeValue(42)}))
	res = e.Step(ctx, bigBudget)
	assert.Equal(t, kernel.OutcomeWaitingOnMailbox, res.Outcome, "second recv waits")
	assert.Equal(t, 2, res.Instructions)
	assert.Equal(t, int64(7), top(ctx))

	require.NoError(t, ctx.Mailbox().Enqueue(kernel.Message{Kind: kernel.MessageExit, From: 9, Reason: kernel.ExitKilled}))
	require.NoError(t, ctx.Mailbox().Enqueue(kernel.Message{Kind: kernel.MessageDown, From: 9}))
	require.NoError(t, ctx.Mailbox().Enqueue(kernel.Message{Kind: kernel.MessageUser, From: 9, Payload: []byte("1")}))
	res = e.Step(ctx, bigBudget)
	require.Equal(t, kernel.OutcomeCompleted, res.Outcome)

	stack := ctx.Region[len(ctx.Region)-5*slotSize:]
	var got []int64
	for i := 0; i < 5; i++ {
		got = append(got, int64(binary.LittleEndian.Uint64(stack[i*slotSize:])))
	}
	assert.Equal(t, []int64{42, 7, ExitSignalValue, DownValue, 1}, got)
}

func TestEngine_DetachedKernelCalls(t *testing.T) {
	ctx := detached(t, "self\npush 2\npush 3\nsend\nrequest send\nhalt", 0)
	res := New(nil, nil).Step(ctx, bigBudget)
	require.Equal(t, kernel.OutcomeCompleted, res.Outcome)
	assert.Equal(t, int64(0), top(ctx), "requests fail without a kernel")
	assert.Equal(t, int64(0), int64(binary.LittleEndian.Uint64(ctx.Region[len(ctx.Region)-2*slotSize:])), "send fails without a kernel")
	assert.Equal(t, int64(1), int64(binary.LittleEndian.Uint64(ctx.Region[len(ctx.Region)-3*slotSize:])))
}

func TestEngine_SpawnUnknownUnitCrashes(t *testing.T) {
	ctx := detached(t, "spawn ghost", 0)
	res := New(kernel.NewUnitRegistry(), nil).Step(ctx, bigBudget)
	assert.Equal(t, kernel.CrashReason(`unknown unit "ghost"`), res.Reason)
}

func TestEngine_InvalidUnitCrashes(t *testing.T) {
	ctx := kernel.NewExecContext(1, &kernel.CompiledUnit{ID: "junk", Code: []byte("junk")}, nil, 0)
	res := New(nil, nil).Step(ctx, bigBudget)
	assert.Equal(t, kernel.OutcomeCrashed, res.Outcome)
	assert.Contains(t, string(res.Reason), "bad program")

	ctx = detached(t, "halt", 0)
	ctx.Region = []byte{1, 2, 3}
	res = New(nil, nil).Step(ctx, bigBudget)
	assert.Equal(t, kernel.CrashReason("corrupted region header"), res.Reason)
}

func TestEngine_ProgramCache(t *testing.T) {
	e := New(nil, nil)
	a, err := Compile("u", "halt")
	require.NoError(t, err)
	b, err := Compile("u", "nop\nhalt")
	require.NoError(t, err)

	p1, err := e.Program(a)
	require.NoError(t, err)
	p2, err := e.Program(a)
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	p3, err := e.Program(b)
	require.NoError(t, err)
	assert.Len(t, p3.Code, 2, "changed code under the same ID is decoded again")

	_, err = e.Program(nil)
	assert.ErrorIs(t, err, ErrBadProgram)
}

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		payload []byte
		want    int64
	}{
		{EncodeValue(-12345), -12345},
		{[]byte("123"), 123},
		{[]byte("-5"), -5},
		{[]byte("hello"), 5},
		{nil, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DecodeValue(tt.payload), "%q", tt.payload)
	}
}
