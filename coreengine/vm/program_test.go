package vm

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgram_EncodeDecode(t *testing.T) {
	p := &Program{
		Locals:  3,
		Code:    []uint32{pack(opPush, 7), pack(opStore, 2), pack(opSpawn, 0), pack(opLock, 1), pack(opJump, 0)},
		Imports: []string{"worker"},
		Names:   []string{"oops", "db"},
	}
	got, err := Decode(p.Encode())
	require.NoError(t, err)
	if diff := cmp.Diff(p, got); diff != "" {
		t.Errorf("decoded program mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_RejectsDamage(t *testing.T) {
	good := (&Program{Code: []uint32{pack(opHalt, 0)}, Names: []string{"x"}}).Encode()
	badVersion := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(badVersion[4:], 9)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "bad magic", data: append([]byte("XXXX"), good[4:]...)},
		{name: "bad version", data: badVersion},
		{name: "truncated code", data: good[:programHeaderSize+2]},
		{name: "truncated names", data: good[:len(good)-1]},
		{name: "trailing bytes", data: append(append([]byte(nil), good...), 0)},
		{name: "unknown opcode", data: (&Program{Code: []uint32{pack(opCount, 0)}}).Encode()},
		{name: "jump out of range", data: (&Program{Code: []uint32{pack(opJump, 5)}}).Encode()},
		{name: "local out of range", data: (&Program{Locals: 1, Code: []uint32{pack(opLoad, 1)}}).Encode()},
		{name: "missing import", data: (&Program{Code: []uint32{pack(opSpawn, 0)}}).Encode()},
		{name: "missing name", data: (&Program{Code: []uint32{pack(opCrash, 0)}}).Encode()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, ErrBadProgram)
		})
	}
}

func TestImmediates(t *testing.T) {
	assert.Equal(t, int64(-1), simm(pack(opPush, uint32(0xFFFFFF))))
	assert.Equal(t, int64(minImm), simm(1<<23))
	assert.Equal(t, int64(maxImm), simm(maxImm))
	assert.Equal(t, opStore, uop(pack(opStore, 3)))
	assert.Equal(t, "store", opStore.String())
	assert.Equal(t, "op(200)", opcode(200).String())
}
