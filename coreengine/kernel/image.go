package kernel

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/actorkernel/coreengine/snapshot"
)

// processImage is everything a hibernated process needs to run again.
//
// Layout, little endian, region last so a restore can use the decoded buffer
// as the region's backing store without copying:
//
//	unit_id_len:u16 unit_id depth:u32 memory:i64 quantum_instr:i64 quantum_cpu:i64
//	msg_count:u32 { kind:u8 from:u64 sent_at:i64 id_len:u16 id reason_len:u16 reason payload_len:u32 payload }*
//	region_len:u32 region
type processImage struct {
	UnitID         string
	RecursionDepth int
	MemoryBytes    int64
	Quantum        Budget
	Messages       []Message
	Region         []byte
}

func (img *processImage) size() int {
	n := 2 + len(img.UnitID) + 4 + 8 + 8 + 8 + 4
	for i := range img.Messages {
		m := &img.Messages[i]
		n += 1 + 8 + 8 + 2 + len(m.ID) + 2 + len(m.Reason) + 4 + len(m.Payload)
	}
	return n + 4 + len(img.Region)
}

// encode appends the image to dst.
func (img *processImage) encode(dst []byte) []byte {
	le := binary.LittleEndian
	dst = le.AppendUint16(dst, uint16(len(img.UnitID)))
	dst = append(dst, img.UnitID...)
	dst = le.AppendUint32(dst, uint32(img.RecursionDepth))
	dst = le.AppendUint64(dst, uint64(img.MemoryBytes))
	dst = le.AppendUint64(dst, uint64(img.Quantum.Instructions))
	dst = le.AppendUint64(dst, uint64(img.Quantum.CPU))
	dst = le.AppendUint32(dst, uint32(len(img.Messages)))
	for i := range img.Messages {
		m := &img.Messages[i]
		dst = append(dst, byte(m.Kind))
		dst = le.AppendUint64(dst, uint64(m.From))
		dst = le.AppendUint64(dst, uint64(m.SentAt.UnixNano()))
		dst = le.AppendUint16(dst, uint16(len(m.ID)))
		dst = append(dst, m.ID...)
		dst = le.AppendUint16(dst, uint16(len(m.Reason)))
		dst = append(dst, m.Reason...)
		dst = le.AppendUint32(dst, uint32(len(m.Payload)))
		dst = append(dst, m.Payload...)
	}
	dst = le.AppendUint32(dst, uint32(len(img.Region)))
	return append(dst, img.Region...)
}

type imageReader struct {
	buf []byte
	off int
	err error
}

func (r *imageReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: image truncated at offset %d", snapshot.ErrCorrupted, r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *imageReader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *imageReader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *imageReader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *imageReader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// decodeImage parses buf. The returned region aliases the tail of buf and
// keeps its spare capacity; message payloads are copied.
func decodeImage(buf []byte) (*processImage, error) {
	r := &imageReader{buf: buf}
	img := &processImage{}
	img.UnitID = string(r.take(int(r.u16())))
	img.RecursionDepth = int(r.u32())
	img.MemoryBytes = int64(r.u64())
	img.Quantum.Instructions = int(int64(r.u64()))
	img.Quantum.CPU = time.Duration(r.u64())

	count := int(r.u32())
	if r.err == nil && count > len(buf) {
		return nil, fmt.Errorf("%w: implausible message count %d", snapshot.ErrCorrupted, count)
	}
	img.Messages = make([]Message, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		var m Message
		m.Kind = MessageKind(r.u8())
		m.From = PID(r.u64())
		m.SentAt = time.Unix(0, int64(r.u64())).UTC()
		m.ID = string(r.take(int(r.u16())))
		m.Reason = ExitReason(r.take(int(r.u16())))
		if p := r.take(int(r.u32())); len(p) > 0 {
			m.Payload = append([]byte(nil), p...)
		}
		img.Messages = append(img.Messages, m)
	}

	regionLen := int(r.u32())
	if r.err != nil {
		return nil, r.err
	}
	if r.off+regionLen != len(buf) {
		return nil, fmt.Errorf("%w: region is %d bytes, %d remain", snapshot.ErrCorrupted, regionLen, len(buf)-r.off)
	}
	img.Region = buf[r.off:len(buf):cap(buf)]
	return img, nil
}
