// Package snapshot frames hibernated process images.
//
// A sealed snapshot is a fixed-size header followed by the compressed payload:
//
//	magic[4] version:u16 codec:u16 pid:u64 uncompressed:u64 compressed:u64 checksum:u64
//
// All integers are little endian. The checksum is xxhash64 over the compressed
// payload, so a damaged snapshot is rejected before a single byte of it is
// decompressed.
package snapshot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

const (
	// FormatVersion is the only header version this build can restore.
	FormatVersion uint16 = 1
	// HeaderSize is the encoded header length in bytes.
	HeaderSize = 40
)

var magic = [4]byte{'J', 'K', 'S', 'N'}

var (
	// ErrCorrupted reports a snapshot whose framing or checksum does not verify.
	ErrCorrupted = errors.New("corrupted snapshot")
	// ErrUnsupportedVersion reports a header written by an unknown format version.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")
)

// =============================================================================
// Codec
// =============================================================================

// Codec identifies the payload compression algorithm.
type Codec uint16

const (
	CodecNone Codec = iota
	CodecZstd
	CodecS2
)

// String returns the config name of the codec.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecS2:
		return "s2"
	default:
		return fmt.Sprintf("codec(%d)", uint16(c))
	}
}

// ParseCodec parses a codec name as used in configuration files.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "zstd":
		return CodecZstd, nil
	case "none", "off":
		return CodecNone, nil
	case "s2", "snappy":
		return CodecS2, nil
	default:
		return CodecNone, fmt.Errorf("unknown snapshot codec %q", name)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Codec) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Codec) UnmarshalText(text []byte) error {
	parsed, err := ParseCodec(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c Codec) valid() bool {
	return c <= CodecS2
}

// =============================================================================
// Header
// =============================================================================

// Header describes a sealed snapshot.
type Header struct {
	PID              uint64
	Version          uint16
	Codec            Codec
	UncompressedSize uint64
	CompressedSize   uint64
	Checksum         uint64
}

func (h Header) encode(dst []byte) {
	copy(dst[0:4], magic[:])
	binary.LittleEndian.PutUint16(dst[4:6], h.Version)
	binary.LittleEndian.PutUint16(dst[6:8], uint16(h.Codec))
	binary.LittleEndian.PutUint64(dst[8:16], h.PID)
	binary.LittleEndian.PutUint64(dst[16:24], h.UncompressedSize)
	binary.LittleEndian.PutUint64(dst[24:32], h.CompressedSize)
	binary.LittleEndian.PutUint64(dst[32:40], h.Checksum)
}

// ReadHeader decodes the header of a sealed snapshot without verifying the payload.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupted, len(data))
	}
	if [4]byte(data[0:4]) != magic {
		return Header{}, fmt.Errorf("%w: bad magic", ErrCorrupted)
	}
	h := Header{
		Version:          binary.LittleEndian.Uint16(data[4:6]),
		Codec:            Codec(binary.LittleEndian.Uint16(data[6:8])),
		PID:              binary.LittleEndian.Uint64(data[8:16]),
		UncompressedSize: binary.LittleEndian.Uint64(data[16:24]),
		CompressedSize:   binary.LittleEndian.Uint64(data[24:32]),
		Checksum:         binary.LittleEndian.Uint64(data[32:40]),
	}
	if h.Version != FormatVersion {
		return h, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if !h.Codec.valid() {
		return h, fmt.Errorf("%w: unknown codec %d", ErrCorrupted, uint16(h.Codec))
	}
	return h, nil
}

// Verify checks framing and checksum and returns the header and the
// compressed payload, which aliases data.
func Verify(data []byte) (Header, []byte, error) {
	h, err := ReadHeader(data)
	if err != nil {
		return h, nil, err
	}
	payload := data[HeaderSize:]
	if uint64(len(payload)) != h.CompressedSize {
		return h, nil, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrCorrupted, len(payload), h.CompressedSize)
	}
	if sum := xxhash.Sum64(payload); sum != h.Checksum {
		return h, nil, fmt.Errorf("%w: checksum %x, want %x", ErrCorrupted, sum, h.Checksum)
	}
	return h, payload, nil
}

// =============================================================================
// Sealer
// =============================================================================

// Sealer compresses and decompresses snapshot payloads. It is safe for
// concurrent use; the zstd encoder and decoder are shared.
type Sealer struct {
	enc     *zstd.Encoder
	dec     *zstd.Decoder
	maxSize uint64
}

// NewSealer creates a sealer that refuses to inflate payloads larger than maxSize.
// A zero maxSize disables the bound.
func NewSealer(maxSize uint64) (*Sealer, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Sealer{enc: enc, dec: dec, maxSize: maxSize}, nil
}

// Seal compresses payload and prepends the header. The returned buffer is
// freshly allocated and owned by the caller.
func (s *Sealer) Seal(pid uint64, codec Codec, payload []byte) ([]byte, Header, error) {
	h := Header{
		PID:              pid,
		Version:          FormatVersion,
		Codec:            codec,
		UncompressedSize: uint64(len(payload)),
	}

	var out []byte
	switch codec {
	case CodecNone:
		out = make([]byte, HeaderSize, HeaderSize+len(payload))
		out = append(out, payload...)
	case CodecZstd:
		out = make([]byte, HeaderSize, HeaderSize+len(payload)/2+64)
		out = s.enc.EncodeAll(payload, out)
	case CodecS2:
		out = make([]byte, HeaderSize+s2.MaxEncodedLen(len(payload)))
		encoded := s2.Encode(out[HeaderSize:], payload)
		out = out[:HeaderSize+len(encoded)]
	default:
		return nil, h, fmt.Errorf("cannot seal with %s", codec)
	}

	compressed := out[HeaderSize:]
	h.CompressedSize = uint64(len(compressed))
	h.Checksum = xxhash.Sum64(compressed)
	h.encode(out[:HeaderSize])
	return out, h, nil
}

// Inflate decompresses a verified payload into dst, reusing its capacity.
// When dst is large enough the result aliases dst and no copy is made.
func (s *Sealer) Inflate(h Header, payload, dst []byte) ([]byte, error) {
	if s.maxSize > 0 && h.UncompressedSize > s.maxSize {
		return nil, fmt.Errorf("%w: uncompressed size %d exceeds limit %d", ErrCorrupted, h.UncompressedSize, s.maxSize)
	}

	var (
		out []byte
		err error
	)
	switch h.Codec {
	case CodecNone:
		out = append(dst[:0], payload...)
	case CodecZstd:
		out, err = s.dec.DecodeAll(payload, dst[:0])
	case CodecS2:
		out, err = s2.Decode(dst[:cap(dst)], payload)
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorrupted, uint16(h.Codec))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if uint64(len(out)) != h.UncompressedSize {
		return nil, fmt.Errorf("%w: inflated %d bytes, header says %d", ErrCorrupted, len(out), h.UncompressedSize)
	}
	return out, nil
}

// Close releases the codec resources.
func (s *Sealer) Close() {
	s.enc.Close()
	s.dec.Close()
}
