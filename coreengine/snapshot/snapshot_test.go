package snapshot

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	s, err := NewSealer(0)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func testPayload() []byte {
	payload := bytes.Repeat([]byte("actor-state-"), 512)
	return append(payload, 0x00, 0x01, 0x02, 0xff)
}

// =============================================================================
// SEAL / VERIFY / INFLATE
// =============================================================================

func TestSealRoundTrip(t *testing.T) {
	s := newTestSealer(t)
	payload := testPayload()

	for _, codec := range []Codec{CodecNone, CodecZstd, CodecS2} {
		t.Run(codec.String(), func(t *testing.T) {
			sealed, h, err := s.Seal(42, codec, payload)
			require.NoError(t, err)
			assert.Equal(t, uint64(42), h.PID)
			assert.Equal(t, FormatVersion, h.Version)
			assert.Equal(t, uint64(len(payload)), h.UncompressedSize)
			assert.Equal(t, uint64(len(sealed)-HeaderSize), h.CompressedSize)

			got, compressed, err := Verify(sealed)
			require.NoError(t, err)
			assert.Equal(t, h, got)

			out, err := s.Inflate(got, compressed, make([]byte, 0, len(payload)))
			require.NoError(t, err)
			assert.Equal(t, payload, out)
		})
	}
}

func TestSealCompresses(t *testing.T) {
	s := newTestSealer(t)
	payload := testPayload()

	for _, codec := range []Codec{CodecZstd, CodecS2} {
		sealed, _, err := s.Seal(1, codec, payload)
		require.NoError(t, err)
		assert.Less(t, len(sealed), len(payload), "codec %s", codec)
	}
}

func TestInflateReusesDestination(t *testing.T) {
	s := newTestSealer(t)
	payload := testPayload()

	for _, codec := range []Codec{CodecNone, CodecS2} {
		sealed, _, err := s.Seal(7, codec, payload)
		require.NoError(t, err)
		h, compressed, err := Verify(sealed)
		require.NoError(t, err)

		dst := make([]byte, 0, len(payload)+128)
		out, err := s.Inflate(h, compressed, dst)
		require.NoError(t, err)
		assert.Same(t, &dst[:1][0], &out[0], "codec %s should inflate in place", codec)
	}
}

func TestVerify_Corruption(t *testing.T) {
	s := newTestSealer(t)
	sealed, _, err := s.Seal(9, CodecZstd, testPayload())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"flipped checksum byte", func(b []byte) []byte { b[32] ^= 0xff; return b }},
		{"flipped payload byte", func(b []byte) []byte { b[HeaderSize+3] ^= 0x01; return b }},
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"truncated payload", func(b []byte) []byte { return b[:len(b)-1] }},
		{"truncated header", func(b []byte) []byte { return b[:HeaderSize-1] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			damaged := tt.mutate(bytes.Clone(sealed))
			_, _, err := Verify(damaged)
			assert.ErrorIs(t, err, ErrCorrupted)
		})
	}
}

func TestVerify_UnsupportedVersion(t *testing.T) {
	s := newTestSealer(t)
	sealed, _, err := s.Seal(9, CodecS2, testPayload())
	require.NoError(t, err)

	binary.LittleEndian.PutUint16(sealed[4:6], FormatVersion+1)

	_, _, err = Verify(sealed)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	assert.NotErrorIs(t, err, ErrCorrupted)
}

func TestInflate_SizeLimit(t *testing.T) {
	s, err := NewSealer(16)
	require.NoError(t, err)
	defer s.Close()

	sealed, _, err := s.Seal(3, CodecNone, testPayload())
	require.NoError(t, err)
	h, compressed, err := Verify(sealed)
	require.NoError(t, err)

	_, err = s.Inflate(h, compressed, nil)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestInflate_SizeMismatch(t *testing.T) {
	s := newTestSealer(t)
	sealed, _, err := s.Seal(3, CodecNone, testPayload())
	require.NoError(t, err)
	h, compressed, err := Verify(sealed)
	require.NoError(t, err)

	h.UncompressedSize++
	_, err = s.Inflate(h, compressed, nil)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestParseCodec(t *testing.T) {
	tests := []struct {
		in      string
		want    Codec
		wantErr bool
	}{
		{"zstd", CodecZstd, false},
		{"", CodecZstd, false},
		{"none", CodecNone, false},
		{"S2", CodecS2, false},
		{"snappy", CodecS2, false},
		{"lz4", CodecNone, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCodec(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	var c Codec
	require.NoError(t, c.UnmarshalText([]byte("s2")))
	assert.Equal(t, CodecS2, c)
	text, err := c.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "s2", string(text))
}

// =============================================================================
// STORES
// =============================================================================

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, "node-1", []byte("one")))
	require.NoError(t, store.Put(ctx, "node-2", []byte("two")))

	got, err := store.Get(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	require.NoError(t, store.Put(ctx, "node-1", []byte("uno")))
	got, err = store.Get(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), got)

	require.NoError(t, store.Delete(ctx, "node-1"))
	_, err = store.Get(ctx, "node-1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(ctx, "node-1"), "deleting twice is not an error")
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	exerciseStore(t, store)

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, int64(3), store.Bytes())
}

func TestAFSStore(t *testing.T) {
	store := NewAFSStore(nil, "mem://localhost/snapshots-test")
	exerciseStore(t, store)
}
