package persistence

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumWriterReader(t *testing.T) {
	var buf bytes.Buffer
	cw := NewChecksumWriter(&buf)

	data := []byte("the quick brown fox jumps over the lazy dog")
	_, err := cw.Write(data)
	require.NoError(t, err)
	assert.Equal(t, Checksum(data), cw.Sum())

	cr := NewChecksumReader(&buf)
	out := make([]byte, len(data))
	_, err = cr.Read(out)
	require.NoError(t, err)
	assert.Equal(t, data, out)
	require.NoError(t, cr.Verify(Checksum(data)))

	err = cr.Verify(Checksum(data) + 1)
	assert.True(t, IsChecksumMismatch(err))
}

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	h := FileHeader{
		IndexType:   IndexTypeHNSW,
		VectorKind:  VectorKindFloat32,
		Dimension:   128,
		M:           16,
		EF:          100,
		VectorCount: 42,
		EntryPoint:  7,
		MaxLevel:    3,
	}
	require.NoError(t, WriteHeader(&buf, &h))

	got, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, h, *got)
}

func TestHeaderValidation(t *testing.T) {
	var buf bytes.Buffer
	h := FileHeader{IndexType: 99}
	require.NoError(t, WriteHeader(&buf, &h))
	_, err := ReadHeader(&buf)
	assert.ErrorIs(t, err, ErrInvalidIndex)

	// Corrupt magic.
	var buf2 bytes.Buffer
	h2 := FileHeader{IndexType: IndexTypeHNSW}
	require.NoError(t, WriteHeader(&buf2, &h2))
	raw := buf2.Bytes()
	raw[0] ^= 0xFF
	_, err = ReadHeader(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrInvalidMagic)
}

func TestStringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteString(&buf, "Checkpoint:binlog:binlog.000516:6761"))
	s, err := ReadString(&buf)
	require.NoError(t, err)
	assert.Equal(t, "Checkpoint:binlog:binlog.000516:6761", s)
}
