package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []float32
	}{
		{"Brackets", "[0.5, -0.25, 0.0625, 0.0]", []float32{0.5, -0.25, 0.0625, 0}},
		{"Braces", "{1.5 2.5 -3.5}", []float32{1.5, 2.5, -3.5}},
		{"Parens", "(1, 2)", []float32{1, 2}},
		{"NoDelimiter", "1 2 3 4", []float32{1, 2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := Encode([]byte(tt.input), "")
			require.NoError(t, err)
			assert.Len(t, payload, StorageLen(len(tt.expected)))

			dec, err := Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, byte(KindFloat32), dec.Kind)
			assert.Equal(t, len(tt.expected), dec.Dim)
			assert.Equal(t, tt.expected, dec.Floats)
		})
	}
}

func TestEncodePackedFloats(t *testing.T) {
	src, err := Encode([]byte("[1, 2, 3]"), "")
	require.NoError(t, err)

	// Strip the trailer and re-encode the packed floats directly.
	packed := src[:len(src)-TrailerLen]
	payload, err := Encode(packed, "i=float,o=float")
	require.NoError(t, err)
	assert.Equal(t, src, payload)

	// A length that is not a multiple of 4 is malformed.
	_, err = Encode(packed[:len(packed)-1], "i=float,o=float")
	assert.Error(t, err)
}

func TestEncodeDimensionBounds(t *testing.T) {
	tests := []struct {
		name string
		dim  int
		ok   bool
	}{
		{"TooSmall", 1, false},
		{"MinDim", 2, true},
		{"MaxDim", 4096, true},
		{"TooLarge", 4097, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text := make([]byte, 0, tt.dim*2+2)
			text = append(text, '[')
			for i := 0; i < tt.dim; i++ {
				if i > 0 {
					text = append(text, ' ')
				}
				text = append(text, '1')
			}
			text = append(text, ']')

			_, err := Encode(text, "")
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	payload, err := Encode([]byte("[0.5, -0.25, 0.0625, 0.0]"), "")
	require.NoError(t, err)

	assert.True(t, Validate(payload, 4))
	assert.False(t, Validate(payload, 5))

	// Flipping any single bit breaks validation.
	for _, pos := range []int{0, 5, len(payload) - 1} {
		corrupted := append([]byte(nil), payload...)
		corrupted[pos] ^= 0x01
		assert.False(t, Validate(corrupted, 4), "bit flip at byte %d must invalidate", pos)
	}

	assert.False(t, Validate(nil, 4))
	assert.False(t, Validate(payload[:4], 4))
}

func TestEncodeBitVector(t *testing.T) {
	t.Run("FromBytes", func(t *testing.T) {
		raw := make([]byte, 16) // dim 128
		raw[0] = 0xFF
		payload, err := Encode(raw, "i=bv,o=bv")
		require.NoError(t, err)
		assert.Len(t, payload, BVStorageLen(128))

		dec, err := Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, byte(KindBit), dec.Kind)
		assert.Equal(t, 128, dec.Dim)
		assert.Len(t, dec.Words, 2)
	})

	t.Run("FromFloats", func(t *testing.T) {
		floats := make([]byte, 0, 64*2+2)
		floats = append(floats, '[')
		for i := 0; i < 64; i++ {
			if i > 0 {
				floats = append(floats, ' ')
			}
			if i%2 == 0 {
				floats = append(floats, '1')
			} else {
				floats = append(floats, []byte("-1")...)
			}
		}
		floats = append(floats, ']')

		fp, err := Encode(floats, "")
		require.NoError(t, err)

		payload, err := Encode(fp[:len(fp)-TrailerLen], "i=float,o=bv")
		require.NoError(t, err)

		dec, err := Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, 64, dec.Dim)
		// Alternating +1/-1 sets every second bit.
		assert.Equal(t, 32, popcount(dec.Words))
	})

	t.Run("FromColumn", func(t *testing.T) {
		text := []byte("[" + repeat("1 ", 63) + "1]")
		fp, err := Encode(text, "")
		require.NoError(t, err)

		payload, err := Encode(fp, "i=column,o=bv")
		require.NoError(t, err)

		dec, err := Decode(payload)
		require.NoError(t, err)
		assert.Equal(t, 64, dec.Dim)
		assert.Equal(t, 64, popcount(dec.Words))
	})

	t.Run("BadDimension", func(t *testing.T) {
		_, err := Encode(make([]byte, 9), "i=bv,o=bv") // 72 bits, not a multiple of 64
		assert.Error(t, err)

		_, err = Encode(make([]byte, 4), "i=bv,o=bv") // 32 bits
		assert.Error(t, err)
	})
}

func TestRender(t *testing.T) {
	payload, err := Encode([]byte("[0.5, -0.25, 0.0625, 0.0]"), "")
	require.NoError(t, err)

	out, err := Render(payload, 0)
	require.NoError(t, err)
	assert.Equal(t, "[0.5 -0.25 0.0625 0]", out)

	// Legacy payloads without a trailer render as raw floats.
	legacy := payload[:16]
	out, err = Render(legacy, 0)
	require.NoError(t, err)
	assert.Equal(t, "[0.5 -0.25 0.0625 0]", out)
}

func TestEncodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		opt   string
	}{
		{"Unterminated", "[1, 2, 3", ""},
		{"BadElement", "[1, x, 3]", ""},
		{"Empty", "[]", ""},
		{"BadOptions", "[1,2]", "i=string=o"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode([]byte(tt.input), tt.opt)
			assert.Error(t, err)
		})
	}
}

func TestParseOptions(t *testing.T) {
	vo, err := ParseOptions("type=HNSW, dim=1536 ,size=1000000,M=64,ef=100")
	require.NoError(t, err)
	assert.Equal(t, "HNSW", vo.Get("type"))
	assert.Equal(t, 1536, vo.GetInt("dim", 0))
	assert.Equal(t, "", vo.Get("missing"))
	assert.Equal(t, 7, vo.GetInt("missing", 7))

	// Comment prefix up to '|' is ignored.
	vo, err = ParseOptions("MYVECTOR Column |type=KNN,dim=4")
	require.NoError(t, err)
	assert.Equal(t, "KNN", vo.Get("type"))

	_, err = ParseOptions("type=HNSW,noequals")
	assert.Error(t, err)

	_, err = ParseOptions("=value")
	assert.Error(t, err)
}

func popcount(words []uint64) int {
	n := 0
	for _, w := range words {
		for ; w != 0; w &= w - 1 {
			n++
		}
	}
	return n
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
