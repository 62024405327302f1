package distance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSquaredL2(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, 27},
		{"Zero", []float32{0, 0, 0}, []float32{0, 0, 0}, 0},
		{"Identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"Mixed", []float32{1, -1}, []float32{-1, 1}, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SquaredL2(tt.a, tt.b)
			assert.InDelta(t, tt.expected, got, 1e-6)
		})
	}
}

func TestNegInnerProduct(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Simple", []float32{1, 2, 3}, []float32{4, 5, 6}, -32},
		{"Orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"Negative", []float32{1, -1, 2}, []float32{1, 1, -2}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NegInnerProduct(tt.a, tt.b)
			assert.InDelta(t, tt.expected, got, 1e-6)
		})
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float32
	}{
		{"Identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 0},
		{"Opposite", []float32{1, 0}, []float32{-1, 0}, 2},
		{"Orthogonal", []float32{1, 0}, []float32{0, 1}, 1},
		{"ZeroNorm", []float32{0, 0}, []float32{1, 1}, 1},
		{"BothZero", []float32{0, 0}, []float32{0, 0}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cosine(tt.a, tt.b)
			assert.InDelta(t, tt.expected, got, 1e-6)
		})
	}
}

func TestHamming(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []uint64
		expected float32
	}{
		{"Identical", []uint64{0xAAAA, 0x5555}, []uint64{0xAAAA, 0x5555}, 0},
		{"AllBitsOfOneWord", []uint64{^uint64(0)}, []uint64{0}, 64},
		{"ThreeBits", []uint64{0b1011, 0}, []uint64{0b0010, 1}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Hamming(tt.a, tt.b)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestDeterminism(t *testing.T) {
	a := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}
	b := []float32{0.8, 0.7, 0.6, 0.5, 0.4, 0.3, 0.2, 0.1}

	for _, fn := range []Func{SquaredL2, NegInnerProduct, Cosine} {
		first := fn(a, b)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, fn(a, b))
		}
	}
}

func TestParseMetric(t *testing.T) {
	tests := []struct {
		in       string
		expected Metric
		ok       bool
	}{
		{"L2", MetricL2, true},
		{"l2", MetricL2, true},
		{"EUCLIDEAN", MetricL2, true},
		{"IP", MetricIP, true},
		{"Cosine", MetricCosine, true},
		{"cosine", MetricCosine, true},
		{"Hamming", MetricHamming, true},
		{"manhattan", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			m, err := ParseMetric(tt.in)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, m)
		})
	}
}

func TestProvider(t *testing.T) {
	fn, err := Provider(MetricL2)
	require.NoError(t, err)
	assert.InDelta(t, 27, fn([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-6)

	_, err = Provider(MetricHamming)
	assert.Error(t, err)

	wfn, err := ProviderWords(MetricHamming)
	require.NoError(t, err)
	assert.Equal(t, float32(1), wfn([]uint64{1}, []uint64{0}))

	_, err = ProviderWords(MetricL2)
	assert.Error(t, err)
}
