package knn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p3io/myvector/index"
)

func newTestIndex(t *testing.T, options string) *KNN {
	t.Helper()
	desc, err := index.ParseDescriptor("test.t1.v1", options)
	require.NoError(t, err)
	k := New(desc, nil)
	require.NoError(t, k.Init())
	return k
}

func insertAll(t *testing.T, k *KNN, rows map[uint64][]float32) {
	t.Helper()
	// Fixed insertion order for reproducible ties.
	for _, key := range sortedKeys(rows) {
		require.NoError(t, k.Insert(index.Vector{F: rows[key]}, key))
	}
}

func sortedKeys(rows map[uint64][]float32) []uint64 {
	keys := make([]uint64, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if keys[j] < keys[i] {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	return keys
}

func TestSearchNearest(t *testing.T) {
	k := newTestIndex(t, "type=KNN,dim=4")
	insertAll(t, k, map[uint64][]float32{
		1: {1, 0, 0, 0},
		2: {0, 1, 0, 0},
		3: {1, 1, 0, 0},
	})

	res, err := k.SearchKNN(index.Vector{F: []float32{1, 0, 0, 0}}, 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, uint64(1), res[0].Key)
	assert.Equal(t, uint64(3), res[1].Key)
	assert.InDelta(t, 0.0, res[0].Distance, 1e-6)
	assert.InDelta(t, 1.0, res[1].Distance, 1e-6)
}

func TestSearchTiesBrokenByInsertionOrder(t *testing.T) {
	k := newTestIndex(t, "type=KNN,dim=2")
	require.NoError(t, k.Insert(index.Vector{F: []float32{1, 0}}, 10))
	require.NoError(t, k.Insert(index.Vector{F: []float32{0, 1}}, 20))
	require.NoError(t, k.Insert(index.Vector{F: []float32{0, -1}}, 30))

	res, err := k.SearchKNN(index.Vector{F: []float32{0, 0}}, 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, uint64(10), res[0].Key)
	assert.Equal(t, uint64(20), res[1].Key)
}

func TestSearchEmptyIndex(t *testing.T) {
	k := newTestIndex(t, "type=KNN,dim=4")
	res, err := k.SearchKNN(index.Vector{F: []float32{1, 0, 0, 0}}, 5)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSearchReturnsAllWhenFewer(t *testing.T) {
	k := newTestIndex(t, "type=KNN,dim=2")
	insertAll(t, k, map[uint64][]float32{1: {0, 0}, 2: {1, 1}})

	res, err := k.SearchKNN(index.Vector{F: []float32{0, 0}}, 10)
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestShadowingNewestKeyWins(t *testing.T) {
	k := newTestIndex(t, "type=KNN,dim=2")
	require.NoError(t, k.Insert(index.Vector{F: []float32{0, 0}}, 1))
	require.NoError(t, k.Insert(index.Vector{F: []float32{5, 5}}, 2))
	// Re-append key 1 far away; the old entry is shadowed.
	require.NoError(t, k.Insert(index.Vector{F: []float32{9, 9}}, 1))

	res, err := k.SearchKNN(index.Vector{F: []float32{0, 0}}, 2)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, uint64(2), res[0].Key)
	assert.Equal(t, uint64(1), res[1].Key)
	assert.InDelta(t, 162.0, res[1].Distance, 1e-4)
}

func TestDistanceOptions(t *testing.T) {
	t.Run("Cosine", func(t *testing.T) {
		k := newTestIndex(t, "type=KNN,dim=2,dist=Cosine")
		insertAll(t, k, map[uint64][]float32{
			1: {1, 0},
			2: {0, 1},
		})
		res, err := k.SearchKNN(index.Vector{F: []float32{2, 0}}, 1)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, uint64(1), res[0].Key)
		assert.InDelta(t, 0.0, res[0].Distance, 1e-6)
	})

	t.Run("IP", func(t *testing.T) {
		k := newTestIndex(t, "type=KNN,dim=2,dist=IP")
		insertAll(t, k, map[uint64][]float32{
			1: {1, 0},
			2: {3, 0},
		})
		res, err := k.SearchKNN(index.Vector{F: []float32{1, 0}}, 1)
		require.NoError(t, err)
		require.Len(t, res, 1)
		// Larger inner product means nearer.
		assert.Equal(t, uint64(2), res[0].Key)
	})
}

func TestInsertErrors(t *testing.T) {
	k := newTestIndex(t, "type=KNN,dim=4")

	err := k.Insert(index.Vector{F: []float32{1, 2}}, 1)
	var dm *index.ErrDimensionMismatch
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 4, dm.Expected)
	assert.Equal(t, 2, dm.Actual)

	assert.ErrorIs(t, k.Insert(index.Vector{}, 1), index.ErrEmptyVector)

	require.NoError(t, k.Close())
	assert.ErrorIs(t, k.Insert(index.Vector{F: []float32{1, 2, 3, 4}}, 1), index.ErrClosed)
}

func TestInsertCopiesVector(t *testing.T) {
	k := newTestIndex(t, "type=KNN,dim=2")
	v := []float32{1, 2}
	require.NoError(t, k.Insert(index.Vector{F: v}, 1))
	v[0] = 99

	res, err := k.SearchKNN(index.Vector{F: []float32{1, 2}}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, res[0].Distance, 1e-6)
}

func TestInitClears(t *testing.T) {
	k := newTestIndex(t, "type=KNN,dim=2")
	require.NoError(t, k.Insert(index.Vector{F: []float32{1, 2}}, 1))
	assert.Equal(t, uint64(1), k.RowCount())

	require.NoError(t, k.Init())
	assert.Equal(t, uint64(0), k.RowCount())
	assert.Equal(t, index.StateInitialized, k.State())

	file, _ := k.Coordinates()
	assert.Equal(t, index.SentinelLogFile, file)
}

func TestCapabilities(t *testing.T) {
	k := newTestIndex(t, "type=KNN,dim=2")
	assert.False(t, k.Online())
	assert.True(t, k.SupportsIncrUpdates())
	assert.True(t, k.SupportsIncrRefresh())
	assert.False(t, k.SupportsPersist())
	assert.False(t, k.StartParallelBuild(8))
	assert.False(t, k.Dirty())
	assert.NoError(t, k.Save("/nonexistent", index.SaveBuild))
	assert.NoError(t, k.Load("/nonexistent"))
	assert.NoError(t, k.Drop("/nonexistent"))
}
