package hnsw

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p3io/myvector/index"
)

func TestSaveLoadIdenticalResults(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(7))

	src := newTestIndex(t, "type=HNSW,dim=8,size=500,M=8,ef=64,ef_search=64")
	for i := 0; i < 200; i++ {
		v := make([]float32, 8)
		for j := range v {
			v[j] = float32(rng.NormFloat64())
		}
		require.NoError(t, src.Insert(index.Vector{F: v}, uint64(i+1)))
	}
	src.SetUpdateTs(1704047400)
	require.NoError(t, src.Save(dir, index.SaveBuild))

	dst := newTestIndex(t, "type=HNSW,dim=8,size=500,M=8,ef=64,ef_search=64")
	require.NoError(t, dst.Load(dir))
	assert.Equal(t, uint64(200), dst.RowCount())
	assert.Equal(t, index.StateReady, dst.State())
	assert.Equal(t, uint64(1704047400), dst.UpdateTs())

	// The snapshot restores the graph exactly, so searches traverse the
	// same edges and return identical keys and distances.
	for q := 0; q < 10; q++ {
		query := make([]float32, 8)
		for j := range query {
			query[j] = float32(rng.NormFloat64())
		}
		want, err := src.SearchKNN(index.Vector{F: query}, 10)
		require.NoError(t, err)
		got, err := dst.SearchKNN(index.Vector{F: query}, 10)
		require.NoError(t, err)
		assert.Equal(t, want, got, "query %d", q)
	}
}

func TestSaveLoadFixedPoint(t *testing.T) {
	dir := t.TempDir()

	h := newTestIndex(t, "type=HNSW,dim=2,size=100,M=4,ef=16")
	for i := 0; i < 20; i++ {
		require.NoError(t, h.Insert(index.Vector{F: latticeVector(i, 2)}, uint64(i+1)))
	}
	require.NoError(t, h.Save(dir, index.SaveBuild))

	// Repeated save followed by load converges: a second save/load
	// cycle returns the same results as the first.
	first := newTestIndex(t, "type=HNSW,dim=2,size=100,M=4,ef=16")
	require.NoError(t, first.Load(dir))
	require.NoError(t, first.Save(dir, index.SaveBuild))

	second := newTestIndex(t, "type=HNSW,dim=2,size=100,M=4,ef=16")
	require.NoError(t, second.Load(dir))

	query := index.Vector{F: latticeVector(0, 2)}
	want, err := first.SearchKNN(query, 5)
	require.NoError(t, err)
	got, err := second.SearchKNN(query, 5)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCheckpointAndReplay(t *testing.T) {
	const dim = 4
	dir := t.TempDir()
	opts := "type=HNSW,dim=4,size=500,M=8,ef=64,ef_search=600,online=Y"

	src := newTestIndex(t, opts)
	for i := 0; i < 50; i++ {
		require.NoError(t, src.Insert(index.Vector{F: latticeVector(i, dim)}, uint64(i+1)))
	}
	src.SetCoordinates("binlog.000010", 1024)
	require.NoError(t, src.Save(dir, index.SaveBuild))

	// Two incremental checkpoints with rows arriving in between.
	for i := 50; i < 70; i++ {
		require.NoError(t, src.Insert(index.Vector{F: latticeVector(i, dim)}, uint64(i+1)))
	}
	src.SetCoordinates("binlog.000011", 512)
	require.NoError(t, src.Save(dir, index.SaveCheckpoint))

	for i := 70; i < 80; i++ {
		require.NoError(t, src.Insert(index.Vector{F: latticeVector(i, dim)}, uint64(i+1)))
	}
	src.SetCoordinates("binlog.000012", 2048)
	require.NoError(t, src.Save(dir, index.SaveCheckpoint))

	dst := newTestIndex(t, opts)
	require.NoError(t, dst.Load(dir))
	assert.Equal(t, uint64(80), dst.RowCount())

	// Coordinates come back from the newest checkpoint.
	file, off := dst.Coordinates()
	assert.Equal(t, "binlog.000012", file)
	assert.Equal(t, uint64(2048), off)

	// Equivalent search results over the union of inputs.
	query := index.Vector{F: latticeVector(0, dim)}
	want, err := src.SearchKNN(query, 10)
	require.NoError(t, err)
	got, err := dst.SearchKNN(query, 10)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Key, got[i].Key, "result %d", i)
	}
}

func TestCheckpointWithoutNewRowsAdvancesCoordinates(t *testing.T) {
	dir := t.TempDir()
	opts := "type=HNSW,dim=2,size=100,M=4,ef=16,online=Y"

	src := newTestIndex(t, opts)
	require.NoError(t, src.Insert(index.Vector{F: []float32{1, 2}}, 1))
	src.SetCoordinates("binlog.000001", 100)
	require.NoError(t, src.Save(dir, index.SaveBuild))

	src.SetCoordinates("binlog.000002", 4)
	require.NoError(t, src.Save(dir, index.SaveCheckpoint))

	dst := newTestIndex(t, opts)
	require.NoError(t, dst.Load(dir))
	file, off := dst.Coordinates()
	assert.Equal(t, "binlog.000002", file)
	assert.Equal(t, uint64(4), off)
	assert.Equal(t, uint64(1), dst.RowCount())
}

func TestLoadMissingFilesInitializesEmpty(t *testing.T) {
	h := newTestIndex(t, "type=HNSW,dim=2,size=100,M=4,ef=16")
	require.NoError(t, h.Load(t.TempDir()))
	assert.Equal(t, uint64(0), h.RowCount())
	assert.Equal(t, index.StateInitialized, h.State())
}

func TestLoadCorruptSnapshotReinitializesEmpty(t *testing.T) {
	dir := t.TempDir()
	h := newTestIndex(t, "type=HNSW,dim=2,size=100,M=4,ef=16")
	require.NoError(t, h.Insert(index.Vector{F: []float32{1, 2}}, 1))
	require.NoError(t, h.Save(dir, index.SaveBuild))

	// Flip a byte in the middle of the snapshot.
	path := filepath.Join(dir, "test.t1.v1.hnsw.index")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	fresh := newTestIndex(t, "type=HNSW,dim=2,size=100,M=4,ef=16")
	require.NoError(t, fresh.Load(dir))
	assert.Equal(t, uint64(0), fresh.RowCount())
}

func TestSaveBuildTruncatesDeltas(t *testing.T) {
	dir := t.TempDir()
	opts := "type=HNSW,dim=2,size=100,M=4,ef=16,online=Y"

	h := newTestIndex(t, opts)
	require.NoError(t, h.Insert(index.Vector{F: []float32{1, 2}}, 1))
	require.NoError(t, h.Save(dir, index.SaveBuild))
	require.NoError(t, h.Insert(index.Vector{F: []float32{3, 4}}, 2))
	require.NoError(t, h.Save(dir, index.SaveCheckpoint))

	links := filepath.Join(dir, "test.t1.v1.hnsw.index.links")
	_, err := os.Stat(links)
	require.NoError(t, err)

	// A full rebuild obsoletes the delta files.
	require.NoError(t, h.Save(dir, index.SaveBuild))
	_, err = os.Stat(links)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDirtyFlag(t *testing.T) {
	dir := t.TempDir()
	h := newTestIndex(t, "type=HNSW,dim=2,size=100,M=4,ef=16")
	assert.False(t, h.Dirty())

	require.NoError(t, h.Insert(index.Vector{F: []float32{1, 2}}, 1))
	assert.True(t, h.Dirty())

	require.NoError(t, h.Save(dir, index.SaveBuild))
	assert.False(t, h.Dirty())
}
