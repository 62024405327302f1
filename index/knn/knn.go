// Package knn implements the exact brute-force vector index: an in-memory
// collection scanned with a bounded max-heap. Potentially faster than SQL
// ordering by a distance function as long as all vectors fit in memory.
package knn

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/p3io/myvector/distance"
	"github.com/p3io/myvector/index"
	"github.com/p3io/myvector/queue"
)

// Compile-time check.
var _ index.Index = (*KNN)(nil)

type row struct {
	vec index.Vector
	key uint64
}

// KNN is the exact index. Searches take a shared lock, inserts an
// exclusive one; there is no persistence.
type KNN struct {
	desc   index.Descriptor
	distFn distance.Func
	logger *slog.Logger

	mu     sync.RWMutex
	rows   []row
	keys   *roaring64.Bitmap
	latest map[uint64]int // key -> newest row position, shadowing older appends

	state    index.StateVar
	searches atomic.Uint64
	updateTs atomic.Uint64

	coordMu   sync.Mutex
	logFile   string
	logOffset uint64
}

// New creates a KNN index from its descriptor.
func New(desc index.Descriptor, logger *slog.Logger) *KNN {
	if logger == nil {
		logger = slog.Default()
	}
	k := &KNN{
		desc:   desc,
		distFn: index.NewDistanceFunc(desc.Distance),
		logger: logger,
		keys:   roaring64.New(),
		latest: make(map[uint64]int),
	}
	k.logFile = index.SentinelLogFile
	k.logOffset = index.SentinelLogOffset
	return k
}

func (k *KNN) Name() string       { return k.desc.Name }
func (k *KNN) Kind() index.Kind   { return index.KindKNN }
func (k *KNN) Dimension() int     { return k.desc.Dim }
func (k *KNN) State() index.State { return k.state.Load() }

func (k *KNN) Online() bool              { return k.desc.Online }
func (k *KNN) SupportsIncrUpdates() bool { return true }
func (k *KNN) SupportsIncrRefresh() bool { return true }
func (k *KNN) SupportsPersist() bool     { return false }

func (k *KNN) Dirty() bool { return false }

func (k *KNN) RowCount() uint64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return uint64(len(k.rows))
}

func (k *KNN) UpdateTs() uint64      { return k.updateTs.Load() }
func (k *KNN) SetUpdateTs(ts uint64) { k.updateTs.Store(ts) }

func (k *KNN) Coordinates() (string, uint64) {
	k.coordMu.Lock()
	defer k.coordMu.Unlock()
	return k.logFile, k.logOffset
}

func (k *KNN) SetCoordinates(logFile string, logOffset uint64) {
	k.coordMu.Lock()
	defer k.coordMu.Unlock()
	k.logFile, k.logOffset = logFile, logOffset
}

// StartParallelBuild is not supported: a scan insert is O(1) already.
func (k *KNN) StartParallelBuild(int) bool { return false }

// SetSearchEffort is a no-op: exact search has no effort knob.
func (k *KNN) SetSearchEffort(int) {}

// Insert appends the vector under key. A key seen before shadows the
// earlier entry: the newest wins on search.
func (k *KNN) Insert(v index.Vector, key uint64) error {
	if k.state.Load() == index.StateClosed {
		return index.ErrClosed
	}
	if v.Dim() == 0 {
		return index.ErrEmptyVector
	}
	if v.Dim() != k.desc.Dim {
		return &index.ErrDimensionMismatch{Expected: k.desc.Dim, Actual: v.Dim()}
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.rows = append(k.rows, row{vec: v.Clone(), key: key})
	pos := len(k.rows) - 1
	if !k.keys.CheckedAdd(key) {
		k.logger.Debug("shadowing earlier entry", "index", k.desc.Name, "key", key)
	}
	k.latest[key] = pos
	k.state.Store(index.StateUpdating)
	return nil
}

// SearchKNN scans every row keeping the n nearest in a bounded max-heap.
// Ties are broken by insertion order; shadowed appends are skipped.
func (k *KNN) SearchKNN(q index.Vector, n int) ([]index.SearchResult, error) {
	if q.Dim() != k.desc.Dim {
		return nil, &index.ErrDimensionMismatch{Expected: k.desc.Dim, Actual: q.Dim()}
	}
	if n <= 0 {
		return nil, nil
	}

	k.mu.RLock()
	defer k.mu.RUnlock()

	pq := queue.NewMax(n)
	for i, r := range k.rows {
		if k.latest[r.key] != i {
			continue
		}
		d := k.distFn(q.F, r.vec.F)
		item := queue.Item{Node: r.key, Distance: d, Seq: uint64(i)}
		if pq.Len() < n {
			pq.PushItem(item)
			continue
		}
		if top, _ := pq.TopItem(); less(item, top) {
			pq.PopItem()
			pq.PushItem(item)
		}
	}

	res := make([]index.SearchResult, pq.Len())
	for i := pq.Len() - 1; i >= 0; i-- {
		item, _ := pq.PopItem()
		res[i] = index.SearchResult{Key: item.Node, Distance: item.Distance}
	}

	k.searches.Add(1)
	if k.state.Load() == index.StateUpdating {
		k.state.Store(index.StateReady)
	}
	return res, nil
}

func less(a, b queue.Item) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Seq < b.Seq
}

// Init clears the in-memory collection.
func (k *KNN) Init() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.rows = nil
	k.keys = roaring64.New()
	k.latest = make(map[uint64]int)
	k.searches.Store(0)
	k.updateTs.Store(0)
	k.SetCoordinates(index.SentinelLogFile, index.SentinelLogOffset)
	k.state.Store(index.StateInitialized)
	return nil
}

// Save is a no-op: the exact index has no persistence.
func (k *KNN) Save(string, index.SaveMode) error {
	k.logger.Warn("KNN memory index: save is a no-op", "index", k.desc.Name)
	return nil
}

// Load is a no-op: the exact index has no persistence.
func (k *KNN) Load(string) error {
	k.logger.Warn("KNN memory index: load is a no-op", "index", k.desc.Name)
	return nil
}

// Drop discards the in-memory collection; there are no files to delete.
func (k *KNN) Drop(string) error {
	k.mu.Lock()
	k.rows = nil
	k.keys = roaring64.New()
	k.latest = make(map[uint64]int)
	k.mu.Unlock()
	return nil
}

// Close marks the index closed.
func (k *KNN) Close() error {
	k.state.Store(index.StateClosed)
	return nil
}
