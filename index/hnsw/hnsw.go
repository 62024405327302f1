// Package hnsw implements the Hierarchical Navigable Small World graph
// index for approximate nearest neighbor search, with parallel bulk
// build, full snapshot persistence, and incremental checkpointing.
package hnsw

import (
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/p3io/myvector/distance"
	"github.com/p3io/myvector/index"
	"github.com/p3io/myvector/queue"
)

const (
	// layerNormalizationBase is the base constant for the exponential
	// layer probability distribution.
	layerNormalizationBase = 1.0

	// mmax0Multiplier is the multiplier for maximum connections at
	// layer 0.
	mmax0Multiplier = 2

	// minimumM is the minimum valid value for M.
	minimumM = 2

	// DefaultM is the default number of bidirectional links.
	DefaultM = 16

	// DefaultEF is the default size of the dynamic candidate list.
	DefaultEF = 100

	// BatchSize is the staging threshold of the parallel bulk build:
	// the batch is flushed through the worker pool every BatchSize
	// inserts.
	BatchSize = 100000

	// Node storage is a segmented array so growth never copies nodes.
	nodeSegmentBits = 16
	nodeSegmentSize = 1 << nodeSegmentBits
	nodeSegmentMask = nodeSegmentSize - 1

	numConnLocks = 1024
)

// Compile-time check.
var _ index.Index = (*HNSW)(nil)

type node struct {
	key   uint64
	level int32
	vec   index.Vector
	// conns[l] lists the neighbor node ids at layer l; guarded by the
	// sharded connection locks.
	conns [][]uint64
}

type nodeSegment [nodeSegmentSize]atomic.Pointer[node]

type stagedRow struct {
	vec index.Vector
	key uint64
}

// HNSW is the graph index. A single writer mutates the graph at a time
// (parallel bulk build excepted, which uses the fine-grained locks
// directly); searches traverse concurrently.
type HNSW struct {
	desc   index.Descriptor
	logger *slog.Logger

	distF distance.Func
	distW distance.WordsFunc

	mmax  int
	mmax0 int
	ml    float64

	segments atomic.Pointer[[]*nodeSegment]
	count    atomic.Uint64

	epSet    bool
	ep       atomic.Uint64
	maxLevel atomic.Int32
	epMu     sync.Mutex

	writerMu  sync.Mutex
	allocMu   sync.Mutex
	connLocks []sync.RWMutex

	rngMu sync.Mutex
	rng   *rand.Rand

	keyMu  sync.RWMutex
	keys   *roaring64.Bitmap
	latest map[uint64]uint64

	efSearch atomic.Int32
	state    index.StateVar
	dirty    atomic.Bool
	updateTs atomic.Uint64
	searches atomic.Uint64

	coordMu   sync.Mutex
	logFile   string
	logOffset uint64

	buildMu  sync.Mutex
	staged   []stagedRow
	parallel bool
	threads  int

	persistMu     sync.Mutex
	persistedRows uint64
}

// New creates an HNSW index from its descriptor. HNSW_BV descriptors get
// the Hamming kernel over packed words; everything else uses the
// descriptor's float metric.
func New(desc index.Descriptor, logger *slog.Logger) *HNSW {
	if logger == nil {
		logger = slog.Default()
	}
	if desc.M < minimumM {
		desc.M = DefaultM
	}
	if desc.EF <= 0 {
		desc.EF = DefaultEF
	}
	if desc.EFSearch <= 0 {
		desc.EFSearch = desc.EF
	}

	h := &HNSW{
		desc:      desc,
		logger:    logger,
		mmax:      desc.M,
		mmax0:     mmax0Multiplier * desc.M,
		ml:        layerNormalizationBase / math.Log(float64(desc.M)),
		connLocks: make([]sync.RWMutex, numConnLocks),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		keys:      roaring64.New(),
		latest:    make(map[uint64]uint64),
	}
	if desc.Kind == index.KindHNSWBV {
		h.distW = distance.Hamming
	} else {
		h.distF = index.NewDistanceFunc(desc.Distance)
	}
	h.efSearch.Store(int32(desc.EFSearch))
	h.logFile = index.SentinelLogFile
	h.logOffset = index.SentinelLogOffset
	return h
}

func (h *HNSW) Name() string       { return h.desc.Name }
func (h *HNSW) Kind() index.Kind   { return h.desc.Kind }
func (h *HNSW) Dimension() int     { return h.desc.Dim }
func (h *HNSW) State() index.State { return h.state.Load() }

func (h *HNSW) Online() bool              { return h.desc.Online }
func (h *HNSW) SupportsIncrUpdates() bool { return h.desc.Online }
func (h *HNSW) SupportsIncrRefresh() bool { return h.desc.TrackColumn != "" }
func (h *HNSW) SupportsPersist() bool     { return true }

func (h *HNSW) Dirty() bool       { return h.dirty.Load() }
func (h *HNSW) RowCount() uint64  { return h.count.Load() }
func (h *HNSW) UpdateTs() uint64  { return h.updateTs.Load() }
func (h *HNSW) SetUpdateTs(ts uint64) {
	h.updateTs.Store(ts)
}

func (h *HNSW) Coordinates() (string, uint64) {
	h.coordMu.Lock()
	defer h.coordMu.Unlock()
	return h.logFile, h.logOffset
}

func (h *HNSW) SetCoordinates(logFile string, logOffset uint64) {
	h.coordMu.Lock()
	defer h.coordMu.Unlock()
	h.logFile, h.logOffset = logFile, logOffset
}

// SetSearchEffort adjusts ef_search.
func (h *HNSW) SetSearchEffort(ef int) {
	if ef > 0 {
		h.efSearch.Store(int32(ef))
	}
}

// Init resets the index to an empty graph.
func (h *HNSW) Init() error {
	h.writerMu.Lock()
	defer h.writerMu.Unlock()

	h.segments.Store(nil)
	h.count.Store(0)
	h.epMu.Lock()
	h.epSet = false
	h.ep.Store(0)
	h.maxLevel.Store(0)
	h.epMu.Unlock()

	h.keyMu.Lock()
	h.keys = roaring64.New()
	h.latest = make(map[uint64]uint64)
	h.keyMu.Unlock()

	h.buildMu.Lock()
	h.staged = nil
	h.parallel = false
	h.buildMu.Unlock()

	h.persistMu.Lock()
	h.persistedRows = 0
	h.persistMu.Unlock()

	h.searches.Store(0)
	h.updateTs.Store(0)
	h.dirty.Store(false)
	h.SetCoordinates(index.SentinelLogFile, index.SentinelLogOffset)
	h.state.Store(index.StateInitialized)

	h.logger.Debug("hnsw index initialized",
		"index", h.desc.Name, "dim", h.desc.Dim,
		"M", h.desc.M, "ef", h.desc.EF, "ef_search", h.desc.EFSearch)
	return nil
}

// Close marks the index closed.
func (h *HNSW) Close() error {
	h.state.Store(index.StateClosed)
	return nil
}

// Insert adds a vector under key. During a parallel build the row is
// staged and flushed through the worker pool every BatchSize entries;
// otherwise the insert goes straight into the graph under the writer
// lock.
func (h *HNSW) Insert(v index.Vector, key uint64) error {
	if h.state.Load() == index.StateClosed {
		return index.ErrClosed
	}
	if err := h.checkDim(v); err != nil {
		return err
	}

	h.buildMu.Lock()
	if h.parallel {
		h.staged = append(h.staged, stagedRow{vec: v.Clone(), key: key})
		flush := len(h.staged) >= BatchSize
		h.buildMu.Unlock()
		if flush {
			return h.flushParallel()
		}
		h.dirty.Store(true)
		return nil
	}
	h.buildMu.Unlock()

	h.writerMu.Lock()
	defer h.writerMu.Unlock()

	if err := h.insertOne(v.Clone(), key); err != nil {
		return err
	}
	h.dirty.Store(true)
	if h.state.Load() != index.StateBuilding {
		h.state.Store(index.StateUpdating)
	}
	return nil
}

func (h *HNSW) checkDim(v index.Vector) error {
	if v.Dim() == 0 {
		return index.ErrEmptyVector
	}
	if v.Dim() != h.desc.Dim {
		return &index.ErrDimensionMismatch{Expected: h.desc.Dim, Actual: v.Dim()}
	}
	return nil
}

// insertOne performs the graph insertion. It is safe for concurrent use
// by the bulk-build workers: allocation, connection updates, and entry
// point changes each take their own fine-grained lock.
func (h *HNSW) insertOne(v index.Vector, key uint64) error {
	if err := h.checkDim(v); err != nil {
		return err
	}

	level := h.randomLevel()

	n := &node{
		key:   key,
		level: int32(level),
		vec:   v,
		conns: make([][]uint64, level+1),
	}

	h.allocMu.Lock()
	id := h.count.Load()
	h.growSegments(id)
	h.count.Add(1)
	h.allocMu.Unlock()

	// First node becomes the entry point.
	h.epMu.Lock()
	if !h.epSet {
		h.setNode(id, n)
		h.registerKey(key, id)
		h.ep.Store(id)
		h.maxLevel.Store(int32(level))
		h.epSet = true
		h.epMu.Unlock()
		return nil
	}
	h.epMu.Unlock()

	// Publish the node so it can be found, then link it in.
	h.setNode(id, n)
	h.registerKey(key, id)

	epID := h.ep.Load()
	ep := h.getNode(epID)
	if ep == nil {
		return nil
	}
	currID, currDist := epID, h.dist(v, ep)

	maxLevel := int(h.maxLevel.Load())

	// Greedy descent through the layers above the node's level.
	for l := maxLevel; l > level; l-- {
		currID, currDist = h.greedyStep(v, currID, currDist, l)
	}

	// Search and link from the node's level down to 0.
	for l := min(level, maxLevel); l >= 0; l-- {
		ordered := drainAscending(h.searchLayer(v, currID, currDist, l, h.desc.EF))

		if len(ordered) > 0 {
			currID, currDist = ordered[0].Node, ordered[0].Distance
		}

		maxConns := h.mmax
		if l == 0 {
			maxConns = h.mmax0
		}
		neighbors := h.selectNeighbors(ordered, maxConns)

		h.lockConns(id)
		n.conns[l] = neighbors
		h.unlockConns(id)

		for _, neighborID := range neighbors {
			h.addConnection(neighborID, id, l)
		}
	}

	// Raise the entry point if the new node tops the graph.
	if level > maxLevel {
		h.epMu.Lock()
		if level > int(h.maxLevel.Load()) {
			h.maxLevel.Store(int32(level))
			h.ep.Store(id)
		}
		h.epMu.Unlock()
	}

	return nil
}

func (h *HNSW) randomLevel() int {
	h.rngMu.Lock()
	r := h.rng.Float64()
	h.rngMu.Unlock()
	return int(math.Floor(-math.Log(r) * h.ml))
}

func (h *HNSW) registerKey(key, id uint64) {
	h.keyMu.Lock()
	if !h.keys.CheckedAdd(key) {
		h.logger.Debug("shadowing earlier entry", "index", h.desc.Name, "key", key)
	}
	h.latest[key] = id
	h.keyMu.Unlock()
}

// dist computes the distance between a query vector and a node.
func (h *HNSW) dist(q index.Vector, n *node) float32 {
	if h.distW != nil {
		return h.distW(q.W, n.vec.W)
	}
	return h.distF(q.F, n.vec.F)
}

func (h *HNSW) greedyStep(q index.Vector, currID uint64, currDist float32, level int) (uint64, float32) {
	for changed := true; changed; {
		changed = false
		for _, nextID := range h.getConns(currID, level) {
			next := h.getNode(nextID)
			if next == nil {
				continue
			}
			if d := h.dist(q, next); d < currDist {
				currID, currDist = nextID, d
				changed = true
			}
		}
	}
	return currID, currDist
}

// searchLayer explores one layer with a candidate list of width ef and
// returns a max-ordered queue of at most ef results.
func (h *HNSW) searchLayer(q index.Vector, epID uint64, epDist float32, level, ef int) *queue.PriorityQueue {
	visited := make(map[uint64]struct{}, ef*4)
	visited[epID] = struct{}{}

	candidates := queue.NewMin(ef)
	candidates.PushItem(queue.Item{Node: epID, Distance: epDist})

	results := queue.NewMax(ef)
	results.PushItem(queue.Item{Node: epID, Distance: epDist})

	for candidates.Len() > 0 {
		curr, _ := candidates.PopItem()

		if worst, ok := results.TopItem(); ok && curr.Distance > worst.Distance && results.Len() >= ef {
			break
		}

		for _, nextID := range h.getConns(curr.Node, level) {
			if _, seen := visited[nextID]; seen {
				continue
			}
			visited[nextID] = struct{}{}

			next := h.getNode(nextID)
			if next == nil {
				continue
			}
			nextDist := h.dist(q, next)

			if results.Len() >= ef {
				if worst, _ := results.TopItem(); nextDist > worst.Distance {
					continue
				}
			}

			candidates.PushItem(queue.Item{Node: nextID, Distance: nextDist})
			results.PushItem(queue.Item{Node: nextID, Distance: nextDist})
			if results.Len() > ef {
				results.PopItem()
			}
		}
	}

	return results
}

// drainAscending empties a max-ordered queue into a nearest-first slice.
func drainAscending(pq *queue.PriorityQueue) []queue.Item {
	ordered := make([]queue.Item, pq.Len())
	for i := len(ordered) - 1; i >= 0; i-- {
		ordered[i], _ = pq.PopItem()
	}
	return ordered
}

// selectNeighbors applies the relative-neighborhood heuristic: a
// candidate is kept only if it is closer to the inserted vector than to
// every neighbor already selected. Candidates arrive nearest first.
func (h *HNSW) selectNeighbors(ordered []queue.Item, m int) []uint64 {
	if len(ordered) <= m {
		ids := make([]uint64, len(ordered))
		for i, item := range ordered {
			ids[i] = item.Node
		}
		return ids
	}

	selected := make([]uint64, 0, m)
	selectedNodes := make([]*node, 0, m)
	spilled := make([]queue.Item, 0, len(ordered))

	for _, cand := range ordered {
		if len(selected) >= m {
			break
		}
		cn := h.getNode(cand.Node)
		if cn == nil {
			continue
		}
		good := true
		for _, sn := range selectedNodes {
			if h.dist(cn.vec, sn) < cand.Distance {
				good = false
				break
			}
		}
		if good {
			selected = append(selected, cand.Node)
			selectedNodes = append(selectedNodes, cn)
		} else {
			spilled = append(spilled, cand)
		}
	}

	// Fill up from the spilled candidates, nearest first.
	for _, cand := range spilled {
		if len(selected) >= m {
			break
		}
		selected = append(selected, cand.Node)
	}

	return selected
}

// addConnection links target into source's neighbor list at the given
// level, pruning with the heuristic when the list overflows.
func (h *HNSW) addConnection(sourceID, targetID uint64, level int) {
	source := h.getNode(sourceID)
	if source == nil || int(source.level) < level {
		return
	}

	maxConns := h.mmax
	if level == 0 {
		maxConns = h.mmax0
	}

	h.lockConns(sourceID)
	defer h.unlockConns(sourceID)

	conns := source.conns[level]
	for _, c := range conns {
		if c == targetID {
			return
		}
	}

	if len(conns) < maxConns {
		source.conns[level] = append(conns, targetID)
		return
	}

	// Prune: rank existing neighbors plus the new one by distance from
	// the source and keep the best maxConns.
	pq := queue.NewMax(len(conns) + 1)
	for _, c := range append(append([]uint64(nil), conns...), targetID) {
		cn := h.getNode(c)
		if cn == nil {
			continue
		}
		pq.PushItem(queue.Item{Node: c, Distance: h.dist(source.vec, cn)})
	}
	source.conns[level] = h.selectNeighbors(drainAscending(pq), maxConns)
}

// SearchKNN returns at most n (key, distance) pairs ordered nearest
// first. Appends that shadow an earlier key are resolved in favor of the
// newest entry.
func (h *HNSW) SearchKNN(q index.Vector, n int) ([]index.SearchResult, error) {
	if err := h.checkDim(q); err != nil {
		return nil, err
	}
	if n <= 0 || h.count.Load() == 0 {
		return nil, nil
	}

	ef := int(h.efSearch.Load())
	if ef < n {
		ef = n
	}

	epID := h.ep.Load()
	ep := h.getNode(epID)
	if ep == nil {
		return nil, nil
	}
	currID, currDist := epID, h.dist(q, ep)

	for l := int(h.maxLevel.Load()); l > 0; l-- {
		currID, currDist = h.greedyStep(q, currID, currDist, l)
	}

	ordered := drainAscending(h.searchLayer(q, currID, currDist, 0, ef))

	res := make([]index.SearchResult, 0, n)
	h.keyMu.RLock()
	for _, item := range ordered {
		if len(res) >= n {
			break
		}
		nd := h.getNode(item.Node)
		if nd == nil {
			continue
		}
		if h.latest[nd.key] != item.Node {
			continue // shadowed append: the newest key wins
		}
		res = append(res, index.SearchResult{Key: nd.key, Distance: item.Distance})
	}
	h.keyMu.RUnlock()

	h.searches.Add(1)
	return res, nil
}

// Node storage helpers.

func (h *HNSW) getNode(id uint64) *node {
	segments := h.segments.Load()
	if segments == nil {
		return nil
	}
	segIdx := int(id >> nodeSegmentBits)
	if segIdx >= len(*segments) || (*segments)[segIdx] == nil {
		return nil
	}
	return (*segments)[segIdx][id&nodeSegmentMask].Load()
}

func (h *HNSW) setNode(id uint64, n *node) {
	segments := h.segments.Load()
	(*segments)[id>>nodeSegmentBits][id&nodeSegmentMask].Store(n)
}

// growSegments ensures capacity for id. Growth copies only the segment
// pointer slice, never the nodes; the CAS loop keeps readers lock-free.
func (h *HNSW) growSegments(id uint64) {
	segIdx := int(id >> nodeSegmentBits)
	for {
		old := h.segments.Load()
		currentLen := 0
		if old != nil {
			currentLen = len(*old)
		}
		if segIdx < currentLen && (*old)[segIdx] != nil {
			return
		}

		newLen := segIdx + 1
		if newLen < currentLen {
			newLen = currentLen
		}
		grown := make([]*nodeSegment, newLen)
		if old != nil {
			copy(grown, *old)
		}
		if grown[segIdx] == nil {
			grown[segIdx] = new(nodeSegment)
		}

		if h.segments.CompareAndSwap(old, &grown) {
			return
		}
	}
}

func (h *HNSW) lockConns(id uint64)    { h.connLocks[id%numConnLocks].Lock() }
func (h *HNSW) unlockConns(id uint64)  { h.connLocks[id%numConnLocks].Unlock() }
func (h *HNSW) rlockConns(id uint64)   { h.connLocks[id%numConnLocks].RLock() }
func (h *HNSW) runlockConns(id uint64) { h.connLocks[id%numConnLocks].RUnlock() }

func (h *HNSW) getConns(id uint64, level int) []uint64 {
	n := h.getNode(id)
	if n == nil || int(n.level) < level {
		return nil
	}
	h.rlockConns(id)
	conns := append([]uint64(nil), n.conns[level]...)
	h.runlockConns(id)
	return conns
}

