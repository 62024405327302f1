// Package dispatch implements the scalar functions exposed to host SQL
// and the admin actions that drive index builds: build, refresh, load,
// save, and drop.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/p3io/myvector/blobstore"
	"github.com/p3io/myvector/distance"
	"github.com/p3io/myvector/index"
	"github.com/p3io/myvector/registry"
	"github.com/p3io/myvector/vector"
)

const (
	// DefaultANNCount is the number of neighbors returned by AnnSet when
	// no nn= option is given.
	DefaultANNCount = 10

	// MaxANNCount caps the neighbors returned by a single AnnSet call.
	MaxANNCount = 10000

	// RowDistanceSentinel is returned by RowDistance for keys absent
	// from the last search.
	RowDistanceSentinel = 99999999999.99
)

// ErrInvalidAction is returned for an unrecognized admin action.
var ErrInvalidAction = errors.New("invalid admin action")

// Connector opens a dedicated host connection for a table scan.
type Connector func(ctx context.Context) (*sql.DB, error)

// Options configures a Dispatcher.
type Options struct {
	// IndexDir is the directory holding on-disk index files.
	IndexDir string

	// BGThreads is the default parallel-build worker count, used when an
	// index declares no threads option.
	BGThreads int

	// Connector opens host connections for build and refresh scans.
	Connector Connector

	// CurrentCoords reports the replication coordinates at build time,
	// when the CDC consumer is running.
	CurrentCoords func() (string, uint64)

	// Mirror, when set, receives whole index files after a save and
	// supplies them on load when the local copy is missing.
	Mirror blobstore.Store

	Logger *slog.Logger
}

// Dispatcher executes scalar functions and admin actions against the
// index registry.
type Dispatcher struct {
	reg  *registry.Registry
	opts Options
}

// New creates a Dispatcher.
func New(reg *registry.Registry, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BGThreads <= 0 {
		opts.BGThreads = 2
	}
	return &Dispatcher{reg: reg, opts: opts}
}

// Registry returns the dispatcher's index registry.
func (d *Dispatcher) Registry() *registry.Registry { return d.reg }

// IndexDir returns the configured index directory.
func (d *Dispatcher) IndexDir() string { return d.opts.IndexDir }

// Construct encodes input into a serialized vector payload.
func (d *Dispatcher) Construct(input []byte, opts string) ([]byte, error) {
	return vector.Encode(input, opts)
}

// Display renders a payload as text.
func (d *Dispatcher) Display(payload []byte, precision int) (string, error) {
	return vector.Render(payload, precision)
}

// IsValid reports 1 when payload is a well-formed vector of the expected
// dimension, 0 otherwise.
func (d *Dispatcher) IsValid(payload []byte, dim int) int64 {
	if vector.Validate(payload, dim) {
		return 1
	}
	return 0
}

// Distance computes the distance between two float payloads. Mismatched
// dimensions are an error, never silently truncated. The kind defaults
// to L2; "EUCLIDEAN", "Cosine", and "IP" are accepted case-insensitively.
func (d *Dispatcher) Distance(v1, v2 []byte, kind string) (float64, error) {
	d1, err := vector.Decode(v1)
	if err != nil {
		return 0, err
	}
	d2, err := vector.Decode(v2)
	if err != nil {
		return 0, err
	}
	if d1.Kind != vector.KindFloat32 || d2.Kind != vector.KindFloat32 {
		return 0, vector.ErrNotFloatVector
	}
	if d1.Dim != d2.Dim {
		return 0, &index.ErrDimensionMismatch{Expected: d1.Dim, Actual: d2.Dim}
	}

	if kind == "" {
		kind = "L2"
	}
	metric, err := distance.ParseMetric(kind)
	if err != nil {
		return 0, err
	}
	fn, err := distance.Provider(metric)
	if err != nil {
		return 0, err
	}
	return float64(fn(d1.Floats, d2.Floats)), nil
}

// HammingDistance computes the Hamming distance between two bit payloads.
func (d *Dispatcher) HammingDistance(v1, v2 []byte) (float64, error) {
	d1, err := vector.Decode(v1)
	if err != nil {
		return 0, err
	}
	d2, err := vector.Decode(v2)
	if err != nil {
		return 0, err
	}
	if d1.Kind != vector.KindBit || d2.Kind != vector.KindBit {
		return 0, vector.ErrNotBitVector
	}
	if d1.Dim != d2.Dim {
		return 0, &index.ErrDimensionMismatch{Expected: d1.Dim, Actual: d2.Dim}
	}
	return float64(distance.Hamming(d1.Words, d2.Words)), nil
}

// Scratch holds the key → distance map of one search. It is owned by the
// query that ran the search and read by RowDistance; nothing outlives the
// query.
type Scratch struct {
	distances map[uint64]float64
}

// Distance returns the recorded distance for key.
func (s *Scratch) Distance(key uint64) (float64, bool) {
	if s == nil {
		return 0, false
	}
	v, ok := s.distances[key]
	return v, ok
}

// RowDistance returns the distance recorded for key by the last AnnSet in
// this query, or the sentinel when the key was not part of the result.
func (d *Dispatcher) RowDistance(s *Scratch, key uint64) float64 {
	if v, ok := s.Distance(key); ok {
		return v
	}
	return RowDistanceSentinel
}

// AnnSet runs a nearest-neighbor search against the named index and
// returns the matching row ids as a flat JSON array, together with the
// per-query distance scratch.
func (d *Dispatcher) AnnSet(vecID, idCol string, qvec []byte, opts string) (string, *Scratch, error) {
	nn := DefaultANNCount
	if opts != "" {
		if vo, err := vector.ParseOptions(opts); err == nil {
			if n := vo.GetInt("nn", DefaultANNCount); n > 0 {
				nn = n
			}
			nn = min(nn, MaxANNCount)
		}
	}

	lease, err := d.reg.Get(vecID)
	if err != nil {
		return "", nil, fmt.Errorf("vector index %s not defined or not open for access: %w", vecID, err)
	}
	defer lease.Release()
	idx := lease.Index()

	q, err := decodeQuery(qvec, idx)
	if err != nil {
		return "", nil, err
	}

	results, err := idx.SearchKNN(q, nn)
	if err != nil {
		return "", nil, err
	}

	scratch := &Scratch{distances: make(map[uint64]float64, len(results))}
	ids := make([]uint64, len(results))
	for i, r := range results {
		ids[i] = r.Key
		scratch.distances[r.Key] = float64(r.Distance)
	}

	out, err := json.Marshal(ids)
	if err != nil {
		return "", nil, err
	}
	return string(out), scratch, nil
}

// decodeQuery converts a query payload into the index's vector form. A
// payload with a valid trailer is decoded normally; raw packed floats
// are accepted for compatibility with pre-trailer callers.
func decodeQuery(qvec []byte, idx index.Index) (index.Vector, error) {
	dec, err := vector.Decode(qvec)
	if err == nil {
		v := index.FromDecoded(dec)
		if v.Dim() != idx.Dimension() {
			return index.Vector{}, &index.ErrDimensionMismatch{Expected: idx.Dimension(), Actual: v.Dim()}
		}
		return v, nil
	}
	if errors.Is(err, vector.ErrBadMetadata) && idx.Kind() != index.KindHNSWBV && len(qvec) == idx.Dimension()*4 {
		return index.Vector{F: vector.FloatsFromPacked(qvec)}, nil
	}
	return index.Vector{}, err
}

// SearchAddRow inserts one (key, vec) row into an open index, returning 1
// on success.
func (d *Dispatcher) SearchAddRow(vecID string, key uint64, payload []byte) (int64, error) {
	lease, err := d.reg.Get(vecID)
	if err != nil {
		return 0, err
	}
	defer lease.Release()

	if err := d.insertPayload(lease.Index(), key, payload); err != nil {
		return 0, err
	}
	return 1, nil
}

func (d *Dispatcher) insertPayload(idx index.Index, key uint64, payload []byte) error {
	dec, err := vector.Decode(payload)
	if err != nil {
		return err
	}
	return idx.Insert(index.FromDecoded(dec), key)
}

// SearchSave persists an open index with the given action's save mode.
func (d *Dispatcher) SearchSave(ctx context.Context, vecID, action string) (string, error) {
	lease, err := d.reg.Get(vecID)
	if err != nil {
		d.opts.Logger.Error("index is not opened for build/refresh", "index", vecID)
		return "FAILED", err
	}
	defer lease.Release()

	if err := lease.Index().Save(d.opts.IndexDir, index.ParseSaveMode(action)); err != nil {
		return "FAILED", err
	}
	return "SUCCESS", nil
}

// nowUnix is replaced in tests.
var nowUnix = func() uint64 { return uint64(time.Now().Unix()) }
