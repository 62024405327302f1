// Package registry maintains the collection of live vector indexes. The
// registry exclusively owns every index; searchers and writers borrow one
// through a shared-lock lease, and close upgrades to an exclusive lock to
// drain readers before the index is destroyed.
package registry

import (
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/p3io/myvector/index"
	"github.com/p3io/myvector/index/hnsw"
	"github.com/p3io/myvector/index/knn"
)

// ErrNotFound is returned when no index is registered under a name.
var ErrNotFound = errors.New("vector index not found")

// Handle pairs an index with its readers-writer lock. The lock guards
// the index lifecycle: leases hold it shared, close takes it exclusive.
type Handle struct {
	index.Index
	mu sync.RWMutex
}

// Lease is a shared-lock borrow of an index. Release returns the lock;
// releasing twice is safe.
type Lease struct {
	h    *Handle
	once sync.Once
}

// Index returns the leased index.
func (l *Lease) Index() index.Index { return l.h.Index }

// Release returns the shared lock.
func (l *Lease) Release() {
	l.once.Do(func() { l.h.mu.RUnlock() })
}

// Registry is the name → index map. One short mutex guards the map; the
// per-index locks guard the indexes themselves.
type Registry struct {
	mu      sync.Mutex
	indexes map[string]*Handle
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		indexes: make(map[string]*Handle),
		logger:  logger,
	}
}

// Open returns the index registered under name, creating it from the
// option string if absent. An existing entry is returned as-is; there is
// no reopen. No lock is taken on the returned handle.
func (r *Registry) Open(name, options, action string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.indexes[name]; ok {
		return h, nil
	}

	r.logger.Debug("opening new index", "index", name, "options", options, "action", action)

	desc, err := index.ParseDescriptor(name, options)
	if err != nil {
		return nil, err
	}

	var idx index.Index
	switch desc.Kind {
	case index.KindHNSW, index.KindHNSWBV:
		idx = hnsw.New(desc, r.logger)
	default:
		idx = knn.New(desc, r.logger)
	}

	h := &Handle{Index: idx}
	r.indexes[name] = h
	return h, nil
}

// Get returns a lease on the named index with the shared lock already
// acquired. The caller must Release it.
func (r *Registry) Get(name string) (*Lease, error) {
	r.mu.Lock()
	h, ok := r.indexes[name]
	r.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	h.mu.RLock()
	return &Lease{h: h}, nil
}

// Close removes the leased index from the registry and destroys it. The
// caller's shared lock is released, then the exclusive lock is taken to
// wait for all remaining readers to drain.
func (r *Registry) Close(l *Lease) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l.Release()

	l.h.mu.Lock()
	err := l.h.Index.Close()
	delete(r.indexes, l.h.Index.Name())
	l.h.mu.Unlock()

	r.logger.Debug("closed index", "index", l.h.Index.Name())
	return err
}

// EarliestTrackedLogFile surveys the live online indexes and returns the
// lexicographically smallest known log-file coordinate, or "" when no
// index knows one. Used by the CDC consumer to pick where to start
// tailing.
func (r *Registry) EarliestTrackedLogFile() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	earliest := ""
	for _, h := range r.indexes {
		if !h.Online() {
			continue
		}
		file, _ := h.Coordinates()
		if earliest == "" || file < earliest {
			earliest = file
		}
	}
	if earliest == index.SentinelLogFile {
		earliest = ""
	}
	r.logger.Debug("earliest tracked binlog file", "file", earliest)
	return earliest
}

// Names returns the registered index names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.indexes))
	for name := range r.indexes {
		names = append(names, name)
	}
	return names
}

// SplitName splits an index name "db.table.column" into its parts.
func SplitName(name string) (db, table, column string, err error) {
	parts := strings.SplitN(name, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", errors.New("index name must be db.table.column")
	}
	return parts[0], parts[1], parts[2], nil
}
