package hnsw

import (
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/p3io/myvector/index"
)

// StartParallelBuild switches inserts into batched mode for a bulk
// build. Rows are staged and flushed through a worker pool every
// BatchSize entries; the final partial batch is flushed serially by
// Save.
func (h *HNSW) StartParallelBuild(threads int) bool {
	if threads < 2 {
		return false
	}

	h.buildMu.Lock()
	h.staged = nil
	h.parallel = true
	h.threads = threads
	h.buildMu.Unlock()

	h.state.Store(index.StateBuilding)
	h.logger.Info("parallel build started", "index", h.desc.Name, "threads", threads)
	return true
}

// flushParallel drains the staged batch through the worker pool. Workers
// steal row indices from a shared atomic counter and call the
// single-vector insert; the first worker error aborts the batch and is
// returned to the driver after all workers have joined.
func (h *HNSW) flushParallel() error {
	h.buildMu.Lock()
	batch := h.staged
	h.staged = nil
	threads := h.threads
	h.buildMu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	h.logger.Debug("flushing parallel batch", "index", h.desc.Name, "rows", len(batch), "threads", threads)

	var next atomic.Int64
	var g errgroup.Group
	for w := 0; w < threads; w++ {
		g.Go(func() error {
			for {
				i := next.Add(1) - 1
				if i >= int64(len(batch)) {
					return nil
				}
				if err := h.insertOne(batch[i].vec, batch[i].key); err != nil {
					// Park the counter at the end so the other
					// workers drain quickly.
					next.Store(int64(len(batch)))
					return err
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		h.logger.Error("parallel batch aborted", "index", h.desc.Name, "error", err)
		return err
	}

	h.dirty.Store(true)
	return nil
}

// flushSerial inserts any staged rows one by one. Called by Save for the
// final, possibly small, batch.
func (h *HNSW) flushSerial() error {
	h.buildMu.Lock()
	batch := h.staged
	h.staged = nil
	h.parallel = false
	h.buildMu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	h.logger.Debug("flushing final batch serially", "index", h.desc.Name, "rows", len(batch))
	for _, r := range batch {
		if err := h.insertOne(r.vec, r.key); err != nil {
			return err
		}
	}
	h.dirty.Store(true)
	return nil
}
