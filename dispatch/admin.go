package dispatch

import (
	"context"
	"fmt"

	"github.com/p3io/myvector/index"
	"github.com/p3io/myvector/registry"
	"github.com/p3io/myvector/vector"
)

// SearchOpen executes an admin action against the named index:
//
//	build   - drop, init fresh, scan the base table, save as build
//	refresh - scan the tracked window since the last build, save as refresh
//	load    - read on-disk files; absent files leave an empty index
//	save    - persist current in-memory state
//	drop    - delete files and forget the index
//
// The returned string is either a status message or, for tracked build
// and refresh actions, the WHERE clause bounding the scan.
func (d *Dispatcher) SearchOpen(ctx context.Context, vecID, details, pkidCol, action, extra string) (string, error) {
	d.opts.Logger.Info("admin action",
		"index", vecID, "action", action, "idcol", pkidCol, "extra", extra)

	lease, err := d.reg.Get(vecID)
	if err != nil {
		if _, openErr := d.reg.Open(vecID, details, action); openErr != nil {
			return "Failed to open index", openErr
		}
		lease, err = d.reg.Get(vecID)
		if err != nil {
			return "Failed to open index", err
		}
	}
	idx := lease.Index()

	vo, err := vector.ParseOptions(details)
	if err != nil {
		lease.Release()
		return "Invalid options", err
	}
	trackingColumn := vo.Get("track")
	nthreads := vo.GetInt("threads", d.opts.BGThreads)

	switch action {
	case "save":
		defer lease.Release()
		if err := idx.Save(d.opts.IndexDir, index.SaveCheckpoint); err != nil {
			return "FAILED", err
		}
		if idx.SupportsPersist() {
			d.mirrorUpload(ctx, vecID)
		}
		return "SUCCESS", nil

	case "load":
		defer lease.Release()
		d.opts.Logger.Debug("loading index", "index", vecID)
		if idx.SupportsPersist() {
			d.mirrorDownload(ctx, vecID)
		}
		return d.statusOf(idx.Load(d.opts.IndexDir))

	case "drop":
		if err := idx.Drop(d.opts.IndexDir); err != nil {
			lease.Release()
			return "FAILED", err
		}
		d.mirrorRemove(ctx, vecID)
		// Close consumes the lease: it releases the shared lock, drains
		// readers under the exclusive lock, and unlinks the index.
		if err := d.reg.Close(lease); err != nil {
			return "FAILED", err
		}
		return "SUCCESS", nil

	case "build", "refresh":
		defer lease.Release()
		return d.buildOrRefresh(ctx, vecID, pkidCol, action, trackingColumn, nthreads, idx)

	default:
		lease.Release()
		return "FAILED", fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
}

func (d *Dispatcher) statusOf(err error) (string, error) {
	if err != nil {
		return "FAILED", err
	}
	return "SUCCESS", nil
}

// buildOrRefresh drives a table scan into the index. Build starts from an
// empty index; refresh adds the tracked window since the last build. A
// refresh of an index without persistence degrades to a full build, so
// both actions start from empty there.
func (d *Dispatcher) buildOrRefresh(ctx context.Context, vecID, pkidCol, action, trackingColumn string, nthreads int, idx index.Index) (string, error) {
	if action == "refresh" && !idx.SupportsPersist() {
		action = "build"
	}

	currentTs := nowUnix()
	var whereClause string

	switch action {
	case "build":
		if err := idx.Drop(d.opts.IndexDir); err != nil {
			return "FAILED", err
		}
		if err := idx.Init(); err != nil {
			return "FAILED", err
		}
		if trackingColumn != "" {
			whereClause = fmt.Sprintf(" WHERE unix_timestamp(%s) <= %d", trackingColumn, currentTs)
		}
	case "refresh":
		lastTs := idx.UpdateTs()
		if trackingColumn != "" {
			whereClause = fmt.Sprintf(" WHERE unix_timestamp(%s) > %d AND unix_timestamp(%s) <= %d",
				trackingColumn, lastTs, trackingColumn, currentTs)
		}
	}

	idx.SetUpdateTs(currentTs)
	if nthreads >= 2 {
		idx.StartParallelBuild(nthreads)
	}

	db, table, veccol, err := registry.SplitName(vecID)
	if err != nil {
		return "FAILED", err
	}

	nRows, err := d.scanTable(ctx, db, table, pkidCol, veccol, whereClause, idx)
	if err != nil {
		return "FAILED", err
	}

	// Stamp the replication coordinates before persisting so the saved
	// checkpoint covers everything the scan observed.
	var coordStatus string
	if d.opts.CurrentCoords != nil && idx.SupportsIncrUpdates() {
		file, pos := d.opts.CurrentCoords()
		if file != "" {
			idx.SetCoordinates(file, pos)
			coordStatus = fmt.Sprintf(" at (%s %d)", file, pos)
		}
	}

	if err := idx.Save(d.opts.IndexDir, index.ParseSaveMode(action)); err != nil {
		return "FAILED", err
	}
	if idx.SupportsPersist() {
		d.mirrorUpload(ctx, vecID)
	}

	if whereClause != "" {
		return whereClause, nil
	}
	return fmt.Sprintf("SUCCESS: Index created & saved%s, rows : %d.", coordStatus, nRows), nil
}
