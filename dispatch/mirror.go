package dispatch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/p3io/myvector/blobstore"
)

// Index files are mirrored to object storage whole: uploaded after a
// save, downloaded on load when the local copy is missing, and removed
// on drop. The persistence layer itself only ever touches the local
// index directory.

func indexFileNames(name string) []string {
	base := name + ".hnsw.index"
	return []string{base, base + ".links", base + ".links.data", base + ".status"}
}

func (d *Dispatcher) mirrorUpload(ctx context.Context, name string) {
	if d.opts.Mirror == nil {
		return
	}
	for _, fn := range indexFileNames(name) {
		path := filepath.Join(d.opts.IndexDir, fn)
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			d.opts.Logger.Warn("mirror upload: cannot open index file", "path", path, "error", err)
			continue
		}
		st, err := f.Stat()
		if err == nil {
			err = d.opts.Mirror.Put(ctx, fn, f, st.Size())
		}
		_ = f.Close()
		if err != nil {
			d.opts.Logger.Warn("mirror upload failed", "file", fn, "error", err)
		}
	}
}

func (d *Dispatcher) mirrorDownload(ctx context.Context, name string) {
	if d.opts.Mirror == nil {
		return
	}
	// Only fetch when the primary file is missing locally.
	primary := filepath.Join(d.opts.IndexDir, indexFileNames(name)[0])
	if _, err := os.Stat(primary); err == nil {
		return
	}

	for _, fn := range indexFileNames(name) {
		rc, err := d.opts.Mirror.Get(ctx, fn)
		if errors.Is(err, blobstore.ErrNotFound) {
			continue
		}
		if err != nil {
			d.opts.Logger.Warn("mirror download failed", "file", fn, "error", err)
			continue
		}
		path := filepath.Join(d.opts.IndexDir, fn)
		f, err := os.Create(path)
		if err == nil {
			_, err = io.Copy(f, rc)
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
		}
		_ = rc.Close()
		if err != nil {
			d.opts.Logger.Warn("mirror download: cannot write index file", "path", path, "error", err)
			_ = os.Remove(path)
		}
	}
}

func (d *Dispatcher) mirrorRemove(ctx context.Context, name string) {
	if d.opts.Mirror == nil {
		return
	}
	for _, fn := range indexFileNames(name) {
		if err := d.opts.Mirror.Remove(ctx, fn); err != nil {
			d.opts.Logger.Warn("mirror remove failed", "file", fn, "error", err)
		}
	}
}
