package hnsw

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/p3io/myvector/index"
	"github.com/p3io/myvector/persistence"
)

// On-disk layout, one index:
//
//	<dir>/<name>.hnsw.index            full graph snapshot (build)
//	<dir>/<name>.hnsw.index.links      delta segment descriptors
//	<dir>/<name>.hnsw.index.links.data zstd-compressed delta rows
//	<dir>/<name>.hnsw.index.status     persisted row count + checkpoint id
//
// A build save rewrites the snapshot and truncates the deltas. A
// checkpoint or refresh save appends the rows added since the last
// persist as a delta segment. Load restores the snapshot graph exactly,
// then re-inserts every delta row, which keeps search results equivalent
// to a from-scratch build over the same inputs.

func (h *HNSW) indexFile(dir string) string {
	return filepath.Join(dir, h.desc.Name+".hnsw.index")
}

func (h *HNSW) auxFiles(dir string) (links, linksData, status string) {
	base := h.indexFile(dir)
	return base + ".links", base + ".links.data", base + ".status"
}

// checkpoint returns the current checkpoint identity: log coordinates for
// online indexes, the last build/refresh timestamp otherwise.
func (h *HNSW) checkpoint() index.Checkpoint {
	if h.SupportsIncrUpdates() {
		file, off := h.Coordinates()
		return index.Checkpoint{Kind: index.CheckpointLogCoord, LogFile: file, LogOffset: off}
	}
	return index.Checkpoint{Kind: index.CheckpointTimestamp, Unix: h.UpdateTs()}
}

func (h *HNSW) restoreCheckpoint(s string) {
	ck, err := index.ParseCheckpoint(s)
	if err != nil {
		h.logger.Warn("unparseable checkpoint id in index file", "index", h.desc.Name, "id", s)
		return
	}
	switch ck.Kind {
	case index.CheckpointTimestamp:
		h.SetUpdateTs(ck.Unix)
	case index.CheckpointLogCoord:
		h.SetCoordinates(ck.LogFile, ck.LogOffset)
	}
}

// Save persists the index. SaveBuild rewrites the snapshot; the other
// modes append an incremental delta segment. Any staged parallel-build
// rows are flushed serially first.
func (h *HNSW) Save(dir string, mode index.SaveMode) error {
	h.state.Store(index.StateCheckpointing)

	if err := h.flushSerial(); err != nil {
		return err
	}

	h.persistMu.Lock()
	defer h.persistMu.Unlock()

	ckpt := h.checkpoint().String()

	var err error
	if mode == index.SaveBuild {
		err = h.saveFull(dir, ckpt)
	} else {
		err = h.saveIncr(dir, ckpt)
	}
	if err != nil {
		return err
	}

	if err := h.writeStatus(dir, ckpt); err != nil {
		return err
	}

	h.dirty.Store(false)
	h.state.Store(index.StateReady)
	return nil
}

func (h *HNSW) saveFull(dir, ckpt string) error {
	path := h.indexFile(dir)
	h.logger.Debug("saving hnsw snapshot", "index", h.desc.Name, "path", path, "rows", h.count.Load())

	if err := h.writeSnapshot(path, ckpt); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	// The snapshot covers everything; earlier deltas are obsolete.
	links, linksData, _ := h.auxFiles(dir)
	_ = os.Remove(links)
	_ = os.Remove(linksData)

	h.persistedRows = h.count.Load()
	return nil
}

func (h *HNSW) saveIncr(dir, ckpt string) error {
	from, to := h.persistedRows, h.count.Load()
	if to <= from {
		return nil // nothing new; the status rewrite still advances the checkpoint
	}
	h.logger.Debug("appending hnsw delta segment",
		"index", h.desc.Name, "from", from, "to", to)

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return err
	}
	for id := from; id < to; id++ {
		n := h.getNode(id)
		if n == nil {
			continue
		}
		if err := h.writeRow(zw, n); err != nil {
			_ = zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	data := buf.Bytes()

	links, linksData, _ := h.auxFiles(dir)

	df, err := os.OpenFile(linksData, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	st, err := df.Stat()
	if err != nil {
		_ = df.Close()
		return err
	}
	offset := st.Size()
	if _, err := df.Write(data); err != nil {
		_ = df.Close()
		return err
	}
	if err := df.Close(); err != nil {
		return err
	}

	lf, err := os.OpenFile(links, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer lf.Close()

	rec := deltaRecord{
		StartRow: from,
		Count:    to - from,
		Offset:   uint64(offset),
		Length:   uint64(len(data)),
		Checksum: persistence.Checksum(data),
	}
	if err := binary.Write(lf, binary.LittleEndian, rec); err != nil {
		return err
	}
	if err := persistence.WriteString(lf, ckpt); err != nil {
		return err
	}

	h.persistedRows = to
	return nil
}

// deltaRecord is the fixed part of one entry in the .links descriptor
// file; a length-prefixed checkpoint string follows each record.
type deltaRecord struct {
	StartRow uint64
	Count    uint64
	Offset   uint64
	Length   uint64
	Checksum uint32
}

func (h *HNSW) vectorKind() uint8 {
	if h.desc.Kind == index.KindHNSWBV {
		return persistence.VectorKindBit
	}
	return persistence.VectorKindFloat32
}

func (h *HNSW) writeSnapshot(path, ckpt string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	cw := persistence.NewChecksumWriter(f)

	hdr := persistence.FileHeader{
		IndexType:   persistence.IndexTypeHNSW,
		VectorKind:  h.vectorKind(),
		Dimension:   uint32(h.desc.Dim),
		M:           uint32(h.mmax),
		EF:          uint32(h.desc.EF),
		VectorCount: h.count.Load(),
		EntryPoint:  h.ep.Load(),
		MaxLevel:    h.maxLevel.Load(),
	}
	if err := persistence.WriteHeader(cw, &hdr); err != nil {
		return err
	}
	if err := persistence.WriteString(cw, ckpt); err != nil {
		return err
	}

	zw := lz4.NewWriter(cw)
	bw := bufio.NewWriter(zw)
	for id := uint64(0); id < hdr.VectorCount; id++ {
		n := h.getNode(id)
		if n == nil {
			continue
		}
		if err := h.writeNode(bw, n); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}

	if err := binary.Write(f, binary.LittleEndian, cw.Sum()); err != nil {
		return err
	}
	return f.Sync()
}

// writeRow serializes (key, vector) only; delta rows are re-inserted on
// load, so no graph state is stored for them.
func (h *HNSW) writeRow(w io.Writer, n *node) error {
	if err := binary.Write(w, binary.LittleEndian, n.key); err != nil {
		return err
	}
	return h.writeVector(w, n.vec)
}

// writeNode serializes the full node: key, level, vector, and the
// neighbor lists of every layer.
func (h *HNSW) writeNode(w io.Writer, n *node) error {
	if err := binary.Write(w, binary.LittleEndian, n.key); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, n.level); err != nil {
		return err
	}
	if err := h.writeVector(w, n.vec); err != nil {
		return err
	}
	for l := 0; l <= int(n.level); l++ {
		conns := n.conns[l]
		if err := binary.Write(w, binary.LittleEndian, uint32(len(conns))); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, conns); err != nil {
			return err
		}
	}
	return nil
}

func (h *HNSW) writeVector(w io.Writer, v index.Vector) error {
	if h.desc.Kind == index.KindHNSWBV {
		return binary.Write(w, binary.LittleEndian, v.W)
	}
	return binary.Write(w, binary.LittleEndian, v.F)
}

func (h *HNSW) readVector(r io.Reader) (index.Vector, error) {
	if h.desc.Kind == index.KindHNSWBV {
		words := make([]uint64, h.desc.Dim/64)
		if err := binary.Read(r, binary.LittleEndian, words); err != nil {
			return index.Vector{}, err
		}
		return index.Vector{W: words}, nil
	}
	floats := make([]float32, h.desc.Dim)
	if err := binary.Read(r, binary.LittleEndian, floats); err != nil {
		return index.Vector{}, err
	}
	return index.Vector{F: floats}, nil
}

func (h *HNSW) writeStatus(dir, ckpt string) error {
	_, _, status := h.auxFiles(dir)
	f, err := os.Create(status)
	if err != nil {
		return err
	}
	defer f.Close()

	cw := persistence.NewChecksumWriter(f)
	if err := binary.Write(cw, binary.LittleEndian, uint32(persistence.MagicNumber)); err != nil {
		return err
	}
	if err := binary.Write(cw, binary.LittleEndian, h.persistedRows); err != nil {
		return err
	}
	if err := persistence.WriteString(cw, ckpt); err != nil {
		return err
	}
	return binary.Write(f, binary.LittleEndian, cw.Sum())
}

func (h *HNSW) readStatus(dir string) (string, error) {
	_, _, status := h.auxFiles(dir)
	f, err := os.Open(status)
	if err != nil {
		return "", err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", err
	}
	cr := persistence.NewChecksumReader(io.LimitReader(f, st.Size()-4))

	var magic uint32
	if err := binary.Read(cr, binary.LittleEndian, &magic); err != nil {
		return "", err
	}
	if magic != persistence.MagicNumber {
		return "", persistence.ErrInvalidMagic
	}
	var rows uint64
	if err := binary.Read(cr, binary.LittleEndian, &rows); err != nil {
		return "", err
	}
	ckpt, err := persistence.ReadString(cr)
	if err != nil {
		return "", err
	}
	var stored uint32
	if err := binary.Read(f, binary.LittleEndian, &stored); err != nil {
		return "", err
	}
	if err := cr.Verify(stored); err != nil {
		return "", err
	}
	return ckpt, nil
}

// Load reads the on-disk files. Absent files leave a freshly initialized
// empty index; a corrupt file is logged and likewise falls back to empty.
func (h *HNSW) Load(dir string) error {
	if err := h.Init(); err != nil {
		return err
	}

	err := h.readSnapshot(h.indexFile(dir))
	if errors.Is(err, os.ErrNotExist) {
		h.logger.Info("no index files on disk, initialized empty", "index", h.desc.Name)
		return nil
	}
	if err != nil {
		h.logger.Warn("error loading hnsw index from file, reinitializing empty",
			"index", h.desc.Name, "error", err)
		return h.Init()
	}

	if err := h.replayDeltas(dir); err != nil {
		h.logger.Warn("error replaying hnsw delta segments, reinitializing empty",
			"index", h.desc.Name, "error", err)
		return h.Init()
	}

	// The status file carries the newest checkpoint; fall back to the
	// snapshot's embedded id (already restored) when it is absent.
	if ckpt, err := h.readStatus(dir); err == nil {
		h.restoreCheckpoint(ckpt)
	}

	h.persistMu.Lock()
	h.persistedRows = h.count.Load()
	h.persistMu.Unlock()

	h.state.Store(index.StateReady)
	h.logger.Info("hnsw index loaded", "index", h.desc.Name, "rows", h.count.Load())
	return nil
}

func (h *HNSW) readSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() < 4 {
		return persistence.ErrInvalidMagic
	}
	cr := persistence.NewChecksumReader(io.LimitReader(f, st.Size()-4))

	hdr, err := persistence.ReadHeader(cr)
	if err != nil {
		return err
	}
	if hdr.IndexType != persistence.IndexTypeHNSW {
		return persistence.ErrInvalidIndex
	}
	if int(hdr.Dimension) != h.desc.Dim {
		return fmt.Errorf("snapshot dimension %d does not match index dimension %d", hdr.Dimension, h.desc.Dim)
	}

	ckpt, err := persistence.ReadString(cr)
	if err != nil {
		return err
	}

	zr := lz4.NewReader(cr)
	br := bufio.NewReader(zr)

	nodes := make([]*node, hdr.VectorCount)
	for i := range nodes {
		n, err := h.readNode(br)
		if err != nil {
			return fmt.Errorf("failed to read node %d: %w", i, err)
		}
		nodes[i] = n
	}

	// Drain any remaining frame bytes so the checksum covers the whole
	// payload, then verify.
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return err
	}
	var stored uint32
	if err := binary.Read(f, binary.LittleEndian, &stored); err != nil {
		return err
	}
	if err := cr.Verify(stored); err != nil {
		return err
	}

	// Install the restored graph.
	for id, n := range nodes {
		h.allocMu.Lock()
		h.growSegments(uint64(id))
		h.allocMu.Unlock()
		h.setNode(uint64(id), n)
		h.registerKey(n.key, uint64(id))
	}
	h.count.Store(hdr.VectorCount)
	h.epMu.Lock()
	h.ep.Store(hdr.EntryPoint)
	h.maxLevel.Store(hdr.MaxLevel)
	h.epSet = hdr.VectorCount > 0
	h.epMu.Unlock()

	h.restoreCheckpoint(ckpt)
	return nil
}

func (h *HNSW) readNode(r io.Reader) (*node, error) {
	var key uint64
	if err := binary.Read(r, binary.LittleEndian, &key); err != nil {
		return nil, err
	}
	var level int32
	if err := binary.Read(r, binary.LittleEndian, &level); err != nil {
		return nil, err
	}
	if level < 0 || level > 255 {
		return nil, fmt.Errorf("implausible node level %d", level)
	}
	vec, err := h.readVector(r)
	if err != nil {
		return nil, err
	}
	conns := make([][]uint64, level+1)
	for l := 0; l <= int(level); l++ {
		var cnt uint32
		if err := binary.Read(r, binary.LittleEndian, &cnt); err != nil {
			return nil, err
		}
		if cnt > uint32(2*h.mmax0) {
			return nil, fmt.Errorf("implausible connection count %d", cnt)
		}
		conns[l] = make([]uint64, cnt)
		if err := binary.Read(r, binary.LittleEndian, conns[l]); err != nil {
			return nil, err
		}
	}
	return &node{key: key, level: level, vec: vec, conns: conns}, nil
}

func (h *HNSW) replayDeltas(dir string) error {
	links, linksData, _ := h.auxFiles(dir)

	lf, err := os.Open(links)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer lf.Close()

	df, err := os.Open(linksData)
	if err != nil {
		return err
	}
	defer df.Close()

	for {
		var rec deltaRecord
		if err := binary.Read(lf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		ckpt, err := persistence.ReadString(lf)
		if err != nil {
			return err
		}

		data := make([]byte, rec.Length)
		if _, err := df.ReadAt(data, int64(rec.Offset)); err != nil {
			return err
		}
		if persistence.Checksum(data) != rec.Checksum {
			return &persistence.ChecksumMismatchError{Expected: rec.Checksum, Actual: persistence.Checksum(data)}
		}

		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return err
		}
		for i := uint64(0); i < rec.Count; i++ {
			var key uint64
			if err := binary.Read(zr, binary.LittleEndian, &key); err != nil {
				zr.Close()
				return err
			}
			vec, err := h.readVector(zr)
			if err != nil {
				zr.Close()
				return err
			}
			if err := h.insertOne(vec, key); err != nil {
				zr.Close()
				return err
			}
		}
		zr.Close()

		h.restoreCheckpoint(ckpt)
	}
}

// Drop deletes the on-disk files and resets the in-memory graph. It is
// idempotent and valid from any state.
func (h *HNSW) Drop(dir string) error {
	base := h.indexFile(dir)
	links, linksData, status := h.auxFiles(dir)
	for _, path := range []string{base, links, linksData, status} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.logger.Warn("failed to remove index file", "path", path, "error", err)
		}
	}
	return h.Init()
}
