package index

import (
	"fmt"
	"strconv"
	"strings"
)

// SentinelLogFile is the "no coordinate known" marker set when an index is
// initialized. It sorts after every real binlog file name so the registry
// survey skips it.
const SentinelLogFile = "zzzzzz.bin"

// SentinelLogOffset accompanies SentinelLogFile.
const SentinelLogOffset = 99999999999

// CheckpointKind distinguishes the two checkpoint identities.
type CheckpointKind int

const (
	// CheckpointTimestamp marks offline / refresh-by-timestamp indexes.
	CheckpointTimestamp CheckpointKind = iota
	// CheckpointLogCoord marks online indexes by replication position.
	CheckpointLogCoord
)

// Checkpoint identifies the point up to which an index has consumed its
// inputs: a unix timestamp for tracked indexes, or a replication log
// coordinate for online ones. The printable string form is embedded in
// saved index files for compatibility with existing files.
type Checkpoint struct {
	Kind      CheckpointKind
	Unix      uint64
	LogFile   string
	LogOffset uint64
}

// String renders the checkpoint in its embedded form:
// "Checkpoint:timestamp:<unix>" or "Checkpoint:binlog:<file>:<offset>".
func (c Checkpoint) String() string {
	if c.Kind == CheckpointLogCoord {
		return fmt.Sprintf("Checkpoint:binlog:%s:%d", c.LogFile, c.LogOffset)
	}
	return fmt.Sprintf("Checkpoint:timestamp:%d", c.Unix)
}

// ParseCheckpoint parses the embedded string form of a checkpoint.
func ParseCheckpoint(s string) (Checkpoint, error) {
	switch {
	case strings.HasPrefix(s, "Checkpoint:timestamp:"):
		ts, err := strconv.ParseUint(s[len("Checkpoint:timestamp:"):], 10, 64)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("bad timestamp checkpoint %q: %w", s, err)
		}
		return Checkpoint{Kind: CheckpointTimestamp, Unix: ts}, nil
	case strings.HasPrefix(s, "Checkpoint:binlog:"):
		rest := s[len("Checkpoint:binlog:"):]
		sep := strings.LastIndexByte(rest, ':')
		if sep < 0 {
			return Checkpoint{}, fmt.Errorf("bad binlog checkpoint %q", s)
		}
		off, err := strconv.ParseUint(rest[sep+1:], 10, 64)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("bad binlog checkpoint %q: %w", s, err)
		}
		return Checkpoint{Kind: CheckpointLogCoord, LogFile: rest[:sep], LogOffset: off}, nil
	default:
		return Checkpoint{}, fmt.Errorf("unrecognized checkpoint id: %q", s)
	}
}

// CoordinateAfter reports whether (file2, pos2) is strictly after
// (file1, pos1) in replication order. Binlog file names are sequentially
// numbered, so lexicographic comparison orders them.
func CoordinateAfter(file2 string, pos2 uint64, file1 string, pos1 uint64) bool {
	return (file2 == file1 && pos2 > pos1) || file2 > file1
}
