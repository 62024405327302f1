package index

import (
	"fmt"

	"github.com/p3io/myvector/distance"
	"github.com/p3io/myvector/vector"
)

// Descriptor carries the immutable definition of an index, parsed from a
// column option string. The Name ("db.table.column") doubles as the
// registry lookup key.
type Descriptor struct {
	Name     string
	Kind     Kind
	Dim      int
	Distance distance.Metric

	// HNSW construction parameters.
	Capacity int
	M        int
	EF       int // ef_construction
	EFSearch int

	// Online indexes consume the host replication stream.
	Online bool

	// TrackColumn names the timestamp column used by refresh.
	TrackColumn string

	// Threads is the parallel-build worker count override.
	Threads int

	// Options preserves the original option text.
	Options string
}

// ParseDescriptor parses the option string of an index.
// The default type is KNN and the default distance L2; HNSW_BV indexes
// always use Hamming distance.
func ParseDescriptor(name, options string) (Descriptor, error) {
	vo, err := vector.ParseOptions(options)
	if err != nil {
		return Descriptor{}, fmt.Errorf("index %s: %w", name, err)
	}

	kindStr := vo.Get("type")
	if kindStr == "" {
		kindStr = "KNN"
	}
	kind, err := ParseKind(kindStr)
	if err != nil {
		return Descriptor{}, fmt.Errorf("index %s: %w", name, err)
	}

	dim := vo.GetInt("dim", 0)
	if kind == KindHNSWBV {
		if dim < 64 || dim > vector.MaxDim || dim%64 != 0 {
			return Descriptor{}, fmt.Errorf("index %s: invalid binary vector dimension %d", name, dim)
		}
	} else if dim < vector.MinDim || dim > vector.MaxDim {
		return Descriptor{}, fmt.Errorf("index %s: invalid dimension %d", name, dim)
	}

	metric := distance.MetricL2
	if kind == KindHNSWBV {
		metric = distance.MetricHamming
	} else if d := vo.Get("dist"); d != "" {
		metric, err = distance.ParseMetric(d)
		if err != nil {
			return Descriptor{}, fmt.Errorf("index %s: %w", name, err)
		}
	}

	ef := vo.GetInt("ef", 0)
	desc := Descriptor{
		Name:        name,
		Kind:        kind,
		Dim:         dim,
		Distance:    metric,
		Capacity:    vo.GetInt("size", 0),
		M:           vo.GetInt("M", 0),
		EF:          ef,
		EFSearch:    vo.GetInt("ef_search", ef),
		Online:      vo.Get("online") == "Y" || vo.Get("online") == "y",
		TrackColumn: vo.Get("track"),
		Threads:     vo.GetInt("threads", 0),
		Options:     options,
	}
	return desc, nil
}
