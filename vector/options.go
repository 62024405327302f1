package vector

import (
	"fmt"
	"strconv"
	"strings"
)

// Options is a generic key-value map for vector index option strings,
// e.g. "type=HNSW,dim=1536,size=1000000,M=64,ef=100". An optional start
// marker up to and including '|' is stripped before parsing, so column
// comments of the form "MYVECTOR Column |type=..." parse directly.
type Options map[string]string

// ParseOptions parses a comma-separated k=v option string.
func ParseOptions(s string) (Options, error) {
	if i := strings.IndexByte(s, '|'); i >= 0 {
		s = s[i+1:]
	}

	opts := Options{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			return nil, fmt.Errorf("malformed option %q: missing '='", part)
		}
		k := strings.TrimSpace(part[:eq])
		v := strings.TrimSpace(part[eq+1:])
		if k == "" || v == "" {
			return nil, fmt.Errorf("malformed option %q: empty key or value", part)
		}
		opts[k] = v
	}
	return opts, nil
}

// Get returns the value for name, or "" if unset.
func (o Options) Get(name string) string {
	return o[name]
}

// GetInt returns the integer value for name, or def if unset or invalid.
func (o Options) GetInt(name string, def int) int {
	v, ok := o[name]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Set stores a value under name.
func (o Options) Set(name, value string) {
	o[name] = value
}
