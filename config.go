package myvector

// Config holds the process-wide settings of the extension core. New
// clamps IndexBGThreads to [1, 100] and fills an empty IndexDir from
// DefaultConfig; the other fields are used as given.
type Config struct {
	// FeatureLevel is a bitfield of feature switches; bit 0 disables the
	// CDC consumer.
	FeatureLevel int64

	// IndexBGThreads is the background worker count used for parallel
	// index builds and CDC update workers. Clamped to [1, 100].
	IndexBGThreads int

	// IndexDir is the directory holding on-disk index files.
	IndexDir string

	// ConfigFile is the k=v credentials file for the CDC replication
	// client and the build-scan connections.
	ConfigFile string

	// Mirror optionally names an object-storage mirror for index files:
	// "s3://bucket/prefix" or "minio://host:port/bucket/prefix".
	Mirror string

	// ServerID identifies the CDC consumer to the host as a replication
	// client.
	ServerID uint32
}

// DefaultConfig returns the default settings.
func DefaultConfig() Config {
	return Config{
		FeatureLevel:   2,
		IndexBGThreads: 2,
		IndexDir:       "/mysqldata",
	}
}

func (c *Config) normalize() {
	if c.IndexBGThreads < 1 {
		c.IndexBGThreads = 1
	}
	if c.IndexBGThreads > 100 {
		c.IndexBGThreads = 100
	}
	if c.IndexDir == "" {
		c.IndexDir = DefaultConfig().IndexDir
	}
}
