// Package myvector implements the core of the MyVector extension: the
// vector index engine, the SQL query rewriter, the admin/search
// dispatcher, and the change-data-capture pipeline that keeps online
// indexes current against a MySQL-compatible host.
package myvector

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/p3io/myvector/blobstore"
	"github.com/p3io/myvector/cdc"
	"github.com/p3io/myvector/dispatch"
	"github.com/p3io/myvector/registry"
	"github.com/p3io/myvector/rewrite"
)

// Options configures optional Service collaborators.
type Options struct {
	// Logger receives all structured log output. Defaults to a text
	// logger on stderr.
	Logger *Logger
}

// Service is the long-lived process context that owns the index
// registry, the dispatcher, the rewriter, and the CDC consumer. It is
// threaded explicitly through the host-facing entry points; there is no
// hidden global state.
type Service struct {
	cfg    Config
	logger *Logger

	reg      *registry.Registry
	disp     *dispatch.Dispatcher
	rewriter *rewrite.Rewriter
	consumer *cdc.Consumer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Service from the configuration.
func New(cfg Config, optFns ...func(*Options)) (*Service, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = NewLogger(nil)
	}
	cfg.normalize()

	s := &Service{
		cfg:    cfg,
		logger: opts.Logger,
	}
	s.reg = registry.New(opts.Logger.Logger)
	s.rewriter = rewrite.New(opts.Logger.Logger)

	var mirror blobstore.Store
	if cfg.Mirror != "" {
		var err error
		mirror, err = blobstore.Open(context.Background(), cfg.Mirror)
		if err != nil {
			return nil, fmt.Errorf("failed to open index file mirror: %w", err)
		}
	}

	s.disp = dispatch.New(s.reg, dispatch.Options{
		IndexDir:  cfg.IndexDir,
		BGThreads: cfg.IndexBGThreads,
		Connector: s.connect,
		CurrentCoords: func() (string, uint64) {
			if c := s.consumer; c != nil {
				return c.CurrentCoords()
			}
			return "", 0
		},
		Mirror: mirror,
		Logger: opts.Logger.Logger,
	})

	s.consumer = cdc.New(s.reg, s.disp, cdc.Options{
		ConfigFile:   cfg.ConfigFile,
		FeatureLevel: cfg.FeatureLevel,
		Threads:      cfg.IndexBGThreads,
		ServerID:     cfg.ServerID,
		Logger:       opts.Logger.Logger,
	})

	return s, nil
}

// WithLogger sets the service logger.
func WithLogger(l *Logger) func(*Options) {
	return func(o *Options) { o.Logger = l }
}

// connect opens a dedicated host connection using the configured
// credentials file.
func (s *Service) connect(ctx context.Context) (*sql.DB, error) {
	creds, err := cdc.ReadCredentials(s.cfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("cannot read credentials: %w", err)
	}
	db, err := sql.Open("mysql", creds.DSN())
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Start launches the CDC consumer. It returns immediately; the consumer
// runs until the stream closes or the service is closed.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return // already started
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		if err := s.consumer.Run(ctx); err != nil {
			s.logger.Error("CDC consumer exited", "error", err)
		}
	}()
}

// Close stops the CDC consumer and waits for it to drain.
func (s *Service) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Registry returns the index registry.
func (s *Service) Registry() *registry.Registry { return s.reg }

// Dispatcher returns the admin/search dispatcher.
func (s *Service) Dispatcher() *dispatch.Dispatcher { return s.disp }

// Rewrite is the pre-parse hook: it transforms MYVECTOR annotations in
// query and reports whether anything changed. On failure the original
// query is returned unchanged.
func (s *Service) Rewrite(query string) (string, bool) {
	return s.rewriter.Rewrite(query)
}

// Construct encodes input into a serialized vector payload.
func (s *Service) Construct(input []byte, opts string) ([]byte, error) {
	return s.disp.Construct(input, opts)
}

// Display renders a payload as text with the given float precision.
func (s *Service) Display(payload []byte, precision int) (string, error) {
	return s.disp.Display(payload, precision)
}

// Distance computes the distance between two float payloads.
func (s *Service) Distance(v1, v2 []byte, kind string) (float64, error) {
	return s.disp.Distance(v1, v2, kind)
}

// HammingDistance computes the Hamming distance between two bit payloads.
func (s *Service) HammingDistance(v1, v2 []byte) (float64, error) {
	return s.disp.HammingDistance(v1, v2)
}

// IsValid reports 1 when payload is a well-formed vector of dimension
// dim, 0 otherwise.
func (s *Service) IsValid(payload []byte, dim int) int64 {
	return s.disp.IsValid(payload, dim)
}

// AnnSet searches the named index and returns the nearest row ids as a
// JSON array plus the per-query distance scratch.
func (s *Service) AnnSet(vecID, idCol string, qvec []byte, opts string) (string, *dispatch.Scratch, error) {
	out, scratch, err := s.disp.AnnSet(vecID, idCol, qvec, opts)
	return out, scratch, translateError(err)
}

// RowDistance returns the distance recorded for key by the last AnnSet
// of the query that owns scratch.
func (s *Service) RowDistance(scratch *dispatch.Scratch, key uint64) float64 {
	return s.disp.RowDistance(scratch, key)
}

// SearchOpen executes an admin action (build, refresh, load, save, drop).
func (s *Service) SearchOpen(ctx context.Context, vecID, details, pkidCol, action, extra string) (string, error) {
	out, err := s.disp.SearchOpen(ctx, vecID, details, pkidCol, action, extra)
	return out, translateError(err)
}

// SearchSave persists an open index with the given action's save mode.
func (s *Service) SearchSave(ctx context.Context, vecID, action string) (string, error) {
	out, err := s.disp.SearchSave(ctx, vecID, action)
	return out, translateError(err)
}

// SearchAddRow inserts one (key, vec) row into an open index.
func (s *Service) SearchAddRow(vecID string, key uint64, payload []byte) (int64, error) {
	n, err := s.disp.SearchAddRow(vecID, key, payload)
	return n, translateError(err)
}
