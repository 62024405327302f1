// Package cdc implements the change-data-capture consumer: a background
// task that tails the host's binlog as a replication client, decodes row
// mutations, and routes them to the matching online vector indexes while
// preserving monotonic (log file, log offset) progress per index.
package cdc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"golang.org/x/time/rate"

	"github.com/p3io/myvector/dispatch"
	"github.com/p3io/myvector/index"
	"github.com/p3io/myvector/registry"
	"github.com/p3io/myvector/vector"
)

const (
	// maxConnectAttempts bounds the initial connection retry loop; with
	// the 1/s pacing this is roughly ten minutes of waiting for the
	// host to come up.
	maxConnectAttempts = 600

	// DefaultCatalog is the host table listing declared vector columns.
	DefaultCatalog = "myvector.myvector_columns"

	defaultServerID = 4094
)

// routeInfo maps a base table to its vector column and the ordinal
// positions of the id and vector columns inside the row image.
type routeInfo struct {
	VectorColumn string
	IDColumnPos  int
	VecColumnPos int
}

// Options configures the Consumer.
type Options struct {
	// ConfigFile is the k=v credentials file.
	ConfigFile string

	// FeatureLevel is the process feature bitfield; bit 0 disables the
	// consumer entirely.
	FeatureLevel int64

	// Threads is the update worker count.
	Threads int

	// Catalog overrides the vector column catalog table.
	Catalog string

	// ServerID identifies this replication client to the host.
	ServerID uint32

	Logger *slog.Logger
}

// Consumer tails the binlog and applies row inserts to online indexes.
type Consumer struct {
	reg  *registry.Registry
	disp *dispatch.Dispatcher
	opts Options

	queue *Queue

	mu      sync.Mutex
	routes  map[string]routeInfo // "db.table" -> columns
	curFile string
	curPos  uint64

	workers sync.WaitGroup
}

// New creates a Consumer.
func New(reg *registry.Registry, disp *dispatch.Dispatcher, opts Options) *Consumer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Threads <= 0 {
		opts.Threads = 2
	}
	if opts.Catalog == "" {
		opts.Catalog = DefaultCatalog
	}
	if opts.ServerID == 0 {
		opts.ServerID = defaultServerID
	}
	return &Consumer{
		reg:    reg,
		disp:   disp,
		opts:   opts,
		queue:  NewQueue(),
		routes: make(map[string]routeInfo),
	}
}

// CurrentCoords returns the coordinates of the event currently being
// consumed. The dispatcher stamps these into indexes built while the
// stream is live.
func (c *Consumer) CurrentCoords() (string, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curFile, c.curPos
}

func (c *Consumer) setCoords(file string, pos uint64) {
	c.mu.Lock()
	c.curFile, c.curPos = file, pos
	c.mu.Unlock()
}

// Run connects to the host, bootstraps the online indexes, and consumes
// the replication stream until the context is canceled or the upstream
// closes. It never aborts on a single-row failure.
func (c *Consumer) Run(ctx context.Context) error {
	if c.opts.FeatureLevel&1 != 0 {
		c.opts.Logger.Info("binlog event consumer is disabled by feature level")
		return nil
	}

	creds, err := ReadCredentials(c.opts.ConfigFile)
	if err != nil {
		c.opts.Logger.Warn("cannot read CDC config file", "path", c.opts.ConfigFile, "error", err)
	}

	db, err := c.connectWithRetry(ctx, creds)
	if err != nil {
		c.opts.Logger.Error("binlog consumer failed to connect", "error", err)
		return err
	}
	defer db.Close()

	if err := c.bootstrap(ctx, db); err != nil {
		return err
	}

	startFile := c.reg.EarliestTrackedLogFile()
	if startFile == "" {
		if startFile, err = currentLogFile(ctx, db); err != nil {
			c.opts.Logger.Warn("cannot determine current binlog file, starting from oldest", "error", err)
		}
	}

	for i := 0; i < c.opts.Threads; i++ {
		c.workers.Add(1)
		go c.worker(i)
	}
	defer func() {
		c.queue.Close()
		c.workers.Wait()
	}()

	return c.tail(ctx, creds, startFile)
}

// connectWithRetry waits for the host to accept connections, pacing
// attempts at one per second.
func (c *Consumer) connectWithRetry(ctx context.Context, creds Credentials) (*sql.DB, error) {
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)

	var lastErr error
	for attempt := 0; attempt < maxConnectAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}

		db, err := sql.Open("mysql", creds.DSN())
		if err != nil {
			lastErr = err
			continue
		}
		if err := db.PingContext(ctx); err != nil {
			lastErr = err
			_ = db.Close()
			continue
		}
		return db, nil
	}
	return nil, fmt.Errorf("host unreachable after %d attempts: %w", maxConnectAttempts, lastErr)
}

// bootstrap loads every online vector index and records its routing
// information.
func (c *Consumer) bootstrap(ctx context.Context, db *sql.DB) error {
	query := "SELECT db, tbl, col, info FROM " + c.opts.Catalog
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		c.opts.Logger.Warn("cannot query vector column catalog", "catalog", c.opts.Catalog, "error", err)
		return nil
	}
	defer rows.Close()

	for rows.Next() {
		var dbName, tbl, col, info string
		if err := rows.Scan(&dbName, &tbl, &col, &info); err != nil {
			c.opts.Logger.Warn("bad catalog row", "error", err)
			continue
		}

		vo, err := vector.ParseOptions(info)
		if err != nil {
			c.opts.Logger.Warn("bad vector column options", "db", dbName, "table", tbl, "column", col, "error", err)
			continue
		}
		if online := vo.Get("online"); online != "Y" && online != "y" {
			continue
		}
		idcol := vo.Get("idcol")

		idPos, vecPos, err := columnPositions(ctx, db, dbName, tbl, idcol, col)
		if err != nil || idPos == 0 || vecPos == 0 {
			c.opts.Logger.Warn("cannot resolve column positions",
				"db", dbName, "table", tbl, "idcol", idcol, "veccol", col, "error", err)
			continue
		}

		vecID := dbName + "." + tbl + "." + col
		if _, err := c.disp.SearchOpen(ctx, vecID, info, idcol, "load", ""); err != nil {
			c.opts.Logger.Warn("cannot load online index", "index", vecID, "error", err)
			continue
		}

		c.mu.Lock()
		c.routes[dbName+"."+tbl] = routeInfo{VectorColumn: col, IDColumnPos: idPos, VecColumnPos: vecPos}
		c.mu.Unlock()

		c.opts.Logger.Info("online index registered", "index", vecID, "idpos", idPos, "vecpos", vecPos)
	}
	return rows.Err()
}

// columnPositions resolves the ordinal positions of the id and vector
// columns from information_schema.
func columnPositions(ctx context.Context, db *sql.DB, schema, table, idcol, veccol string) (int, int, error) {
	const q = `SELECT column_name, ordinal_position FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ? AND (column_name = ? OR column_name = ?)`

	rows, err := db.QueryContext(ctx, q, schema, table, idcol, veccol)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	var idPos, vecPos int
	for rows.Next() {
		var name string
		var pos int
		if err := rows.Scan(&name, &pos); err != nil {
			return 0, 0, err
		}
		switch name {
		case idcol:
			idPos = pos
		case veccol:
			vecPos = pos
		}
	}
	return idPos, vecPos, rows.Err()
}

func currentLogFile(ctx context.Context, db *sql.DB) (string, error) {
	// MySQL 8.4 renamed the statement; try the old spelling first.
	for _, stmt := range []string{"SHOW MASTER STATUS", "SHOW BINARY LOG STATUS"} {
		rows, err := db.QueryContext(ctx, stmt)
		if err != nil {
			continue
		}
		cols, _ := rows.Columns()
		if rows.Next() {
			vals := make([]any, len(cols))
			var file string
			vals[0] = &file
			for i := 1; i < len(vals); i++ {
				vals[i] = new(sql.RawBytes)
			}
			if err := rows.Scan(vals...); err == nil {
				_ = rows.Close()
				return file, nil
			}
		}
		_ = rows.Close()
	}
	return "", errors.New("binary log status unavailable")
}

// tail consumes the replication stream. Every rotate first flushes all
// online indexes, then advances the current coordinates.
func (c *Consumer) tail(ctx context.Context, creds Credentials, startFile string) error {
	port := uint16(3306)
	if creds.Port != "" {
		if p, err := strconv.Atoi(creds.Port); err == nil {
			port = uint16(p)
		}
	}
	host := creds.Host
	if host == "" {
		host = "127.0.0.1"
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID:        c.opts.ServerID,
		Flavor:          "mysql",
		Host:            host,
		Port:            port,
		User:            creds.User,
		Password:        creds.Password,
		ReadTimeout:     50 * time.Minute,
		HeartbeatPeriod: 30 * time.Second,
	})
	defer syncer.Close()

	streamer, err := syncer.StartSync(mysql.Position{Name: startFile, Pos: 4})
	if err != nil {
		return fmt.Errorf("failed to start binlog sync at %q: %w", startFile, err)
	}
	c.opts.Logger.Info("binlog tail started", "file", startFile, "offset", 4)

	for {
		ev, err := streamer.GetEvent(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			c.opts.Logger.Error("binlog stream closed", "error", err)
			return err
		}

		if rot, ok := ev.Event.(*replication.RotateEvent); ok {
			if file, _ := c.CurrentCoords(); file != "" {
				c.flushAll()
			}
			c.setCoords(string(rot.NextLogName), rot.Position)
			continue
		}

		file, _ := c.CurrentCoords()
		c.setCoords(file, uint64(ev.Header.LogPos))

		rowsEv, ok := ev.Event.(*replication.RowsEvent)
		if !ok || !isWriteRows(ev.Header.EventType) {
			continue
		}

		c.mu.Lock()
		route, routed := c.routes[string(rowsEv.Table.Schema)+"."+string(rowsEv.Table.Table)]
		c.mu.Unlock()
		if !routed {
			continue
		}

		for _, row := range rowsEv.Rows {
			u, err := c.updateFromRow(rowsEv, route, row)
			if err != nil {
				c.opts.Logger.Warn("dropping undecodable row event",
					"db", string(rowsEv.Table.Schema), "table", string(rowsEv.Table.Table), "error", err)
				continue
			}
			c.queue.Enqueue(u)
		}
	}
}

func isWriteRows(t replication.EventType) bool {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return true
	default:
		return false
	}
}

// updateFromRow extracts (id, vec) at the recorded column positions.
func (c *Consumer) updateFromRow(ev *replication.RowsEvent, route routeInfo, row []any) (*Update, error) {
	if len(row) < route.IDColumnPos || len(row) < route.VecColumnPos {
		return nil, fmt.Errorf("row has %d columns, need positions %d and %d",
			len(row), route.IDColumnPos, route.VecColumnPos)
	}

	key, err := toUint64(row[route.IDColumnPos-1])
	if err != nil {
		return nil, fmt.Errorf("bad id column: %w", err)
	}
	payload, err := toBytes(row[route.VecColumnPos-1])
	if err != nil {
		return nil, fmt.Errorf("bad vector column: %w", err)
	}

	file, pos := c.CurrentCoords()
	return &Update{
		DB:        string(ev.Table.Schema),
		Table:     string(ev.Table.Table),
		Column:    route.VectorColumn,
		Key:       key,
		Payload:   payload,
		LogFile:   file,
		LogOffset: pos,
	}, nil
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case int8:
		return uint64(n), nil
	case int16:
		return uint64(n), nil
	case int32:
		return uint64(n), nil
	case int64:
		return uint64(n), nil
	case int:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported id column type %T", v)
	}
}

func toBytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, fmt.Errorf("unsupported vector column type %T", v)
	}
}

// worker consumes the update queue and applies inserts.
func (c *Consumer) worker(id int) {
	defer c.workers.Done()
	c.opts.Logger.Debug("update worker started", "worker", id)

	for {
		u, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		c.apply(u)
	}
}

// apply inserts one update into its index, unless its coordinates are
// not strictly after the index's last checkpointed coordinate. Replayed
// events are dropped, which makes restart after a checkpoint idempotent.
// The coordinate itself advances only at checkpoint time: all rows of a
// multi-row event share one position, so advancing per row would drop
// every row after the first.
func (c *Consumer) apply(u *Update) {
	vecID := u.DB + "." + u.Table + "." + u.Column

	lease, err := c.reg.Get(vecID)
	if err != nil {
		c.opts.Logger.Warn("update for unknown index dropped", "index", vecID)
		return
	}
	defer lease.Release()
	idx := lease.Index()

	lastFile, lastPos := idx.Coordinates()
	if !index.CoordinateAfter(u.LogFile, u.LogOffset, lastFile, lastPos) && lastFile != index.SentinelLogFile {
		c.opts.Logger.Debug("skipping replayed index update",
			"index", vecID, "file", u.LogFile, "offset", u.LogOffset,
			"last_file", lastFile, "last_offset", lastPos)
		return
	}

	dec, err := vector.Decode(u.Payload)
	if err != nil {
		c.opts.Logger.Warn("dropping row with malformed vector payload",
			"index", vecID, "key", u.Key, "error", err)
		return
	}
	if err := idx.Insert(index.FromDecoded(dec), u.Key); err != nil {
		c.opts.Logger.Warn("index insert failed", "index", vecID, "key", u.Key, "error", err)
	}
}

// flushAll drains the update queue, then checkpoints every online index
// at the current coordinates. Called on every binlog rotation.
func (c *Consumer) flushAll() {
	for !c.queue.Empty() {
		time.Sleep(500 * time.Millisecond)
	}

	c.mu.Lock()
	routes := make(map[string]routeInfo, len(c.routes))
	for k, v := range c.routes {
		routes[k] = v
	}
	file, pos := c.curFile, c.curPos
	c.mu.Unlock()

	for dbTable, route := range routes {
		c.checkpointIndex(dbTable+"."+route.VectorColumn, file, pos)
	}
}

// checkpointIndex incrementally persists one index at the given
// coordinates, if they advance it.
func (c *Consumer) checkpointIndex(vecID, file string, pos uint64) {
	lease, err := c.reg.Get(vecID)
	if err != nil {
		return
	}
	defer lease.Release()
	idx := lease.Index()

	lastFile, lastPos := idx.Coordinates()
	if lastFile != index.SentinelLogFile && !index.CoordinateAfter(file, pos, lastFile, lastPos) {
		return
	}

	c.opts.Logger.Debug("checkpointing index", "index", vecID, "file", file, "offset", pos)
	idx.SetCoordinates(file, pos)
	if err := idx.Save(c.disp.IndexDir(), index.SaveCheckpoint); err != nil {
		c.opts.Logger.Error("index checkpoint failed", "index", vecID, "error", err)
	}
}
