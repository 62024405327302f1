package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/p3io/myvector/index"
	"github.com/p3io/myvector/vector"
)

// scanTable reads (id, vec) rows from the base table over a dedicated
// connection and inserts them into the index. The table is locked for
// read so no DMLs interleave with the scan.
func (d *Dispatcher) scanTable(ctx context.Context, db, table, idcol, veccol, whereClause string, idx index.Index) (uint64, error) {
	if d.opts.Connector == nil {
		return 0, errors.New("no host connector configured for table scans")
	}

	conn, err := d.opts.Connector(ctx)
	if err != nil {
		return 0, fmt.Errorf("error in new connection to build vector index: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SET TRANSACTION ISOLATION LEVEL READ COMMITTED"); err != nil {
		return 0, err
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("LOCK TABLES %s.%s READ", db, table)); err != nil {
		return 0, err
	}
	defer func() {
		if _, err := conn.ExecContext(ctx, "UNLOCK TABLES"); err != nil {
			d.opts.Logger.Error("error unlocking table", "db", db, "table", table, "error", err)
		}
	}()

	query := fmt.Sprintf("SELECT %s, %s FROM %s.%s%s", idcol, veccol, db, table, whereClause)
	d.opts.Logger.Debug("index build scan", "query", query)

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var nRows uint64
	for rows.Next() {
		var key uint64
		var payload []byte
		if err := rows.Scan(&key, &payload); err != nil {
			return nRows, err
		}

		dec, err := vector.Decode(payload)
		if err != nil {
			// A single bad row does not abort the build.
			d.opts.Logger.Warn("skipping malformed vector row",
				"index", idx.Name(), "key", key, "error", err)
			continue
		}
		if err := idx.Insert(index.FromDecoded(dec), key); err != nil {
			return nRows, err
		}
		nRows++
	}
	if err := rows.Err(); err != nil {
		return nRows, err
	}

	return nRows, nil
}
