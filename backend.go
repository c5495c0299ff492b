package nanasqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/disnana/NanaSQLite-sub000/internal/util"
)

// sqlite caps bound parameters per statement; IN lists and batched
// upserts are chunked well below that.
const paramChunk = 200

// backend issues row-level reads and writes for one table through the
// shared conn. It never touches the in-memory namespace; refill on miss
// is the instance's job.
type backend struct {
	c      *conn
	table  string
	qtable string // quoted identifier, built once
}

func newBackend(c *conn, table string) *backend {
	return &backend{c: c, table: table, qtable: util.QuoteIdent(table)}
}

func (b *backend) createTable(ctx context.Context) error {
	return b.c.do(ctx, func(q dbq) error {
		_, err := q.ExecContext(ctx,
			`CREATE TABLE IF NOT EXISTS `+b.qtable+` (
				key        TEXT PRIMARY KEY,
				value      BLOB NOT NULL,
				updated_at INTEGER NOT NULL,
				expires_at INTEGER
			)`)
		if err != nil {
			return &DatabaseError{Op: "create table", Table: b.table, Err: err}
		}
		return nil
	})
}

// read returns the framed value bytes and the row expiry in unix millis
// (0 = none). Rows past their expiry are reported absent.
func (b *backend) read(ctx context.Context, key string) (val []byte, expiresAt int64, ok bool, err error) {
	err = b.c.do(ctx, func(q dbq) error {
		var rerr error
		val, expiresAt, ok, rerr = selectRow(ctx, q, b.qtable, key)
		if rerr != nil {
			return &DatabaseError{Op: "read", Table: b.table, Err: rerr}
		}
		return nil
	})
	return val, expiresAt, ok, err
}

// selectRow is shared with the async bridge's read pool, which executes
// it on an independent read-only handle outside the broker mutex.
func selectRow(ctx context.Context, q dbq, qtable, key string) ([]byte, int64, bool, error) {
	var val []byte
	var exp sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT value, expires_at FROM `+qtable+` WHERE key = ?`, key,
	).Scan(&val, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	if exp.Valid && exp.Int64 <= time.Now().UnixMilli() {
		return nil, 0, false, nil
	}
	return val, exp.Int64, true, nil
}

func (b *backend) readMany(ctx context.Context, keys []string) (map[string][]byte, map[string]int64, error) {
	out := make(map[string][]byte, len(keys))
	exps := make(map[string]int64, len(keys))
	if len(keys) == 0 {
		return out, exps, nil
	}
	err := b.c.do(ctx, func(q dbq) error {
		for _, chunk := range util.Chunk(keys, paramChunk) {
			if err := selectRows(ctx, q, b.qtable, chunk, out, exps); err != nil {
				return &DatabaseError{Op: "read", Table: b.table, Err: err}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out, exps, nil
}

func selectRows(ctx context.Context, q dbq, qtable string, keys []string, out map[string][]byte, exps map[string]int64) error {
	args := make([]any, len(keys)+1)
	for i, k := range keys {
		args[i] = k
	}
	args[len(keys)] = time.Now().UnixMilli()
	rows, err := q.QueryContext(ctx,
		`SELECT key, value, expires_at FROM `+qtable+
			` WHERE key IN (`+util.Placeholders(len(keys))+`)
			  AND (expires_at IS NULL OR expires_at > ?)`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var v []byte
		var exp sql.NullInt64
		if err := rows.Scan(&k, &v, &exp); err != nil {
			return err
		}
		out[k] = v
		exps[k] = exp.Int64
	}
	return rows.Err()
}

func (b *backend) write(ctx context.Context, ns dropper, key string, val []byte, expiresAt int64) error {
	return b.c.doWrite(ctx, ns, []string{key}, func(q dbq) error {
		_, err := q.ExecContext(ctx,
			`INSERT INTO `+b.qtable+` (key, value, updated_at, expires_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET
			   value = excluded.value,
			   updated_at = excluded.updated_at,
			   expires_at = excluded.expires_at`,
			key, val, time.Now().UnixMilli(), nullable(expiresAt))
		if err != nil {
			return &DatabaseError{Op: "write", Table: b.table, Err: err}
		}
		return nil
	})
}

// writeMany upserts all items atomically: inside the caller's open
// transaction if one is active, otherwise in a short transaction of its
// own.
func (b *backend) writeMany(ctx context.Context, ns dropper, keys []string, vals map[string][]byte, expiresAt int64) error {
	if len(keys) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()
	return b.c.doBatch(ctx, ns, keys, func(q dbq) error {
		for _, k := range keys {
			_, err := q.ExecContext(ctx,
				`INSERT INTO `+b.qtable+` (key, value, updated_at, expires_at)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT(key) DO UPDATE SET
				   value = excluded.value,
				   updated_at = excluded.updated_at,
				   expires_at = excluded.expires_at`,
				k, vals[k], now, nullable(expiresAt))
			if err != nil {
				return &DatabaseError{Op: "write", Table: b.table, Err: err}
			}
		}
		return nil
	})
}

func (b *backend) delete(ctx context.Context, ns dropper, key string) error {
	return b.c.doWrite(ctx, ns, []string{key}, func(q dbq) error {
		_, err := q.ExecContext(ctx, `DELETE FROM `+b.qtable+` WHERE key = ?`, key)
		if err != nil {
			return &DatabaseError{Op: "delete", Table: b.table, Err: err}
		}
		return nil
	})
}

func (b *backend) exists(ctx context.Context, key string) (found bool, err error) {
	err = b.c.do(ctx, func(q dbq) error {
		var ferr error
		found, ferr = existsRow(ctx, q, b.qtable, key)
		if ferr != nil {
			return &DatabaseError{Op: "exists", Table: b.table, Err: ferr}
		}
		return nil
	})
	return found, err
}

func existsRow(ctx context.Context, q dbq, qtable, key string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM `+qtable+` WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, time.Now().UnixMilli(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// keys lists live keys. orderBy must already be validated by the caller;
// empty means engine order.
func (b *backend) keys(ctx context.Context, orderBy string) (out []string, err error) {
	err = b.c.do(ctx, func(q dbq) error {
		var kerr error
		out, kerr = selectKeys(ctx, q, b.qtable, orderBy)
		if kerr != nil {
			return &DatabaseError{Op: "keys", Table: b.table, Err: kerr}
		}
		return nil
	})
	return out, err
}

func selectKeys(ctx context.Context, q dbq, qtable, orderBy string) ([]string, error) {
	stmt := `SELECT key FROM ` + qtable + ` WHERE expires_at IS NULL OR expires_at > ?`
	if orderBy != "" {
		stmt += ` ORDER BY ` + orderBy
	}
	rows, err := q.QueryContext(ctx, stmt, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (b *backend) count(ctx context.Context) (n int, err error) {
	err = b.c.do(ctx, func(q dbq) error {
		cerr := q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+b.qtable+` WHERE expires_at IS NULL OR expires_at > ?`,
			time.Now().UnixMilli(),
		).Scan(&n)
		if cerr != nil {
			return &DatabaseError{Op: "count", Table: b.table, Err: cerr}
		}
		return nil
	})
	return n, err
}

func (b *backend) clear(ctx context.Context) error {
	return b.c.doWrite(ctx, nil, nil, func(q dbq) error {
		_, err := q.ExecContext(ctx, `DELETE FROM `+b.qtable)
		if err != nil {
			return &DatabaseError{Op: "clear", Table: b.table, Err: err}
		}
		return nil
	})
}

// all streams the whole table, for bulk preload.
func (b *backend) all(ctx context.Context) (vals map[string][]byte, exps map[string]int64, err error) {
	vals = make(map[string][]byte)
	exps = make(map[string]int64)
	err = b.c.do(ctx, func(q dbq) error {
		rows, qerr := q.QueryContext(ctx,
			`SELECT key, value, expires_at FROM `+b.qtable+
				` WHERE expires_at IS NULL OR expires_at > ?`, time.Now().UnixMilli())
		if qerr != nil {
			return &DatabaseError{Op: "preload", Table: b.table, Err: qerr}
		}
		defer rows.Close()
		for rows.Next() {
			var k string
			var v []byte
			var exp sql.NullInt64
			if serr := rows.Scan(&k, &v, &exp); serr != nil {
				return &DatabaseError{Op: "preload", Table: b.table, Err: serr}
			}
			vals[k] = v
			exps[k] = exp.Int64
		}
		if rerr := rows.Err(); rerr != nil {
			return &DatabaseError{Op: "preload", Table: b.table, Err: rerr}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return vals, exps, nil
}

func nullable(millis int64) any {
	if millis <= 0 {
		return nil
	}
	return millis
}
