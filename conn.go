package nanasqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// dbq is the executor surface shared by *sql.DB and *sql.Tx. Statements
// issued while a transaction is active run on the open transaction.
type dbq interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dropper removes a key from an in-memory namespace. It exists so conn
// can track dirty cache entries without being generic over the value
// type.
type dropper interface {
	drop(key string)
}

type dirtyRef struct {
	ns  dropper
	key string
}

// conn is the broker: the single writer handle to the engine, the mutex
// serializing access to it, the transaction state, and the shared closed
// flag observed by a root instance and everything derived from it.
//
// Closure is monotonic. The flag is atomic so children detect a root
// close without any live-child bookkeeping.
type conn struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
	done   chan struct{} // closed with the conn; background loops select on it

	mu    sync.Mutex // guards db access, tx, dirty
	tx    *sql.Tx    // non-nil while a transaction is active
	dirty []dirtyRef // cache entries written inside the active transaction
}

func openConn(path string, busy time.Duration) (*conn, error) {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, &DatabaseError{Op: "open", Err: err}
	}
	// one logical writer connection; everything serializes on c.mu anyway
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = " + strconv.Itoa(int(busy.Milliseconds())),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, &DatabaseError{Op: "open", Err: fmt.Errorf("%s: %w", p, err)}
		}
	}
	return &conn{db: db, path: path, done: make(chan struct{})}, nil
}

// do runs fn with the writer executor under the broker mutex.
func (c *conn) do(ctx context.Context, fn func(q dbq) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return &ClosedError{}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(c.executor())
}

// doWrite is do plus dirty-key tracking: when a transaction is active,
// the written keys are remembered so a rollback can drop them from their
// namespace.
func (c *conn) doWrite(ctx context.Context, ns dropper, keys []string, fn func(q dbq) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return &ClosedError{}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(c.executor()); err != nil {
		return err
	}
	if c.tx != nil && ns != nil {
		for _, k := range keys {
			c.dirty = append(c.dirty, dirtyRef{ns: ns, key: k})
		}
	}
	return nil
}

// doBatch runs fn atomically: inside the active transaction when one is
// open, otherwise inside a short-lived transaction of its own.
func (c *conn) doBatch(ctx context.Context, ns dropper, keys []string, fn func(q dbq) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return &ClosedError{}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.tx != nil {
		if err := fn(c.tx); err != nil {
			return err
		}
		if ns != nil {
			for _, k := range keys {
				c.dirty = append(c.dirty, dirtyRef{ns: ns, key: k})
			}
		}
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return &DatabaseError{Op: "begin", Err: err}
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &DatabaseError{Op: "commit", Err: err}
	}
	return nil
}

func (c *conn) executor() dbq {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

func (c *conn) begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return &ClosedError{}
	}
	if c.tx != nil {
		return &TransactionError{Op: "begin", Reason: "transaction already active"}
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return &DatabaseError{Op: "begin", Err: err}
	}
	c.tx = tx
	return nil
}

func (c *conn) commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return &ClosedError{}
	}
	if c.tx == nil {
		return &TransactionError{Op: "commit", Reason: "no active transaction"}
	}
	err := c.tx.Commit()
	c.tx = nil
	c.dirty = nil
	if err != nil {
		return &DatabaseError{Op: "commit", Err: err}
	}
	return nil
}

func (c *conn) rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return &ClosedError{}
	}
	if c.tx == nil {
		return &TransactionError{Op: "rollback", Reason: "no active transaction"}
	}
	err := c.tx.Rollback()
	c.tx = nil
	// drop every key the transaction touched so reads refill from the
	// rolled-back rows
	for _, d := range c.dirty {
		d.ns.drop(d.key)
	}
	c.dirty = nil
	if err != nil {
		return &DatabaseError{Op: "rollback", Err: err}
	}
	return nil
}

func (c *conn) active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx != nil
}

// close releases the writer handle. Refused while a transaction is
// active; state is left unchanged so the caller can resolve it first.
func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil
	}
	if c.tx != nil {
		return &TransactionError{Op: "close", Reason: "transaction still active"}
	}
	c.closed.Store(true)
	close(c.done)
	if err := c.db.Close(); err != nil {
		return &DatabaseError{Op: "close", Err: err}
	}
	return nil
}
