package nanasqlite

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disnana/NanaSQLite-sub000/codec"
	"github.com/disnana/NanaSQLite-sub000/internal/wire"
	"github.com/disnana/NanaSQLite-sub000/sqlguard"
)

// DB is an instance: a mapping-like view of one table, with an
// in-memory namespace in front of the store. A root instance (from New)
// owns the writer connection; children (from Table) share it by
// reference. Once an instance is closed, directly or through its root,
// every operation fails with *ClosedError.
//
// All methods are safe for concurrent use. Mutations on instances
// sharing a connection are totally ordered by the broker mutex.
type DB[V any] struct {
	table  string
	c      *conn
	root   bool
	closed atomic.Bool

	ns     *namespace[V]
	be     *backend
	codec  codec.Codec[V]
	cipher Cipher
	log    Logger
	policy Policy
	vopts  sqlguard.Options

	workers  int
	queueLen int
	readPool int

	sweep     time.Duration
	sweepStop chan struct{}
	sweepWg   sync.WaitGroup
}

func (d *DB[V]) checkOpen() error {
	if d.closed.Load() || d.c.closed.Load() {
		return &ClosedError{Table: d.table}
	}
	return nil
}

// Get returns the value for key. Cache hits never touch the engine; on
// a miss the row is read through and the namespace refilled.
func (d *DB[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if err := d.checkOpen(); err != nil {
		return zero, false, err
	}
	v, st := d.ns.get(key)
	switch st {
	case cacheHit:
		return v, true, nil
	case cacheExpired:
		if d.policy.Cascade {
			if err := d.be.delete(ctx, d.ns, key); err != nil {
				return zero, false, err
			}
			d.log.Debug("ttl cascade delete", Fields{"table": d.table, "key": key})
			return zero, false, nil
		}
		// row expiry makes the read below miss anyway
	}
	raw, expMilli, ok, err := d.be.read(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	val, err := d.decode(raw)
	if err != nil {
		return zero, false, err
	}
	d.ns.fill(key, val, fromMillis(expMilli))
	return val, true, nil
}

// GetMany returns the values for all present keys. Missing keys are
// simply absent from the result.
func (d *DB[V]) GetMany(ctx context.Context, keys []string) (map[string]V, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	out := make(map[string]V, len(keys))
	var missing []string
	for _, k := range keys {
		v, st := d.ns.get(k)
		switch st {
		case cacheHit:
			out[k] = v
		case cacheExpired:
			if d.policy.Cascade {
				if err := d.be.delete(ctx, d.ns, k); err != nil {
					return nil, err
				}
				continue
			}
			missing = append(missing, k)
		default:
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	raws, exps, err := d.be.readMany(ctx, missing)
	if err != nil {
		return nil, err
	}
	for k, raw := range raws {
		val, err := d.decode(raw)
		if err != nil {
			return nil, err
		}
		d.ns.fill(k, val, fromMillis(exps[k]))
		out[k] = val
	}
	return out, nil
}

// Set persists value under key and updates the namespace.
func (d *DB[V]) Set(ctx context.Context, key string, value V) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	raw, err := d.encode(value)
	if err != nil {
		return err
	}
	if err := d.be.write(ctx, d.ns, key, raw, d.rowExpiry()); err != nil {
		return err
	}
	if evicted := d.ns.put(key, value); evicted != "" {
		d.log.Debug("lru evicted", Fields{"table": d.table, "key": evicted})
	}
	return nil
}

// SetMany persists all items atomically, joining an open transaction if
// one is active.
func (d *DB[V]) SetMany(ctx context.Context, items map[string]V) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	keys := make([]string, 0, len(items))
	vals := make(map[string][]byte, len(items))
	for k, v := range items {
		raw, err := d.encode(v)
		if err != nil {
			return err
		}
		keys = append(keys, k)
		vals[k] = raw
	}
	if err := d.be.writeMany(ctx, d.ns, keys, vals, d.rowExpiry()); err != nil {
		return err
	}
	for k, v := range items {
		if evicted := d.ns.put(k, v); evicted != "" {
			d.log.Debug("lru evicted", Fields{"table": d.table, "key": evicted})
		}
	}
	return nil
}

// Delete removes key from the store and the namespace. Deleting an
// absent key is not an error.
func (d *DB[V]) Delete(ctx context.Context, key string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if err := d.be.delete(ctx, d.ns, key); err != nil {
		return err
	}
	d.ns.drop(key)
	return nil
}

// Contains reports whether key is present, consulting the namespace
// first.
func (d *DB[V]) Contains(ctx context.Context, key string) (bool, error) {
	if err := d.checkOpen(); err != nil {
		return false, err
	}
	found, expiredNow := d.ns.contains(key)
	if found {
		return true, nil
	}
	if expiredNow && d.policy.Cascade {
		if err := d.be.delete(ctx, d.ns, key); err != nil {
			return false, err
		}
		return false, nil
	}
	return d.be.exists(ctx, key)
}

// Keys lists live keys. orderBy, when non-empty, is validated as an
// ORDER BY fragment before it is spliced into the statement; with lax
// validation enabled, violations are logged and the fragment used
// as-is.
func (d *DB[V]) Keys(ctx context.Context, orderBy string) ([]string, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if orderBy != "" {
		warnings, err := sqlguard.Validate(orderBy, sqlguard.OrderBy, d.vopts)
		if err != nil {
			return nil, err
		}
		for _, w := range warnings {
			d.log.Warn("order-by fragment violation", Fields{"table": d.table, "reason": w})
		}
	}
	return d.be.keys(ctx, orderBy)
}

// Len counts live rows in the table.
func (d *DB[V]) Len(ctx context.Context) (int, error) {
	if err := d.checkOpen(); err != nil {
		return 0, err
	}
	return d.be.count(ctx)
}

// Clear removes every row and resets the namespace.
func (d *DB[V]) Clear(ctx context.Context) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if err := d.be.clear(ctx); err != nil {
		return err
	}
	d.ns.clear()
	return nil
}

// Refresh drops the cached entry and reads the row back through. Call
// it after mutating rows via ExecRaw or another bypass path.
func (d *DB[V]) Refresh(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if err := d.checkOpen(); err != nil {
		return zero, false, err
	}
	d.ns.drop(key)
	return d.Get(ctx, key)
}

// Drop removes key from the namespace only. The row is untouched.
func (d *DB[V]) Drop(key string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.ns.drop(key)
	return nil
}

// DropAll empties the namespace only.
func (d *DB[V]) DropAll() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	d.ns.clear()
	return nil
}

// CacheLen reports how many entries the namespace currently holds.
func (d *DB[V]) CacheLen() int {
	return d.ns.size()
}

// ExecRaw runs an arbitrary statement under the broker mutex (joining
// an open transaction). It bypasses the namespace entirely: rows it
// mutates are stale in cache until Refresh or DropAll.
func (d *DB[V]) ExecRaw(ctx context.Context, query string, args ...any) (res sql.Result, err error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	err = d.c.do(ctx, func(q dbq) error {
		var eerr error
		res, eerr = q.ExecContext(ctx, query, args...)
		if eerr != nil {
			return &DatabaseError{Op: "exec", Table: d.table, Err: eerr}
		}
		return nil
	})
	return res, err
}

// QueryRaw runs an arbitrary query under the broker mutex and hands the
// rows to fn. The rows are closed when fn returns; do not retain them.
func (d *DB[V]) QueryRaw(ctx context.Context, query string, args []any, fn func(*sql.Rows) error) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.c.do(ctx, func(q dbq) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return &DatabaseError{Op: "query", Table: d.table, Err: err}
		}
		defer rows.Close()
		if err := fn(rows); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return &DatabaseError{Op: "query", Table: d.table, Err: err}
		}
		return nil
	})
}

// Table derives a child instance bound to another table on the same
// connection. The child has its own namespace (same policy) and shares
// the broker mutex, the transaction state, and the closed flag of the
// root.
func (d *DB[V]) Table(name string) (*DB[V], error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if !sqlguard.ValidIdent(name) {
		return nil, &ValidationError{Fragment: name, Reason: "invalid table name"}
	}
	child := &DB[V]{
		table:    name,
		c:        d.c,
		ns:       newNamespace[V](d.policy),
		be:       newBackend(d.c, name),
		codec:    d.codec,
		cipher:   d.cipher,
		log:      d.log,
		policy:   d.policy,
		vopts:    d.vopts,
		workers:  d.workers,
		queueLen: d.queueLen,
		readPool: d.readPool,
		sweep:    d.sweep,
	}
	if err := child.be.createTable(context.Background()); err != nil {
		return nil, err
	}
	child.startSweep()
	return child, nil
}

// Close shuts the instance down. Closing an already-closed instance is
// a no-op. For a root, Close releases the writer connection and every
// derived child observes the closure; it is refused with a
// *TransactionError while a transaction is still active. For a child,
// Close marks only that instance and never touches the shared
// connection.
func (d *DB[V]) Close() error {
	if d.closed.Load() {
		return nil
	}
	if d.root {
		if err := d.c.close(); err != nil {
			return err
		}
	}
	d.closed.Store(true)
	d.stopSweep()
	return nil
}

func (d *DB[V]) preload(ctx context.Context) error {
	raws, exps, err := d.be.all(ctx)
	if err != nil {
		return err
	}
	for k, raw := range raws {
		val, err := d.decode(raw)
		if err != nil {
			return err
		}
		d.ns.fill(k, val, fromMillis(exps[k]))
	}
	d.log.Debug("bulk preload", Fields{"table": d.table, "entries": len(raws)})
	return nil
}

func (d *DB[V]) encode(v V) ([]byte, error) {
	payload, err := d.codec.Encode(v)
	if err != nil {
		return nil, err
	}
	var flags byte
	if d.cipher != nil {
		payload, err = d.cipher.Encrypt(payload)
		if err != nil {
			return nil, err
		}
		flags |= wire.FlagEncrypted
	}
	return wire.Encode(flags, payload), nil
}

func (d *DB[V]) decode(raw []byte) (V, error) {
	var zero V
	flags, payload, err := wire.Decode(raw)
	if err != nil {
		return zero, &DatabaseError{Op: "decode", Table: d.table, Err: err}
	}
	if flags&wire.FlagEncrypted != 0 {
		if d.cipher == nil {
			return zero, &CacheError{Reason: "value is encrypted and no cipher is configured"}
		}
		payload, err = d.cipher.Decrypt(payload)
		if err != nil {
			return zero, err
		}
	}
	return d.codec.Decode(payload)
}

func (d *DB[V]) rowExpiry() int64 {
	if d.policy.Strategy != TTL {
		return 0
	}
	return time.Now().Add(d.policy.TTL).UnixMilli()
}

func (d *DB[V]) startSweep() {
	if d.policy.Strategy != TTL || d.sweep <= 0 {
		return
	}
	d.sweepStop = make(chan struct{})
	ticker := time.NewTicker(d.sweep)
	d.sweepWg.Add(1)
	go func() {
		defer d.sweepWg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.sweepOnce()
			case <-d.sweepStop:
				return
			case <-d.c.done:
				// root closed; children's sweepers exit without their own Close
				return
			}
		}
	}()
}

// sweepOnce evicts expired entries eagerly. Lazy-on-access expiry is
// the guaranteed path; this just keeps long-idle namespaces small.
func (d *DB[V]) sweepOnce() {
	if d.checkOpen() != nil {
		return
	}
	expired := d.ns.expire(time.Now())
	if len(expired) == 0 {
		return
	}
	if d.policy.Cascade {
		ctx := context.Background()
		for _, k := range expired {
			if err := d.be.delete(ctx, d.ns, k); err != nil {
				d.log.Error("sweep cascade delete failed", Fields{"table": d.table, "key": k, "err": err})
			}
		}
	}
	d.log.Debug("ttl sweep", Fields{"table": d.table, "expired": len(expired)})
}

func (d *DB[V]) stopSweep() {
	if d.sweepStop == nil {
		return
	}
	close(d.sweepStop)
	d.sweepWg.Wait()
	d.sweepStop = nil
}

func fromMillis(millis int64) time.Time {
	if millis <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(millis)
}
