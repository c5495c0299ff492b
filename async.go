package nanasqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/disnana/NanaSQLite-sub000/internal/util"
	"github.com/disnana/NanaSQLite-sub000/sqlguard"
)

// taskResult pairs a value with the error that produced it.
type taskResult[T any] struct {
	val T
	err error
}

// Future is the caller-facing handle for one dispatched operation.
// Await it at most once. Cancelling the await abandons delivery; the
// dispatched work itself is never retracted.
type Future[T any] struct {
	ch chan taskResult[T]
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{ch: make(chan taskResult[T], 1)}
}

func (f *Future[T]) resolve(v T, err error) {
	f.ch <- taskResult[T]{val: v, err: err}
}

// Await blocks until the operation completes or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case r := <-f.ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// ErrFuture is a Future that carries only an error.
type ErrFuture struct {
	ch chan error
}

func newErrFuture() *ErrFuture { return &ErrFuture{ch: make(chan error, 1)} }

func (f *ErrFuture) resolve(err error) { f.ch <- err }

func (f *ErrFuture) Await(ctx context.Context) error {
	select {
	case err := <-f.ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lookup is an async Get result.
type Lookup[V any] struct {
	Value V
	Found bool
}

// Async moves an instance's operations onto a bounded worker pool. With
// a read pool configured, read-only operations run on dedicated
// read-only connections and never contend on the writer mutex - at the
// cost of read-after-write freshness on that path (Refresh through the
// instance when that matters). The read pool never joins transactions.
type Async[V any] struct {
	db    *DB[V]
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.RWMutex // closed vs. submit
	closed bool

	readers   chan *sql.DB // nil when the read pool is disabled
	readConns []*sql.DB
}

// Async builds the bridge for this instance using the constructor
// options (WorkerCount, QueueLength, ReadPoolSize).
func (d *DB[V]) Async() (*Async[V], error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	a := &Async[V]{
		db:    d,
		tasks: make(chan func(), d.queueLen),
	}
	if d.readPool > 0 {
		if d.c.path == ":memory:" {
			return nil, fmt.Errorf("nanasqlite: read pool requires a file-backed store")
		}
		a.readers = make(chan *sql.DB, d.readPool)
		for i := 0; i < d.readPool; i++ {
			rc, err := openReadOnly(d.c.path)
			if err != nil {
				for _, prev := range a.readConns {
					_ = prev.Close()
				}
				return nil, err
			}
			a.readConns = append(a.readConns, rc)
			a.readers <- rc
		}
	}
	a.wg.Add(d.workers)
	for i := 0; i < d.workers; i++ {
		go func() {
			defer a.wg.Done()
			for task := range a.tasks {
				task()
			}
		}()
	}
	return a, nil
}

func openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, &DatabaseError{Op: "open read-only", Err: err}
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, &DatabaseError{Op: "open read-only", Err: err}
	}
	return db, nil
}

// submit enqueues run, blocking when the queue is full. Returns false
// if the bridge is closed.
func (a *Async[V]) submit(run func()) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return false
	}
	a.tasks <- run
	return true
}

func (a *Async[V]) Get(ctx context.Context, key string) *Future[Lookup[V]] {
	f := newFuture[Lookup[V]]()
	if !a.submit(func() {
		v, found, err := a.readValue(ctx, key)
		f.resolve(Lookup[V]{Value: v, Found: found}, err)
	}) {
		f.resolve(Lookup[V]{}, &ClosedError{Table: a.db.table})
	}
	return f
}

func (a *Async[V]) Contains(ctx context.Context, key string) *Future[bool] {
	f := newFuture[bool]()
	if !a.submit(func() {
		f.resolve(a.contains(ctx, key))
	}) {
		f.resolve(false, &ClosedError{Table: a.db.table})
	}
	return f
}

func (a *Async[V]) GetMany(ctx context.Context, keys []string) *Future[map[string]V] {
	f := newFuture[map[string]V]()
	if !a.submit(func() {
		f.resolve(a.readMany(ctx, keys))
	}) {
		f.resolve(nil, &ClosedError{Table: a.db.table})
	}
	return f
}

func (a *Async[V]) Keys(ctx context.Context, orderBy string) *Future[[]string] {
	f := newFuture[[]string]()
	if !a.submit(func() {
		f.resolve(a.listKeys(ctx, orderBy))
	}) {
		f.resolve(nil, &ClosedError{Table: a.db.table})
	}
	return f
}

func (a *Async[V]) Set(ctx context.Context, key string, value V) *ErrFuture {
	f := newErrFuture()
	if !a.submit(func() {
		f.resolve(a.db.Set(ctx, key, value))
	}) {
		f.resolve(&ClosedError{Table: a.db.table})
	}
	return f
}

func (a *Async[V]) SetMany(ctx context.Context, items map[string]V) *ErrFuture {
	f := newErrFuture()
	if !a.submit(func() {
		f.resolve(a.db.SetMany(ctx, items))
	}) {
		f.resolve(&ClosedError{Table: a.db.table})
	}
	return f
}

func (a *Async[V]) Delete(ctx context.Context, key string) *ErrFuture {
	f := newErrFuture()
	if !a.submit(func() {
		f.resolve(a.db.Delete(ctx, key))
	}) {
		f.resolve(&ClosedError{Table: a.db.table})
	}
	return f
}

// readValue is the read-pool Get path. Cache hits are served from the
// namespace; misses read through a leased read-only connection.
func (a *Async[V]) readValue(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if a.readers == nil {
		return a.db.Get(ctx, key)
	}
	if err := a.db.checkOpen(); err != nil {
		return zero, false, err
	}
	v, st := a.db.ns.get(key)
	switch st {
	case cacheHit:
		return v, true, nil
	case cacheExpired:
		// cascade needs the writer; the pool itself never mutates
		if a.db.policy.Cascade {
			if err := a.db.be.delete(ctx, a.db.ns, key); err != nil {
				return zero, false, err
			}
			return zero, false, nil
		}
	}
	rc, err := a.lease(ctx)
	if err != nil {
		return zero, false, err
	}
	defer a.release(rc)
	raw, expMilli, ok, err := selectRow(ctx, rc, a.db.be.qtable, key)
	if err != nil {
		return zero, false, &DatabaseError{Op: "read", Table: a.db.table, Err: err}
	}
	if !ok {
		return zero, false, nil
	}
	val, err := a.db.decode(raw)
	if err != nil {
		return zero, false, err
	}
	a.db.ns.fill(key, val, fromMillis(expMilli))
	return val, true, nil
}

func (a *Async[V]) contains(ctx context.Context, key string) (bool, error) {
	if a.readers == nil {
		return a.db.Contains(ctx, key)
	}
	if err := a.db.checkOpen(); err != nil {
		return false, err
	}
	found, expiredNow := a.db.ns.contains(key)
	if found {
		return true, nil
	}
	if expiredNow && a.db.policy.Cascade {
		if err := a.db.be.delete(ctx, a.db.ns, key); err != nil {
			return false, err
		}
		return false, nil
	}
	rc, err := a.lease(ctx)
	if err != nil {
		return false, err
	}
	defer a.release(rc)
	found, err = existsRow(ctx, rc, a.db.be.qtable, key)
	if err != nil {
		return false, &DatabaseError{Op: "exists", Table: a.db.table, Err: err}
	}
	return found, nil
}

func (a *Async[V]) readMany(ctx context.Context, keys []string) (map[string]V, error) {
	if a.readers == nil {
		return a.db.GetMany(ctx, keys)
	}
	if err := a.db.checkOpen(); err != nil {
		return nil, err
	}
	out := make(map[string]V, len(keys))
	var missing []string
	for _, k := range keys {
		v, st := a.db.ns.get(k)
		switch st {
		case cacheHit:
			out[k] = v
		case cacheExpired:
			if a.db.policy.Cascade {
				if err := a.db.be.delete(ctx, a.db.ns, k); err != nil {
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
	rc, err := a.lease(ctx)
	if err != nil {
		return nil, err
	}
	defer a.release(rc)
	raws := make(map[string][]byte, len(missing))
	exps := make(map[string]int64, len(missing))
	for _, chunk := range util.Chunk(missing, paramChunk) {
		if err := selectRows(ctx, rc, a.db.be.qtable, chunk, raws, exps); err != nil {
			return nil, &DatabaseError{Op: "read", Table: a.db.table, Err: err}
		}
	}
	for k, raw := range raws {
		val, err := a.db.decode(raw)
		if err != nil {
			return nil, err
		}
		a.db.ns.fill(k, val, fromMillis(exps[k]))
		out[k] = val
	}
	return out, nil
}

func (a *Async[V]) listKeys(ctx context.Context, orderBy string) ([]string, error) {
	if a.readers == nil {
		return a.db.Keys(ctx, orderBy)
	}
	if err := a.db.checkOpen(); err != nil {
		return nil, err
	}
	if orderBy != "" {
		warnings, err := sqlguard.Validate(orderBy, sqlguard.OrderBy, a.db.vopts)
		if err != nil {
			return nil, err
		}
		for _, w := range warnings {
			a.db.log.Warn("order-by fragment violation", Fields{"table": a.db.table, "reason": w})
		}
	}
	rc, err := a.lease(ctx)
	if err != nil {
		return nil, err
	}
	defer a.release(rc)
	out, err := selectKeys(ctx, rc, a.db.be.qtable, orderBy)
	if err != nil {
		return nil, &DatabaseError{Op: "keys", Table: a.db.table, Err: err}
	}
	return out, nil
}

func (a *Async[V]) lease(ctx context.Context) (*sql.DB, error) {
	select {
	case rc := <-a.readers:
		return rc, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Async[V]) release(rc *sql.DB) {
	a.readers <- rc
}

// Close drains the worker pool, waiting for in-flight tasks, then
// closes the read pool's connections individually; one failing close
// does not stop the others. Closing twice is a no-op.
func (a *Async[V]) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.tasks)
	a.mu.Unlock()

	a.wg.Wait()
	if len(a.readConns) == 0 {
		return nil
	}
	var g errgroup.Group
	for _, rc := range a.readConns {
		g.Go(rc.Close)
	}
	return g.Wait()
}

