package nanasqlite

import "context"

// Transaction state lives on the connection, not the instance: a
// transaction begun through one instance is visible to every instance
// sharing that connection, and at most one can be active at a time.
// There is no nesting.

// Begin opens a transaction on the shared connection. Fails with
// *TransactionError if one is already active, from this instance or any
// other sharing the connection.
func (d *DB[V]) Begin(ctx context.Context) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.c.begin(ctx)
}

// Commit makes the active transaction's writes durable. Fails with
// *TransactionError while idle.
func (d *DB[V]) Commit() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.c.commit()
}

// Rollback discards the active transaction's writes and drops every
// cache entry they touched, so reads refill from the rolled-back rows.
// Fails with *TransactionError while idle.
func (d *DB[V]) Rollback() error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.c.rollback()
}

// InTransaction reports whether a transaction is active on the shared
// connection.
func (d *DB[V]) InTransaction() bool {
	return d.c.active()
}

// WithTransaction runs fn between Begin and Commit. If fn returns an
// error or panics, the transaction is rolled back and the original
// failure propagates unchanged.
func (d *DB[V]) WithTransaction(ctx context.Context, fn func(tx *DB[V]) error) error {
	if err := d.Begin(ctx); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if err := d.c.rollback(); err != nil {
				d.log.Error("rollback after panic failed", Fields{"table": d.table, "err": err})
			}
			panic(r)
		}
	}()
	if err := fn(d); err != nil {
		if rbErr := d.c.rollback(); rbErr != nil {
			d.log.Error("rollback failed", Fields{"table": d.table, "err": rbErr})
		}
		return err
	}
	return d.Commit()
}
