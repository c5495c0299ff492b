package nanasqlite

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestNoNestedTransactions(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})

	if err := d.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	var terr *TransactionError
	if err := d.Begin(ctx); !errors.As(err, &terr) {
		t.Fatalf("nested Begin = %v, want *TransactionError", err)
	}
	// the transaction state is unchanged by the failed begin
	if !d.InTransaction() {
		t.Fatal("transaction lost after rejected nested begin")
	}
	if err := d.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestTransactionVisibleAcrossInstances(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})
	child, err := d.Table("t")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}

	if err := d.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	var terr *TransactionError
	if err := child.Begin(ctx); !errors.As(err, &terr) {
		t.Fatalf("Begin from sibling = %v, want *TransactionError", err)
	}
	if !child.InTransaction() {
		t.Fatal("transaction not visible to instance sharing the connection")
	}
	// either instance may resolve it
	if err := child.Rollback(); err != nil {
		t.Fatalf("Rollback from sibling: %v", err)
	}
	if d.InTransaction() {
		t.Fatal("still active after rollback")
	}
}

func TestCommitRollbackWhileIdle(t *testing.T) {
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})

	var terr *TransactionError
	if err := d.Commit(); !errors.As(err, &terr) {
		t.Fatalf("idle Commit = %v, want *TransactionError", err)
	}
	if err := d.Rollback(); !errors.As(err, &terr) {
		t.Fatalf("idle Rollback = %v, want *TransactionError", err)
	}
}

func TestCloseWhileActiveRejected(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})

	if err := d.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	var terr *TransactionError
	if err := d.Close(); !errors.As(err, &terr) {
		t.Fatalf("Close while active = %v, want *TransactionError", err)
	}
	// state unchanged: resolve, then close cleanly
	if err := d.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close after rollback: %v", err)
	}
}

// Transfer semantics: a failure inside the scoped transaction rolls both
// writes back, including their cache entries.
func TestWithTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "accounts"})

	if err := d.Set(ctx, "acct1", map[string]any{"balance": int64(1000)}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := d.Set(ctx, "acct2", map[string]any{"balance": int64(500)}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	boom := errors.New("insufficient funds")
	err := d.WithTransaction(ctx, func(tx *DB[map[string]any]) error {
		if err := tx.Set(ctx, "acct1", map[string]any{"balance": int64(900)}); err != nil {
			return err
		}
		if err := tx.Set(ctx, "acct2", map[string]any{"balance": int64(600)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTransaction = %v, want original error", err)
	}
	if d.InTransaction() {
		t.Fatal("transaction still active after rollback")
	}

	for k, want := range map[string]int64{"acct1": 1000, "acct2": 500} {
		got, ok, err := d.Get(ctx, k)
		if err != nil || !ok {
			t.Fatalf("Get %q: ok=%v err=%v", k, ok, err)
		}
		if got["balance"] != want {
			t.Fatalf("%s balance = %v, want %d (rolled back)", k, got["balance"], want)
		}
	}
}

func TestWithTransactionCommits(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "accounts"})

	err := d.WithTransaction(ctx, func(tx *DB[map[string]any]) error {
		return tx.Set(ctx, "acct1", map[string]any{"balance": int64(900)})
	})
	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}
	d.DropAll()
	got, ok, err := d.Get(ctx, "acct1")
	if err != nil || !ok || got["balance"] != int64(900) {
		t.Fatalf("committed value lost: ok=%v err=%v got=%#v", ok, err, got)
	}
}

func TestWithTransactionRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("panic did not propagate")
			}
		}()
		_ = d.WithTransaction(ctx, func(tx *DB[map[string]any]) error {
			if err := tx.Set(ctx, "k", map[string]any{"v": int64(1)}); err != nil {
				return err
			}
			panic("unit of work failed")
		})
	}()
	if d.InTransaction() {
		t.Fatal("transaction still active after panic")
	}
	if ok, err := d.Contains(ctx, "k"); err != nil || ok {
		t.Fatalf("write survived panic rollback: ok=%v err=%v", ok, err)
	}
}

func TestRollbackDropsDirtyCacheEntries(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})

	if err := d.Set(ctx, "k", map[string]any{"v": int64(1)}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := d.Begin(ctx); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := d.Set(ctx, "k", map[string]any{"v": int64(2)}); err != nil {
		t.Fatalf("Set in tx: %v", err)
	}
	if err := d.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	got, ok, err := d.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if want := map[string]any{"v": int64(1)}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Get after rollback = %#v, want %#v", got, want)
	}
}
