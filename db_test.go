package nanasqlite

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"
)

func newTestDB(t *testing.T, opts Options[map[string]any]) *DB[map[string]any] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	d, err := New[map[string]any](path, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

// nest builds a value nested to the given depth.
func nest(depth int) map[string]any {
	leaf := map[string]any{"leaf": "bottom", "n": int64(7), "seq": []any{int64(1), int64(2), int64(3)}}
	if depth <= 1 {
		return leaf
	}
	return map[string]any{"level": int64(depth), "child": nest(depth - 1)}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})

	cases := map[string]map[string]any{
		"scalars": {"s": "text", "i": int64(-42), "f": 3.5, "b": true, "nil": nil},
		"seq":     {"items": []any{"a", int64(1), []any{"nested", false}}},
		"deep":    nest(30),
	}
	for name, v := range cases {
		if err := d.Set(ctx, name, v); err != nil {
			t.Fatalf("Set %q: %v", name, err)
		}
	}
	// drop the cache so reads exercise the persisted rows
	d.DropAll()
	for name, want := range cases {
		got, ok, err := d.Get(ctx, name)
		if err != nil || !ok {
			t.Fatalf("Get %q: ok=%v err=%v", name, ok, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("Get %q: got %#v, want %#v", name, got, want)
		}
	}
}

func TestReadAfterWriteServedFromCache(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})

	v := map[string]any{"x": int64(1)}
	if err := d.Set(ctx, "k", v); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// mutate the row behind the cache; a cached read must not see it
	if _, err := d.ExecRaw(ctx, `DELETE FROM "kv" WHERE key = ?`, "k"); err != nil {
		t.Fatalf("ExecRaw: %v", err)
	}
	got, ok, err := d.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get after bypass delete: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, v) {
		t.Fatalf("Get returned %#v, want cached %#v", got, v)
	}
	// explicit refresh observes the bypass write
	if _, ok, err := d.Refresh(ctx, "k"); err != nil || ok {
		t.Fatalf("Refresh after bypass delete: ok=%v err=%v", ok, err)
	}
}

func TestDeleteAndContains(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})

	if ok, err := d.Contains(ctx, "k"); err != nil || ok {
		t.Fatalf("Contains on empty store: ok=%v err=%v", ok, err)
	}
	if err := d.Set(ctx, "k", map[string]any{"v": int64(1)}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ok, err := d.Contains(ctx, "k"); err != nil || !ok {
		t.Fatalf("Contains after set: ok=%v err=%v", ok, err)
	}
	if err := d.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, err := d.Contains(ctx, "k"); err != nil || ok {
		t.Fatalf("Contains after delete: ok=%v err=%v", ok, err)
	}
	// deleting an absent key is not an error
	if err := d.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestGetManySetMany(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})

	items := map[string]map[string]any{}
	keys := []string{"a", "b", "c", "d"}
	for _, k := range keys {
		items[k] = map[string]any{"k": k}
	}
	if err := d.SetMany(ctx, items); err != nil {
		t.Fatalf("SetMany: %v", err)
	}
	d.DropAll()
	got, err := d.GetMany(ctx, append(keys, "absent"))
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(got) != len(keys) {
		t.Fatalf("GetMany returned %d values, want %d", len(got), len(keys))
	}
	for _, k := range keys {
		if !reflect.DeepEqual(got[k], map[string]any{"k": k}) {
			t.Fatalf("GetMany[%q] = %#v", k, got[k])
		}
	}
}

func TestKeysAndLen(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})

	for _, k := range []string{"b", "a", "c"} {
		if err := d.Set(ctx, k, map[string]any{}); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	ks, err := d.Keys(ctx, "key asc")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(ks, want) {
		t.Fatalf("Keys = %v, want %v", ks, want)
	}
	// hostile fragment is rejected before any I/O
	if _, err := d.Keys(ctx, "key; DROP TABLE kv"); err == nil {
		t.Fatal("Keys accepted a hostile fragment")
	} else {
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("Keys error = %T, want *ValidationError", err)
		}
	}
	n, err := d.Len(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Len = %d err=%v, want 3", n, err)
	}
	if err := d.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := d.Len(ctx); n != 0 {
		t.Fatalf("Len after Clear = %d", n)
	}
}

func TestClosurePropagation(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})

	child, err := d.Table("t")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close root: %v", err)
	}
	// closing again is a no-op
	if err := d.Close(); err != nil {
		t.Fatalf("Close root twice: %v", err)
	}
	var cerr *ClosedError
	if _, _, err := child.Get(ctx, "k"); !errors.As(err, &cerr) {
		t.Fatalf("child Get after root close = %v, want *ClosedError", err)
	}
	if err := child.Set(ctx, "k", nil); !errors.As(err, &cerr) {
		t.Fatalf("child Set after root close = %v, want *ClosedError", err)
	}
	if _, err := child.Table("u"); !errors.As(err, &cerr) {
		t.Fatalf("derive after root close = %v, want *ClosedError", err)
	}
}

func TestChildCloseLeavesRootUsable(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})

	child, err := d.Table("t")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if err := child.Close(); err != nil {
		t.Fatalf("Close child: %v", err)
	}
	var cerr *ClosedError
	if _, _, err := child.Get(ctx, "k"); !errors.As(err, &cerr) {
		t.Fatalf("closed child Get = %v, want *ClosedError", err)
	}
	// root and its connection are untouched
	if err := d.Set(ctx, "k", map[string]any{"v": int64(1)}); err != nil {
		t.Fatalf("root Set after child close: %v", err)
	}
}

func TestTablesAreIsolatedNamespaces(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})

	child, err := d.Table("other")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if err := d.Set(ctx, "k", map[string]any{"who": "root"}); err != nil {
		t.Fatalf("Set root: %v", err)
	}
	if ok, err := child.Contains(ctx, "k"); err != nil || ok {
		t.Fatalf("child sees root's key: ok=%v err=%v", ok, err)
	}
}

func TestBulkPreload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	d, err := New[map[string]any](path, Options[map[string]any]{TableName: "kv"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if err := d.Set(ctx, k, map[string]any{"k": k}); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := New[map[string]any](path, Options[map[string]any]{TableName: "kv", BulkPreload: true})
	if err != nil {
		t.Fatalf("New with preload: %v", err)
	}
	defer d2.Close()
	if n := d2.CacheLen(); n != 3 {
		t.Fatalf("CacheLen after preload = %d, want 3", n)
	}
}

func TestConcurrentWritersNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})

	const writers = 8
	const perWriter = 20
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k := string(rune('a'+w)) + "-" + string(rune('0'+i%10)) + string(rune('0'+i/10))
				if err := d.Set(ctx, k, map[string]any{"w": int64(w), "i": int64(i)}); err != nil {
					errCh <- err
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent Set: %v", err)
	}
	n, err := d.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != writers*perWriter {
		t.Fatalf("persisted %d rows, want %d", n, writers*perWriter)
	}
}

type xorCipher struct{ k byte }

func (c xorCipher) Encrypt(b []byte) ([]byte, error) { return c.xor(b), nil }
func (c xorCipher) Decrypt(b []byte) ([]byte, error) { return c.xor(b), nil }
func (c xorCipher) xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = v ^ c.k
	}
	return out
}

func TestCipherRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	d, err := New[map[string]any](path, Options[map[string]any]{TableName: "kv", Cipher: xorCipher{k: 0x5a}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := map[string]any{"secret": "payload"}
	if err := d.Set(ctx, "k", want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	d.DropAll()
	got, ok, err := d.Get(ctx, "k")
	if err != nil || !ok || !reflect.DeepEqual(got, want) {
		t.Fatalf("Get: ok=%v err=%v got=%#v", ok, err, got)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// reopening without the cipher must fail loudly, not decode garbage
	d2, err := New[map[string]any](path, Options[map[string]any]{TableName: "kv"})
	if err != nil {
		t.Fatalf("New without cipher: %v", err)
	}
	defer d2.Close()
	if _, _, err := d2.Get(ctx, "k"); err == nil {
		t.Fatal("Get decoded an encrypted value without a cipher")
	}
}

func TestTTLRowExpiryVisibleAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	d, err := New[map[string]any](path, Options[map[string]any]{
		TableName:     "kv",
		CacheStrategy: TTL,
		CacheTTL:      40 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := d.Set(ctx, "k", map[string]any{"v": int64(1)}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	d2, err := New[map[string]any](path, Options[map[string]any]{TableName: "kv"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d2.Close()
	if _, ok, err := d2.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("expired row visible after reopen: ok=%v err=%v", ok, err)
	}
}

func TestInvalidTableName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	if _, err := New[map[string]any](path, Options[map[string]any]{TableName: `kv"; DROP TABLE x`}); err == nil {
		t.Fatal("New accepted a hostile table name")
	}
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})
	if _, err := d.Table("1bad"); err == nil {
		t.Fatal("Table accepted an invalid identifier")
	}
}

func TestQueryRawReadsRows(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t, Options[map[string]any]{TableName: "kv"})

	for _, k := range []string{"x", "y"} {
		if err := d.Set(ctx, k, map[string]any{}); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	var keys []string
	err := d.QueryRaw(ctx, `SELECT key FROM "kv"`, nil, func(rows *sql.Rows) error {
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("QueryRaw: %v", err)
	}
	sort.Strings(keys)
	if !reflect.DeepEqual(keys, []string{"x", "y"}) {
		t.Fatalf("QueryRaw keys = %v", keys)
	}
}
