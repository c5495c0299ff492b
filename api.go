package nanasqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/disnana/NanaSQLite-sub000/codec"
	"github.com/disnana/NanaSQLite-sub000/sqlguard"
)

// Cipher is an optional encryption-at-rest hook. Encrypt runs on the
// serialized value before it reaches the value column; Decrypt runs on
// the way back. The envelope records whether a payload was encrypted,
// so opening an encrypted store without a Cipher fails instead of
// feeding ciphertext to the codec.
type Cipher interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(enc []byte) ([]byte, error)
}

// Options tune a root instance. Only the store path (passed to New) is
// required; everything else has defaults.
type Options[V any] struct {
	// TableName is the namespace table of the root instance. "" => "main".
	TableName string
	// Codec serializes values. nil => CBOR.
	Codec codec.Codec[V]
	// Logger for debug/ops logging. nil => NopLogger.
	Logger Logger
	// BulkPreload eagerly fills the whole namespace at construction.
	BulkPreload bool

	// CacheStrategy picks the eviction policy: Unbounded (default), LRU,
	// or TTL.
	CacheStrategy Strategy
	// CacheCapacity bounds an LRU namespace. 0 => 128.
	CacheCapacity int
	// CacheTTL is the entry lifetime for TTL namespaces. 0 => 5m.
	CacheTTL time.Duration
	// CacheCascadeDelete also deletes the persisted row when a TTL entry
	// lapses.
	CacheCascadeDelete bool
	// CacheSweepInterval enables a background expiry sweep for TTL
	// namespaces. 0 => lazy-on-access only, which is the guaranteed
	// behavior either way.
	CacheSweepInterval time.Duration

	// WorkerCount sizes the async bridge's worker pool. 0 => 4.
	WorkerCount int
	// QueueLength bounds the async bridge's task queue. 0 => 1024.
	QueueLength int
	// ReadPoolSize opens that many dedicated read-only connections for
	// async reads, bypassing the writer mutex. 0 => disabled. Requires a
	// file-backed store.
	ReadPoolSize int

	// LaxValidation downgrades clause-validation violations to logged
	// warnings. Default false: violations are errors. Callers that
	// enable this own the resulting fragment.
	LaxValidation bool
	// AllowedFunctions extends the validator's per-context allow list.
	AllowedFunctions []string
	// ForbiddenFunctions are rejected even when a context would allow
	// them.
	ForbiddenFunctions []string
	// MaxClauseLength bounds caller-supplied fragments. 0 => 256.
	MaxClauseLength int

	// Cipher encrypts values at rest. nil => plaintext.
	Cipher Cipher
	// BusyTimeout is the engine's lock wait before a locked database
	// error surfaces (as a DatabaseError). 0 => 5s.
	BusyTimeout time.Duration
}

// New opens (creating if needed) the store at path and returns the root
// instance bound to the configured table. The root owns the writer
// connection; derive table-scoped children with Table.
func New[V any](path string, opts Options[V]) (*DB[V], error) {
	if path == "" {
		return nil, fmt.Errorf("nanasqlite: store path is required")
	}
	table := coalesce(opts.TableName, "main")
	if !sqlguard.ValidIdent(table) {
		return nil, &ValidationError{Fragment: table, Reason: "invalid table name"}
	}

	policy := Policy{
		Strategy: opts.CacheStrategy,
		Cascade:  opts.CacheCascadeDelete,
	}
	switch opts.CacheStrategy {
	case Unbounded:
	case LRU:
		policy.Capacity = coalesce(opts.CacheCapacity, 128)
		if policy.Capacity < 1 {
			return nil, fmt.Errorf("nanasqlite: LRU capacity must be positive")
		}
	case TTL:
		policy.TTL = coalesce(opts.CacheTTL, 5*time.Minute)
		if policy.TTL <= 0 {
			return nil, fmt.Errorf("nanasqlite: TTL must be positive")
		}
	default:
		return nil, fmt.Errorf("nanasqlite: unknown cache strategy %d", opts.CacheStrategy)
	}

	cd := opts.Codec
	if cd == nil {
		c, err := codec.NewCBOR[V]()
		if err != nil {
			return nil, fmt.Errorf("nanasqlite: default codec: %w", err)
		}
		cd = c
	}

	cn, err := openConn(path, opts.BusyTimeout)
	if err != nil {
		return nil, err
	}

	d := &DB[V]{
		table:  table,
		c:      cn,
		root:   true,
		ns:     newNamespace[V](policy),
		be:     newBackend(cn, table),
		codec:  cd,
		cipher: opts.Cipher,
		log:    coalesce[Logger](opts.Logger, NopLogger{}),
		policy: policy,
		vopts: sqlguard.Options{
			AllowedExtra: opts.AllowedFunctions,
			Forbidden:    opts.ForbiddenFunctions,
			MaxLength:    opts.MaxClauseLength,
			Strict:       !opts.LaxValidation,
		},
		workers:  coalesce(opts.WorkerCount, 4),
		queueLen: coalesce(opts.QueueLength, 1024),
		readPool: opts.ReadPoolSize,
		sweep:    opts.CacheSweepInterval,
	}

	if err := d.be.createTable(context.Background()); err != nil {
		_ = cn.close()
		return nil, err
	}
	if opts.BulkPreload {
		if err := d.preload(context.Background()); err != nil {
			_ = cn.close()
			return nil, err
		}
	}
	d.startSweep()
	return d, nil
}
