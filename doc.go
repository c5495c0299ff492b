// Package nanasqlite is a persistent, concurrency-safe key-value cache
// over an embedded SQLite store. An instance gives callers a
// mapping-like view of one table, with an in-memory namespace in front
// and durable rows behind.
//
// Components:
//   - DB[V]: the instance facade. New opens a root owning the writer
//     connection; Table derives children sharing it. Closing the root
//     closes every derived child, irrevocably.
//   - Codec[V]: (de)serializes V <-> []byte (CBOR by default; msgpack,
//     JSON, and protobuf in the codec subpackage).
//   - Policy: per-namespace eviction - Unbounded, LRU(capacity), or
//     TTL(duration, with optional cascade delete of the row).
//   - Async[V]: dispatches operations onto a bounded worker pool, with
//     an optional pool of read-only connections for reads that must not
//     contend on the writer mutex.
//   - sqlguard: validates caller-supplied clause fragments before they
//     are spliced into a statement.
//
// Schema, one table per namespace:
//
//	key TEXT PRIMARY KEY | value BLOB | updated_at INTEGER | expires_at INTEGER
//
// Mutations on a connection are totally ordered by the broker mutex;
// transaction state lives on the connection and is visible to every
// instance sharing it.
package nanasqlite
