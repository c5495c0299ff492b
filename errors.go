package nanasqlite

import (
	"fmt"

	"github.com/disnana/NanaSQLite-sub000/sqlguard"
)

// ValidationError reports a rejected identifier or clause fragment. It
// is the same type the validator returns, re-exported so callers can
// errors.As against the root package alone.
type ValidationError = sqlguard.Error

// DatabaseError wraps a failure from the storage engine.
type DatabaseError struct {
	Op    string // logical operation: "read", "write", "begin", ...
	Table string // empty when the failure is not table-scoped
	Err   error
}

func (e *DatabaseError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("nanasqlite: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("nanasqlite: %s %q: %v", e.Op, e.Table, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// TransactionError reports a transaction lifecycle violation: begin
// while active, commit or rollback while idle, close while active.
type TransactionError struct {
	Op     string
	Reason string
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("nanasqlite: %s: %s", e.Op, e.Reason)
}

// ClosedError reports an operation on a closed instance, whether it was
// closed directly or through its root.
type ClosedError struct {
	Table string // empty when raised below the instance layer
}

func (e *ClosedError) Error() string {
	if e.Table == "" {
		return "nanasqlite: database is closed"
	}
	return fmt.Sprintf("nanasqlite: instance %q is closed", e.Table)
}

// CacheError reports a value that could not be restored from its stored
// form, such as an encrypted payload with no cipher configured.
type CacheError struct {
	Reason string
}

func (e *CacheError) Error() string {
	return "nanasqlite: " + e.Reason
}

// LockError reports a failure to acquire the engine lock within the
// configured wait. The driver currently surfaces lock-wait expiry as a
// DatabaseError; this type is kept for callers that branch on it.
type LockError struct {
	Op  string
	Err error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("nanasqlite: %s: lock not acquired: %v", e.Op, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }
