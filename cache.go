package nanasqlite

import (
	"container/list"
	"sync"
	"time"
)

// Strategy selects the eviction policy of an instance's namespace.
type Strategy uint8

const (
	// Unbounded keeps every entry until deleted.
	Unbounded Strategy = iota
	// LRU bounds the namespace to a fixed capacity, evicting the least
	// recently accessed entry.
	LRU
	// TTL expires entries a fixed duration after they were written.
	TTL
)

// Policy is the resolved eviction configuration. Eviction logic lives in
// one exhaustive switch per operation; adding a strategy is a
// compiler-visible change.
type Policy struct {
	Strategy Strategy
	Capacity int           // LRU
	TTL      time.Duration // TTL
	Cascade  bool          // TTL: delete the persisted row on expiry
}

type cacheStatus int

const (
	cacheHit cacheStatus = iota
	cacheMiss
	cacheExpired
)

type entry[V any] struct {
	value      V
	lastAccess time.Time
	expiresAt  time.Time     // zero = none
	elem       *list.Element // LRU order node
}

// namespace is the per-instance in-memory cache. It never talks to
// storage: expiry is reported to the caller, which owns the cascade.
// One namespace per instance, never shared even across instances on the
// same conn.
type namespace[V any] struct {
	mu      sync.Mutex
	policy  Policy
	entries map[string]*entry[V]
	order   *list.List // front = most recently accessed; LRU only
}

func newNamespace[V any](p Policy) *namespace[V] {
	n := &namespace[V]{
		policy:  p,
		entries: make(map[string]*entry[V]),
	}
	if p.Strategy == LRU {
		n.order = list.New()
	}
	return n
}

// get returns the cached value. For TTL namespaces an expired entry is
// removed and reported as cacheExpired so the instance can cascade.
func (n *namespace[V]) get(key string) (V, cacheStatus) {
	var zero V
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[key]
	if !ok {
		return zero, cacheMiss
	}
	now := time.Now()
	switch n.policy.Strategy {
	case Unbounded:
	case LRU:
		n.order.MoveToFront(e.elem)
	case TTL:
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			n.removeLocked(key, e)
			return zero, cacheExpired
		}
	}
	e.lastAccess = now
	return e.value, cacheHit
}

// put stores a write. Returns the key evicted to make room, if any.
// The entry just written is never the one evicted.
func (n *namespace[V]) put(key string, v V) (evicted string) {
	return n.store(key, v, time.Time{}, true)
}

// fill stores a read-through. rowExpiry (if nonzero) caps the entry
// lifetime so a refilled entry cannot outlive its row.
func (n *namespace[V]) fill(key string, v V, rowExpiry time.Time) (evicted string) {
	return n.store(key, v, rowExpiry, false)
}

func (n *namespace[V]) store(key string, v V, rowExpiry time.Time, isWrite bool) (evicted string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	e, ok := n.entries[key]
	if !ok {
		e = &entry[V]{}
		n.entries[key] = e
	}
	e.value = v
	e.lastAccess = now

	switch n.policy.Strategy {
	case Unbounded:
	case LRU:
		if e.elem == nil {
			e.elem = n.order.PushFront(key)
		} else {
			n.order.MoveToFront(e.elem)
		}
		if n.policy.Capacity > 0 && len(n.entries) > n.policy.Capacity {
			evicted = n.evictOldestLocked(key)
		}
	case TTL:
		e.expiresAt = now.Add(n.policy.TTL)
		if !isWrite && !rowExpiry.IsZero() && rowExpiry.Before(e.expiresAt) {
			e.expiresAt = rowExpiry
		}
	}
	return evicted
}

// evictOldestLocked removes the least-recently-accessed entry, skipping
// skip (the key just stored).
func (n *namespace[V]) evictOldestLocked(skip string) string {
	for el := n.order.Back(); el != nil; el = el.Prev() {
		k := el.Value.(string)
		if k == skip {
			continue
		}
		n.removeLocked(k, n.entries[k])
		return k
	}
	return ""
}

// drop removes a key without any cascade. Implements dropper.
func (n *namespace[V]) drop(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.entries[key]; ok {
		n.removeLocked(key, e)
	}
}

func (n *namespace[V]) removeLocked(key string, e *entry[V]) {
	delete(n.entries, key)
	if e.elem != nil {
		n.order.Remove(e.elem)
		e.elem = nil
	}
}

// contains reports presence without refreshing recency. expiredNow is
// true when the probe found and discarded an expired entry.
func (n *namespace[V]) contains(key string) (found, expiredNow bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[key]
	if !ok {
		return false, false
	}
	if n.policy.Strategy == TTL && !e.expiresAt.IsZero() && !time.Now().Before(e.expiresAt) {
		n.removeLocked(key, e)
		return false, true
	}
	return true, false
}

func (n *namespace[V]) clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = make(map[string]*entry[V])
	if n.order != nil {
		n.order.Init()
	}
}

func (n *namespace[V]) size() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}

// expire removes and returns every entry past its TTL, for the optional
// background sweep.
func (n *namespace[V]) expire(now time.Time) []string {
	if n.policy.Strategy != TTL {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for k, e := range n.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			n.removeLocked(k, e)
			out = append(out, k)
		}
	}
	return out
}
