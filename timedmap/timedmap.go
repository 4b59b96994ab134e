// Package timedmap implements a fixed-capacity generic map whose entries
// expire after a time-to-live, checked lazily on access. It backs the ARP
// table and pending-send queue and the TCP connection table (the UDP/TCP
// port tables are plain maps), generalizing the teacher's generic linear-probed cache with per-entry
// expiry.
package timedmap

import (
	"errors"
	"time"
)

// ErrFull is returned by Set when the map is at capacity and key is not
// already present.
var ErrFull = errors.New("timedmap: full")

type entry[K comparable, V any] struct {
	key     K
	value   V
	expires time.Time
	used    bool
}

// Map is a linear-probed fixed-capacity map from comparable keys to values
// of type V, where every entry shares one time-to-live set at construction.
// A zero Map is not usable; construct one with [New].
type Map[K comparable, V any] struct {
	entries []entry[K, V]
	ttl     time.Duration
	now     func() time.Time
	copyFn  func(V) V
}

// New creates a Map with room for capacity entries, each expiring ttl after
// being Set unless refreshed. A ttl of zero means entries never expire and
// stay until deleted.
func New[K comparable, V any](capacity int, ttl time.Duration) *Map[K, V] {
	return &Map[K, V]{
		entries: make([]entry[K, V], capacity),
		ttl:     ttl,
		now:     time.Now,
	}
}

// SetCopyHook installs a function used to copy a value both on Set and on
// Get, matching the buffer-by-value semantics the ARP pending queue needs:
// a caller mutating a fetched buffer must not corrupt the stored one.
func (m *Map[K, V]) SetCopyHook(fn func(V) V) { m.copyFn = fn }

// WithClock overrides the time source used for expiry checks; it exists so
// tests can advance time deterministically instead of sleeping.
func (m *Map[K, V]) WithClock(now func() time.Time) { m.now = now }

func (m *Map[K, V]) expired(e *entry[K, V]) bool {
	return m.ttl > 0 && !e.expires.IsZero() && m.now().After(e.expires)
}

func (m *Map[K, V]) find(key K) int {
	for i := range m.entries {
		e := &m.entries[i]
		if e.used && e.key == key {
			if m.expired(e) {
				*e = entry[K, V]{}
				return -1
			}
			return i
		}
	}
	return -1
}

// Get returns the value stored under key and true, or the zero value and
// false if absent or expired. Accessing an expired entry evicts it.
func (m *Map[K, V]) Get(key K) (V, bool) {
	i := m.find(key)
	if i < 0 {
		var zero V
		return zero, false
	}
	v := m.entries[i].value
	if m.copyFn != nil {
		v = m.copyFn(v)
	}
	return v, true
}

// Set inserts or overwrites the value under key, refreshing its expiry and
// returning ErrFull if the map is at capacity and key is not already
// present. Overwriting an existing key's pending value is the behavior the
// ARP pending queue relies on: a newer send for the same IP replaces an
// older undelivered one.
func (m *Map[K, V]) Set(key K, value V) error {
	if m.copyFn != nil {
		value = m.copyFn(value)
	}
	if i := m.find(key); i >= 0 {
		m.entries[i].value = value
		if m.ttl > 0 {
			m.entries[i].expires = m.now().Add(m.ttl)
		}
		return nil
	}
	for i := range m.entries {
		e := &m.entries[i]
		if !e.used || m.expired(e) {
			*e = entry[K, V]{key: key, value: value, used: true}
			if m.ttl > 0 {
				e.expires = m.now().Add(m.ttl)
			}
			return nil
		}
	}
	return ErrFull
}

// Delete removes key from the map, if present.
func (m *Map[K, V]) Delete(key K) {
	if i := m.find(key); i >= 0 {
		m.entries[i] = entry[K, V]{}
	}
}

// Len returns the number of live (non-expired) entries, evicting expired
// ones encountered along the way.
func (m *Map[K, V]) Len() int {
	n := 0
	for i := range m.entries {
		e := &m.entries[i]
		if !e.used {
			continue
		}
		if m.expired(e) {
			*e = entry[K, V]{}
			continue
		}
		n++
	}
	return n
}

// Foreach calls fn for every live entry, in slot order. fn must not call
// Set or Delete on m.
func (m *Map[K, V]) Foreach(fn func(key K, value V)) {
	for i := range m.entries {
		e := &m.entries[i]
		if !e.used || m.expired(e) {
			continue
		}
		fn(e.key, e.value)
	}
}
