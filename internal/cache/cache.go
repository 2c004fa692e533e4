// Package cache holds merged day event lists with a freshness window.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/beekhof/hangoutcal/internal/domain"
)

// DefaultTTL is how long a merged day stays fresh.
const DefaultTTL = 5 * time.Minute

// Entry is the merged event list for one day.
type Entry struct {
	Day       domain.DayRange
	Events    []domain.Event
	FetchedAt time.Time
	// Sources lists the backends whose events are included.
	Sources []domain.Source
}

// Has reports whether src contributed to the entry.
func (e Entry) Has(src domain.Source) bool {
	for _, s := range e.Sources {
		if s == src {
			return true
		}
	}
	return false
}

func (e Entry) clone() Entry {
	e.Events = append([]domain.Event(nil), e.Events...)
	e.Sources = append([]domain.Source(nil), e.Sources...)
	return e
}

// Token identifies the cache state a fetch started from.
// A put carrying a token taken before an invalidation is dropped.
type Token struct {
	epoch uint64
	seq   uint64
	slot  *slot
	gen   uint64
}

type slot struct {
	lock  chan struct{}
	entry *Entry
	gen   uint64
	// refs counts holders and waiters of lock. A slot with refs and no
	// entry is dropped from the map.
	refs int
}

// Cache maps day keys to merged entries. Access to each key is serialized
// through Lock; entries are replaced whole, never patched. Slots without an
// entry or a lock holder are pruned.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
	epoch uint64
	// seq counts single-key invalidations, for tokens taken on a key with no slot.
	seq uint64
}

// New creates a cache. A ttl of zero disables caching. A nil now uses time.Now.
func New(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{ttl: ttl, now: now, slots: make(map[string]*slot)}
}

// TTL returns the freshness window.
func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) slotLocked(key string) *slot {
	s, ok := c.slots[key]
	if !ok {
		s = &slot{lock: make(chan struct{}, 1)}
		c.slots[key] = s
	}
	return s
}

// pruneLocked drops the slot for key when nothing refers to it.
func (c *Cache) pruneLocked(key string, s *slot) {
	if s.refs == 0 && s.entry == nil && c.slots[key] == s {
		delete(c.slots, key)
	}
}

// Lock serializes fetch-and-store for a day key. The returned func releases it.
func (c *Cache) Lock(ctx context.Context, key string) (func(), error) {
	c.mu.Lock()
	s := c.slotLocked(key)
	s.refs++
	c.mu.Unlock()

	done := func() {
		c.mu.Lock()
		s.refs--
		c.pruneLocked(key, s)
		c.mu.Unlock()
	}

	select {
	case s.lock <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.lock
				done()
			})
		}, nil
	case <-ctx.Done():
		done()
		return nil, ctx.Err()
	}
}

// Get returns a copy of the fresh entry for key. Stale entries count as absent.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.slots[key]
	if !ok || s.entry == nil {
		return Entry{}, false
	}
	if c.now().Sub(s.entry.FetchedAt) >= c.ttl {
		return Entry{}, false
	}
	return s.entry.clone(), true
}

// Token returns the current invalidation state of key. Taken while holding
// Lock for key it is only spoilt by invalidations of that key; otherwise any
// single-key invalidation spoils it.
func (c *Cache) Token(key string) Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	tok := Token{epoch: c.epoch, seq: c.seq}
	if s, ok := c.slots[key]; ok {
		tok.slot, tok.gen = s, s.gen
	}
	return tok
}

// Put replaces the entry for key, stamping FetchedAt when unset.
func (c *Cache) Put(key string, e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, e)
}

// PutIfCurrent stores e only when key was not invalidated since tok was taken.
func (c *Cache) PutIfCurrent(key string, e Entry, tok Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tok.epoch != c.epoch {
		return false
	}
	if tok.slot != nil {
		// A pruned and recreated slot is a different pointer.
		if s, ok := c.slots[key]; !ok || s != tok.slot || s.gen != tok.gen {
			return false
		}
	} else if tok.seq != c.seq {
		return false
	}
	c.putLocked(key, e)
	return true
}

func (c *Cache) putLocked(key string, e Entry) {
	if c.ttl <= 0 {
		return
	}
	if e.FetchedAt.IsZero() {
		e.FetchedAt = c.now()
	}
	e = e.clone()
	c.slotLocked(key).entry = &e
	c.sweepLocked(key)
}

// sweepLocked drops the expired entries of idle keys other than keep.
func (c *Cache) sweepLocked(keep string) {
	now := c.now()
	for key, s := range c.slots {
		if key == keep || s.refs > 0 || s.entry == nil {
			continue
		}
		if now.Sub(s.entry.FetchedAt) >= c.ttl {
			s.entry = nil
			c.pruneLocked(key, s)
		}
	}
}

// Invalidate drops the entry for key and reports whether one was present.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	s, ok := c.slots[key]
	if !ok {
		return false
	}
	s.gen++
	had := s.entry != nil
	s.entry = nil
	c.pruneLocked(key, s)
	return had
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	for key, s := range c.slots {
		s.entry = nil
		c.pruneLocked(key, s)
	}
}

// Slots returns the number of tracked keys, including keys that are
// locked but hold no entry.
func (c *Cache) Slots() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// KeysContaining returns the keys of stored entries, fresh or stale, holding
// any of the given event ids, either as an event or as the series an
// occurrence belongs to.
func (c *Cache) KeysContaining(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []string
	for key, s := range c.slots {
		if s.entry == nil {
			continue
		}
		for _, ev := range s.entry.Events {
			_, byID := want[ev.ID]
			_, bySeries := want[ev.SeriesID]
			if byID || (ev.SeriesID != "" && bySeries) {
				keys = append(keys, key)
				break
			}
		}
	}
	return keys
}

// Len returns the number of stored entries, fresh or stale. Expired entries
// of idle keys are dropped on the next put.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, s := range c.slots {
		if s.entry != nil {
			n++
		}
	}
	return n
}
