// Package attachment hands binary attachment streams from a producer (the transport) to a
// consumer (a capability agent), regardless of which side arrives first.
package attachment

import (
	"container/list"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

const logPrefix = "attachment:store"

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for slot creation and eviction.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type slot struct {
	id      string
	created time.Time
	done    chan struct{}
	stream  io.Reader
	err     error
	fired   bool
	elem    *list.Element
}

func (sl *slot) resolve(stream io.Reader, err error) {
	if sl.fired {
		return
	}
	sl.stream = stream
	sl.err = err
	sl.fired = true
	close(sl.done)
}

// Store maps attachment ids to single-assignment slots. A slot is created lazily by
// RequestReader or Provide, whichever comes first, and is destroyed by Release or by
// TTL eviction. Eviction scans slots oldest-first on every Provide.
type Store struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	slots map[string]*slot
	// order holds slots by creation time, oldest at the front.
	order *list.List
}

// NewStore creates a Store whose unclaimed slots expire after ttl. A ttl of zero evicts
// every slot on the next scan.
func NewStore(ttl time.Duration, opts ...Option) *Store {
	if ttl < 0 {
		ttl = 0
	}
	s := &Store{
		ttl:   ttl,
		now:   time.Now,
		slots: make(map[string]*slot),
		order: list.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured time-to-live.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// RequestReader returns a future for the stream of id. The future resolves once a producer
// calls Provide, or fails if the slot is released or reclaimed first.
func (s *Store) RequestReader(id string) *Future {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slotLocked(id, s.now())
	return &Future{id: id, slot: sl}
}

// Provide fulfills the slot for id with stream, resolving every waiting reader. The first
// producer wins: a later Provide for an already fulfilled slot leaves it unchanged and
// returns false.
func (s *Store) Provide(id string, stream io.Reader) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.reclaimLocked(now)

	sl := s.slotLocked(id, now)
	if sl.fired {
		slog.Debug(fmt.Sprintf("%s - ignoring duplicate provide for %s", logPrefix, id))
		return false
	}
	sl.resolve(stream, nil)
	return true
}

// Release removes the slot for id regardless of its state. Readers still waiting on it fail
// with ErrReleased. It reports whether a slot existed.
func (s *Store) Release(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[id]
	if !ok {
		return false
	}
	s.removeLocked(sl)
	sl.resolve(nil, ErrReleased)
	return true
}

// Reclaim runs the eviction scan immediately and returns the number of evicted slots.
func (s *Store) Reclaim() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reclaimLocked(s.now())
}

// Len returns the number of live slots.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

func (s *Store) slotLocked(id string, now time.Time) *slot {
	if sl, ok := s.slots[id]; ok {
		return sl
	}
	sl := &slot{id: id, created: now, done: make(chan struct{})}
	sl.elem = s.order.PushBack(sl)
	s.slots[id] = sl
	return sl
}

func (s *Store) removeLocked(sl *slot) {
	delete(s.slots, sl.id)
	if sl.elem != nil {
		s.order.Remove(sl.elem)
		sl.elem = nil
	}
}

// reclaimLocked evicts expired slots. Slots are ordered by creation time, so the scan stops
// at the first slot still within the TTL.
func (s *Store) reclaimLocked(now time.Time) int {
	evicted := 0
	for e := s.order.Front(); e != nil; {
		sl := e.Value.(*slot)
		if now.Sub(sl.created) < s.ttl {
			break
		}
		next := e.Next()
		s.removeLocked(sl)
		sl.resolve(nil, ErrReclaimed)
		evicted++
		e = next
	}
	if evicted > 0 {
		slog.Debug(fmt.Sprintf("%s - reclaimed %d expired attachments", logPrefix, evicted))
	}
	return evicted
}
