package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

const storeTestPrefix = "attachment:store_test"

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("%s - read failed: %v", storeTestPrefix, err)
	}
	return string(data)
}

func TestStore_RequestThenProvide(t *testing.T) {
	s := NewStore(time.Minute)

	f := s.RequestReader("A1")
	if _, ok, _ := f.TryResult(); ok {
		t.Fatalf("%s - future should be pending before provide", storeTestPrefix)
	}

	go s.Provide("A1", bytes.NewReader([]byte("audio")))

	r, err := f.Wait(2 * time.Second)
	if err != nil {
		t.Fatalf("%s - Wait failed: %v", storeTestPrefix, err)
	}
	if got := readAll(t, r); got != "audio" {
		t.Errorf("%s - got %q, want audio", storeTestPrefix, got)
	}
}

func TestStore_ProvideThenRequest(t *testing.T) {
	s := NewStore(time.Minute)

	if !s.Provide("A1", bytes.NewReader([]byte("audio"))) {
		t.Fatalf("%s - first provide should succeed", storeTestPrefix)
	}

	r, err := s.RequestReader("A1").Wait(time.Second)
	if err != nil {
		t.Fatalf("%s - Wait failed: %v", storeTestPrefix, err)
	}
	if got := readAll(t, r); got != "audio" {
		t.Errorf("%s - got %q, want audio", storeTestPrefix, got)
	}
}

func TestStore_FirstProvideWins(t *testing.T) {
	s := NewStore(time.Minute)

	early := s.RequestReader("A1")
	first := bytes.NewReader([]byte("first"))
	second := bytes.NewReader([]byte("second"))

	if !s.Provide("A1", first) {
		t.Fatalf("%s - first provide should succeed", storeTestPrefix)
	}
	if s.Provide("A1", second) {
		t.Errorf("%s - second provide should report no-op", storeTestPrefix)
	}

	late := s.RequestReader("A1")
	for name, f := range map[string]*Future{"early": early, "late": late} {
		r, err := f.Wait(time.Second)
		if err != nil {
			t.Fatalf("%s - %s reader failed: %v", storeTestPrefix, name, err)
		}
		if r != first {
			t.Errorf("%s - %s reader observed a different stream than the first provide", storeTestPrefix, name)
		}
	}
}

func TestStore_MultipleReadersShareStream(t *testing.T) {
	s := NewStore(time.Minute)

	const readers = 8
	futures := make([]*Future, readers)
	for i := range futures {
		futures[i] = s.RequestReader("shared")
	}
	stream := bytes.NewReader([]byte("x"))
	s.Provide("shared", stream)

	for i, f := range futures {
		r, err := f.Wait(time.Second)
		if err != nil {
			t.Fatalf("%s - reader %d failed: %v", storeTestPrefix, i, err)
		}
		if r != stream {
			t.Errorf("%s - reader %d got a different stream", storeTestPrefix, i)
		}
	}
}

func TestStore_ReaderTimeout(t *testing.T) {
	s := NewStore(time.Minute)

	start := time.Now()
	_, err := s.RequestReader("A1").Wait(500 * time.Millisecond)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrReaderTimeout) {
		t.Fatalf("%s - expected ErrReaderTimeout, got %v", storeTestPrefix, err)
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("%s - timeout should be an ErrUnavailable", storeTestPrefix)
	}
	if errors.Is(err, ErrReclaimed) || errors.Is(err, ErrReleased) {
		t.Errorf("%s - timeout must be distinct from reclaimed and released", storeTestPrefix)
	}
	if elapsed < 500*time.Millisecond {
		t.Errorf("%s - Wait returned early after %v", storeTestPrefix, elapsed)
	}
	if elapsed > 2*time.Second {
		t.Errorf("%s - Wait took too long: %v", storeTestPrefix, elapsed)
	}
}

func TestStore_ReaderTimeoutKeepsSlot(t *testing.T) {
	s := NewStore(time.Minute)

	f := s.RequestReader("A1")
	if _, err := f.Wait(10 * time.Millisecond); !errors.Is(err, ErrReaderTimeout) {
		t.Fatalf("%s - expected timeout, got %v", storeTestPrefix, err)
	}

	s.Provide("A1", bytes.NewReader([]byte("late")))
	r, err := f.Wait(time.Second)
	if err != nil {
		t.Fatalf("%s - retry after provide failed: %v", storeTestPrefix, err)
	}
	if got := readAll(t, r); got != "late" {
		t.Errorf("%s - got %q, want late", storeTestPrefix, got)
	}
}

func TestStore_ReleaseFailsWaitingReader(t *testing.T) {
	s := NewStore(time.Minute)

	f := s.RequestReader("A1")
	errCh := make(chan error, 1)
	go func() {
		_, err := f.Wait(5 * time.Second)
		errCh <- err
	}()

	if !s.Release("A1") {
		t.Fatalf("%s - Release should report an existing slot", storeTestPrefix)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrReleased) {
			t.Errorf("%s - expected ErrReleased, got %v", storeTestPrefix, err)
		}
		if errors.Is(err, ErrReaderTimeout) || errors.Is(err, ErrReclaimed) {
			t.Errorf("%s - released must be distinct from timeout and reclaimed", storeTestPrefix)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("%s - waiting reader hung after release", storeTestPrefix)
	}

	if s.Len() != 0 {
		t.Errorf("%s - Len = %d after release, want 0", storeTestPrefix, s.Len())
	}
	if s.Release("A1") {
		t.Errorf("%s - second Release should report no slot", storeTestPrefix)
	}
}

func TestStore_ReleaseAfterFulfillKeepsResolvedFutures(t *testing.T) {
	s := NewStore(time.Minute)

	f := s.RequestReader("A1")
	s.Provide("A1", bytes.NewReader([]byte("data")))
	s.Release("A1")

	r, err := f.Wait(time.Second)
	if err != nil {
		t.Fatalf("%s - resolved future should keep its stream, got %v", storeTestPrefix, err)
	}
	if got := readAll(t, r); got != "data" {
		t.Errorf("%s - got %q, want data", storeTestPrefix, got)
	}

	if _, ok, _ := s.RequestReader("A1").TryResult(); ok {
		t.Errorf("%s - request after release should create a fresh pending slot", storeTestPrefix)
	}
}

func TestStore_ReclaimFailsPendingReader(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(time.Minute, WithClock(clock.Now))

	f := s.RequestReader("old")
	clock.Advance(2 * time.Minute)
	s.Provide("new", bytes.NewReader(nil))

	_, err := f.Wait(time.Second)
	if !errors.Is(err, ErrReclaimed) {
		t.Fatalf("%s - expected ErrReclaimed, got %v", storeTestPrefix, err)
	}
	if errors.Is(err, ErrReaderTimeout) || errors.Is(err, ErrReleased) {
		t.Errorf("%s - reclaimed must be distinct from timeout and released", storeTestPrefix)
	}
	if s.Len() != 1 {
		t.Errorf("%s - Len = %d, want 1", storeTestPrefix, s.Len())
	}
}

func TestStore_EvictionOldestFirst(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(10*time.Second, WithClock(clock.Now))

	a := s.RequestReader("A")
	clock.Advance(time.Second)
	b := s.RequestReader("B")
	clock.Advance(time.Second)
	c := s.RequestReader("C")

	// A is 11s old, B 10s, C 9s.
	clock.Advance(9 * time.Second)
	s.Provide("trigger", bytes.NewReader(nil))

	if _, ok, err := a.TryResult(); !ok || !errors.Is(err, ErrReclaimed) {
		t.Errorf("%s - A should be reclaimed, ok=%v err=%v", storeTestPrefix, ok, err)
	}
	if _, ok, err := b.TryResult(); !ok || !errors.Is(err, ErrReclaimed) {
		t.Errorf("%s - B should be reclaimed, ok=%v err=%v", storeTestPrefix, ok, err)
	}
	if _, ok, _ := c.TryResult(); ok {
		t.Errorf("%s - C is within the TTL and must stay pending", storeTestPrefix)
	}
}

func TestStore_EvictionMonotonic(t *testing.T) {
	clock := newFakeClock()
	ttl := 5 * time.Second
	s := NewStore(ttl, WithClock(clock.Now))

	const n = 20
	futures := make([]*Future, n)
	for i := 0; i < n; i++ {
		futures[i] = s.RequestReader(fmt.Sprintf("slot-%02d", i))
		clock.Advance(time.Second)
	}

	for step := 0; step < n; step++ {
		s.Reclaim()
		// Once a younger slot is evicted, every older one must be evicted as well.
		seenPending := false
		for i, f := range futures {
			_, done, _ := f.TryResult()
			if !done {
				seenPending = true
				continue
			}
			if seenPending {
				t.Fatalf("%s - slot %d evicted while an older slot is still pending", storeTestPrefix, i)
			}
		}
		clock.Advance(time.Second)
	}
}

func TestStore_ZeroTTLEvictsOnNextScan(t *testing.T) {
	s := NewStore(0)

	waiting := s.RequestReader("A")
	s.Provide("B", bytes.NewReader([]byte("b")))

	if _, ok, err := waiting.TryResult(); !ok || !errors.Is(err, ErrReclaimed) {
		t.Errorf("%s - pending slot A should be reclaimed by the scan, ok=%v err=%v", storeTestPrefix, ok, err)
	}

	r, err := s.RequestReader("B").Wait(time.Second)
	if err != nil {
		t.Fatalf("%s - B should still be readable before the next scan: %v", storeTestPrefix, err)
	}
	if got := readAll(t, r); got != "b" {
		t.Errorf("%s - got %q, want b", storeTestPrefix, got)
	}

	s.Provide("C", bytes.NewReader(nil))
	if _, ok, _ := s.RequestReader("B").TryResult(); ok {
		t.Errorf("%s - B should have been evicted by the next scan", storeTestPrefix)
	}
}

func TestStore_WaitContextCanceled(t *testing.T) {
	s := NewStore(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.RequestReader("A1").WaitContext(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("%s - expected context.Canceled, got %v", storeTestPrefix, err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Errorf("%s - caller cancellation is not an attachment failure", storeTestPrefix)
	}
}

func TestStore_ConcurrentProducersAndConsumers(t *testing.T) {
	s := NewStore(time.Minute)

	const ids = 50
	var wg sync.WaitGroup
	results := make([]string, ids)

	for i := 0; i < ids; i++ {
		id := fmt.Sprintf("att-%d", i)
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r, err := s.RequestReader(id).Wait(5 * time.Second)
			if err != nil {
				t.Errorf("%s - reader %s failed: %v", storeTestPrefix, id, err)
				return
			}
			data, _ := io.ReadAll(r)
			results[i] = string(data)
		}(i)
		go func() {
			defer wg.Done()
			s.Provide(id, bytes.NewReader([]byte(id)))
		}()
	}
	wg.Wait()

	for i, got := range results {
		if want := fmt.Sprintf("att-%d", i); got != want {
			t.Errorf("%s - reader %d got %q, want %q", storeTestPrefix, i, got, want)
		}
	}
}

func TestStore_NegativeTTLClamped(t *testing.T) {
	if s := NewStore(-time.Second); s.TTL() != 0 {
		t.Errorf("%s - TTL = %v, want 0", storeTestPrefix, s.TTL())
	}
}
