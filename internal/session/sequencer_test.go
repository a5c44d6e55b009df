package session

import (
	"sync"
	"testing"
	"time"
)

func TestNextStartsAtOneAndIncrements(t *testing.T) {
	s := NewSequencer()
	defer s.Close()

	for want := int64(1); want <= 3; want++ {
		if got := s.Next("s1"); got != want {
			t.Errorf("Next(s1) = %d, want %d", got, want)
		}
	}

	// A different session has its own counter.
	if got := s.Next("s2"); got != 1 {
		t.Errorf("Next(s2) = %d, want 1", got)
	}
}

func TestNextConcurrentStrictlyIncreasing(t *testing.T) {
	s := NewSequencer()
	defer s.Close()

	const workers = 16
	const perWorker = 50

	seen := make(chan int64, workers*perWorker)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				seen <- s.Next("shared")
			}
		}()
	}
	wg.Wait()
	close(seen)

	// Every value in [1, workers*perWorker] must appear exactly once.
	got := make(map[int64]bool, workers*perWorker)
	for v := range seen {
		if got[v] {
			t.Fatalf("sequence %d issued twice", v)
		}
		got[v] = true
	}
	for v := int64(1); v <= workers*perWorker; v++ {
		if !got[v] {
			t.Fatalf("sequence %d never issued", v)
		}
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	s := NewSequencer()
	defer s.Close()

	now := time.Now()
	s.now = func() time.Time { return now }

	s.Next("old")
	s.Next("fresh")

	// Advance the clock past the idle TTL, then touch one session.
	now = now.Add(idleTTL + time.Minute)
	s.Next("fresh")

	s.sweep()

	if s.Len() != 1 {
		t.Fatalf("after sweep: %d sessions, want 1", s.Len())
	}
	// The evicted session restarts at 1.
	if got := s.Next("old"); got != 1 {
		t.Errorf("resurrected session Next = %d, want 1", got)
	}
	// The surviving session keeps counting.
	if got := s.Next("fresh"); got != 3 {
		t.Errorf("surviving session Next = %d, want 3", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := NewSequencer()
	s.Close()
	s.Close()
}
