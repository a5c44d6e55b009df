// Package session orders the calls of one client session. Sessions are
// client-chosen identifiers; the host keeps nothing but a per-session
// counter, so the state is process-local and safe to lose on restart.
package session

import (
	"sync"
	"time"
)

const (
	// idleTTL is how long a session may go unused before its counter is
	// reclaimed.
	idleTTL = time.Hour

	// sweepInterval is how often the background sweep runs.
	sweepInterval = 5 * time.Minute

	// sweepBudget bounds how many entries one sweep pass inspects, so a
	// large table cannot stall the sweeper.
	sweepBudget = 4096
)

type entry struct {
	seq      int64
	lastUsed time.Time
}

// Sequencer hands out strictly increasing sequence numbers per session
// id, starting at 1. Safe for concurrent use.
type Sequencer struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

func NewSequencer() *Sequencer {
	s := &Sequencer{
		entries: make(map[string]*entry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Next returns the next sequence number for sessionID. The first call
// for a session returns 1.
func (s *Sequencer) Next(sessionID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok {
		e = &entry{}
		s.entries[sessionID] = e
	}
	e.seq++
	e.lastUsed = s.now()
	return e.seq
}

// Len reports the number of tracked sessions.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the background sweep. Idempotent.
func (s *Sequencer) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sequencer) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep evicts sessions idle past the TTL, inspecting at most
// sweepBudget entries per pass. Map iteration order varies between
// passes, so survivors of one budgeted pass are candidates on the next.
func (s *Sequencer) sweep() {
	cutoff := s.now().Add(-idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	inspected := 0
	for id, e := range s.entries {
		if inspected++; inspected > sweepBudget {
			break
		}
		if e.lastUsed.Before(cutoff) {
			delete(s.entries, id)
		}
	}
}
