// Package session runs one capture session: it configures the device, counts
// delivered frames and decides, exactly once, when capturing stops.
package session

import (
	"sync"
	"sync/atomic"

	"github.com/bryanchriswhite/capturetool/internal/stream"
)

// State is the mutable state shared by the frame sink, the interrupt bridge
// and the coordinator loop.
type State struct {
	mu     sync.Mutex
	counts map[stream.ID]uint64

	interrupted atomic.Bool
	reason      atomic.Pointer[string]
	wake        chan struct{}
}

// NewState returns an empty session state
func NewState() *State {
	return &State{
		counts: make(map[stream.ID]uint64),
		wake:   make(chan struct{}, 1),
	}
}

// RecordFrame counts one frame for id and returns the new count
func (s *State) RecordFrame(id stream.ID) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[id]++
	return s.counts[id]
}

// Count returns the frame count of id and whether any frame arrived for it
func (s *State) Count(id stream.ID) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.counts[id]
	return n, ok
}

// Counts returns a copy of every counter
func (s *State) Counts() map[stream.ID]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[stream.ID]uint64, len(s.counts))
	for id, n := range s.counts {
		out[id] = n
	}
	return out
}

// RequestShutdown marks the session interrupted and wakes the coordinator.
// It never blocks and takes no lock, so any goroutine may call it. Only the
// first call returns true.
func (s *State) RequestShutdown(reason string) bool {
	if !s.interrupted.CompareAndSwap(false, true) {
		return false
	}
	s.reason.Store(&reason)

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// Interrupted reports whether shutdown was requested
func (s *State) Interrupted() bool {
	return s.interrupted.Load()
}

// ShutdownReason returns the reason given by the first RequestShutdown call
func (s *State) ShutdownReason() string {
	if r := s.reason.Load(); r != nil {
		return *r
	}
	return ""
}

// Wake is signalled once when shutdown is requested
func (s *State) Wake() <-chan struct{} {
	return s.wake
}
