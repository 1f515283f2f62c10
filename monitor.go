package offline

import (
	"sort"
	"sync"
	"sync/atomic"
)

// NetworkMonitor reports connectivity.
type NetworkMonitor interface {
	// IsOnline returns current connectivity.
	IsOnline() bool

	// OnOnline registers handler to be called on every offline to online transition.
	OnOnline(handler func()) (unsubscribe func())
}

// AlwaysOnline is a NetworkMonitor that never goes offline.
type AlwaysOnline struct{}

var _ NetworkMonitor = AlwaysOnline{}

// IsOnline returns true.
func (AlwaysOnline) IsOnline() bool { return true }

// OnOnline never calls handler.
func (AlwaysOnline) OnOnline(func()) func() { return func() {} }

// Switch is a NetworkMonitor driven by explicit state updates.
//
// It is used directly by applications that learn connectivity from the platform,
// and as a building block of probing monitors.
type Switch struct {
	online atomic.Bool

	mu       sync.Mutex
	seq      uint64
	handlers map[uint64]func()
}

var _ NetworkMonitor = &Switch{}

// NewSwitch creates Switch with initial state.
func NewSwitch(online bool) *Switch {
	s := &Switch{handlers: make(map[uint64]func())}
	s.online.Store(online)

	return s
}

// IsOnline returns current state.
func (s *Switch) IsOnline() bool {
	return s.online.Load()
}

// OnOnline registers transition handler.
func (s *Switch) OnOnline(handler func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.handlers == nil {
		s.handlers = make(map[uint64]func())
	}

	s.seq++
	id := s.seq
	s.handlers[id] = handler

	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// SetOnline updates state and returns true if it has changed.
//
// Handlers are called synchronously in registration order on offline to online edge only.
func (s *Switch) SetOnline(online bool) bool {
	if s.online.Swap(online) == online {
		return false
	}

	if !online {
		return true
	}

	s.mu.Lock()
	ids := make([]uint64, 0, len(s.handlers))

	for id := range s.handlers {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	handlers := make([]func(), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.handlers[id])
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h()
	}

	return true
}
