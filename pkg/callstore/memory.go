package callstore

import (
	"sync"

	"jsongle/pkg/session"
)

// Memory keeps the call list bookkeeping of a single process: the number of
// reserved call slots and every event received.
type Memory struct {
	mu       sync.Mutex
	reserved int
	history  []session.CallEvent
}

func NewMemory() *Memory {
	return &Memory{}
}

func (s *Memory) Dispatch(ev session.CallEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, ev)

	switch ev {
	case session.CallEventInitiate, session.CallEventAnswer:
		s.reserved++
	case session.CallEventRelease:
		if s.reserved > 0 {
			s.reserved--
		}
	}
}

// Reserved returns the number of call slots currently held.
func (s *Memory) Reserved() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reserved
}

func (s *Memory) History() []session.CallEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]session.CallEvent(nil), s.history...)
}
