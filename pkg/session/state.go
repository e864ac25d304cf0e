package session

import (
	"sort"
	"time"
)

// Phase is the per-identity position in the attendance state machine.
type Phase int

const (
	// PhaseNotSeen means the identity has not been matched this session.
	PhaseNotSeen Phase = iota
	// PhaseMatched means the identity was matched but liveness is unproven.
	PhaseMatched
	// PhaseMarked is terminal: attendance was taken for this session.
	PhaseMarked
)

func (p Phase) String() string {
	switch p {
	case PhaseMatched:
		return "matched"
	case PhaseMarked:
		return "marked"
	default:
		return "not_seen"
	}
}

// State is the session-scoped attendance state. It is owned by the
// controller loop and never persisted.
type State struct {
	matched        map[string]bool
	marked         map[string]bool
	recentlyMarked map[string]time.Time
	// pending holds identities whose blink was confirmed but whose
	// attendance write has not yet succeeded.
	pending map[string]time.Time
}

// NewState returns an empty State.
func NewState() *State {
	return &State{
		matched:        make(map[string]bool),
		marked:         make(map[string]bool),
		recentlyMarked: make(map[string]time.Time),
		pending:        make(map[string]time.Time),
	}
}

// Phase returns the phase of name.
func (s *State) Phase(name string) Phase {
	switch {
	case s.marked[name]:
		return PhaseMarked
	case s.matched[name]:
		return PhaseMatched
	default:
		return PhaseNotSeen
	}
}

// Match moves name from not seen to matched. Marked identities are unchanged.
func (s *State) Match(name string) {
	if !s.marked[name] {
		s.matched[name] = true
	}
}

// IsMarked reports whether name was marked this session.
func (s *State) IsMarked(name string) bool {
	return s.marked[name]
}

// SetPending records that name proved liveness at ts but was not persisted.
func (s *State) SetPending(name string, ts time.Time) {
	if _, ok := s.pending[name]; !ok {
		s.pending[name] = ts
	}
}

// IsPending reports whether name is waiting for a successful write.
func (s *State) IsPending(name string) bool {
	_, ok := s.pending[name]
	return ok
}

// Mark moves name to the terminal marked phase.
func (s *State) Mark(name string, ts time.Time) {
	delete(s.matched, name)
	delete(s.pending, name)
	s.marked[name] = true
	s.recentlyMarked[name] = ts
}

// ShowOverlay reports whether the confirmation overlay for name is still
// visible at now.
func (s *State) ShowOverlay(name string, now time.Time, d time.Duration) bool {
	ts, ok := s.recentlyMarked[name]
	if !ok {
		return false
	}
	return now.Sub(ts) < d
}

// Marked returns the marked identities sorted by name.
func (s *State) Marked() []string {
	names := make([]string, 0, len(s.marked))
	for name := range s.marked {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pending returns the identities still waiting for a successful write,
// sorted by name.
func (s *State) Pending() []string {
	names := make([]string, 0, len(s.pending))
	for name := range s.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
