package liveness

// Transition is the outcome of feeding one EAR observation to the tracker.
type Transition int

const (
	// TransitionNone means the observation changed nothing.
	TransitionNone Transition = iota
	// TransitionClosed means the eyes were seen closed.
	TransitionClosed
	// TransitionConfirmed means the eyes reopened after being closed: a blink.
	TransitionConfirmed
)

func (t Transition) String() string {
	switch t {
	case TransitionClosed:
		return "closed"
	case TransitionConfirmed:
		return "confirmed"
	default:
		return "none"
	}
}

// Tracker keeps per-identity blink state. It is not safe for concurrent use;
// the session loop owns it.
type Tracker struct {
	threshold float64
	closed    map[string]bool
}

// NewTracker returns a Tracker. A non-positive threshold selects
// DefaultEARThreshold.
func NewTracker(threshold float64) *Tracker {
	if threshold <= 0 {
		threshold = DefaultEARThreshold
	}
	return &Tracker{
		threshold: threshold,
		closed:    make(map[string]bool),
	}
}

// Threshold returns the closed-eye EAR threshold.
func (t *Tracker) Threshold() float64 {
	return t.threshold
}

// Observe records an EAR value for name. A blink is confirmed when an
// observation at or above the threshold follows one below it.
func (t *Tracker) Observe(name string, ear float64) Transition {
	if ear < t.threshold {
		t.closed[name] = true
		return TransitionClosed
	}
	if t.closed[name] {
		delete(t.closed, name)
		return TransitionConfirmed
	}
	return TransitionNone
}

// EyesClosed reports whether name's eyes were last seen closed.
func (t *Tracker) EyesClosed(name string) bool {
	return t.closed[name]
}

// Forget drops any state held for name.
func (t *Tracker) Forget(name string) {
	delete(t.closed, name)
}
