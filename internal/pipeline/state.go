package pipeline

import (
	"fmt"
	"time"
)

// State is a step of the per-request state machine.
type State int

const (
	StateReceived State = iota
	StateEmbedding
	StateRetrieving
	StateFingerprinting
	StateCacheLookup
	StateCacheHit
	StateCacheMiss
	StateGenerating
	StateCacheWrite
	StateResponded
	StateFailed
)

var stateNames = [...]string{
	StateReceived:       "RECEIVED",
	StateEmbedding:      "EMBEDDING",
	StateRetrieving:     "RETRIEVING",
	StateFingerprinting: "FINGERPRINTING",
	StateCacheLookup:    "CACHE_LOOKUP",
	StateCacheHit:       "CACHE_HIT",
	StateCacheMiss:      "CACHE_MISS",
	StateGenerating:     "GENERATING",
	StateCacheWrite:     "CACHE_WRITE",
	StateResponded:      "RESPONDED",
	StateFailed:         "FAILED",
}

// String returns the upper-case state name.
func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateResponded || s == StateFailed
}

// next lists the legal successors of each non-terminal state. FAILED is
// reachable from every non-terminal state and is not listed.
var next = map[State][]State{
	StateReceived:       {StateEmbedding},
	StateEmbedding:      {StateRetrieving},
	StateRetrieving:     {StateFingerprinting},
	StateFingerprinting: {StateCacheLookup},
	StateCacheLookup:    {StateCacheHit, StateCacheMiss},
	StateCacheHit:       {StateResponded},
	StateCacheMiss:      {StateGenerating},
	StateGenerating:     {StateCacheWrite},
	StateCacheWrite:     {StateResponded},
}

// CanTransition reports whether from → to is a legal step.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stageName maps work-carrying states to the stage label used in latency
// reports.
func stageName(s State) string {
	switch s {
	case StateEmbedding:
		return "embedding"
	case StateRetrieving:
		return "retrieval"
	case StateFingerprinting:
		return "fingerprint"
	case StateCacheLookup:
		return "cache_lookup"
	case StateGenerating:
		return "generation"
	case StateCacheWrite:
		return "cache_write"
	default:
		return ""
	}
}

// trace walks one request through the state machine and times each stage.
type trace struct {
	states  []State
	entered time.Time
	latency map[string]time.Duration
}

func newTrace() *trace {
	return &trace{
		states:  []State{StateReceived},
		entered: time.Now(),
		latency: make(map[string]time.Duration),
	}
}

func (t *trace) current() State { return t.states[len(t.states)-1] }

// to moves the request to s. An illegal step is a programming error.
func (t *trace) to(s State) {
	cur := t.current()
	if !CanTransition(cur, s) {
		panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", cur, s))
	}
	now := time.Now()
	if name := stageName(cur); name != "" {
		t.latency[name] += now.Sub(t.entered)
	}
	t.entered = now
	t.states = append(t.states, s)
}
