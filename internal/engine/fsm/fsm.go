// Package fsm implements the engine lifecycle state machine described in
// spec.md §4.5, grounded on the State-enum-with-String()-and-atomic-storage
// idiom in tomtom215-lyrebirdaudio-go's internal/stream.Manager (see
// DESIGN.md).
package fsm

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// State is one of the typed lifecycle states.
type State int

const (
	IDLE State = iota
	WARMING_UP
	STARTING
	ENCODING
	FINALIZING
	DONE
	FAILED
	CANCELLED
)

func (s State) String() string {
	switch s {
	case IDLE:
		return "IDLE"
	case WARMING_UP:
		return "WARMING_UP"
	case STARTING:
		return "STARTING"
	case ENCODING:
		return "ENCODING"
	case FINALIZING:
		return "FINALIZING"
	case DONE:
		return "DONE"
	case FAILED:
		return "FAILED"
	case CANCELLED:
		return "CANCELLED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// IsTerminal reports whether s is one of the terminal states.
func (s State) IsTerminal() bool {
	switch s {
	case DONE, FAILED, CANCELLED:
		return true
	default:
		return false
	}
}

// transitions is the forward-only allowed-successor table from spec §2/§3.
// No back-edges; terminal states have no successors.
var transitions = map[State][]State{
	IDLE:        {WARMING_UP},
	WARMING_UP:  {STARTING, FAILED, CANCELLED},
	STARTING:    {ENCODING, FAILED, CANCELLED},
	ENCODING:    {FINALIZING, FAILED, CANCELLED},
	FINALIZING:  {DONE, FAILED, CANCELLED},
	DONE:        {},
	FAILED:      {},
	CANCELLED:   {},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when a transition is not in the allowed
// successor set.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ErrTerminalAlreadyCommitted is returned after the first terminal entry.
type ErrTerminalAlreadyCommitted struct {
	Terminal State
}

func (e *ErrTerminalAlreadyCommitted) Error() string {
	return fmt.Sprintf("terminal state %s already committed", e.Terminal)
}

// ErrProgressAfterTerminal is returned by AssertCanEmitProgress once the
// state is terminal.
var ErrProgressAfterTerminal = fmt.Errorf("progress emission after terminal state")

// ErrMetricsAfterTerminal is returned by AssertCanMutateMetrics once the
// state is terminal.
var ErrMetricsAfterTerminal = fmt.Errorf("metrics mutation after terminal state")

// TransitionEvent is passed synchronously to the observer callback.
type TransitionEvent struct {
	JobID    string
	From     State
	To       State
	Terminal bool
	Meta     map[string]any
}

// Observer is invoked synchronously on every committed transition.
type Observer func(TransitionEvent)

// Machine is the job-scoped FSM instance. One Machine is owned exclusively
// by the orchestrator for the lifetime of a single job (spec §3 Ownership).
type Machine struct {
	jobID string
	mu    sync.Mutex
	state State
	term  atomic.Bool

	observer Observer
}

// New creates a Machine in IDLE for the given job.
func New(jobID string, observer Observer) *Machine {
	return &Machine{jobID: jobID, state: IDLE, observer: observer}
}

// GetState returns the current state.
func (m *Machine) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsTerminal reports whether the machine has committed a terminal state.
func (m *Machine) IsTerminal() bool {
	return m.term.Load()
}

// Transition attempts to move the machine to next, failing with
// ErrInvalidTransition or ErrTerminalAlreadyCommitted as appropriate. On
// success the observer is invoked synchronously before Transition returns.
func (m *Machine) Transition(next State, meta map[string]any) error {
	m.mu.Lock()
	from := m.state
	if from.IsTerminal() {
		m.mu.Unlock()
		return &ErrTerminalAlreadyCommitted{Terminal: from}
	}
	if !allowed(from, next) {
		m.mu.Unlock()
		return &ErrInvalidTransition{From: from, To: next}
	}
	m.state = next
	terminal := next.IsTerminal()
	if terminal {
		m.term.Store(true)
	}
	m.mu.Unlock()

	if m.observer != nil {
		m.observer(TransitionEvent{JobID: m.jobID, From: from, To: next, Terminal: terminal, Meta: meta})
	}
	return nil
}

// AssertCanEmitProgress guards every progress emission per spec §4.5.
func (m *Machine) AssertCanEmitProgress() error {
	if m.IsTerminal() {
		return ErrProgressAfterTerminal
	}
	return nil
}

// AssertCanMutateMetrics guards every perf-snapshot mutation per spec §4.5.
func (m *Machine) AssertCanMutateMetrics(label string) error {
	if m.IsTerminal() {
		return fmt.Errorf("%s: %w", label, ErrMetricsAfterTerminal)
	}
	return nil
}
