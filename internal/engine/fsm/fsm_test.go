package fsm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHappyPathTransitions(t *testing.T) {
	var events []TransitionEvent
	m := New("job-1", func(e TransitionEvent) { events = append(events, e) })

	require.NoError(t, m.Transition(WARMING_UP, nil))
	require.NoError(t, m.Transition(STARTING, nil))
	require.NoError(t, m.Transition(ENCODING, nil))
	require.NoError(t, m.Transition(FINALIZING, nil))
	require.NoError(t, m.Transition(DONE, nil))

	require.True(t, m.IsTerminal())
	require.Equal(t, DONE, m.GetState())
	require.Len(t, events, 5)
	require.True(t, events[4].Terminal)
}

func TestNoBackEdges(t *testing.T) {
	m := New("job-1", nil)
	require.NoError(t, m.Transition(WARMING_UP, nil))
	require.NoError(t, m.Transition(STARTING, nil))

	err := m.Transition(WARMING_UP, nil)
	require.Error(t, err)
	var ite *ErrInvalidTransition
	require.ErrorAs(t, err, &ite)
}

func TestTerminalIsWriteOnce(t *testing.T) {
	m := New("job-1", nil)
	require.NoError(t, m.Transition(WARMING_UP, nil))
	require.NoError(t, m.Transition(FAILED, nil))

	err := m.Transition(DONE, nil)
	require.Error(t, err)
	var tac *ErrTerminalAlreadyCommitted
	require.ErrorAs(t, err, &tac)
}

func TestAssertCanEmitProgress(t *testing.T) {
	m := New("job-1", nil)
	require.NoError(t, m.AssertCanEmitProgress())

	require.NoError(t, m.Transition(WARMING_UP, nil))
	require.NoError(t, m.Transition(CANCELLED, nil))

	require.ErrorIs(t, m.AssertCanEmitProgress(), ErrProgressAfterTerminal)
}

func TestAssertCanMutateMetrics(t *testing.T) {
	m := New("job-1", nil)
	require.NoError(t, m.Transition(WARMING_UP, nil))
	require.NoError(t, m.Transition(FAILED, nil))

	err := m.AssertCanMutateMetrics("perf")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrMetricsAfterTerminal)
}

func TestCancellationFromAnyNonTerminalState(t *testing.T) {
	for _, from := range []State{WARMING_UP, STARTING, ENCODING, FINALIZING} {
		m := New("job-1", nil)
		// Drive to `from`.
		path := []State{WARMING_UP, STARTING, ENCODING, FINALIZING}
		for _, s := range path {
			if m.GetState() == from {
				break
			}
			require.NoError(t, m.Transition(s, nil))
			if s == from {
				break
			}
		}
		require.NoError(t, m.Transition(CANCELLED, nil))
		require.Equal(t, CANCELLED, m.GetState())
	}
}
