package flow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialState(t *testing.T) {
	m := New()
	require.Equal(t, Initial, m.State())
	require.True(t, m.CanFire(Connect))
	require.False(t, m.CanFire(Sync))
}

func TestRecordingScenario(t *testing.T) {
	m := New()
	for _, e := range []Event{Connect, Disconnect, Connect, Start, Disconnect, Sync} {
		require.NoError(t, m.Fire(e), "firing %s", e)
	}
	require.Equal(t, Synced, m.State())
}

func TestEveryTableEntry(t *testing.T) {
	states := []State{Initial, Connected, Started, Finished, Synced}
	events := []Event{Connect, Disconnect, Start, Finish, Sync, Reset}

	expected := map[State]map[Event]State{
		Initial:   {Connect: Connected, Reset: Initial},
		Connected: {Disconnect: Initial, Start: Started, Reset: Initial},
		Started:   {Disconnect: Finished, Finish: Finished, Reset: Initial},
		Finished:  {Sync: Synced, Reset: Initial},
		Synced:    {Reset: Initial},
	}

	for _, s := range states {
		for _, e := range events {
			to, ok := route(s, e)
			want, valid := expected[s][e]
			assert.Equal(t, valid, ok, "%s --%s-->", s, e)
			if valid {
				assert.Equal(t, want, to, "%s --%s-->", s, e)
			}
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	var reported []error
	m := New(WithErrorHandler(func(err error) {
		reported = append(reported, err)
	}))

	err := m.Fire(Sync)
	require.Error(t, err)
	require.Equal(t, Initial, m.State())
	require.Len(t, reported, 1)

	var transitionErr *InvalidTransitionError
	require.True(t, errors.As(reported[0], &transitionErr))
	require.Equal(t, Initial, transitionErr.State)
	require.Equal(t, Sync, transitionErr.Event)
}

func TestResetFromAnyState(t *testing.T) {
	for _, path := range [][]Event{
		{},
		{Connect},
		{Connect, Start},
		{Connect, Start, Finish},
		{Connect, Start, Finish, Sync},
	} {
		m := New()
		for _, e := range path {
			require.NoError(t, m.Fire(e))
		}
		require.NoError(t, m.Fire(Reset))
		require.Equal(t, Initial, m.State())
	}
}

func TestObservers(t *testing.T) {
	m := New()

	type change struct {
		from, to State
		event    Event
	}
	var changes []change
	cancel := m.Subscribe(func(from State, event Event, to State) {
		changes = append(changes, change{from: from, to: to, event: event})
	})

	require.NoError(t, m.Fire(Connect))
	require.Error(t, m.Fire(Finish))
	require.NoError(t, m.Fire(Start))

	cancel()
	require.NoError(t, m.Fire(Finish))

	require.Equal(t, []change{
		{from: Initial, to: Connected, event: Connect},
		{from: Connected, to: Started, event: Start},
	}, changes)
	require.Equal(t, Finished, m.State())
}

func TestStrings(t *testing.T) {
	require.Equal(t, "finished", Finished.String())
	require.Equal(t, "reset", Reset.String())
	require.Equal(t, "state(42)", State(42).String())
}
