package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resilientkit/client/errors"
)

func TestLegalTransitionsFollowHappyPaths(t *testing.T) {
	m := New()
	assert.Equal(t, IDLE, m.Current())
	require.NoError(t, m.Transition(PENDING))
	require.NoError(t, m.Transition(RETRYING))
	require.NoError(t, m.Transition(PENDING))
	require.NoError(t, m.Transition(SUCCESS))
	assert.True(t, m.IsTerminal())
}

func TestEachTerminalStateHasNoOutgoingEdges(t *testing.T) {
	for _, terminal := range []State{SUCCESS, ERROR, CANCELLED} {
		m := New()
		require.NoError(t, m.Transition(PENDING))
		require.NoError(t, m.Transition(terminal))
		assert.True(t, m.IsTerminal())
		err := m.Transition(PENDING)
		require.Error(t, err)
		assert.Equal(t, "DETERMINISTIC_STATE_ERROR", errors.CodeOf(err))
	}
}

func TestIllegalTransitionReportsFromAndTo(t *testing.T) {
	m := New()
	err := m.Transition(SUCCESS)
	require.Error(t, err)
	var dse *errors.DeterministicStateError
	require.ErrorAs(t, err, &dse)
	assert.Equal(t, "IDLE", dse.From)
	assert.Equal(t, "SUCCESS", dse.To)
}

func TestRetryingCanGoDirectlyToCancelled(t *testing.T) {
	m := New()
	require.NoError(t, m.Transition(PENDING))
	require.NoError(t, m.Transition(RETRYING))
	require.NoError(t, m.Transition(CANCELLED))
	assert.True(t, m.IsTerminal())
}
