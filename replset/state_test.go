package replset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReplSet(t *testing.T) *ReplSet {
	rs, err := New([]Seed{{Host: "localhost", Port: 27017}}, &Options{
		NodeFactory: NodeFactoryFunc(func(opts *NodeOptions) (Node, error) {
			return nil, assert.AnError
		}),
	})
	require.NoError(t, err)
	return rs
}

func TestStateTransitions(t *testing.T) {
	all := []State{
		StateDisconnected,
		StateConnecting,
		StateConnected,
		StateUnreferenced,
		StateDestroyed,
	}

	legal := map[State]map[State]bool{
		StateDisconnected: {StateConnecting: true, StateDestroyed: true, StateDisconnected: true},
		StateConnecting:   {StateConnecting: true, StateDestroyed: true, StateConnected: true, StateDisconnected: true},
		StateConnected:    {StateConnected: true, StateDisconnected: true, StateDestroyed: true, StateUnreferenced: true},
		StateUnreferenced: {StateUnreferenced: true, StateDestroyed: true},
		StateDestroyed:    {StateDestroyed: true},
	}

	for _, from := range all {
		for _, to := range all {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				rs := newTestReplSet(t)
				rs.state = from

				err := rs.transitionLocked(to)
				if legal[from][to] {
					require.NoError(t, err)
					assert.Equal(t, to, rs.state)
					return
				}

				var transitionErr *IllegalTransitionError
				require.ErrorAs(t, err, &transitionErr)
				assert.Equal(t, from, transitionErr.From)
				assert.Equal(t, to, transitionErr.To)
				assert.Equal(t, from, rs.state)
			})
		}
	}
}

func TestIllegalTransitionMessage(t *testing.T) {
	err := &IllegalTransitionError{
		TopologyID: 7,
		From:       StateDestroyed,
		To:         StateConnecting,
		Allowed:    []State{StateDestroyed},
	}

	assert.Equal(t,
		"replset 7 failed attempted illegal state transition from destroyed to connecting, only following states allowed [destroyed]",
		err.Error())
}

func TestIsClosed(t *testing.T) {
	rs := newTestReplSet(t)

	rs.state = StateConnected
	assert.False(t, rs.isClosedLocked())

	rs.state = StateUnreferenced
	assert.True(t, rs.isClosedLocked())

	rs.state = StateDestroyed
	assert.True(t, rs.isClosedLocked())
}
