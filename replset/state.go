package replset

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateUnreferenced State = "unreferenced"
	StateDestroyed    State = "destroyed"
)

var legalTransitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateDestroyed, StateDisconnected},
	StateConnecting:   {StateConnecting, StateDestroyed, StateConnected, StateDisconnected},
	StateConnected:    {StateConnected, StateDisconnected, StateDestroyed, StateUnreferenced},
	StateUnreferenced: {StateUnreferenced, StateDestroyed},
	StateDestroyed:    {StateDestroyed},
}

type IllegalTransitionError struct {
	TopologyID uint64
	From       State
	To         State
	Allowed    []State
}

func (e *IllegalTransitionError) Error() string {
	allowed := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		allowed[i] = string(s)
	}

	return fmt.Sprintf("replset %d failed attempted illegal state transition from %s to %s, only following states allowed [%s]",
		e.TopologyID, e.From, e.To, strings.Join(allowed, ", "))
}

func canTransition(from, to State) bool {
	return slices.Contains(legalTransitions[from], to)
}

// transitionLocked moves the topology to a new lifecycle state.  The state is
// left untouched if the transition is not legal.
func (rs *ReplSet) transitionLocked(newState State) error {
	if !canTransition(rs.state, newState) {
		return &IllegalTransitionError{
			TopologyID: rs.id,
			From:       rs.state,
			To:         newState,
			Allowed:    slices.Clone(legalTransitions[rs.state]),
		}
	}

	if rs.state != newState {
		rs.logger.Debug("topology state transition",
			zap.String("from", string(rs.state)),
			zap.String("to", string(newState)))

		rs.metrics.StateTransitions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("state", string(newState))))
	}

	rs.state = newState
	return nil
}

// isClosedLocked reports whether continuations must stop acting on results.
func (rs *ReplSet) isClosedLocked() bool {
	return rs.state == StateDestroyed || rs.state == StateUnreferenced
}
