// Package statemachine implements the per-request deterministic lifecycle
// described by the engine's state table: IDLE, PENDING, RETRYING, SUCCESS,
// ERROR, CANCELLED. It is owned exclusively by the goroutine executing a
// single request, so it needs no internal synchronization -- the mutex
// discipline in this module is reserved for state shared across requests
// (breaker, dedupe map, integrity registry, metrics buffer).
package statemachine

import "github.com/resilientkit/client/errors"

// State is one of the six legal lifecycle states.
type State string

const (
	IDLE      State = "IDLE"
	PENDING   State = "PENDING"
	RETRYING  State = "RETRYING"
	SUCCESS   State = "SUCCESS"
	ERROR     State = "ERROR"
	CANCELLED State = "CANCELLED"
)

func (s State) String() string { return string(s) }

// transitions is the closed table of legal from->to edges. Anything not
// listed here fails with a DeterministicStateError.
var transitions = map[State]map[State]bool{
	IDLE: {
		PENDING:   true,
		CANCELLED: true,
	},
	PENDING: {
		SUCCESS:   true,
		ERROR:     true,
		RETRYING:  true,
		CANCELLED: true,
	},
	RETRYING: {
		PENDING:   true,
		SUCCESS:   true,
		ERROR:     true,
		CANCELLED: true,
	},
	SUCCESS:   {},
	ERROR:     {},
	CANCELLED: {},
}

// StateMachine tracks the lifecycle of a single in-flight request.
type StateMachine struct {
	current State
}

// New returns a machine born in IDLE.
func New() *StateMachine {
	return &StateMachine{current: IDLE}
}

// Current returns the machine's present state.
func (m *StateMachine) Current() State { return m.current }

// IsTerminal reports whether the current state has no outgoing edges.
func (m *StateMachine) IsTerminal() bool {
	edges, ok := transitions[m.current]
	return ok && len(edges) == 0
}

// Transition attempts to move the machine to "to". It fails synchronously
// with a DeterministicStateError if the edge is not in the table.
func (m *StateMachine) Transition(to State) error {
	edges, ok := transitions[m.current]
	if !ok || !edges[to] {
		return errors.NewDeterministicStateError(string(m.current), string(to))
	}
	m.current = to
	return nil
}
