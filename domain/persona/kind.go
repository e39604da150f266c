// Package persona keeps a session-scoped graph of correlated entities with
// lifecycle state machines, so generated data stays coherent across
// endpoints within a session.
package persona

import (
	"time"

	"github.com/mockforge/mockforge/domain/spec"
)

// State is one lifecycle state of an entity kind.
type State string

// Transition is a directed FSM edge with optional guards.
type Transition struct {
	From    State
	To      State
	Trigger string
	// MinElapsed gates the transition on virtual time spent in From.
	MinElapsed time.Duration
	// Counter/MinCount gate the transition on an entity counter threshold.
	Counter  string
	MinCount int
}

// FSM is the lifecycle machine of an entity kind.
type FSM struct {
	Initial     State
	Terminal    []State
	Transitions []Transition
}

func (f *FSM) isTerminal(s State) bool {
	for _, t := range f.Terminal {
		if t == s {
			return true
		}
	}
	return false
}

// Kind defines an entity kind: its attribute schema, lifecycle machine,
// state-dependent attribute overrides, and allowed relations.
type Kind struct {
	Name string
	// Attributes maps attribute name to its schema; generation is
	// deterministic per (session, entity, attribute).
	Attributes map[string]*spec.Schema
	Lifecycle  *FSM
	// Overrides force attribute values while the entity is in a given
	// state (e.g. ChurnRisk => discount_offer_available=true).
	Overrides map[State]map[string]interface{}
	// Relations maps relation name to the child kind it may point at.
	Relations map[string]string
}
