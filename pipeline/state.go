package pipeline

import (
	"fmt"

	"github.com/skillgraph/rolepipe/api"
)

// stateTransitions is the complete workflow state machine. Absent edges
// are illegal; validation_error and degraded have no outgoing edges.
var stateTransitions = map[api.WorkflowState][]api.WorkflowState{
	api.StateQueued:          {api.StateProcessing, api.StateValidationError},
	api.StateProcessing:      {api.StateReady, api.StateDegraded, api.StateFailed},
	api.StateReady:           {api.StateStale},
	api.StateFailed:          {api.StateQueued},
	api.StateStale:           {api.StateQueued},
	api.StateDegraded:        {},
	api.StateValidationError: {},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to api.WorkflowState) bool {
	for _, next := range stateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and performs a state change. Illegal moves return
// an EXECUTION_ERROR; they indicate an orchestration defect, not bad
// input.
func Transition(from, to api.WorkflowState) (api.WorkflowState, error) {
	if !CanTransition(from, to) {
		return from, &api.Error{
			Code:        api.ErrCodeExecution,
			Message:     fmt.Sprintf("illegal state transition %s -> %s", from, to),
			Recoverable: false,
		}
	}
	return to, nil
}
