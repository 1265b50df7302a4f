package orchestration

import (
	"fmt"
	"slices"
)

var validTransitions = map[State][]State{
	StateInit:             {StateRoundRunning, StateHalted},
	StateRoundRunning:     {StateRoundAggregating, StateHalted},
	StateRoundAggregating: {StateParamUpdating, StateHalted},
	StateParamUpdating:    {StateBudgetCheck, StateHalted},
	StateBudgetCheck:      {StateRoundRunning, StateHalted},
	StateHalted:           {}, // Terminal state
}

// StateMachine tracks the orchestrator's position in the training loop.
type StateMachine struct {
	state   State
	history []State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{
		state:   StateInit,
		history: []State{StateInit},
	}
}

func (sm *StateMachine) State() State {
	return sm.state
}

// History lists every state entered, starting with INIT.
func (sm *StateMachine) History() []State {
	return slices.Clone(sm.history)
}

func (sm *StateMachine) ValidateTransition(from, to State) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}

	return slices.Contains(allowed, to)
}

func (sm *StateMachine) Transition(to State) error {
	if !sm.ValidateTransition(sm.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, sm.state, to)
	}
	sm.state = to
	sm.history = append(sm.history, to)

	return nil
}

func (sm *StateMachine) IsTerminalState(state State) bool {
	return state == StateHalted
}
