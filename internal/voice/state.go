package voice

import (
	"fmt"
	"sync"
)

// State describes what the voice subsystem is doing right now.
// Exactly one value holds at any instant; mutation goes through the
// Coordinator only.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

// legalTransitions maps each state to the states it may move to.
// StateError is reachable from every state and exits only to StateIdle.
var legalTransitions = map[State][]State{
	StateIdle:       {StateListening, StateSpeaking, StateError},
	StateListening:  {StateProcessing, StateIdle, StateError},
	StateProcessing: {StateSpeaking, StateListening, StateIdle, StateError},
	StateSpeaking:   {StateIdle, StateError},
	StateError:      {StateIdle},
}

// stateMachine is a small deterministic FSM guarding the coordinator.
// A rejected transition never mutates the current state.
type stateMachine struct {
	mu    sync.RWMutex
	state State
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: StateIdle}
}

func (m *stateMachine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition moves to the target state if the transition table allows it.
func (m *stateMachine) Transition(to State) *Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == to {
		return nil
	}
	if !transitionAllowed(m.state, to) {
		return NewError(ErrInvalidStateTransition,
			fmt.Sprintf("transition %s -> %s is not allowed", m.state, to))
	}
	m.state = to
	return nil
}

// Reset forces the machine back to idle. Only cleanup paths use this;
// normal operation always goes through Transition.
func (m *stateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
}

func transitionAllowed(from, to State) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
