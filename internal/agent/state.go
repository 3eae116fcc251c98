package agent

import (
	"errors"
	"fmt"
	"sync"
)

// State is a phase of the match capture lifecycle
type State int

const (
	StateWaitingForGame State = iota
	StateInGame
	StateWaitingForEOG
)

func (s State) String() string {
	switch s {
	case StateWaitingForGame:
		return "WAITING_FOR_GAME"
	case StateInGame:
		return "IN_GAME"
	case StateWaitingForEOG:
		return "WAITING_FOR_EOG"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions is the only path through a match: start, end, stats (or give up)
var validTransitions = map[State]State{
	StateWaitingForGame: StateInGame,
	StateInGame:         StateWaitingForEOG,
	StateWaitingForEOG:  StateWaitingForGame,
}

// StateMachine tracks the current state and rejects out-of-order transitions
type StateMachine struct {
	mu        sync.RWMutex
	current   State
	callbacks []func(from, to State)
}

// NewStateMachine returns a machine in WAITING_FOR_GAME
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateWaitingForGame}
}

// Current returns the current state
func (sm *StateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// CanTransition reports whether moving to the given state is allowed
func (sm *StateMachine) CanTransition(to State) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	next, ok := validTransitions[sm.current]
	return ok && next == to
}

// TransitionTo moves to the given state and fires callbacks. An invalid
// transition returns ErrInvalidTransition and leaves the state unchanged.
func (sm *StateMachine) TransitionTo(to State) error {
	sm.mu.Lock()
	from := sm.current
	if next, ok := validTransitions[from]; !ok || next != to {
		sm.mu.Unlock()
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	sm.current = to
	callbacks := append([]func(from, to State){}, sm.callbacks...)
	sm.mu.Unlock()

	for _, cb := range callbacks {
		cb(from, to)
	}
	return nil
}

// OnTransition registers a callback run after every successful transition
func (sm *StateMachine) OnTransition(cb func(from, to State)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.callbacks = append(sm.callbacks, cb)
}
