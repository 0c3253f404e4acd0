package network

import (
	"fmt"
	"sync"
)

// ClientState is the lifecycle stage of one control connection.
type ClientState int

const (
	StateAwaitingJoin ClientState = iota
	StateActive
	StateGracefulLeave
	StateTimeout
	StateError
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateAwaitingJoin:
		return "AWAITING_JOIN"
	case StateActive:
		return "ACTIVE"
	case StateGracefulLeave:
		return "GRACEFUL_LEAVE"
	case StateTimeout:
		return "TIMEOUT"
	case StateError:
		return "ERROR"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("ClientState(%d)", int(s))
}

var transitions = map[ClientState][]ClientState{
	StateAwaitingJoin:  {StateActive, StateClosed},
	StateActive:        {StateGracefulLeave, StateTimeout, StateError},
	StateGracefulLeave: {StateClosed},
	StateTimeout:       {StateClosed},
	StateError:         {StateClosed},
}

// CanTransition reports whether from → to is a legal step.
func CanTransition(from, to ClientState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// stateMachine guards the state of one connection. The reader goroutine
// and the heartbeat sweep may both try to end a connection; the first
// terminal transition wins.
type stateMachine struct {
	mu    sync.Mutex
	state ClientState
}

func (m *stateMachine) Current() ClientState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To moves to next if legal and returns whether it did.
func (m *stateMachine) To(next ClientState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.state, next) {
		return false
	}
	m.state = next
	return true
}
