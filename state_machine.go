package gocometd

import (
	"context"
	"sync"
)

// StateRepresentation represents the current state of a connection as a
// string
type StateRepresentation string

const (
	unconnected int32 = iota
	connecting
	connected
	closed
)

var stateNames = []string{"unconnected", "connecting", "connected", "closed"}

func stateName(state int32) string {
	s := int(state)
	if s < 0 || s >= len(stateNames) {
		return "unknown"
	}

	return stateNames[s]
}

const (
	unconnectedRepr StateRepresentation = "UNCONNECTED"
	connectingRepr  StateRepresentation = "CONNECTING"
	connectedRepr   StateRepresentation = "CONNECTED"
	closedRepr      StateRepresentation = "CLOSED"
)

// Event represents an event that can change the state of a state machine
type Event string

const (
	handshakeSent         Event = "handshake request sent"
	successfullyConnected Event = "successful connect response"
	connectionLost        Event = "connect request failed"
	disconnectSent        Event = "disconnect request sent"
	transportClosed       Event = "transport closed"
)

// ConnectionStateMachine manages a transport's connection state. Transitions
// can be awaited: the session's connectivity watchdog blocks on the
// connecting and connected states while a receive is pending.
//
// See also: https://docs.cometd.org/current/reference/#_client_state_table
type ConnectionStateMachine struct {
	mu           sync.Mutex
	currentState int32
	arrivals     map[int32]chan struct{}
}

// NewConnectionStateMachine creates a new ConnectionStateMachine to manage a
// connection's state
func NewConnectionStateMachine() *ConnectionStateMachine {
	return &ConnectionStateMachine{
		currentState: unconnected,
		arrivals: map[int32]chan struct{}{
			unconnected: make(chan struct{}),
			connecting:  make(chan struct{}),
			connected:   make(chan struct{}),
			closed:      make(chan struct{}),
		},
	}
}

// IsConnected reflects whether the connection is connected to the Bayeux
// server
func (csm *ConnectionStateMachine) IsConnected() bool {
	csm.mu.Lock()
	defer csm.mu.Unlock()
	return csm.currentState == connected
}

// CurrentState provides a string representation of the current state of the
// state machine
func (csm *ConnectionStateMachine) CurrentState() StateRepresentation {
	csm.mu.Lock()
	currentState := csm.currentState
	csm.mu.Unlock()
	switch currentState {
	case connecting:
		return connectingRepr
	case connected:
		return connectedRepr
	case closed:
		return closedRepr
	default:
		return unconnectedRepr
	}
}

// ProcessEvent handles an event
func (csm *ConnectionStateMachine) ProcessEvent(e Event) error {
	csm.mu.Lock()
	defer csm.mu.Unlock()
	switch e {
	case handshakeSent:
		if csm.currentState != unconnected {
			return newBadHandshake(csm.currentState, unconnected, connecting)
		}
		csm.transition(connecting)
	case successfullyConnected:
		if csm.currentState != connecting {
			return newBadConnect(csm.currentState, connecting, connected)
		}
		csm.transition(connected)
	case connectionLost:
		if csm.currentState == connected {
			csm.transition(connecting)
		}
	case disconnectSent:
		if csm.currentState == connected || csm.currentState == connecting {
			csm.transition(unconnected)
		}
	case transportClosed:
		if csm.currentState != closed {
			csm.transition(closed)
		}
	default:
		return UnknownEventTypeError{e}
	}
	return nil
}

// transition must be called with csm.mu held. Entering a state wakes every
// waiter parked on it.
func (csm *ConnectionStateMachine) transition(state int32) {
	csm.currentState = state
	close(csm.arrivals[state])
	csm.arrivals[state] = make(chan struct{})
}

// WaitForConnecting suspends the caller until the machine is in the
// connecting state or the context is cancelled.
func (csm *ConnectionStateMachine) WaitForConnecting(ctx context.Context) error {
	return csm.waitFor(ctx, connecting)
}

// WaitForConnected suspends the caller until the machine is in the connected
// state or the context is cancelled.
func (csm *ConnectionStateMachine) WaitForConnected(ctx context.Context) error {
	return csm.waitFor(ctx, connected)
}

func (csm *ConnectionStateMachine) waitFor(ctx context.Context, state int32) error {
	for {
		csm.mu.Lock()
		if csm.currentState == state {
			csm.mu.Unlock()
			return nil
		}
		arrival := csm.arrivals[state]
		csm.mu.Unlock()

		select {
		case <-arrival:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
