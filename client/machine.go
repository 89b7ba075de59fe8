package client

import (
	"errors"
	"fmt"
)

// State is the connection state shown to the user.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	// Failed is terminal until Reconnect is called.
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Trigger is an input to the connection state machine.
type Trigger int

const (
	TriggerStart Trigger = iota
	TriggerDialed
	TriggerDialFailed
	TriggerDropped
	// TriggerRetry fires when the backoff delay has elapsed.
	TriggerRetry
	TriggerManualReconnect
)

func (t Trigger) String() string {
	switch t {
	case TriggerStart:
		return "start"
	case TriggerDialed:
		return "dialed"
	case TriggerDialFailed:
		return "dialFailed"
	case TriggerDropped:
		return "dropped"
	case TriggerRetry:
		return "retry"
	case TriggerManualReconnect:
		return "manualReconnect"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// Action tells the driver what to do after a transition.
type Action int

const (
	ActionNone Action = iota
	ActionDial
	// ActionWait means wait Backoff.Delay(Attempts()) then fire TriggerRetry.
	ActionWait
	// ActionGiveUp means stop retrying until TriggerManualReconnect.
	ActionGiveUp
)

// ErrInvalidTransition is returned for a trigger the current state does not accept.
var ErrInvalidTransition = errors.New("invalid transition")

// Machine is the reconnection state machine. The attempt counter counts
// redials since the last successful connect. It is not safe for concurrent use.
type Machine struct {
	state       State
	attempts    int
	maxAttempts int
}

// NewMachine returns a machine in Disconnected that gives up after maxAttempts redials.
func NewMachine(maxAttempts int) *Machine {
	return &Machine{state: Disconnected, maxAttempts: maxAttempts}
}

func (m *Machine) State() State  { return m.state }
func (m *Machine) Attempts() int { return m.attempts }

// Fire applies t and returns the follow-up action.
func (m *Machine) Fire(t Trigger) (Action, error) {
	switch {
	case t == TriggerManualReconnect && (m.state == Disconnected || m.state == Failed):
		m.attempts = 0
		m.state = Connecting
		return ActionDial, nil
	case t == TriggerStart && m.state == Disconnected:
		m.state = Connecting
		return ActionDial, nil
	case t == TriggerRetry && m.state == Disconnected:
		m.attempts++
		m.state = Connecting
		return ActionDial, nil
	case t == TriggerDialed && m.state == Connecting:
		m.attempts = 0
		m.state = Connected
		return ActionNone, nil
	case t == TriggerDialFailed && m.state == Connecting,
		t == TriggerDropped && m.state == Connected:
		return m.enterDisconnected(), nil
	}
	return ActionNone, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, t, m.state)
}

func (m *Machine) enterDisconnected() Action {
	if m.attempts >= m.maxAttempts {
		m.state = Failed
		return ActionGiveUp
	}
	m.state = Disconnected
	return ActionWait
}
