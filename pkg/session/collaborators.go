package session

import (
	"jsongle/pkg/protocol"

	"github.com/pkg/errors"
)

var (
	// ErrNoCurrentCall is returned by a local action when no call is in progress.
	ErrNoCurrentCall = errors.New("no current call")

	// ErrBusy is returned by Propose() while another call is current.
	ErrBusy = errors.New("a call is already in progress")

	// ErrIllegalTransition is returned by a local action the guard table refuses
	// in the current state of the call.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrUnknownCallback is returned by RegisterCallback() for an unknown slot
	// name or a function whose type doesn't match the slot.
	ErrUnknownCallback = errors.New("unknown callback")
)

// Transport delivers envelopes to the peer. The Handler registers itself as
// the receiver of inbound envelopes when it is created.
//
// Send is called inside the Handler's lane and must not wait on the network:
// queue the envelope and write it elsewhere (see: signal.Outbox).
type Transport interface {
	Send(*protocol.Message) error
	OnMessage(func(*protocol.Message))
}

// CallEvent is a lifecycle event reported to the CallStore.
type CallEvent string

const (
	CallEventInitiate CallEvent = "initiate"
	CallEventAnswer   CallEvent = "answer"
	CallEventRelease  CallEvent = "release"
)

// CallStore keeps the application's call list. It is notified of lifecycle
// events only and has no say in the state machine.
type CallStore interface {
	Dispatch(CallEvent)
}
