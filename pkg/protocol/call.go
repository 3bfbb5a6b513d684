// Call keeps the state of one session between two peers and knows how to
// serialize itself into the envelope matching the transition it last went
// through (see: Jsongleze()).
//
// A Call does not check whether a transition is legal. Its owner looks the
// state-action up in the guard table (see: IsValidTransition()) before calling
// the corresponding method. Every transition method takes the authoritative
// time: the peer reported one for remote events, the current time otherwise.
//
// A Call is not safe for concurrent use.

package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Termination tells how an ended Call was brought down.
type Termination string

const (
	TerminationDeclined   Termination = "declined"
	TerminationRetracted  Termination = "retracted"
	TerminationTerminated Termination = "terminated"
	TerminationAborted    Termination = "aborted"
)

const ReasonIncorrectState Reason = "incorrect-state"

type Call struct {
	id        string
	from      string
	to        string
	media     Media
	direction Direction

	state       State
	last        StateAction
	termination Termination
	reason      Reason
	muted       bool

	localOffer  json.RawMessage
	remoteOffer json.RawMessage
	candidate   json.RawMessage
	custom      json.RawMessage
	customTag   Reason

	timestamps Timestamps
}

// Timestamps records when each kind of transition was first reached.
type Timestamps struct {
	Initiated   time.Time
	Tried       time.Time
	Rang        time.Time
	Proceeded   time.Time
	Offered     time.Time
	Established time.Time
	Activated   time.Time
	Muted       time.Time
	Unmuted     time.Time
	Ended       time.Time
}

// NewOutgoingCall creates a call proposed by this side with a fresh session id.
func NewOutgoingCall(from, to string, media Media) *Call {
	return &Call{
		id:        uuid.New().String(),
		from:      from,
		to:        to,
		media:     media,
		direction: DirectionOutgoing,
		state:     StateNew,
	}
}

// NewIncomingCall creates a call proposed by the peer. initiated is the time
// the peer reported in its proposal.
func NewIncomingCall(from, to string, media Media, sid string, initiated time.Time) *Call {
	c := &Call{
		id:        sid,
		from:      from,
		to:        to,
		media:     media,
		direction: DirectionIncoming,
		state:     StateProposed,
		last:      StatePropose,
	}

	setOnce(&c.timestamps.Initiated, initiated)

	return c
}

func (c *Call) ID() string               { return c.id }
func (c *Call) From() string             { return c.from }
func (c *Call) To() string               { return c.to }
func (c *Call) Media() Media             { return c.media }
func (c *Call) Direction() Direction     { return c.direction }
func (c *Call) State() State             { return c.state }
func (c *Call) Termination() Termination { return c.termination }
func (c *Call) Reason() Reason           { return c.reason }
func (c *Call) Muted() bool              { return c.muted }
func (c *Call) LocalOffer() json.RawMessage {
	return c.localOffer
}
func (c *Call) RemoteOffer() json.RawMessage {
	return c.remoteOffer
}
func (c *Call) Timestamps() Timestamps { return c.timestamps }

// Ended reports whether the call reached its terminal state.
func (c *Call) Ended() bool {
	return c.state == StateEnded
}

// Local returns the identifier of this side of the call.
func (c *Call) Local() string {
	if c.direction == DirectionOutgoing {
		return c.from
	}

	return c.to
}

// Peer returns the identifier of the other side of the call.
func (c *Call) Peer() string {
	if c.direction == DirectionOutgoing {
		return c.to
	}

	return c.from
}

func (c *Call) Propose(at time.Time) *Call {
	c.state = StateProposed
	c.last = StatePropose
	setOnce(&c.timestamps.Initiated, at)

	return c
}

func (c *Call) Trying(at time.Time) *Call {
	c.state = StateTrying
	c.last = StateTry
	setOnce(&c.timestamps.Tried, at)

	return c
}

func (c *Call) Ringing(at time.Time) *Call {
	c.state = StateRinging
	c.last = StateRing
	setOnce(&c.timestamps.Rang, at)

	return c
}

func (c *Call) Proceed(at time.Time) *Call {
	c.state = StateProceeded
	c.last = StateProceed
	setOnce(&c.timestamps.Proceeded, at)

	return c
}

// Initiate stores the offer made by the caller: it is the local one for an
// outgoing call and the remote one for an incoming call.
func (c *Call) Initiate(offer json.RawMessage, at time.Time) *Call {
	if c.direction == DirectionOutgoing {
		c.localOffer = offer
	} else {
		c.remoteOffer = offer
	}

	c.state = StateOffering
	c.last = StateInitiate
	setOnce(&c.timestamps.Offered, at)

	return c
}

// Accept stores the answer made by the callee.
func (c *Call) Accept(answer json.RawMessage, at time.Time) *Call {
	if c.direction == DirectionIncoming {
		c.localOffer = answer
	} else {
		c.remoteOffer = answer
	}

	c.state = StateOffering
	c.last = StateAccept
	setOnce(&c.timestamps.Offered, at)

	return c
}

// Transport relays a connectivity candidate. The first one moves an offering
// call to establishing, later ones leave the state as it is.
func (c *Call) Transport(candidate json.RawMessage, at time.Time) *Call {
	if c.state == StateOffering {
		c.state = StateEstablishing
	}

	c.candidate = candidate
	c.last = StateTransport
	setOnce(&c.timestamps.Established, at)

	return c
}

func (c *Call) Activate(at time.Time) *Call {
	c.state = StateActive
	c.last = StateActivate
	setOnce(&c.timestamps.Activated, at)

	return c
}

func (c *Call) Mute(at time.Time) *Call {
	c.state = StateMuted
	c.muted = true
	c.last = StateMute
	setOnce(&c.timestamps.Muted, at)

	return c
}

func (c *Call) Unmute(at time.Time) *Call {
	c.state = StateActive
	c.muted = false
	c.last = StateUnmute
	setOnce(&c.timestamps.Unmuted, at)

	return c
}

// Send records custom data exchanged over an active call.
func (c *Call) Send(tag Reason, payload json.RawMessage) *Call {
	c.custom = payload
	c.customTag = tag
	c.last = StateSend

	return c
}

func (c *Call) Decline(at time.Time) *Call {
	return c.end(StateDecline, TerminationDeclined, Reason(TerminationDeclined), at)
}

func (c *Call) Retract(at time.Time) *Call {
	return c.end(StateRetract, TerminationRetracted, Reason(TerminationRetracted), at)
}

func (c *Call) Terminate(at time.Time) *Call {
	return c.end(StateEnd, TerminationTerminated, Reason(TerminationTerminated), at)
}

// Abort ends the call for reason, kept verbatim.
func (c *Call) Abort(reason Reason, at time.Time) *Call {
	return c.end(StateUnreach, TerminationAborted, reason, at)
}

func (c *Call) end(sa StateAction, t Termination, reason Reason, at time.Time) *Call {
	c.state = StateEnded
	c.last = sa
	c.termination = t
	c.reason = reason
	setOnce(&c.timestamps.Ended, at)

	return c
}

// Jsongleze builds the envelope for the transition the call last went
// through. A non-empty reason overrides the default one.
func (c *Call) Jsongleze(reason ...Reason) *Message {
	j := &Jsongle{SessionID: c.id}
	d := Description{}
	ts := c.timestamps

	switch c.last {
	case StatePropose:
		j.Action = ActionPropose
		d.Media = c.media
		d.Initiated = timeRef(ts.Initiated)
	case StateTry:
		j.Action, j.Reason = ActionInfo, ReasonTrying
		d.Tried = timeRef(ts.Tried)
	case StateRing:
		j.Action, j.Reason = ActionInfo, ReasonRinging
		d.Rang = timeRef(ts.Rang)
	case StateProceed:
		j.Action = ActionProceed
		d.Proceeded = timeRef(ts.Proceeded)
	case StateInitiate, StateAccept:
		j.Action = ActionInitiate
		if c.last == StateAccept {
			j.Action = ActionAccept
		}
		d.Offer = c.localOffer
		d.Offered = timeRef(ts.Offered)
	case StateTransport:
		j.Action = ActionTransport
		d.Candidate = c.candidate
		d.Established = timeRef(ts.Established)
	case StateActivate:
		j.Action, j.Reason = ActionInfo, ReasonActive
		d.Activated = timeRef(ts.Activated)
	case StateMute:
		j.Action, j.Reason = ActionInfo, ReasonMute
		d.Muted = timeRef(ts.Muted)
	case StateUnmute:
		j.Action, j.Reason = ActionInfo, ReasonUnmute
		d.Unmuted = timeRef(ts.Unmuted)
	case StateSend:
		j.Action, j.Reason = ActionCustom, c.customTag
		j.Description = c.custom
	default:
		c.jsonglezeEnded(j, &d)
	}

	if j.Action != ActionCustom {
		j.Description = encodeDescription(d)
	}

	if len(reason) > 0 && reason[0] != "" {
		j.Reason = reason[0]
	}

	return &Message{
		From:    c.Local(),
		To:      c.Peer(),
		Jsongle: j,
	}
}

func (c *Call) jsonglezeEnded(j *Jsongle, d *Description) {
	switch c.termination {
	case TerminationDeclined:
		j.Action = ActionDecline
	case TerminationRetracted:
		j.Action = ActionRetract
	case TerminationTerminated:
		j.Action = ActionTerminate
	default:
		j.Action = ActionInfo
		j.Reason = c.reason
	}

	if !c.timestamps.Ended.IsZero() {
		d.Ended = timeRef(c.timestamps.Ended)
	}
}

// setOnce keeps the first time a transition kind was reached.
func setOnce(dst *time.Time, at time.Time) {
	if dst.IsZero() {
		*dst = at
	}
}
