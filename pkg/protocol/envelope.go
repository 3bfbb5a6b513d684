package protocol

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ErrNoDescription is returned when an envelope has no description to decode.
var ErrNoDescription = errors.New("envelope has no description")

// Message is the transport agnostic envelope exchanged between peers.
type Message struct {
	From    string   `json:"from"`
	To      string   `json:"to"`
	Jsongle *Jsongle `json:"jsongle,omitempty"`
}

type Jsongle struct {
	Action    Action `json:"action"`
	Reason    Reason `json:"reason,omitempty"`
	SessionID string `json:"sid"`

	// Description is kept raw so that custom data reaches the application
	// unmodified. Use Message.Description() for the protocol fields.
	Description json.RawMessage `json:"description,omitempty"`
}

// Description holds the action dependent fields of an envelope. Offer and
// Candidate are relayed as is, never interpreted.
type Description struct {
	Media     Media           `json:"media,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Initiated   *time.Time `json:"initiated,omitempty"`
	Tried       *time.Time `json:"tried,omitempty"`
	Rang        *time.Time `json:"rang,omitempty"`
	Proceeded   *time.Time `json:"proceeded,omitempty"`
	Offered     *time.Time `json:"offered,omitempty"`
	Established *time.Time `json:"established,omitempty"`
	Activated   *time.Time `json:"activated,omitempty"`
	Muted       *time.Time `json:"muted,omitempty"`
	Unmuted     *time.Time `json:"unmuted,omitempty"`
	Ended       *time.Time `json:"ended,omitempty"`
}

func (m *Message) Description() (Description, error) {
	var d Description

	if m.Jsongle == nil || len(m.Jsongle.Description) == 0 {
		return d, ErrNoDescription
	}

	if err := json.Unmarshal(m.Jsongle.Description, &d); err != nil {
		return d, errors.Wrap(err, "description")
	}

	return d, nil
}

// Timestamp returns the peer reported time of the transition sa, if the
// envelope carries it.
func (d Description) Timestamp(sa StateAction) (time.Time, bool) {
	var ts *time.Time

	switch sa {
	case StatePropose:
		ts = d.Initiated
	case StateTry:
		ts = d.Tried
	case StateRing:
		ts = d.Rang
	case StateProceed:
		ts = d.Proceeded
	case StateInitiate, StateAccept:
		ts = d.Offered
	case StateTransport:
		ts = d.Established
	case StateActivate:
		ts = d.Activated
	case StateMute:
		ts = d.Muted
	case StateUnmute:
		ts = d.Unmuted
	case StateDecline, StateRetract, StateCancel, StateEnd, StateUnreach:
		ts = d.Ended
	}

	if ts == nil {
		return time.Time{}, false
	}

	return *ts, true
}

func timeRef(t time.Time) *time.Time {
	t = t.UTC()

	return &t
}

func encodeDescription(d Description) json.RawMessage {
	// Description holds only marshalable fields.
	b, _ := json.Marshal(d)

	return b
}

// Reply builds an envelope on m's session routed back to its sender. It is
// used to answer a proposal without creating a Call for it.
func (m *Message) Reply(action Action, reason Reason, d Description) *Message {
	var sid string

	if m.Jsongle != nil {
		sid = m.Jsongle.SessionID
	}

	return &Message{
		From: m.To,
		To:   m.From,
		Jsongle: &Jsongle{
			Action:      action,
			Reason:      reason,
			SessionID:   sid,
			Description: encodeDescription(d),
		},
	}
}

// Ended returns a description carrying only the ended timestamp.
func Ended(at time.Time) Description {
	return Description{Ended: timeRef(at)}
}
