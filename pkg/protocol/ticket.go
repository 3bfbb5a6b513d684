package protocol

import (
	"fmt"
	"time"
)

// Ticket is the call detail record of an ended call.
type Ticket struct {
	SessionID   string      `json:"sid"`
	From        string      `json:"from"`
	To          string      `json:"to"`
	Direction   Direction   `json:"direction"`
	Media       Media       `json:"media"`
	Termination Termination `json:"termination"`
	Reason      Reason      `json:"reason"`

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

// Duration is the time the call spent active, zero if it never was.
func (t Ticket) Duration() time.Duration {
	if t.Activated == nil || t.Ended == nil {
		return 0
	}

	return t.Ended.Sub(*t.Activated)
}

// Ticket panics if the call has not ended: asking for the record of a live
// call is a programming error.
func (c *Call) Ticket() Ticket {
	if c.state != StateEnded {
		panic(fmt.Sprintf("protocol: ticket requested for call %s in state %s", c.id, c.state))
	}

	ts := c.timestamps

	return Ticket{
		SessionID:   c.id,
		From:        c.from,
		To:          c.to,
		Direction:   c.direction,
		Media:       c.media,
		Termination: c.termination,
		Reason:      c.reason,
		Initiated:   reached(ts.Initiated),
		Tried:       reached(ts.Tried),
		Rang:        reached(ts.Rang),
		Proceeded:   reached(ts.Proceeded),
		Offered:     reached(ts.Offered),
		Established: reached(ts.Established),
		Activated:   reached(ts.Activated),
		Muted:       reached(ts.Muted),
		Unmuted:     reached(ts.Unmuted),
		Ended:       reached(ts.Ended),
	}
}

func reached(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return timeRef(t)
}
