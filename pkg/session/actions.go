package session

import (
	"encoding/json"
	"time"

	"jsongle/pkg/metrics"
	"jsongle/pkg/protocol"

	"github.com/pkg/errors"
)

// Propose creates an outgoing call to the peer to and sends the proposal.
func (h *Handler) Propose(from, to string, media protocol.Media) (*protocol.Call, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.current != nil {
		h.reject("busy", "can't propose a call to '%s': busy with call '%s'", to, h.current.ID())

		return nil, errors.Wrapf(ErrBusy, "call %s", h.current.ID())
	}

	if !media.Valid() {
		return nil, errors.Errorf("unsupported media %q", media)
	}

	h.current = protocol.NewOutgoingCall(from, to, media)
	metrics.CurrentCalls.Inc()

	h.log.Debugf("propose call '%s' to '%s' with '%s'", h.current.ID(), to, media)

	fireCall(h.observers.call, h.current)
	h.store.Dispatch(CallEventInitiate)

	h.current.Propose(h.cfg.Clock())
	h.applied(protocol.StatePropose, true)
	h.send(h.current.Jsongleze())

	return h.current, nil
}

// Proceed accepts the current call: negotiation may start.
func (h *Handler) Proceed() error {
	return h.local(protocol.StateProceed, func(at time.Time) {
		h.proceed(at, true)
	})
}

// Decline refuses the current call.
func (h *Handler) Decline() error {
	return h.local(protocol.StateDecline, func(at time.Time) {
		h.decline(at, true)
	})
}

// RetractOrTerminate hangs up: a call that hasn't been proceeded yet is
// retracted, an accepted one is terminated.
func (h *Handler) RetractOrTerminate() error {
	return h.local(protocol.StateRetract, func(at time.Time) {
		h.retractOrTerminate(at, true)
	})
}

// Cancel hangs up like RetractOrTerminate() on behalf of a timer external to
// the handshake, e.g. a call setup timeout.
func (h *Handler) Cancel() error {
	return h.local(protocol.StateCancel, func(at time.Time) {
		h.retractOrTerminate(at, true)
	})
}

// Offer sends the offer of the proposing side.
func (h *Handler) Offer(offer json.RawMessage) error {
	return h.local(protocol.StateInitiate, func(at time.Time) {
		h.initiate(offer, at, true)
	})
}

// Answer sends the answer of the proposed side.
func (h *Handler) Answer(answer json.RawMessage) error {
	return h.local(protocol.StateAccept, func(at time.Time) {
		h.accept(answer, at, true)
	})
}

func (h *Handler) OfferCandidate(candidate json.RawMessage) error {
	return h.local(protocol.StateTransport, func(at time.Time) {
		h.transportInfo(candidate, at, true)
	})
}

func (h *Handler) Activate() error {
	return h.local(protocol.StateActivate, func(at time.Time) {
		h.activate(at, true)
	})
}

func (h *Handler) Mute() error {
	return h.local(protocol.StateMute, func(at time.Time) {
		h.mute(at, true)
	})
}

func (h *Handler) Unmute() error {
	return h.local(protocol.StateUnmute, func(at time.Time) {
		h.unmute(at, true)
	})
}

// SendData relays payload, unmodified, to the peer of an active call. tag
// is carried as the reason of the envelope.
func (h *Handler) SendData(tag protocol.Reason, payload json.RawMessage) error {
	return h.local(protocol.StateSend, func(time.Time) {
		h.custom(tag, payload, true)
	})
}

func (h *Handler) local(sa protocol.StateAction, apply func(at time.Time)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.allow(sa); err != nil {
		return err
	}

	apply(h.cfg.Clock())

	return nil
}

// incoming creates the call proposed by the peer and rings it right away.
func (h *Handler) incoming(m *protocol.Message, d protocol.Description, at time.Time) {
	if !d.Media.Valid() {
		h.reject("malformed", "drop proposal '%s' from '%s': unsupported media %q", m.Jsongle.SessionID, m.From, d.Media)

		return
	}

	h.log.Debugf("call '%s' proposed from '%s' using media '%s'", m.Jsongle.SessionID, m.From, d.Media)

	h.current = protocol.NewIncomingCall(m.From, m.To, d.Media, m.Jsongle.SessionID, at)
	metrics.CurrentCalls.Inc()
	h.applied(protocol.StatePropose, false)

	h.ringing(h.cfg.Clock(), true)

	fireCall(h.observers.call, h.current)
	h.store.Dispatch(CallEventAnswer)
}

func (h *Handler) trying(at time.Time) {
	h.log.Debugf("try call '%s'", h.current.ID())

	before := h.current.State()
	h.current.Trying(at)
	h.applied(protocol.StateTry, false)
	h.changed(before)
}

func (h *Handler) ringing(at time.Time, send bool) {
	h.log.Debugf("ring call '%s'", h.current.ID())

	before := h.current.State()
	h.current.Ringing(at)
	h.applied(protocol.StateRing, send)

	if send {
		h.send(h.current.Jsongleze())
	}

	h.changed(before)
}

func (h *Handler) proceed(at time.Time, send bool) {
	h.log.Debugf("proceed call '%s'", h.current.ID())

	before := h.current.State()
	h.current.Proceed(at)
	h.applied(protocol.StateProceed, send)
	h.changed(before)

	if send {
		h.send(h.current.Jsongleze())

		return
	}

	fireCall(h.observers.offerNeeded, h.current)
}

func (h *Handler) initiate(offer json.RawMessage, at time.Time, send bool) {
	h.log.Debugf("offer for call '%s'", h.current.ID())

	before := h.current.State()
	h.current.Initiate(offer, at)
	h.applied(protocol.StateInitiate, send)
	h.changed(before)

	if send {
		h.send(h.current.Jsongleze())

		return
	}

	firePayload(h.observers.offerReceived, h.current, offer)
}

func (h *Handler) accept(answer json.RawMessage, at time.Time, send bool) {
	h.log.Debugf("answer for call '%s'", h.current.ID())

	before := h.current.State()
	h.current.Accept(answer, at)
	h.applied(protocol.StateAccept, send)
	h.changed(before)

	if send {
		h.send(h.current.Jsongleze())

		return
	}

	firePayload(h.observers.offerReceived, h.current, answer)
}

func (h *Handler) transportInfo(candidate json.RawMessage, at time.Time, send bool) {
	before := h.current.State()
	h.current.Transport(candidate, at)
	h.applied(protocol.StateTransport, send)
	h.changed(before)

	if send {
		h.send(h.current.Jsongleze())

		return
	}

	firePayload(h.observers.candidateReceived, h.current, candidate)
}

func (h *Handler) activate(at time.Time, send bool) {
	h.log.Debugf("activate call '%s'", h.current.ID())

	before := h.current.State()
	h.current.Activate(at)
	h.applied(protocol.StateActivate, send)
	h.changed(before)

	if send {
		h.send(h.current.Jsongleze())
	}
}

func (h *Handler) mute(at time.Time, send bool) {
	before := h.current.State()
	h.current.Mute(at)
	h.applied(protocol.StateMute, send)
	h.changed(before)

	if send {
		fireCall(h.observers.localCallMuted, h.current)
		h.send(h.current.Jsongleze(protocol.ReasonMute))

		return
	}

	fireCall(h.observers.callMuted, h.current)
}

func (h *Handler) unmute(at time.Time, send bool) {
	before := h.current.State()
	h.current.Unmute(at)
	h.applied(protocol.StateUnmute, send)
	h.changed(before)

	if send {
		fireCall(h.observers.localCallUnmuted, h.current)
		h.send(h.current.Jsongleze(protocol.ReasonUnmute))

		return
	}

	fireCall(h.observers.callUnmuted, h.current)
}

func (h *Handler) custom(tag protocol.Reason, payload json.RawMessage, send bool) {
	h.current.Send(tag, payload)
	h.applied(protocol.StateSend, send)

	if send {
		h.send(h.current.Jsongleze())

		return
	}

	for _, fn := range h.observers.customData {
		fn(h.current, tag, payload)
	}
}

func (h *Handler) decline(at time.Time, send bool) {
	h.log.Debugf("decline call '%s'", h.current.ID())

	h.current.Decline(at)
	h.applied(protocol.StateDecline, send)
	h.end(send)
}

func (h *Handler) retractOrTerminate(at time.Time, send bool) {
	state := h.current.State()

	switch {
	case state.InProgress():
		h.log.Debugf("retract call '%s'", h.current.ID())
		h.current.Retract(at)
		h.applied(protocol.StateRetract, send)
	case state.Active():
		h.log.Debugf("terminate call '%s'", h.current.ID())
		h.current.Terminate(at)
		h.applied(protocol.StateEnd, send)
	default:
		h.log.Warnf("call '%s' is neither in progress nor active (%s)", h.current.ID(), state)
		h.abort(protocol.ReasonIncorrectState, at)

		return
	}

	h.end(send)
}

// abort ends the call for reason, kept verbatim. The peer is never told.
func (h *Handler) abort(reason protocol.Reason, at time.Time) {
	h.log.Debugf("abort call '%s': %s", h.current.ID(), reason)

	h.current.Abort(reason, at)
	h.applied(protocol.StateUnreach, false)
	h.end(false)
}

// end notifies the observers of an ended call, then releases it.
func (h *Handler) end(send bool) {
	c := h.current

	fireCall(h.observers.callStateChanged, c)
	fireCall(h.observers.callEnded, c)

	ticket := c.Ticket()
	metrics.TicketsTotal.WithLabelValues(string(ticket.Termination)).Inc()

	for _, fn := range h.observers.ticket {
		fn(ticket)
	}

	if send {
		h.send(c.Jsongleze())
	}

	h.store.Dispatch(CallEventRelease)
	h.current = nil
	metrics.CurrentCalls.Dec()
}
