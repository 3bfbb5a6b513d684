// Handler owns at most one Call at a time and drives it through the JSONgle
// handshake.
//
// Inbound envelopes are translated to a state-action (see:
// protocol.MapToStateAction()), checked against the guard table for the state
// of the current call and, only if legal, applied without echoing any message
// (see: HandleTransportMessage()). Local actions (Propose(), Proceed(),
// Decline(), ...) go through the very same internal routines, which also send
// the resulting envelope to the peer. Both paths therefore leave the call in the
// same state for the same logical action.
//
// Every inbound envelope and local action is applied as a whole (guard check,
// mutation, observers, send) before the next one starts. Observers run inside
// that lane: they must not call back into the Handler synchronously.
//
// Protocol anomalies (malformed envelopes, illegal transitions) are logged and
// dropped. They never reach the caller as errors on the inbound path.

package session

import (
	"sync"
	"time"

	"jsongle/pkg/log"
	"jsongle/pkg/metrics"
	"jsongle/pkg/protocol"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	cfg HandlerConfig

	transport Transport
	store     CallStore

	mu        sync.Mutex
	current   *protocol.Call
	observers observers

	log *logrus.Entry
}

type HandlerConfig struct {
	// Clock gives the time of locally initiated transitions. Defaults to
	// time.Now.
	Clock func() time.Time
}

func NewHandler(cfg HandlerConfig, transport Transport, store CallStore) *Handler {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	h := &Handler{
		cfg:       cfg,
		transport: transport,
		store:     store,
		log:       log.WithModule("call-handler"),
	}

	transport.OnMessage(h.HandleTransportMessage)

	return h
}

// CurrentCall returns the call in progress, nil if there is none.
func (h *Handler) CurrentCall() *protocol.Call {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.current
}

type inboundFunc func(h *Handler, m *protocol.Message, d protocol.Description, at time.Time)

// inbound dispatches a legal state-action received from the peer.
var inbound = map[protocol.StateAction]inboundFunc{
	protocol.StatePropose: (*Handler).incoming,
	protocol.StateTry: func(h *Handler, _ *protocol.Message, _ protocol.Description, at time.Time) {
		h.trying(at)
	},
	protocol.StateRing: func(h *Handler, _ *protocol.Message, _ protocol.Description, at time.Time) {
		h.ringing(at, false)
	},
	protocol.StateProceed: func(h *Handler, _ *protocol.Message, _ protocol.Description, at time.Time) {
		h.proceed(at, false)
	},
	protocol.StateInitiate: func(h *Handler, _ *protocol.Message, d protocol.Description, at time.Time) {
		h.initiate(d.Offer, at, false)
	},
	protocol.StateAccept: func(h *Handler, _ *protocol.Message, d protocol.Description, at time.Time) {
		h.accept(d.Offer, at, false)
	},
	protocol.StateTransport: func(h *Handler, _ *protocol.Message, d protocol.Description, at time.Time) {
		h.transportInfo(d.Candidate, at, false)
	},
	protocol.StateActivate: func(h *Handler, _ *protocol.Message, _ protocol.Description, at time.Time) {
		h.activate(at, false)
	},
	protocol.StateMute: func(h *Handler, _ *protocol.Message, _ protocol.Description, at time.Time) {
		h.mute(at, false)
	},
	protocol.StateUnmute: func(h *Handler, _ *protocol.Message, _ protocol.Description, at time.Time) {
		h.unmute(at, false)
	},
	protocol.StateSend: func(h *Handler, m *protocol.Message, _ protocol.Description, _ time.Time) {
		h.custom(m.Jsongle.Reason, m.Jsongle.Description, false)
	},
	protocol.StateDecline: func(h *Handler, _ *protocol.Message, _ protocol.Description, at time.Time) {
		h.decline(at, false)
	},
	protocol.StateRetract: func(h *Handler, _ *protocol.Message, _ protocol.Description, at time.Time) {
		h.retractOrTerminate(at, false)
	},
	protocol.StateEnd: func(h *Handler, _ *protocol.Message, _ protocol.Description, at time.Time) {
		h.retractOrTerminate(at, false)
	},
	protocol.StateUnreach: func(h *Handler, m *protocol.Message, _ protocol.Description, at time.Time) {
		h.abort(m.Jsongle.Reason, at)
	},
}

// HandleTransportMessage applies an envelope received from the peer.
func (h *Handler) HandleTransportMessage(m *protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if m == nil || m.Jsongle == nil {
		h.reject("malformed", "can't handle message - not a JSONgle message")

		return
	}

	j := m.Jsongle

	sa, ok := protocol.MapToStateAction(j.Action, j.Reason)
	if !ok {
		h.reject("unmapped", "can't handle action '%s' with reason '%s'", j.Action, j.Reason)

		return
	}

	h.log.Debugf("handle action '%s' (%s) for call '%s'", j.Action, sa, j.SessionID)

	if h.current != nil && h.current.ID() != j.SessionID {
		if sa == protocol.StatePropose {
			h.busy(m)

			return
		}

		h.reject("unknown_session", "drop '%s' for call '%s', current call is '%s'", j.Action, j.SessionID, h.current.ID())

		return
	}

	state := h.state()
	if !protocol.IsValidTransition(state, sa) {
		h.reject("illegal", "drop '%s' for call '%s' in state '%s'", sa, j.SessionID, state)

		return
	}

	var d protocol.Description

	// Custom data is the application's, it isn't a protocol description.
	if sa != protocol.StateSend {
		var err error

		d, err = m.Description()
		if err != nil && !errors.Is(err, protocol.ErrNoDescription) {
			h.reject("malformed", "drop '%s' for call '%s': %s", sa, j.SessionID, err)

			return
		}
	}

	at, ok := d.Timestamp(sa)
	if !ok {
		at = h.cfg.Clock()
	}

	inbound[sa](h, m, d, at)
}

func (h *Handler) state() protocol.State {
	if h.current == nil {
		return protocol.StateNew
	}

	return h.current.State()
}

func (h *Handler) reject(cause, format string, args ...any) {
	metrics.RejectedTotal.WithLabelValues(cause).Inc()
	h.log.Warnf(format, args...)
}

// busy declines a proposal received while another call is current. The
// current call is left as it is.
func (h *Handler) busy(m *protocol.Message) {
	h.reject("busy", "decline call '%s' from '%s': busy with call '%s'", m.Jsongle.SessionID, m.From, h.current.ID())

	h.send(m.Reply(protocol.ActionDecline, protocol.ReasonBusy, protocol.Ended(h.cfg.Clock())))
}

// allow checks a local action against the current call.
func (h *Handler) allow(sa protocol.StateAction) error {
	if h.current == nil {
		h.reject("no_call", "can't %s: no current call", sa)

		return errors.Wrapf(ErrNoCurrentCall, "%s", sa)
	}

	if state := h.current.State(); !protocol.IsValidTransition(state, sa) {
		h.reject("illegal", "can't %s call '%s' in state '%s'", sa, h.current.ID(), state)

		return errors.Wrapf(ErrIllegalTransition, "%s in state %s", sa, state)
	}

	return nil
}

func (h *Handler) send(m *protocol.Message) {
	if err := h.transport.Send(m); err != nil {
		h.log.Errorf("send '%s' for call '%s': %s", m.Jsongle.Action, m.Jsongle.SessionID, err)
	}
}

func (h *Handler) applied(sa protocol.StateAction, send bool) {
	origin := "remote"
	if send {
		origin = "local"
	}

	metrics.TransitionsTotal.WithLabelValues(string(sa), origin).Inc()
}

// changed fires the state-changed observers if the call left state before.
func (h *Handler) changed(before protocol.State) {
	if h.current.State() != before {
		fireCall(h.observers.callStateChanged, h.current)
	}
}
