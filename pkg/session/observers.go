package session

import (
	"encoding/json"

	"jsongle/pkg/protocol"

	"github.com/pkg/errors"
)

type (
	CallFunc       func(*protocol.Call)
	PayloadFunc    func(*protocol.Call, json.RawMessage)
	TicketFunc     func(protocol.Ticket)
	CustomDataFunc func(*protocol.Call, protocol.Reason, json.RawMessage)
)

// Callback slot names accepted by RegisterCallback().
const (
	CallbackCall              = "oncall"
	CallbackCallStateChanged  = "oncallstatechanged"
	CallbackCallEnded         = "oncallended"
	CallbackOfferNeeded       = "onofferneeded"
	CallbackOfferReceived     = "onofferreceived"
	CallbackCandidateReceived = "oncandidatereceived"
	CallbackCallMuted         = "oncallmuted"
	CallbackCallUnmuted       = "oncallunmuted"
	CallbackLocalCallMuted    = "onlocalcallmuted"
	CallbackLocalCallUnmuted  = "onlocalcallunmuted"
	CallbackTicket            = "onticket"
	CallbackCustomData        = "oncustomdata"
)

// observers holds every subscriber by event kind. Firing a kind nobody
// subscribed to does nothing.
type observers struct {
	call              []CallFunc
	callStateChanged  []CallFunc
	callEnded         []CallFunc
	offerNeeded       []CallFunc
	offerReceived     []PayloadFunc
	candidateReceived []PayloadFunc
	callMuted         []CallFunc
	callUnmuted       []CallFunc
	localCallMuted    []CallFunc
	localCallUnmuted  []CallFunc
	ticket            []TicketFunc
	customData        []CustomDataFunc
}

func (o *observers) callSlot(name string) *[]CallFunc {
	switch name {
	case CallbackCall:
		return &o.call
	case CallbackCallStateChanged:
		return &o.callStateChanged
	case CallbackCallEnded:
		return &o.callEnded
	case CallbackOfferNeeded:
		return &o.offerNeeded
	case CallbackCallMuted:
		return &o.callMuted
	case CallbackCallUnmuted:
		return &o.callUnmuted
	case CallbackLocalCallMuted:
		return &o.localCallMuted
	case CallbackLocalCallUnmuted:
		return &o.localCallUnmuted
	default:
		return nil
	}
}

func (o *observers) payloadSlot(name string) *[]PayloadFunc {
	switch name {
	case CallbackOfferReceived:
		return &o.offerReceived
	case CallbackCandidateReceived:
		return &o.candidateReceived
	default:
		return nil
	}
}

// register adds fn to the slot called name. fn may be a plain function literal
// or one of the named function types.
func (o *observers) register(name string, fn any) error {
	if slot := o.callSlot(name); slot != nil {
		switch f := fn.(type) {
		case CallFunc:
			*slot = append(*slot, f)
			return nil
		case func(*protocol.Call):
			*slot = append(*slot, f)
			return nil
		}
	}

	if slot := o.payloadSlot(name); slot != nil {
		switch f := fn.(type) {
		case PayloadFunc:
			*slot = append(*slot, f)
			return nil
		case func(*protocol.Call, json.RawMessage):
			*slot = append(*slot, f)
			return nil
		}
	}

	switch name {
	case CallbackTicket:
		switch f := fn.(type) {
		case TicketFunc:
			o.ticket = append(o.ticket, f)
			return nil
		case func(protocol.Ticket):
			o.ticket = append(o.ticket, f)
			return nil
		}
	case CallbackCustomData:
		switch f := fn.(type) {
		case CustomDataFunc:
			o.customData = append(o.customData, f)
			return nil
		case func(*protocol.Call, protocol.Reason, json.RawMessage):
			o.customData = append(o.customData, f)
			return nil
		}
	}

	return errors.Wrapf(ErrUnknownCallback, "%q (%T)", name, fn)
}

func fireCall(fns []CallFunc, c *protocol.Call) {
	for _, fn := range fns {
		fn(c)
	}
}

func firePayload(fns []PayloadFunc, c *protocol.Call, payload json.RawMessage) {
	for _, fn := range fns {
		fn(c, payload)
	}
}

// RegisterCallback subscribes fn to the slot called name (see: Callback*
// constants). An unknown name or a mismatching function type is logged and
// ignored.
func (h *Handler) RegisterCallback(name string, fn any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.observers.register(name, fn); err != nil {
		h.log.Warn(err)

		return err
	}

	h.log.Debugf("registered callback '%s'", name)

	return nil
}

func (h *Handler) subscribe(add func(o *observers)) {
	h.mu.Lock()
	defer h.mu.Unlock()

	add(&h.observers)
}

// OnCall subscribes to new calls, either proposed locally or by the peer.
func (h *Handler) OnCall(fn CallFunc) {
	h.subscribe(func(o *observers) { o.call = append(o.call, fn) })
}

func (h *Handler) OnCallStateChanged(fn CallFunc) {
	h.subscribe(func(o *observers) { o.callStateChanged = append(o.callStateChanged, fn) })
}

func (h *Handler) OnCallEnded(fn CallFunc) {
	h.subscribe(func(o *observers) { o.callEnded = append(o.callEnded, fn) })
}

// OnOfferNeeded subscribes to the peer proceeding with a call proposed by this
// side: the subscriber is expected to produce an offer and pass it to Offer().
func (h *Handler) OnOfferNeeded(fn CallFunc) {
	h.subscribe(func(o *observers) { o.offerNeeded = append(o.offerNeeded, fn) })
}

// OnOfferReceived subscribes to offers and answers sent by the peer.
func (h *Handler) OnOfferReceived(fn PayloadFunc) {
	h.subscribe(func(o *observers) { o.offerReceived = append(o.offerReceived, fn) })
}

func (h *Handler) OnCandidateReceived(fn PayloadFunc) {
	h.subscribe(func(o *observers) { o.candidateReceived = append(o.candidateReceived, fn) })
}

// OnCallMuted subscribes to the peer muting the call.
func (h *Handler) OnCallMuted(fn CallFunc) {
	h.subscribe(func(o *observers) { o.callMuted = append(o.callMuted, fn) })
}

func (h *Handler) OnCallUnmuted(fn CallFunc) {
	h.subscribe(func(o *observers) { o.callUnmuted = append(o.callUnmuted, fn) })
}

// OnLocalCallMuted subscribes to this side muting the call.
func (h *Handler) OnLocalCallMuted(fn CallFunc) {
	h.subscribe(func(o *observers) { o.localCallMuted = append(o.localCallMuted, fn) })
}

func (h *Handler) OnLocalCallUnmuted(fn CallFunc) {
	h.subscribe(func(o *observers) { o.localCallUnmuted = append(o.localCallUnmuted, fn) })
}

// OnTicket subscribes to the call detail record produced once per ended call.
func (h *Handler) OnTicket(fn TicketFunc) {
	h.subscribe(func(o *observers) { o.ticket = append(o.ticket, fn) })
}

func (h *Handler) OnCustomData(fn CustomDataFunc) {
	h.subscribe(func(o *observers) { o.customData = append(o.customData, fn) })
}
