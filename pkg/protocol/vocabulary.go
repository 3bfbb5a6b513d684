package protocol

// Action is a verb exchanged on the wire.
type Action string

const (
	ActionPropose   Action = "session-propose"
	ActionRetract   Action = "session-retract"
	ActionDecline   Action = "session-decline"
	ActionInfo      Action = "session-info"
	ActionProceed   Action = "session-proceed"
	ActionInitiate  Action = "session-initiate"
	ActionAccept    Action = "session-accept"
	ActionTransport Action = "transport-info"
	ActionTerminate Action = "session-terminate"
	ActionCustom    Action = "session-custom"
)

// Reason qualifies an Action. Only session-info and session-custom envelopes
// rely on it, others may carry it for information (e.g. a busy decline).
type Reason string

const (
	ReasonTrying         Reason = "trying"
	ReasonRinging        Reason = "ringing"
	ReasonUnreachable    Reason = "unreachable"
	ReasonUnknownSession Reason = "unknown-session"
	ReasonActive         Reason = "active"
	ReasonMute           Reason = "mute"
	ReasonUnmute         Reason = "unmute"
	ReasonBusy           Reason = "busy"
)

// StateAction is the transport independent vocabulary the guard table and the
// Call transitions are written against.
type StateAction string

const (
	StatePropose   StateAction = "propose"
	StateTry       StateAction = "try"
	StateRing      StateAction = "ring"
	StateUnreach   StateAction = "unreach"
	StateRetract   StateAction = "retract"
	StateDecline   StateAction = "decline"
	StateProceed   StateAction = "proceed"
	StateInitiate  StateAction = "initiate"
	StateAccept    StateAction = "accept"
	StateTransport StateAction = "transport"
	StateActivate  StateAction = "activate"
	StateCancel    StateAction = "cancel"
	StateEnd       StateAction = "end"
	StateMute      StateAction = "mute"
	StateUnmute    StateAction = "unmute"
	StateSend      StateAction = "send"
)

// anyReason marks an action whose state-action doesn't depend on the reason.
const anyReason Reason = "*"

var stateActions = map[Action]map[Reason]StateAction{
	ActionPropose:   {anyReason: StatePropose},
	ActionRetract:   {anyReason: StateRetract},
	ActionDecline:   {anyReason: StateDecline},
	ActionProceed:   {anyReason: StateProceed},
	ActionInitiate:  {anyReason: StateInitiate},
	ActionAccept:    {anyReason: StateAccept},
	ActionTransport: {anyReason: StateTransport},
	ActionTerminate: {anyReason: StateEnd},
	ActionCustom:    {anyReason: StateSend},
	ActionInfo: {
		ReasonTrying:         StateTry,
		ReasonRinging:        StateRing,
		ReasonUnreachable:    StateUnreach,
		ReasonUnknownSession: StateUnreach,
		ReasonActive:         StateActivate,
		ReasonMute:           StateMute,
		ReasonUnmute:         StateUnmute,
	},
}

// MapToStateAction translates a wire action and reason into a StateAction.
// ok is false when the pair is not part of the vocabulary.
func MapToStateAction(action Action, reason Reason) (sa StateAction, ok bool) {
	reasons, ok := stateActions[action]
	if !ok {
		return "", false
	}

	if sa, ok = reasons[anyReason]; ok {
		return sa, true
	}

	sa, ok = reasons[reason]

	return sa, ok
}

// Media is the kind of session being negotiated.
type Media string

const (
	MediaAudio Media = "audio"
	MediaVideo Media = "video"
	MediaData  Media = "data"
)

func (m Media) Valid() bool {
	switch m {
	case MediaAudio, MediaVideo, MediaData:
		return true
	default:
		return false
	}
}

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)
