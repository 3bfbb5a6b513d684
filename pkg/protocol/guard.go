package protocol

type State string

const (
	StateNew          State = "new"
	StateProposed     State = "proposed"
	StateTrying       State = "trying"
	StateRinging      State = "ringing"
	StateProceeded    State = "proceeded"
	StateOffering     State = "offering"
	StateEstablishing State = "establishing"
	StateActive       State = "active"
	StateMuted        State = "muted"
	StateEnded        State = "ended"
)

type actionSet map[StateAction]struct{}

func newActionSet(actions ...StateAction) actionSet {
	s := make(actionSet, len(actions))

	for _, a := range actions {
		s[a] = struct{}{}
	}

	return s
}

// transitions is the only place where the legality of a transition is encoded.
// Every row but new and ended accepts the ending state-actions.
var transitions = map[State]actionSet{
	StateNew:          newActionSet(StatePropose),
	StateProposed:     newActionSet(StateTry, StateRing, StateProceed, StateDecline, StateRetract, StateCancel, StateUnreach),
	StateTrying:       newActionSet(StateRing, StateProceed, StateDecline, StateRetract, StateCancel, StateUnreach),
	StateRinging:      newActionSet(StateProceed, StateDecline, StateRetract, StateCancel, StateUnreach),
	StateProceeded:    newActionSet(StateInitiate, StateEnd, StateRetract, StateCancel, StateUnreach),
	StateOffering:     newActionSet(StateAccept, StateTransport, StateEnd, StateRetract, StateCancel, StateUnreach),
	StateEstablishing: newActionSet(StateTransport, StateActivate, StateEnd, StateRetract, StateCancel, StateUnreach),
	StateActive:       newActionSet(StateTransport, StateMute, StateSend, StateEnd, StateRetract, StateCancel, StateUnreach),
	StateMuted:        newActionSet(StateTransport, StateUnmute, StateSend, StateEnd, StateRetract, StateCancel, StateUnreach),
	StateEnded:        newActionSet(),
}

// IsValidTransition reports whether sa may be applied in state s. Unknown
// states are never valid.
func IsValidTransition(s State, sa StateAction) bool {
	row, ok := transitions[s]
	if !ok {
		return false
	}

	_, ok = row[sa]

	return ok
}

// InProgress reports whether a call in state s has not been accepted yet.
func (s State) InProgress() bool {
	switch s {
	case StateProposed, StateTrying, StateRinging:
		return true
	default:
		return false
	}
}

// Active reports whether a call in state s has been accepted and not ended.
func (s State) Active() bool {
	switch s {
	case StateProceeded, StateOffering, StateEstablishing, StateActive, StateMuted:
		return true
	default:
		return false
	}
}
