package protocol

import "testing"

var allStateActions = []StateAction{
	StatePropose, StateTry, StateRing, StateUnreach, StateRetract, StateDecline,
	StateProceed, StateInitiate, StateAccept, StateTransport, StateActivate,
	StateCancel, StateEnd, StateMute, StateUnmute, StateSend,
}

var allStates = []State{
	StateNew, StateProposed, StateTrying, StateRinging, StateProceeded,
	StateOffering, StateEstablishing, StateActive, StateMuted, StateEnded,
}

func TestIsValidTransitionMatchesTable(t *testing.T) {
	for _, s := range allStates {
		row := transitions[s]

		for _, sa := range allStateActions {
			_, inRow := row[sa]
			if got := IsValidTransition(s, sa); got != inRow {
				t.Errorf("IsValidTransition(%s, %s) = %v; want %v", s, sa, got, inRow)
			}
		}
	}
}

func TestIsValidTransitionUnknownState(t *testing.T) {
	for _, sa := range allStateActions {
		if IsValidTransition("limbo", sa) {
			t.Fatalf("unknown state accepted %s", sa)
		}
	}
}

func TestUnreachIsFatalFromEveryLiveState(t *testing.T) {
	for _, s := range allStates {
		if s == StateNew || s == StateEnded {
			continue
		}

		if !IsValidTransition(s, StateUnreach) {
			t.Errorf("state %s rejects unreach", s)
		}
	}
}

func TestEndedAcceptsNothing(t *testing.T) {
	for _, sa := range allStateActions {
		if IsValidTransition(StateEnded, sa) {
			t.Errorf("ended accepts %s", sa)
		}
	}
}

func TestStandings(t *testing.T) {
	for _, s := range allStates {
		if s.InProgress() && s.Active() {
			t.Errorf("state %s is both in progress and active", s)
		}
	}

	if StateNew.InProgress() || StateNew.Active() || StateEnded.InProgress() || StateEnded.Active() {
		t.Fatalf("new and ended must have no standing")
	}

	if !StateRinging.InProgress() || !StateMuted.Active() {
		t.Fatalf("unexpected standing")
	}
}
