package session

import (
	"encoding/json"
	"testing"
	"time"

	"jsongle/pkg/log"
	"jsongle/pkg/metrics"
	"jsongle/pkg/protocol"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var t0 = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

type fakeTransport struct {
	sent      []*protocol.Message
	onMessage func(*protocol.Message)
}

func (t *fakeTransport) Send(m *protocol.Message) error {
	t.sent = append(t.sent, m)

	return nil
}

func (t *fakeTransport) OnMessage(fn func(*protocol.Message)) {
	t.onMessage = fn
}

func (t *fakeTransport) last() *protocol.Message {
	if len(t.sent) == 0 {
		return nil
	}

	return t.sent[len(t.sent)-1]
}

type fakeStore struct {
	events []CallEvent
}

func (s *fakeStore) Dispatch(ev CallEvent) {
	s.events = append(s.events, ev)
}

// recorder counts every observer invocation by slot name.
type recorder struct {
	fired   map[string]int
	order   []string
	tickets []protocol.Ticket
	offers  []json.RawMessage
	custom  []json.RawMessage
}

func record(h *Handler) *recorder {
	r := &recorder{fired: map[string]int{}}

	hit := func(name string) CallFunc {
		return func(*protocol.Call) {
			r.fired[name]++
			r.order = append(r.order, name)
		}
	}

	h.OnCall(hit(CallbackCall))
	h.OnCallStateChanged(hit(CallbackCallStateChanged))
	h.OnCallEnded(hit(CallbackCallEnded))
	h.OnOfferNeeded(hit(CallbackOfferNeeded))
	h.OnCallMuted(hit(CallbackCallMuted))
	h.OnCallUnmuted(hit(CallbackCallUnmuted))
	h.OnLocalCallMuted(hit(CallbackLocalCallMuted))
	h.OnLocalCallUnmuted(hit(CallbackLocalCallUnmuted))
	h.OnOfferReceived(func(_ *protocol.Call, offer json.RawMessage) {
		r.fired[CallbackOfferReceived]++
		r.offers = append(r.offers, offer)
	})
	h.OnCandidateReceived(func(*protocol.Call, json.RawMessage) {
		r.fired[CallbackCandidateReceived]++
	})
	h.OnTicket(func(t protocol.Ticket) {
		r.fired[CallbackTicket]++
		r.order = append(r.order, CallbackTicket)
		r.tickets = append(r.tickets, t)
	})
	h.OnCustomData(func(_ *protocol.Call, _ protocol.Reason, payload json.RawMessage) {
		r.fired[CallbackCustomData]++
		r.custom = append(r.custom, payload)
	})

	return r
}

func (r *recorder) total() int {
	n := 0

	for _, v := range r.fired {
		n += v
	}

	return n
}

type fixture struct {
	h     *Handler
	tr    *fakeTransport
	store *fakeStore
	rec   *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log.Discard()

	tick := t0
	tr := &fakeTransport{}
	store := &fakeStore{}
	h := NewHandler(HandlerConfig{
		Clock: func() time.Time {
			tick = tick.Add(time.Second)

			return tick
		},
	}, tr, store)

	if tr.onMessage == nil {
		t.Fatalf("handler did not register with the transport")
	}

	return &fixture{h: h, tr: tr, store: store, rec: record(h)}
}

func proposal(sid string) *protocol.Message {
	ts := t0
	d, _ := json.Marshal(protocol.Description{Media: protocol.MediaAudio, Initiated: &ts})

	return &protocol.Message{
		From: "B",
		To:   "A",
		Jsongle: &protocol.Jsongle{
			Action:      protocol.ActionPropose,
			SessionID:   sid,
			Description: d,
		},
	}
}

func info(sid string, reason protocol.Reason) *protocol.Message {
	return &protocol.Message{
		From:    "B",
		To:      "A",
		Jsongle: &protocol.Jsongle{Action: protocol.ActionInfo, Reason: reason, SessionID: sid},
	}
}

func envelope(sid string, action protocol.Action, d protocol.Description) *protocol.Message {
	raw, _ := json.Marshal(d)

	return &protocol.Message{
		From:    "B",
		To:      "A",
		Jsongle: &protocol.Jsongle{Action: action, SessionID: sid, Description: raw},
	}
}

func TestProposeOutgoing(t *testing.T) {
	f := newFixture(t)

	c, err := f.h.Propose("A", "B", protocol.MediaAudio)
	if err != nil {
		t.Fatal(err)
	}

	if c.ID() == "" || c.State() != protocol.StateProposed || f.h.CurrentCall() != c {
		t.Fatalf("unexpected call %q in state %s", c.ID(), c.State())
	}

	if len(f.tr.sent) != 1 || f.tr.last().Jsongle.Action != protocol.ActionPropose {
		t.Fatalf("expected one propose envelope, got %d", len(f.tr.sent))
	}

	if f.rec.fired[CallbackCall] != 1 {
		t.Fatalf("oncall fired %d times", f.rec.fired[CallbackCall])
	}

	if len(f.store.events) != 1 || f.store.events[0] != CallEventInitiate {
		t.Fatalf("store events = %v", f.store.events)
	}
}

func TestProposeWhileBusy(t *testing.T) {
	f := newFixture(t)

	first, _ := f.h.Propose("A", "B", protocol.MediaAudio)

	if _, err := f.h.Propose("A", "C", protocol.MediaVideo); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v; want ErrBusy", err)
	}

	if f.h.CurrentCall() != first || len(f.tr.sent) != 1 {
		t.Fatalf("current call replaced")
	}
}

func TestProposeUnsupportedMedia(t *testing.T) {
	f := newFixture(t)

	if _, err := f.h.Propose("A", "B", "smell"); err == nil {
		t.Fatalf("expected an error")
	}

	if f.h.CurrentCall() != nil || len(f.tr.sent) != 0 {
		t.Fatalf("no call expected")
	}
}

func TestIncomingProposeRings(t *testing.T) {
	f := newFixture(t)

	f.tr.onMessage(proposal("X"))

	c := f.h.CurrentCall()
	if c == nil || c.ID() != "X" || c.Direction() != protocol.DirectionIncoming || c.State() != protocol.StateRinging {
		t.Fatalf("unexpected current call %+v", c)
	}

	if c.From() != "B" || c.To() != "A" || !c.Timestamps().Initiated.Equal(t0) {
		t.Fatalf("proposal not kept")
	}

	if f.rec.fired[CallbackCall] != 1 || f.rec.fired[CallbackCallStateChanged] != 1 {
		t.Fatalf("fired = %v", f.rec.fired)
	}

	if len(f.tr.sent) != 1 {
		t.Fatalf("sent %d envelopes; want 1", len(f.tr.sent))
	}

	m := f.tr.last()
	if m.Jsongle.Action != protocol.ActionInfo || m.Jsongle.Reason != protocol.ReasonRinging || m.To != "B" {
		t.Fatalf("unexpected envelope %+v", m.Jsongle)
	}

	if len(f.store.events) != 1 || f.store.events[0] != CallEventAnswer {
		t.Fatalf("store events = %v", f.store.events)
	}
}

func TestIncomingProposeWhileBusy(t *testing.T) {
	f := newFixture(t)

	f.tr.onMessage(proposal("X"))
	f.tr.onMessage(proposal("Y"))

	if c := f.h.CurrentCall(); c.ID() != "X" || c.State() != protocol.StateRinging {
		t.Fatalf("current call changed")
	}

	m := f.tr.last()
	if m.Jsongle.Action != protocol.ActionDecline || m.Jsongle.Reason != protocol.ReasonBusy || m.Jsongle.SessionID != "Y" || m.To != "B" {
		t.Fatalf("unexpected busy reply %+v", m.Jsongle)
	}

	if f.rec.fired[CallbackCall] != 1 {
		t.Fatalf("second proposal reached observers")
	}
}

func TestIncomingUnsupportedMedia(t *testing.T) {
	f := newFixture(t)

	m := proposal("X")
	m.Jsongle.Description = json.RawMessage(`{"media":"smell"}`)
	f.tr.onMessage(m)

	if f.h.CurrentCall() != nil || f.rec.total() != 0 || len(f.tr.sent) != 0 {
		t.Fatalf("proposal must be dropped")
	}
}

func TestUnreachableAborts(t *testing.T) {
	f := newFixture(t)

	c, _ := f.h.Propose("A", "B", protocol.MediaAudio)
	sent := len(f.tr.sent)

	f.tr.onMessage(info(c.ID(), protocol.ReasonUnreachable))

	if c.State() != protocol.StateEnded || c.Termination() != protocol.TerminationAborted || c.Reason() != protocol.ReasonUnreachable {
		t.Fatalf("got %s/%s/%s", c.State(), c.Termination(), c.Reason())
	}

	if f.rec.fired[CallbackCallEnded] != 1 || f.rec.fired[CallbackTicket] != 1 {
		t.Fatalf("fired = %v", f.rec.fired)
	}

	if len(f.tr.sent) != sent {
		t.Fatalf("abort must not be echoed")
	}

	if f.h.CurrentCall() != nil {
		t.Fatalf("current call not released")
	}

	if f.store.events[len(f.store.events)-1] != CallEventRelease {
		t.Fatalf("store not released: %v", f.store.events)
	}
}

func TestUnknownSessionReasonKeptVerbatim(t *testing.T) {
	f := newFixture(t)

	c, _ := f.h.Propose("A", "B", protocol.MediaAudio)
	f.tr.onMessage(info(c.ID(), protocol.ReasonUnknownSession))

	if len(f.rec.tickets) != 1 || f.rec.tickets[0].Reason != protocol.ReasonUnknownSession {
		t.Fatalf("tickets = %+v", f.rec.tickets)
	}
}

func TestIncomingCallIsAnnouncedRinging(t *testing.T) {
	f := newFixture(t)

	var seen protocol.State
	f.h.OnCall(func(c *protocol.Call) { seen = c.State() })

	f.tr.onMessage(proposal("X"))

	if seen != protocol.StateRinging {
		t.Fatalf("oncall saw %s; want ringing", seen)
	}

	if len(f.store.events) != 1 || f.store.events[0] != CallEventAnswer {
		t.Fatalf("store events = %v", f.store.events)
	}
}

func TestDeclineRingingCall(t *testing.T) {
	f := newFixture(t)

	f.tr.onMessage(proposal("X"))

	if err := f.h.Decline(); err != nil {
		t.Fatal(err)
	}

	m := f.tr.last()
	if len(f.tr.sent) != 2 || m.Jsongle.Action != protocol.ActionDecline {
		t.Fatalf("expected a decline envelope, got %+v", m.Jsongle)
	}

	if len(f.rec.tickets) != 1 || f.rec.tickets[0].Reason != "declined" || f.rec.tickets[0].SessionID != "X" {
		t.Fatalf("tickets = %+v", f.rec.tickets)
	}

	want := []string{CallbackCallStateChanged, CallbackCall, CallbackCallStateChanged, CallbackCallEnded, CallbackTicket}
	if len(f.rec.order) != len(want) {
		t.Fatalf("order = %v; want %v", f.rec.order, want)
	}

	for i := range want {
		if f.rec.order[i] != want[i] {
			t.Fatalf("order = %v; want %v", f.rec.order, want)
		}
	}
}

func TestRetractOrTerminate(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(f *fixture, sid string)
		action protocol.Action
		reason protocol.Reason
	}{
		{
			name:   "in progress",
			setup:  func(*fixture, string) {},
			action: protocol.ActionRetract,
			reason: "retracted",
		},
		{
			name: "active",
			setup: func(f *fixture, sid string) {
				f.tr.onMessage(envelope(sid, protocol.ActionProceed, protocol.Description{}))
			},
			action: protocol.ActionTerminate,
			reason: "terminated",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			c, _ := f.h.Propose("A", "B", protocol.MediaAudio)
			tt.setup(f, c.ID())

			if err := f.h.RetractOrTerminate(); err != nil {
				t.Fatal(err)
			}

			if a := f.tr.last().Jsongle.Action; a != tt.action {
				t.Fatalf("action = %s; want %s", a, tt.action)
			}

			if c.Reason() != tt.reason || f.rec.fired[CallbackTicket] != 1 {
				t.Fatalf("reason = %s, tickets = %d", c.Reason(), f.rec.fired[CallbackTicket])
			}
		})
	}
}

func TestInboundRetractOfActiveCallTerminates(t *testing.T) {
	f := newFixture(t)

	c, _ := f.h.Propose("A", "B", protocol.MediaAudio)
	f.tr.onMessage(envelope(c.ID(), protocol.ActionProceed, protocol.Description{}))
	f.tr.onMessage(envelope(c.ID(), protocol.ActionRetract, protocol.Ended(t0.Add(time.Hour))))

	if c.Termination() != protocol.TerminationTerminated {
		t.Fatalf("termination = %s", c.Termination())
	}

	if !c.Timestamps().Ended.Equal(t0.Add(time.Hour)) {
		t.Fatalf("peer reported end time not kept: %s", c.Timestamps().Ended)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t)

	c, _ := f.h.Propose("A", "B", protocol.MediaAudio)

	if err := f.h.Cancel(); err != nil {
		t.Fatal(err)
	}

	if c.Termination() != protocol.TerminationRetracted || f.tr.last().Jsongle.Action != protocol.ActionRetract {
		t.Fatalf("cancel must retract an unanswered call")
	}
}

func TestLocalActionWithoutCall(t *testing.T) {
	f := newFixture(t)

	actions := map[string]func() error{
		"proceed": f.h.Proceed,
		"decline": f.h.Decline,
		"retract": f.h.RetractOrTerminate,
		"mute":    f.h.Mute,
		"offer":   func() error { return f.h.Offer(json.RawMessage(`{}`)) },
	}

	for name, action := range actions {
		if err := action(); !errors.Is(err, ErrNoCurrentCall) {
			t.Errorf("%s: err = %v; want ErrNoCurrentCall", name, err)
		}
	}

	if f.rec.total() != 0 || len(f.tr.sent) != 0 {
		t.Fatalf("nothing must happen without a call")
	}
}

func TestLocalIllegalTransition(t *testing.T) {
	f := newFixture(t)

	c, _ := f.h.Propose("A", "B", protocol.MediaAudio)
	fired := f.rec.total()

	if err := f.h.Mute(); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v; want ErrIllegalTransition", err)
	}

	if c.State() != protocol.StateProposed || c.Muted() || f.rec.total() != fired || len(f.tr.sent) != 1 {
		t.Fatalf("refused action changed the call")
	}
}

func TestRejectedEnvelopesLeaveCallUntouched(t *testing.T) {
	f := newFixture(t)

	c, _ := f.h.Propose("A", "B", protocol.MediaAudio)
	before := c.Timestamps()
	fired := f.rec.total()

	invalid := []*protocol.Message{
		nil,
		{From: "B", To: "A"},
		info(c.ID(), "dancing"),
		info(c.ID(), protocol.ReasonMute),
		info("other", protocol.ReasonRinging),
		envelope(c.ID(), protocol.ActionAccept, protocol.Description{Offer: json.RawMessage(`{}`)}),
		{From: "B", To: "A", Jsongle: &protocol.Jsongle{Action: protocol.ActionRetract, SessionID: c.ID(), Description: json.RawMessage(`[1`)}},
	}

	for i := 0; i < 3; i++ {
		for _, m := range invalid {
			f.tr.onMessage(m)
		}
	}

	if c.State() != protocol.StateProposed || c.Reason() != "" || c.Timestamps() != before {
		t.Fatalf("call mutated: %s/%s", c.State(), c.Reason())
	}

	if f.rec.total() != fired || len(f.tr.sent) != 1 || f.h.CurrentCall() != c {
		t.Fatalf("rejected envelopes had effects")
	}
}

func TestMissingTimestampUsesClock(t *testing.T) {
	f := newFixture(t)

	c, _ := f.h.Propose("A", "B", protocol.MediaAudio)
	f.tr.onMessage(info(c.ID(), protocol.ReasonTrying))

	if c.State() != protocol.StateTrying || c.Timestamps().Tried.IsZero() {
		t.Fatalf("trying not applied")
	}
}

func TestRegisterCallback(t *testing.T) {
	f := newFixture(t)

	var calls, tickets int

	if err := f.h.RegisterCallback(CallbackCall, func(*protocol.Call) { calls++ }); err != nil {
		t.Fatal(err)
	}

	if err := f.h.RegisterCallback(CallbackTicket, TicketFunc(func(protocol.Ticket) { tickets++ })); err != nil {
		t.Fatal(err)
	}

	if err := f.h.RegisterCallback("onwhatever", func(*protocol.Call) {}); !errors.Is(err, ErrUnknownCallback) {
		t.Fatalf("err = %v; want ErrUnknownCallback", err)
	}

	if err := f.h.RegisterCallback(CallbackTicket, func(*protocol.Call) {}); !errors.Is(err, ErrUnknownCallback) {
		t.Fatalf("mismatching type accepted, err = %v", err)
	}

	f.h.Propose("A", "B", protocol.MediaAudio)
	f.h.RetractOrTerminate()

	if calls != 1 || tickets != 1 {
		t.Fatalf("calls = %d, tickets = %d", calls, tickets)
	}
}

func TestRejectionsAreCounted(t *testing.T) {
	f := newFixture(t)

	c, _ := f.h.Propose("A", "B", protocol.MediaAudio)
	illegal := metrics.RejectedTotal.WithLabelValues("illegal")
	before := testutil.ToFloat64(illegal)

	f.tr.onMessage(info(c.ID(), protocol.ReasonMute))

	if got := testutil.ToFloat64(illegal); got != before+1 {
		t.Fatalf("illegal rejections = %v; want %v", got, before+1)
	}
}
