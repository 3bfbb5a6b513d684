package signal

import (
	"context"
	"sync"

	"jsongle/pkg/log"
	"jsongle/pkg/protocol"
)

// Link is a transport whose inbound frames are pumped by Listen().
type Link interface {
	Send(*protocol.Message) error
	OnMessage(func(*protocol.Message))
	Listen(ctx context.Context) error
}

// Outbox queues outbound envelopes and writes them to a Link from its own
// goroutine, in order. Send() never waits for the network. Write failures are
// logged.
type Outbox struct {
	link Link

	mx      sync.Mutex
	pending []*protocol.Message
	wake    chan struct{}
}

func NewOutbox(link Link) *Outbox {
	return &Outbox{
		link: link,
		wake: make(chan struct{}, 1),
	}
}

func (o *Outbox) Send(m *protocol.Message) error {
	o.mx.Lock()
	o.pending = append(o.pending, m)
	o.mx.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}

	return nil
}

func (o *Outbox) OnMessage(handler func(*protocol.Message)) {
	o.link.OnMessage(handler)
}

// Listen writes queued envelopes and listens on the link until ctx is done or
// the link fails. Envelopes still queued then are written before it returns.
func (o *Outbox) Listen(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})

	go func() {
		defer close(done)

		for {
			select {
			case <-ctx.Done():
				o.flush()

				return
			case <-o.wake:
				o.flush()
			}
		}
	}()

	err := o.link.Listen(ctx)
	cancel()
	<-done

	return err
}

func (o *Outbox) flush() {
	o.mx.Lock()
	pending := o.pending
	o.pending = nil
	o.mx.Unlock()

	for _, m := range pending {
		if err := o.link.Send(m); err != nil {
			log.Errorf("send '%s' for call '%s': %s", m.Jsongle.Action, m.Jsongle.SessionID, err)
		}
	}
}
