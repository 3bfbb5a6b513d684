package signal

import (
	"context"

	"jsongle/pkg/protocol"

	"github.com/pkg/errors"
)

// ErrQueueFull is returned by Memory.Send() when the peer doesn't keep up.
var ErrQueueFull = errors.New("peer queue is full")

// Memory is one end of an in-process link. Frames are queued and delivered in
// order by Listen(), never from within Send().
type Memory struct {
	receiver

	peer  *Memory
	inbox chan []byte
}

type MemoryConfig struct {
	// Queue is the number of frames an end buffers. Defaults to 64.
	Queue int
}

// NewMemoryPair returns both ends of a link.
func NewMemoryPair(cfg MemoryConfig, codec Codec) (*Memory, *Memory) {
	if cfg.Queue <= 0 {
		cfg.Queue = 64
	}

	a := &Memory{receiver: receiver{codec: codec}, inbox: make(chan []byte, cfg.Queue)}
	b := &Memory{receiver: receiver{codec: codec}, inbox: make(chan []byte, cfg.Queue)}
	a.peer, b.peer = b, a

	return a, b
}

func (t *Memory) Send(m *protocol.Message) error {
	frame, err := t.codec.Marshal(m)
	if err != nil {
		return err
	}

	select {
	case t.peer.inbox <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

func (t *Memory) Listen(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-t.inbox:
			t.deliver(frame)
		}
	}
}
