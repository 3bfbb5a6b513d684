package signal

import (
	"sync"

	"jsongle/pkg/log"
	"jsongle/pkg/protocol"
)

// receiver decodes inbound frames and hands them to the registered handler.
type receiver struct {
	codec Codec

	mu      sync.RWMutex
	handler func(*protocol.Message)
}

func (r *receiver) OnMessage(fn func(*protocol.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handler = fn
}

func (r *receiver) deliver(frame []byte) {
	m, err := r.codec.Unmarshal(frame)
	if err != nil {
		log.Warnf("drop inbound frame: %s", err)

		return
	}

	r.mu.RLock()
	handler := r.handler
	r.mu.RUnlock()

	if handler == nil {
		log.Warnf("drop inbound frame from '%s': no handler", m.From)

		return
	}

	handler(m)
}
