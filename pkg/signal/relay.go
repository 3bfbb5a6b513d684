// Relay is a WebSocket server forwarding frames between the peers connected to
// it. A peer registers with the "peer" query parameter; a frame is forwarded
// to the peer named by its "to" field (see: Route()).
//
// A plain JSON envelope addressed to a peer that isn't connected is answered
// with a session-info/unreachable envelope on its session. Sealed envelopes
// can't be answered, they are dropped.

package signal

import (
	"net/http"
	"sync"
	"time"

	"jsongle/pkg/log"
	"jsongle/pkg/protocol"

	"github.com/gorilla/websocket"
)

type Relay struct {
	upgrader websocket.Upgrader

	peersMx sync.RWMutex
	peers   map[string]*relayPeer
}

type relayPeer struct {
	conn    *websocket.Conn
	writeMx sync.Mutex
}

func (p *relayPeer) write(frame []byte) error {
	p.writeMx.Lock()
	defer p.writeMx.Unlock()

	return p.conn.WriteMessage(websocket.TextMessage, frame)
}

func NewRelay() *Relay {
	return &Relay{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peers: make(map[string]*relayPeer),
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	id := req.URL.Query().Get("peer")
	if id == "" {
		http.Error(w, "peer is required", http.StatusBadRequest)

		return
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warnf("relay: upgrade '%s': %s", id, err)

		return
	}

	p := &relayPeer{conn: conn}
	r.register(id, p)
	defer r.unregister(id, p)

	log.Infof("relay: peer '%s' connected", id)
	defer log.Infof("relay: peer '%s' disconnected", id)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}

		r.forward(p, frame)
	}
}

// Connected reports whether a peer is registered under id.
func (r *Relay) Connected(id string) bool {
	r.peersMx.RLock()
	defer r.peersMx.RUnlock()

	_, ok := r.peers[id]

	return ok
}

func (r *Relay) register(id string, p *relayPeer) {
	r.peersMx.Lock()
	old := r.peers[id]
	r.peers[id] = p
	r.peersMx.Unlock()

	if old != nil {
		log.Warnf("relay: peer '%s' reconnected, closing the previous connection", id)
		old.conn.Close()
	}
}

func (r *Relay) unregister(id string, p *relayPeer) {
	r.peersMx.Lock()
	if r.peers[id] == p {
		delete(r.peers, id)
	}
	r.peersMx.Unlock()

	p.conn.Close()
}

func (r *Relay) forward(sender *relayPeer, frame []byte) {
	from, to, err := Route(frame)
	if err != nil {
		log.Warnf("relay: drop frame: %s", err)

		return
	}

	r.peersMx.RLock()
	target := r.peers[to]
	r.peersMx.RUnlock()

	if target == nil {
		log.Warnf("relay: peer '%s' unreachable for '%s'", to, from)
		r.unreachable(sender, frame)

		return
	}

	if err := target.write(frame); err != nil {
		log.Warnf("relay: forward to '%s': %s", to, err)
	}
}

func (r *Relay) unreachable(sender *relayPeer, frame []byte) {
	m, err := JSONCodec{}.Unmarshal(frame)
	if err != nil || m.Jsongle == nil || m.Jsongle.SessionID == "" {
		return
	}

	reply, err := JSONCodec{}.Marshal(m.Reply(protocol.ActionInfo, protocol.ReasonUnreachable, protocol.Ended(time.Now())))
	if err != nil {
		return
	}

	if err := sender.write(reply); err != nil {
		log.Warnf("relay: reply unreachable: %s", err)
	}
}
