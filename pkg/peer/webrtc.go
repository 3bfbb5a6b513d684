// WebRTC negotiates the media of the current call with pion. It reacts to the
// session handler's observers and answers through it (see: Signal): the caller
// makes an offer once the peer proceeded, the callee answers the offer it
// receives, both relay their ICE candidates, and the caller activates the
// call when the peer connection is up.
//
// Local candidates gathered before the remote description is known are held
// back and flushed once it is set.
//
// Observers fire inside the handler's lane, so all the work is queued and
// done by a single goroutine in arrival order (see: loop()).

package peer

import (
	"encoding/json"
	"sync"
	"time"

	"jsongle/pkg/log"
	"jsongle/pkg/protocol"

	"github.com/pion/datachannel"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

type WebRTC struct {
	cfg WebRTCConfig

	signal Signal
	api    *webrtc.API

	// Owned by loop().
	conn       *webrtc.PeerConnection
	outgoing   bool
	candidates []webrtc.ICECandidateInit

	// Pending tasks. The queue is unbounded: enqueue() runs inside the
	// handler's lane and must never wait for loop().
	tasksMx      sync.Mutex
	tasks        []func()
	wake         chan struct{}
	shutdownChan chan struct{}
	closeOnce    sync.Once

	establishMx      sync.Mutex
	establishHandler func(datachannel.ReadWriteCloser)
}

type WebRTCConfig struct {
	STUN []string
}

func NewWebRTC(cfg WebRTCConfig, signal Signal) (*WebRTC, error) {
	media := &webrtc.MediaEngine{}

	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, errors.Wrap(err, "codecs")
	}

	settings := webrtc.SettingEngine{}

	settings.DetachDataChannels()
	settings.SetICETimeouts(15*time.Second, 25*time.Second, 2*time.Second)

	p := &WebRTC{
		cfg:              cfg,
		signal:           signal,
		api:              webrtc.NewAPI(webrtc.WithMediaEngine(media), webrtc.WithSettingEngine(settings)),
		wake:             make(chan struct{}, 1),
		shutdownChan:     make(chan struct{}),
		establishHandler: func(datachannel.ReadWriteCloser) {},
	}

	signal.OnOfferNeeded(func(c *protocol.Call) {
		p.enqueue(func() { p.offer(c) })
	})
	signal.OnOfferReceived(func(c *protocol.Call, payload json.RawMessage) {
		p.enqueue(func() { p.onSignalSDP(payload) })
	})
	signal.OnCandidateReceived(func(c *protocol.Call, payload json.RawMessage) {
		p.enqueue(func() { p.onSignalCandidate(payload) })
	})
	signal.OnCallEnded(func(c *protocol.Call) {
		p.enqueue(p.hangUp)
	})

	go p.loop()

	return p, nil
}

// OnEstablish registers h to be called with the detached data channel of
// every call once it opens.
func (p *WebRTC) OnEstablish(h func(datachannel.ReadWriteCloser)) {
	p.establishMx.Lock()
	defer p.establishMx.Unlock()

	p.establishHandler = h
}

func (p *WebRTC) Close() {
	p.closeOnce.Do(func() {
		close(p.shutdownChan)
	})
}

func (p *WebRTC) enqueue(task func()) {
	p.tasksMx.Lock()
	p.tasks = append(p.tasks, task)
	p.tasksMx.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *WebRTC) loop() {
	defer p.hangUp()

	for {
		select {
		case <-p.shutdownChan:
			return
		case <-p.wake:
		}

		p.tasksMx.Lock()
		tasks := p.tasks
		p.tasks = nil
		p.tasksMx.Unlock()

		for _, task := range tasks {
			select {
			case <-p.shutdownChan:
				return
			default:
			}

			task()
		}
	}
}

func (p *WebRTC) newConn(outgoing bool) error {
	p.hangUp()

	ice := make([]webrtc.ICEServer, len(p.cfg.STUN))

	for i, stun := range p.cfg.STUN {
		ice[i] = webrtc.ICEServer{
			URLs: []string{"stun:" + stun},
		}
	}

	conn, err := p.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ice,
	})
	if err != nil {
		return err
	}

	p.conn = conn
	p.outgoing = outgoing

	conn.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}

		p.enqueue(func() { p.onConnICECandidate(conn, candidate.ToJSON()) })
	})
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.enqueue(func() { p.onConnStateChange(conn, state) })
	})
	conn.OnDataChannel(p.registerDataChannel)

	return nil
}

// hangUp drops the connection of the previous call, if any.
func (p *WebRTC) hangUp() {
	if p.conn == nil {
		return
	}

	if err := p.conn.Close(); err != nil {
		log.Error(err)
	}

	p.conn = nil
	p.candidates = nil
}

func (p *WebRTC) offer(c *protocol.Call) {
	if err := p.newConn(true); err != nil {
		log.Errorf("peer connection for call '%s': %s", c.ID(), err)

		return
	}

	if err := p.makeOffer(c); err != nil {
		log.Errorf("offer for call '%s': %s", c.ID(), err)
	}
}

func (p *WebRTC) makeOffer(c *protocol.Call) error {
	audio, video := callMedia(c)
	recv := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}

	if audio {
		if _, err := p.conn.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recv); err != nil {
			return err
		}
	}

	if video {
		if _, err := p.conn.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recv); err != nil {
			return err
		}
	}

	dataChannel, err := p.conn.CreateDataChannel("jsongle", nil)
	if err != nil {
		return err
	}

	p.registerDataChannel(dataChannel)

	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return err
	}

	if err := p.conn.SetLocalDescription(offer); err != nil {
		return err
	}

	payload, err := json.Marshal(offer)
	if err != nil {
		return err
	}

	return p.signal.Offer(payload)
}

func (p *WebRTC) onSignalSDP(payload json.RawMessage) {
	sdp := webrtc.SessionDescription{}

	if err := json.Unmarshal(payload, &sdp); err != nil {
		log.Error(err)

		return
	}

	if sdp.Type == webrtc.SDPTypeOffer {
		if err := p.newConn(false); err != nil {
			log.Error(err)

			return
		}
	}

	if p.conn == nil {
		log.Errorf("%s received without a peer connection", sdp.Type)

		return
	}

	if err := p.conn.SetRemoteDescription(sdp); err != nil {
		log.Error(err)

		return
	}

	if sdp.Type == webrtc.SDPTypeOffer {
		if err := p.onSignalSDPOffer(); err != nil {
			log.Error(err)

			return
		}
	}

	for _, candidate := range p.candidates {
		if err := p.signalSendCandidate(candidate); err != nil {
			log.Error(err)
		}
	}

	p.candidates = nil
}

func (p *WebRTC) onSignalSDPOffer() error {
	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(answer)
	if err != nil {
		return err
	}

	if err := p.signal.Answer(payload); err != nil {
		return err
	}

	return p.conn.SetLocalDescription(answer)
}

func (p *WebRTC) onSignalCandidate(payload json.RawMessage) {
	if p.conn == nil {
		log.Warnf("candidate received without a peer connection")

		return
	}

	candidate := webrtc.ICECandidateInit{}

	if err := json.Unmarshal(payload, &candidate); err != nil {
		log.Error(err)

		return
	}

	if err := p.conn.AddICECandidate(candidate); err != nil {
		log.Error(err)
	}
}

func (p *WebRTC) onConnICECandidate(conn *webrtc.PeerConnection, candidate webrtc.ICECandidateInit) {
	if conn != p.conn {
		return
	}

	if conn.RemoteDescription() == nil {
		p.candidates = append(p.candidates, candidate)

		return
	}

	if err := p.signalSendCandidate(candidate); err != nil {
		log.Error(err)
	}
}

func (p *WebRTC) signalSendCandidate(candidate webrtc.ICECandidateInit) error {
	if p.conn.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return nil
	}

	payload, err := json.Marshal(candidate)
	if err != nil {
		return err
	}

	return p.signal.OfferCandidate(payload)
}

func (p *WebRTC) onConnStateChange(conn *webrtc.PeerConnection, state webrtc.PeerConnectionState) {
	if conn != p.conn {
		return
	}

	log.Info("connection state changed: ", state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		// The caller activates, the callee learns it from the peer.
		if !p.outgoing {
			return
		}

		if err := p.signal.Activate(); err != nil {
			log.Warnf("activate: %s", err)
		}
	case webrtc.PeerConnectionStateFailed:
		if err := p.signal.RetractOrTerminate(); err != nil {
			log.Warnf("hang up: %s", err)
		}
	}
}

func (p *WebRTC) registerDataChannel(channel *webrtc.DataChannel) {
	channel.OnOpen(func() {
		dataChannel, err := channel.Detach()
		if err != nil {
			log.Error(err)

			return
		}

		p.establishMx.Lock()
		h := p.establishHandler
		p.establishMx.Unlock()

		h(dataChannel)
	})
}
