package peer

import (
	"encoding/json"

	"jsongle/pkg/protocol"
	"jsongle/pkg/session"
)

// Signal is the part of the session handler the negotiator drives. Offers,
// answers and candidates travel through it as opaque JSON.
type Signal interface {
	Offer(json.RawMessage) error
	Answer(json.RawMessage) error
	OfferCandidate(json.RawMessage) error
	Activate() error
	RetractOrTerminate() error

	OnOfferNeeded(session.CallFunc)
	OnOfferReceived(session.PayloadFunc)
	OnCandidateReceived(session.PayloadFunc)
	OnCallEnded(session.CallFunc)
}

var _ Signal = (*session.Handler)(nil)

// callMedia tells whether a call needs an audio or a video track.
func callMedia(c *protocol.Call) (audio, video bool) {
	switch c.Media() {
	case protocol.MediaVideo:
		return true, true
	case protocol.MediaAudio:
		return true, false
	default:
		return false, false
	}
}
