package signal

import (
	"encoding/json"

	"jsongle/pkg/protocol"

	"github.com/pkg/errors"
)

// Codec turns envelopes into transport frames and back. Every codec keeps
// "from" and "to" readable at the top level of a frame so that relays can
// route it (see: Route()).
type Codec interface {
	Marshal(*protocol.Message) ([]byte, error)
	Unmarshal([]byte) (*protocol.Message, error)
}

// JSONCodec sends envelopes as plain JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(m *protocol.Message) ([]byte, error) {
	return json.Marshal(m)
}

func (JSONCodec) Unmarshal(frame []byte) (*protocol.Message, error) {
	m := &protocol.Message{}

	if err := json.Unmarshal(frame, m); err != nil {
		return nil, errors.Wrap(err, "json frame")
	}

	return m, nil
}

type Crypto interface {
	Encrypt([]byte) ([]byte, error)
	Decrypt([]byte) ([]byte, error)
}

// SealedCodec encrypts the jsongle block of an envelope with a key shared by
// both peers. Routing fields stay in clear.
type SealedCodec struct {
	crypto Crypto
}

func NewSealedCodec(crypto Crypto) *SealedCodec {
	return &SealedCodec{crypto: crypto}
}

type sealedFrame struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Sealed []byte `json:"sealed"`
}

func (c *SealedCodec) Marshal(m *protocol.Message) ([]byte, error) {
	plain, err := json.Marshal(m.Jsongle)
	if err != nil {
		return nil, errors.Wrap(err, "jsongle")
	}

	sealed, err := c.crypto.Encrypt(plain)
	if err != nil {
		return nil, errors.Wrap(err, "seal")
	}

	return json.Marshal(sealedFrame{From: m.From, To: m.To, Sealed: sealed})
}

func (c *SealedCodec) Unmarshal(frame []byte) (*protocol.Message, error) {
	var f sealedFrame

	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, errors.Wrap(err, "sealed frame")
	}

	m := &protocol.Message{From: f.From, To: f.To}

	if len(f.Sealed) == 0 {
		return m, nil
	}

	plain, err := c.crypto.Decrypt(f.Sealed)
	if err != nil {
		return nil, errors.Wrap(err, "unseal")
	}

	m.Jsongle = &protocol.Jsongle{}

	if err := json.Unmarshal(plain, m.Jsongle); err != nil {
		return nil, errors.Wrap(err, "jsongle")
	}

	return m, nil
}

// Route returns the sender and the recipient of a frame made by any Codec.
func Route(frame []byte) (from, to string, err error) {
	var r struct {
		From string `json:"from"`
		To   string `json:"to"`
	}

	if err := json.Unmarshal(frame, &r); err != nil {
		return "", "", errors.Wrap(err, "route")
	}

	if r.To == "" {
		return "", "", errors.New("route: no recipient")
	}

	return r.From, r.To, nil
}
