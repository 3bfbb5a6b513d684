// Redis exchanges envelopes through Redis pub/sub: every peer subscribes to
// its own channel and publishes to the recipient's one (see: channel()).

package signal

import (
	"context"
	"time"

	"jsongle/pkg/log"
	"jsongle/pkg/protocol"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type Redis struct {
	receiver

	cfg RedisConfig

	client redis.UniversalClient
	ready  chan struct{}
}

type RedisConfig struct {
	Peer    string
	Prefix  string
	Timeout time.Duration
}

func NewRedis(cfg RedisConfig, client redis.UniversalClient, codec Codec) (*Redis, error) {
	if cfg.Peer == "" {
		return nil, errors.New("peer is required")
	}

	if cfg.Prefix == "" {
		cfg.Prefix = "jsongle"
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	return &Redis{
		receiver: receiver{codec: codec},
		cfg:      cfg,
		client:   client,
		ready:    make(chan struct{}),
	}, nil
}

func (t *Redis) channel(peer string) string {
	return t.cfg.Prefix + ":" + peer
}

func (t *Redis) Send(m *protocol.Message) error {
	frame, err := t.codec.Marshal(m)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
	defer cancel()

	return errors.Wrap(t.client.Publish(ctx, t.channel(m.To), frame).Err(), "publish")
}

// Ready is closed once Listen() is subscribed.
func (t *Redis) Ready() <-chan struct{} {
	return t.ready
}

func (t *Redis) Listen(ctx context.Context) error {
	sub := t.client.Subscribe(ctx, t.channel(t.cfg.Peer))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrap(err, "subscribe")
	}

	close(t.ready)
	log.Infof("listening on redis channel '%s'", t.channel(t.cfg.Peer))

	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}

			t.deliver([]byte(msg.Payload))
		}
	}
}
