// Redis reserves a call slot of a peer in a shared counter so that several
// processes answering for the same peer don't exceed Limit calls at once.
//
// A reservation is taken atomically by a Lua script and expires after TTL, so a
// crashed process doesn't hold a slot forever. The store is a sink: a refused
// reservation is logged, it doesn't stop the handshake, and the release of
// that call leaves the shared counter alone.

package callstore

import (
	"context"
	"sync"
	"time"

	"jsongle/pkg/log"
	"jsongle/pkg/session"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var reserveScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

var releaseScript = redis.NewScript(`
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// ErrLimitReached is returned by Reserve() when every slot of the peer is
// taken.
var ErrLimitReached = errors.New("call limit reached")

type Redis struct {
	cfg RedisConfig

	client redis.UniversalClient

	mu sync.Mutex
	// held counts the slots this store reserved and hasn't released yet.
	held int
}

type RedisConfig struct {
	// Peer is the identifier whose slots are counted.
	Peer    string
	Limit   int
	TTL     time.Duration
	Timeout time.Duration
}

func NewRedis(cfg RedisConfig, client redis.UniversalClient) (*Redis, error) {
	if cfg.Peer == "" {
		return nil, errors.New("peer is required")
	}

	if cfg.Limit <= 0 {
		cfg.Limit = 1
	}

	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	return &Redis{
		cfg:    cfg,
		client: client,
	}, nil
}

func (s *Redis) key() string {
	return "jsongle:calls:" + s.cfg.Peer
}

func (s *Redis) Dispatch(ev session.CallEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	var err error

	switch ev {
	case session.CallEventInitiate, session.CallEventAnswer:
		err = s.Reserve(ctx)
	case session.CallEventRelease:
		err = s.Release(ctx)
	default:
		err = errors.Errorf("unknown event %q", ev)
	}

	if err != nil {
		log.Warnf("call store: %s: %s", ev, err)
	}
}

func (s *Redis) Reserve(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := reserveScript.Run(ctx, s.client, []string{s.key()}, s.cfg.Limit, s.cfg.TTL.Milliseconds()).Int()
	if err != nil {
		return errors.Wrap(err, "reserve")
	}

	if ok != 1 {
		return errors.Wrapf(ErrLimitReached, "peer %s", s.cfg.Peer)
	}

	s.held++

	return nil
}

// Release frees one slot reserved by this store. A call whose reservation was
// refused holds no slot, so releasing it leaves the counter alone.
func (s *Redis) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.held == 0 {
		return nil
	}

	if _, err := releaseScript.Run(ctx, s.client, []string{s.key()}).Result(); err != nil {
		return errors.Wrap(err, "release")
	}

	s.held--

	return nil
}

// Held returns the number of slots reserved by this store.
func (s *Redis) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.held
}

// Reserved returns the number of slots of the peer currently held.
func (s *Redis) Reserved(ctx context.Context) (int, error) {
	n, err := s.client.Get(ctx, s.key()).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}

	return n, errors.Wrap(err, "reserved")
}
