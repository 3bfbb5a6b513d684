package callstore

import (
	"context"
	"testing"
	"time"

	"jsongle/pkg/log"
	"jsongle/pkg/session"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T, limit int) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	log.Discard()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	s, err := NewRedis(RedisConfig{Peer: "alice", Limit: limit, TTL: time.Minute}, client)
	if err != nil {
		t.Fatal(err)
	}

	return s, mr
}

func TestRedisReserveRelease(t *testing.T) {
	s, mr := newRedisStore(t, 2)
	ctx := context.Background()

	if err := s.Reserve(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.Reserve(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.Reserve(ctx); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("err = %v; want ErrLimitReached", err)
	}

	if n, _ := s.Reserved(ctx); n != 2 {
		t.Fatalf("reserved = %d; want 2", n)
	}

	if ttl := mr.TTL("jsongle:calls:alice"); ttl <= 0 {
		t.Fatalf("reservation has no ttl")
	}

	s.Dispatch(session.CallEventRelease)
	s.Dispatch(session.CallEventRelease)

	if mr.Exists("jsongle:calls:alice") {
		t.Fatalf("counter must be deleted once every slot is released")
	}

	if n, err := s.Reserved(ctx); err != nil || n != 0 {
		t.Fatalf("reserved = %d, %v", n, err)
	}
}

func TestRedisDispatchReserves(t *testing.T) {
	s, _ := newRedisStore(t, 1)

	s.Dispatch(session.CallEventAnswer)
	s.Dispatch(session.CallEventInitiate)

	if n, _ := s.Reserved(context.Background()); n != 1 {
		t.Fatalf("reserved = %d; want 1", n)
	}
}

func TestNewRedisRequiresPeer(t *testing.T) {
	if _, err := NewRedis(RedisConfig{}, nil); err == nil {
		t.Fatalf("expected an error")
	}
}

func TestRedisRefusedCallReleasesNothing(t *testing.T) {
	log.Discard()

	mr := miniredis.RunT(t)
	ctx := context.Background()

	stores := make([]*Redis, 2)
	for i := range stores {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })

		s, err := NewRedis(RedisConfig{Peer: "alice", Limit: 1, TTL: time.Minute}, client)
		if err != nil {
			t.Fatal(err)
		}

		stores[i] = s
	}

	first, second := stores[0], stores[1]

	first.Dispatch(session.CallEventInitiate)
	second.Dispatch(session.CallEventAnswer)

	if second.Held() != 0 {
		t.Fatalf("refused store holds %d slots", second.Held())
	}

	second.Dispatch(session.CallEventRelease)

	if n, _ := first.Reserved(ctx); n != 1 {
		t.Fatalf("reserved = %d; want 1 while the first call is live", n)
	}

	if err := second.Reserve(ctx); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("err = %v; want ErrLimitReached", err)
	}

	first.Dispatch(session.CallEventRelease)

	if n, _ := first.Reserved(ctx); n != 0 || first.Held() != 0 {
		t.Fatalf("reserved = %d, held = %d after release", n, first.Held())
	}
}
