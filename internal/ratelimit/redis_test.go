package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newRedisCounter(t *testing.T) (*RedisCounter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCounter(client), mr
}

func TestRedisCounterWindow(t *testing.T) {
	counter, mr := newRedisCounter(t)
	l := New(counter, zerolog.Nop(), nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d := l.Allow(ctx, "user-1", "solve", 5, time.Minute)
		if !d.Allowed || d.Count != int64(i) {
			t.Fatalf("request %d: got %+v want allowed with count %d", i, d, i)
		}
	}
	if ttl := mr.TTL(Key("user-1", "solve")); ttl != time.Minute {
		t.Fatalf("window ttl got %s want 1m", ttl)
	}

	mr.FastForward(20 * time.Second)
	d := l.Allow(ctx, "user-1", "solve", 5, time.Minute)
	if d.Allowed || d.Count != 6 {
		t.Fatalf("sixth request got %+v want rejected", d)
	}
	if d.RetryAfterSeconds() != 40 {
		t.Fatalf("retry after got %ds want 40", d.RetryAfterSeconds())
	}

	mr.FastForward(41 * time.Second)
	if d := l.Allow(ctx, "user-1", "solve", 5, time.Minute); !d.Allowed || d.Count != 1 {
		t.Fatalf("after expiry got %+v want a fresh window", d)
	}
}

func TestRedisCounterRepairsMissingExpiry(t *testing.T) {
	counter, mr := newRedisCounter(t)
	key := Key("user-1", "parse")
	if err := mr.Set(key, "3"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	count, ttl, err := counter.Incr(context.Background(), key, time.Minute)
	if err != nil {
		t.Fatalf("Incr: %v", err)
	}
	if count != 4 || ttl != time.Minute {
		t.Fatalf("got count %d ttl %s want 4 and 1m", count, ttl)
	}
	if got := mr.TTL(key); got != time.Minute {
		t.Fatalf("stored ttl got %s want 1m", got)
	}
}
