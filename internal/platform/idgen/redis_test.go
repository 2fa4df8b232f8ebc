package idgen

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeRedis implements the two commands RedisCounter issues. Any other call
// panics on the nil embedded interface.
type fakeRedis struct {
	redis.Cmdable

	mu      sync.Mutex
	values  map[string]int64
	expires map[string]time.Duration
	err     error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]int64{}, expires: map[string]time.Duration{}}
}

func (f *fakeRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.values[key]++
	return redis.NewIntResult(f.values[key], nil)
}

func (f *fakeRedis) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func TestRedisCounter_DailyKeysExpire(t *testing.T) {
	fake := newFakeRedis()
	gen := NewSequenceGenerator(NewRedisCounter(fake, WithKeyPrefix("test:")), func() time.Time {
		return time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	})
	ctx := context.Background()

	first, err := gen.NextSpecimenID(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	second, _ := gen.NextSpecimenID(ctx)
	if first != "SP-20261016-000001" || second != "SP-20261016-000002" {
		t.Errorf("unexpected ids %s %s", first, second)
	}
	if ttl := fake.expires["test:specimen:20261016"]; ttl != dailyKeyTTL {
		t.Errorf("expected daily key ttl %s, got %s", dailyKeyTTL, ttl)
	}

	if _, err := gen.NextBarcode(ctx); err != nil {
		t.Fatalf("barcode: %v", err)
	}
	if _, ok := fake.expires["test:barcode"]; ok {
		t.Error("barcode counter must not expire")
	}
}

func TestRedisCounter_Error(t *testing.T) {
	fake := newFakeRedis()
	fake.err = errors.New("connection refused")
	_, err := NewRedisCounter(fake).Next(context.Background(), "barcode")
	if err == nil || !strings.Contains(err.Error(), "lis:seq:barcode") {
		t.Errorf("expected wrapped error naming the key, got %v", err)
	}
}
