package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNoop(t *testing.T) {
	if err := (Noop{}).Wait(context.Background(), "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (Noop{}).Wait(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLocal_PerKeyBuckets(t *testing.T) {
	l := NewLocal(0.001, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, "a"); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	if err := l.Wait(ctx, "b"); err != nil {
		t.Fatalf("other key should have its own bucket: %v", err)
	}
	if err := l.Wait(ctx, "a"); err == nil {
		t.Fatal("expected second request on exhausted bucket to fail with the deadline")
	}
}

func TestLocal_Unlimited(t *testing.T) {
	l := NewLocal(0, 0)
	for i := 0; i < 100; i++ {
		if err := l.Wait(context.Background(), "a"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

type fakeCounter struct {
	mu      sync.Mutex
	counts  map[string]int64
	expires map[string]time.Duration
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: map[string]int64{}, expires: map[string]time.Duration{}}
}

func (f *fakeCounter) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	return redis.NewIntResult(f.counts[key], nil)
}

func (f *fakeCounter) Expire(ctx context.Context, key string, exp time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires[key] = exp
	return redis.NewBoolResult(true, nil)
}

func TestRedis_AdmitsUpToLimit(t *testing.T) {
	fc := newFakeCounter()
	r := NewRedis(fc, 2, time.Minute)
	fixed := time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	for i := 0; i < 2; i++ {
		if err := r.Wait(context.Background(), "fhir.example.org"); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}
	if len(fc.expires) != 1 {
		t.Errorf("expected expiry set once per window, got %d", len(fc.expires))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx, "fhir.example.org"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected third request to wait past the deadline, got %v", err)
	}
}

func TestRedis_NewWindowResets(t *testing.T) {
	fc := newFakeCounter()
	r := NewRedis(fc, 1, time.Second)
	now := time.Date(2024, 1, 1, 10, 0, 0, 900_000_000, time.UTC)
	r.now = func() time.Time { return now }

	if err := r.Wait(context.Background(), "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now = now.Add(200 * time.Millisecond)
	if err := r.Wait(context.Background(), "k"); err != nil {
		t.Fatalf("expected next window to admit, got %v", err)
	}
}

func TestRedis_CounterError(t *testing.T) {
	r := NewRedis(errCounter{}, 1, time.Second)
	if err := r.Wait(context.Background(), "k"); err == nil {
		t.Fatal("expected error from counter")
	}
}

type errCounter struct{}

func (errCounter) Incr(ctx context.Context, key string) *redis.IntCmd {
	return redis.NewIntResult(0, errors.New("connection refused"))
}

func (errCounter) Expire(ctx context.Context, key string, exp time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(false, nil)
}

func TestChain(t *testing.T) {
	c := Chain{Noop{}, NewLocal(0, 0)}
	if err := c.Wait(context.Background(), "k"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
