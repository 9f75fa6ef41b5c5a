package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	extratelimit "github.com/vnmchuo/ratelimiter"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

func newTestLimiter(clock *fakeClock, opts ...Option) *Limiter {
	base := []Option{
		WithClock(clock.Now),
		WithSleep(clock.Sleep),
		WithJitter(func(time.Duration) time.Duration { return 0 }),
	}
	return NewLimiter(append(base, opts...)...)
}

func TestRecord429_IndependentPerModel(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newTestLimiter(clock)

	l.Record429("model-a")
	if !l.InBackoff("model-a") {
		t.Error("Expected model-a in backoff")
	}
	if l.InBackoff("model-b") {
		t.Error("Expected model-b unaffected")
	}
	if _, ok := l.State("model-b"); ok {
		t.Error("Expected no state for model-b")
	}
}

func TestRecord429_IncreasesUntilCap(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newTestLimiter(clock)

	var prev time.Duration
	for i := 1; i <= 6; i++ {
		d := l.Record429("m")
		if d <= prev {
			t.Errorf("attempt %d: expected delay > %s, got %s", i, prev, d)
		}
		prev = d
	}
	if prev != 64*time.Second {
		t.Errorf("Expected 64s at the cap, got %s", prev)
	}
	if d := l.Record429("m"); d != 64*time.Second {
		t.Errorf("Expected delay capped at 64s, got %s", d)
	}

	l.RecordSuccess("m")
	st, _ := l.State("m")
	if st.Consecutive429s != 0 || !st.BackoffUntil.IsZero() || l.InBackoff("m") {
		t.Errorf("Expected reset state, got %+v", st)
	}
	if d := l.Record429("m"); d != 2*time.Second {
		t.Errorf("Expected backoff to restart at 2s, got %s", d)
	}
}

func TestRecord429_JitterBounds(t *testing.T) {
	l := NewLimiter()
	for i := 0; i < 50; i++ {
		l.RecordSuccess("m")
		d := l.Record429("m")
		if d < 2*time.Second || d >= 3*time.Second {
			t.Fatalf("Expected delay in [2s, 3s), got %s", d)
		}
	}
}

func TestAcquire_WaitsOutBackoff(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := newTestLimiter(clock)

	start := clock.Now()
	l.Record429("m")
	if err := l.Acquire(context.Background(), "m"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if waited := clock.Now().Sub(start); waited != 2*time.Second {
		t.Errorf("Expected to wait 2s, waited %s", waited)
	}

	before := clock.Now()
	if err := l.Acquire(context.Background(), "other"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if clock.Now() != before {
		t.Error("Expected no wait for a fresh model")
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	l := NewLimiter(WithPolicy(Policy{Base: time.Hour, MaxExponent: 6}))
	l.Record429("m")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, "m"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

type mockQuota struct {
	mu      sync.Mutex
	answers []bool
	err     error
	keys    []string
}

func (m *mockQuota) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	if m.err != nil {
		return nil, m.err
	}
	allowed := true
	if len(m.answers) > 0 {
		allowed, m.answers = m.answers[0], m.answers[1:]
	}
	return &extratelimit.Result{Allowed: allowed}, nil
}

func (m *mockQuota) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return m.Allow(ctx, key)
}

func (m *mockQuota) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: true}, nil
}

func TestAcquire_QuotaDenialBacksOff(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	quota := &mockQuota{answers: []bool{false, true}}
	l := newTestLimiter(clock, WithQuota(quota))

	if err := l.Acquire(context.Background(), "gpt-4o"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if len(quota.keys) != 2 || quota.keys[0] != "ratelimit:model:gpt-4o" {
		t.Errorf("Unexpected quota keys: %v", quota.keys)
	}
	st, _ := l.State("gpt-4o")
	if st.Consecutive429s != 1 {
		t.Errorf("Expected the denial to count as a 429, got %d", st.Consecutive429s)
	}
}

func TestAcquire_QuotaErrorIgnored(t *testing.T) {
	l := NewLimiter(WithQuota(&mockQuota{err: errors.New("redis down")}))
	if err := l.Acquire(context.Background(), "m"); err != nil {
		t.Errorf("Expected quota errors to be ignored, got %v", err)
	}
}

func TestLimiter_ConcurrentModels(t *testing.T) {
	l := NewLimiter()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			model := "m-even"
			if i%2 == 1 {
				model = "m-odd"
			}
			l.Record429(model)
			l.InBackoff(model)
			l.State(model)
		}(i)
	}
	wg.Wait()

	even, _ := l.State("m-even")
	odd, _ := l.State("m-odd")
	if even.Consecutive429s != 10 || odd.Consecutive429s != 10 {
		t.Errorf("Expected 10/10 consecutive 429s, got %d/%d", even.Consecutive429s, odd.Consecutive429s)
	}
}
