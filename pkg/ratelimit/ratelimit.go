package ratelimit

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Policy controls the backoff after consecutive 429s:
// delay = Base * 2^min(n, MaxExponent) + uniform[0, Jitter).
type Policy struct {
	Base        time.Duration
	MaxExponent int
	Jitter      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Base: time.Second, MaxExponent: 6, Jitter: time.Second}
}

// State is a snapshot of one model's backoff bookkeeping.
type State struct {
	BackoffUntil    time.Time
	Consecutive429s int
}

type entry struct {
	mu    sync.Mutex
	state State
}

// Limiter tracks 429 backoff per model. Entries are created lazily and live
// for the lifetime of the process; each has its own lock so models never
// contend with each other.
type Limiter struct {
	policy Policy
	quota  extratelimit.Limiter

	mu      sync.RWMutex
	entries map[string]*entry

	now    func() time.Time
	jitter func(time.Duration) time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

type Option func(*Limiter)

func WithPolicy(p Policy) Option {
	return func(l *Limiter) { l.policy = p }
}

// WithQuota adds a shared requests-per-minute quota per model on top of the
// local backoff. A denied quota check is handled like a 429.
func WithQuota(store extratelimit.Limiter) Option {
	return func(l *Limiter) { l.quota = store }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func WithJitter(jitter func(time.Duration) time.Duration) Option {
	return func(l *Limiter) { l.jitter = jitter }
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

func NewLimiter(opts ...Option) *Limiter {
	l := &Limiter{
		policy:  DefaultPolicy(),
		entries: make(map[string]*entry),
		now:     time.Now,
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int64N(int64(max)))
		},
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRedisQuota builds the shared quota store backed by Redis.
func NewRedisQuota(rdb *redis.Client, perMinute int) extratelimit.Limiter {
	return extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(perMinute),
		extratelimit.WithWindow(time.Minute),
	)
}

func (l *Limiter) get(model string) (*entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[model]
	return e, ok
}

func (l *Limiter) getOrCreate(model string) *entry {
	if e, ok := l.get(model); ok {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[model]; ok {
		return e
	}
	e := &entry{}
	l.entries[model] = e
	return e
}

// Acquire waits until model is out of backoff. It returns early only when
// ctx is done.
func (l *Limiter) Acquire(ctx context.Context, model string) error {
	for {
		if wait := l.remaining(model); wait > 0 {
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		if l.quota == nil {
			return nil
		}

		res, err := l.quota.Allow(ctx, quotaKey(model))
		if err != nil {
			log.Printf("ratelimit: quota check failed for %s, proceeding: %v", model, err)
			return nil
		}
		if res.Allowed {
			return nil
		}
		delay := l.Record429(model)
		log.Printf("ratelimit: quota exhausted for %s, backing off %s", model, delay)
	}
}

func (l *Limiter) remaining(model string) time.Duration {
	e, ok := l.get(model)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.BackoffUntil.IsZero() {
		return 0
	}
	return e.state.BackoffUntil.Sub(l.now())
}

// Record429 registers a rate-limit answer for model and returns the delay
// until the next request may be sent.
func (l *Limiter) Record429(model string) time.Duration {
	e := l.getOrCreate(model)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.Consecutive429s++
	delay := l.delay(e.state.Consecutive429s)
	e.state.BackoffUntil = l.now().Add(delay)
	return delay
}

// Delay returns the backoff for the n-th consecutive 429, without jitter.
func (p Policy) Delay(n int) time.Duration {
	exp := n
	if exp > p.MaxExponent {
		exp = p.MaxExponent
	}
	if exp < 0 {
		exp = 0
	}
	return p.Base * time.Duration(int64(1)<<exp)
}

func (l *Limiter) delay(n int) time.Duration {
	return l.policy.Delay(n) + l.jitter(l.policy.Jitter)
}

func (l *Limiter) RecordSuccess(model string) {
	e, ok := l.get(model)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = State{}
}

func (l *Limiter) InBackoff(model string) bool {
	return l.remaining(model) > 0
}

// State returns a copy of model's bookkeeping; ok is false when the model
// has never been rate limited.
func (l *Limiter) State(model string) (State, bool) {
	e, ok := l.get(model)
	if !ok {
		return State{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}

// QuotaStatus reports the shared quota for model, if one is configured.
func (l *Limiter) QuotaStatus(ctx context.Context, model string) (*extratelimit.Result, error) {
	if l.quota == nil {
		return nil, fmt.Errorf("no quota configured")
	}
	return l.quota.Status(ctx, quotaKey(model))
}

func quotaKey(model string) string {
	return fmt.Sprintf("ratelimit:model:%s", model)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
