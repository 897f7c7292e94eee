// Package ratelimit is a token-bucket request limiter adapted from
// go/resilience4g/rate_limit, wired here as an internal/mucks.Middleware
// protecting internal/dashboard's /ws and /status routes from a noisy
// viewer. Per-key buckets (keyed by remote IP) are created lazily and
// kept for the process lifetime of the dashboard hub.
package ratelimit

import (
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/rweiss/pintrain/internal/clock"
	"github.com/rweiss/pintrain/internal/mucks"
)

// Config is the static configuration for a rate limiter.
type Config interface {
	GetMaxTokens() int64
	GetRefillRate() int64
	GetOpCost() int64
}

// BucketConfig is the concrete Config pintrain actually constructs.
type BucketConfig struct {
	MaxTokens  int64
	RefillRate int64
	OpCost     int64
}

func (c *BucketConfig) GetMaxTokens() int64  { return c.MaxTokens }
func (c *BucketConfig) GetRefillRate() int64 { return c.RefillRate }
func (c *BucketConfig) GetOpCost() int64     { return c.OpCost }

// Limiter is the per-key rate limiter surface the middleware depends on.
type Limiter interface {
	Allow(cost int64) bool
}

// Factory builds a fresh Limiter for a newly-seen key.
type Factory interface {
	NewLimiter(config Config) (Limiter, error)
}

// TokenBucketFactory builds clock-driven token-bucket limiters.
type TokenBucketFactory struct {
	Clock clock.Clock
}

func NewTokenBucketFactory(c clock.Clock) *TokenBucketFactory {
	return &TokenBucketFactory{Clock: c}
}

func (f *TokenBucketFactory) NewLimiter(config Config) (Limiter, error) {
	if config.GetMaxTokens() <= 0 {
		return nil, errors.New("max tokens must be positive")
	}
	if config.GetRefillRate() <= 0 {
		return nil, errors.New("refill rate must be positive")
	}
	if config.GetOpCost() <= 0 {
		return nil, errors.New("op cost must be positive")
	}
	return &TokenBucket{
		config:        config,
		clock:         f.Clock,
		currentTokens: float64(config.GetMaxTokens()),
		lastRefill:    f.Clock.Now().UnixNano(),
	}, nil
}

// TokenBucket is a single key's bucket. Access is guarded by Allow's own
// lock, so callers must always use it by pointer.
type TokenBucket struct {
	config        Config
	clock         clock.Clock
	mu            sync.Mutex
	currentTokens float64
	lastRefill    int64
}

func (b *TokenBucket) Allow(cost int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	floatCost := float64(cost)
	if b.currentTokens >= floatCost {
		b.currentTokens -= floatCost
		return true
	}
	return false
}

func (b *TokenBucket) refill() {
	now := b.clock.Now().UnixNano()
	toAdd := float64((now - b.lastRefill) * b.config.GetRefillRate() / 1e9)
	if toAdd < 1.0 {
		return
	}
	max := float64(b.config.GetMaxTokens())
	if b.currentTokens+toAdd > max {
		b.currentTokens = max
	} else {
		b.currentTokens += toAdd
	}
	b.lastRefill = now
}

// KeyExtractor derives the rate-limit bucket key from a request.
type KeyExtractor interface {
	Apply(r *http.Request) string
}

// RemoteIPKeyExtractor keys on X-Forwarded-For, falling back to
// RemoteAddr for local testing without a fronting load balancer.
type RemoteIPKeyExtractor struct{}

func (RemoteIPKeyExtractor) Apply(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	return ip
}

// Middleware implements mucks.Middleware, rejecting requests over a
// per-key token-bucket limit with 429. A key whose limiter cannot be
// constructed fails open rather than blocking the dashboard outright.
type Middleware struct {
	factory   Factory
	extractor KeyExtractor
	config    Config

	mu       sync.Mutex
	limiters map[string]Limiter
}

func NewMiddleware(factory Factory, extractor KeyExtractor, config Config) mucks.Middleware {
	return &Middleware{
		factory:   factory,
		extractor: extractor,
		config:    config,
		limiters:  make(map[string]Limiter),
	}
}

func (m *Middleware) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := m.extractor.Apply(r)
		limiter, err := m.ensureLimiter(key)
		if err != nil {
			next(w, r)
			return
		}
		if limiter.Allow(m.config.GetOpCost()) {
			next(w, r)
			return
		}
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	}
}

func (m *Middleware) ensureLimiter(key string) (Limiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.limiters[key]; ok {
		return l, nil
	}
	l, err := m.factory.NewLimiter(m.config)
	if err != nil {
		return nil, err
	}
	m.limiters[key] = l
	return l, nil
}
