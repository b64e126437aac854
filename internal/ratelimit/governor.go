// Package ratelimit wraps every external call with a per-source token
// bucket and circuit breaker.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/classtrack/sync-server/internal/syncerr"
)

// SourceLimit configures the token bucket for one source.
type SourceLimit struct {
	// RequestsPerSecond is the sustained refill rate.
	RequestsPerSecond float64

	// Burst is the bucket capacity.
	Burst int
}

// DefaultSourceLimit is used for sources without an explicit limit.
func DefaultSourceLimit() SourceLimit {
	return SourceLimit{RequestsPerSecond: 10, Burst: 10}
}

// Governor owns the limiters and breakers for all configured sources.
// Every external call goes through Do.
type Governor struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*CircuitBreaker

	limits          map[string]SourceLimit
	defaultLimit    SourceLimit
	breakerSettings BreakerSettings
	sourceBreakers  map[string]BreakerSettings
}

// GovernorOption configures a Governor.
type GovernorOption func(*Governor)

// WithBreakerSettings overrides the breaker settings applied to every
// source.
func WithBreakerSettings(settings BreakerSettings) GovernorOption {
	return func(g *Governor) {
		g.breakerSettings = settings
	}
}

// WithSourceBreakerSettings overrides the breaker settings for
// individual sources.
func WithSourceBreakerSettings(settings map[string]BreakerSettings) GovernorOption {
	return func(g *Governor) {
		g.sourceBreakers = settings
	}
}

// WithDefaultLimit overrides the limit applied to unconfigured sources.
func WithDefaultLimit(limit SourceLimit) GovernorOption {
	return func(g *Governor) {
		g.defaultLimit = limit
	}
}

// NewGovernor creates a Governor with per-source limits. Sources not
// present in limits get the default limit on first use.
func NewGovernor(limits map[string]SourceLimit, opts ...GovernorOption) *Governor {
	g := &Governor{
		limiters:        make(map[string]*rate.Limiter),
		breakers:        make(map[string]*CircuitBreaker),
		limits:          limits,
		defaultLimit:    DefaultSourceLimit(),
		breakerSettings: DefaultBreakerSettings(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do executes fn under the source's rate limit and circuit breaker.
// It blocks until a token is available or ctx expires. While the
// breaker is open the call fails fast without contacting the source.
func (g *Governor) Do(ctx context.Context, source string, fn func(ctx context.Context) error) error {
	breaker := g.breakerFor(source)

	if !breaker.Allow() {
		return syncerr.New(syncerr.KindNetwork,
			fmt.Sprintf("circuit breaker open for source %s", source))
	}

	if err := g.limiterFor(source).Wait(ctx); err != nil {
		// The source was never contacted, so this is not a breaker
		// failure; just release the probe slot if we held one.
		breaker.CancelProbe()
		if errors.Is(err, context.DeadlineExceeded) {
			return syncerr.Wrap(syncerr.KindTimeout, err,
				fmt.Sprintf("timed out waiting for rate limit token for source %s", source))
		}
		return syncerr.Wrap(syncerr.KindTimeout, err,
			fmt.Sprintf("rate limit wait cancelled for source %s", source))
	}

	err := fn(ctx)
	if err != nil {
		breaker.RecordFailure()
		return err
	}

	breaker.RecordSuccess()
	return nil
}

// BreakerState returns the breaker state for the source, creating the
// breaker if the source has not been called yet.
func (g *Governor) BreakerState(source string) State {
	return g.breakerFor(source).State()
}

func (g *Governor) limiterFor(source string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	limiter, ok := g.limiters[source]
	if !ok {
		limit := g.defaultLimit
		if configured, found := g.limits[source]; found {
			limit = configured
		}
		limiter = rate.NewLimiter(rate.Limit(limit.RequestsPerSecond), limit.Burst)
		g.limiters[source] = limiter
		slog.Debug("Created rate limiter",
			"source", source,
			"requests_per_second", limit.RequestsPerSecond,
			"burst", limit.Burst)
	}
	return limiter
}

func (g *Governor) breakerFor(source string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	breaker, ok := g.breakers[source]
	if !ok {
		settings := g.breakerSettings
		if configured, found := g.sourceBreakers[source]; found {
			settings = configured
		}
		breaker = NewCircuitBreaker(source, settings)
		g.breakers[source] = breaker
	}
	return breaker
}
