// Package securitytoken holds the decoded JWT-lite security tokens
// issued by OCI's federation, resource-principal, and OKE
// workload-identity endpoints, plus the single-flight cached-profile
// base shared by every principal-based profile provider.
package securitytoken

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zalbiraw/nosqlauth/internal/jwtlite"
)

// Token is a decoded security token: the raw string plus its claim set,
// whose exp claim decides whether a cached Profile is still usable.
type Token struct {
	Raw    string
	Claims map[string]any
}

// FromJWT wraps a parsed JWT-lite token.
func FromJWT(tok *jwtlite.Token) *Token {
	return &Token{Raw: tok.Raw, Claims: tok.Payload}
}

// Expired reports whether the token's exp claim is within expireBefore
// of now, or missing/unparseable (treated as already expired).
func (t *Token) Expired(expireBefore time.Duration) bool {
	if t == nil {
		return true
	}
	raw, ok := t.Claims["exp"]
	if !ok {
		return true
	}
	exp, ok := raw.(float64)
	if !ok {
		return true
	}
	expiresAt := time.Unix(int64(exp), 0)
	return time.Now().Add(expireBefore).After(expiresAt)
}

// Claim returns an arbitrary claim from the token, e.g. "res_tenant" or
// "res_compartment" on a resource-principal token.
func (t *Token) Claim(key string) (any, bool) {
	if t == nil {
		return nil, false
	}
	v, ok := t.Claims[key]
	return v, ok
}

// Refresh produces a fresh profile plus the token backing it. Called at
// most once concurrently per Base via its single-flight group.
type Refresh[P any] func(ctx context.Context) (P, *Token, error)

// Logger is the minimal logging surface a Base needs to report swallowed
// background-refresh failures, satisfied by a *zap.SugaredLogger or a
// no-op stub.
type Logger interface {
	Warnw(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Warnw(string, ...any) {}

// Base is the cached "get profile" layer shared by every
// principal-based provider (instance principal, resource principal, OKE
// workload identity): it coalesces concurrent refreshes into one
// in-flight call and serves a cached Profile while the backing token
// remains outside expireBefore of its exp claim. When configured with a
// positive refreshAhead, it also arms a background refresh timer,
// mirroring the signature cache's proactive refresh one layer down.
type Base[P any] struct {
	expireBefore time.Duration
	refreshAhead time.Duration
	refresh      Refresh[P]
	logger       Logger

	group singleflight.Group

	mu       sync.Mutex
	hasValue bool
	cached   P
	token    *Token
	timer    *time.Timer
	closed   bool
}

// Option configures a Base.
type Option func(*baseOptions)

type baseOptions struct {
	refreshAhead time.Duration
	logger       Logger
}

// WithRefreshAhead arms a background refresh timer to fire d before the
// cached token would otherwise be treated as expired. Zero (the
// default) disables it.
func WithRefreshAhead(d time.Duration) Option {
	return func(o *baseOptions) { o.refreshAhead = d }
}

// WithLogger installs a logger for background-refresh failures, which
// are swallowed; the next foreground caller retries and surfaces the
// real cause.
func WithLogger(l Logger) Option {
	return func(o *baseOptions) { o.logger = l }
}

// NewBase creates a cached-profile base that calls refresh to produce a
// new Profile/Token pair whenever the cached one is missing, forced, or
// within expireBefore of its token's exp claim.
func NewBase[P any](expireBefore time.Duration, refresh Refresh[P], opts ...Option) *Base[P] {
	o := baseOptions{logger: noopLogger{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &Base[P]{expireBefore: expireBefore, refresh: refresh, refreshAhead: o.refreshAhead, logger: o.logger}
}

// GetProfile returns the cached profile, refreshing it first if
// forceRefresh is set, no profile has been cached yet, or the cached
// token is within expireBefore of expiry. Concurrent callers that land
// during a refresh share its result rather than triggering their own.
func (b *Base[P]) GetProfile(ctx context.Context, forceRefresh bool) (P, error) {
	if !forceRefresh && b.currentValid() {
		b.mu.Lock()
		cached := b.cached
		b.mu.Unlock()
		return cached, nil
	}

	v, err, _ := b.group.Do("refresh", func() (any, error) {
		// Re-check inside the group: a sibling call may have refreshed
		// while we waited to enter Do.
		if !forceRefresh && b.currentValid() {
			b.mu.Lock()
			cached := b.cached
			b.mu.Unlock()
			return cached, nil
		}
		p, tok, err := b.refresh(ctx)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.cached = p
		b.token = tok
		b.hasValue = true
		closed := b.closed
		b.mu.Unlock()
		if !closed {
			b.armTimer(tok)
		}
		return p, nil
	})
	if err != nil {
		var zero P
		return zero, err
	}
	return v.(P), nil
}

func (b *Base[P]) currentValid() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hasValue && !b.token.Expired(b.expireBefore)
}

// armTimer (re)schedules a background refresh to fire refreshAhead
// before tok would be treated as expired by currentValid, replacing any
// previously scheduled timer. Disabled when refreshAhead is zero or tok
// carries no usable exp claim.
func (b *Base[P]) armTimer(tok *Token) {
	if b.refreshAhead <= 0 || tok == nil {
		return
	}
	raw, ok := tok.Claims["exp"]
	if !ok {
		return
	}
	exp, ok := raw.(float64)
	if !ok {
		return
	}
	validUntil := time.Unix(int64(exp), 0).Add(-b.expireBefore)
	fireIn := time.Until(validUntil) - b.refreshAhead
	if fireIn <= 0 {
		return
	}

	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.timer = time.AfterFunc(fireIn, b.backgroundRefresh)
	b.mu.Unlock()
}

// backgroundRefresh runs on the timer goroutine. Failures are swallowed
// and not rescheduled; the next synchronous GetProfile call will retry
// and, on success, re-arm the timer.
func (b *Base[P]) backgroundRefresh() {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	if _, err := b.GetProfile(context.Background(), true); err != nil {
		b.logger.Warnw("background security token refresh failed", "error", err)
	}
}

// Close cancels any pending background-refresh timer. Idempotent.
func (b *Base[P]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	return nil
}
