// Package sigcache implements the cloud signature cache: the top layer
// of the cloud chain, producing and memoizing the exact
// "(request-target) host date" Signature header for a fixed TTL, with
// proactive background refresh and forced invalidation when the data
// peer rejects a signature. Content-signed operations (table DDL,
// tag/limits change, add/drop replica) bypass the cache entirely since
// their signing content is body-specific on every call.
package sigcache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zalbiraw/nosqlauth/internal/crypto"
	"github.com/zalbiraw/nosqlauth/internal/profile"
)

// plainSigningHeaders is the signingHeaders value for a request that
// does not require a content digest.
const plainSigningHeaders = "(request-target) host date"

// contentSigningHeaders is the expanded signingHeaders value for a
// content-signed control-plane operation.
const contentSigningHeaders = "(request-target) host date content-length content-type x-content-sha256"

// SignatureDetails is the cached result of one signing operation.
// DateString is both part of the signed input and the verbatim Date
// header sent with the request; any refresh regenerates all fields
// together so they always refer to the same instant.
type SignatureDetails struct {
	CreatedAt     time.Time
	DateString    string
	AuthHeader    string
	TenantID      string
	Compartment   string
	OBOToken      string
	ContentSHA256 string
}

// expired reports whether d is older than durationSeconds.
func (d *SignatureDetails) expired(durationSeconds int) bool {
	if d == nil {
		return true
	}
	return time.Since(d.CreatedAt) > time.Duration(durationSeconds)*time.Second
}

// Logger is the minimal logging surface sigcache needs, satisfied by a
// *zap.SugaredLogger or a no-op stub.
type Logger interface {
	Warnw(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Warnw(string, ...any) {}

// Cache memoizes the per-request Signature/Date headers for a single
// provider/host pair.
type Cache struct {
	provider profile.Provider
	host     string
	dataPath string

	durationSeconds int
	refreshAhead    time.Duration

	logger Logger

	group singleflight.Group

	mu      sync.Mutex
	current *SignatureDetails
	timer   *time.Timer
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger installs a logger for background-refresh failures, which
// are swallowed; the next synchronous caller retries and surfaces the
// real cause.
func WithLogger(l Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates a Cache that signs for host/dataPath using provider,
// caching results for durationSeconds and arming a background refresh
// refreshAhead before expiry when refreshAhead is positive and less
// than the TTL.
func New(provider profile.Provider, host, dataPath string, durationSeconds int, refreshAhead time.Duration, opts ...Option) *Cache {
	c := &Cache{
		provider:        provider,
		host:            host,
		dataPath:        dataPath,
		durationSeconds: durationSeconds,
		refreshAhead:    refreshAhead,
		logger:          noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached SignatureDetails, signing fresh if invalidate
// is set, nothing is cached yet, or the cached entry exceeded its TTL.
// Concurrent misses coalesce into a single signing operation.
func (c *Cache) Get(ctx context.Context, invalidate bool) (*SignatureDetails, error) {
	if !invalidate {
		c.mu.Lock()
		cur := c.current
		c.mu.Unlock()
		if !cur.expired(c.durationSeconds) {
			return cur, nil
		}
	}

	v, err, _ := c.group.Do("sign", func() (any, error) {
		if !invalidate {
			c.mu.Lock()
			cur := c.current
			c.mu.Unlock()
			if !cur.expired(c.durationSeconds) {
				return cur, nil
			}
		}
		return c.sign(ctx, invalidate)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SignatureDetails), nil
}

// SignContent always produces a fresh signature over body's digest; it
// is never cached since every body produces a different
// x-content-sha256.
func (c *Cache) SignContent(ctx context.Context, forceProfileRefresh bool, body []byte, contentType string) (*SignatureDetails, error) {
	prof, err := c.provider.GetProfile(ctx, forceProfileRefresh)
	if err != nil {
		return nil, err
	}

	date := time.Now().UTC().Format(time.RFC1123)
	digest := crypto.SHA256Base64(body)
	contentLength := strconv.Itoa(len(body))

	signingContent := fmt.Sprintf(
		"(request-target): post %s\nhost: %s\ndate: %s\ncontent-length: %s\ncontent-type: %s\nx-content-sha256: %s",
		c.dataPath, c.host, date, contentLength, contentType, digest,
	)
	signature, err := crypto.SignPKCS1v15SHA256(prof.PrivateKey, []byte(signingContent))
	if err != nil {
		return nil, err
	}

	authHeader := fmt.Sprintf(
		`Signature headers="%s",keyId="%s",algorithm="rsa-sha256",signature="%s",version="1"`,
		contentSigningHeaders, prof.KeyID, signature,
	)

	return &SignatureDetails{
		CreatedAt:     time.Now(),
		DateString:    date,
		AuthHeader:    authHeader,
		TenantID:      prof.TenantID,
		Compartment:   prof.Compartment,
		OBOToken:      prof.OBOToken,
		ContentSHA256: digest,
	}, nil
}

// Close cancels any pending background-refresh timer. Idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	return nil
}

func (c *Cache) sign(ctx context.Context, forceProfileRefresh bool) (*SignatureDetails, error) {
	prof, err := c.provider.GetProfile(ctx, forceProfileRefresh)
	if err != nil {
		return nil, err
	}

	date := time.Now().UTC().Format(time.RFC1123)
	signingContent := fmt.Sprintf("(request-target): post %s\nhost: %s\ndate: %s", c.dataPath, c.host, date)
	signature, err := crypto.SignPKCS1v15SHA256(prof.PrivateKey, []byte(signingContent))
	if err != nil {
		return nil, err
	}

	authHeader := fmt.Sprintf(
		`Signature headers="%s",keyId="%s",algorithm="rsa-sha256",signature="%s",version="1"`,
		plainSigningHeaders, prof.KeyID, signature,
	)

	details := &SignatureDetails{
		CreatedAt:   time.Now(),
		DateString:  date,
		AuthHeader:  authHeader,
		TenantID:    prof.TenantID,
		Compartment: prof.Compartment,
		OBOToken:    prof.OBOToken,
	}

	c.mu.Lock()
	c.current = details
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		c.armTimer()
	}

	return details, nil
}

// armTimer (re)schedules the background refresh to fire refreshAhead
// before the entry's TTL expires, replacing any previously scheduled
// timer. A zero, negative, or TTL-exceeding refreshAhead disables
// background refresh entirely.
func (c *Cache) armTimer() {
	if c.refreshAhead <= 0 || c.refreshAhead >= time.Duration(c.durationSeconds)*time.Second {
		return
	}

	fireIn := time.Duration(c.durationSeconds)*time.Second - c.refreshAhead

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.timer = time.AfterFunc(fireIn, c.backgroundRefresh)
	c.mu.Unlock()
}

// backgroundRefresh runs on the timer goroutine. Failures are swallowed
// and not rescheduled; the next synchronous Get call will retry and, on
// success, re-arm the timer.
func (c *Cache) backgroundRefresh() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := c.sign(ctx, false); err != nil {
		c.logger.Warnw("background signature refresh failed", "error", err)
	}
}
