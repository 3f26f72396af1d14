// Package profile implements the seven ways the cloud authorization
// chain can obtain a signing identity: direct user credentials, an OCI
// configuration file, a user-supplied callback, a session token, an
// instance principal, a resource principal, and OKE workload identity.
// Every provider satisfies Provider and is wrapped by internal/sigcache
// to produce request headers.
package profile

import (
	"context"
	"crypto/rsa"
	"time"

	"github.com/zalbiraw/nosqlauth/internal/securitytoken"
)

// Profile is the signing identity the cloud chain needs: the key id to
// put in the Authorization header's keyId parameter, the RSA key to
// sign with, and optionally a tenant/region the facade can fall back to
// when the caller didn't supply one.
type Profile struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
	TenantID   string
	Region     string

	// Compartment, when non-empty, is a provider-contributed default
	// compartment. Only the resource-principal provider sets it today.
	Compartment string

	// OBOToken, when non-empty, is injected as opc-obo-token on every
	// data request. Set by the instance-principal provider when a
	// delegation token was configured.
	OBOToken string
}

// Provider produces and refreshes a Profile. Implementations that call
// out to a federation endpoint or IMDS cache their result internally
// (internal/securitytoken.Base) so that GetProfile is cheap in the
// steady state.
type Provider interface {
	// GetProfile returns the current Profile, refreshing it first if
	// forceRefresh is set or the cached one is no longer valid.
	GetProfile(ctx context.Context, forceRefresh bool) (Profile, error)

	// Region returns the region this provider knows about, or "" if it
	// has none to contribute and region resolution is left entirely to
	// configuration.
	Region() string
}

// TokenCacheConfig tunes the security-token cache layer under a
// principal-based provider. The zero value keeps each provider's
// defaults: a built-in expiry margin, no background refresh, no logging.
type TokenCacheConfig struct {
	// ExpireBefore is the safety margin subtracted from the token's exp
	// claim when deciding whether a cached profile is still usable. Zero
	// keeps the provider's default.
	ExpireBefore time.Duration

	// RefreshAhead arms a background token refresh this far before the
	// cached token would be treated as expired. Zero disables it.
	RefreshAhead time.Duration

	// Logger receives swallowed background-refresh failures.
	Logger securitytoken.Logger
}

// baseOptions translates the config into securitytoken.Base options,
// falling back to defaultExpire when no margin was configured.
func (c TokenCacheConfig) baseOptions(defaultExpire time.Duration) (time.Duration, []securitytoken.Option) {
	expire := c.ExpireBefore
	if expire == 0 {
		expire = defaultExpire
	}
	var opts []securitytoken.Option
	if c.RefreshAhead > 0 {
		opts = append(opts, securitytoken.WithRefreshAhead(c.RefreshAhead))
	}
	if c.Logger != nil {
		opts = append(opts, securitytoken.WithLogger(c.Logger))
	}
	return expire, opts
}
