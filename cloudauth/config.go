package cloudauth

import (
	"context"
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
	"github.com/zalbiraw/nosqlauth/internal/profile"
)

const (
	// DefaultDurationSeconds is the signature cache TTL when Config
	// leaves DurationSeconds at zero.
	DefaultDurationSeconds = 300
	// MaxDurationSeconds is the hard ceiling on the signature cache TTL.
	MaxDurationSeconds = 300
	// DefaultRefreshAheadMs is the proactive refresh window when Config
	// leaves RefreshAheadMs at zero.
	DefaultRefreshAheadMs = 10_000
	// DefaultTimeout is the HTTP timeout for auth-server calls when
	// Config leaves Timeout at zero.
	DefaultTimeout = 120 * time.Second

	defaultOCIConfigPath = "~/.oci/config"
	defaultProfileName   = "DEFAULT"
)

// TokenSource is a tagged-variant configuration value that can be
// supplied inline, read from a file, or produced by a callback. It
// carries delegation tokens and OKE service-account tokens. At most one
// field should be set; resolution prefers Inline, then Provider, then
// File.
type TokenSource struct {
	Inline   string
	File     string
	Provider func(ctx context.Context) (string, error)
}

func (t TokenSource) isSet() bool {
	return t.Inline != "" || t.File != "" || t.Provider != nil
}

// Config carries every recognized cloud-mode authorization option.
// Exactly one of the identity selectors may be populated; conflicts are
// rejected at Validate time rather than silently resolved.
type Config struct {
	// Identity selectors, mutually exclusive, checked in this order:
	// resource principal, instance principal, OKE workload identity,
	// session token, direct credentials, credentials callback, and
	// finally the OCI configuration file as the default.
	UseResourcePrincipal   bool
	UseInstancePrincipal   bool
	UseOKEWorkloadIdentity bool
	UseSessionToken        bool
	TenancyID              string // direct credentials
	UserID                 string
	Fingerprint            string
	PrivateKeyPEM          []byte
	PrivateKeyFile         string
	Passphrase             []byte
	CredentialsProvider    profile.CredentialsCallback
	ConfigFile             string // OCI ini file path, "" -> ~/.oci/config
	ProfileName            string // "" -> DEFAULT

	// Instance-principal extras.
	FederationEndpoint string
	DelegationToken    TokenSource

	// OKE extras.
	ServiceAccountToken    TokenSource
	ServiceAccountCertPath string

	UseResourcePrincipalCompartment bool
	Compartment                     string

	Endpoint string
	Region   string

	DurationSeconds int

	// RefreshAheadMs is the proactive signature refresh window. Zero
	// picks DefaultRefreshAheadMs; a negative value disables background
	// refresh entirely.
	RefreshAheadMs int64

	Timeout time.Duration

	// SecurityTokenExpireBeforeMs widens the safety margin on the token
	// layer's exp check; zero keeps each provider's default.
	SecurityTokenExpireBeforeMs int64

	// SecurityTokenRefreshAheadMs arms a background token refresh this
	// far before the token would be treated as expired; zero disables it.
	SecurityTokenRefreshAheadMs int64

	PrecacheOnStartup bool

	TLSConfig *tls.Config
	Logger    *zap.Logger
}

// identitySelectorCount reports how many mutually exclusive identity
// selectors are populated.
func (c Config) identitySelectorCount() int {
	n := 0
	if c.UseResourcePrincipal {
		n++
	}
	if c.UseInstancePrincipal {
		n++
	}
	if c.UseOKEWorkloadIdentity {
		n++
	}
	if c.UseSessionToken {
		n++
	}
	if len(c.PrivateKeyPEM) > 0 || c.PrivateKeyFile != "" {
		n++
	}
	if c.CredentialsProvider != nil {
		n++
	}
	return n
}

// Validate checks the mutually-exclusive selector flags and field
// combinations, failing fast on conflicts, and fills in documented
// defaults.
func (c *Config) Validate() error {
	if c.identitySelectorCount() > 1 {
		return authfail.New(authfail.IllegalArgument, "at most one of UseResourcePrincipal/UseInstancePrincipal/UseOKEWorkloadIdentity/UseSessionToken/direct credentials/CredentialsProvider may be set")
	}

	if c.UseResourcePrincipal {
		if c.FederationEndpoint != "" || c.DelegationToken.isSet() || c.ServiceAccountToken.isSet() {
			return authfail.New(authfail.IllegalArgument, "UseResourcePrincipal does not accept any other identity option")
		}
	}

	if countSet(c.DelegationToken.Inline != "", c.DelegationToken.File != "", c.DelegationToken.Provider != nil) > 1 {
		return authfail.New(authfail.IllegalArgument, "at most one of DelegationToken.Inline/File/Provider may be set")
	}
	if countSet(c.ServiceAccountToken.Inline != "", c.ServiceAccountToken.File != "", c.ServiceAccountToken.Provider != nil) > 1 {
		return authfail.New(authfail.IllegalArgument, "at most one of ServiceAccountToken.Inline/File/Provider may be set")
	}

	if c.UseSessionToken && c.ConfigFile == "" {
		return authfail.New(authfail.IllegalArgument, "UseSessionToken requires ConfigFile")
	}

	if len(c.PrivateKeyPEM) > 0 && c.PrivateKeyFile != "" {
		return authfail.New(authfail.IllegalArgument, "at most one of PrivateKeyPEM/PrivateKeyFile may be set")
	}
	if (len(c.PrivateKeyPEM) > 0 || c.PrivateKeyFile != "") && (c.TenancyID == "" || c.UserID == "" || c.Fingerprint == "") {
		return authfail.New(authfail.IllegalArgument, "direct credentials require TenancyID, UserID, and Fingerprint")
	}

	if c.Endpoint != "" && c.Region != "" {
		return authfail.New(authfail.IllegalArgument, "at most one of Endpoint/Region may be set")
	}

	if c.DurationSeconds == 0 {
		c.DurationSeconds = DefaultDurationSeconds
	}
	if c.DurationSeconds < 1 || c.DurationSeconds > MaxDurationSeconds {
		return authfail.New(authfail.IllegalArgument, "DurationSeconds must be between 1 and %d, got %d", MaxDurationSeconds, c.DurationSeconds)
	}
	if c.RefreshAheadMs == 0 {
		c.RefreshAheadMs = DefaultRefreshAheadMs
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Timeout < 0 {
		return authfail.New(authfail.IllegalArgument, "Timeout must be positive")
	}
	if c.SecurityTokenExpireBeforeMs < 0 {
		return authfail.New(authfail.IllegalArgument, "SecurityTokenExpireBeforeMs must not be negative")
	}
	if c.SecurityTokenRefreshAheadMs < 0 {
		return authfail.New(authfail.IllegalArgument, "SecurityTokenRefreshAheadMs must not be negative")
	}
	if c.ProfileName == "" {
		c.ProfileName = defaultProfileName
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	return nil
}

// tokenCacheConfig translates the token-layer tuning fields into the
// profile package's config type.
func (c Config) tokenCacheConfig() profile.TokenCacheConfig {
	return profile.TokenCacheConfig{
		ExpireBefore: time.Duration(c.SecurityTokenExpireBeforeMs) * time.Millisecond,
		RefreshAhead: time.Duration(c.SecurityTokenRefreshAheadMs) * time.Millisecond,
		Logger:       c.Logger.Sugar(),
	}
}

func countSet(bs ...bool) int {
	n := 0
	for _, b := range bs {
		if b {
			n++
		}
	}
	return n
}
