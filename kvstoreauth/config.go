package kvstoreauth

import (
	"context"
	"crypto/tls"
	"time"

	"go.uber.org/zap"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
)

const (
	// DefaultTimeout is the HTTP timeout for login/renew/logout calls
	// when Config leaves Timeout at zero.
	DefaultTimeout = 30 * time.Second
	// DefaultNoRenewBeforeMs suppresses a scheduled renew too close to
	// expiry to avoid a tight renew loop.
	DefaultNoRenewBeforeMs = 10_000

	defaultAPIVersion = "V2"
)

// CredentialsCallback is invoked to obtain the on-prem user/password
// out of band, mirroring the cloud chain's profile.CredentialsCallback
// shape.
type CredentialsCallback func(ctx context.Context) (user string, password []byte, err error)

// Config carries every recognized on-prem authorization option.
type Config struct {
	// Endpoint is the kvstore's host[:port]; https is assumed.
	Endpoint string

	// Exactly one of (User and Password) or CredentialsFile or
	// CredentialsProvider must be set.
	User                string
	Password            []byte
	CredentialsFile     string
	CredentialsProvider CredentialsCallback

	Timeout         time.Duration
	AutoRenew       bool
	NoRenewBeforeMs int64

	// APIVersion selects the login/renew/logout path prefix, "" -> "V2".
	APIVersion string

	PrecacheOnStartup bool

	TLSConfig *tls.Config
	Logger    *zap.Logger
}

func (c Config) credentialSelectorCount() int {
	n := 0
	if c.User != "" || len(c.Password) > 0 {
		n++
	}
	if c.CredentialsFile != "" {
		n++
	}
	if c.CredentialsProvider != nil {
		n++
	}
	return n
}

// Validate checks the user/password XOR credentials combination and
// fills in documented defaults.
func (c *Config) Validate() error {
	if c.credentialSelectorCount() != 1 {
		return authfail.New(authfail.IllegalArgument, "exactly one of User/Password, CredentialsFile, or CredentialsProvider must be set")
	}
	if (c.User != "") != (len(c.Password) > 0) {
		return authfail.New(authfail.IllegalArgument, "User and Password must be set together")
	}
	if c.Endpoint == "" {
		return authfail.New(authfail.IllegalArgument, "Endpoint is required")
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Timeout < 0 {
		return authfail.New(authfail.IllegalArgument, "Timeout must be positive")
	}
	if c.NoRenewBeforeMs == 0 {
		c.NoRenewBeforeMs = DefaultNoRenewBeforeMs
	}
	if c.NoRenewBeforeMs < 0 {
		return authfail.New(authfail.IllegalArgument, "NoRenewBeforeMs must not be negative")
	}
	if c.APIVersion == "" {
		c.APIVersion = defaultAPIVersion
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// NewConfig returns a Config with AutoRenew enabled, since Go's zero
// value for bool is false and Config is typically built as a struct
// literal.
func NewConfig() Config {
	return Config{AutoRenew: true}
}
