package profile

import (
	"context"
	"sync"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
)

// Credentials is the record a CredentialsCallback must return. It is
// validated structurally before use; a malformed record is a
// credentials error, not a panic deeper in the chain.
type Credentials struct {
	TenantID      string
	UserID        string
	Fingerprint   string
	Region        string
	PrivateKeyPEM []byte
	Passphrase    []byte
}

func (c Credentials) validate() error {
	switch {
	case c.TenantID == "":
		return authfail.New(authfail.CredentialsError, "credentials callback returned no tenantId")
	case c.UserID == "":
		return authfail.New(authfail.CredentialsError, "credentials callback returned no userId")
	case c.Fingerprint == "":
		return authfail.New(authfail.CredentialsError, "credentials callback returned no fingerprint")
	case len(c.PrivateKeyPEM) == 0:
		return authfail.New(authfail.CredentialsError, "credentials callback returned no private key")
	}
	return nil
}

// CredentialsCallback is invoked to obtain user credentials out of band
// (a secrets manager lookup, an interactive prompt, ...).
type CredentialsCallback func(ctx context.Context) (Credentials, error)

// UserCallbackProvider calls back into application code for credentials
// and feeds the structurally-validated result to a DirectProvider.
type UserCallbackProvider struct {
	callback CredentialsCallback

	mu     sync.Mutex
	direct *DirectProvider
}

// NewUserCallbackProvider wraps callback.
func NewUserCallbackProvider(callback CredentialsCallback) *UserCallbackProvider {
	return &UserCallbackProvider{callback: callback}
}

// GetProfile invokes the callback on first use, or again on
// forceRefresh, then delegates to a DirectProvider built from the
// result.
func (p *UserCallbackProvider) GetProfile(ctx context.Context, forceRefresh bool) (Profile, error) {
	p.mu.Lock()
	direct := p.direct
	needsCallback := direct == nil || forceRefresh
	p.mu.Unlock()

	if needsCallback {
		creds, err := p.callback(ctx)
		if err != nil {
			return Profile{}, authfail.Wrap(authfail.CredentialsError, err, "credentials callback failed")
		}
		if err := creds.validate(); err != nil {
			return Profile{}, err
		}
		direct = NewDirectProvider(creds.TenantID, creds.UserID, creds.Fingerprint, creds.Region, creds.PrivateKeyPEM, creds.Passphrase)
		p.mu.Lock()
		p.direct = direct
		p.mu.Unlock()
	}

	return direct.GetProfile(ctx, false)
}

// Region returns the region from the last callback result, if any.
func (p *UserCallbackProvider) Region() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.direct == nil {
		return ""
	}
	return p.direct.Region()
}
