package profile

import (
	"context"
	"crypto/rsa"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
	"github.com/zalbiraw/nosqlauth/internal/crypto"
	"github.com/zalbiraw/nosqlauth/internal/ociconfig"
)

// ConfigFileProvider builds a Profile from an OCI-style configuration
// file profile using the tenancy/user/fingerprint/key_file keys.
type ConfigFileProvider struct {
	tenantID    string
	userID      string
	fingerprint string
	region      string
	keyFile     string
	passphrase  []byte

	mu         sync.Mutex
	privateKey *rsa.PrivateKey
}

// NewConfigFileProviderFromProfile reads the required user-identity keys
// out of p and returns a provider, or an error naming the missing key.
func NewConfigFileProviderFromProfile(p ociconfig.Profile) (*ConfigFileProvider, error) {
	tenancy, err := p.Require("tenancy")
	if err != nil {
		return nil, err
	}
	user, err := p.Require("user")
	if err != nil {
		return nil, err
	}
	fingerprint, err := p.Require("fingerprint")
	if err != nil {
		return nil, err
	}
	keyFile, err := p.Require("key_file")
	if err != nil {
		return nil, err
	}
	region, _ := p.Get("region")
	passphrase, _ := p.Get("pass_phrase")

	return &ConfigFileProvider{
		tenantID:    tenancy,
		userID:      user,
		fingerprint: fingerprint,
		region:      region,
		keyFile:     keyFile,
		passphrase:  []byte(passphrase),
	}, nil
}

// GetProfile reads and decrypts the private key on first call; the
// config-file provider never rotates keys on its own, so forceRefresh
// has no effect beyond the first successful read.
func (p *ConfigFileProvider) GetProfile(ctx context.Context, forceRefresh bool) (Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.privateKey == nil {
		pemBytes, err := os.ReadFile(expandHome(p.keyFile))
		if err != nil {
			return Profile{}, authfail.Wrap(authfail.IllegalArgument, err, "failed to read key_file %q", p.keyFile)
		}
		key, err := crypto.ParsePrivateKeyPEM(pemBytes, p.passphrase)
		if err != nil {
			return Profile{}, err
		}
		p.privateKey = key
		crypto.Zero(pemBytes)
		crypto.Zero(p.passphrase)
		p.passphrase = nil
	}

	return Profile{
		KeyID:      p.tenantID + "/" + p.userID + "/" + p.fingerprint,
		PrivateKey: p.privateKey,
		TenantID:   p.tenantID,
		Region:     p.region,
	}, nil
}

// Region returns the region named by the config-file profile, if any.
func (p *ConfigFileProvider) Region() string {
	return p.region
}

// SessionTokenProvider builds a Profile whose keyId is "ST$<token>" for
// a session token read from disk, signing with the user's own private
// key rather than an ephemeral one. No federation call is ever made.
type SessionTokenProvider struct {
	tenantID          string
	region            string
	keyFile           string
	securityTokenFile string
	passphrase        []byte

	mu         sync.Mutex
	privateKey *rsa.PrivateKey
}

// NewSessionTokenProviderFromProfile reads the required session-token
// keys out of p.
func NewSessionTokenProviderFromProfile(p ociconfig.Profile) (*SessionTokenProvider, error) {
	tenancy, err := p.Require("tenancy")
	if err != nil {
		return nil, err
	}
	keyFile, err := p.Require("key_file")
	if err != nil {
		return nil, err
	}
	tokenFile, err := p.Require("security_token_file")
	if err != nil {
		return nil, err
	}
	region, _ := p.Get("region")
	passphrase, _ := p.Get("pass_phrase")

	return &SessionTokenProvider{
		tenantID:          tenancy,
		region:            region,
		keyFile:           keyFile,
		securityTokenFile: tokenFile,
		passphrase:        []byte(passphrase),
	}, nil
}

// GetProfile re-reads the security token file on every call (the token
// is refreshed externally, e.g. by `oci session refresh`) but decrypts
// the private key only once.
func (p *SessionTokenProvider) GetProfile(ctx context.Context, forceRefresh bool) (Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.privateKey == nil {
		pemBytes, err := os.ReadFile(expandHome(p.keyFile))
		if err != nil {
			return Profile{}, authfail.Wrap(authfail.IllegalArgument, err, "failed to read key_file %q", p.keyFile)
		}
		key, err := crypto.ParsePrivateKeyPEM(pemBytes, p.passphrase)
		if err != nil {
			return Profile{}, err
		}
		p.privateKey = key
		crypto.Zero(pemBytes)
		crypto.Zero(p.passphrase)
		p.passphrase = nil
	}

	tokenBytes, err := os.ReadFile(expandHome(p.securityTokenFile))
	if err != nil {
		return Profile{}, authfail.Wrap(authfail.IllegalArgument, err, "failed to read security_token_file %q", p.securityTokenFile)
	}

	return Profile{
		KeyID:      "ST$" + strings.TrimSpace(string(tokenBytes)),
		PrivateKey: p.privateKey,
		TenantID:   p.tenantID,
		Region:     p.region,
	}, nil
}

// Region returns the region named by the config-file profile, if any.
func (p *SessionTokenProvider) Region() string {
	return p.region
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
