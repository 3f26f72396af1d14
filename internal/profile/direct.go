package profile

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"

	"github.com/zalbiraw/nosqlauth/internal/crypto"
)

// DirectProvider builds a single Profile from user-supplied credentials:
// a tenancy/user/fingerprint triple and a PEM-encoded RSA private key,
// optionally passphrase-protected. The key is decrypted lazily on first
// use rather than at construction time.
type DirectProvider struct {
	tenantID    string
	userID      string
	fingerprint string
	region      string

	mu         sync.Mutex
	privateKey *rsa.PrivateKey
	pem        []byte
	passphrase []byte
	decrypted  bool
}

// NewDirectProvider creates a provider for the given identity triple.
// pemBytes and passphrase are retained until first use and zeroed
// immediately afterward.
func NewDirectProvider(tenantID, userID, fingerprint, region string, pemBytes, passphrase []byte) *DirectProvider {
	return &DirectProvider{
		tenantID:    tenantID,
		userID:      userID,
		fingerprint: fingerprint,
		region:      region,
		pem:         pemBytes,
		passphrase:  passphrase,
	}
}

// KeyID is the composite "tenancy/user/fingerprint" keyId OCI's IAM
// signing scheme requires for user-principal requests.
func (p *DirectProvider) KeyID() string {
	return fmt.Sprintf("%s/%s/%s", p.tenantID, p.userID, p.fingerprint)
}

// GetProfile decrypts the private key on first call (forceRefresh has
// no effect: direct credentials never rotate on their own) and returns
// the same Profile thereafter.
func (p *DirectProvider) GetProfile(ctx context.Context, forceRefresh bool) (Profile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.decrypted {
		key, err := crypto.ParsePrivateKeyPEM(p.pem, p.passphrase)
		if err != nil {
			return Profile{}, err
		}
		p.privateKey = key
		p.decrypted = true
		crypto.Zero(p.pem)
		crypto.Zero(p.passphrase)
		p.pem = nil
		p.passphrase = nil
	}

	return Profile{
		KeyID:      p.KeyID(),
		PrivateKey: p.privateKey,
		TenantID:   p.tenantID,
		Region:     p.region,
	}, nil
}

// Region returns the region configured at construction, if any.
func (p *DirectProvider) Region() string {
	return p.region
}
