// Package imds fetches small text resources from the OCI compute
// Instance Metadata Service, used by the instance-principal provider to
// retrieve the leaf/intermediate certificates, the instance private key,
// and the instance's region.
package imds

import (
	"context"
	"strings"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
	"github.com/zalbiraw/nosqlauth/internal/httpclient"
)

const (
	defaultBase = "http://169.254.169.254"

	v2Prefix = "/opc/v2"
	v1Prefix = "/opc/v1"

	// authHeader is the fixed bearer token IMDS requires on V2 requests.
	authHeader = "Bearer Oracle"
)

// Paths used by the instance-principal provider.
const (
	PathRegion           = "/instance/region"
	PathLeafCertificate  = "/identity/cert.pem"
	PathLeafPrivateKey   = "/identity/key.pem"
	PathIntermediateCert = "/identity/intermediate.pem"
)

// Client fetches resources from IMDS, falling back from V2 to V1 on a
// literal 404 only. A 5xx from V2 exhausts the HTTP client's own retry
// budget without ever trying V1.
type Client struct {
	http *httpclient.Client
	base string
}

// Option configures a Client.
type Option func(*Client)

// WithBase overrides the metadata service base URL (scheme + host, no
// path). The link-local default is right for every real compute
// instance; tests and unusual realms point it elsewhere.
func WithBase(base string) Option {
	return func(c *Client) { c.base = strings.TrimSuffix(base, "/") }
}

// New creates an IMDS client using http for transport.
func New(http *httpclient.Client, opts ...Option) *Client {
	c := &Client{http: http, base: defaultBase}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches path from IMDS, trying the V2 endpoint first and falling
// back to V1 only when V2 responds 404.
func (c *Client) Get(ctx context.Context, path string) (string, error) {
	resp, err := c.http.Get(ctx, c.base+v2Prefix+path, map[string]string{"Authorization": authHeader})
	if err == nil {
		return string(resp.Body), nil
	}
	if !isNotFound(err) {
		return "", err
	}

	resp, err = c.http.Get(ctx, c.base+v1Prefix+path, nil)
	if err != nil {
		return "", err
	}
	return string(resp.Body), nil
}

func isNotFound(err error) bool {
	return authfail.Is(err, authfail.ServiceError) && strings.Contains(err.Error(), "status 404")
}
