package profile

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
	"github.com/zalbiraw/nosqlauth/internal/crypto"
	"github.com/zalbiraw/nosqlauth/internal/httpclient"
	"github.com/zalbiraw/nosqlauth/internal/imds"
	"github.com/zalbiraw/nosqlauth/internal/jwtlite"
	"github.com/zalbiraw/nosqlauth/internal/ocid"
	"github.com/zalbiraw/nosqlauth/internal/securitytoken"
)

// expireBeforeInstancePrincipal is how far ahead of a security token's
// exp the cached-profile base treats it as already invalid, leaving
// headroom for the signing round trip itself.
const expireBeforeInstancePrincipal = 5 * time.Minute

// x509FederationPath is the federation endpoint's request-signing
// relative path, used both to build the URL and as the
// "(request-target)" signing line.
const x509FederationPath = "/v1/x509"

// InstancePrincipalProvider authenticates as the compute instance itself
// by exchanging its IMDS-issued leaf certificate for a security token
// from the regional federation endpoint.
type InstancePrincipalProvider struct {
	imds            *imds.Client
	http            *httpclient.Client
	delegationToken func(ctx context.Context) (string, error)
	tokenCache      TokenCacheConfig

	base *securitytoken.Base[Profile]

	mu                 sync.Mutex
	federationEndpoint string
	endpointChecked    bool
	region             string
	tenantID           string
}

// InstancePrincipalOption configures an InstancePrincipalProvider.
type InstancePrincipalOption func(*InstancePrincipalProvider)

// WithFederationEndpoint overrides the region-derived endpoint. It must
// match https://auth.<region>.<second-level-domain> exactly: no port,
// no path beyond the root, no query.
func WithFederationEndpoint(endpoint string) InstancePrincipalOption {
	return func(p *InstancePrincipalProvider) { p.federationEndpoint = endpoint }
}

// WithDelegationToken installs a callback the facade uses to obtain a
// delegation (obo) token injected as opc-obo-token on every data request.
func WithDelegationToken(fn func(ctx context.Context) (string, error)) InstancePrincipalOption {
	return func(p *InstancePrincipalProvider) { p.delegationToken = fn }
}

// WithTokenCache tunes the security-token cache layer underneath the
// provider.
func WithTokenCache(tc TokenCacheConfig) InstancePrincipalOption {
	return func(p *InstancePrincipalProvider) { p.tokenCache = tc }
}

// NewInstancePrincipalProvider constructs a provider. The federation
// endpoint and tenancy are resolved lazily on first GetProfile call.
// federationHTTP is dedicated to the x509 federation exchange and is
// typically configured with httpclient.WithExponentialBackoff; IMDS
// traffic goes through imdsClient's own client instead, keeping the
// fixed-delay retry and 404-only V1 fallback policy untouched.
func NewInstancePrincipalProvider(imdsClient *imds.Client, federationHTTP *httpclient.Client, opts ...InstancePrincipalOption) *InstancePrincipalProvider {
	p := &InstancePrincipalProvider{imds: imdsClient, http: federationHTTP}
	for _, opt := range opts {
		opt(p)
	}
	expire, baseOpts := p.tokenCache.baseOptions(expireBeforeInstancePrincipal)
	p.base = securitytoken.NewBase(expire, p.refresh, baseOpts...)
	return p
}

// Close cancels the token cache's background refresh and releases the
// idle connections held by the federation-exchange HTTP client. Unlike
// the resource-principal and OKE providers, whose Close only cancels
// their token cache, this one also owns a second client worth closing.
func (p *InstancePrincipalProvider) Close() error {
	_ = p.base.Close()
	p.http.CloseIdleConnections()
	return nil
}

// GetProfile returns the cached profile, refreshing via X.509 federation
// exchange if needed.
func (p *InstancePrincipalProvider) GetProfile(ctx context.Context, forceRefresh bool) (Profile, error) {
	prof, err := p.base.GetProfile(ctx, forceRefresh)
	if err != nil {
		return Profile{}, err
	}
	if p.delegationToken != nil {
		tok, err := p.delegationToken(ctx)
		if err != nil {
			return Profile{}, authfail.Wrap(authfail.CredentialsError, err, "failed to obtain delegation token")
		}
		prof.OBOToken = tok
	}
	return prof, nil
}

// Region returns the region resolved from IMDS, once known.
func (p *InstancePrincipalProvider) Region() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.region
}

func (p *InstancePrincipalProvider) refresh(ctx context.Context) (Profile, *securitytoken.Token, error) {
	endpoint, err := p.resolveFederationEndpoint(ctx)
	if err != nil {
		return Profile{}, nil, err
	}

	leafPEM, err := p.imds.Get(ctx, imds.PathLeafCertificate)
	if err != nil {
		return Profile{}, nil, err
	}
	keyPEM, err := p.imds.Get(ctx, imds.PathLeafPrivateKey)
	if err != nil {
		return Profile{}, nil, err
	}
	intermediatePEM, err := p.imds.Get(ctx, imds.PathIntermediateCert)
	if err != nil {
		return Profile{}, nil, err
	}

	leafCert, err := crypto.ParseCertificatePEM([]byte(leafPEM))
	if err != nil {
		return Profile{}, nil, err
	}
	instanceKey, err := crypto.ParsePrivateKeyPEM([]byte(keyPEM), nil)
	if err != nil {
		return Profile{}, nil, err
	}

	tenantID, err := extractTenantID(leafCert)
	if err != nil {
		return Profile{}, nil, err
	}
	p.mu.Lock()
	if p.tenantID != "" && p.tenantID != tenantID {
		previous := p.tenantID
		p.mu.Unlock()
		return Profile{}, nil, authfail.New(authfail.IllegalState, "instance principal tenant id changed across refreshes: %q -> %q", previous, tenantID)
	}
	p.tenantID = tenantID
	region := p.region
	p.mu.Unlock()

	sessionKey, err := crypto.GenerateKeypair()
	if err != nil {
		return Profile{}, nil, err
	}
	spki, err := crypto.PublicKeySPKIBase64(sessionKey)
	if err != nil {
		return Profile{}, nil, err
	}

	keyID := fmt.Sprintf("%s/fed-x509/%s", tenantID, crypto.SHA1FingerprintColonHex(leafCert.Raw))

	token, err := p.exchangeToken(ctx, endpoint, keyID, instanceKey, spki, leafCert.Raw, crypto.StripPEMFraming(intermediatePEM))
	if err != nil {
		return Profile{}, nil, err
	}

	parsed, err := jwtlite.Parse(token)
	if err != nil {
		return Profile{}, nil, err
	}

	return Profile{
		KeyID:      "ST$" + token,
		PrivateKey: sessionKey,
		TenantID:   tenantID,
		Region:     region,
	}, securitytoken.FromJWT(parsed), nil
}

// extractTenantID looks for "opc-tenant:" in OU, falling back to
// "opc-identity:" in O.
func extractTenantID(cert *x509.Certificate) (string, error) {
	if v, ok := crypto.SubjectRDNWithPrefix(cert, crypto.OIDOrganizationalUnit, "opc-tenant:"); ok {
		return v, nil
	}
	if v, ok := crypto.SubjectRDNWithPrefix(cert, crypto.OIDOrganization, "opc-identity:"); ok {
		return v, nil
	}
	return "", authfail.New(authfail.IllegalState, "leaf certificate carries no opc-tenant/opc-identity subject RDN")
}

type x509FederationRequest struct {
	PublicKey                string   `json:"publicKey"`
	Certificate              string   `json:"certificate"`
	Purpose                  string   `json:"purpose"`
	IntermediateCertificates []string `json:"intermediateCertificates"`
}

type x509FederationResponse struct {
	Token string `json:"token"`
}

// exchangeToken POSTs the session public key, wrapped in the instance's
// leaf certificate, to the federation endpoint, signed with the
// instance's own private key.
func (p *InstancePrincipalProvider) exchangeToken(ctx context.Context, endpoint, keyID string, instanceKey *rsa.PrivateKey, spkiBase64 string, leafCertDER []byte, intermediatePEM string) (string, error) {
	body, err := json.Marshal(x509FederationRequest{
		PublicKey:                spkiBase64,
		Certificate:              crypto.StripPEMFraming(pemEncodeCertificate(leafCertDER)),
		Purpose:                  "DEFAULT",
		IntermediateCertificates: []string{intermediatePEM},
	})
	if err != nil {
		return "", authfail.Wrap(authfail.IllegalState, err, "failed to marshal x509 federation request")
	}

	headers, err := signedFederationHeaders(instanceKey, keyID, x509FederationPath, body)
	if err != nil {
		return "", err
	}

	resp, err := p.http.Post(ctx, endpoint+x509FederationPath, headers, body)
	if err != nil {
		return "", err
	}

	var parsed x509FederationResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return "", authfail.Wrap(authfail.BadProtocolMessage, err, "failed to parse x509 federation response")
	}
	if parsed.Token == "" {
		return "", authfail.New(authfail.BadProtocolMessage, "x509 federation response carried no token")
	}
	return parsed.Token, nil
}

// resolveFederationEndpoint returns the endpoint the token exchange
// should target. A user-supplied endpoint is validated once; otherwise
// the instance's region is read from IMDS and mapped through the region
// registry.
func (p *InstancePrincipalProvider) resolveFederationEndpoint(ctx context.Context) (string, error) {
	p.mu.Lock()
	endpoint := p.federationEndpoint
	checked := p.endpointChecked
	p.mu.Unlock()

	if endpoint != "" {
		if checked {
			return endpoint, nil
		}
		if err := validateFederationEndpoint(endpoint); err != nil {
			return "", err
		}
		p.mu.Lock()
		p.endpointChecked = true
		p.mu.Unlock()
		return endpoint, nil
	}

	regionID, err := p.imds.Get(ctx, imds.PathRegion)
	if err != nil {
		return "", err
	}
	region, err := ocid.Lookup(regionID)
	if err != nil {
		return "", err
	}
	endpoint = "https://" + region.Endpoint("auth")

	p.mu.Lock()
	p.region = region.ID
	p.federationEndpoint = endpoint
	p.endpointChecked = true
	p.mu.Unlock()
	return endpoint, nil
}

func pemEncodeCertificate(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// signedFederationHeaders builds the headers for an X.509 federation
// POST, signed over the date/(request-target)/content-length/
// content-type/x-content-sha256 lines in that order.
func signedFederationHeaders(key *rsa.PrivateKey, keyID, path string, body []byte) (map[string]string, error) {
	date := time.Now().UTC().Format(time.RFC1123)
	digest := crypto.SHA256Base64(body)
	contentLength := strconv.Itoa(len(body))

	signingContent := fmt.Sprintf(
		"date: %s\n(request-target): post %s\ncontent-length: %s\ncontent-type: application/json\nx-content-sha256: %s",
		date, path, contentLength, digest,
	)
	signature, err := crypto.SignPKCS1v15SHA256(key, []byte(signingContent))
	if err != nil {
		return nil, err
	}

	authHeader := fmt.Sprintf(
		`Signature headers="date (request-target) content-length content-type x-content-sha256",keyId="%s",algorithm="rsa-sha256",signature="%s",version="1"`,
		keyID, signature,
	)

	return map[string]string{
		"Date":             date,
		"Content-Type":     "application/json",
		"Content-Length":   contentLength,
		"X-Content-Sha256": digest,
		"Authorization":    authHeader,
	}, nil
}

func validateFederationEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return authfail.Wrap(authfail.IllegalArgument, err, "invalid federationEndpoint %q", endpoint)
	}
	if u.Scheme != "https" {
		return authfail.New(authfail.IllegalArgument, "federationEndpoint %q must use https", endpoint)
	}
	if u.Port() != "" {
		return authfail.New(authfail.IllegalArgument, "federationEndpoint %q must not specify a port", endpoint)
	}
	if u.Path != "" && u.Path != "/" {
		return authfail.New(authfail.IllegalArgument, "federationEndpoint %q must not specify a path", endpoint)
	}
	if u.RawQuery != "" {
		return authfail.New(authfail.IllegalArgument, "federationEndpoint %q must not specify a query", endpoint)
	}
	return nil
}
