package profile

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
	"github.com/zalbiraw/nosqlauth/internal/crypto"
	"github.com/zalbiraw/nosqlauth/internal/httpclient"
	"github.com/zalbiraw/nosqlauth/internal/imds"
	"github.com/zalbiraw/nosqlauth/internal/jwtlite"
	"github.com/zalbiraw/nosqlauth/internal/securitytoken"
)

const (
	// EnvOKEServiceAccountCertPath names the CA bundle the OKE proxymux
	// endpoint's TLS certificate is trusted against.
	EnvOKEServiceAccountCertPath = "OCI_KUBERNETES_SERVICE_ACCOUNT_CERT_PATH"

	// DefaultOKEServiceAccountCertPath is where Kubernetes mounts the
	// cluster CA bundle inside a pod.
	DefaultOKEServiceAccountCertPath = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"

	defaultOKEServiceAccountTokenPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

	okeProxymuxPort = "12250"
	okeProxymuxPath = "/resourcePrincipalSessionTokens"
)

const expireBeforeOKE = 5 * time.Minute

// SATokenSource resolves the Kubernetes service-account token an OKE
// workload-identity refresh presents to the proxymux endpoint. At most
// one of the three fields should be configured; resolution prefers the
// explicit string, then the callback, then the file path, then the
// default in-pod file.
type SATokenSource struct {
	Token    string
	Callback func(ctx context.Context) (string, error)
	FilePath string
}

func (s SATokenSource) resolve(ctx context.Context) (string, error) {
	if s.Token != "" {
		return s.Token, nil
	}
	if s.Callback != nil {
		return s.Callback(ctx)
	}
	path := s.FilePath
	if path == "" {
		path = defaultOKEServiceAccountTokenPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", authfail.Wrap(authfail.CredentialsError, err, "failed to read service account token file %q", path)
	}
	return strings.TrimSpace(string(data)), nil
}

// OKEWorkloadIdentityProvider exchanges the pod's Kubernetes
// service-account token for a security token via the node's proxymux
// endpoint.
type OKEWorkloadIdentityProvider struct {
	http        *httpclient.Client
	imds        *imds.Client
	tokenSource SATokenSource
	target      string

	base *securitytoken.Base[Profile]

	mu     sync.Mutex
	region string
}

// NewOKEWorkloadIdentityProvider builds the proxymux target URL from
// KUBERNETES_SERVICE_HOST and wires tokenSource. httpClient must already
// be configured (via internal/httpclient.WithTLSConfig) to trust the
// cluster CA the proxymux endpoint serves with.
func NewOKEWorkloadIdentityProvider(httpClient *httpclient.Client, imdsClient *imds.Client, tokenSource SATokenSource, tc TokenCacheConfig) (*OKEWorkloadIdentityProvider, error) {
	host := os.Getenv("KUBERNETES_SERVICE_HOST")
	if host == "" {
		return nil, authfail.New(authfail.IllegalState, "KUBERNETES_SERVICE_HOST is not set; not running inside an OKE pod")
	}

	p := &OKEWorkloadIdentityProvider{
		http:        httpClient,
		imds:        imdsClient,
		tokenSource: tokenSource,
		target:      fmt.Sprintf("https://%s:%s%s", host, okeProxymuxPort, okeProxymuxPath),
	}
	expire, baseOpts := tc.baseOptions(expireBeforeOKE)
	p.base = securitytoken.NewBase(expire, p.refresh, baseOpts...)
	return p, nil
}

// GetProfile returns the cached profile, refreshing via the proxymux
// endpoint if needed.
func (p *OKEWorkloadIdentityProvider) GetProfile(ctx context.Context, forceRefresh bool) (Profile, error) {
	return p.base.GetProfile(ctx, forceRefresh)
}

// Region returns "" until the node region has been learned from IMDS,
// meaning the caller must supply a region; the cached value is returned
// thereafter.
func (p *OKEWorkloadIdentityProvider) Region() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.region
}

// Close cancels the token cache's background refresh.
func (p *OKEWorkloadIdentityProvider) Close() error {
	return p.base.Close()
}

type okeWorkloadIdentityRequest struct {
	PodKey string `json:"podKey"`
}

func (p *OKEWorkloadIdentityProvider) refresh(ctx context.Context) (Profile, *securitytoken.Token, error) {
	saToken, err := p.tokenSource.resolve(ctx)
	if err != nil {
		return Profile{}, nil, err
	}
	saParsed, err := jwtlite.Parse(saToken)
	if err != nil {
		return Profile{}, nil, err
	}
	exp, err := saParsed.ExpiresAt()
	if err != nil {
		return Profile{}, nil, err
	}
	if time.Unix(int64(exp), 0).Before(time.Now()) {
		return Profile{}, nil, authfail.New(authfail.CredentialsError, "service account token is already expired")
	}

	sessionKey, err := crypto.GenerateKeypair()
	if err != nil {
		return Profile{}, nil, err
	}
	spki, err := crypto.PublicKeySPKIBase64(sessionKey)
	if err != nil {
		return Profile{}, nil, err
	}

	body, err := json.Marshal(okeWorkloadIdentityRequest{PodKey: spki})
	if err != nil {
		return Profile{}, nil, authfail.Wrap(authfail.IllegalState, err, "failed to marshal workload identity request")
	}

	headers := map[string]string{
		"Content-Type":   "application/json",
		"opc-request-id": generateOpcRequestID(),
		"Authorization":  "Bearer " + saToken,
	}

	resp, err := p.http.Post(ctx, p.target, headers, body)
	if err != nil {
		return Profile{}, nil, err
	}

	token, err := decodeOKEResponse(resp.Body)
	if err != nil {
		return Profile{}, nil, err
	}

	p.mu.Lock()
	region := p.region
	p.mu.Unlock()
	if region == "" {
		if r, err := p.imds.Get(ctx, imds.PathRegion); err == nil {
			region = r
			p.mu.Lock()
			p.region = r
			p.mu.Unlock()
		}
	}

	parsed, err := jwtlite.Parse(token)
	if err != nil {
		return Profile{}, nil, err
	}

	return Profile{
		KeyID:      "ST$" + token,
		PrivateKey: sessionKey,
		Region:     region,
	}, securitytoken.FromJWT(parsed), nil
}

// decodeOKEResponse unwraps the proxymux response: a JSON string
// literal containing a base64 blob, which itself decodes to a JSON
// object carrying "token". The token value arrives already prefixed
// "ST$" in the wire payload, so exactly three characters are stripped
// to leave a single prefix once this provider re-adds "ST$" itself.
func decodeOKEResponse(raw []byte) (string, error) {
	var quoted string
	if err := json.Unmarshal(raw, &quoted); err != nil {
		return "", authfail.Wrap(authfail.BadProtocolMessage, err, "workload identity response was not a JSON string")
	}

	decoded, err := base64.StdEncoding.DecodeString(quoted)
	if err != nil {
		return "", authfail.Wrap(authfail.BadProtocolMessage, err, "workload identity response was not valid base64")
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(decoded, &parsed); err != nil {
		return "", authfail.Wrap(authfail.BadProtocolMessage, err, "workload identity response body was not valid JSON")
	}
	if len(parsed.Token) < 3 {
		return "", authfail.New(authfail.BadProtocolMessage, "workload identity token too short to carry an ST$ prefix")
	}
	return parsed.Token[3:], nil
}

// generateOpcRequestID produces the 32 uppercase hex characters the
// proxymux endpoint expects, from a fresh UUIDv4 with its dashes
// stripped.
func generateOpcRequestID() string {
	id := uuid.New()
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}
