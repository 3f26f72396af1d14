// Package cloudauth implements the cloud half of the authorization
// facade: it selects a profile provider chain from Config, resolves the
// data-service endpoint, and wraps the chain in a signature cache to
// produce the exact headers a cloud NoSQL data request must carry.
package cloudauth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zalbiraw/nosqlauth/authorizer"
	"github.com/zalbiraw/nosqlauth/internal/authfail"
	"github.com/zalbiraw/nosqlauth/internal/httpclient"
	"github.com/zalbiraw/nosqlauth/internal/ocid"
	"github.com/zalbiraw/nosqlauth/internal/profile"
	"github.com/zalbiraw/nosqlauth/internal/sigcache"
)

// Authorizer is the cloud-mode implementation of authorizer.Authorizer:
// an OCI IAM Signature header chain backed by the configured profile
// provider.
type Authorizer struct {
	provider profile.Provider
	cache    *sigcache.Cache
	http     *httpclient.Client
	endpoint endpoint
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
}

var _ authorizer.Authorizer = (*Authorizer)(nil)

// New selects the provider chain cfg names, resolves the service
// endpoint, and constructs the signature cache. It may perform network
// I/O (an IMDS region lookup) when neither Endpoint nor Region is
// configured and the chosen provider must discover its own region.
func New(ctx context.Context, cfg Config) (*Authorizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	provider, httpClient, err := buildProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ep, err := resolveEndpoint(ctx, cfg, provider)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger.Sugar()

	cache := sigcache.New(
		provider,
		ep.hostHeader(),
		dataPath,
		cfg.DurationSeconds,
		time.Duration(cfg.RefreshAheadMs)*time.Millisecond,
		sigcache.WithLogger(logger),
	)

	a := &Authorizer{
		provider: provider,
		cache:    cache,
		http:     httpClient,
		endpoint: ep,
		logger:   logger,
	}

	if cfg.PrecacheOnStartup {
		if err := a.PrecacheAuth(ctx); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// resolveEndpoint picks the data-service endpoint: an explicit Endpoint
// wins, else a configured Region builds one from the registry, else the
// chosen provider may contribute a region (forcing a profile fetch for
// providers that only learn their region from IMDS on first refresh).
func resolveEndpoint(ctx context.Context, cfg Config, provider profile.Provider) (endpoint, error) {
	if cfg.Endpoint != "" {
		return parseEndpoint(cfg.Endpoint)
	}
	if cfg.Region != "" {
		return endpointFromRegion(cfg.Region)
	}

	region := provider.Region()
	if region == "" {
		if _, err := provider.GetProfile(ctx, false); err != nil {
			return endpoint{}, err
		}
		region = provider.Region()
	}
	if region == "" {
		return endpoint{}, authfail.New(authfail.IllegalArgument, "no endpoint or region configured, and the chosen provider did not contribute one")
	}
	return endpointFromRegion(region)
}

// GetAuthorization signs req and returns the headers the outgoing cloud
// data request must carry.
func (a *Authorizer) GetAuthorization(ctx context.Context, req authorizer.Request) (map[string]string, error) {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return nil, authfail.New(authfail.IllegalState, "cloudauth: authorizer is closed")
	}

	invalidate := req.LastError != nil && req.LastError.Code == authorizer.CodeInvalidAuthorization && !req.LastError.SeenOnce

	var details *sigcache.SignatureDetails
	var err error
	if req.Operation.RequiresContentSHA256() {
		details, err = a.cache.SignContent(ctx, invalidate, req.Body, req.ContentType)
	} else {
		details, err = a.cache.Get(ctx, invalidate)
	}
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"Authorization": details.AuthHeader,
		"Date":          details.DateString,
	}
	if req.Operation.RequiresContentSHA256() {
		headers["x-content-sha256"] = details.ContentSHA256
	}
	if details.OBOToken != "" {
		headers["opc-obo-token"] = details.OBOToken
	}

	compartment := req.Compartment
	if compartment == "" {
		compartment = details.Compartment
	}
	if compartment == "" {
		compartment = details.TenantID
	}
	if compartment != "" {
		headers["x-nosql-compartment-id"] = compartment
	}

	return headers, nil
}

// PrecacheAuth prefetches a profile and signature so the first data
// request does no synchronous work.
func (a *Authorizer) PrecacheAuth(ctx context.Context) error {
	_, err := a.GetAuthorization(ctx, authorizer.Request{})
	return err
}

// Close cancels the signature cache's background refresh timer and
// releases the shared HTTP client's idle connections. Idempotent;
// errors along the way are logged, never returned.
func (a *Authorizer) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if err := a.cache.Close(); err != nil {
		a.logger.Warnw("cloudauth: error closing signature cache", "error", err)
	}
	if closer, ok := a.provider.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warnw("cloudauth: error closing profile provider", "error", err)
		}
	}
	a.http.CloseIdleConnections()
	return nil
}

// ValidateCompartment reports whether compartment has the syntactic
// shape of an OCID, so callers can sanity-check a per-request override
// before issuing a request.
func ValidateCompartment(compartment string) error {
	return ocid.Require("compartment", compartment)
}
