package profile

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
	"github.com/zalbiraw/nosqlauth/internal/crypto"
	"github.com/zalbiraw/nosqlauth/internal/jwtlite"
	"github.com/zalbiraw/nosqlauth/internal/securitytoken"
)

// Resource-principal environment variables, set by the surrounding
// compute environment (Functions, Container Instances, ...).
const (
	EnvResourcePrincipalVersion        = "OCI_RESOURCE_PRINCIPAL_VERSION"
	EnvResourcePrincipalPrivatePEM     = "OCI_RESOURCE_PRINCIPAL_PRIVATE_PEM"
	EnvResourcePrincipalPrivatePEMPass = "OCI_RESOURCE_PRINCIPAL_PRIVATE_PEM_PASSPHRASE"
	EnvResourcePrincipalRPST           = "OCI_RESOURCE_PRINCIPAL_RPST"
	EnvResourcePrincipalRegion         = "OCI_RESOURCE_PRINCIPAL_REGION"
	resourcePrincipalSupportedVersion  = "2.2"
)

const expireBeforeResourcePrincipal = 5 * time.Minute

// ResourcePrincipalProvider reads an RPST and its matching private key
// out of the environment (or the files the environment points at)
// rather than calling any federation endpoint itself; the token is
// minted and rotated by the surrounding compute environment.
type ResourcePrincipalProvider struct {
	useCompartment bool
	base           *securitytoken.Base[Profile]
	region         string
}

// NewResourcePrincipalProvider validates the required environment
// variables are present and consistent, and returns a provider.
// useCompartment makes GetProfile populate Profile.Compartment from the
// token's res_compartment claim.
func NewResourcePrincipalProvider(useCompartment bool, tc TokenCacheConfig) (*ResourcePrincipalProvider, error) {
	version := os.Getenv(EnvResourcePrincipalVersion)
	if version != resourcePrincipalSupportedVersion {
		return nil, authfail.New(authfail.IllegalState, "%s must be %q, got %q", EnvResourcePrincipalVersion, resourcePrincipalSupportedVersion, version)
	}
	region := os.Getenv(EnvResourcePrincipalRegion)
	if region == "" {
		return nil, authfail.New(authfail.IllegalState, "%s is required", EnvResourcePrincipalRegion)
	}
	pemValue := os.Getenv(EnvResourcePrincipalPrivatePEM)
	if _, err := resolvePathOrInline(pemValue); err != nil {
		return nil, authfail.Wrap(authfail.IllegalState, err, "%s is invalid", EnvResourcePrincipalPrivatePEM)
	}
	if _, err := resolvePathOrInline(os.Getenv(EnvResourcePrincipalRPST)); err != nil {
		return nil, authfail.Wrap(authfail.IllegalState, err, "%s is invalid", EnvResourcePrincipalRPST)
	}

	// When a passphrase is supplied, it must come the same way the key
	// does: both as paths or both inline.
	if pass := os.Getenv(EnvResourcePrincipalPrivatePEMPass); pass != "" {
		if isPath(pemValue) != isPath(pass) {
			return nil, authfail.New(authfail.IllegalState, "%s and %s must both be paths or both be inline values",
				EnvResourcePrincipalPrivatePEM, EnvResourcePrincipalPrivatePEMPass)
		}
	}

	p := &ResourcePrincipalProvider{useCompartment: useCompartment, region: region}
	expire, baseOpts := tc.baseOptions(expireBeforeResourcePrincipal)
	p.base = securitytoken.NewBase(expire, p.refresh, baseOpts...)
	return p, nil
}

// GetProfile returns the cached Profile while its RPST is valid. Each
// refresh re-reads the RPST and the private key from the environment
// (or the files it names), with Compartment populated from the token's
// res_compartment claim when useCompartment was requested.
func (p *ResourcePrincipalProvider) GetProfile(ctx context.Context, forceRefresh bool) (Profile, error) {
	return p.base.GetProfile(ctx, forceRefresh)
}

// Region returns the statically configured resource-principal region.
func (p *ResourcePrincipalProvider) Region() string {
	return p.region
}

// Close cancels the token cache's background refresh.
func (p *ResourcePrincipalProvider) Close() error {
	return p.base.Close()
}

func (p *ResourcePrincipalProvider) refresh(ctx context.Context) (Profile, *securitytoken.Token, error) {
	pemBytes, err := resolvePathOrInline(os.Getenv(EnvResourcePrincipalPrivatePEM))
	if err != nil {
		return Profile{}, nil, authfail.Wrap(authfail.CredentialsError, err, "failed to resolve %s", EnvResourcePrincipalPrivatePEM)
	}

	var passphrase []byte
	if raw := os.Getenv(EnvResourcePrincipalPrivatePEMPass); raw != "" {
		pass, err := resolvePathOrInline(raw)
		if err != nil {
			return Profile{}, nil, authfail.Wrap(authfail.CredentialsError, err, "failed to resolve %s", EnvResourcePrincipalPrivatePEMPass)
		}
		passphrase = pass
	}

	key, err := crypto.ParsePrivateKeyPEM(pemBytes, passphrase)
	if err != nil {
		return Profile{}, nil, err
	}
	crypto.Zero(pemBytes)
	crypto.Zero(passphrase)

	rpst, err := resolvePathOrInline(os.Getenv(EnvResourcePrincipalRPST))
	if err != nil {
		return Profile{}, nil, authfail.Wrap(authfail.CredentialsError, err, "failed to resolve %s", EnvResourcePrincipalRPST)
	}
	token := strings.TrimSpace(string(rpst))

	parsed, err := jwtlite.Parse(token)
	if err != nil {
		return Profile{}, nil, err
	}

	profile := Profile{
		KeyID:      "ST$" + token,
		PrivateKey: key,
		Region:     p.region,
	}
	if tenant, ok := parsed.Claim("res_tenant"); ok {
		if s, ok := tenant.(string); ok {
			profile.TenantID = s
		}
	}
	if p.useCompartment {
		if compartment, ok := parsed.Claim("res_compartment"); ok {
			if s, ok := compartment.(string); ok {
				profile.Compartment = s
			}
		}
	}

	return profile, securitytoken.FromJWT(parsed), nil
}

// isPath reports whether an environment value names a file rather than
// carrying the content inline. Only absolute paths are accepted as
// paths.
func isPath(value string) bool {
	return strings.HasPrefix(value, "/")
}

// resolvePathOrInline treats value as an absolute file path if it looks
// like one, otherwise as the literal content.
func resolvePathOrInline(value string) ([]byte, error) {
	if value == "" {
		return nil, authfail.New(authfail.IllegalArgument, "value is empty")
	}
	if isPath(value) {
		data, err := os.ReadFile(value)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
	return []byte(value), nil
}
