package cloudauth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
	"github.com/zalbiraw/nosqlauth/internal/httpclient"
	"github.com/zalbiraw/nosqlauth/internal/imds"
	"github.com/zalbiraw/nosqlauth/internal/ociconfig"
	"github.com/zalbiraw/nosqlauth/internal/profile"
)

// federationMaxRetries caps how many times the x509 federation exchange
// is attempted before its error is surfaced.
const federationMaxRetries = 5

// resolve returns the value of a TokenSource, preferring an inline
// string over a callback over a file path.
func (t TokenSource) resolve(ctx context.Context) (string, error) {
	if t.Inline != "" {
		return t.Inline, nil
	}
	if t.Provider != nil {
		return t.Provider(ctx)
	}
	if t.File != "" {
		data, err := os.ReadFile(t.File)
		if err != nil {
			return "", authfail.Wrap(authfail.CredentialsError, err, "failed to read token file %q", t.File)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", authfail.New(authfail.IllegalArgument, "no token source configured")
}

func (t TokenSource) asCallback() func(ctx context.Context) (string, error) {
	if !t.isSet() {
		return nil
	}
	return t.resolve
}

// buildProvider constructs the profile.Provider selected by cfg, plus
// the shared HTTP infrastructure it needs. It returns the auth-server
// HTTP client so cloudauth.New can reuse (and later close) it.
func buildProvider(ctx context.Context, cfg Config) (profile.Provider, *httpclient.Client, error) {
	httpClient := httpclient.New(
		httpclient.WithTimeout(cfg.Timeout),
		httpclient.WithTLSConfig(cfg.TLSConfig),
	)

	switch {
	case cfg.UseResourcePrincipal:
		p, err := profile.NewResourcePrincipalProvider(cfg.UseResourcePrincipalCompartment, cfg.tokenCacheConfig())
		return p, httpClient, err

	case cfg.UseInstancePrincipal:
		imdsClient := imds.New(httpClient)
		federationHTTP := httpclient.New(
			httpclient.WithTimeout(cfg.Timeout),
			httpclient.WithTLSConfig(cfg.TLSConfig),
			httpclient.WithExponentialBackoff(federationMaxRetries),
		)
		var opts []profile.InstancePrincipalOption
		if cfg.FederationEndpoint != "" {
			opts = append(opts, profile.WithFederationEndpoint(cfg.FederationEndpoint))
		}
		if cb := cfg.DelegationToken.asCallback(); cb != nil {
			opts = append(opts, profile.WithDelegationToken(cb))
		}
		opts = append(opts, profile.WithTokenCache(cfg.tokenCacheConfig()))
		return profile.NewInstancePrincipalProvider(imdsClient, federationHTTP, opts...), httpClient, nil

	case cfg.UseOKEWorkloadIdentity:
		okeTLS, err := okeTLSConfig(cfg.ServiceAccountCertPath)
		if err != nil {
			return nil, nil, err
		}
		okeHTTP := httpclient.New(httpclient.WithTimeout(cfg.Timeout), httpclient.WithTLSConfig(okeTLS))
		imdsClient := imds.New(httpClient)
		source := profile.SATokenSource{
			Token:    cfg.ServiceAccountToken.Inline,
			Callback: cfg.ServiceAccountToken.Provider,
			FilePath: cfg.ServiceAccountToken.File,
		}
		p, err := profile.NewOKEWorkloadIdentityProvider(okeHTTP, imdsClient, source, cfg.tokenCacheConfig())
		return p, httpClient, err

	case cfg.UseSessionToken:
		sessionProfile, err := loadOCIProfile(cfg.ConfigFile, cfg.ProfileName)
		if err != nil {
			return nil, nil, err
		}
		p, err := profile.NewSessionTokenProviderFromProfile(sessionProfile)
		return p, httpClient, err

	case len(cfg.PrivateKeyPEM) > 0 || cfg.PrivateKeyFile != "":
		pemBytes := cfg.PrivateKeyPEM
		if cfg.PrivateKeyFile != "" {
			data, err := os.ReadFile(expandHome(cfg.PrivateKeyFile))
			if err != nil {
				return nil, nil, authfail.Wrap(authfail.IllegalArgument, err, "failed to read PrivateKeyFile %q", cfg.PrivateKeyFile)
			}
			pemBytes = data
		}
		p := profile.NewDirectProvider(cfg.TenancyID, cfg.UserID, cfg.Fingerprint, cfg.Region, pemBytes, cfg.Passphrase)
		return p, httpClient, nil

	case cfg.CredentialsProvider != nil:
		return profile.NewUserCallbackProvider(cfg.CredentialsProvider), httpClient, nil

	default:
		configPath := cfg.ConfigFile
		if configPath == "" {
			configPath = defaultOCIConfigPath
		}
		ociProfile, err := loadOCIProfile(configPath, cfg.ProfileName)
		if err != nil {
			return nil, nil, err
		}
		p, err := profile.NewConfigFileProviderFromProfile(ociProfile)
		return p, httpClient, err
	}
}

func loadOCIProfile(path, profileName string) (ociconfig.Profile, error) {
	f, err := os.Open(expandHome(path))
	if err != nil {
		return ociconfig.Profile{}, authfail.Wrap(authfail.IllegalArgument, err, "failed to open configuration file %q", path)
	}
	defer f.Close()

	file, err := ociconfig.Parse(f)
	if err != nil {
		return ociconfig.Profile{}, err
	}
	return file.Profile(profileName)
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

// okeTLSConfig builds the TLS trust store for the OKE proxymux endpoint
// from the configured (or default in-pod) CA certificate path.
func okeTLSConfig(certPath string) (*tls.Config, error) {
	if certPath == "" {
		certPath = os.Getenv(profile.EnvOKEServiceAccountCertPath)
	}
	if certPath == "" {
		certPath = profile.DefaultOKEServiceAccountCertPath
	}

	pemBytes, err := os.ReadFile(certPath)
	if err != nil {
		return nil, authfail.Wrap(authfail.IllegalArgument, err, "failed to read OKE service account CA cert %q", certPath)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, authfail.New(authfail.IllegalArgument, "OKE service account CA cert %q contained no usable certificates", certPath)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}
