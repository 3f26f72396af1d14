package profile_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
	"github.com/zalbiraw/nosqlauth/internal/profile"
)

func makeRPST(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func setResourcePrincipalEnv(t *testing.T, rpst string) {
	t.Helper()
	t.Setenv(profile.EnvResourcePrincipalVersion, "2.2")
	t.Setenv(profile.EnvResourcePrincipalPrivatePEM, string(generateTestKeyPEM(t)))
	t.Setenv(profile.EnvResourcePrincipalPrivatePEMPass, "")
	t.Setenv(profile.EnvResourcePrincipalRPST, rpst)
	t.Setenv(profile.EnvResourcePrincipalRegion, "us-ashburn-1")
}

func TestResourcePrincipal_GetProfile(t *testing.T) {
	rpst := makeRPST(t, map[string]any{
		"exp":             float64(time.Now().Add(time.Hour).Unix()),
		"res_tenant":      "ocid1.tenancy.oc1..tttt",
		"res_compartment": "ocid1.compartment.oc1..cccc",
	})
	setResourcePrincipalEnv(t, rpst)

	p, err := profile.NewResourcePrincipalProvider(false, profile.TokenCacheConfig{})
	require.NoError(t, err)
	defer p.Close()

	prof, err := p.GetProfile(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "ST$"+rpst, prof.KeyID)
	require.NotNil(t, prof.PrivateKey)
	require.Equal(t, "ocid1.tenancy.oc1..tttt", prof.TenantID)
	require.Empty(t, prof.Compartment)
	require.Equal(t, "us-ashburn-1", p.Region())
}

func TestResourcePrincipal_CompartmentFromClaimWhenRequested(t *testing.T) {
	rpst := makeRPST(t, map[string]any{
		"exp":             float64(time.Now().Add(time.Hour).Unix()),
		"res_compartment": "ocid1.compartment.oc1..cccc",
	})
	setResourcePrincipalEnv(t, rpst)

	p, err := profile.NewResourcePrincipalProvider(true, profile.TokenCacheConfig{})
	require.NoError(t, err)
	defer p.Close()

	prof, err := p.GetProfile(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "ocid1.compartment.oc1..cccc", prof.Compartment)
}

func TestResourcePrincipal_RejectsUnsupportedVersion(t *testing.T) {
	setResourcePrincipalEnv(t, makeRPST(t, map[string]any{"exp": float64(time.Now().Add(time.Hour).Unix())}))
	t.Setenv(profile.EnvResourcePrincipalVersion, "1.1")

	_, err := profile.NewResourcePrincipalProvider(false, profile.TokenCacheConfig{})
	require.Error(t, err)
	require.True(t, authfail.Is(err, authfail.IllegalState))
}

func TestResourcePrincipal_RejectsMixedPathAndInline(t *testing.T) {
	setResourcePrincipalEnv(t, makeRPST(t, map[string]any{"exp": float64(time.Now().Add(time.Hour).Unix())}))
	// Inline key but path-based passphrase is inconsistent.
	t.Setenv(profile.EnvResourcePrincipalPrivatePEMPass, "/run/secrets/passphrase")

	_, err := profile.NewResourcePrincipalProvider(false, profile.TokenCacheConfig{})
	require.Error(t, err)
	require.True(t, authfail.Is(err, authfail.IllegalState))
}

func TestResourcePrincipal_RequiresRegion(t *testing.T) {
	setResourcePrincipalEnv(t, makeRPST(t, map[string]any{"exp": float64(time.Now().Add(time.Hour).Unix())}))
	t.Setenv(profile.EnvResourcePrincipalRegion, "")

	_, err := profile.NewResourcePrincipalProvider(false, profile.TokenCacheConfig{})
	require.Error(t, err)
}
