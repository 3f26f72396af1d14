package cloudauth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zalbiraw/nosqlauth/authorizer"
	"github.com/zalbiraw/nosqlauth/cloudauth"
)

func generateTestKeyPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der := x509.MarshalPKCS1PrivateKey(key)
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})
}

var authHeaderPattern = regexp.MustCompile(`^Signature headers="\(request-target\) host date",keyId="[^"]+",algorithm="rsa-sha256",signature="[A-Za-z0-9+/=]+",version="1"$`)

func TestNew_DirectCredentials_CleanPath(t *testing.T) {
	cfg := cloudauth.Config{
		TenancyID:     "ocid1.tenancy.oc1..aaaa",
		UserID:        "ocid1.user.oc1..bbbb",
		Fingerprint:   "aa:bb:cc",
		PrivateKeyPEM: generateTestKeyPEM(t),
		Region:        "us-phoenix-1",
	}

	a, err := cloudauth.New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	headers, err := a.GetAuthorization(context.Background(), authorizer.Request{})
	require.NoError(t, err)
	require.Regexp(t, authHeaderPattern, headers["Authorization"])
	require.Equal(t, "ocid1.tenancy.oc1..aaaa/ocid1.user.oc1..bbbb/aa:bb:cc", extractKeyID(headers["Authorization"]))
	require.NotEmpty(t, headers["Date"])
	require.Equal(t, "ocid1.tenancy.oc1..aaaa", headers["x-nosql-compartment-id"])
}

func TestGetAuthorization_RequestCompartmentOverridesTenant(t *testing.T) {
	cfg := cloudauth.Config{
		TenancyID:     "ocid1.tenancy.oc1..aaaa",
		UserID:        "ocid1.user.oc1..bbbb",
		Fingerprint:   "aa:bb:cc",
		PrivateKeyPEM: generateTestKeyPEM(t),
		Region:        "us-phoenix-1",
	}
	a, err := cloudauth.New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	headers, err := a.GetAuthorization(context.Background(), authorizer.Request{Compartment: "ocid1.compartment.oc1..cccc"})
	require.NoError(t, err)
	require.Equal(t, "ocid1.compartment.oc1..cccc", headers["x-nosql-compartment-id"])
}

func TestGetAuthorization_InvalidAuthorizationForcesFreshSignature(t *testing.T) {
	cfg := cloudauth.Config{
		TenancyID:       "ocid1.tenancy.oc1..aaaa",
		UserID:          "ocid1.user.oc1..bbbb",
		Fingerprint:     "aa:bb:cc",
		PrivateKeyPEM:   generateTestKeyPEM(t),
		Region:          "us-phoenix-1",
		DurationSeconds: 300,
	}
	a, err := cloudauth.New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	first, err := a.GetAuthorization(context.Background(), authorizer.Request{})
	require.NoError(t, err)

	second, err := a.GetAuthorization(context.Background(), authorizer.Request{})
	require.NoError(t, err)
	require.Equal(t, first["Authorization"], second["Authorization"])

	time.Sleep(1100 * time.Millisecond)

	third, err := a.GetAuthorization(context.Background(), authorizer.Request{
		LastError: &authorizer.LastError{Code: authorizer.CodeInvalidAuthorization},
	})
	require.NoError(t, err)
	require.NotEqual(t, first["Authorization"], third["Authorization"])
}

func TestClose_Idempotent(t *testing.T) {
	cfg := cloudauth.Config{
		TenancyID:     "t",
		UserID:        "u",
		Fingerprint:   "fp",
		PrivateKeyPEM: generateTestKeyPEM(t),
		Region:        "us-phoenix-1",
	}
	a, err := cloudauth.New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = a.GetAuthorization(context.Background(), authorizer.Request{})
	require.Error(t, err)
}

func TestValidate_ConflictingSelectors(t *testing.T) {
	cfg := cloudauth.Config{
		UseInstancePrincipal: true,
		UseSessionToken:      true,
	}
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_DurationSecondsOutOfRange(t *testing.T) {
	cfg := cloudauth.Config{
		TenancyID:       "t",
		UserID:          "u",
		Fingerprint:     "fp",
		PrivateKeyPEM:   []byte("x"),
		DurationSeconds: 301,
	}
	require.Error(t, cfg.Validate())
}

func extractKeyID(authHeader string) string {
	re := regexp.MustCompile(`keyId="([^"]+)"`)
	m := re.FindStringSubmatch(authHeader)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}
