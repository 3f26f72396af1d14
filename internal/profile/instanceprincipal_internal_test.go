package profile

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
	"github.com/zalbiraw/nosqlauth/internal/crypto"
	"github.com/zalbiraw/nosqlauth/internal/httpclient"
	"github.com/zalbiraw/nosqlauth/internal/imds"
)

func TestValidateFederationEndpoint(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid", "https://auth.us-phoenix-1.oraclecloud.com", false},
		{"http not allowed", "http://auth.us-phoenix-1.oraclecloud.com", true},
		{"port not allowed", "https://auth.us-phoenix-1.oraclecloud.com:8080", true},
		{"path not allowed", "https://auth.us-phoenix-1.oraclecloud.com/v1", true},
		{"query not allowed", "https://auth.us-phoenix-1.oraclecloud.com?x=1", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateFederationEndpoint(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				require.True(t, authfail.Is(err, authfail.IllegalArgument))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

// makeTestJWT builds a header.payload.signature token with the given
// claims, good enough for peers that never verify signatures.
func makeTestJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

// generateLeafCert self-signs a certificate whose subject OU carries the
// given opc-tenant value, the way IMDS-issued instance leaf certs do.
func generateLeafCert(t *testing.T, tenant string) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: "instance.test",
			ExtraNames: []pkix.AttributeTypeAndValue{
				{Type: asn1.ObjectIdentifier{2, 5, 4, 11}, Value: "opc-tenant:" + tenant},
			},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return key, der
}

func pemBytes(t *testing.T, blockType string, der []byte) []byte {
	t.Helper()
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

func testHTTPOpts() []httpclient.Option {
	return []httpclient.Option{
		httpclient.WithTimeout(2 * time.Second),
		httpclient.WithRetryDelay(5 * time.Millisecond),
	}
}

func TestInstancePrincipal_EndToEnd(t *testing.T) {
	instanceKey, leafDER := generateLeafCert(t, "TestTenant")
	_, intermediateDER := generateLeafCert(t, "TestTenant")
	keyDER := x509.MarshalPKCS1PrivateKey(instanceKey)

	imdsMux := http.NewServeMux()
	imdsMux.HandleFunc("/opc/v2/identity/cert.pem", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pemBytes(t, "CERTIFICATE", leafDER))
	})
	imdsMux.HandleFunc("/opc/v2/identity/key.pem", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pemBytes(t, "RSA PRIVATE KEY", keyDER))
	})
	imdsMux.HandleFunc("/opc/v2/identity/intermediate.pem", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pemBytes(t, "CERTIFICATE", intermediateDER))
	})
	imdsSrv := httptest.NewServer(imdsMux)
	defer imdsSrv.Close()

	securityToken := makeTestJWT(t, map[string]any{"exp": float64(time.Now().Add(time.Hour).Unix())})

	var signedKeyID string
	fedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/x509", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NotEmpty(t, r.Header.Get("X-Content-Sha256"))

		m := regexp.MustCompile(`keyId="([^"]+)"`).FindStringSubmatch(r.Header.Get("Authorization"))
		require.Len(t, m, 2)
		signedKeyID = m[1]

		var req struct {
			PublicKey                string   `json:"publicKey"`
			Certificate              string   `json:"certificate"`
			Purpose                  string   `json:"purpose"`
			IntermediateCertificates []string `json:"intermediateCertificates"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.PublicKey)
		require.NotEmpty(t, req.Certificate)
		require.Equal(t, "DEFAULT", req.Purpose)
		require.Len(t, req.IntermediateCertificates, 1)

		_ = json.NewEncoder(w).Encode(map[string]string{"token": securityToken})
	}))
	defer fedSrv.Close()

	imdsClient := imds.New(httpclient.New(testHTTPOpts()...), imds.WithBase(imdsSrv.URL))
	p := NewInstancePrincipalProvider(imdsClient, httpclient.New(testHTTPOpts()...))
	p.federationEndpoint = fedSrv.URL
	p.endpointChecked = true

	prof, err := p.GetProfile(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "ST$"+securityToken, prof.KeyID)
	require.Equal(t, "TestTenant", prof.TenantID)
	require.NotNil(t, prof.PrivateKey)
	require.NotSame(t, instanceKey, prof.PrivateKey, "the profile signs with a fresh session key, not the instance key")

	wantKeyID := "TestTenant/fed-x509/" + crypto.SHA1FingerprintColonHex(leafDER)
	require.Equal(t, wantKeyID, signedKeyID)

	// A second call within the token's lifetime is served from cache.
	again, err := p.GetProfile(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, prof.KeyID, again.KeyID)

	require.NoError(t, p.Close())
}

func TestInstancePrincipal_TenantChangeAcrossRefreshesFails(t *testing.T) {
	_, leafDER1 := generateLeafCert(t, "TenantOne")
	instanceKey2, leafDER2 := generateLeafCert(t, "TenantTwo")
	keyDER := x509.MarshalPKCS1PrivateKey(instanceKey2)

	serveFirst := true
	imdsMux := http.NewServeMux()
	imdsMux.HandleFunc("/opc/v2/identity/cert.pem", func(w http.ResponseWriter, r *http.Request) {
		if serveFirst {
			_, _ = w.Write(pemBytes(t, "CERTIFICATE", leafDER1))
			return
		}
		_, _ = w.Write(pemBytes(t, "CERTIFICATE", leafDER2))
	})
	imdsMux.HandleFunc("/opc/v2/identity/key.pem", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pemBytes(t, "RSA PRIVATE KEY", keyDER))
	})
	imdsMux.HandleFunc("/opc/v2/identity/intermediate.pem", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pemBytes(t, "CERTIFICATE", leafDER2))
	})
	imdsSrv := httptest.NewServer(imdsMux)
	defer imdsSrv.Close()

	securityToken := makeTestJWT(t, map[string]any{"exp": float64(time.Now().Add(time.Hour).Unix())})
	fedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": securityToken})
	}))
	defer fedSrv.Close()

	imdsClient := imds.New(httpclient.New(testHTTPOpts()...), imds.WithBase(imdsSrv.URL))
	p := NewInstancePrincipalProvider(imdsClient, httpclient.New(testHTTPOpts()...))
	p.federationEndpoint = fedSrv.URL
	p.endpointChecked = true

	// Nothing verifies the federation signature here, so the first
	// refresh signing with a key that doesn't match TenantOne's cert is
	// irrelevant to what this test pins.
	_, err := p.GetProfile(context.Background(), false)
	require.NoError(t, err)

	serveFirst = false
	_, err = p.GetProfile(context.Background(), true)
	require.Error(t, err)
	require.True(t, authfail.Is(err, authfail.IllegalState))
}
