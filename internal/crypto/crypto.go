// Package crypto provides the RSA key handling, signing, and digest
// primitives shared by every profile provider: PEM (optionally
// passphrase-encrypted) private key loading, RSA-PKCS1v15-SHA256 signing,
// SHA-256 digests, SHA-1 DER fingerprints, in-memory 2048-bit keypair
// generation, and minimal X.509 subject RDN lookups.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // fingerprint format, not a security boundary
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
)

// KeySize is the RSA modulus size used for every ephemeral session
// keypair generated by a principal-based profile provider.
const KeySize = 2048

// OID strings for the two subject RDN attributes instance-principal
// tenant extraction looks at, in order: OU first, then O.
const (
	OIDOrganizationalUnit = "2.5.4.11"
	OIDOrganization       = "2.5.4.10"
)

// ParsePrivateKeyPEM decodes a PEM block and parses it as an RSA private
// key, supporting PKCS#1, PKCS#8, and (when passphrase is non-empty) a
// legacy OpenSSL "DEK-Info" encrypted PEM block.
func ParsePrivateKeyPEM(pemBytes, passphrase []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, authfail.New(authfail.IllegalArgument, "failed to decode PEM block")
	}

	der := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy OCI CLI key format
		if len(passphrase) == 0 {
			return nil, authfail.New(authfail.IllegalArgument, "private key is encrypted but no passphrase was supplied")
		}
		decrypted, err := x509.DecryptPEMBlock(block, passphrase) //nolint:staticcheck
		if err != nil {
			return nil, authfail.Wrap(authfail.IllegalArgument, err, "failed to decrypt private key")
		}
		der = decrypted
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, authfail.Wrap(authfail.IllegalArgument, err, "failed to parse private key")
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, authfail.New(authfail.IllegalArgument, "private key is not RSA")
	}
	return rsaKey, nil
}

// SignPKCS1v15SHA256 signs data with RSA-PKCS1v15 over its SHA-256 digest
// and returns the base64-encoded signature, as required by the Signature
// header's "algorithm=\"rsa-sha256\"" parameter.
func SignPKCS1v15SHA256(key *rsa.PrivateKey, data []byte) (string, error) {
	hashed := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
	if err != nil {
		return "", authfail.Wrap(authfail.IllegalState, err, "failed to sign request")
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SHA256Base64 returns the base64-encoded SHA-256 digest of data, used
// for the x-content-sha256 header on content-signed operations.
func SHA256Base64(data []byte) string {
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// SHA1FingerprintColonHex returns the SHA-1 digest of der formatted as
// lowercase colon-separated hex pairs, e.g. "ab:cd:...".
func SHA1FingerprintColonHex(der []byte) string {
	sum := sha1.Sum(der) //nolint:gosec // fingerprint format, not a security boundary
	return colonHex(sum[:])
}

func colonHex(b []byte) string {
	spaced := fmt.Sprintf("% x", b)
	return strings.ReplaceAll(spaced, " ", ":")
}

// GenerateKeypair creates a fresh in-memory RSA keypair of KeySize bits,
// as used by every principal-based provider on each refresh.
func GenerateKeypair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, authfail.Wrap(authfail.IllegalState, err, "failed to generate session keypair")
	}
	return key, nil
}

// PublicKeySPKIBase64 marshals the public half of key as a DER-encoded
// SubjectPublicKeyInfo and returns it base64-encoded with no PEM framing,
// the format the x509 federation endpoint and the OKE workload-identity
// endpoint both expect in their JSON request bodies.
func PublicKeySPKIBase64(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return "", authfail.Wrap(authfail.IllegalState, err, "failed to marshal public key")
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// StripPEMFraming removes BEGIN/END armor lines and newlines from a PEM
// string, leaving the raw base64 body. Several OCI endpoints want
// certificates and keys sent this way instead of full PEM.
func StripPEMFraming(s string) string {
	s = strings.ReplaceAll(s, "-----BEGIN CERTIFICATE-----", "")
	s = strings.ReplaceAll(s, "-----END CERTIFICATE-----", "")
	s = strings.ReplaceAll(s, "-----BEGIN PUBLIC KEY-----", "")
	s = strings.ReplaceAll(s, "-----END PUBLIC KEY-----", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

// ParseCertificatePEM decodes a single PEM-encoded certificate.
func ParseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, authfail.New(authfail.IllegalArgument, "failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, authfail.Wrap(authfail.IllegalArgument, err, "failed to parse certificate")
	}
	return cert, nil
}

// SubjectRDNWithPrefix scans the certificate subject's relative
// distinguished names (by attribute type OID string, e.g. "2.5.4.11" for
// OU, "2.5.4.10" for O) for a value carrying prefix, and returns the
// suffix after it. Used to pull "opc-tenant:<ocid>" out of OU and
// "opc-identity:<ocid>" out of O on instance-principal leaf certs.
func SubjectRDNWithPrefix(cert *x509.Certificate, oid, prefix string) (string, bool) {
	for _, name := range cert.Subject.Names {
		if name.Type.String() != oid {
			continue
		}
		value, ok := name.Value.(string)
		if !ok {
			continue
		}
		if strings.HasPrefix(value, prefix) {
			return strings.TrimPrefix(value, prefix), true
		}
	}
	return "", false
}

// Zero overwrites b with zero bytes in place. Call on every secret buffer
// (passphrases, PEM bytes sourced from buffers, on-prem passwords) once
// it is no longer needed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
