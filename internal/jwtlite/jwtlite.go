// Package jwtlite parses the header.payload.signature tokens issued by
// OCI's federation, resource-principal, and OKE workload-identity
// endpoints. No signature verification is performed: these tokens are
// only ever received from a trusted peer over TLS and are consumed for
// their expiry claim, not their authenticity.
package jwtlite

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
)

// Token is a parsed JWT-lite: the raw string plus its decoded claim set.
type Token struct {
	Raw     string
	Payload map[string]any
}

// Parse splits raw on ".", base64url-decodes the middle segment, and
// unmarshals it as a JSON object.
func Parse(raw string) (*Token, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, authfail.New(authfail.BadProtocolMessage, "token does not have 3 dot-separated segments")
	}

	payload, err := decodeSegment(parts[1])
	if err != nil {
		return nil, authfail.Wrap(authfail.BadProtocolMessage, err, "failed to base64-decode token payload")
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, authfail.Wrap(authfail.BadProtocolMessage, err, "failed to parse token payload as JSON")
	}

	return &Token{Raw: raw, Payload: claims}, nil
}

func decodeSegment(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}

// ExpiresAt returns the "exp" claim (seconds since epoch), or an
// authfail.IllegalState error if it is absent or not a number. A token
// without a parseable exp is never cached.
func (t *Token) ExpiresAt() (float64, error) {
	raw, ok := t.Payload["exp"]
	if !ok {
		return 0, authfail.New(authfail.IllegalState, "token payload has no exp claim")
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	default:
		return 0, authfail.New(authfail.IllegalState, "exp claim is not numeric")
	}
}

// Claim returns an arbitrary claim by key.
func (t *Token) Claim(key string) (any, bool) {
	v, ok := t.Payload[key]
	return v, ok
}
