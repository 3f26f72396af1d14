// Package ocid validates Oracle Cloud resource identifiers and resolves
// region identifiers to the (code, second-level-domain, endpoint) triples
// the signing and federation code needs to build service URLs.
package ocid

import (
	"fmt"
	"regexp"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
)

// pattern matches the dot/colon-separated OCID shape, e.g.
// "ocid1.tenancy.oc1..aaaa": a type segment, at least three more
// separator-terminated segments (some possibly empty), and a final
// unique part.
var pattern = regexp.MustCompile(`^([0-9a-zA-Z\-_]+[.:])([0-9a-zA-Z\-_]*[.:]){3,}([0-9a-zA-Z\-_]+)$`)

// Valid reports whether s has the syntactic shape of an OCID. It does not
// check that the resource actually exists.
func Valid(s string) bool {
	return pattern.MatchString(s)
}

// Require returns an authfail.IllegalArgument error if s is not a
// syntactically valid OCID for the named field.
func Require(field, s string) error {
	if !Valid(s) {
		return authfail.New(authfail.IllegalArgument, "%s is not a valid OCID: %q", field, s)
	}
	return nil
}

// Region describes a single OCI region: its canonical id, short code,
// second-level domain, and a pre-built default endpoint for a given
// service prefix.
type Region struct {
	ID                string
	Code              string
	SecondLevelDomain string
}

// Endpoint returns the default host for service in this region, e.g.
// Endpoint("auth") -> "auth.us-phoenix-1.oraclecloud.com".
func (r Region) Endpoint(service string) string {
	return fmt.Sprintf("%s.%s.%s", service, r.ID, r.SecondLevelDomain)
}

// registry is a deliberately small, explicit table covering the
// commercial realm's commonly used regions plus the us-gov-phoenix-1
// government region. Unknown region strings are
// an authfail.IllegalState error: an unrecognized region literal from
// IMDS is a peer invariant violation, not a configuration error.
var registry = map[string]Region{
	"us-phoenix-1":     {ID: "us-phoenix-1", Code: "PHX", SecondLevelDomain: "oraclecloud.com"},
	"us-ashburn-1":     {ID: "us-ashburn-1", Code: "IAD", SecondLevelDomain: "oraclecloud.com"},
	"uk-london-1":      {ID: "uk-london-1", Code: "LHR", SecondLevelDomain: "oraclecloud.com"},
	"eu-frankfurt-1":   {ID: "eu-frankfurt-1", Code: "FRA", SecondLevelDomain: "oraclecloud.com"},
	"ap-tokyo-1":       {ID: "ap-tokyo-1", Code: "NRT", SecondLevelDomain: "oraclecloud.com"},
	"ap-mumbai-1":      {ID: "ap-mumbai-1", Code: "BOM", SecondLevelDomain: "oraclecloud.com"},
	"ca-toronto-1":     {ID: "ca-toronto-1", Code: "YYZ", SecondLevelDomain: "oraclecloud.com"},
	"sa-saopaulo-1":    {ID: "sa-saopaulo-1", Code: "GRU", SecondLevelDomain: "oraclecloud.com"},
	"me-jeddah-1":      {ID: "me-jeddah-1", Code: "JED", SecondLevelDomain: "oraclecloud.com"},
	"ap-sydney-1":      {ID: "ap-sydney-1", Code: "SYD", SecondLevelDomain: "oraclecloud.com"},
	"us-gov-phoenix-1": {ID: "us-gov-phoenix-1", Code: "PHX", SecondLevelDomain: "oraclegovcloud.com"},
}

// Lookup resolves a region identifier (as returned by IMDS's
// instance/region endpoint, or configured by a user) into its Region
// record. Also accepts a region code (e.g. "PHX") for compatibility with
// older IMDS payloads, per common.StringToRegion's behavior in the
// upstream SDK. When a code is shared across realms ("PHX" is both
// us-phoenix-1 and us-gov-phoenix-1), the commercial-realm region wins.
func Lookup(idOrCode string) (Region, error) {
	if r, ok := registry[idOrCode]; ok {
		return r, nil
	}
	var match Region
	found := false
	for _, r := range registry {
		if r.Code != idOrCode {
			continue
		}
		if !found || (r.SecondLevelDomain == "oraclecloud.com" && match.SecondLevelDomain != "oraclecloud.com") {
			match, found = r, true
		}
	}
	if found {
		return match, nil
	}
	return Region{}, authfail.New(authfail.IllegalState, "unknown region identifier: %q", idOrCode)
}

// Register adds or overrides a region in the registry. Intended for
// tests and for realms not covered by the built-in table; not safe for
// concurrent use with Lookup.
func Register(r Region) {
	registry[r.ID] = r
}
