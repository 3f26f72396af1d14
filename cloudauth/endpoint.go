package cloudauth

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
	"github.com/zalbiraw/nosqlauth/internal/ocid"
)

// dataPath is the fixed relative path every signed data-plane request is
// POSTed to; it is also the literal used in the "(request-target)" line
// of the signing content.
const dataPath = "/V2/nosql/data"

// nosqlServicePrefix names the service whose endpoint the region
// registry builds when only a region is configured.
const nosqlServicePrefix = "nosql"

const (
	defaultHTTPSPort = 443
	defaultHTTPPort  = 8080
)

// endpoint is a resolved (protocol, host, port) triple.
type endpoint struct {
	protocol string
	host     string
	port     int
}

// hostHeader returns the host the request is signed and sent against,
// omitting the port when it is the protocol's default. The signing
// content's host line and the wire-level Host header must be the same
// string, so both come from here.
func (e endpoint) hostHeader() string {
	if (e.protocol == "https" && e.port == defaultHTTPSPort) || (e.protocol == "http" && e.port == defaultHTTPPort) {
		return e.host
	}
	return fmt.Sprintf("%s:%d", e.host, e.port)
}

// parseEndpoint splits raw into (protocol, host, port). Allowed
// protocols are http and https; a bare host defaults to https on 443,
// and a bare host:port pair defaults to http.
func parseEndpoint(raw string) (endpoint, error) {
	if raw == "" {
		return endpoint{}, authfail.New(authfail.IllegalArgument, "endpoint must not be empty")
	}

	if !strings.Contains(raw, "://") {
		if host, portStr, err := net.SplitHostPort(raw); err == nil {
			port, convErr := strconv.Atoi(portStr)
			if convErr != nil {
				return endpoint{}, authfail.New(authfail.IllegalArgument, "endpoint %q has a non-numeric port", raw)
			}
			return endpoint{protocol: "http", host: host, port: port}, nil
		}
		return endpoint{protocol: "https", host: raw, port: defaultHTTPSPort}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, authfail.Wrap(authfail.IllegalArgument, err, "invalid endpoint %q", raw)
	}

	switch u.Scheme {
	case "https":
		port := defaultHTTPSPort
		if u.Port() != "" {
			port, err = strconv.Atoi(u.Port())
			if err != nil {
				return endpoint{}, authfail.New(authfail.IllegalArgument, "endpoint %q has a non-numeric port", raw)
			}
		}
		return endpoint{protocol: "https", host: u.Hostname(), port: port}, nil
	case "http":
		port := defaultHTTPPort
		if u.Port() != "" {
			port, err = strconv.Atoi(u.Port())
			if err != nil {
				return endpoint{}, authfail.New(authfail.IllegalArgument, "endpoint %q has a non-numeric port", raw)
			}
		}
		return endpoint{protocol: "http", host: u.Hostname(), port: port}, nil
	default:
		return endpoint{}, authfail.New(authfail.IllegalArgument, "endpoint %q must use http or https", raw)
	}
}

// endpointFromRegion builds the default NoSQL data-service endpoint for
// a region identifier via the region registry.
func endpointFromRegion(regionID string) (endpoint, error) {
	region, err := ocid.Lookup(regionID)
	if err != nil {
		return endpoint{}, err
	}
	return endpoint{protocol: "https", host: region.Endpoint(nosqlServicePrefix), port: defaultHTTPSPort}, nil
}
