package cloudauth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	cases := []struct {
		name     string
		in       string
		protocol string
		host     string
		port     int
	}{
		{"bare host defaults https 443", "nosql.example.com", "https", "nosql.example.com", 443},
		{"host with port defaults http", "nosql.example.com:8080", "http", "nosql.example.com", 8080},
		{"explicit https no port", "https://nosql.example.com", "https", "nosql.example.com", 443},
		{"explicit https with port", "https://nosql.example.com:10000", "https", "nosql.example.com", 10000},
		{"explicit http no port", "http://nosql.example.com", "http", "nosql.example.com", 8080},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ep, err := parseEndpoint(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.protocol, ep.protocol)
			require.Equal(t, tc.host, ep.host)
			require.Equal(t, tc.port, ep.port)
		})
	}
}

func TestParseEndpoint_RejectsBadProtocol(t *testing.T) {
	_, err := parseEndpoint("ftp://nosql.example.com")
	require.Error(t, err)
}

func TestHostHeader_OmitsDefaultPort(t *testing.T) {
	require.Equal(t, "nosql.example.com", endpoint{protocol: "https", host: "nosql.example.com", port: 443}.hostHeader())
	require.Equal(t, "nosql.example.com:8443", endpoint{protocol: "https", host: "nosql.example.com", port: 8443}.hostHeader())
	require.Equal(t, "nosql.example.com", endpoint{protocol: "http", host: "nosql.example.com", port: 8080}.hostHeader())
}

func TestEndpointFromRegion(t *testing.T) {
	ep, err := endpointFromRegion("us-phoenix-1")
	require.NoError(t, err)
	require.Equal(t, "nosql.us-phoenix-1.oraclecloud.com", ep.host)
	require.Equal(t, "https", ep.protocol)
	require.Equal(t, 443, ep.port)
}

func TestEndpointFromRegion_UnknownRegion(t *testing.T) {
	_, err := endpointFromRegion("not-a-region")
	require.Error(t, err)
}
