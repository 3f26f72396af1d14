package ociconfig_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zalbiraw/nosqlauth/internal/authfail"
	"github.com/zalbiraw/nosqlauth/internal/ociconfig"
)

const sample = `
# a comment line should be ignored

[DEFAULT]
tenancy = ocid1.tenancy.oc1..aaa
user = ocid1.user.oc1..bbb
fingerprint = ab:cd:ef
key_file=~/.oci/oci_api_key.pem
region = us-phoenix-1

[SESSION]
tenancy = ocid1.tenancy.oc1..aaa
key_file = ~/.oci/sessions/key.pem
security_token_file = ~/.oci/sessions/token
`

func TestParse_PopulatesProfiles(t *testing.T) {
	file, err := ociconfig.Parse(strings.NewReader(sample))
	require.NoError(t, err)

	def, err := file.Profile("DEFAULT")
	require.NoError(t, err)
	tenancy, err := def.Require("tenancy")
	require.NoError(t, err)
	require.Equal(t, "ocid1.tenancy.oc1..aaa", tenancy)
	keyFile, err := def.Require("key_file")
	require.NoError(t, err)
	require.Equal(t, "~/.oci/oci_api_key.pem", keyFile)

	session, err := file.Profile("SESSION")
	require.NoError(t, err)
	_, err = session.Require("fingerprint")
	require.Error(t, err)
}

func TestParse_DefaultProfileOnEmptyName(t *testing.T) {
	file, err := ociconfig.Parse(strings.NewReader(sample))
	require.NoError(t, err)
	p, err := file.Profile("")
	require.NoError(t, err)
	require.Equal(t, "DEFAULT", p.Name)
}

func TestParse_KeyValueBeforeSectionFails(t *testing.T) {
	_, err := ociconfig.Parse(strings.NewReader("tenancy = x\n[DEFAULT]\n"))
	require.Error(t, err)
	require.True(t, authfail.Is(err, authfail.BadProtocolMessage))
}

func TestFormat_RoundTripPreservesPairs(t *testing.T) {
	first, err := ociconfig.Parse(strings.NewReader(sample))
	require.NoError(t, err)

	second, err := ociconfig.Parse(strings.NewReader(first.Format()))
	require.NoError(t, err)

	require.Equal(t, len(first.Profiles), len(second.Profiles))
	for name, p := range first.Profiles {
		reparsed, err := second.Profile(name)
		require.NoError(t, err)
		require.Equal(t, p.Values, reparsed.Values)
	}
}

func TestParse_UnknownProfile(t *testing.T) {
	file, err := ociconfig.Parse(strings.NewReader(sample))
	require.NoError(t, err)
	_, err = file.Profile("MISSING")
	require.Error(t, err)
}
