package profile_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zalbiraw/nosqlauth/internal/ociconfig"
	"github.com/zalbiraw/nosqlauth/internal/profile"
)

func TestConfigFileProvider_ReadsKeyFile(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(keyPath, generateTestKeyPEM(t), 0o600))

	file, err := ociconfig.Parse(strings.NewReader(
		"[DEFAULT]\n" +
			"tenancy = ocid1.tenancy.oc1..t\n" +
			"user = ocid1.user.oc1..u\n" +
			"fingerprint = ab:cd\n" +
			"key_file = " + keyPath + "\n" +
			"region = eu-frankfurt-1\n",
	))
	require.NoError(t, err)
	p, err := file.Profile("DEFAULT")
	require.NoError(t, err)

	provider, err := profile.NewConfigFileProviderFromProfile(p)
	require.NoError(t, err)

	prof, err := provider.GetProfile(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "ocid1.tenancy.oc1..t/ocid1.user.oc1..u/ab:cd", prof.KeyID)
	require.Equal(t, "eu-frankfurt-1", provider.Region())
}

func TestSessionTokenProvider_BuildsSTPrefixedKeyID(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.pem")
	tokenPath := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(keyPath, generateTestKeyPEM(t), 0o600))
	require.NoError(t, os.WriteFile(tokenPath, []byte("header.payload.sig\n"), 0o600))

	file, err := ociconfig.Parse(strings.NewReader(
		"[SESSION]\n" +
			"tenancy = ocid1.tenancy.oc1..t\n" +
			"key_file = " + keyPath + "\n" +
			"security_token_file = " + tokenPath + "\n",
	))
	require.NoError(t, err)
	p, err := file.Profile("SESSION")
	require.NoError(t, err)

	provider, err := profile.NewSessionTokenProviderFromProfile(p)
	require.NoError(t, err)

	prof, err := provider.GetProfile(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "ST$header.payload.sig", prof.KeyID)
}
