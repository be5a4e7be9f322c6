package ldap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRuntimeKrb5Conf(t *testing.T) {
	conf := generateRuntimeKrb5Conf(context.Background(), &kerberosSettings{realm: "Example.Com"})

	assert.Contains(t, conf, "[libdefaults]")
	assert.Contains(t, conf, "default_realm = EXAMPLE.COM")
	assert.Contains(t, conf, "dns_lookup_kdc = true")
	assert.Contains(t, conf, "EXAMPLE.COM = {")
	assert.Contains(t, conf, ".example.com = EXAMPLE.COM")

	// The generated text must be accepted by the Kerberos library.
	parsed, err := krb5config.NewFromString(conf)
	require.NoError(t, err)
	assert.Equal(t, "EXAMPLE.COM", parsed.LibDefaults.DefaultRealm)
	assert.True(t, parsed.LibDefaults.DNSLookupKDC)
	assert.Equal(t, "EXAMPLE.COM", parsed.DomainRealm[".example.com"])
}

func TestLoadKrb5Config(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "krb5.conf")
		require.NoError(t, os.WriteFile(path, []byte("[libdefaults]\n    default_realm = CORP.EXAMPLE\n"), 0o600))

		conf, err := loadKrb5Config(ctx, &kerberosSettings{realm: "CORP.EXAMPLE", krb5conf: path})
		require.NoError(t, err)
		assert.Equal(t, "CORP.EXAMPLE", conf.LibDefaults.DefaultRealm)
	})

	t.Run("explicit file missing", func(t *testing.T) {
		_, err := loadKrb5Config(ctx, &kerberosSettings{realm: "EXAMPLE.COM", krb5conf: "/nonexistent/krb5.conf"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kerberos configuration file not found")
	})

	t.Run("default missing falls back to runtime config", func(t *testing.T) {
		conf, err := loadKrb5Config(ctx, &kerberosSettings{
			realm:             "EXAMPLE.COM",
			krb5conf:          "/nonexistent/krb5.conf",
			krb5confDefaulted: true,
		})
		require.NoError(t, err)
		assert.Equal(t, "EXAMPLE.COM", conf.LibDefaults.DefaultRealm)
	})
}
