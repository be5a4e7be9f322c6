package ldap

import (
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Valid test CA certificate (self-signed, for testing only)
const testCACert = `-----BEGIN CERTIFICATE-----
MIIDBTCCAe2gAwIBAgIUF3pBeK7vWjkiOn5vkdviUpPSZDIwDQYJKoZIhvcNAQEL
BQAwEjEQMA4GA1UEAwwHVGVzdCBDQTAeFw0yNTEwMjQxNzM3NDNaFw0yNjEwMjQx
NzM3NDNaMBIxEDAOBgNVBAMMB1Rlc3QgQ0EwggEiMA0GCSqGSIb3DQEBAQUAA4IB
DwAwggEKAoIBAQDcyerW4aUDqSKC9QPHuL1wZadQqNOP97LwivFl0rnJ1TTUw8Xn
qX+V16tViOSuPq+tp4vxLDE4Sv0dJbXm35+7mb9xkmJFvIQaP8wQweza/k/GnkuM
pCM9voUpxC2wDnNSenw46L0eTdFPyXDTDRQR8vbS85OektHdsSgMwxubugS0CihD
WlIKYZnvpLPrvjBoplfS5Ff3gdse2d5K9qzl4Vs+KDyfxJegML9ATmPnXWLkyl13
3WjV/rjlQrxqtIJH+APUVyGBCNe+LtymOHeIy+FMX3JpKV1CLGyVoQ1sowzgm17D
wgErA2L6/quQpkNKNuoZSuDbFdJBiHyGWNsRAgMBAAGjUzBRMB0GA1UdDgQWBBRg
vCPlMaoj4A/WZxqd7kvtbfQpZTAfBgNVHSMEGDAWgBRgvCPlMaoj4A/WZxqd7kvt
bfQpZTAPBgNVHRMBAf8EBTADAQH/MA0GCSqGSIb3DQEBCwUAA4IBAQBFbrOXuzvE
pdNN/f64PpkJakfrWGXAR4xhZul+2lXgJQd0iq7mEOkWpPlOq8/UeDTlLfOSPcDw
FrQuODeDQeUmeglZvvmJIinOzFYf4wsxaJNqdQoF3bwY6UmUWlABDoRvVkWHFMwA
VpAD/4I2VNcE+Mqe03Lx0UO+xkZ74KzHrEwKpYcPP4J3K78S16NAlz3MaH4eLRWK
yVZWTBLVmuIFB5ITwdrdL92vdP6IQoXYOSrFDyhXkSoB+UxgaZwDji2wnYw3KZrm
aomYL4gPZz6Cnw2euSkQEY64gm/e1ueJDarBkzWUFUhmTMTJ/XRJpnhdu5FTqwKj
eNsm2nzlwhTR
-----END CERTIFICATE-----`

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config == nil {
		t.Fatal("DefaultConfig() returned nil")
	}

	if config.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", config.Timeout)
	}

	if config.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", config.MaxRetries)
	}

	if config.BackoffFactor != 2.0 {
		t.Errorf("BackoffFactor = %v, want 2.0", config.BackoffFactor)
	}

	for _, mode := range Modes {
		pc := config.PoolFor(mode)
		if pc.MaxActive != 8 || pc.MaxIdle != 8 {
			t.Errorf("%s pool = %+v, want max_active=8 max_idle=8", mode, pc)
		}
		if pc.MaxWait != 10*time.Second {
			t.Errorf("%s MaxWait = %v, want 10s", mode, pc.MaxWait)
		}
	}

	if !config.Validation.TestOnBorrow {
		t.Error("TestOnBorrow should default to true")
	}

	if config.Validation.TimeBetweenEvictionRuns != 0 {
		t.Error("Evictor should be disabled by default")
	}

	if config.TempSuffix != DefaultTempSuffix {
		t.Errorf("TempSuffix = %q, want %q", config.TempSuffix, DefaultTempSuffix)
	}

	want := []uint16{ldap.ErrorNetwork, ldap.LDAPResultServerDown, ldap.LDAPResultConnectError}
	if len(config.NonTransientResultCodes) != len(want) {
		t.Fatalf("NonTransientResultCodes = %v, want %v", config.NonTransientResultCodes, want)
	}
	for i, code := range want {
		if config.NonTransientResultCodes[i] != code {
			t.Errorf("NonTransientResultCodes[%d] = %d, want %d", i, config.NonTransientResultCodes[i], code)
		}
	}

	if err := config.Validate(); err != nil {
		t.Errorf("DefaultConfig() should validate, got %v", err)
	}
}

func TestParseConfig(t *testing.T) {
	t.Setenv("LDAPTX_TEST_PASSWORD", "s3cret")

	data := []byte(`
urls:
  - ldaps://ldap1.example.com
  - ldap://ldap2.example.com:3389
base_dn: dc=example,dc=com
bind_dn: cn=admin,dc=example,dc=com
password: ${LDAPTX_TEST_PASSWORD}
anonymous_read_only: true
read_write_pool:
  max_active: 2
  max_wait: 250ms
validation:
  test_on_return: true
  time_between_eviction_runs: 1m
non_transient_result_codes: [81]
temp_subtree_dn: ou=trash,dc=example,dc=com
`)

	config, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig() failed: %v", err)
	}

	if len(config.URLs) != 2 || config.URLs[1] != "ldap://ldap2.example.com:3389" {
		t.Errorf("URLs = %v", config.URLs)
	}

	if config.Password != "s3cret" {
		t.Errorf("Password = %q, want environment value", config.Password)
	}

	if !config.AnonymousReadOnly {
		t.Error("AnonymousReadOnly should be true")
	}

	if config.ReadWritePool.MaxActive != 2 || config.ReadWritePool.MaxWait != 250*time.Millisecond {
		t.Errorf("ReadWritePool = %+v", config.ReadWritePool)
	}

	// Unset keys in a nested block keep their defaults.
	if config.ReadWritePool.MaxIdle != 8 {
		t.Errorf("ReadWritePool.MaxIdle = %d, want default 8", config.ReadWritePool.MaxIdle)
	}

	if config.ReadOnlyPool.MaxActive != 8 {
		t.Errorf("ReadOnlyPool.MaxActive = %d, want default 8", config.ReadOnlyPool.MaxActive)
	}

	if !config.Validation.TestOnBorrow || !config.Validation.TestOnReturn {
		t.Errorf("Validation = %+v", config.Validation)
	}

	if config.Validation.TimeBetweenEvictionRuns != time.Minute {
		t.Errorf("TimeBetweenEvictionRuns = %v, want 1m", config.Validation.TimeBetweenEvictionRuns)
	}

	if len(config.NonTransientResultCodes) != 1 || config.NonTransientResultCodes[0] != 81 {
		t.Errorf("NonTransientResultCodes = %v, want [81]", config.NonTransientResultCodes)
	}

	if config.TempSubtreeDN != "ou=trash,dc=example,dc=com" {
		t.Errorf("TempSubtreeDN = %q", config.TempSubtreeDN)
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{name: "malformed yaml", data: "urls: [", wantErr: "failed to parse config file"},
		{name: "zero max active", data: "read_only_pool:\n  max_active: 0\n", wantErr: "max_active must be positive"},
		{name: "too many connections", data: "read_write_pool:\n  max_active: 1000\n", wantErr: "max_active too high"},
		{name: "bad temp subtree", data: "temp_subtree_dn: not-a-dn\n", wantErr: "temp_subtree_dn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			if err == nil {
				t.Fatal("ParseConfig() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "negative max idle", mutate: func(c *Config) { c.ReadOnlyPool.MaxIdle = -1 }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.Timeout = 0 }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.MaxRetries = -1 }, wantErr: true},
		{name: "backoff factor too small", mutate: func(c *Config) { c.BackoffFactor = 1.0 }, wantErr: true},
		{name: "negative eviction interval", mutate: func(c *Config) { c.Validation.TimeBetweenEvictionRuns = -time.Second }, wantErr: true},
		{name: "no temp naming", mutate: func(c *Config) { c.TempSuffix = "" }, wantErr: true},
		{
			name: "subtree naming only",
			mutate: func(c *Config) {
				c.TempSuffix = ""
				c.TempSubtreeDN = "ou=trash,dc=example,dc=com"
			},
		},
		{name: "negative max wait waits forever", mutate: func(c *Config) { c.ReadWritePool.MaxWait = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)

			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ldaptx.yaml")
	if err := os.WriteFile(path, []byte("urls: [ldap://localhost]\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() failed: %v", err)
	}
	if len(config.URLs) != 1 {
		t.Errorf("URLs = %v", config.URLs)
	}

	if _, err := LoadConfig(path + ".missing"); err == nil {
		t.Error("LoadConfig() should fail for a missing file")
	}
}

func TestNonTransientKinds(t *testing.T) {
	config := DefaultConfig()
	classifier := NewFailureClassifier(config.NonTransientKinds()...)

	if !classifier.IsNonTransient(ldap.NewError(ldap.LDAPResultServerDown, errors.New("down"))) {
		t.Error("server down should be non-transient")
	}

	config.NonTransientResultCodes = nil
	config.NonTransientNetErrors = false
	if kinds := config.NonTransientKinds(); len(kinds) != 0 {
		t.Errorf("NonTransientKinds() = %v, want none", kinds)
	}
}

func TestHasAuthentication(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
		want   bool
	}{
		{name: "simple bind", config: &Config{BindDN: "cn=admin", Password: "x"}, want: true},
		{name: "bind DN without password", config: &Config{BindDN: "cn=admin"}, want: false},
		{name: "kerberos", config: &Config{KerberosRealm: "EXAMPLE.COM"}, want: true},
		{name: "nothing", config: &Config{}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.config.HasAuthentication(); got != tt.want {
				t.Errorf("HasAuthentication() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildTLSConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		tlsConfig, err := DefaultConfig().BuildTLSConfig()
		if err != nil {
			t.Fatalf("BuildTLSConfig() failed: %v", err)
		}
		if tlsConfig.InsecureSkipVerify {
			t.Error("Default config should validate certificates")
		}
		if tlsConfig.MinVersion != tls.VersionTLS12 {
			t.Errorf("MinVersion = %x, want TLS 1.2", tlsConfig.MinVersion)
		}
	})

	t.Run("explicit config wins", func(t *testing.T) {
		explicit := &tls.Config{ServerName: "override", MinVersion: tls.VersionTLS13}
		config := DefaultConfig()
		config.TLSConfig = explicit

		tlsConfig, err := config.BuildTLSConfig()
		if err != nil {
			t.Fatalf("BuildTLSConfig() failed: %v", err)
		}
		if tlsConfig != explicit {
			t.Error("BuildTLSConfig() should return the explicit TLS config")
		}
	})

	t.Run("CA file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		if err := os.WriteFile(path, []byte(testCACert), 0o600); err != nil {
			t.Fatalf("Failed to write CA file: %v", err)
		}

		config := DefaultConfig()
		config.CACertFile = path

		tlsConfig, err := config.BuildTLSConfig()
		if err != nil {
			t.Fatalf("BuildTLSConfig() failed: %v", err)
		}
		if tlsConfig.RootCAs == nil {
			t.Error("RootCAs should be set from the CA file")
		}
	})

	t.Run("invalid PEM", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		if err := os.WriteFile(path, []byte("this is not valid PEM content"), 0o600); err != nil {
			t.Fatalf("Failed to write CA file: %v", err)
		}

		config := DefaultConfig()
		config.CACertFile = path

		_, err := config.BuildTLSConfig()
		if err == nil || !strings.Contains(err.Error(), "no certificates found") {
			t.Errorf("Expected 'no certificates found' error, got: %v", err)
		}
	})

	t.Run("file not found", func(t *testing.T) {
		config := DefaultConfig()
		config.CACertFile = "/nonexistent/path/to/ca.pem"

		_, err := config.BuildTLSConfig()
		if err == nil || !strings.Contains(err.Error(), "failed to read CA certificate file") {
			t.Errorf("Expected 'failed to read CA certificate file' error, got: %v", err)
		}
	})
}
