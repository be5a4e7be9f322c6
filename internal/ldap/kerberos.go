package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
	krb5config "github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/keytab"
)

const defaultKrb5ConfPath = "/etc/krb5.conf"

// kerberosSettings is the resolved Kerberos configuration for one bind.
type kerberosSettings struct {
	realm    string
	username string
	password string
	keytab   string
	ccache   string
	krb5conf string
	spn      string

	// krb5confDefaulted is set when krb5conf was not configured.
	krb5confDefaulted bool
}

// performKerberosAuth performs a GSSAPI bind on conn.
func performKerberosAuth(ctx context.Context, conn *ldap.Conn, cfg *Config, server *ServerInfo) error {
	settings, err := prepareKerberosConfig(cfg)
	if err != nil {
		return fmt.Errorf("kerberos configuration error: %w", err)
	}

	gssapiClient, err := createGSSAPIClient(ctx, settings)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(settings, server)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	if err := conn.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	return nil
}

// createGSSAPIClient creates a GSSAPI client from the first usable credential.
// Priority order: credential cache → keytab → password.
func createGSSAPIClient(ctx context.Context, s *kerberosSettings) (ldap.GSSAPIClient, error) {
	krb5conf, err := loadKrb5Config(ctx, s)
	if err != nil {
		return nil, err
	}

	disableFAST := krb5client.DisablePAFXFAST(true)

	ccache := s.ccache
	if ccache == "" || !fileExists(ccache) {
		ccache = ""
		if defaultCCache := getDefaultCCachePath(); fileExists(defaultCCache) {
			tflog.SubsystemDebug(ctx, SubsystemLDAP, "Using default credential cache", map[string]any{
				"ccache": defaultCCache,
			})
			ccache = defaultCCache
		}
	}
	if ccache != "" {
		cc, err := credentials.LoadCCache(ccache)
		if err != nil {
			return nil, fmt.Errorf("failed to load credential cache %s: %w", ccache, err)
		}
		client, err := krb5client.NewFromCCache(cc, krb5conf, disableFAST)
		if err != nil {
			return nil, err
		}
		return &gssapi.Client{Client: client}, nil
	}

	keytabPath := s.keytab
	if keytabPath == "" || !fileExists(keytabPath) {
		keytabPath = getDefaultKeytabPath()
	}
	if fileExists(keytabPath) {
		kt, err := keytab.Load(keytabPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load keytab %s: %w", keytabPath, err)
		}
		return &gssapi.Client{Client: krb5client.NewWithKeytab(s.username, s.realm, kt, krb5conf, disableFAST)}, nil
	}

	if s.password != "" {
		return &gssapi.Client{Client: krb5client.NewWithPassword(s.username, s.realm, s.password, krb5conf, disableFAST)}, nil
	}

	return nil, fmt.Errorf("no suitable credentials found for Kerberos authentication")
}

// loadKrb5Config reads krb5.conf. When no path was configured and the
// default file is missing, a DNS-discovery configuration is generated.
func loadKrb5Config(ctx context.Context, s *kerberosSettings) (*krb5config.Config, error) {
	if fileExists(s.krb5conf) {
		return krb5config.Load(s.krb5conf)
	}

	if !s.krb5confDefaulted {
		return nil, fmt.Errorf("kerberos configuration file not found at %s; "+
			"create it or set kerberos_config", s.krb5conf)
	}

	return krb5config.NewFromString(generateRuntimeKrb5Conf(ctx, s))
}

// buildServicePrincipal returns the LDAP service principal for server. An
// explicit kerberos_spn overrides it.
func buildServicePrincipal(s *kerberosSettings, server *ServerInfo) (string, error) {
	if s == nil {
		return "", fmt.Errorf("configuration is required for service principal")
	}

	if s.spn != "" {
		return s.spn, nil
	}

	if server == nil || server.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	return "ldap/" + server.Host, nil
}

// prepareKerberosConfig resolves defaults and validates the Kerberos settings
// without modifying cfg.
func prepareKerberosConfig(cfg *Config) (*kerberosSettings, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}

	s := &kerberosSettings{
		realm:    cfg.KerberosRealm,
		username: cfg.KerberosUsername,
		password: cfg.Password,
		keytab:   cfg.KerberosKeytab,
		ccache:   cfg.KerberosCCache,
		krb5conf: cfg.KerberosConfig,
		spn:      cfg.KerberosSPN,
	}

	if s.krb5conf == "" {
		s.krb5conf = defaultKrb5ConfPath
		s.krb5confDefaulted = true
	}

	// user@REALM supplies both parts.
	if user, realm, ok := strings.Cut(s.username, "@"); ok {
		s.username = user
		if s.realm == "" {
			s.realm = realm
		}
	}

	if s.realm == "" {
		return nil, fmt.Errorf("kerberos realm is required (set kerberos_realm or include realm in kerberos_username)")
	}

	if s.username == "" {
		return nil, fmt.Errorf("kerberos_username (principal) is required for Kerberos authentication")
	}

	hasCCache := (s.ccache != "" && fileExists(s.ccache)) || fileExists(getDefaultCCachePath())
	hasKeytab := (s.keytab != "" && fileExists(s.keytab)) || fileExists(getDefaultKeytabPath())

	if !hasCCache && !hasKeytab && s.password == "" {
		return nil, fmt.Errorf("no suitable Kerberos credentials found: provide kerberos_ccache, kerberos_keytab, password, or ensure default credential cache/keytab exists")
	}

	return s, nil
}

// getDefaultCCachePath returns the default credential cache location.
func getDefaultCCachePath() string {
	if ccache := os.Getenv("KRB5CCNAME"); ccache != "" {
		return strings.TrimPrefix(ccache, "FILE:")
	}
	return fmt.Sprintf("/tmp/krb5cc_%d", os.Getuid())
}

// getDefaultKeytabPath returns the default keytab location.
func getDefaultKeytabPath() string {
	if keytab := os.Getenv("KRB5_KTNAME"); keytab != "" {
		return strings.TrimPrefix(keytab, "FILE:")
	}
	return "/etc/krb5.keytab"
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}
