package ldap

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v2"
)

// Connection pool limits.
const (
	// MaxConnectionPoolLimit is the maximum allowed active connections in one
	// pool partition.
	MaxConnectionPoolLimit = 100

	// DefaultTempSuffix is appended to the leaf RDN value of entries that are
	// preserved during unbind and rebind.
	DefaultTempSuffix = "_temp"
)

// Config holds configuration for directory connections, the keyed pool and
// the transaction engine.
type Config struct {
	// Connection settings
	URLs    []string      `yaml:"urls"`                   // ldap:// or ldaps:// URLs, tried in order
	Domain  string        `yaml:"domain"`                 // SRV discovery domain, used when URLs is empty
	BaseDN  string        `yaml:"base_dn"`                // Base DN for searches
	Timeout time.Duration `yaml:"timeout" default:"30s"` // Per-request timeout

	// Search settings
	SearchPageSize int `yaml:"search_page_size" default:"500"`  // Entries per page; zero disables paging
	SearchMaxPages int `yaml:"search_max_pages" default:"1000"` // Zero means unlimited

	// Authentication settings
	BindDN            string `yaml:"bind_dn"`             // DN for simple bind
	Password          string `yaml:"password"`            // Password for simple bind
	AnonymousReadOnly bool   `yaml:"anonymous_read_only"` // Read-only connections skip binding
	KerberosRealm     string `yaml:"kerberos_realm"`      // Realm for GSSAPI bind
	KerberosUsername  string `yaml:"kerberos_username"`   // Principal name for GSSAPI bind
	KerberosKeytab    string `yaml:"kerberos_keytab"`     // Path to keytab file
	KerberosConfig    string `yaml:"kerberos_config"`     // Path to krb5.conf
	KerberosCCache    string `yaml:"kerberos_ccache"`     // Path to credential cache
	KerberosSPN       string `yaml:"kerberos_spn"`        // Explicit service principal

	// TLS settings
	StartTLS           bool        `yaml:"start_tls"`            // Upgrade plain connections
	InsecureSkipVerify bool        `yaml:"insecure_skip_verify"` // Skip certificate validation (not recommended)
	CACertFile         string      `yaml:"ca_cert_file"`         // PEM bundle of trusted CAs
	TLSConfig          *tls.Config `yaml:"-"`                    // Overrides the settings above when set

	// Retry settings for connection creation
	MaxRetries     int           `yaml:"max_retries" default:"3"`
	InitialBackoff time.Duration `yaml:"initial_backoff" default:"500ms"`
	MaxBackoff     time.Duration `yaml:"max_backoff" default:"30s"`
	BackoffFactor  float64       `yaml:"backoff_factor" default:"2.0"`

	// Pool settings, one partition per connection mode
	ReadOnlyPool  PoolConfig       `yaml:"read_only_pool"`
	ReadWritePool PoolConfig       `yaml:"read_write_pool"`
	Validation    ValidationConfig `yaml:"validation"`

	// Failure classification
	NonTransientResultCodes []uint16 `yaml:"non_transient_result_codes" default:"[200,81,91]"`
	NonTransientNetErrors   bool     `yaml:"non_transient_net_errors" default:"true"`

	// Temporary entry naming for unbind/rebind compensation
	TempSuffix    string `yaml:"temp_suffix" default:"_temp"`
	TempSubtreeDN string `yaml:"temp_subtree_dn"` // When set, temporary entries move here
}

// PoolConfig bounds one pool partition.
type PoolConfig struct {
	MaxActive int           `yaml:"max_active" default:"8"` // Borrowed connections at most
	MaxIdle   int           `yaml:"max_idle" default:"8"`   // Idle connections kept at most
	MaxWait   time.Duration `yaml:"max_wait" default:"10s"` // Borrow wait; negative waits forever
}

// ValidationConfig toggles connection validation.
type ValidationConfig struct {
	TestOnBorrow            bool          `yaml:"test_on_borrow" default:"true"`
	TestOnReturn            bool          `yaml:"test_on_return"`
	TestWhileIdle           bool          `yaml:"test_while_idle"`
	TimeBetweenEvictionRuns time.Duration `yaml:"time_between_eviction_runs"` // Zero disables the evictor
	MinEvictableIdleTime    time.Duration `yaml:"min_evictable_idle_time" default:"5m"`
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	config := &Config{}
	// Tags are static, so Set cannot fail here.
	_ = defaults.Set(config)
	return config
}

// LoadConfig reads configuration from a YAML file. Environment variables in
// the file are expanded and unset values take their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig parses YAML configuration content.
func ParseConfig(data []byte) (*Config, error) {
	config := &Config{}
	if err := defaults.Set(config); err != nil {
		return nil, fmt.Errorf("failed to set default values: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// PoolFor returns the partition configuration for a connection mode.
func (c *Config) PoolFor(mode ConnectionMode) PoolConfig {
	if mode == ReadWrite {
		return c.ReadWritePool
	}
	return c.ReadOnlyPool
}

// NonTransientKinds builds the classifier kinds described by the configuration.
func (c *Config) NonTransientKinds() []ErrorKind {
	kinds := make([]ErrorKind, 0, len(c.NonTransientResultCodes)+1)
	for _, code := range c.NonTransientResultCodes {
		kinds = append(kinds, ResultCodeKind(code))
	}
	if c.NonTransientNetErrors {
		kinds = append(kinds, NetErrorKind())
	}
	return kinds
}

// HasAuthentication checks if any authentication method is configured.
func (c *Config) HasAuthentication() bool {
	hasPassword := c.BindDN != "" && c.Password != ""
	hasKerberos := c.KerberosRealm != ""
	return hasPassword || hasKerberos
}

// Validate checks the configuration for values the pool cannot work with.
func (c *Config) Validate() error {
	for _, mode := range Modes {
		pc := c.PoolFor(mode)
		if pc.MaxActive <= 0 {
			return fmt.Errorf("%s pool: max_active must be positive", mode)
		}
		if pc.MaxActive > MaxConnectionPoolLimit {
			return fmt.Errorf("%s pool: max_active too high (max %d)", mode, MaxConnectionPoolLimit)
		}
		if pc.MaxIdle < 0 {
			return fmt.Errorf("%s pool: max_idle cannot be negative", mode)
		}
	}

	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	if c.MaxRetries < 0 {
		return errors.New("max_retries cannot be negative")
	}

	if c.BackoffFactor <= 1.0 {
		return errors.New("backoff_factor must be greater than 1.0")
	}

	if c.SearchPageSize < 0 || c.SearchMaxPages < 0 {
		return errors.New("search_page_size and search_max_pages cannot be negative")
	}

	if c.Validation.TimeBetweenEvictionRuns < 0 {
		return errors.New("time_between_eviction_runs cannot be negative")
	}

	if c.TempSuffix == "" && c.TempSubtreeDN == "" {
		return errors.New("either temp_suffix or temp_subtree_dn must be set")
	}

	if c.TempSubtreeDN != "" {
		if err := ValidateDNSyntax(c.TempSubtreeDN); err != nil {
			return fmt.Errorf("temp_subtree_dn: %w", err)
		}
	}

	return nil
}

// BuildTLSConfig returns the TLS configuration used for ldaps:// and StartTLS.
func (c *Config) BuildTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // opt-in only
	}

	if c.CACertFile != "" {
		pem, err := os.ReadFile(c.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", c.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}
