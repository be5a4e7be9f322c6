package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// DialFactory creates go-ldap connections to the configured servers.
// Read-write connections are always authenticated; read-only connections
// bind anonymously when AnonymousReadOnly is set.
type DialFactory struct {
	ctx       context.Context // Logging context
	config    *Config
	servers   []*ServerInfo
	tlsConfig *tls.Config
	next      atomic.Uint64 // Round-robin cursor over servers

	// dial opens a raw connection; replaced in tests.
	dial func(ctx context.Context, server *ServerInfo) (*ldap.Conn, error)
}

// NewDialFactory creates a factory for the URLs in config. Without URLs the
// servers for config.Domain are discovered through DNS.
func NewDialFactory(ctx context.Context, config *Config) (*DialFactory, error) {
	return newDialFactory(ctx, config, NewSRVDiscovery())
}

func newDialFactory(ctx context.Context, config *Config, discovery *SRVDiscovery) (*DialFactory, error) {
	if config == nil {
		return nil, NewConfigurationError("config", "")
	}

	servers, err := resolveServers(ctx, config, discovery)
	if err != nil {
		return nil, err
	}

	tlsConfig, err := config.BuildTLSConfig()
	if err != nil {
		return nil, err
	}

	f := &DialFactory{
		ctx:       ctx,
		config:    config,
		servers:   servers,
		tlsConfig: tlsConfig,
	}
	f.dial = f.dialServer

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Dial factory created", map[string]any{
		"server_count":        len(servers),
		"auth_method":         f.authMethod(ReadWrite),
		"anonymous_read_only": config.AnonymousReadOnly,
	})

	return f, nil
}

// AnonymousReadOnly reports whether read-only connections skip binding.
func (f *DialFactory) AnonymousReadOnly() bool {
	return f.config.AnonymousReadOnly
}

// NewReadOnly opens a connection for reads.
func (f *DialFactory) NewReadOnly(ctx context.Context) (Conn, error) {
	return f.connect(ctx, ReadOnly)
}

// NewReadWrite opens an authenticated connection for writes.
func (f *DialFactory) NewReadWrite(ctx context.Context) (Conn, error) {
	return f.connect(ctx, ReadWrite)
}

// connect tries every server in round-robin order, retrying with exponential
// backoff until MaxRetries is exhausted.
func (f *DialFactory) connect(ctx context.Context, mode ConnectionMode) (Conn, error) {
	var lastErr error
	backoff := f.config.InitialBackoff

	for attempt := 0; attempt <= f.config.MaxRetries; attempt++ {
		start := int(f.next.Add(1) - 1)
		for i := range f.servers {
			server := f.servers[(start+i)%len(f.servers)]

			conn, err := f.connectServer(ctx, mode, server)
			if err == nil {
				return conn, nil
			}

			lastErr = err
			if !IsRetryableError(err) {
				return nil, err
			}
		}

		if attempt < f.config.MaxRetries {
			tflog.SubsystemDebug(ctx, SubsystemLDAP, "All servers failed, backing off", map[string]any{
				"attempt":    attempt + 1,
				"backoff_ms": backoff.Milliseconds(),
				"last_error": lastErr.Error(),
			})

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*f.config.BackoffFactor), f.config.MaxBackoff)
			}
		}
	}

	return nil, NewConnectionError("failed to create connection after retries", false, lastErr)
}

// connectServer dials one server and authenticates for mode.
func (f *DialFactory) connectServer(ctx context.Context, mode ConnectionMode, server *ServerInfo) (Conn, error) {
	address := ServerInfoToURL(server)
	fields := map[string]any{
		"server": address,
		"mode":   mode.String(),
	}

	LogConnectionEvent(ctx, "connection_attempt", fields)

	conn, err := f.dial(ctx, server)
	if err != nil {
		fields["error"] = err.Error()
		LogConnectionEvent(ctx, "connection_failed", fields)
		return nil, NewConnectionError(fmt.Sprintf("failed to connect to %s", address), true, err)
	}

	if err := f.authenticate(ctx, mode, conn, server); err != nil {
		_ = conn.Close()
		fields["error"] = err.Error()
		LogConnectionEvent(ctx, "authentication_failed", fields)
		return nil, fmt.Errorf("failed to authenticate connection to %s: %w", address, err)
	}

	LogConnectionEvent(ctx, "connection_established", fields)
	return conn, nil
}

// dialServer opens the transport, using LDAPS or StartTLS as configured.
func (f *DialFactory) dialServer(_ context.Context, server *ServerInfo) (*ldap.Conn, error) {
	address := ServerInfoToURL(server)
	dialer := &net.Dialer{Timeout: f.config.Timeout}

	var conn *ldap.Conn
	var err error

	if server.UseTLS {
		conn, err = ldap.DialURL(address, ldap.DialWithTLSConfig(f.tlsConfig), ldap.DialWithDialer(dialer))
	} else {
		conn, err = ldap.DialURL(address, ldap.DialWithDialer(dialer))
		if err == nil && f.config.StartTLS {
			if tlsErr := conn.StartTLS(f.tlsConfig); tlsErr != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("StartTLS failed: %w", tlsErr)
			}
		}
	}

	if err != nil {
		return nil, err
	}

	conn.SetTimeout(f.config.Timeout)
	return conn, nil
}

// authMethod names the bind used for mode.
func (f *DialFactory) authMethod(mode ConnectionMode) string {
	switch {
	case mode == ReadOnly && f.config.AnonymousReadOnly:
		return "anonymous"
	case f.config.KerberosRealm != "":
		return "kerberos"
	case f.config.BindDN != "":
		return "simple"
	default:
		return "anonymous"
	}
}

// authenticate binds conn according to the configured method.
func (f *DialFactory) authenticate(ctx context.Context, mode ConnectionMode, conn *ldap.Conn, server *ServerInfo) error {
	method := f.authMethod(mode)

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Performing authentication", map[string]any{
		"auth_method": method,
		"mode":        mode.String(),
	})

	switch method {
	case "kerberos":
		return performKerberosAuth(ctx, conn, f.config, server)
	case "simple":
		if f.config.Password == "" {
			return errors.New("password is required for simple bind authentication")
		}
		return conn.Bind(f.config.BindDN, f.config.Password)
	default:
		if mode == ReadWrite {
			return NewConfigurationError("credentials", "read-write connections require bind_dn/password or Kerberos")
		}
		return nil
	}
}

// resolveServers parses the configured URLs, or discovers servers for the
// configured domain when there are none.
func resolveServers(ctx context.Context, config *Config, discovery *SRVDiscovery) ([]*ServerInfo, error) {
	if len(config.URLs) == 0 {
		if config.Domain == "" {
			return nil, NewConfigurationError("urls", "at least one LDAP URL or a domain is required")
		}
		return discovery.DiscoverServers(ctx, config.Domain)
	}

	servers := make([]*ServerInfo, 0, len(config.URLs))
	for _, u := range config.URLs {
		server, err := ParseLDAPURL(u)
		if err != nil {
			return nil, fmt.Errorf("invalid LDAP URL %s: %w", u, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}
