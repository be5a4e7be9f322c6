package ldap

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// srvResolver is the part of *net.Resolver used for discovery.
type srvResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
}

// SRVDiscovery finds directory servers for a domain through DNS SRV records.
type SRVDiscovery struct {
	resolver srvResolver
}

// NewSRVDiscovery creates a discovery using the system resolver.
func NewSRVDiscovery() *SRVDiscovery {
	return &SRVDiscovery{resolver: net.DefaultResolver}
}

// DiscoverServers returns the servers for domain, best first:
//  1. _ldaps._tcp.<domain>; when present, plain LDAP records are ignored
//  2. _ldap._tcp.<domain>
//  3. <domain> on the standard ports when no record exists
func (d *SRVDiscovery) DiscoverServers(ctx context.Context, domain string) ([]*ServerInfo, error) {
	if domain == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}

	start := time.Now()

	for _, svc := range []struct {
		service string
		useTLS  bool
	}{
		{"ldaps", true},
		{"ldap", false},
	} {
		servers, err := d.lookupSRV(ctx, svc.service, domain, svc.useTLS)
		if err != nil {
			tflog.SubsystemDebug(ctx, SubsystemLDAP, "SRV lookup failed, continuing to next service", map[string]any{
				"service": svc.service,
				"domain":  domain,
				"error":   err.Error(),
			})
			continue
		}

		if len(servers) > 0 {
			tflog.SubsystemDebug(ctx, SubsystemLDAP, "Server discovery completed", map[string]any{
				"service":      svc.service,
				"server_count": len(servers),
				"duration":     time.Since(start).String(),
			})
			return servers, nil
		}
	}

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "No SRV records found, using fallback servers", map[string]any{
		"domain":   domain,
		"duration": time.Since(start).String(),
	})

	return []*ServerInfo{
		{Host: domain, Port: 636, UseTLS: true},
		{Host: domain, Port: 389},
	}, nil
}

// lookupSRV resolves one service, ordered by priority then weight (RFC 2782).
func (d *SRVDiscovery) lookupSRV(ctx context.Context, service, domain string, useTLS bool) ([]*ServerInfo, error) {
	_, records, err := d.resolver.LookupSRV(ctx, service, "tcp", domain)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup failed for _%s._tcp.%s: %w", service, domain, err)
	}

	slices.SortStableFunc(records, func(a, b *net.SRV) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(b.Weight, a.Weight)
	})

	servers := make([]*ServerInfo, 0, len(records))
	for _, srv := range records {
		server := &ServerInfo{
			Host:   strings.TrimSuffix(srv.Target, "."),
			Port:   int(srv.Port),
			UseTLS: useTLS,
		}
		if err := ValidateServerInfo(server); err != nil {
			continue
		}
		servers = append(servers, server)
	}

	return servers, nil
}

// ValidateServerInfo validates server information.
func ValidateServerInfo(server *ServerInfo) error {
	if server == nil {
		return fmt.Errorf("server info cannot be nil")
	}

	if server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	if server.Port <= 0 || server.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", server.Port)
	}

	return nil
}

// ServerInfoToURL renders a server as an LDAP URL.
func ServerInfoToURL(server *ServerInfo) string {
	scheme := "ldap"
	if server.UseTLS {
		scheme = "ldaps"
	}

	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(server.Host, strconv.Itoa(server.Port)))
}

// ParseLDAPURL parses an ldap:// or ldaps:// URL, applying default ports.
func ParseLDAPURL(rawURL string) (*ServerInfo, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("URL cannot be empty")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}

	server := &ServerInfo{}
	switch parsedURL.Scheme {
	case "ldaps":
		server.UseTLS = true
		server.Port = 636
	case "ldap":
		server.Port = 389
	default:
		return nil, fmt.Errorf("unsupported scheme, must be ldap:// or ldaps://")
	}

	server.Host = parsedURL.Hostname()
	if server.Host == "" {
		return nil, fmt.Errorf("no hostname found in URL: %s", rawURL)
	}

	if portStr := parsedURL.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("invalid port number: %s", portStr)
		}
		server.Port = port
	}

	return server, nil
}
