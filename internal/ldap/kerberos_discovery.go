package ldap

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// generateRuntimeKrb5Conf builds a krb5.conf for hosts without one. KDCs and
// the realm mapping are discovered through DNS.
func generateRuntimeKrb5Conf(ctx context.Context, s *kerberosSettings) string {
	realm := strings.ToUpper(s.realm)
	domain := strings.ToLower(s.realm)

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Generating runtime krb5.conf", map[string]any{
		"realm":  realm,
		"domain": domain,
	})

	return fmt.Sprintf(`[libdefaults]
    default_realm = %[1]s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false
    forwardable = true
    ticket_lifetime = 24h
    renew_lifetime = 7d

[realms]
    %[1]s = {
    }

[domain_realm]
    .%[2]s = %[1]s
    %[2]s = %[1]s
`, realm, domain)
}
