package ldap

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// RootDSEValidator validates connections with a base-scope read of the root
// DSE, which every LDAPv3 server answers.
type RootDSEValidator struct {
	Base      string   // Search base, empty for the root DSE
	Filter    string   // Search filter
	Attribute []string // Attributes to request
	TimeLimit time.Duration
}

// NewRootDSEValidator creates a validator issuing a root DSE read.
func NewRootDSEValidator(timeLimit time.Duration) *RootDSEValidator {
	return &RootDSEValidator{
		Base:      "",
		Filter:    "(objectClass=*)",
		Attribute: []string{"namingContexts"},
		TimeLimit: timeLimit,
	}
}

// Validate performs the search and requires at least one entry back.
func (v *RootDSEValidator) Validate(ctx context.Context, mode ConnectionMode, conn Conn) error {
	if conn == nil {
		return fmt.Errorf("%s connection is nil", mode)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	searchReq := ldap.NewSearchRequest(
		v.Base,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, int(v.TimeLimit.Seconds()), false,
		v.Filter,
		v.Attribute,
		nil,
	)

	result, err := conn.Search(searchReq)
	if err != nil {
		return fmt.Errorf("root DSE search failed: %w", err)
	}

	if len(result.Entries) == 0 {
		return fmt.Errorf("root DSE search returned no entries")
	}

	return nil
}
