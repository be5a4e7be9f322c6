package ldap_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldaptx/internal/ldap"
	"github.com/isometry/ldaptx/internal/ldap/ldaptest"
)

const peopleDN = "ou=people,dc=example,dc=com"

func newTestReader(t *testing.T, mutate func(*ldap.Config)) (*ldap.Reader, *ldaptest.Directory, *ldaptest.Factory) {
	t.Helper()

	config := ldap.DefaultConfig()
	config.InitialBackoff = time.Millisecond
	config.MaxBackoff = 5 * time.Millisecond
	if mutate != nil {
		mutate(config)
	}

	dir := ldaptest.NewDirectory(baseDN)
	dir.Put(peopleDN, map[string][]string{"objectClass": {"organizationalUnit"}, "ou": {"people"}})
	for i := range 5 {
		uid := fmt.Sprintf("user%d", i)
		dir.Put("uid="+uid+","+peopleDN, map[string][]string{"objectClass": {"person"}, "uid": {uid}})
	}

	factory := ldaptest.NewFactory(dir)
	pool, err := ldap.NewKeyedPool(context.Background(), factory, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	return ldap.NewReader(pool, config), dir, factory
}

func peopleSearch() *goldap.SearchRequest {
	return goldap.NewSearchRequest(peopleDN, goldap.ScopeSingleLevel, goldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=person)", []string{"uid"}, nil)
}

func TestReader_SearchPaged(t *testing.T) {
	reader, _, _ := newTestReader(t, nil)

	result, err := reader.SearchPaged(context.Background(), peopleSearch())
	require.NoError(t, err)
	assert.Len(t, result.Entries, 5)
	assert.Equal(t, 1, result.Pages)
	assert.False(t, result.HasMore)
}

func TestReader_SearchPaged_Disabled(t *testing.T) {
	reader, _, _ := newTestReader(t, func(c *ldap.Config) { c.SearchPageSize = 0 })

	result, err := reader.SearchPaged(context.Background(), peopleSearch())
	require.NoError(t, err)
	assert.Len(t, result.Entries, 5)
}

func TestReader_BaseDN(t *testing.T) {
	reader, _, _ := newTestReader(t, nil)

	dn, err := reader.BaseDN(context.Background())
	require.NoError(t, err)
	assert.Equal(t, baseDN, dn)
}

func TestReader_RetriesTransientFailures(t *testing.T) {
	reader, dir, factory := newTestReader(t, func(c *ldap.Config) { c.MaxRetries = 2 })
	dir.FailOn(ldaptest.OpSearch, peopleDN, goldap.NewError(goldap.LDAPResultServerDown, errors.New("server down")))

	_, err := reader.Search(context.Background(), peopleSearch())
	require.Error(t, err)

	var connErr *ldap.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.False(t, connErr.IsRetryable())

	attempts := 0
	for _, call := range dir.Calls() {
		if call.Op == ldaptest.OpSearch && call.DN == peopleDN {
			attempts++
		}
	}
	assert.Equal(t, 3, attempts)
	// Each failed connection is destroyed, so every attempt dials afresh.
	assert.Equal(t, int64(3), factory.Created(ldap.ReadOnly))
}

func TestReader_NonRetryableFailure(t *testing.T) {
	reader, _, _ := newTestReader(t, func(c *ldap.Config) { c.MaxRetries = 3 })

	req := peopleSearch()
	req.BaseDN = "ou=missing,dc=example,dc=com"

	_, err := reader.Search(context.Background(), req)
	require.Error(t, err)
	assert.True(t, ldap.IsNotFoundError(err))
}
