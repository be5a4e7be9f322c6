package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldaptx/internal/ldap"
	"github.com/isometry/ldaptx/internal/ldap/ldaptest"
	"github.com/isometry/ldaptx/internal/transaction"
)

func newSmokeFixture(t *testing.T) (*ldaptest.Directory, *transaction.Manager, *ldap.KeyedPool) {
	t.Helper()
	ctx := context.Background()

	dir := ldaptest.NewDirectory("dc=example,dc=com")
	dir.Put("ou=devices,dc=example,dc=com", map[string][]string{"objectClass": {"organizationalUnit"}, "ou": {"devices"}})
	factory := ldaptest.NewFactory(dir)

	config := ldap.DefaultConfig()
	config.URLs = []string{"ldap://ldap.example.com"}

	pool, err := ldap.NewKeyedPool(ctx, factory, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	manager, err := transaction.NewManager(ctx, factory)
	require.NoError(t, err)

	return dir, manager, pool
}

func TestRunSmoke(t *testing.T) {
	dir, manager, pool := newSmokeFixture(t)
	before := dir.DNs()

	reader := ldap.NewReader(pool, nil)
	require.NoError(t, runSmoke(context.Background(), manager, reader, "ou=devices,dc=example,dc=com"))
	assert.Equal(t, before, dir.DNs())
}

func TestRunSmoke_BindFailure(t *testing.T) {
	dir, manager, pool := newSmokeFixture(t)
	dir.FailOn(ldaptest.OpAdd, "", errors.New("insufficient access"))

	err := runSmoke(context.Background(), manager, ldap.NewReader(pool, nil), "ou=devices,dc=example,dc=com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind")
}
