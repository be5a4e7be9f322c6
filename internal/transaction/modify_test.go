package transaction

import (
	"context"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldaptx/internal/ldap/ldaptest"
)

func TestInvertChanges(t *testing.T) {
	tests := []struct {
		name    string
		state   map[string][]string
		changes []goldap.Change
		want    []goldap.Change
	}{
		{
			name:    "add new values",
			state:   map[string][]string{"mail": {"a@example.com"}},
			changes: []goldap.Change{newChange(goldap.AddAttribute, "mail", []string{"b@example.com"})},
			want:    []goldap.Change{newChange(goldap.DeleteAttribute, "mail", []string{"b@example.com"})},
		},
		{
			name:    "delete values",
			state:   map[string][]string{"mail": {"a@example.com", "b@example.com"}},
			changes: []goldap.Change{newChange(goldap.DeleteAttribute, "mail", []string{"a@example.com"})},
			want:    []goldap.Change{newChange(goldap.AddAttribute, "mail", []string{"a@example.com"})},
		},
		{
			name:    "delete values differing in case",
			state:   map[string][]string{"mail": {"Jane@Example.com", "b@example.com"}},
			changes: []goldap.Change{newChange(goldap.DeleteAttribute, "mail", []string{"jane@example.com"})},
			want:    []goldap.Change{newChange(goldap.AddAttribute, "mail", []string{"Jane@Example.com"})},
		},
		{
			name:    "delete values missing from snapshot",
			state:   map[string][]string{"mail": {"a@example.com"}},
			changes: []goldap.Change{newChange(goldap.DeleteAttribute, "mail", []string{"other@example.com"})},
			want:    []goldap.Change{newChange(goldap.AddAttribute, "mail", []string{"other@example.com"})},
		},
		{
			name:    "delete whole attribute",
			state:   map[string][]string{"mail": {"a@example.com", "b@example.com"}},
			changes: []goldap.Change{newChange(goldap.DeleteAttribute, "mail", nil)},
			want:    []goldap.Change{newChange(goldap.AddAttribute, "mail", []string{"a@example.com", "b@example.com"})},
		},
		{
			name:    "replace existing",
			state:   map[string][]string{"description": {"old"}},
			changes: []goldap.Change{newChange(goldap.ReplaceAttribute, "description", []string{"new"})},
			want:    []goldap.Change{newChange(goldap.ReplaceAttribute, "description", []string{"old"})},
		},
		{
			name:    "replace absent",
			state:   map[string][]string{},
			changes: []goldap.Change{newChange(goldap.ReplaceAttribute, "description", []string{"new"})},
			want:    []goldap.Change{newChange(goldap.ReplaceAttribute, "description", nil)},
		},
		{
			name:    "increment",
			state:   map[string][]string{"uidnumber": {"1000"}},
			changes: []goldap.Change{newChange(goldap.IncrementAttribute, "uidNumber", []string{"5"})},
			want:    []goldap.Change{newChange(goldap.IncrementAttribute, "uidNumber", []string{"-5"})},
		},
		{
			name:  "sequence is inverted in reverse",
			state: map[string][]string{"description": {"v0"}},
			changes: []goldap.Change{
				newChange(goldap.ReplaceAttribute, "description", []string{"v1"}),
				newChange(goldap.AddAttribute, "description", []string{"v2"}),
			},
			want: []goldap.Change{
				newChange(goldap.DeleteAttribute, "description", []string{"v2"}),
				newChange(goldap.ReplaceAttribute, "description", []string{"v0"}),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := invertChanges(tt.state, tt.changes)
			require.NoError(t, err)
			require.Len(t, got, len(tt.want))
			for i := range tt.want {
				assert.Equal(t, tt.want[i].Operation, got[i].Operation)
				assert.Equal(t, tt.want[i].Modification.Type, got[i].Modification.Type)
				assert.ElementsMatch(t, tt.want[i].Modification.Vals, got[i].Modification.Vals)
			}
		})
	}
}

func TestInvertChanges_InvalidIncrement(t *testing.T) {
	_, err := invertChanges(map[string][]string{}, []goldap.Change{
		newChange(goldap.IncrementAttribute, "uidNumber", []string{"one"}),
	})
	assert.Error(t, err)
}

func TestModifyRecorder_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dn := "cn=jdoe,ou=people,dc=example,dc=com"

	dir := ldaptest.NewDirectory("dc=example,dc=com")
	dir.Put("ou=people,dc=example,dc=com", map[string][]string{"objectClass": {"organizationalUnit"}, "ou": {"people"}})
	dir.Put(dn, map[string][]string{
		"objectClass": {"inetOrgPerson"},
		"cn":          {"jdoe"},
		"mail":        {"jdoe@example.com", "john@example.com"},
		"description": {"engineer"},
		"uidNumber":   {"1000"},
	})
	before := snapshot(dir)

	req := goldap.NewModifyRequest(dn, nil)
	req.Add("mail", []string{"doe@example.com"})
	req.Delete("mail", []string{"john@example.com"})
	req.Replace("description", []string{"manager"})
	req.Add("title", []string{"boss"})
	req.Increment("uidNumber", "10")

	conn := dir.Connect()
	executor, err := ModifyRecorder{}.Record(ctx, conn, req)
	require.NoError(t, err)
	assert.Equal(t, ModifyKind, executor.Kind())

	require.NoError(t, executor.Perform(ctx))
	assert.ElementsMatch(t, []string{"jdoe@example.com", "doe@example.com"}, dir.Values(dn, "mail"))
	assert.Equal(t, []string{"1010"}, dir.Values(dn, "uidNumber"))

	require.NoError(t, executor.Rollback(ctx))
	assert.Equal(t, before, snapshot(dir))
}

func TestModifyRecorder_MissingEntry(t *testing.T) {
	dir := ldaptest.NewDirectory("dc=example,dc=com")

	req := goldap.NewModifyRequest("cn=ghost,dc=example,dc=com", nil)
	req.Replace("description", []string{"x"})

	_, err := ModifyRecorder{}.Record(context.Background(), dir.Connect(), req)
	require.Error(t, err)
}
