package transaction

import (
	"context"
	"fmt"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldaptx/internal/ldap"
)

// Kind identifies the mutation an Executor compensates.
type Kind int

const (
	BindKind Kind = iota
	UnbindKind
	RebindKind
	ModifyKind
)

// String returns string representation of the kind.
func (k Kind) String() string {
	switch k {
	case BindKind:
		return "bind"
	case UnbindKind:
		return "unbind"
	case RebindKind:
		return "rebind"
	case ModifyKind:
		return "modify"
	default:
		return "unknown"
	}
}

// Executor performs one recorded mutation and can later compensate it.
// An Executor is owned by a single transaction and is not safe for
// concurrent use.
type Executor interface {
	// Kind returns the mutation kind.
	Kind() Kind

	// DN returns the target entry.
	DN() string

	// Perform applies the mutation to the directory.
	Perform(ctx context.Context) error

	// Commit discards undo state. Unbind and rebind remove the preserved
	// temporary entry.
	Commit(ctx context.Context) error

	// Rollback undoes a performed mutation.
	Rollback(ctx context.Context) error
}

// Recorder captures the state needed to undo a mutation described by a
// request of type R and returns an Executor for it. Recording does not
// change the directory.
type Recorder[R any] interface {
	Record(ctx context.Context, conn ldap.Conn, req R) (Executor, error)
}

// rename moves from to the DN to, issuing a ModifyDN with NewSuperior only
// when the parent changes.
func rename(conn ldap.Conn, from, to string) error {
	leaf, newParent, err := ldap.SplitDN(to)
	if err != nil {
		return fmt.Errorf("invalid target DN %q: %w", to, err)
	}

	oldParent, err := ldap.ParentDN(from)
	if err != nil {
		return fmt.Errorf("invalid source DN %q: %w", from, err)
	}

	newSuperior := ""
	if ldap.NormalizeDN(oldParent) != ldap.NormalizeDN(newParent) {
		newSuperior = newParent
	}

	return conn.ModifyDN(goldap.NewModifyDNRequest(from, ldap.FormatRDN(leaf), true, newSuperior))
}

// deleteSubtree removes dn and everything below it, children first. A
// missing entry counts as deleted.
func deleteSubtree(ctx context.Context, conn ldap.Conn, dn string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	search := goldap.NewSearchRequest(
		dn,
		goldap.ScopeSingleLevel,
		goldap.NeverDerefAliases,
		0, 0, false,
		"(objectClass=*)",
		[]string{"1.1"},
		nil,
	)

	result, err := conn.Search(search)
	if err != nil {
		if ldap.IsNotFoundError(err) {
			return nil
		}
		return fmt.Errorf("failed to list children of %s: %w", dn, err)
	}

	for _, child := range result.Entries {
		if err := deleteSubtree(ctx, conn, child.DN); err != nil {
			return err
		}
	}

	if err := conn.Del(goldap.NewDelRequest(dn, nil)); err != nil && !ldap.IsNotFoundError(err) {
		return fmt.Errorf("failed to delete %s: %w", dn, err)
	}

	tflog.SubsystemTrace(ctx, ldap.SubsystemTransaction, "Deleted entry", map[string]any{
		"dn": dn,
	})
	return nil
}
