package main

import (
	"context"
	"errors"
	"fmt"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/spf13/cobra"

	"github.com/isometry/ldaptx/internal/ldap"
	"github.com/isometry/ldaptx/internal/transaction"
)

var errSmokeRollback = errors.New("smoke transaction rolled back")

var smokeParent string

var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Run a rolled-back transaction and verify nothing was left behind",
}

func init() {
	smokeCmd.Flags().StringVar(&smokeParent, "parent", "", "DN to create the throwaway entry under (default is the base DN)")
	smokeCmd.RunE = withApp(func(ctx context.Context, a *app) error {
		if err := a.resolveBaseDN(ctx); err != nil {
			return err
		}
		parent := smokeParent
		if parent == "" {
			parent = a.config.BaseDN
		}

		manager, err := a.manager(ctx)
		if err != nil {
			return err
		}

		if err := runSmoke(ctx, manager, a.reader, parent); err != nil {
			return fmt.Errorf("smoke transaction failed: %w", err)
		}
		tflog.Info(ctx, "Smoke transaction rolled back cleanly", map[string]any{"parent": parent})
		return nil
	})
	rootCmd.AddCommand(smokeCmd)
}

// runSmoke creates, modifies and replaces a throwaway entry under parent in
// one transaction, rolls it back, and checks with a pooled read that nothing
// was left behind.
func runSmoke(ctx context.Context, manager *transaction.Manager, reader *ldap.Reader, parent string) error {
	cn := "ldaptx-smoke-" + uuid.NewString()[:8]
	dn := "cn=" + ldap.EscapeDNValue(cn) + "," + parent

	err := manager.Execute(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
		tflog.Debug(ctx, "Smoke transaction started", map[string]any{"transaction_id": tx.ID(), "dn": dn})

		add := goldap.NewAddRequest(dn, nil)
		add.Attribute("objectClass", []string{"top", "device"})
		add.Attribute("cn", []string{cn})
		if err := tx.Bind(ctx, add); err != nil {
			return fmt.Errorf("bind: %w", err)
		}

		modify := goldap.NewModifyRequest(dn, nil)
		modify.Add("description", []string{"created by ldaptx"})
		if err := tx.ModifyAttributes(ctx, modify); err != nil {
			return fmt.Errorf("modify: %w", err)
		}

		entry, err := tx.Lookup(ctx, dn, "description")
		if err != nil {
			return fmt.Errorf("lookup: %w", err)
		}
		if entry.GetAttributeValue("description") != "created by ldaptx" {
			return fmt.Errorf("lookup: unexpected description %q", entry.GetAttributeValue("description"))
		}

		replace := goldap.NewAddRequest(dn, nil)
		replace.Attribute("objectClass", []string{"top", "device"})
		replace.Attribute("cn", []string{cn})
		replace.Attribute("description", []string{"replaced by ldaptx"})
		if err := tx.Rebind(ctx, replace); err != nil {
			return fmt.Errorf("rebind: %w", err)
		}

		return errSmokeRollback
	})
	if !errors.Is(err, errSmokeRollback) {
		return err
	}

	var failure *transaction.CompensationFailure
	if errors.As(err, &failure) {
		return failure
	}

	return verifyAbsent(ctx, reader, dn)
}

// verifyAbsent checks that dn does not exist, reading through the pool.
func verifyAbsent(ctx context.Context, reader *ldap.Reader, dn string) error {
	search := goldap.NewSearchRequest(dn, goldap.ScopeBaseObject, goldap.NeverDerefAliases,
		1, 0, false, "(objectClass=*)", []string{"1.1"}, nil)

	_, err := reader.Search(ctx, search)
	switch {
	case ldap.IsNotFoundError(err):
		return nil
	case err != nil:
		return fmt.Errorf("failed to verify rollback of %s: %w", dn, err)
	default:
		return fmt.Errorf("entry %s still exists after rollback", dn)
	}
}
