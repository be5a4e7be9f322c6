package transaction

import (
	"context"
	"errors"
	"fmt"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldaptx/internal/ldap"
)

// RebindRecorder records replacement of an entry. The original is moved to a
// temporary DN and the new entry is created in its place.
type RebindRecorder struct {
	Strategy RenamingStrategy
}

func (r RebindRecorder) Record(_ context.Context, conn ldap.Conn, req *goldap.AddRequest) (Executor, error) {
	if r.Strategy == nil {
		return nil, ldap.NewConfigurationError("renaming strategy", "rebind requires a renaming strategy")
	}
	if req == nil || req.DN == "" {
		return nil, fmt.Errorf("rebind requires a DN")
	}

	tempDN, err := r.Strategy.TemporaryDN(req.DN)
	if err != nil {
		return nil, err
	}

	return &rebindExecutor{conn: conn, req: req, tempDN: tempDN}, nil
}

type rebindExecutor struct {
	conn   ldap.Conn
	req    *goldap.AddRequest
	tempDN string
}

func (e *rebindExecutor) Kind() Kind { return RebindKind }
func (e *rebindExecutor) DN() string { return e.req.DN }

func (e *rebindExecutor) Perform(ctx context.Context) error {
	if err := rename(e.conn, e.req.DN, e.tempDN); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", e.req.DN, e.tempDN, err)
	}

	addErr := e.conn.Add(e.req)
	if addErr == nil {
		return nil
	}

	// Put the original back so a failed rebind leaves no trace.
	if err := rename(e.conn, e.tempDN, e.req.DN); err != nil {
		tflog.SubsystemError(ctx, ldap.SubsystemTransaction, "Failed to restore original entry after rebind failure", map[string]any{
			"dn":      e.req.DN,
			"temp_dn": e.tempDN,
			"error":   err.Error(),
		})
		return errors.Join(fmt.Errorf("failed to add %s: %w", e.req.DN, addErr), err)
	}
	return fmt.Errorf("failed to add %s: %w", e.req.DN, addErr)
}

func (e *rebindExecutor) Commit(ctx context.Context) error {
	return deleteSubtree(ctx, e.conn, e.tempDN)
}

func (e *rebindExecutor) Rollback(context.Context) error {
	if err := e.conn.Del(goldap.NewDelRequest(e.req.DN, nil)); err != nil {
		// The original cannot move back while the new entry holds its name.
		return fmt.Errorf("failed to delete rebound entry %s: %w", e.req.DN, err)
	}
	if err := rename(e.conn, e.tempDN, e.req.DN); err != nil {
		return fmt.Errorf("failed to restore %s from %s: %w", e.req.DN, e.tempDN, err)
	}
	return nil
}
