package transaction

import (
	"context"
	"fmt"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/isometry/ldaptx/internal/ldap"
)

// UnbindRecorder records entry deletion. The entry is renamed to a
// temporary DN instead of deleted, so rollback can rename it back.
type UnbindRecorder struct {
	Strategy RenamingStrategy
}

func (r UnbindRecorder) Record(_ context.Context, conn ldap.Conn, req *goldap.DelRequest) (Executor, error) {
	if r.Strategy == nil {
		return nil, ldap.NewConfigurationError("renaming strategy", "unbind requires a renaming strategy")
	}
	if req == nil || req.DN == "" {
		return nil, fmt.Errorf("unbind requires a DN")
	}

	tempDN, err := r.Strategy.TemporaryDN(req.DN)
	if err != nil {
		return nil, err
	}

	return &unbindExecutor{conn: conn, dn: req.DN, tempDN: tempDN}, nil
}

type unbindExecutor struct {
	conn   ldap.Conn
	dn     string
	tempDN string
}

func (e *unbindExecutor) Kind() Kind { return UnbindKind }
func (e *unbindExecutor) DN() string { return e.dn }

func (e *unbindExecutor) Perform(context.Context) error {
	if err := rename(e.conn, e.dn, e.tempDN); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", e.dn, e.tempDN, err)
	}
	return nil
}

func (e *unbindExecutor) Commit(ctx context.Context) error {
	return deleteSubtree(ctx, e.conn, e.tempDN)
}

func (e *unbindExecutor) Rollback(context.Context) error {
	if err := rename(e.conn, e.tempDN, e.dn); err != nil {
		return fmt.Errorf("failed to restore %s from %s: %w", e.dn, e.tempDN, err)
	}
	return nil
}
