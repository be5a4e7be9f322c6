package transaction

import (
	"context"
	"fmt"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/isometry/ldaptx/internal/ldap"
)

// BindRecorder records entry creation. Rollback deletes the created entry.
type BindRecorder struct{}

func (BindRecorder) Record(_ context.Context, conn ldap.Conn, req *goldap.AddRequest) (Executor, error) {
	if req == nil || req.DN == "" {
		return nil, fmt.Errorf("bind requires a DN")
	}
	return &bindExecutor{conn: conn, req: req}, nil
}

type bindExecutor struct {
	conn ldap.Conn
	req  *goldap.AddRequest
}

func (e *bindExecutor) Kind() Kind { return BindKind }
func (e *bindExecutor) DN() string { return e.req.DN }

func (e *bindExecutor) Perform(context.Context) error {
	return e.conn.Add(e.req)
}

func (e *bindExecutor) Commit(context.Context) error {
	return nil
}

func (e *bindExecutor) Rollback(context.Context) error {
	if err := e.conn.Del(goldap.NewDelRequest(e.req.DN, nil)); err != nil {
		return fmt.Errorf("failed to delete bound entry %s: %w", e.req.DN, err)
	}
	return nil
}
