package ldap

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// FailureAwareConn decorates a Conn. Every operation error is classified and
// a non-transient error flags the connection as failed. Errors are always
// returned to the caller unchanged.
type FailureAwareConn struct {
	ctx        context.Context // Logging context
	target     Conn
	classifier *FailureClassifier
	failed     atomic.Bool
}

// NewFailureAwareConn wraps target. A nil classifier uses the default kinds.
func NewFailureAwareConn(ctx context.Context, target Conn, classifier *FailureClassifier) *FailureAwareConn {
	if classifier == nil {
		classifier = NewDefaultFailureClassifier()
	}
	return &FailureAwareConn{
		ctx:        ctx,
		target:     target,
		classifier: classifier,
	}
}

// HasFailed reports whether a non-transient error has been observed.
func (c *FailureAwareConn) HasFailed() bool {
	return c.failed.Load()
}

// Target returns the underlying connection.
func (c *FailureAwareConn) Target() Conn {
	return c.target
}

// observe classifies err and flags the connection when it is non-transient.
func (c *FailureAwareConn) observe(operation string, err error) error {
	if err == nil {
		return nil
	}

	fields := map[string]any{
		"operation":  operation,
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	}

	if kind, ok := c.classifier.Match(err); ok {
		c.failed.Store(true)
		fields["non_transient_kind"] = kind.String()
		tflog.SubsystemInfo(c.ctx, SubsystemLDAP, "Non-transient error encountered, eagerly invalidating connection", fields)
	} else {
		tflog.SubsystemDebug(c.ctx, SubsystemLDAP, "Transient error encountered, connection stays usable", fields)
	}

	return err
}

func (c *FailureAwareConn) Add(req *ldap.AddRequest) error {
	return c.observe("add", c.target.Add(req))
}

func (c *FailureAwareConn) Del(req *ldap.DelRequest) error {
	return c.observe("delete", c.target.Del(req))
}

func (c *FailureAwareConn) Modify(req *ldap.ModifyRequest) error {
	return c.observe("modify", c.target.Modify(req))
}

func (c *FailureAwareConn) ModifyDN(req *ldap.ModifyDNRequest) error {
	return c.observe("modify_dn", c.target.ModifyDN(req))
}

func (c *FailureAwareConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	result, err := c.target.Search(req)
	return result, c.observe("search", err)
}

// Close closes the underlying connection. Close errors are not classified.
func (c *FailureAwareConn) Close() error {
	return c.target.Close()
}
