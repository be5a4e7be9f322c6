package ldap

import (
	"context"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ConnectionMode selects the pool partition and the factory method used to
// create a connection.
type ConnectionMode int

const (
	ReadOnly ConnectionMode = iota
	ReadWrite
)

// String returns string representation of the connection mode.
func (m ConnectionMode) String() string {
	switch m {
	case ReadOnly:
		return "read_only"
	case ReadWrite:
		return "read_write"
	default:
		return "unknown"
	}
}

// Modes lists every connection mode, in partition order.
var Modes = []ConnectionMode{ReadOnly, ReadWrite}

// Conn is the capability surface of a directory connection used by the pool
// and the transaction engine. *ldap.Conn satisfies it.
type Conn interface {
	Add(req *ldap.AddRequest) error
	Del(req *ldap.DelRequest) error
	Modify(req *ldap.ModifyRequest) error
	ModifyDN(req *ldap.ModifyDNRequest) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// ConnectionFactory creates raw directory connections.
type ConnectionFactory interface {
	// NewReadOnly opens a connection suitable for reads only.
	NewReadOnly(ctx context.Context) (Conn, error)

	// NewReadWrite opens an authenticated connection suitable for writes.
	NewReadWrite(ctx context.Context) (Conn, error)
}

// AnonymousReadOnlyReporter is implemented by factories that can report
// whether their read-only connections are anonymous.
type AnonymousReadOnlyReporter interface {
	AnonymousReadOnly() bool
}

// Validator checks whether a connection is still usable. A nil error means
// the connection is valid.
type Validator interface {
	Validate(ctx context.Context, mode ConnectionMode, conn Conn) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, mode ConnectionMode, conn Conn) error

func (f ValidatorFunc) Validate(ctx context.Context, mode ConnectionMode, conn Conn) error {
	return f(ctx, mode, conn)
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host   string
	Port   int
	UseTLS bool
}

// PoolStats provides statistics about one pool partition.
type PoolStats struct {
	Mode              ConnectionMode
	Active            int           // Connections currently borrowed
	Idle              int           // Connections waiting in the idle set
	Created           int64         // Total connections created
	Destroyed         int64         // Total connections destroyed
	Borrowed          int64         // Total successful borrows
	Exhausted         int64         // Borrows that failed with ErrPoolExhausted
	ValidationFailure int64         // Connections rejected by validation
	Uptime            time.Duration // Pool uptime
}
