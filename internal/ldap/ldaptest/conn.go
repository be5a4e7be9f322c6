package ldaptest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/isometry/ldaptx/internal/ldap"
)

// Conn is a connection to a Directory.
type Conn struct {
	dir    *Directory
	mode   ldap.ConnectionMode
	closed atomic.Bool
	broken atomic.Bool
	closes atomic.Int32
}

var _ ldap.Conn = (*Conn)(nil)

// Connect opens a read-write connection to d.
func (d *Directory) Connect() *Conn {
	return &Conn{dir: d, mode: ldap.ReadWrite}
}

// Mode returns the mode the connection was created for.
func (c *Conn) Mode() ldap.ConnectionMode {
	return c.mode
}

// Break makes every further operation fail with a network error, as if the
// server went away.
func (c *Conn) Break() {
	c.broken.Store(true)
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.closed.Load()
}

// CloseCount returns how many times Close has been called.
func (c *Conn) CloseCount() int {
	return int(c.closes.Load())
}

func (c *Conn) check() error {
	if c.closed.Load() {
		return goldap.NewError(goldap.ErrorNetwork, errors.New("ldap: connection closed"))
	}
	if c.broken.Load() {
		return goldap.NewError(goldap.LDAPResultServerDown, errors.New("ldap: server down"))
	}
	return nil
}

func (c *Conn) Add(req *goldap.AddRequest) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.dir.add(req)
}

func (c *Conn) Del(req *goldap.DelRequest) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.dir.del(req)
}

func (c *Conn) Modify(req *goldap.ModifyRequest) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.dir.modify(req)
}

func (c *Conn) ModifyDN(req *goldap.ModifyDNRequest) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.dir.modifyDN(req)
}

func (c *Conn) Search(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return c.dir.search(req)
}

func (c *Conn) Close() error {
	c.closes.Add(1)
	c.closed.Store(true)
	return nil
}

// Factory creates connections to a Directory.
type Factory struct {
	Directory *Directory

	// Anonymous is reported through AnonymousReadOnly.
	Anonymous bool

	mu        sync.Mutex
	errs      map[ldap.ConnectionMode]error
	conns     []*Conn
	readOnly  atomic.Int64
	readWrite atomic.Int64
}

var (
	_ ldap.ConnectionFactory         = (*Factory)(nil)
	_ ldap.AnonymousReadOnlyReporter = (*Factory)(nil)
)

// NewFactory creates a factory for d.
func NewFactory(d *Directory) *Factory {
	return &Factory{Directory: d, errs: make(map[ldap.ConnectionMode]error)}
}

// FailCreate makes the factory fail for mode with err; nil clears it.
func (f *Factory) FailCreate(mode ldap.ConnectionMode, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[mode] = err
}

func (f *Factory) AnonymousReadOnly() bool {
	return f.Anonymous
}

func (f *Factory) NewReadOnly(ctx context.Context) (ldap.Conn, error) {
	return f.open(ctx, ldap.ReadOnly)
}

func (f *Factory) NewReadWrite(ctx context.Context) (ldap.Conn, error) {
	return f.open(ctx, ldap.ReadWrite)
}

func (f *Factory) open(ctx context.Context, mode ldap.ConnectionMode) (ldap.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.errs[mode]; err != nil {
		return nil, err
	}

	if mode == ldap.ReadWrite {
		f.readWrite.Add(1)
	} else {
		f.readOnly.Add(1)
	}

	conn := &Conn{dir: f.Directory, mode: mode}
	f.conns = append(f.conns, conn)
	return conn, nil
}

// Created returns how many connections were opened for mode.
func (f *Factory) Created(mode ldap.ConnectionMode) int64 {
	if mode == ldap.ReadWrite {
		return f.readWrite.Load()
	}
	return f.readOnly.Load()
}

// Connections returns every connection opened so far.
func (f *Factory) Connections() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Conn, len(f.conns))
	copy(out, f.conns)
	return out
}
