package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldaptx/internal/ldap"
)

// State is the lifecycle state of a Transaction.
type State int

const (
	NotStarted State = iota
	Active
	Committed
	RolledBack
)

// String returns string representation of the state.
func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Active:
		return "active"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Transaction applies directory mutations immediately and keeps an ordered
// log of how to undo them. Rollback replays the log in reverse.
type Transaction struct {
	mu      sync.Mutex
	id      string
	manager *Manager
	conn    *ldap.FailureAwareConn
	log     []Executor
	state   State
	started time.Time
}

// ID returns the transaction's unique identifier.
func (tx *Transaction) ID() string {
	return tx.id
}

// State returns the current lifecycle state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Len returns the number of recorded mutations.
func (tx *Transaction) Len() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.log)
}

// Bind creates a new entry.
func (tx *Transaction) Bind(ctx context.Context, req *goldap.AddRequest) error {
	return record(ctx, tx, BindRecorder{}, req)
}

// Unbind deletes an entry. The entry is kept under a temporary name until
// the transaction commits.
func (tx *Transaction) Unbind(ctx context.Context, dn string) error {
	return record(ctx, tx, UnbindRecorder{Strategy: tx.manager.renaming}, goldap.NewDelRequest(dn, nil))
}

// Rebind replaces an existing entry with the one described by req.
func (tx *Transaction) Rebind(ctx context.Context, req *goldap.AddRequest) error {
	return record(ctx, tx, RebindRecorder{Strategy: tx.manager.renaming}, req)
}

// ModifyAttributes applies attribute changes to an entry.
func (tx *Transaction) ModifyAttributes(ctx context.Context, req *goldap.ModifyRequest) error {
	return record(ctx, tx, ModifyRecorder{}, req)
}

// Lookup reads an entry through the transaction's connection, so changes
// made earlier in the transaction are visible.
func (tx *Transaction) Lookup(ctx context.Context, dn string, attributes ...string) (*goldap.Entry, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return nil, ErrTransactionNotActive
	}

	search := goldap.NewSearchRequest(
		dn,
		goldap.ScopeBaseObject,
		goldap.NeverDerefAliases,
		1, 0, false,
		"(objectClass=*)",
		attributes,
		nil,
	)

	var entry *goldap.Entry
	err := ldap.LogOperation(ctx, ldap.SubsystemTransaction, "lookup", map[string]any{
		"transaction_id": tx.id,
		"dn":             dn,
	}, func() error {
		result, err := tx.conn.Search(search)
		if err != nil {
			return err
		}
		if len(result.Entries) == 0 {
			return goldap.NewError(goldap.LDAPResultNoSuchObject, fmt.Errorf("entry %s not found", dn))
		}
		entry = result.Entries[0]
		return nil
	})

	return entry, err
}

// record runs one mutation through its recorder and appends the executor to
// the log once it has been performed.
func record[R any](ctx context.Context, tx *Transaction, recorder Recorder[R], req R) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return ErrTransactionNotActive
	}

	executor, err := recorder.Record(ctx, tx.conn, req)
	if err != nil {
		return err
	}

	fields := map[string]any{
		"transaction_id": tx.id,
		"kind":           executor.Kind().String(),
		"dn":             executor.DN(),
	}

	if err := executor.Perform(ctx); err != nil {
		ldap.LogLDAPError(ctx, ldap.SubsystemTransaction, executor.Kind().String(), err, fields)
		return err
	}

	tx.log = append(tx.log, executor)
	tflog.SubsystemDebug(ctx, ldap.SubsystemTransaction, "Recorded mutation", fields)
	return nil
}

// Commit finalises the transaction. Recorded mutations are already in the
// directory; commit only removes preserved temporary entries. A
// *CompensationFailure reports cleanup steps that failed, but the
// transaction is committed regardless.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return ErrTransactionNotActive
	}

	failure := newCompensationFailure(tx.id, "commit")
	for _, executor := range tx.log {
		if err := executor.Commit(ctx); err != nil {
			tflog.SubsystemWarn(ctx, ldap.SubsystemTransaction, "Commit cleanup failed", map[string]any{
				"transaction_id": tx.id,
				"kind":           executor.Kind().String(),
				"dn":             executor.DN(),
				"error":          err.Error(),
			})
			failure.append(fmt.Errorf("commit %s %s: %w", executor.Kind(), executor.DN(), err))
		}
	}

	tx.finish(ctx, Committed, failure)
	return failure.errOrNil()
}

// Rollback undoes every recorded mutation, most recent first. Failed steps
// are logged and skipped; they are reported together as a
// *CompensationFailure once every step has been attempted.
func (tx *Transaction) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != Active {
		return ErrTransactionNotActive
	}

	failure := newCompensationFailure(tx.id, "rollback")
	for i := len(tx.log) - 1; i >= 0; i-- {
		executor := tx.log[i]
		if err := executor.Rollback(ctx); err != nil {
			tflog.SubsystemError(ctx, ldap.SubsystemTransaction, "Compensation failed, continuing rollback", map[string]any{
				"transaction_id": tx.id,
				"kind":           executor.Kind().String(),
				"dn":             executor.DN(),
				"error":          err.Error(),
			})
			failure.append(fmt.Errorf("rollback %s %s: %w", executor.Kind(), executor.DN(), err))
		}
	}

	tx.manager.metrics.CompensationFailed(failure.Len())
	tx.finish(ctx, RolledBack, failure)
	return failure.errOrNil()
}

// finish releases the connection and records the outcome. Callers hold mu.
func (tx *Transaction) finish(ctx context.Context, state State, failure *CompensationFailure) {
	tx.state = state
	tx.log = nil

	if err := tx.conn.Close(); err != nil {
		tflog.SubsystemWarn(ctx, ldap.SubsystemTransaction, "Failed to close transaction connection", map[string]any{
			"transaction_id": tx.id,
			"error":          err.Error(),
		})
	}

	outcome := state.String()
	if failure.Len() > 0 {
		outcome += "_with_failures"
	}
	tx.manager.metrics.TransactionFinished(outcome)

	tflog.SubsystemDebug(ctx, ldap.SubsystemTransaction, "Transaction finished", map[string]any{
		"transaction_id":  tx.id,
		"state":           state.String(),
		"failed_steps":    failure.Len(),
		"duration_ms":     time.Since(tx.started).Milliseconds(),
		"connection_lost": tx.conn.HasFailed(),
	})
}
