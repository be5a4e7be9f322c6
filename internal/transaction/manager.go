package transaction

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/isometry/ldaptx/internal/ldap"
)

// Manager starts compensating transactions over dedicated read-write
// connections. A Manager is safe for concurrent use; each Transaction is not.
type Manager struct {
	factory    ldap.ConnectionFactory
	renaming   RenamingStrategy
	classifier *ldap.FailureClassifier
	metrics    *ldap.Metrics
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRenamingStrategy sets the strategy used by unbind and rebind. A nil
// strategy disables both operations.
func WithRenamingStrategy(strategy RenamingStrategy) ManagerOption {
	return func(m *Manager) {
		m.renaming = strategy
	}
}

// WithClassifier sets the classifier used to flag failed connections.
func WithClassifier(classifier *ldap.FailureClassifier) ManagerOption {
	return func(m *Manager) {
		m.classifier = classifier
	}
}

// WithMetrics records transaction outcomes.
func WithMetrics(metrics *ldap.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a transaction manager. Without WithRenamingStrategy the
// default suffix strategy is used.
func NewManager(ctx context.Context, factory ldap.ConnectionFactory, opts ...ManagerOption) (*Manager, error) {
	if factory == nil {
		return nil, ldap.NewConfigurationError("connection factory", "")
	}

	if reporter, ok := factory.(ldap.AnonymousReadOnlyReporter); ok && reporter.AnonymousReadOnly() {
		return nil, ldap.NewConfigurationError("connection factory",
			"compensating transactions are not supported with anonymous read-only connections")
	}

	m := &Manager{
		factory:  factory,
		renaming: NewDefaultRenamingStrategy(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.classifier == nil {
		m.classifier = ldap.NewDefaultFailureClassifier()
	}

	tflog.SubsystemDebug(ctx, ldap.SubsystemTransaction, "Transaction manager created", map[string]any{
		"renaming_strategy": strategyName(m.renaming),
	})

	return m, nil
}

// Begin opens a dedicated read-write connection and starts a transaction on
// it. The connection is closed when the transaction finishes.
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	raw, err := m.factory.NewReadWrite(ctx)
	if err != nil {
		ldap.LogLDAPError(ctx, ldap.SubsystemTransaction, "begin", err, nil)
		return nil, err
	}

	tx := &Transaction{
		id:      uuid.NewString(),
		manager: m,
		conn:    ldap.NewFailureAwareConn(ctx, raw, m.classifier),
		state:   Active,
		started: time.Now(),
	}

	tflog.SubsystemDebug(ctx, ldap.SubsystemTransaction, "Transaction started", map[string]any{
		"transaction_id": tx.id,
	})

	return tx, nil
}

// Execute runs fn inside a transaction, committing when fn returns nil and
// rolling back otherwise. A panic in fn rolls back before propagating.
func (m *Manager) Execute(ctx context.Context, fn func(ctx context.Context, tx *Transaction) error) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				tflog.SubsystemError(ctx, ldap.SubsystemTransaction, "Rollback after panic failed", map[string]any{
					"transaction_id": tx.id,
					"error":          rbErr.Error(),
				})
			}
			panic(r)
		}
	}()

	if fnErr := fn(ctx, tx); fnErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return errors.Join(fnErr, rbErr)
		}
		return fnErr
	}

	return tx.Commit(ctx)
}

func strategyName(strategy RenamingStrategy) string {
	switch strategy.(type) {
	case nil:
		return "none"
	case *DefaultRenamingStrategy:
		return "suffix"
	case *SubtreeRenamingStrategy:
		return "subtree"
	default:
		return "custom"
	}
}
