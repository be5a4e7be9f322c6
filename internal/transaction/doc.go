// Package transaction implements client-side compensating transactions over
// a directory connection.
//
// Directory servers offer no multi-operation transactions. A Transaction
// applies each mutation immediately on a dedicated read-write connection and
// records how to undo it:
//
//   - Bind (create) is undone by deleting the entry.
//   - Unbind (delete) renames the entry to a temporary DN instead; rollback
//     renames it back and commit deletes it.
//   - Rebind (replace) moves the original to a temporary DN and creates the
//     new entry; rollback deletes the new entry and restores the original.
//   - ModifyAttributes reads the touched attributes first; rollback applies
//     the inverse changes.
//
// Rollback compensates in reverse order and carries on past failed steps,
// reporting them together as a *CompensationFailure. Other clients see
// intermediate state, including temporary entries; this is not isolation.
//
// Example usage:
//
//	manager, err := transaction.NewManager(ctx, factory,
//	    transaction.WithRenamingStrategy(transaction.RenamingStrategyFromConfig(config)))
//	if err != nil {
//	    return err
//	}
//
//	err = manager.Execute(ctx, func(ctx context.Context, tx *transaction.Transaction) error {
//	    if err := tx.Unbind(ctx, "cn=old,ou=people,dc=example,dc=com"); err != nil {
//	        return err
//	    }
//	    return tx.Bind(ctx, addRequest)
//	})
package transaction
