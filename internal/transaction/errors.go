package transaction

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// ErrTransactionNotActive is returned by transaction methods called after
// commit or rollback.
var ErrTransactionNotActive = errors.New("transaction is not active")

// CompensationFailure aggregates the steps that failed while rolling back
// or cleaning up a transaction. The transaction has still finished.
type CompensationFailure struct {
	TransactionID string
	Phase         string // "rollback" or "commit"
	errs          *multierror.Error
}

func newCompensationFailure(id, phase string) *CompensationFailure {
	return &CompensationFailure{
		TransactionID: id,
		Phase:         phase,
		errs: &multierror.Error{
			ErrorFormat: func(errs []error) string {
				msgs := make([]string, len(errs))
				for i, err := range errs {
					msgs[i] = err.Error()
				}
				return strings.Join(msgs, "; ")
			},
		},
	}
}

func (e *CompensationFailure) append(err error) {
	e.errs = multierror.Append(e.errs, err)
}

// Len returns the number of failed steps.
func (e *CompensationFailure) Len() int {
	return e.errs.Len()
}

func (e *CompensationFailure) Error() string {
	return fmt.Sprintf("transaction %s: %d %s step(s) failed: %s", e.TransactionID, e.Len(), e.Phase, e.errs.Error())
}

// Unwrap exposes the individual step failures to errors.Is and errors.As.
func (e *CompensationFailure) Unwrap() []error {
	return e.errs.WrappedErrors()
}

// errOrNil returns e when at least one step failed.
func (e *CompensationFailure) errOrNil() error {
	if e.Len() == 0 {
		return nil
	}
	return e
}
