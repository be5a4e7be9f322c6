package transaction

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/isometry/ldaptx/internal/ldap"
)

// ModifyRecorder records attribute modifications. It reads the current
// values of every touched attribute and derives the changes that restore
// them.
type ModifyRecorder struct{}

func (ModifyRecorder) Record(_ context.Context, conn ldap.Conn, req *goldap.ModifyRequest) (Executor, error) {
	if req == nil || req.DN == "" {
		return nil, fmt.Errorf("modify requires a DN")
	}

	state, err := currentValues(conn, req)
	if err != nil {
		return nil, err
	}

	inverse, err := invertChanges(state, req.Changes)
	if err != nil {
		return nil, err
	}

	return &modifyExecutor{conn: conn, req: req, inverse: inverse}, nil
}

// currentValues reads the touched attributes of the target entry, keyed by
// lower-cased attribute name.
func currentValues(conn ldap.Conn, req *goldap.ModifyRequest) (map[string][]string, error) {
	var attributes []string
	for _, change := range req.Changes {
		name := change.Modification.Type
		if !slices.ContainsFunc(attributes, func(a string) bool { return strings.EqualFold(a, name) }) {
			attributes = append(attributes, name)
		}
	}

	state := make(map[string][]string, len(attributes))
	if len(attributes) == 0 {
		return state, nil
	}

	search := goldap.NewSearchRequest(
		req.DN,
		goldap.ScopeBaseObject,
		goldap.NeverDerefAliases,
		1, 0, false,
		"(objectClass=*)",
		attributes,
		nil,
	)

	result, err := conn.Search(search)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s before modify: %w", req.DN, err)
	}
	if len(result.Entries) == 0 {
		return nil, goldap.NewError(goldap.LDAPResultNoSuchObject, fmt.Errorf("entry %s not found", req.DN))
	}

	entry := result.Entries[0]
	for _, name := range attributes {
		if values := entry.GetEqualFoldAttributeValues(name); len(values) > 0 {
			state[strings.ToLower(name)] = slices.Clone(values)
		}
	}
	return state, nil
}

// invertChanges walks changes in order against state and returns the
// compensating changes in the order they must be applied.
func invertChanges(state map[string][]string, changes []goldap.Change) ([]goldap.Change, error) {
	inverse := make([]goldap.Change, 0, len(changes))

	for _, change := range changes {
		name := change.Modification.Type
		key := strings.ToLower(name)
		prior := state[key]
		values := change.Modification.Vals

		switch change.Operation {
		case goldap.AddAttribute:
			var added []string
			for _, v := range values {
				if !slices.Contains(prior, v) && !slices.Contains(added, v) {
					added = append(added, v)
				}
			}
			if len(added) > 0 {
				inverse = append(inverse, newChange(goldap.DeleteAttribute, name, added))
			}
			state[key] = append(slices.Clone(prior), added...)

		case goldap.DeleteAttribute:
			if len(values) == 0 {
				if len(prior) > 0 {
					inverse = append(inverse, newChange(goldap.AddAttribute, name, slices.Clone(prior)))
				}
				delete(state, key)
				continue
			}

			var removed []string
			remaining := slices.Clone(prior)
			for _, v := range values {
				i := slices.Index(remaining, v)
				if i < 0 {
					// Most matching rules ignore case; restore the stored form.
					i = slices.IndexFunc(remaining, func(r string) bool { return strings.EqualFold(r, v) })
				}
				if i < 0 {
					// Unknown to the snapshot: put back what the caller removed.
					if !slices.Contains(removed, v) {
						removed = append(removed, v)
					}
					continue
				}
				removed = append(removed, remaining[i])
				remaining = slices.Delete(remaining, i, i+1)
			}
			if len(removed) > 0 {
				inverse = append(inverse, newChange(goldap.AddAttribute, name, removed))
			}
			setOrDelete(state, key, remaining)

		case goldap.ReplaceAttribute:
			// Replace with no values removes the attribute again.
			inverse = append(inverse, newChange(goldap.ReplaceAttribute, name, slices.Clone(prior)))
			setOrDelete(state, key, slices.Clone(values))

		case goldap.IncrementAttribute:
			if len(values) != 1 {
				return nil, fmt.Errorf("increment of %s needs exactly one value", name)
			}
			delta, err := strconv.ParseInt(values[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid increment for %s: %w", name, err)
			}
			inverse = append(inverse, newChange(goldap.IncrementAttribute, name, []string{strconv.FormatInt(-delta, 10)}))
			if len(prior) == 1 {
				if current, err := strconv.ParseInt(prior[0], 10, 64); err == nil {
					state[key] = []string{strconv.FormatInt(current+delta, 10)}
				}
			}

		default:
			return nil, fmt.Errorf("unsupported modify operation %d on %s", change.Operation, name)
		}
	}

	slices.Reverse(inverse)
	return inverse, nil
}

func newChange(op uint, name string, values []string) goldap.Change {
	return goldap.Change{
		Operation:    op,
		Modification: goldap.PartialAttribute{Type: name, Vals: values},
	}
}

func setOrDelete(state map[string][]string, key string, values []string) {
	if len(values) == 0 {
		delete(state, key)
		return
	}
	state[key] = values
}

type modifyExecutor struct {
	conn    ldap.Conn
	req     *goldap.ModifyRequest
	inverse []goldap.Change
}

func (e *modifyExecutor) Kind() Kind { return ModifyKind }
func (e *modifyExecutor) DN() string { return e.req.DN }

func (e *modifyExecutor) Perform(context.Context) error {
	return e.conn.Modify(e.req)
}

func (e *modifyExecutor) Commit(context.Context) error {
	return nil
}

func (e *modifyExecutor) Rollback(context.Context) error {
	if len(e.inverse) == 0 {
		return nil
	}

	req := &goldap.ModifyRequest{DN: e.req.DN, Changes: e.inverse, Controls: e.req.Controls}
	if err := e.conn.Modify(req); err != nil {
		return fmt.Errorf("failed to restore attributes of %s: %w", e.req.DN, err)
	}
	return nil
}
