package transaction

import (
	"fmt"
	"strconv"
	"sync/atomic"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/isometry/ldaptx/internal/ldap"
)

// RenamingStrategy chooses where an entry is preserved while an unbind or
// rebind is pending. TemporaryDN must be deterministic for a given input
// within one strategy instance, except where noted.
type RenamingStrategy interface {
	TemporaryDN(dn string) (string, error)
}

// DefaultRenamingStrategy keeps the entry under its parent and appends Suffix
// to the first value of its leaf RDN:
//
//	cn=john doe,ou=people → cn=john doe_temp,ou=people
type DefaultRenamingStrategy struct {
	Suffix string
}

// NewDefaultRenamingStrategy returns a strategy using DefaultTempSuffix.
func NewDefaultRenamingStrategy() *DefaultRenamingStrategy {
	return &DefaultRenamingStrategy{Suffix: ldap.DefaultTempSuffix}
}

func (s *DefaultRenamingStrategy) TemporaryDN(dn string) (string, error) {
	leaf, parent, err := ldap.SplitDN(dn)
	if err != nil {
		return "", fmt.Errorf("cannot derive temporary DN for %q: %w", dn, err)
	}

	return ldap.JoinDN(suffixLeaf(leaf, s.Suffix), parent), nil
}

// tempSequence numbers subtree temporary entries across the process.
var tempSequence atomic.Uint64

// SubtreeRenamingStrategy moves entries under SubtreeDN, numbering each leaf
// value so concurrent transactions never collide. Unlike the default strategy
// every call returns a fresh DN.
type SubtreeRenamingStrategy struct {
	SubtreeDN string
}

func (s *SubtreeRenamingStrategy) TemporaryDN(dn string) (string, error) {
	if s.SubtreeDN == "" {
		return "", ldap.NewConfigurationError("temp_subtree_dn", "subtree renaming strategy requires a subtree DN")
	}

	leaf, _, err := ldap.SplitDN(dn)
	if err != nil {
		return "", fmt.Errorf("cannot derive temporary DN for %q: %w", dn, err)
	}

	seq := tempSequence.Add(1)
	return ldap.JoinDN(suffixLeaf(leaf, strconv.FormatUint(seq, 10)), s.SubtreeDN), nil
}

// RenamingStrategyFromConfig builds the strategy selected by config.
func RenamingStrategyFromConfig(config *ldap.Config) RenamingStrategy {
	if config.TempSubtreeDN != "" {
		return &SubtreeRenamingStrategy{SubtreeDN: config.TempSubtreeDN}
	}

	suffix := config.TempSuffix
	if suffix == "" {
		suffix = ldap.DefaultTempSuffix
	}
	return &DefaultRenamingStrategy{Suffix: suffix}
}

// suffixLeaf returns a copy of leaf with suffix appended to its first value.
func suffixLeaf(leaf *goldap.RelativeDN, suffix string) *goldap.RelativeDN {
	out := &goldap.RelativeDN{Attributes: make([]*goldap.AttributeTypeAndValue, 0, len(leaf.Attributes))}
	for i, attr := range leaf.Attributes {
		value := attr.Value
		if i == 0 {
			value += suffix
		}
		out.Attributes = append(out.Attributes, &goldap.AttributeTypeAndValue{Type: attr.Type, Value: value})
	}
	return out
}
