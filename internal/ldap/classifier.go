package ldap

import (
	"errors"
	"fmt"
	"net"
	"reflect"

	"github.com/go-ldap/ldap/v3"
)

// Classification is the verdict of the FailureClassifier for one error.
type Classification int

const (
	// Transient errors fail the operation but leave the connection reusable.
	Transient Classification = iota
	// NonTransient errors mean the connection is permanently broken.
	NonTransient
)

// String returns string representation of the classification.
func (c Classification) String() string {
	if c == NonTransient {
		return "non_transient"
	}
	return "transient"
}

// ErrorKind matches a family of errors. Matching walks the wrapped chain, so
// an error matches a kind when it is, or wraps, an instance of that kind.
type ErrorKind interface {
	Matches(err error) bool
	String() string
}

type resultCodeKind uint16

// ResultCodeKind matches any *ldap.Error in the chain carrying the given
// result code.
func ResultCodeKind(code uint16) ErrorKind {
	return resultCodeKind(code)
}

func (k resultCodeKind) Matches(err error) bool {
	var ldapErr *ldap.Error
	return errors.As(err, &ldapErr) && ldapErr.ResultCode == uint16(k)
}

func (k resultCodeKind) String() string {
	name, ok := ldap.LDAPResultCodeMap[uint16(k)]
	if !ok {
		name = "Unknown"
	}
	return fmt.Sprintf("ldap result %d (%s)", uint16(k), name)
}

type sentinelKind struct {
	target error
}

// SentinelKind matches errors for which errors.Is(err, target) holds.
func SentinelKind(target error) ErrorKind {
	return sentinelKind{target: target}
}

func (k sentinelKind) Matches(err error) bool {
	return errors.Is(err, k.target)
}

func (k sentinelKind) String() string {
	return fmt.Sprintf("error %q", k.target.Error())
}

type errorTypeKind[T error] struct{}

// ErrorTypeKind matches any error in the chain assignable to T. With an
// interface type parameter this also matches every implementation of it.
func ErrorTypeKind[T error]() ErrorKind {
	return errorTypeKind[T]{}
}

func (errorTypeKind[T]) Matches(err error) bool {
	var target T
	return errors.As(err, &target)
}

func (errorTypeKind[T]) String() string {
	return fmt.Sprintf("error type %s", reflect.TypeFor[T]())
}

// NetErrorKind matches transport failures reported through net.Error.
func NetErrorKind() ErrorKind {
	return ErrorTypeKind[net.Error]()
}

// DefaultNonTransientKinds returns the communication failures that mark a
// connection as broken: network errors, server down and connect errors.
func DefaultNonTransientKinds() []ErrorKind {
	return []ErrorKind{
		ResultCodeKind(ldap.ErrorNetwork),
		ResultCodeKind(ldap.LDAPResultServerDown),
		ResultCodeKind(ldap.LDAPResultConnectError),
		NetErrorKind(),
	}
}

// FailureClassifier decides whether an operation error leaves the connection
// usable. It holds no mutable state and is safe for concurrent use.
type FailureClassifier struct {
	kinds []ErrorKind
}

// NewFailureClassifier creates a classifier treating the given kinds as
// non-transient. With no kinds every error is transient.
func NewFailureClassifier(kinds ...ErrorKind) *FailureClassifier {
	return &FailureClassifier{
		kinds: append([]ErrorKind(nil), kinds...),
	}
}

// NewDefaultFailureClassifier creates a classifier for DefaultNonTransientKinds.
func NewDefaultFailureClassifier() *FailureClassifier {
	return NewFailureClassifier(DefaultNonTransientKinds()...)
}

// Classify returns NonTransient when err matches a configured kind.
func (c *FailureClassifier) Classify(err error) Classification {
	if _, ok := c.Match(err); ok {
		return NonTransient
	}
	return Transient
}

// Match returns the first configured kind matching err.
func (c *FailureClassifier) Match(err error) (ErrorKind, bool) {
	if c == nil || err == nil {
		return nil, false
	}

	for _, kind := range c.kinds {
		if kind.Matches(err) {
			return kind, true
		}
	}
	return nil, false
}

// IsNonTransient reports whether err marks a connection as broken.
func (c *FailureClassifier) IsNonTransient(err error) bool {
	return c.Classify(err) == NonTransient
}

// Kinds returns a copy of the configured non-transient kinds.
func (c *FailureClassifier) Kinds() []ErrorKind {
	return append([]ErrorKind(nil), c.kinds...)
}
