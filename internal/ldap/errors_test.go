package ldap

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-ldap/ldap/v3"
)

func TestConfigurationError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ConfigurationError
		want string
	}{
		{
			name: "missing component",
			err:  NewConfigurationError("connection factory", ""),
			want: "configuration error: connection factory must be specified",
		},
		{
			name: "with reason",
			err:  NewConfigurationError("renaming strategy", "required for unbind"),
			want: "configuration error: renaming strategy: required for unbind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnectionError(t *testing.T) {
	err := NewConnectionError("test operation failed", true, nil)

	if err.Error() != "test operation failed" {
		t.Errorf("Error() = %s, want 'test operation failed'", err.Error())
	}

	if !err.IsRetryable() {
		t.Error("Error should be retryable")
	}

	cause := NewConnectionError("underlying error", false, nil)
	wrapped := NewConnectionError("wrapped error", true, cause)

	if wrapped.Unwrap() != cause {
		t.Error("Unwrap() should return the cause")
	}

	if wrapped.Error() != "wrapped error: underlying error" {
		t.Errorf("Error() = %s, want cause appended", wrapped.Error())
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		code uint16
		want ErrorCategory
	}{
		{name: "authentication error", code: ldap.LDAPResultInvalidCredentials, want: ErrorCategoryAuthentication},
		{name: "permission error", code: ldap.LDAPResultInsufficientAccessRights, want: ErrorCategoryPermission},
		{name: "not found error", code: ldap.LDAPResultNoSuchObject, want: ErrorCategoryNotFound},
		{name: "conflict error", code: ldap.LDAPResultEntryAlreadyExists, want: ErrorCategoryConflict},
		{name: "non-leaf conflict", code: ldap.LDAPResultNotAllowedOnNonLeaf, want: ErrorCategoryConflict},
		{name: "validation error", code: ldap.LDAPResultConstraintViolation, want: ErrorCategoryValidation},
		{name: "server error", code: ldap.LDAPResultBusy, want: ErrorCategoryServer},
		{name: "connection error", code: ldap.LDAPResultConnectError, want: ErrorCategoryConnection},
		{name: "network error", code: ldap.ErrorNetwork, want: ErrorCategoryConnection},
		{name: "unknown error", code: 9999, want: ErrorCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := categorizeError(tt.code)
			if got != tt.want {
				t.Errorf("categorizeError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCategorizeGenericError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{name: "connection error", err: errors.New("connection refused"), want: ErrorCategoryConnection},
		{name: "timeout error", err: errors.New("operation timeout"), want: ErrorCategoryConnection},
		{name: "authentication error", err: errors.New("invalid credentials"), want: ErrorCategoryAuthentication},
		{name: "permission error", err: errors.New("access denied"), want: ErrorCategoryPermission},
		{name: "unknown error", err: errors.New("something went wrong"), want: ErrorCategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := categorizeGenericError(tt.err)
			if got != tt.want {
				t.Errorf("categorizeGenericError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "retryable connection error", err: NewConnectionError("connection failed", true, nil), want: true},
		{name: "non-retryable connection error", err: NewConnectionError("config error", false, nil), want: false},
		{
			name: "retryable LDAP error",
			err:  fmt.Errorf("search: %w", ldap.NewError(ldap.LDAPResultBusy, errors.New("server busy"))),
			want: true,
		},
		{
			name: "non-retryable LDAP error",
			err:  fmt.Errorf("bind: %w", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password"))),
			want: false,
		},
		{
			name: "configuration error mentioning connections",
			err:  NewConfigurationError("credentials", "read-write connections require bind_dn/password or Kerberos"),
			want: false,
		},
		{name: "generic retryable error", err: errors.New("connection timeout"), want: true},
		{name: "generic non-retryable error", err: errors.New("invalid syntax"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsRetryableError(tt.err)
			if got != tt.want {
				t.Errorf("IsRetryableError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetErrorCategory(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{name: "nil error", err: nil, want: ErrorCategoryUnknown},
		{
			name: "wrapped LDAP error",
			err:  fmt.Errorf("bind: %w", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password"))),
			want: ErrorCategoryAuthentication,
		},
		{name: "generic error", err: errors.New("connection refused"), want: ErrorCategoryConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GetErrorCategory(tt.err)
			if got != tt.want {
				t.Errorf("GetErrorCategory() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorHelperFunctions(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		code       uint16
		isNotFound bool
		isConflict bool
	}{
		{
			name:       "not found",
			err:        ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object")),
			code:       ldap.LDAPResultNoSuchObject,
			isNotFound: true,
		},
		{
			name:       "already exists",
			err:        fmt.Errorf("add: %w", ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("exists"))),
			code:       ldap.LDAPResultEntryAlreadyExists,
			isConflict: true,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResultCode(tt.err); got != tt.code {
				t.Errorf("ResultCode() = %d, want %d", got, tt.code)
			}
			if got := IsNotFoundError(tt.err); got != tt.isNotFound {
				t.Errorf("IsNotFoundError() = %v, want %v", got, tt.isNotFound)
			}
			if got := IsConflictError(tt.err); got != tt.isConflict {
				t.Errorf("IsConflictError() = %v, want %v", got, tt.isConflict)
			}
		})
	}
}
