package ldap

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLDAPError(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		err       error
		wantNil   bool
	}{
		{
			name:      "nil error",
			operation: "search",
			err:       nil,
			wantNil:   true,
		},
		{
			name:      "ldap error",
			operation: "bind",
			err:       ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password")),
			wantNil:   false,
		},
		{
			name:      "generic error",
			operation: "connect",
			err:       errors.New("connection refused"),
			wantNil:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewLDAPError(tt.operation, tt.err)

			if tt.wantNil && result != nil {
				t.Errorf("NewLDAPError() = %v, want nil", result)
			}

			if !tt.wantNil && result == nil {
				t.Error("NewLDAPError() = nil, want non-nil")
			}

			if result != nil {
				if result.Operation != tt.operation {
					t.Errorf("Operation = %s, want %s", result.Operation, tt.operation)
				}

				if result.Cause != tt.err {
					t.Errorf("Cause = %v, want %v", result.Cause, tt.err)
				}
			}
		})
	}
}

func TestLDAPError_Error(t *testing.T) {
	tests := []struct {
		name    string
		ldapErr *LDAPError
		want    string
	}{
		{
			name: "basic error",
			ldapErr: &LDAPError{
				Operation: "search",
				Message:   "operation failed",
			},
			want: "LDAP search failed - operation failed",
		},
		{
			name: "error with code",
			ldapErr: &LDAPError{
				Operation: "bind",
				LDAPCode:  ldap.LDAPResultInvalidCredentials,
				Message:   "authentication failed",
			},
			want: "LDAP bind failed (code 49) - authentication failed",
		},
		{
			name: "error with server message",
			ldapErr: &LDAPError{
				Operation: "add",
				Message:   "validation failed",
				ServerMsg: "attribute required",
			},
			want: "LDAP add failed - validation failed - server: attribute required",
		},
		{
			name: "error with DN",
			ldapErr: &LDAPError{
				Operation: "modify",
				Message:   "access denied",
				DN:        "cn=user,dc=example,dc=com",
			},
			want: "LDAP modify failed - access denied - DN: cn=user,dc=example,dc=com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.ldapErr.Error()
			if got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		code uint16
		want ErrorCategory
	}{
		{
			name: "authentication error",
			code: ldap.LDAPResultInvalidCredentials,
			want: ErrorCategoryAuthentication,
		},
		{
			name: "permission error",
			code: ldap.LDAPResultInsufficientAccessRights,
			want: ErrorCategoryPermission,
		},
		{
			name: "not found error",
			code: ldap.LDAPResultNoSuchObject,
			want: ErrorCategoryNotFound,
		},
		{
			name: "entry exists is an integrity error",
			code: ldap.LDAPResultEntryAlreadyExists,
			want: ErrorCategoryIntegrity,
		},
		{
			name: "constraint violation is an integrity error",
			code: ldap.LDAPResultConstraintViolation,
			want: ErrorCategoryIntegrity,
		},
		{
			name: "object class violation is an integrity error",
			code: ldap.LDAPResultObjectClassViolation,
			want: ErrorCategoryIntegrity,
		},
		{
			name: "validation error",
			code: ldap.LDAPResultInvalidDNSyntax,
			want: ErrorCategoryValidation,
		},
		{
			name: "time limit",
			code: ldap.LDAPResultTimeLimitExceeded,
			want: ErrorCategoryTimeout,
		},
		{
			name: "unavailable critical extension",
			code: ldap.LDAPResultUnavailableCriticalExtension,
			want: ErrorCategoryNotSupported,
		},
		{
			name: "server error",
			code: ldap.LDAPResultBusy,
			want: ErrorCategoryServer,
		},
		{
			name: "connection error",
			code: ldap.LDAPResultConnectError,
			want: ErrorCategoryConnection,
		},
		{
			name: "unknown error",
			code: 9999,
			want: ErrorCategoryUnknown,
		},
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
		{
			name: "connection error",
			err:  errors.New("connection refused"),
			want: ErrorCategoryConnection,
		},
		{
			name: "timeout error",
			err:  errors.New("operation timeout"),
			want: ErrorCategoryTimeout,
		},
		{
			name: "deadline error",
			err:  errors.New("context deadline exceeded"),
			want: ErrorCategoryTimeout,
		},
		{
			name: "authentication error",
			err:  errors.New("invalid credentials"),
			want: ErrorCategoryAuthentication,
		},
		{
			name: "permission error",
			err:  errors.New("access denied"),
			want: ErrorCategoryPermission,
		},
		{
			name: "unknown error",
			err:  errors.New("something went wrong"),
			want: ErrorCategoryUnknown,
		},
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

func TestIsLDAPCodeRetryable(t *testing.T) {
	tests := []struct {
		name string
		code uint16
		want bool
	}{
		{
			name: "busy - retryable",
			code: ldap.LDAPResultBusy,
			want: true,
		},
		{
			name: "unavailable - retryable",
			code: ldap.LDAPResultUnavailable,
			want: true,
		},
		{
			name: "server down - retryable",
			code: ldap.LDAPResultServerDown,
			want: true,
		},
		{
			name: "invalid credentials - not retryable",
			code: ldap.LDAPResultInvalidCredentials,
			want: false,
		},
		{
			name: "no such object - not retryable",
			code: ldap.LDAPResultNoSuchObject,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isLDAPCodeRetryable(tt.code)
			if got != tt.want {
				t.Errorf("isLDAPCodeRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsGenericErrorRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "connection error - retryable",
			err:  errors.New("connection refused"),
			want: true,
		},
		{
			name: "timeout error - retryable",
			err:  errors.New("operation timeout"),
			want: true,
		},
		{
			name: "temporary failure - retryable",
			err:  errors.New("temporary failure"),
			want: true,
		},
		{
			name: "broken pipe - retryable",
			err:  errors.New("broken pipe"),
			want: true,
		},
		{
			name: "validation error - not retryable",
			err:  errors.New("invalid syntax"),
			want: false,
		},
		{
			name: "permission error - not retryable",
			err:  errors.New("access denied"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isGenericErrorRetryable(tt.err)
			if got != tt.want {
				t.Errorf("isGenericErrorRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		err       error
		wantNil   bool
	}{
		{
			name:      "nil error",
			operation: "search",
			err:       nil,
			wantNil:   true,
		},
		{
			name:      "regular error",
			operation: "bind",
			err:       errors.New("authentication failed"),
			wantNil:   false,
		},
		{
			name:      "already wrapped error",
			operation: "search",
			err:       &LDAPError{Operation: "existing", Message: "test"},
			wantNil:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := WrapError(tt.operation, tt.err)

			if tt.wantNil && result != nil {
				t.Errorf("WrapError() = %v, want nil", result)
			}

			if !tt.wantNil && result == nil {
				t.Error("WrapError() = nil, want non-nil")
			}

			if result != nil {
				if ldapErr, ok := result.(*LDAPError); ok {
					// For already wrapped errors, operation should be preserved
					if existingErr, ok := tt.err.(*LDAPError); ok {
						if existingErr.Operation != "" {
							if ldapErr.Operation != existingErr.Operation {
								t.Errorf("Operation preserved incorrectly")
							}
						} else {
							if ldapErr.Operation != tt.operation {
								t.Errorf("Operation = %s, want %s", ldapErr.Operation, tt.operation)
							}
						}
					} else {
						if ldapErr.Operation != tt.operation {
							t.Errorf("Operation = %s, want %s", ldapErr.Operation, tt.operation)
						}
					}
				}
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
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "retryable connection error",
			err:  NewConnectionError("connection failed", true, nil),
			want: true,
		},
		{
			name: "non-retryable connection error",
			err:  NewConnectionError("config error", false, nil),
			want: false,
		},
		{
			name: "retryable LDAP error",
			err:  NewLDAPError("search", ldap.NewError(ldap.LDAPResultBusy, errors.New("server busy"))),
			want: true,
		},
		{
			name: "non-retryable LDAP error",
			err:  NewLDAPError("bind", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password"))),
			want: false,
		},
		{
			name: "generic retryable error",
			err:  errors.New("connection timeout"),
			want: true,
		},
		{
			name: "generic non-retryable error",
			err:  errors.New("invalid syntax"),
			want: false,
		},
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
		{
			name: "nil error",
			err:  nil,
			want: ErrorCategoryUnknown,
		},
		{
			name: "LDAP error",
			err:  NewLDAPError("bind", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password"))),
			want: ErrorCategoryAuthentication,
		},
		{
			name: "generic error",
			err:  errors.New("connection refused"),
			want: ErrorCategoryConnection,
		},
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
		isNotFound bool
		isIntegrity bool
		isAuth     bool
		isPerm     bool
	}{
		{
			name:       "not found error",
			err:        NewLDAPError("search", ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("object not found"))),
			isNotFound: true,
		},
		{
			name:        "integrity error",
			err:         NewLDAPError("add", ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("entry exists"))),
			isIntegrity: true,
		},
		{
			name:   "authentication error",
			err:    NewLDAPError("bind", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password"))),
			isAuth: true,
		},
		{
			name:   "permission error",
			err:    NewLDAPError("modify", ldap.NewError(ldap.LDAPResultInsufficientAccessRights, errors.New("access denied"))),
			isPerm: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if IsNotFoundError(tt.err) != tt.isNotFound {
				t.Errorf("IsNotFoundError() = %v, want %v", IsNotFoundError(tt.err), tt.isNotFound)
			}

			if IsIntegrityError(tt.err) != tt.isIntegrity {
				t.Errorf("IsIntegrityError() = %v, want %v", IsIntegrityError(tt.err), tt.isIntegrity)
			}

			if IsAuthenticationError(tt.err) != tt.isAuth {
				t.Errorf("IsAuthenticationError() = %v, want %v", IsAuthenticationError(tt.err), tt.isAuth)
			}

			if IsPermissionError(tt.err) != tt.isPerm {
				t.Errorf("IsPermissionError() = %v, want %v", IsPermissionError(tt.err), tt.isPerm)
			}
		})
	}
}

func TestGetLDAPCodeMessage(t *testing.T) {
	tests := []struct {
		name string
		code uint16
		want string
	}{
		{
			name: "invalid credentials",
			code: ldap.LDAPResultInvalidCredentials,
			want: "Invalid credentials",
		},
		{
			name: "no such object",
			code: ldap.LDAPResultNoSuchObject,
			want: "Requested object does not exist",
		},
		{
			name: "entry already exists",
			code: ldap.LDAPResultEntryAlreadyExists,
			want: "Entry already exists",
		},
		{
			name: "sort control missing",
			code: ldap.LDAPResultSortControlMissing,
			want: "Sort control missing",
		},
		{
			name: "unknown code",
			code: 9999,
			want: "Unknown LDAP error (code 9999)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := getLDAPCodeMessage(tt.code)
			if got != tt.want {
				t.Errorf("getLDAPCodeMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLDAPError_SentinelMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		matches  []error
		excludes []error
	}{
		{
			name:     "integrity",
			err:      NewLDAPError("add", ldap.NewError(ldap.LDAPResultObjectClassViolation, errors.New("missing must"))),
			matches:  []error{ErrIntegrity},
			excludes: []error{ErrOperational, ErrValidation},
		},
		{
			name:     "not found",
			err:      NewLDAPError("search", ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))),
			matches:  []error{ErrNotFound},
			excludes: []error{ErrOperational, ErrIntegrity},
		},
		{
			name:     "server down is operational",
			err:      NewLDAPError("search", ldap.NewError(ldap.LDAPResultServerDown, errors.New("down"))),
			matches:  []error{ErrOperational},
			excludes: []error{ErrTimeout},
		},
		{
			name:    "time limit is a retryable timeout",
			err:     NewLDAPError("search", ldap.NewError(ldap.LDAPResultTimeLimitExceeded, errors.New("slow"))),
			matches: []error{ErrTimeout, ErrOperational},
		},
		{
			name:     "local validation",
			err:      newQueryError("compile filter", ErrorCategoryValidation, "bad operand %q", "x"),
			matches:  []error{ErrValidation},
			excludes: []error{ErrOperational, ErrUnsupportedPredicate},
		},
		{
			name:     "unsupported predicate",
			err:      newQueryError("compile filter", ErrorCategoryUnsupportedPredicate, "lookup %s", "regex"),
			matches:  []error{ErrUnsupportedPredicate},
			excludes: []error{ErrValidation},
		},
		{
			name:    "unsupported ordering",
			err:     newQueryError("plan search", ErrorCategoryUnsupportedOrdering, "dn"),
			matches: []error{ErrUnsupportedOrdering},
		},
		{
			name:    "transaction misuse",
			err:     fmt.Errorf("begin: %w", newQueryError("begin", ErrorCategoryTransaction, "already active")),
			matches: []error{ErrTransaction},
		},
		{
			name:    "not supported",
			err:     NewLDAPError("search", ldap.NewError(ldap.LDAPResultUnavailableCriticalExtension, errors.New("vlv"))),
			matches: []error{ErrNotSupported},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, target := range tt.matches {
				assert.ErrorIs(t, tt.err, target)
			}
			for _, target := range tt.excludes {
				assert.NotErrorIs(t, tt.err, target)
			}
		})
	}
}

func TestNewLDAPError_ClientTimeout(t *testing.T) {
	err := NewLDAPError("search", ldap.NewError(ldap.ErrorNetwork, errors.New("ldap: connection timed out")))

	require.NotNil(t, err)
	assert.Equal(t, ErrorCategoryTimeout, err.Category)
	assert.Zero(t, err.LDAPCode)
	assert.True(t, err.IsRetryable())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTimeoutError(err))
}

func TestNewLDAPError_ResultFields(t *testing.T) {
	err := NewLDAPError("modify", ldap.NewError(ldap.LDAPResultConstraintViolation, errors.New("password in history")))

	require.NotNil(t, err)
	assert.Equal(t, uint16(ldap.LDAPResultConstraintViolation), err.GetLDAPCode())
	assert.Equal(t, ErrorCategoryIntegrity, err.GetCategory())
	assert.Equal(t, "Constraint violation", err.Message)
	assert.Contains(t, err.ServerMsg, "password in history")
	assert.False(t, err.IsRetryable())
}

func TestWrapErrorWithDN(t *testing.T) {
	assert.NoError(t, wrapErrorWithDN("add", "cn=x", nil))

	err := wrapErrorWithDN("add", "cn=x,dc=example,dc=org", ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("exists")))
	var ldapErr *LDAPError
	require.ErrorAs(t, err, &ldapErr)
	assert.Equal(t, "cn=x,dc=example,dc=org", ldapErr.DN)
	assert.Contains(t, err.Error(), "DN: cn=x,dc=example,dc=org")

	existing := &LDAPError{Operation: "modify", Category: ErrorCategoryIntegrity, DN: "cn=y"}
	err = wrapErrorWithDN("add", "cn=x", existing)
	assert.Same(t, existing, err)
	assert.Equal(t, "cn=y", existing.DN)
}

func TestGetErrorCategory_ContextErrors(t *testing.T) {
	assert.Equal(t, ErrorCategoryTimeout, GetErrorCategory(context.DeadlineExceeded))
	assert.Equal(t, ErrorCategoryTimeout, GetErrorCategory(WrapError("search", context.DeadlineExceeded)))
}
