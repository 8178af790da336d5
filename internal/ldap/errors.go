package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	ErrorCategoryConnection           ErrorCategory = "connection"
	ErrorCategoryAuthentication       ErrorCategory = "authentication"
	ErrorCategoryPermission           ErrorCategory = "permission"
	ErrorCategoryNotFound             ErrorCategory = "not_found"
	ErrorCategoryIntegrity            ErrorCategory = "integrity"
	ErrorCategoryValidation           ErrorCategory = "validation"
	ErrorCategoryServer               ErrorCategory = "server"
	ErrorCategoryTimeout              ErrorCategory = "timeout"
	ErrorCategoryNotSupported         ErrorCategory = "not_supported"
	ErrorCategoryUnsupportedPredicate ErrorCategory = "unsupported_predicate"
	ErrorCategoryUnsupportedOrdering  ErrorCategory = "unsupported_ordering"
	ErrorCategoryTransaction          ErrorCategory = "transaction"
	ErrorCategoryUnknown              ErrorCategory = "unknown"
)

// Sentinel errors matched with errors.Is against *LDAPError values.
var (
	// ErrUnsupportedPredicate reports a predicate shape the filter compiler cannot express.
	ErrUnsupportedPredicate = errors.New("unsupported predicate")
	// ErrUnsupportedOrdering reports an ordering request the planner cannot express.
	ErrUnsupportedOrdering = errors.New("unsupported ordering")
	// ErrValidation reports a local validation failure raised before any network call.
	ErrValidation = errors.New("validation error")
	// ErrNotSupported reports an operation that needs a capability the server or core lacks.
	ErrNotSupported = errors.New("operation not supported")
	// ErrIntegrity reports a write rejected by the server for a schema or constraint reason.
	ErrIntegrity = errors.New("integrity error")
	// ErrOperational reports a connectivity or server-side failure.
	ErrOperational = errors.New("operational error")
	// ErrTransaction reports a misuse of the transaction protocol.
	ErrTransaction = errors.New("transaction error")
	// ErrTimeout reports an operation that exceeded its deadline. It is retryable.
	ErrTimeout = errors.New("operation timed out")
	// ErrNotFound reports a missing entry.
	ErrNotFound = errors.New("entry not found")
)

// LDAPError provides enhanced error information for LDAP operations.
type LDAPError struct {
	Operation string        // The operation that failed
	Category  ErrorCategory // Error category
	LDAPCode  uint16        // LDAP result code
	Message   string        // Human-readable message
	ServerMsg string        // Server-provided message
	DN        string        // DN involved in the operation (if applicable)
	Retryable bool          // Whether the error is retryable
	Cause     error         // Underlying error
}

func (e *LDAPError) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", e.Operation))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		parts = append(parts, fmt.Sprintf("server: %s", e.ServerMsg))
	}

	if e.DN != "" {
		parts = append(parts, fmt.Sprintf("DN: %s", e.DN))
	}

	return strings.Join(parts, " - ")
}

func (e *LDAPError) IsRetryable() bool {
	return e.Retryable
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// Is maps the error category onto the package sentinels.
func (e *LDAPError) Is(target error) bool {
	switch target {
	case ErrUnsupportedPredicate:
		return e.Category == ErrorCategoryUnsupportedPredicate
	case ErrUnsupportedOrdering:
		return e.Category == ErrorCategoryUnsupportedOrdering
	case ErrValidation:
		return e.Category == ErrorCategoryValidation
	case ErrNotSupported:
		return e.Category == ErrorCategoryNotSupported
	case ErrIntegrity:
		return e.Category == ErrorCategoryIntegrity
	case ErrTransaction:
		return e.Category == ErrorCategoryTransaction
	case ErrTimeout:
		return e.Category == ErrorCategoryTimeout
	case ErrNotFound:
		return e.Category == ErrorCategoryNotFound
	case ErrOperational:
		return isOperationalCategory(e.Category)
	}
	return false
}

func isOperationalCategory(category ErrorCategory) bool {
	switch category {
	case ErrorCategoryConnection,
		ErrorCategoryServer,
		ErrorCategoryAuthentication,
		ErrorCategoryPermission,
		ErrorCategoryTimeout,
		ErrorCategoryUnknown:
		return true
	default:
		return false
	}
}

// GetCategory returns the error category.
func (e *LDAPError) GetCategory() ErrorCategory {
	return e.Category
}

// GetLDAPCode returns the LDAP result code.
func (e *LDAPError) GetLDAPCode() uint16 {
	return e.LDAPCode
}

// NewLDAPError creates a new LDAP error.
func NewLDAPError(operation string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	ldapErr := &LDAPError{
		Operation: operation,
		Cause:     err,
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) && !isClientTimeout(resultErr) {
		ldapErr.LDAPCode = resultErr.ResultCode
		if resultErr.Err != nil {
			ldapErr.ServerMsg = resultErr.Err.Error()
		}
		ldapErr.Category = categorizeError(resultErr.ResultCode)
		ldapErr.Retryable = isLDAPCodeRetryable(resultErr.ResultCode)
		ldapErr.Message = getLDAPCodeMessage(resultErr.ResultCode)
		return ldapErr
	}

	ldapErr.Category = categorizeGenericError(err)
	ldapErr.Retryable = isGenericErrorRetryable(err)
	ldapErr.Message = err.Error()

	return ldapErr
}

// newQueryError builds a local error that never reached the server.
func newQueryError(operation string, category ErrorCategory, format string, args ...any) *LDAPError {
	return &LDAPError{
		Operation: operation,
		Category:  category,
		Message:   fmt.Sprintf(format, args...),
	}
}

// isClientTimeout reports go-ldap's client-side timeout, which is raised as a network error.
func isClientTimeout(err *ldap.Error) bool {
	return err.ResultCode == ldap.ErrorNetwork && err.Err != nil &&
		strings.Contains(strings.ToLower(err.Err.Error()), "timed out")
}

// categorizeError categorizes an error based on LDAP result code.
func categorizeError(code uint16) ErrorCategory {
	switch code {
	case ldap.LDAPResultSuccess:
		return ErrorCategoryUnknown

	case ldap.LDAPResultInvalidCredentials,
		ldap.LDAPResultInappropriateAuthentication,
		ldap.LDAPResultStrongAuthRequired:
		return ErrorCategoryAuthentication

	case ldap.LDAPResultInsufficientAccessRights,
		ldap.LDAPResultUnwillingToPerform:
		return ErrorCategoryPermission

	case ldap.LDAPResultNoSuchObject:
		return ErrorCategoryNotFound

	case ldap.LDAPResultNoSuchAttribute,
		ldap.LDAPResultUndefinedAttributeType,
		ldap.LDAPResultConstraintViolation,
		ldap.LDAPResultAttributeOrValueExists,
		ldap.LDAPResultInvalidAttributeSyntax,
		ldap.LDAPResultNamingViolation,
		ldap.LDAPResultObjectClassViolation,
		ldap.LDAPResultNotAllowedOnNonLeaf,
		ldap.LDAPResultNotAllowedOnRDN,
		ldap.LDAPResultEntryAlreadyExists,
		ldap.LDAPResultObjectClassModsProhibited:
		return ErrorCategoryIntegrity

	case ldap.LDAPResultInvalidDNSyntax,
		ldap.LDAPResultFilterError,
		ldap.ErrorFilterCompile:
		return ErrorCategoryValidation

	case ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultTimeout:
		return ErrorCategoryTimeout

	case ldap.LDAPResultUnavailableCriticalExtension,
		ldap.LDAPResultNotSupported:
		return ErrorCategoryNotSupported

	case ldap.LDAPResultServerDown,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultAdminLimitExceeded,
		ldap.LDAPResultOperationsError,
		ldap.LDAPResultOther:
		return ErrorCategoryServer

	case ldap.LDAPResultConnectError,
		ldap.LDAPResultProtocolError,
		ldap.ErrorNetwork:
		return ErrorCategoryConnection

	default:
		return ErrorCategoryUnknown
	}
}

// categorizeGenericError categorizes non-LDAP errors.
func categorizeGenericError(err error) ErrorCategory {
	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "timed out") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "timeout") {
		return ErrorCategoryTimeout
	}

	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "network") ||
		strings.Contains(errStr, "broken pipe") {
		return ErrorCategoryConnection
	}

	if strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "credentials") ||
		strings.Contains(errStr, "password") {
		return ErrorCategoryAuthentication
	}

	if strings.Contains(errStr, "permission") ||
		strings.Contains(errStr, "access") ||
		strings.Contains(errStr, "denied") {
		return ErrorCategoryPermission
	}

	return ErrorCategoryUnknown
}

// isLDAPCodeRetryable determines if an LDAP error code indicates a retryable condition.
func isLDAPCodeRetryable(code uint16) bool {
	switch code {
	case ldap.LDAPResultBusy,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultTimeLimitExceeded,
		ldap.LDAPResultTimeout,
		ldap.LDAPResultConnectError:
		return true
	default:
		return false
	}
}

// isGenericErrorRetryable determines if a generic error is retryable.
func isGenericErrorRetryable(err error) bool {
	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		"connection",
		"timeout",
		"timed out",
		"deadline exceeded",
		"network",
		"broken pipe",
		"temporary failure",
		"server temporarily unavailable",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// getLDAPCodeMessage returns a human-readable message for an LDAP result code.
func getLDAPCodeMessage(code uint16) string {
	switch code {
	case ldap.LDAPResultOperationsError:
		return "LDAP operations error"
	case ldap.LDAPResultProtocolError:
		return "LDAP protocol error"
	case ldap.LDAPResultTimeLimitExceeded:
		return "LDAP time limit exceeded"
	case ldap.LDAPResultSizeLimitExceeded:
		return "LDAP size limit exceeded"
	case ldap.LDAPResultStrongAuthRequired:
		return "Strong authentication required"
	case ldap.LDAPResultAdminLimitExceeded:
		return "Administrative limit exceeded"
	case ldap.LDAPResultUnavailableCriticalExtension:
		return "Critical extension unavailable"
	case ldap.LDAPResultNoSuchAttribute:
		return "Requested attribute does not exist"
	case ldap.LDAPResultUndefinedAttributeType:
		return "Attribute type is not defined"
	case ldap.LDAPResultInappropriateMatching:
		return "Inappropriate matching rule"
	case ldap.LDAPResultConstraintViolation:
		return "Constraint violation"
	case ldap.LDAPResultAttributeOrValueExists:
		return "Attribute or value already exists"
	case ldap.LDAPResultInvalidAttributeSyntax:
		return "Invalid attribute syntax"
	case ldap.LDAPResultNoSuchObject:
		return "Requested object does not exist"
	case ldap.LDAPResultInvalidDNSyntax:
		return "Invalid DN syntax"
	case ldap.LDAPResultInappropriateAuthentication:
		return "Inappropriate authentication method"
	case ldap.LDAPResultInvalidCredentials:
		return "Invalid credentials"
	case ldap.LDAPResultInsufficientAccessRights:
		return "Insufficient access rights"
	case ldap.LDAPResultBusy:
		return "Server is busy"
	case ldap.LDAPResultUnavailable:
		return "Server is unavailable"
	case ldap.LDAPResultUnwillingToPerform:
		return "Server is unwilling to perform the operation"
	case ldap.LDAPResultSortControlMissing:
		return "Sort control missing"
	case ldap.LDAPResultOffsetRangeError:
		return "Offset out of range"
	case ldap.LDAPResultNamingViolation:
		return "Naming violation"
	case ldap.LDAPResultObjectClassViolation:
		return "Object class violation"
	case ldap.LDAPResultNotAllowedOnNonLeaf:
		return "Operation not allowed on non-leaf entry"
	case ldap.LDAPResultNotAllowedOnRDN:
		return "Operation not allowed on RDN"
	case ldap.LDAPResultEntryAlreadyExists:
		return "Entry already exists"
	case ldap.LDAPResultObjectClassModsProhibited:
		return "Object class modifications prohibited"
	case ldap.LDAPResultVirtualListViewErrorOrControlError:
		return "Virtual list view error"
	case ldap.LDAPResultOther:
		return "Other server error"
	case ldap.LDAPResultServerDown:
		return "Server is down"
	case ldap.LDAPResultTimeout:
		return "Operation timed out"
	case ldap.LDAPResultFilterError:
		return "Invalid search filter"
	case ldap.LDAPResultConnectError:
		return "Connection error"
	case ldap.LDAPResultNotSupported:
		return "Operation not supported"
	case ldap.ErrorNetwork:
		return "Network error"
	case ldap.ErrorFilterCompile:
		return "Filter compile error"
	default:
		return fmt.Sprintf("Unknown LDAP error (code %d)", code)
	}
}

// WrapError wraps an error with operation context.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		if ldapErr.Operation == "" {
			ldapErr.Operation = operation
		}
		return err
	}

	return NewLDAPError(operation, err)
}

// wrapErrorWithDN wraps err and records the DN it concerns.
func wrapErrorWithDN(operation, dn string, err error) error {
	if err == nil {
		return nil
	}
	wrapped := NewLDAPError(operation, err)
	var existing *LDAPError
	if errors.As(err, &existing) {
		wrapped = existing
	}
	if wrapped.DN == "" {
		wrapped.DN = dn
	}
	return wrapped
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	return isGenericErrorRetryable(err)
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.GetCategory()
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		if isClientTimeout(resultErr) {
			return ErrorCategoryTimeout
		}
		return categorizeError(resultErr.ResultCode)
	}

	return categorizeGenericError(err)
}

// IsNotFoundError checks if an error indicates a "not found" condition.
func IsNotFoundError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryNotFound
}

// IsIntegrityError checks if an error indicates a schema or constraint violation.
func IsIntegrityError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryIntegrity
}

// IsTimeoutError checks if an error indicates an expired deadline.
func IsTimeoutError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryTimeout
}

// IsAuthenticationError checks if an error indicates an authentication problem.
func IsAuthenticationError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryAuthentication
}

// IsPermissionError checks if an error indicates a permission problem.
func IsPermissionError(err error) bool {
	return GetErrorCategory(err) == ErrorCategoryPermission
}
