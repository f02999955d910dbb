// Package errors provides the standardized error taxonomy shared by the loan engine,
// the notification pipeline and the HTTP surface.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

// Validation
const (
	ErrCodeValidation       ErrorCode = "VALIDATION_ERROR"
	ErrCodeMessageMalformed ErrorCode = "MESSAGE_MALFORMED"
)

// Loan business rules
const (
	ErrCodeUserInvalid        ErrorCode = "USER_INVALID"
	ErrCodeBookUnavailable    ErrorCode = "BOOK_UNAVAILABLE"
	ErrCodeLoanLimitExceeded  ErrorCode = "LOAN_LIMIT_EXCEEDED"
	ErrCodeDuplicateLoan      ErrorCode = "DUPLICATE_LOAN"
	ErrCodeLoanNotFound       ErrorCode = "LOAN_NOT_FOUND"
	ErrCodeAlreadyReturned    ErrorCode = "ALREADY_RETURNED"
	ErrCodeInvalidStatus      ErrorCode = "INVALID_STATUS"
	ErrCodeLoanOverdue        ErrorCode = "LOAN_OVERDUE"
	ErrCodeMaxRenewalsReached ErrorCode = "MAX_RENEWALS_REACHED"
	ErrCodeNoFineDue          ErrorCode = "NO_FINE_DUE"
	ErrCodeFineAlreadyPaid    ErrorCode = "FINE_ALREADY_PAID"
)

// Notifications
const (
	ErrCodeTemplateNotFound       ErrorCode = "TEMPLATE_NOT_FOUND"
	ErrCodeTemplateInactive       ErrorCode = "TEMPLATE_INACTIVE"
	ErrCodeTemplateRenderFailed   ErrorCode = "TEMPLATE_RENDER_FAILED"
	ErrCodeNotificationNotFound   ErrorCode = "NOTIFICATION_NOT_FOUND"
	ErrCodeRecipientUnresolved    ErrorCode = "RECIPIENT_UNRESOLVED"
	ErrCodeNotificationSendFailed ErrorCode = "NOTIFICATION_SEND_FAILED"
)

// Infrastructure
const (
	ErrCodeDatabaseConnectionFailed ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed     ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeQueryTimeout             ErrorCode = "QUERY_TIMEOUT"
	ErrCodeExternalService          ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodeTimeout                  ErrorCode = "TIMEOUT_ERROR"
	ErrCodeResourceNotFound         ErrorCode = "RESOURCE_NOT_FOUND"
	ErrCodeAuthentication           ErrorCode = "AUTHENTICATION_ERROR"
	ErrCodeForbidden                ErrorCode = "FORBIDDEN"
	ErrCodeInternal                 ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// WithMetadata attaches a key/value pair and returns the same error.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

func newError(code ErrorCode, message, details string, retryable bool) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// 2. Error Constructors
// ==========================

// NewValidationError creates a non-retryable input shape error.
func NewValidationError(details string) *StandardError {
	return newError(ErrCodeValidation, "Invalid input", details, false)
}

// NewMessageMalformedError marks a bus message that can never be processed.
func NewMessageMalformedError(err error) *StandardError {
	e := newError(ErrCodeMessageMalformed, "Malformed message", err.Error(), false)
	e.cause = err
	return e
}

func NewUserInvalidError(userID int64, details string) *StandardError {
	return newError(ErrCodeUserInvalid, "User does not exist or is not active",
		fmt.Sprintf("userId: %d, %s", userID, details), false)
}

func NewBookUnavailableError(bookID int64, details string) *StandardError {
	return newError(ErrCodeBookUnavailable, "Book does not exist or has no available copies",
		fmt.Sprintf("bookId: %d, %s", bookID, details), false)
}

func NewLoanLimitExceededError(userID int64, limit int) *StandardError {
	return newError(ErrCodeLoanLimitExceeded, "Maximum number of active loans reached",
		fmt.Sprintf("userId: %d, limit: %d", userID, limit), false)
}

func NewDuplicateLoanError(userID, bookID int64) *StandardError {
	return newError(ErrCodeDuplicateLoan, "User already has an active loan for this book",
		fmt.Sprintf("userId: %d, bookId: %d", userID, bookID), false)
}

func NewLoanNotFoundError(loanID int64) *StandardError {
	return newError(ErrCodeLoanNotFound, "Loan not found", fmt.Sprintf("loanId: %d", loanID), false)
}

func NewAlreadyReturnedError(loanID int64) *StandardError {
	return newError(ErrCodeAlreadyReturned, "Loan has already been returned", fmt.Sprintf("loanId: %d", loanID), false)
}

func NewInvalidStatusError(loanID int64, status string) *StandardError {
	return newError(ErrCodeInvalidStatus, "Loan status does not allow this operation",
		fmt.Sprintf("loanId: %d, status: %s", loanID, status), false)
}

func NewLoanOverdueError(loanID int64, daysOverdue int) *StandardError {
	return newError(ErrCodeLoanOverdue, "Overdue loans cannot be renewed",
		fmt.Sprintf("loanId: %d, daysOverdue: %d", loanID, daysOverdue), false)
}

func NewMaxRenewalsReachedError(loanID int64, maxRenewals int) *StandardError {
	return newError(ErrCodeMaxRenewalsReached, "Maximum number of renewals reached",
		fmt.Sprintf("loanId: %d, maxRenewals: %d", loanID, maxRenewals), false)
}

func NewNoFineDueError(loanID int64) *StandardError {
	return newError(ErrCodeNoFineDue, "Loan has no fine to pay", fmt.Sprintf("loanId: %d", loanID), false)
}

func NewFineAlreadyPaidError(loanID int64) *StandardError {
	return newError(ErrCodeFineAlreadyPaid, "Fine has already been paid", fmt.Sprintf("loanId: %d", loanID), false)
}

// NewTemplateNotFoundError creates a non-retryable template error.
func NewTemplateNotFoundError(template string) *StandardError {
	return newError(ErrCodeTemplateNotFound, "Template not found", fmt.Sprintf("template: %s", template), false)
}

func NewTemplateInactiveError(template string) *StandardError {
	return newError(ErrCodeTemplateInactive, "Template is inactive", fmt.Sprintf("template: %s", template), false)
}

// NewTemplateRenderFailedError is returned for template syntax errors; retrying cannot help.
func NewTemplateRenderFailedError(err error) *StandardError {
	e := newError(ErrCodeTemplateRenderFailed, "Template error", err.Error(), false)
	e.cause = err
	return e
}

func NewNotificationNotFoundError(id int64) *StandardError {
	return newError(ErrCodeNotificationNotFound, "Notification not found", fmt.Sprintf("notificationId: %d", id), false)
}

func NewRecipientUnresolvedError(userID int64, err error) *StandardError {
	e := newError(ErrCodeRecipientUnresolved, "Recipient address could not be resolved",
		fmt.Sprintf("userId: %d, error: %v", userID, err), false)
	e.cause = err
	return e
}

func NewNotificationSendFailedError(channel string, err error) *StandardError {
	e := newError(ErrCodeNotificationSendFailed, fmt.Sprintf("%s delivery failed", channel), err.Error(), true)
	e.cause = err
	return e
}

// NewDatabaseConnectionFailedError creates a retryable database connection error.
func NewDatabaseConnectionFailedError(err error) *StandardError {
	e := newError(ErrCodeDatabaseConnectionFailed, "Database connection error", err.Error(), true)
	e.cause = err
	return e
}

// NewQueryExecutionFailedError creates a retryable query execution error.
func NewQueryExecutionFailedError(operation string, err error) *StandardError {
	e := newError(ErrCodeQueryExecutionFailed, "Database query execution error",
		fmt.Sprintf("operation: %s, error: %s", operation, err.Error()), true)
	e.cause = err
	return e
}

// NewQueryTimeoutError creates a retryable query timeout error.
func NewQueryTimeoutError(operation string) *StandardError {
	return newError(ErrCodeQueryTimeout, "Database query timeout", fmt.Sprintf("operation: %s", operation), true)
}

func NewExternalServiceError(service string, err error) *StandardError {
	e := newError(ErrCodeExternalService, fmt.Sprintf("External service '%s' error", service), err.Error(), true)
	e.cause = err
	return e
}

func NewTimeoutError(service string, err error) *StandardError {
	e := newError(ErrCodeTimeout, fmt.Sprintf("Service '%s' timeout", service), err.Error(), true)
	e.cause = err
	return e
}

func NewResourceNotFoundError(service, details string) *StandardError {
	return newError(ErrCodeResourceNotFound, fmt.Sprintf("Resource not found in %s", service), details, false)
}

func NewAuthenticationError(details string) *StandardError {
	return newError(ErrCodeAuthentication, "Authentication failed", details, false)
}

func NewForbiddenError(details string) *StandardError {
	return newError(ErrCodeForbidden, "You do not have permission to perform this action", details, false)
}

func NewInternalError(err error) *StandardError {
	e := newError(ErrCodeInternal, "Unexpected error", err.Error(), false)
	e.cause = err
	return e
}

// ==========================
// 3. Inspection
// ==========================

// AsStandard extracts a StandardError from err's chain.
func AsStandard(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	stdErr, ok := AsStandard(err)
	return ok && stdErr.Code == code
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	stdErr, ok := AsStandard(err)
	return ok && stdErr.Retryable
}

// GetRetryCount returns the recommended retry count for a code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDatabaseConnectionFailed,
		ErrCodeQueryExecutionFailed,
		ErrCodeExternalService,
		ErrCodeNotificationSendFailed:
		return 3

	case ErrCodeQueryTimeout,
		ErrCodeTimeout:
		return 2

	default:
		return 0 // Business errors: no retry
	}
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// HTTPStatus maps an error code to the status returned by the API.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeValidation, ErrCodeMessageMalformed,
		ErrCodeUserInvalid, ErrCodeBookUnavailable, ErrCodeLoanLimitExceeded,
		ErrCodeTemplateInactive, ErrCodeTemplateRenderFailed:
		return http.StatusBadRequest
	case ErrCodeLoanNotFound, ErrCodeTemplateNotFound, ErrCodeNotificationNotFound, ErrCodeResourceNotFound:
		return http.StatusNotFound
	case ErrCodeDuplicateLoan, ErrCodeAlreadyReturned, ErrCodeInvalidStatus, ErrCodeLoanOverdue,
		ErrCodeMaxRenewalsReached, ErrCodeNoFineDue, ErrCodeFineAlreadyPaid:
		return http.StatusConflict
	case ErrCodeAuthentication:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotificationSendFailed:
		return http.StatusBadGateway
	case ErrCodeExternalService:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "LOAN") || strings.Contains(codeStr, "RENEWAL") ||
		strings.Contains(codeStr, "FINE") || codeStr == string(ErrCodeUserInvalid) ||
		codeStr == string(ErrCodeBookUnavailable) || codeStr == string(ErrCodeAlreadyReturned) ||
		codeStr == string(ErrCodeInvalidStatus):
		return "LOAN"
	case strings.Contains(codeStr, "TEMPLATE"):
		return "TEMPLATE"
	case strings.Contains(codeStr, "NOTIFICATION") || strings.Contains(codeStr, "RECIPIENT"):
		return "NOTIFICATION"
	case strings.Contains(codeStr, "DATABASE") || strings.Contains(codeStr, "QUERY"):
		return "DATABASE"
	case strings.Contains(codeStr, "EXTERNAL") || strings.Contains(codeStr, "TIMEOUT"):
		return "COLLABORATOR"
	case strings.Contains(codeStr, "VALIDATION") || strings.Contains(codeStr, "MALFORMED"):
		return "VALIDATION"
	case strings.Contains(codeStr, "AUTH") || codeStr == string(ErrCodeForbidden):
		return "AUTH"
	default:
		return "OTHER"
	}
}
