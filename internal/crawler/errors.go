package crawler

import (
	"errors"
	"fmt"
)

// ErrorCode is the stable, machine-readable classification of a failure.
// Codes double as dead-letter and retry reasons.
type ErrorCode string

// Error codes surfaced by drivers, engines and the job queue.
const (
	CodeFetchTimeout       ErrorCode = "FETCH_TIMEOUT"
	CodeFetchFail          ErrorCode = "FETCH_FAIL"
	CodeParseFail          ErrorCode = "PARSE_FAIL"
	CodeHeadlessDisabled   ErrorCode = "HEADLESS_DISABLED"
	CodeMissingCorrelation ErrorCode = "MISSING_CORRELATION"
	CodeMissingCustomerID  ErrorCode = "MISSING_CUSTOMER_ID"
	CodeValidationFail     ErrorCode = "VALIDATION_FAIL"
	CodeCrash              ErrorCode = "CRASH"
)

var (
	// ErrHeadlessDisabled is returned by the headless driver when the
	// capability is switched off.
	ErrHeadlessDisabled = &Error{Code: CodeHeadlessDisabled, Op: "headless"}
	// ErrNotFound indicates a missing data source or record.
	ErrNotFound = errors.New("not found")
)

// Error carries an ErrorCode alongside the operation and cause.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

// NewError wraps err with a code and operation name.
func NewError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Errorf builds an Error whose cause is a formatted message.
func Errorf(code ErrorCode, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so errors.Is(err, ErrHeadlessDisabled)
// holds for any headless-disabled failure regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Err == nil && t.Code == e.Code
}

// CodeOf extracts the ErrorCode from err. Unclassified errors are CRASH.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeCrash
}

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	switch CodeOf(err) {
	case CodeValidationFail, CodeMissingCorrelation, CodeMissingCustomerID:
		return true
	default:
		return false
	}
}
