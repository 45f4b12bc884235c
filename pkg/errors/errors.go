// Package errors provides the dispatcher's coded error taxonomy.
// Codes group into categories that decide how far a failure may travel:
// everything but a fatal error is absorbed by the owning activity lane.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code identifies an error for programmatic handling.
type Code string

const (
	// Input rejection (1xx)
	CodeInvalidName     Code = "E101"
	CodeOwnerLookup     Code = "E102"
	CodeUnsupportedKind Code = "E103"
	CodeSniffFailed     Code = "E104"

	// Resource exhaustion (2xx)
	CodeReserveTimeout Code = "E201"

	// Execution (3xx)
	CodeWorkDirExists  Code = "E301"
	CodeStagingFailed  Code = "E302"
	CodeSpawnFailed    Code = "E303"
	CodeScriptFailed   Code = "E304"
	CodeDeliveryFailed Code = "E305"

	// Reporting (4xx)
	CodeStatusWrite Code = "E401"
	CodeQueueWrite  Code = "E402"

	// Fatal (5xx)
	CodeWatchFailed      Code = "E501"
	CodeConfigInvalid    Code = "E502"
	CodeProbeUnavailable Code = "E503"

	CodeUnknown Code = "E999"
)

// Category is the failure class of a code.
type Category string

const (
	CategoryInput     Category = "input"
	CategoryResource  Category = "resource"
	CategoryExecution Category = "execution"
	CategoryReporting Category = "reporting"
	CategoryFatal     Category = "fatal"
	CategoryUnknown   Category = "unknown"
)

// SrvrsError is the base error type for dispatcher failures.
type SrvrsError struct {
	Code    Code
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *SrvrsError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *SrvrsError) Unwrap() error {
	return e.Cause
}

// Is matches another SrvrsError by code.
func (e *SrvrsError) Is(target error) bool {
	if t, ok := target.(*SrvrsError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds a key/value pair to the error.
func (e *SrvrsError) WithContext(key string, value interface{}) *SrvrsError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new SrvrsError.
func New(code Code, message string) *SrvrsError {
	return &SrvrsError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new SrvrsError with a formatted message.
func Newf(code Code, format string, args ...interface{}) *SrvrsError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code Code, message string) *SrvrsError {
	if err == nil {
		return nil
	}

	return &SrvrsError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *SrvrsError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var sErr *SrvrsError
	if errors.As(err, &sErr) {
		return sErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var sErr *SrvrsError
	if errors.As(err, &sErr) {
		return sErr.Code
	}
	return CodeUnknown
}

// CategoryOf maps an error to its failure class.
func CategoryOf(err error) Category {
	code := GetCode(err)
	if code == CodeUnknown {
		return CategoryUnknown
	}
	switch code[1] {
	case '1':
		return CategoryInput
	case '2':
		return CategoryResource
	case '3':
		return CategoryExecution
	case '4':
		return CategoryReporting
	case '5':
		return CategoryFatal
	default:
		return CategoryUnknown
	}
}

// IsFatal returns true if the error must end the owning lane.
func IsFatal(err error) bool {
	return CategoryOf(err) == CategoryFatal
}

// Detail returns the message of a coded error without code or cause, for
// user-facing surfaces such as the status file. Uncoded errors render whole.
func Detail(err error) string {
	var sErr *SrvrsError
	if errors.As(err, &sErr) {
		if sErr.Cause != nil {
			return sErr.Message + ": " + sErr.Cause.Error()
		}
		return sErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
