package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Standard error types that can be used throughout the application
var (
	// Standard error sentinel values
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternalError      = errors.New("internal error")
	ErrTimeout            = errors.New("operation timed out")
	ErrUnavailable        = errors.New("service unavailable")
	ErrFailedPrecondition = errors.New("failed precondition")
	ErrCanceled           = errors.New("operation canceled")

	// Domain-specific error sentinel values
	ErrDeviceAccess        = errors.New("capture device unavailable")
	ErrDetectorUnavailable = errors.New("detector unavailable")
	ErrTransport           = errors.New("audio uplink failure")
	ErrSubmission          = errors.New("session log submission failed")
	ErrRecognition         = errors.New("speech recognition failed")
	ErrSessionActive       = errors.New("practice session already active")
	ErrSessionNotActive    = errors.New("no active practice session")
)

// Error represents a structured error with stack trace and additional context
type Error struct {
	// original is the underlying error
	original error

	// message is the error message
	message string

	// fields contains contextual information
	fields map[string]interface{}

	// stackPC is the program counter for the error's creation
	stackPC uintptr

	// file and line record where the error was created
	file string
	line int

	// Code is an optional error code for categorization
	Code string
}

func newError(original error, message, code string, skip int, fields []map[string]interface{}) *Error {
	pc, file, line, _ := runtime.Caller(skip)

	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			fieldMap[k] = v
		}
	}

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		stackPC:  pc,
		file:     file,
		line:     line,
		Code:     code,
	}
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return newError(errors.New(message), message, "", 2, fields)
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return newError(err, message, "", 2, fields)
}

// WithField adds a single field to the error context
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	return e.WithFields(map[string]interface{}{key: value})
}

// WithFields adds multiple fields to the error context
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}

	// Create a copy to avoid modifying the original
	result := *e
	result.fields = make(map[string]interface{}, len(e.fields)+len(fields))
	for k, v := range e.fields {
		result.fields[k] = v
	}
	for k, v := range fields {
		result.fields[k] = v
	}

	return &result
}

// WithCode adds an error code to the error
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}

	result := *e
	result.Code = code
	return &result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}

	if e.message == "" || e.message == e.original.Error() {
		return e.original.Error()
	}

	// Include both our message and the original error
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}

	// Extract just the filename without the full path
	parts := strings.Split(e.file, "/")
	filename := parts[len(parts)-1]

	return fmt.Sprintf("%s:%d", filename, e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// Is reports whether any error in err's tree matches target.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}

	if errors.Is(e.original, target) {
		return true
	}

	return e == target
}

// AsJSON returns the error in JSON-friendly map format
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}

	result := map[string]interface{}{
		"message":  e.Error(),
		"location": e.Location(),
	}

	if e.Code != "" {
		result["code"] = e.Code
	}

	if len(e.fields) > 0 {
		result["context"] = e.fields
	}

	return result
}

// kinded builds a structured error whose chain contains both the sentinel and the cause.
func kinded(kind error, cause error, message, code string, fields map[string]interface{}) *Error {
	original := kind
	if cause != nil {
		original = fmt.Errorf("%w: %w", kind, cause)
	}
	return newError(original, message, code, 3, []map[string]interface{}{fields})
}

// NewDeviceAccess reports that a camera or microphone could not be acquired.
func NewDeviceAccess(device string, cause error) *Error {
	return kinded(ErrDeviceAccess, cause,
		fmt.Sprintf("cannot access %s", device), "DEVICE_ACCESS",
		map[string]interface{}{"device": device})
}

// NewDetectorUnavailable reports that a pose or expression model could not be loaded or reached.
func NewDetectorUnavailable(detector string, cause error) *Error {
	return kinded(ErrDetectorUnavailable, cause,
		fmt.Sprintf("%s detector unavailable", detector), "DETECTOR_UNAVAILABLE",
		map[string]interface{}{"detector": detector})
}

// NewTransport reports an uplink connection that failed to open or dropped.
func NewTransport(sessionID string, cause error) *Error {
	return kinded(ErrTransport, cause, "audio uplink failure", "TRANSPORT",
		map[string]interface{}{"session_id": sessionID})
}

// NewSubmission reports a snapshot that did not reach the session log service.
func NewSubmission(sessionID string, cause error) *Error {
	return kinded(ErrSubmission, cause, "session log submission failed", "SUBMISSION",
		map[string]interface{}{"session_id": sessionID})
}

// NewRecognition reports a failed speech recognition stream.
func NewRecognition(provider string, cause error) *Error {
	return kinded(ErrRecognition, cause, "speech recognition failed", "RECOGNITION",
		map[string]interface{}{"provider": provider})
}

// NewInvalidInput creates a new ErrInvalidInput error with additional context
func NewInvalidInput(message string, fields ...map[string]interface{}) *Error {
	return newError(ErrInvalidInput, message, "INVALID_INPUT", 2, fields)
}

// NewSessionActive creates a new ErrSessionActive error
func NewSessionActive(fields ...map[string]interface{}) *Error {
	return newError(ErrSessionActive, "", "SESSION_ACTIVE", 2, fields)
}

// NewSessionNotActive creates a new ErrSessionNotActive error
func NewSessionNotActive(fields ...map[string]interface{}) *Error {
	return newError(ErrSessionNotActive, "", "SESSION_NOT_ACTIVE", 2, fields)
}

// IsBlocking reports whether err removes the video feed and must stop the run.
// Transport, submission and recognition failures never abort a session.
func IsBlocking(err error) bool {
	return errors.Is(err, ErrDeviceAccess) || errors.Is(err, ErrDetectorUnavailable)
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}

// GetErrorLocation extracts location from an error if it's a structured error
func GetErrorLocation(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Location()
	}
	return ""
}
