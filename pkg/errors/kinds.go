package errors

import (
	"errors"
)

// MsgAlreadyRunning is shown to the user when a launch is refused
const MsgAlreadyRunning = "Pure-Data is already running."

// Sentinel errors for the bridge error taxonomy. Every ContextualError built
// by the constructors below wraps one of them, so errors.Is works across
// Wrap calls.
var (
	ErrAlreadyRunning = errors.New(MsgAlreadyRunning)
	ErrLaunch         = errors.New("Pure-Data could not be launched")
	ErrDuplicateName  = errors.New("name already used in this document")
	ErrConnection     = errors.New("bridge connection error")
	ErrNotFound       = errors.New("not found")
	ErrNotConnected   = errors.New("Pure-Data is not connected")
)

// newKind builds a ContextualError around a sentinel
func newKind(sentinel error, code, message string, fields map[string]interface{}) error {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	return &ContextualError{
		Original: sentinel,
		Message:  message,
		Code:     code,
		Fields:   fields,
		Stack:    captureStack(3),
	}
}

// AlreadyRunning returns an AlreadyRunningError
func AlreadyRunning(message string) error {
	return newKind(ErrAlreadyRunning, ErrorCodeAlreadyRunning, message, nil)
}

// Launch returns a LaunchError for the given executable
func Launch(path string, cause error) error {
	fields := map[string]interface{}{"executable": path}
	message := "cannot spawn " + path
	if cause != nil {
		message += ": " + cause.Error()
	}
	return newKind(ErrLaunch, ErrorCodeLaunch, message, fields)
}

// LaunchAlreadyRunning returns a LaunchError that also matches ErrAlreadyRunning
func LaunchAlreadyRunning(path string, pid int) error {
	return newKind(errors.Join(ErrLaunch, ErrAlreadyRunning), ErrorCodeLaunch, "cannot spawn "+path,
		map[string]interface{}{"executable": path, "pid": pid})
}

// DuplicateName returns a DuplicateNameError for the given include name
func DuplicateName(name string) error {
	return newKind(ErrDuplicateName, ErrorCodeDuplicateName, "include "+name+" already exists",
		map[string]interface{}{"include": name})
}

// Connection returns a ConnectionError
func Connection(cause error, message string) error {
	fields := make(map[string]interface{})
	if cause != nil {
		fields[FieldError] = cause.Error()
	}
	return newKind(ErrConnection, ErrorCodeConnection, message, fields)
}

// NotFound returns a not found error for the given include or document name
func NotFound(name string) error {
	return newKind(ErrNotFound, ErrorCodeNotFound, name, nil)
}

// UserMessage returns the text to show at the UI boundary
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyRunning):
		return MsgAlreadyRunning
	default:
		return err.Error()
	}
}
