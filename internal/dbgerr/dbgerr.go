// Package dbgerr defines the daemon's typed error taxonomy (spec §7).
//
// Every fallible boundary in the daemon returns (or wraps) one of the codes
// below so the command dispatcher can always produce a typed
// {ok:false, errorCode, error} response instead of leaking an opaque string.
package dbgerr

import "errors"

// Code is a stable, machine-comparable error classification.
type Code string

const (
	// Transport (spec §4.1-4.2, §7)
	TransportClosed        Code = "TRANSPORT_CLOSED"
	ProcessExited          Code = "PROCESS_EXITED"
	RequestTimeout         Code = "REQUEST_TIMEOUT"
	ProtocolHeaderInvalid  Code = "PROTOCOL_HEADER_INVALID"
	ProtocolJSONInvalid    Code = "PROTOCOL_JSON_INVALID"
	ProtocolMessageInvalid Code = "PROTOCOL_MESSAGE_INVALID"
	RequestFailed          Code = "REQUEST_FAILED"

	// Executor / session (spec §4.3, §7)
	NotConnected        Code = "NOT_CONNECTED"
	SessionTerminated   Code = "SESSION_TERMINATED"
	NoActiveThread      Code = "NO_ACTIVE_THREAD"
	UnknownScript       Code = "UNKNOWN_SCRIPT"
	WaitForPauseTimeout Code = "WAIT_FOR_PAUSE_TIMEOUT"
	StopProcessingFailed Code = "STOP_PROCESSING_FAILED"
	AttachFailed        Code = "ATTACH_FAILED"
	InvalidPID          Code = "INVALID_PID"
	InvalidGDBRemotePort Code = "INVALID_GDB_REMOTE_PORT"

	// Provider / attach resolution (spec §7)
	InvalidRequest        Code = "invalid_request"
	DeviceNotFound         Code = "device_not_found"
	AppNotInstalled        Code = "app_not_installed"
	ProcessNotRunning      Code = "process_not_running"
	AttachDeniedOrTimeout  Code = "attach_denied_or_timeout"
	ProviderError          Code = "provider_error"

	// Query engine (spec §4.7, §7)
	UnknownTable        Code = "unknown table"
	MissingRequiredFilter Code = "missing required filter"
	UnknownColumn       Code = "unknown column"
	ParseError          Code = "parse error"

	// Daemon / registry
	SessionNotFound     Code = "SESSION_NOT_FOUND"
	SessionAmbiguous    Code = "SESSION_AMBIGUOUS"
	SessionNameTaken    Code = "SESSION_NAME_TAKEN"
	InvalidCommand      Code = "INVALID_COMMAND"
)

// Error is a code-carrying error. It wraps an underlying cause so
// errors.Unwrap / errors.Is still work against the original error chain.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no further cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Wrap builds an Error carrying an underlying cause.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error; ok is false otherwise.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
