package domain

import (
	"errors"
	"fmt"
)

// Failure sentinels for one streamed exchange. The retry orchestrator classifies every
// attempt failure into exactly one of the first four.
var (
	ErrTransportFailure     = fmt.Errorf("transport failure")
	ErrProtocol             = fmt.Errorf("protocol error")
	ErrTimeout              = fmt.Errorf("operation timed out")
	ErrAborted              = fmt.Errorf("aborted")
	ErrNoActiveConversation = fmt.Errorf("no active conversation")
)

// Sentinel errors for the rest of the client.
var (
	ErrExchangeInFlight = fmt.Errorf("exchange already in flight")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrAPI              = fmt.Errorf("api request failed")
	ErrAuthInvalid      = fmt.Errorf("authentication failed")
	ErrNotFound         = fmt.Errorf("not found")
	ErrConfigLoad       = fmt.Errorf("failed to load configuration")
	ErrDecryption       = fmt.Errorf("decryption failed")
	ErrEncryption       = fmt.Errorf("encryption operation failed")
	ErrStore            = fmt.Errorf("message store failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Controller.Send")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "stream", "api"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a failure class the orchestrator may retry.
// Aborted and precondition failures are never retryable.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, ErrAborted) {
		return false
	}
	return errors.Is(err, ErrTransportFailure) ||
		errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for logs and metrics labels.
type ErrorCode string

const (
	CodeUnknown               ErrorCode = "UNKNOWN"
	CodeTransportFailure      ErrorCode = "TRANSPORT_FAILURE"
	CodeProtocol              ErrorCode = "PROTOCOL_ERROR"
	CodeTimeout               ErrorCode = "TIMEOUT"
	CodeAborted               ErrorCode = "ABORTED"
	CodeNoActiveConversation  ErrorCode = "NO_ACTIVE_CONVERSATION"
	CodeExchangeInFlight      ErrorCode = "EXCHANGE_IN_FLIGHT"
	CodeInvalidInput          ErrorCode = "INVALID_INPUT"
	CodeAPI                   ErrorCode = "API_ERROR"
	CodeAuthInvalid           ErrorCode = "AUTH_INVALID"
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodeConfigLoad            ErrorCode = "CONFIG_LOAD"
	CodeDecryption            ErrorCode = "DECRYPTION"
	CodeEncryption            ErrorCode = "ENCRYPTION"
	CodeStore                 ErrorCode = "STORE"
	CodeStreamStalledTimeout  ErrorCode = "STREAM_STALLED_TIMEOUT"
	CodeAPIConversationAbsent ErrorCode = "API_CONVERSATION_NOT_FOUND"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
// Order of evaluation in ErrorCodeOf is by errorCodeOrder, so that an error wrapping
// several sentinels resolves to the most specific one.
var errorCodeMap = map[error]ErrorCode{
	ErrAborted:              CodeAborted,
	ErrTimeout:              CodeTimeout,
	ErrProtocol:             CodeProtocol,
	ErrTransportFailure:     CodeTransportFailure,
	ErrNoActiveConversation: CodeNoActiveConversation,
	ErrExchangeInFlight:     CodeExchangeInFlight,
	ErrInvalidInput:         CodeInvalidInput,
	ErrAuthInvalid:          CodeAuthInvalid,
	ErrNotFound:             CodeNotFound,
	ErrAPI:                  CodeAPI,
	ErrConfigLoad:           CodeConfigLoad,
	ErrDecryption:           CodeDecryption,
	ErrEncryption:           CodeEncryption,
	ErrStore:                CodeStore,
}

var errorCodeOrder = []error{
	ErrAborted,
	ErrTimeout,
	ErrProtocol,
	ErrTransportFailure,
	ErrNoActiveConversation,
	ErrExchangeInFlight,
	ErrInvalidInput,
	ErrAuthInvalid,
	ErrNotFound,
	ErrAPI,
	ErrConfigLoad,
	ErrDecryption,
	ErrEncryption,
	ErrStore,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific codes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrTimeout: {
		"liveness": CodeStreamStalledTimeout,
	},
	ErrNotFound: {
		"api": CodeAPIConversationAbsent,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, sentinel := range errorCodeOrder {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
