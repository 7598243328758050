package ir

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode categorizes sync errors. Codes are stable strings so they can
// travel in HTTP error bodies and be matched by peers and the CLI.
type ErrorCode string

const (
	// ErrCodeSerialization indicates a payload could not be canonically encoded.
	// Fatal to the enclosing write transaction.
	ErrCodeSerialization ErrorCode = "SERIALIZATION_ERROR"

	// ErrCodeChecksumMismatch indicates a batch failed verification.
	// The batch is rejected as a whole and re-fetched.
	ErrCodeChecksumMismatch ErrorCode = "CHECKSUM_MISMATCH"

	// ErrCodePeerUnreachable indicates a network failure talking to a peer.
	// The session is aborted and the peer enters backoff.
	ErrCodePeerUnreachable ErrorCode = "PEER_UNREACHABLE"

	// ErrCodeConflictAlreadyResolved rejects a second resolution. Not retried.
	ErrCodeConflictAlreadyResolved ErrorCode = "CONFLICT_ALREADY_RESOLVED"

	// ErrCodeStorage wraps a durable store failure. The transaction was rolled back.
	ErrCodeStorage ErrorCode = "STORAGE_ERROR"

	ErrCodeConflictNotFound ErrorCode = "CONFLICT_NOT_FOUND"
	ErrCodeInvalidStrategy  ErrorCode = "INVALID_STRATEGY"
	ErrCodeSignatureInvalid ErrorCode = "SIGNATURE_INVALID"
	ErrCodeSchemaViolation  ErrorCode = "SCHEMA_VIOLATION"

	// ErrCodeInvalidRequest rejects a malformed API request or query.
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	// ErrCodeActorUnavailable is returned when the sync actor is stopped,
	// restarting, or crashed while handling the command.
	ErrCodeActorUnavailable ErrorCode = "ACTOR_UNAVAILABLE"

	// ErrCodeSessionTimeout indicates a peer went silent mid-session.
	ErrCodeSessionTimeout ErrorCode = "SESSION_TIMEOUT"
)

// SyncError is the typed error returned across the sync subsystem.
type SyncError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is matches another *SyncError by code, so sentinel comparisons work:
//
//	errors.Is(err, &ir.SyncError{Code: ir.ErrCodeChecksumMismatch})
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus maps the error code to the status the API responds with.
func (e *SyncError) HTTPStatus() int {
	switch e.Code {
	case ErrCodeConflictAlreadyResolved:
		return http.StatusConflict
	case ErrCodeConflictNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidStrategy, ErrCodeSchemaViolation, ErrCodeSerialization, ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodePeerUnreachable, ErrCodeChecksumMismatch, ErrCodeSignatureInvalid:
		return http.StatusBadGateway
	case ErrCodeActorUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeSessionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewSyncError creates a SyncError.
func NewSyncError(code ErrorCode, message string, err error) *SyncError {
	return &SyncError{Code: code, Message: message, Err: err}
}

// NewSerializationError wraps an encoding failure.
func NewSerializationError(what string, err error) *SyncError {
	return &SyncError{Code: ErrCodeSerialization, Message: what, Err: err}
}

// NewChecksumMismatch reports a failed verification.
func NewChecksumMismatch(detail string) *SyncError {
	return &SyncError{Code: ErrCodeChecksumMismatch, Message: detail}
}

// NewPeerUnreachable wraps a transport failure for a peer.
func NewPeerUnreachable(peer string, err error) *SyncError {
	return &SyncError{Code: ErrCodePeerUnreachable, Message: "peer " + peer, Err: err}
}

// NewStorageError wraps a store failure.
func NewStorageError(op string, err error) *SyncError {
	return &SyncError{Code: ErrCodeStorage, Message: op, Err: err}
}

// CodeOf returns the code of the first SyncError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsCode reports whether err carries a SyncError with the given code.
// Uses errors.As to handle wrapped errors.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
