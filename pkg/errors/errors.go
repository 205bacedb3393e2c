package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Media acquisition errors
	ErrCodePermissionDenied ErrorCode = "MEDIA_PERMISSION_DENIED"
	ErrCodeDeviceNotFound   ErrorCode = "MEDIA_DEVICE_NOT_FOUND"
	ErrCodeConstraints      ErrorCode = "MEDIA_CONSTRAINTS_UNSATISFIABLE"

	// Negotiation errors
	ErrCodeNegotiation ErrorCode = "NEGOTIATION_ERROR"

	// Transport errors
	ErrCodeTransportFailed ErrorCode = "TRANSPORT_FAILED"

	// Signaling channel errors
	ErrCodeSignalingDisconnected ErrorCode = "SIGNALING_DISCONNECTED"
	ErrCodeSignalingSend         ErrorCode = "SIGNALING_SEND_FAILED"

	// Call lifecycle errors
	ErrCodePeerBusy     ErrorCode = "PEER_BUSY"
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"
	ErrCodeInvalidState ErrorCode = "INVALID_CALL_STATE"

	// Consent errors (negative outcomes, not failures)
	ErrCodeConsentDenied  ErrorCode = "CONSENT_DENIED"
	ErrCodeConsentTimeout ErrorCode = "CONSENT_TIMEOUT"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a structured application error with code and message
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Media errors
func PermissionDeniedError(kind string) *AppError {
	return New(ErrCodePermissionDenied, fmt.Sprintf("Permission to use %s was denied", kind))
}

func DeviceNotFoundError(deviceID string) *AppError {
	return New(ErrCodeDeviceNotFound, fmt.Sprintf("Device %s not found", deviceID))
}

func ConstraintsError(message string) *AppError {
	return New(ErrCodeConstraints, message)
}

// Negotiation errors
func NegotiationError(message string) *AppError {
	return New(ErrCodeNegotiation, message)
}

func NegotiationWrap(message string, err error) *AppError {
	return Wrap(ErrCodeNegotiation, message, err)
}

// Transport errors
func TransportFailedError(message string) *AppError {
	return New(ErrCodeTransportFailed, message)
}

// Signaling errors
func SignalingDisconnectedError(reason string) *AppError {
	return New(ErrCodeSignalingDisconnected, fmt.Sprintf("Signaling channel disconnected: %s", reason))
}

func SignalingSendError(err error) *AppError {
	return Wrap(ErrCodeSignalingSend, "Failed to send signaling message", err)
}

// Call lifecycle errors
func PeerBusyError(peerID string) *AppError {
	return New(ErrCodePeerBusy, fmt.Sprintf("Peer %s already has an active call", peerID))
}

func CallNotFoundError() *AppError {
	return New(ErrCodeCallNotFound, "Call not found")
}

func InvalidStateError(message string) *AppError {
	return New(ErrCodeInvalidState, message)
}

// Consent outcomes
func ConsentDeniedError(capability string) *AppError {
	return New(ErrCodeConsentDenied, fmt.Sprintf("Consent for %s was denied", capability))
}

func ConsentTimeoutError(capability string) *AppError {
	return New(ErrCodeConsentTimeout, fmt.Sprintf("Consent prompt for %s timed out", capability))
}

// Internal errors
func InternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// IsCode reports whether err is (or wraps) an AppError with the given code
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrCodeInternal, err.Error(), err)
}
