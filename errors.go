package tappick

import (
	"errors"

	"github.com/SebastienMelki/tappick/internal/pipeline"
	"github.com/SebastienMelki/tappick/internal/transport"
)

// ErrorSeverity indicates how critical an error is.
type ErrorSeverity int

const (
	// SeverityDebug is informational and never reaches callbacks.
	SeverityDebug ErrorSeverity = iota
	// SeverityWarning is non-critical; the SDK keeps operating.
	SeverityWarning
	// SeverityCritical is a serious issue the host should look at.
	SeverityCritical
	// SeverityFatal means the client cannot operate.
	SeverityFatal
)

func (s ErrorSeverity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error codes for categorization.
const (
	ErrCodeInvalidConfig  = "INVALID_CONFIG"
	ErrCodeNetworkError   = "NETWORK_ERROR"
	ErrCodeServerError    = "SERVER_ERROR"
	ErrCodeClientRejected = "CLIENT_REJECTED"
	ErrCodeDiskError      = "DISK_ERROR"
	ErrCodeQueueFull      = "QUEUE_FULL"
	ErrCodeDecodeError    = "DECODE_ERROR"
)

// SDKError is a categorized error delivered to error callbacks.
type SDKError struct {
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Severity ErrorSeverity `json:"severity"`

	Err error `json:"-"`
}

// Error implements the error interface.
func (e *SDKError) Error() string {
	return e.Code + ": " + e.Message
}

// Unwrap returns the underlying error.
func (e *SDKError) Unwrap() error {
	return e.Err
}

func newSDKError(code string, severity ErrorSeverity, err error) *SDKError {
	return &SDKError{Code: code, Message: err.Error(), Severity: severity, Err: err}
}

// classify maps an internal failure onto an SDKError.
func classify(err error) *SDKError {
	var sdkErr *SDKError
	if errors.As(err, &sdkErr) {
		return sdkErr
	}

	switch {
	case errors.Is(err, pipeline.ErrQueueFull):
		return newSDKError(ErrCodeQueueFull, SeverityWarning, err)
	case errors.Is(err, pipeline.ErrPersist):
		return newSDKError(ErrCodeDiskError, SeverityCritical, err)
	case errors.Is(err, transport.ErrDecode), errors.Is(err, transport.ErrUnsuccessful):
		return newSDKError(ErrCodeDecodeError, SeverityWarning, err)
	case transport.IsClientError(err):
		return newSDKError(ErrCodeClientRejected, SeverityCritical, err)
	case transport.IsServerError(err):
		return newSDKError(ErrCodeServerError, SeverityWarning, err)
	default:
		return newSDKError(ErrCodeNetworkError, SeverityWarning, err)
	}
}
