package uprelay

import "errors"

// Sentinel errors for relay execution operations.
var (
	// ErrSignatureMismatch indicates local self-verification failed: the
	// recovered signer does not match the controller. Always a caller-side
	// bug, never retried.
	ErrSignatureMismatch = errors.New("uprelay: recovered signer does not match controller")

	// ErrPermissionDenied indicates the controller lacks a permission bit
	// required by the intended action.
	ErrPermissionDenied = errors.New("uprelay: controller lacks required permission")

	// ErrRelayUnauthorized indicates the relay service rejected the
	// controller's signature as unauthorized.
	ErrRelayUnauthorized = errors.New("uprelay: relay rejected controller as unauthorized")

	// ErrQuotaExceeded indicates the relay's gasless-execution allowance is
	// exhausted. The direct path is unaffected.
	ErrQuotaExceeded = errors.New("uprelay: relay execution quota exceeded")

	// ErrNonceStale indicates another envelope already consumed this nonce.
	// The caller must rebuild with a fresh nonce.
	ErrNonceStale = errors.New("uprelay: nonce already consumed")

	// ErrValidityExpired indicates the envelope's validity window elapsed.
	ErrValidityExpired = errors.New("uprelay: envelope validity window elapsed")

	// ErrNetworkUnavailable indicates a transient I/O failure. Safe to retry
	// the same unsubmitted envelope, never safe once submission may have
	// occurred.
	ErrNetworkUnavailable = errors.New("uprelay: network unavailable")

	// ErrExecutionReverted indicates the call reverted on-chain for a cause
	// outside the relay taxonomy.
	ErrExecutionReverted = errors.New("uprelay: execution reverted")

	// ErrInvalidKey indicates an invalid controller private key.
	ErrInvalidKey = errors.New("uprelay: invalid private key")

	// ErrInvalidCall indicates a call that fails construction-time
	// validation.
	ErrInvalidCall = errors.New("uprelay: invalid call")

	// ErrInvalidEnvelope indicates an envelope the relay or chain interface
	// cannot accept as formed.
	ErrInvalidEnvelope = errors.New("uprelay: invalid envelope")

	// ErrInvalidNetwork indicates an unknown network name or chain id.
	ErrInvalidNetwork = errors.New("uprelay: unknown network")

	// ErrRelayUnavailable indicates the relay service could not be reached.
	ErrRelayUnavailable = errors.New("uprelay: relay service unavailable")
)

// ErrorCode classifies execution failures for programmatic handling.
type ErrorCode string

const (
	// CodeSignatureMismatch: local signature self-verification failed.
	CodeSignatureMismatch ErrorCode = "SIGNATURE_MISMATCH"

	// CodePermissionDenied: a required permission bit is missing.
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// CodeRelayUnauthorized: the relay's signature-acceptance check failed.
	CodeRelayUnauthorized ErrorCode = "RELAY_UNAUTHORIZED"

	// CodeQuotaExceeded: the relay allowance is exhausted.
	CodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"

	// CodeNonceStale: the envelope's nonce was already consumed.
	CodeNonceStale ErrorCode = "NONCE_STALE"

	// CodeValidityExpired: the envelope's time window elapsed.
	CodeValidityExpired ErrorCode = "VALIDITY_EXPIRED"

	// CodeNetworkError: transient network failure.
	CodeNetworkError ErrorCode = "NETWORK_ERROR"

	// CodeExecutionReverted: on-chain revert outside the taxonomy.
	CodeExecutionReverted ErrorCode = "EXECUTION_REVERTED"

	// CodeInvalidEnvelope: the envelope was rejected as malformed.
	CodeInvalidEnvelope ErrorCode = "INVALID_ENVELOPE"
)

// ExecutionError provides structured error information for a failed
// execution.
type ExecutionError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message. Fatal errors name the
	// specific missing permission or protocol condition.
	Message string

	// Details contains additional error context. The "submitted" key, when
	// true, marks an outcome-unknown failure: the envelope may already be
	// pending on-chain and its nonce must not be reused until checked.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError creates an ExecutionError with the given code and
// message.
func NewExecutionError(code ErrorCode, message string, err error) *ExecutionError {
	return &ExecutionError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *ExecutionError) WithDetails(key string, value interface{}) *ExecutionError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Submitted reports whether the failure occurred after the envelope may have
// reached the network, in which case its nonce must not be reused until the
// outcome is checked.
func (e *ExecutionError) Submitted() bool {
	v, ok := e.Details["submitted"].(bool)
	return ok && v
}

// CodeOf extracts the ErrorCode from err, or returns an empty code if err is
// not an ExecutionError.
func CodeOf(err error) ErrorCode {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Code
	}
	return ""
}
