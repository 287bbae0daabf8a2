package uprelay

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType represents the type of execution event.
type EventType string

const (
	// EventAttempt indicates a submission is being attempted on a path.
	EventAttempt EventType = "attempt"

	// EventFallback indicates the relay rejected the envelope and the engine
	// is retrying it on the direct path.
	EventFallback EventType = "fallback"

	// EventSuccess indicates an execution succeeded.
	EventSuccess EventType = "success"

	// EventFailure indicates an execution terminally failed.
	EventFailure EventType = "failure"
)

// ExecutionEvent is an execution lifecycle notification for logging,
// monitoring, and debugging. Events never carry key material.
type ExecutionEvent struct {
	// Type is the event type.
	Type EventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// Path is the submission path the event refers to.
	Path Path

	// Account is the profile being acted on.
	Account common.Address

	// Channel is the nonce channel in use.
	Channel uint32

	// Nonce is the envelope's nonce as a decimal string.
	Nonce string

	// TxHash is the transaction reference, when one exists.
	TxHash common.Hash

	// Code is the failure classification for failure events.
	Code ErrorCode

	// Error is the failure message for failure events.
	Error string
}

// EventHandler receives execution lifecycle events. Handlers are called
// synchronously from the executing flow and must not block.
type EventHandler func(ExecutionEvent)
