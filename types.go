package uprelay

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/emmet-bot/openclaw-universalprofile-skill/internal/eip191"
)

// Identity ties together the three addresses involved in a relay execution.
type Identity struct {
	// Controller is the signing key's address.
	Controller common.Address

	// Account is the profile being acted on.
	Account common.Address

	// Validator is the account's key manager, used as the intended validator
	// in the signing digest. It is resolved from the chain per execution and
	// never cached across executions, since an account may change its
	// manager.
	Validator common.Address
}

// ValidityWindow restricts when a signed envelope is acceptable on-chain.
// The zero value means unrestricted.
type ValidityWindow struct {
	// NotBefore is the unix timestamp from which the envelope is valid.
	// Zero means no lower bound.
	NotBefore uint64

	// NotAfter is the unix timestamp after which the envelope expires.
	// Zero means no upper bound.
	NotAfter uint64
}

// IsZero reports whether the window is unrestricted.
func (w ValidityWindow) IsZero() bool {
	return w.NotBefore == 0 && w.NotAfter == 0
}

// Contains reports whether t falls inside the window.
func (w ValidityWindow) Contains(t time.Time) bool {
	ts := uint64(t.Unix())
	if w.NotBefore != 0 && ts < w.NotBefore {
		return false
	}
	if w.NotAfter != 0 && ts > w.NotAfter {
		return false
	}
	return true
}

// Pack returns the window as the single word the key manager expects:
// NotBefore in the upper 128 bits, NotAfter in the lower 128 bits.
func (w ValidityWindow) Pack() *big.Int {
	return eip191.PackValidityTimestamps(w.NotBefore, w.NotAfter)
}

// Envelope is the tuple that is packed into the relay call message and
// signed. Payload is an opaque pre-encoded call against the account.
type Envelope struct {
	// Version is the relay call message version (RelayCallVersion).
	Version uint64

	// ChainID is the chain the envelope is bound to.
	ChainID *big.Int

	// Nonce is the (channel-scoped) sequence number read from the key
	// manager immediately before signing.
	Nonce *big.Int

	// Channel is the nonce channel the envelope was built for.
	Channel uint32

	// Validity restricts when the envelope may be executed.
	Validity ValidityWindow

	// Value is the native-currency amount accompanying the call, in wei.
	Value *big.Int

	// Payload is the pre-encoded call against the account.
	Payload []byte
}

// Encode packs the envelope into the canonical relay call message.
func (e *Envelope) Encode() ([]byte, error) {
	return eip191.EncodeExecuteRelayCall(e.Version, e.ChainID, e.Nonce, e.Validity.Pack(), e.Value, e.Payload)
}

// Digest computes the envelope's signing digest for the given intended
// validator.
func (e *Envelope) Digest(validator common.Address) (common.Hash, error) {
	message, err := e.Encode()
	if err != nil {
		return common.Hash{}, err
	}
	return eip191.IntendedValidatorDigest(validator, message), nil
}

// SignedEnvelope is an Envelope plus its 65-byte recoverable signature and
// the context it was signed in.
type SignedEnvelope struct {
	Envelope

	// Signature is the r || s || v signature over Digest, v in {27, 28}.
	Signature []byte

	// Digest is the signed intended-validator digest.
	Digest common.Hash

	// Signer is the controller address the signature recovers to. Recovery
	// is checked at signing time; an envelope whose signature does not
	// recover to Signer is never constructed.
	Signer common.Address

	// Account is the profile the envelope executes against.
	Account common.Address

	// Validator is the key manager the digest committed to.
	Validator common.Address
}

// Outcome is the terminal state of one submission attempt.
type Outcome string

const (
	// OutcomeSuccess indicates the call executed on-chain.
	OutcomeSuccess Outcome = "success"

	// OutcomeFailed indicates the call terminally failed.
	OutcomeFailed Outcome = "failed"
)

// Path identifies which submission path produced a result.
type Path string

const (
	// PathRelay is the gasless relay service path.
	PathRelay Path = "relay"

	// PathDirect is the gas-paying on-chain path.
	PathDirect Path = "direct"
)

// ExecutionResult is the normalized outcome of an execution.
type ExecutionResult struct {
	// Outcome is success or failed.
	Outcome Outcome

	// TxHash is the transaction reference, when one exists.
	TxHash common.Hash

	// GasUsed is the gas consumed by a mined transaction (direct path only).
	GasUsed uint64

	// Path is the submission path that produced this result.
	Path Path

	// FailureClass is the classified cause when Outcome is failed.
	FailureClass ErrorCode
}

// QuotaInfo is the relay service's remaining gasless-execution allowance for
// an account. It is advisory input to caller policy, not enforced locally.
type QuotaInfo struct {
	// Remaining is the unused allowance.
	Remaining int64

	// Total is the full allowance per period.
	Total int64

	// Unit names what the allowance is measured in (e.g., "gas").
	Unit string

	// ResetAt is when the allowance resets.
	ResetAt time.Time
}
