package uprelay

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Signer produces 65-byte recoverable signatures with the controller's key.
// Implementations must self-verify: SignDigest recovers the signature it
// produced and fails with ErrSignatureMismatch rather than returning a
// signature that does not recover to Address. The engine re-checks recovery
// regardless, so a misbehaving implementation is caught before any network
// call.
type Signer interface {
	// Address returns the controller address.
	Address() common.Address

	// SignDigest signs an already-hashed digest, returning r || s || v with
	// v in {27, 28}.
	SignDigest(digest common.Hash) ([]byte, error)
}

// ChainReader reads the authoritative on-chain state the engine depends on.
type ChainReader interface {
	// Nonce returns the next usable sequence number for (signer, channel) on
	// the given key manager. Callers must not cache the value across
	// submissions.
	Nonce(ctx context.Context, validator, signer common.Address, channel uint32) (*big.Int, error)

	// Permissions returns controller's permission mask on account.
	Permissions(ctx context.Context, account, controller common.Address) (Permissions, error)

	// ValidatorOf resolves the key manager currently registered to account.
	ValidatorOf(ctx context.Context, account common.Address) (common.Address, error)
}

// ChainWriter submits signed envelopes on-chain on the controller's own gas.
type ChainWriter interface {
	// ExecuteRelayCall submits env as a gas-paying transaction against its
	// validator, waits for inclusion, and reads back the execution receipt.
	// A mined-but-reverted call returns a failed ExecutionResult together
	// with an *ExecutionError classifying the revert.
	ExecuteRelayCall(ctx context.Context, env *SignedEnvelope) (*ExecutionResult, error)
}

// RelaySubmitter submits signed envelopes to an off-chain relay service that
// covers the gas cost.
type RelaySubmitter interface {
	// Execute submits env to the relay and returns the resulting transaction
	// reference. Rejections are returned as *ExecutionError values the
	// router classifies by Code.
	Execute(ctx context.Context, env *SignedEnvelope) (common.Hash, error)

	// Quota returns the account's remaining gasless-execution allowance,
	// proving control of the account with a signed timestamp.
	Quota(ctx context.Context, account common.Address, signer Signer) (*QuotaInfo, error)
}
