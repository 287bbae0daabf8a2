// Package uprelay executes calls against an ERC-725 smart account ("profile")
// on behalf of a controller key, through the account's LSP-6 key manager.
//
// The engine builds the LSP-25 relay call message for a call payload, signs
// the EIP-191 intended-validator digest with the controller's key, verifies
// the signature locally, and dispatches the signed envelope either to a
// gasless relay service or directly on-chain as a gas-paying transaction.
// Relay rejections are classified and, under the default policy, fall back
// to the direct path with the same signed envelope.
//
// External collaborators — the relay HTTP API, the JSON-RPC node — are
// abstracted behind the RelaySubmitter, ChainReader and ChainWriter
// interfaces; implementations live in the http and chain subpackages.
package uprelay

import "github.com/emmet-bot/openclaw-universalprofile-skill/internal/eip191"

// RelayCallVersion is the LSP-25 message version signed envelopes carry.
const RelayCallVersion = eip191.Version
