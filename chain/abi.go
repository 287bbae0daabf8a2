package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// keyManagerABIJSON covers the LSP-6 key manager surface the client touches:
// nonce reads, relay call execution, and the custom errors used to classify
// reverts. Error selectors are derived from the ABI, never hand-written.
const keyManagerABIJSON = `[
	{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"from","type":"address"},{"name":"channelId","type":"uint128"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"executeRelayCall","stateMutability":"payable","inputs":[{"name":"signature","type":"bytes"},{"name":"nonce","type":"uint256"},{"name":"validityTimestamps","type":"uint256"},{"name":"payload","type":"bytes"}],"outputs":[{"name":"","type":"bytes"}]},
	{"type":"error","name":"InvalidRelayNonce","inputs":[{"name":"signer","type":"address"},{"name":"invalidNonce","type":"uint256"},{"name":"signature","type":"bytes"}]},
	{"type":"error","name":"RelayCallBeforeStartTime","inputs":[]},
	{"type":"error","name":"RelayCallExpired","inputs":[]},
	{"type":"error","name":"NotAuthorised","inputs":[{"name":"from","type":"address"},{"name":"permission","type":"string"}]},
	{"type":"error","name":"NoPermissionsSet","inputs":[{"name":"from","type":"address"}]},
	{"type":"error","name":"InvalidSignature","inputs":[{"name":"signer","type":"address"}]}
]`

// profileABIJSON covers the ERC-725 account surface the client reads: the
// registered key manager and the permission key-value store.
const profileABIJSON = `[
	{"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"getData","stateMutability":"view","inputs":[{"name":"dataKey","type":"bytes32"}],"outputs":[{"name":"dataValue","type":"bytes"}]}
]`

var (
	keyManagerABI = mustParseABI(keyManagerABIJSON)
	profileABI    = mustParseABI(profileABIJSON)
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}
