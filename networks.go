package uprelay

import (
	"fmt"
	"math/big"
)

// Network describes a supported chain and its default service endpoints.
type Network struct {
	// Name is the short network identifier.
	Name string

	// ChainID is the EVM chain id.
	ChainID int64

	// RPCURL is the default JSON-RPC endpoint.
	RPCURL string

	// RelayURL is the default relay service base URL.
	RelayURL string
}

// Networks maps network names to their configuration.
var Networks = map[string]Network{
	"lukso": {
		Name:     "lukso",
		ChainID:  42,
		RPCURL:   "https://rpc.mainnet.lukso.network",
		RelayURL: "https://relayer-api.mainnet.lukso.network/api",
	},
	"lukso-testnet": {
		Name:     "lukso-testnet",
		ChainID:  4201,
		RPCURL:   "https://rpc.testnet.lukso.network",
		RelayURL: "https://relayer-api.testnet.lukso.network/api",
	},
}

// GetNetwork returns the network configuration for a network name.
func GetNetwork(name string) (Network, error) {
	n, ok := Networks[name]
	if !ok {
		return Network{}, fmt.Errorf("%w: %q", ErrInvalidNetwork, name)
	}
	return n, nil
}

// NetworkByChainID returns the network configuration for a chain id.
func NetworkByChainID(chainID int64) (Network, error) {
	for _, n := range Networks {
		if n.ChainID == chainID {
			return n, nil
		}
	}
	return Network{}, fmt.Errorf("%w: chain id %d", ErrInvalidNetwork, chainID)
}

// ChainIDBig returns the network's chain id as a big.Int.
func (n Network) ChainIDBig() *big.Int {
	return big.NewInt(n.ChainID)
}
