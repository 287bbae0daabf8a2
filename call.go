package uprelay

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// CallKind tags the typed call variants the engine can encode.
type CallKind string

const (
	// KindExecute is an ERC-725X execute operation (call, staticcall,
	// delegatecall, deploy, or a plain value transfer).
	KindExecute CallKind = "execute"

	// KindSetData is an ERC-725Y single-key data write.
	KindSetData CallKind = "setData"

	// KindSetDataBatch is an ERC-725Y multi-key data write.
	KindSetDataBatch CallKind = "setDataBatch"
)

// ERC-725X operation types.
const (
	OperationCall         uint64 = 0
	OperationCreate       uint64 = 1
	OperationCreate2      uint64 = 2
	OperationStaticCall   uint64 = 3
	OperationDelegateCall uint64 = 4
)

const accountABIJSON = `[
	{"type":"function","name":"execute","stateMutability":"payable","inputs":[{"name":"operationType","type":"uint256"},{"name":"target","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[{"name":"","type":"bytes"}]},
	{"type":"function","name":"setData","stateMutability":"payable","inputs":[{"name":"dataKey","type":"bytes32"},{"name":"dataValue","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"setDataBatch","stateMutability":"payable","inputs":[{"name":"dataKeys","type":"bytes32[]"},{"name":"dataValues","type":"bytes[]"}],"outputs":[]}
]`

var accountABI = mustParseABI(accountABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Call describes one operation against the account in typed form, so the
// message encoder's input is validated exhaustively at construction instead
// of accepting untyped argument arrays.
type Call struct {
	// Kind selects the variant and which fields below are meaningful.
	Kind CallKind

	// Operation is the ERC-725X operation type (KindExecute only).
	Operation uint64

	// Target is the call target or value recipient (KindExecute only).
	Target common.Address

	// Value is the native-currency amount forwarded by the account
	// (KindExecute only).
	Value *big.Int

	// Data is the calldata or init code (KindExecute only).
	Data []byte

	// Keys and Values are the data keys and values to write (KindSetData
	// and KindSetDataBatch).
	Keys   []common.Hash
	Values [][]byte
}

// ContractCall builds an execute call against target with calldata and an
// optional value.
func ContractCall(target common.Address, value *big.Int, data []byte) Call {
	return Call{Kind: KindExecute, Operation: OperationCall, Target: target, Value: value, Data: data}
}

// ValueTransfer builds a plain native-currency transfer to target.
func ValueTransfer(target common.Address, value *big.Int) Call {
	return Call{Kind: KindExecute, Operation: OperationCall, Target: target, Value: value}
}

// StaticCall builds a read-only call against target.
func StaticCall(target common.Address, data []byte) Call {
	return Call{Kind: KindExecute, Operation: OperationStaticCall, Target: target, Data: data}
}

// Deploy builds a contract deployment from the account with the given init
// code.
func Deploy(initCode []byte, value *big.Int) Call {
	return Call{Kind: KindExecute, Operation: OperationCreate, Value: value, Data: initCode}
}

// SetData builds a single-key data write.
func SetData(key common.Hash, value []byte) Call {
	return Call{Kind: KindSetData, Keys: []common.Hash{key}, Values: [][]byte{value}}
}

// SetDataBatch builds a multi-key data write.
func SetDataBatch(keys []common.Hash, values [][]byte) Call {
	return Call{Kind: KindSetDataBatch, Keys: keys, Values: values}
}

// Validate checks the call's fields for its variant.
func (c Call) Validate() error {
	switch c.Kind {
	case KindExecute:
		if c.Operation > OperationDelegateCall {
			return fmt.Errorf("%w: unknown operation type %d", ErrInvalidCall, c.Operation)
		}
		if c.Value != nil && c.Value.Sign() < 0 {
			return fmt.Errorf("%w: negative value", ErrInvalidCall)
		}
		deploy := c.Operation == OperationCreate || c.Operation == OperationCreate2
		if deploy {
			if c.Target != (common.Address{}) {
				return fmt.Errorf("%w: deploy must not name a target", ErrInvalidCall)
			}
			if len(c.Data) == 0 {
				return fmt.Errorf("%w: deploy requires init code", ErrInvalidCall)
			}
		} else if c.Target == (common.Address{}) {
			return fmt.Errorf("%w: zero target address", ErrInvalidCall)
		}
		if len(c.Keys) != 0 || len(c.Values) != 0 {
			return fmt.Errorf("%w: execute call carries data keys", ErrInvalidCall)
		}
		return nil
	case KindSetData:
		if len(c.Keys) != 1 || len(c.Values) != 1 {
			return fmt.Errorf("%w: setData requires exactly one key and value", ErrInvalidCall)
		}
		return nil
	case KindSetDataBatch:
		if len(c.Keys) == 0 {
			return fmt.Errorf("%w: setDataBatch requires at least one key", ErrInvalidCall)
		}
		if len(c.Keys) != len(c.Values) {
			return fmt.Errorf("%w: setDataBatch key/value length mismatch (%d != %d)", ErrInvalidCall, len(c.Keys), len(c.Values))
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown call kind %q", ErrInvalidCall, c.Kind)
	}
}

// Encode packs the call into the opaque payload submitted through the key
// manager.
func (c Call) Encode() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Kind {
	case KindExecute:
		value := c.Value
		if value == nil {
			value = new(big.Int)
		}
		data := c.Data
		if data == nil {
			data = []byte{}
		}
		return accountABI.Pack("execute", new(big.Int).SetUint64(c.Operation), c.Target, value, data)
	case KindSetData:
		return accountABI.Pack("setData", c.Keys[0], c.Values[0])
	default:
		keys := make([][32]byte, len(c.Keys))
		for i, k := range c.Keys {
			keys[i] = k
		}
		return accountABI.Pack("setDataBatch", keys, c.Values)
	}
}

// RequiredPermissions returns the permission bits the key manager will check
// for this call, beyond EXECUTE_RELAY_CALL which every relayed envelope
// needs.
func (c Call) RequiredPermissions() []Permission {
	switch c.Kind {
	case KindExecute:
		var perms []Permission
		switch c.Operation {
		case OperationCall:
			if len(c.Data) > 0 {
				perms = append(perms, PermCall)
			}
		case OperationStaticCall:
			perms = append(perms, PermStaticCall)
		case OperationDelegateCall:
			perms = append(perms, PermDelegateCall)
		case OperationCreate, OperationCreate2:
			perms = append(perms, PermDeploy)
		}
		if c.Value != nil && c.Value.Sign() > 0 {
			perms = append(perms, PermTransferValue)
		}
		return perms
	case KindSetData, KindSetDataBatch:
		return []Permission{PermSetData}
	default:
		return nil
	}
}
