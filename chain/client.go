// Package chain implements the on-chain read and write interfaces of the
// execution engine on top of a JSON-RPC node: nonce and permission reads,
// key manager resolution, and the gas-paying direct submission path.
package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	uprelay "github.com/emmet-bot/openclaw-universalprofile-skill"
)

// Client reads and writes chain state through a JSON-RPC node. It implements
// uprelay.ChainReader always, and uprelay.ChainWriter when constructed with
// a transactor key.
type Client struct {
	eth     *ethclient.Client
	chainID *big.Int
	key     *ecdsa.PrivateKey
	from    common.Address
}

var (
	_ uprelay.ChainReader = (*Client)(nil)
	_ uprelay.ChainWriter = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithTransactor enables the direct submission path, paying gas from key.
func WithTransactor(key *ecdsa.PrivateKey) Option {
	return func(c *Client) {
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
	}
}

// Dial connects to a JSON-RPC endpoint and verifies it serves the expected
// chain.
func Dial(ctx context.Context, rpcURL string, chainID *big.Int, opts ...Option) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", rpcURL, err)
	}
	remote, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("reading chain id: %w", err)
	}
	if remote.Cmp(chainID) != 0 {
		eth.Close()
		return nil, fmt.Errorf("endpoint serves chain %s, expected %s", remote, chainID)
	}
	return NewClient(eth, chainID, opts...), nil
}

// NewClient wraps an existing ethclient.
func NewClient(eth *ethclient.Client, chainID *big.Int, opts ...Option) *Client {
	c := &Client{eth: eth, chainID: chainID}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Nonce returns the next usable sequence number for (signer, channel) on the
// key manager. The value is read from latest state on every call; nothing is
// cached.
func (c *Client) Nonce(ctx context.Context, validator, signer common.Address, channel uint32) (*big.Int, error) {
	calldata, err := keyManagerABI.Pack("getNonce", signer, new(big.Int).SetUint64(uint64(channel)))
	if err != nil {
		return nil, fmt.Errorf("packing getNonce: %w", err)
	}
	ret, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &validator, Data: calldata}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling getNonce: %w", err)
	}
	out, err := keyManagerABI.Unpack("getNonce", ret)
	if err != nil {
		return nil, fmt.Errorf("decoding getNonce result: %w", err)
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getNonce result type %T", out[0])
	}
	return nonce, nil
}

// Permissions reads controller's permission mask from the account's
// key-value store.
func (c *Client) Permissions(ctx context.Context, account, controller common.Address) (uprelay.Permissions, error) {
	key := uprelay.PermissionsDataKey(controller)
	calldata, err := profileABI.Pack("getData", [32]byte(key))
	if err != nil {
		return uprelay.Permissions{}, fmt.Errorf("packing getData: %w", err)
	}
	ret, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &account, Data: calldata}, nil)
	if err != nil {
		return uprelay.Permissions{}, fmt.Errorf("calling getData: %w", err)
	}
	out, err := profileABI.Unpack("getData", ret)
	if err != nil {
		return uprelay.Permissions{}, fmt.Errorf("decoding getData result: %w", err)
	}
	raw, ok := out[0].([]byte)
	if !ok {
		return uprelay.Permissions{}, fmt.Errorf("unexpected getData result type %T", out[0])
	}
	return uprelay.PermissionsFromBytes(raw), nil
}

// ValidatorOf resolves the key manager currently registered to account.
func (c *Client) ValidatorOf(ctx context.Context, account common.Address) (common.Address, error) {
	calldata, err := profileABI.Pack("owner")
	if err != nil {
		return common.Address{}, fmt.Errorf("packing owner: %w", err)
	}
	ret, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &account, Data: calldata}, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("calling owner: %w", err)
	}
	out, err := profileABI.Unpack("owner", ret)
	if err != nil {
		return common.Address{}, fmt.Errorf("decoding owner result: %w", err)
	}
	owner, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("unexpected owner result type %T", out[0])
	}
	return owner, nil
}

// ExecuteRelayCall submits the signed envelope as a gas-paying transaction
// against its validator and waits for inclusion. A revert — predicted by gas
// estimation or read back from a failed receipt — is classified into the
// execution error taxonomy.
func (c *Client) ExecuteRelayCall(ctx context.Context, env *uprelay.SignedEnvelope) (*uprelay.ExecutionResult, error) {
	if c.key == nil {
		return nil, fmt.Errorf("chain: client has no transactor key")
	}

	calldata, err := keyManagerABI.Pack("executeRelayCall", env.Signature, env.Nonce, env.Validity.Pack(), env.Payload)
	if err != nil {
		return nil, fmt.Errorf("packing executeRelayCall: %w", err)
	}

	value := env.Value
	if value == nil {
		value = new(big.Int)
	}
	msg := ethereum.CallMsg{From: c.from, To: &env.Validator, Value: value, Data: calldata}

	// Gas estimation simulates the call, so a revert is caught and
	// classified here, before anything is submitted.
	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		if execErr := c.classifyRevert(revertData(err)); execErr != nil {
			return &uprelay.ExecutionResult{Outcome: uprelay.OutcomeFailed, Path: uprelay.PathDirect, FailureClass: execErr.Code}, execErr
		}
		return nil, fmt.Errorf("estimating gas: %w", err)
	}

	txNonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("reading account nonce: %w", err)
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading gas tip cap: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("reading chain head: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     txNonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &env.Validator,
		Value:     value,
		Data:      calldata,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, uprelay.NewExecutionError(uprelay.CodeNetworkError,
			"sending transaction failed; outcome unknown, do not reuse this nonce until checked",
			fmt.Errorf("%w: %v", uprelay.ErrNetworkUnavailable, err)).WithDetails("submitted", true)
	}

	receipt, err := bind.WaitMined(ctx, c.eth, signed)
	if err != nil {
		return nil, uprelay.NewExecutionError(uprelay.CodeNetworkError,
			"transaction pending but unconfirmed; do not reuse this nonce until checked",
			fmt.Errorf("%w: %v", uprelay.ErrNetworkUnavailable, err)).
			WithDetails("submitted", true).
			WithDetails("txHash", signed.Hash().Hex())
	}

	result := &uprelay.ExecutionResult{
		TxHash:  receipt.TxHash,
		GasUsed: receipt.GasUsed,
		Path:    uprelay.PathDirect,
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		result.Outcome = uprelay.OutcomeSuccess
		return result, nil
	}

	result.Outcome = uprelay.OutcomeFailed
	execErr := c.replayRevert(ctx, msg, receipt.BlockNumber)
	result.FailureClass = execErr.Code
	return result, execErr.WithDetails("txHash", receipt.TxHash.Hex())
}

// replayRevert re-simulates a mined-but-failed call at its inclusion block
// to recover the revert data for classification.
func (c *Client) replayRevert(ctx context.Context, msg ethereum.CallMsg, block *big.Int) *uprelay.ExecutionError {
	_, err := c.eth.CallContract(ctx, msg, block)
	if err == nil {
		return uprelay.NewExecutionError(uprelay.CodeExecutionReverted,
			"transaction reverted but simulation succeeds", uprelay.ErrExecutionReverted)
	}
	if execErr := c.classifyRevert(revertData(err)); execErr != nil {
		return execErr
	}
	return uprelay.NewExecutionError(uprelay.CodeExecutionReverted, "transaction reverted", uprelay.ErrExecutionReverted)
}

// classifyRevert maps key manager revert data onto the error taxonomy.
// Returns nil when data carries no recognizable revert.
func (c *Client) classifyRevert(data []byte) *uprelay.ExecutionError {
	if len(data) < 4 {
		return nil
	}

	var abiErr *abi.Error
	for name := range keyManagerABI.Errors {
		e := keyManagerABI.Errors[name]
		if bytes.Equal(e.ID.Bytes()[:4], data[:4]) {
			abiErr = &e
			break
		}
	}
	if abiErr == nil {
		// Error(string) reverts still decode to a usable message.
		if reason, err := abi.UnpackRevert(data); err == nil {
			return uprelay.NewExecutionError(uprelay.CodeExecutionReverted,
				"execution reverted: "+reason, uprelay.ErrExecutionReverted)
		}
		return nil
	}

	args, unpackErr := abiErr.Unpack(data)
	values, _ := args.([]interface{})

	switch abiErr.Name {
	case "InvalidRelayNonce":
		msg := "relay nonce already consumed or out of sequence"
		if unpackErr == nil && len(values) >= 2 {
			if invalid, ok := values[1].(*big.Int); ok {
				msg = fmt.Sprintf("relay nonce %s already consumed or out of sequence", invalid)
			}
		}
		return uprelay.NewExecutionError(uprelay.CodeNonceStale, msg, uprelay.ErrNonceStale)
	case "RelayCallBeforeStartTime":
		return uprelay.NewExecutionError(uprelay.CodeValidityExpired,
			"relay call submitted before its validity window opens", uprelay.ErrValidityExpired)
	case "RelayCallExpired":
		return uprelay.NewExecutionError(uprelay.CodeValidityExpired,
			"relay call validity window elapsed before inclusion", uprelay.ErrValidityExpired)
	case "NotAuthorised":
		msg := "controller lacks a required permission"
		execErr := uprelay.NewExecutionError(uprelay.CodePermissionDenied, msg, uprelay.ErrPermissionDenied)
		if unpackErr == nil && len(values) >= 2 {
			if permission, ok := values[1].(string); ok {
				execErr.Message = fmt.Sprintf("controller lacks %s", permission)
				execErr.WithDetails("missingPermissions", []string{permission})
			}
		}
		return execErr
	case "NoPermissionsSet":
		return uprelay.NewExecutionError(uprelay.CodePermissionDenied,
			"controller has no permissions set on this account", uprelay.ErrPermissionDenied)
	case "InvalidSignature":
		return uprelay.NewExecutionError(uprelay.CodeRelayUnauthorized,
			"key manager rejected the relay call signature", uprelay.ErrRelayUnauthorized)
	}
	return nil
}

// revertData extracts ABI-encoded revert data from a JSON-RPC error, when
// the node attached any.
func revertData(err error) []byte {
	var dataErr interface{ ErrorData() interface{} }
	if !errors.As(err, &dataErr) {
		return nil
	}
	switch data := dataErr.ErrorData().(type) {
	case string:
		decoded, decodeErr := hexutil.Decode(data)
		if decodeErr != nil {
			return nil
		}
		return decoded
	case []byte:
		return data
	}
	return nil
}
