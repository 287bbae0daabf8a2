// Package encoding provides transport encoding for signed envelopes, so an
// envelope can be signed on one machine and submitted from another.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	uprelay "github.com/emmet-bot/openclaw-universalprofile-skill"
)

// envelopeJSON is the wire form of a signed envelope. Numeric fields are
// decimal strings to survive JSON number precision.
type envelopeJSON struct {
	Version   uint64 `json:"version"`
	ChainID   string `json:"chainId"`
	Nonce     string `json:"nonce"`
	Channel   uint32 `json:"channel"`
	NotBefore uint64 `json:"notBefore,omitempty"`
	NotAfter  uint64 `json:"notAfter,omitempty"`
	Value     string `json:"value"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
	Digest    string `json:"digest"`
	Signer    string `json:"signer"`
	Account   string `json:"account"`
	Validator string `json:"validator"`
}

// EncodeEnvelope converts a signed envelope to a base64-encoded JSON string.
//
// Returns an error if JSON marshaling fails.
func EncodeEnvelope(env *uprelay.SignedEnvelope) (string, error) {
	wire := envelopeJSON{
		Version:   env.Version,
		ChainID:   bigString(env.ChainID),
		Nonce:     bigString(env.Nonce),
		Channel:   env.Channel,
		NotBefore: env.Validity.NotBefore,
		NotAfter:  env.Validity.NotAfter,
		Value:     bigString(env.Value),
		Payload:   hexutil.Encode(env.Payload),
		Signature: hexutil.Encode(env.Signature),
		Digest:    env.Digest.Hex(),
		Signer:    env.Signer.Hex(),
		Account:   env.Account.Hex(),
		Validator: env.Validator.Hex(),
	}
	envJSON, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return base64.StdEncoding.EncodeToString(envJSON), nil
}

// DecodeEnvelope converts a base64-encoded JSON string back to a signed
// envelope.
//
// Returns an error if base64 decoding, JSON unmarshaling, or field parsing
// fails.
func DecodeEnvelope(encoded string) (*uprelay.SignedEnvelope, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var wire envelopeJSON
	if err := json.Unmarshal(decoded, &wire); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	chainID, err := parseBig(wire.ChainID, "chainId")
	if err != nil {
		return nil, err
	}
	nonce, err := parseBig(wire.Nonce, "nonce")
	if err != nil {
		return nil, err
	}
	value, err := parseBig(wire.Value, "value")
	if err != nil {
		return nil, err
	}
	payload, err := hexutil.Decode(wire.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	signature, err := hexutil.Decode(wire.Signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}

	return &uprelay.SignedEnvelope{
		Envelope: uprelay.Envelope{
			Version: wire.Version,
			ChainID: chainID,
			Nonce:   nonce,
			Channel: wire.Channel,
			Validity: uprelay.ValidityWindow{
				NotBefore: wire.NotBefore,
				NotAfter:  wire.NotAfter,
			},
			Value:   value,
			Payload: payload,
		},
		Signature: signature,
		Digest:    common.HexToHash(wire.Digest),
		Signer:    common.HexToAddress(wire.Signer),
		Account:   common.HexToAddress(wire.Account),
		Validator: common.HexToAddress(wire.Validator),
	}, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(s, field string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("failed to parse %s %q", field, s)
	}
	return v, nil
}
