// Package signer implements the controller-key Signer backed by a local
// secp256k1 private key, with mandatory local verification of every
// signature it produces.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	uprelay "github.com/emmet-bot/openclaw-universalprofile-skill"
	"github.com/emmet-bot/openclaw-universalprofile-skill/internal/eip191"
)

// Controller signs digests with a controller private key. The key is held
// read-only and never written to diagnostic output; Controller has no
// String method and its fields are unexported.
type Controller struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

var _ uprelay.Signer = (*Controller)(nil)

// NewController creates a Controller from a hex-encoded private key, with or
// without a 0x prefix.
func NewController(privateKeyHex string) (*Controller, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, uprelay.ErrInvalidKey
	}
	return NewControllerFromKey(privateKey), nil
}

// NewControllerFromKey creates a Controller from an in-memory key.
func NewControllerFromKey(key *ecdsa.PrivateKey) *Controller {
	return &Controller{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
	}
}

// Address returns the controller address derived from the key.
func (c *Controller) Address() common.Address {
	return c.address
}

// SignDigest signs an already-hashed digest and returns the 65-byte
// signature with v in {27, 28}. The signature is recovered and checked
// against the controller address before it is returned; a mismatch is a
// caller-side bug and fails immediately, never a condition to retry.
func (c *Controller) SignDigest(digest common.Hash) ([]byte, error) {
	sig, err := eip191.Sign(digest, c.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signing digest: %w", err)
	}

	recovered, err := eip191.RecoverSigner(digest, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", uprelay.ErrSignatureMismatch, err)
	}
	if recovered != c.address {
		return nil, fmt.Errorf("%w: recovered %s, expected %s", uprelay.ErrSignatureMismatch, recovered, c.address)
	}
	return sig, nil
}
