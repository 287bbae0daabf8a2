// Package eip191 implements the EIP-191 version 0x00 ("intended validator")
// signing scheme together with the LSP-25 relay call message layout it is
// applied to.
//
// The relay message is the packed concatenation of five 32-byte big-endian
// words (version, chain id, nonce, validity timestamps, value) followed by
// the raw call payload. The signing digest commits to the key manager that
// is meant to verify the signature:
//
//	keccak256(0x19 || 0x00 || validator || message)
//
// This is NOT the same as the generic "\x19Ethereum Signed Message:\n"
// scheme (EIP-191 version 0x45). A signature produced over the generic
// digest round-trips locally but is rejected by the key manager, so the
// generic form is deliberately not offered for relay calls.
package eip191

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Version is the LSP-25 relay call message version.
const Version = 25

// EncodedFixedLen is the packed size of the five fixed-width words that
// precede the payload.
const EncodedFixedLen = 160

// SignatureLength is the length of a recoverable secp256k1 signature
// (r || s || v).
const SignatureLength = 65

var (
	// ErrFieldOverflow indicates a numeric field does not fit a 32-byte word.
	ErrFieldOverflow = errors.New("eip191: field does not fit in 32 bytes")

	// ErrInvalidSignature indicates a signature that is not 65 bytes or whose
	// recovery id is out of range.
	ErrInvalidSignature = errors.New("eip191: invalid signature")
)

// EncodeExecuteRelayCall packs a relay call message. Field order and width
// are part of the wire contract with the verifying key manager: each numeric
// field occupies one big-endian 32-byte word and the payload is appended raw,
// with no length prefix.
func EncodeExecuteRelayCall(version uint64, chainID, nonce, validity, value *big.Int, payload []byte) ([]byte, error) {
	buf := make([]byte, 0, EncodedFixedLen+len(payload))

	buf = appendWord(buf, new(uint256.Int).SetUint64(version))
	for _, field := range []struct {
		name string
		v    *big.Int
	}{
		{"chainId", chainID},
		{"nonce", nonce},
		{"validityTimestamps", validity},
		{"value", value},
	} {
		word, err := wordFromBig(field.v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, field.name)
		}
		buf = appendWord(buf, word)
	}

	return append(buf, payload...), nil
}

// IntendedValidatorDigest computes the EIP-191 version 0x00 digest of message
// for the given intended validator.
func IntendedValidatorDigest(validator common.Address, message []byte) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x00}, validator.Bytes(), message)
}

// PersonalMessageDigest computes the generic EIP-191 version 0x45 digest
// ("\x19Ethereum Signed Message:\n" + len + message). It is used only for
// off-chain service authentication, never for relay call signatures.
func PersonalMessageDigest(message []byte) common.Hash {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256Hash([]byte(prefix), message)
}

// PackValidityTimestamps packs a start/end timestamp pair into the single
// uint256 the key manager expects: start in the upper 128 bits, end in the
// lower 128 bits. Zero on both sides means unrestricted.
func PackValidityTimestamps(notBefore, notAfter uint64) *big.Int {
	packed := new(uint256.Int).SetUint64(notBefore)
	packed.Lsh(packed, 128)
	packed.Or(packed, new(uint256.Int).SetUint64(notAfter))
	return packed.ToBig()
}

// Sign signs digest with key and returns a 65-byte signature with the
// recovery id normalized to {27, 28}.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, err
	}
	if sig[SignatureLength-1] < 27 {
		sig[SignatureLength-1] += 27
	}
	return sig, nil
}

// RecoverSigner recovers the address that produced sig over digest. Both
// recovery id conventions ({0, 1} and {27, 28}) are accepted.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	v := sig[SignatureLength-1]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[SignatureLength-1])
	}

	normalized := make([]byte, SignatureLength)
	copy(normalized, sig[:SignatureLength-1])
	normalized[SignatureLength-1] = v

	pub, err := crypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func wordFromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	if v.Sign() < 0 {
		return nil, ErrFieldOverflow
	}
	word, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrFieldOverflow
	}
	return word, nil
}

func appendWord(buf []byte, word *uint256.Int) []byte {
	b := word.Bytes32()
	return append(buf, b[:]...)
}
