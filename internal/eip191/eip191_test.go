package eip191

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestEncodeExecuteRelayCall_Length(t *testing.T) {
	payloads := [][]byte{nil, {}, {0x01}, make([]byte, 100), make([]byte, 4096)}
	for _, payload := range payloads {
		encoded, err := EncodeExecuteRelayCall(Version, big.NewInt(42), big.NewInt(5), big.NewInt(0), big.NewInt(0), payload)
		if err != nil {
			t.Fatalf("EncodeExecuteRelayCall failed: %v", err)
		}
		if len(encoded) != EncodedFixedLen+len(payload) {
			t.Errorf("Expected length %d, got %d", EncodedFixedLen+len(payload), len(encoded))
		}
	}
}

func TestEncodeExecuteRelayCall_Layout(t *testing.T) {
	chainID := big.NewInt(42)
	nonce := big.NewInt(5)
	validity := PackValidityTimestamps(100, 200)
	value := big.NewInt(7)
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	encoded, err := EncodeExecuteRelayCall(Version, chainID, nonce, validity, value, payload)
	if err != nil {
		t.Fatalf("EncodeExecuteRelayCall failed: %v", err)
	}

	// Each field occupies one big-endian 32-byte word, in protocol order.
	var expected []byte
	for _, v := range []*big.Int{big.NewInt(Version), chainID, nonce, validity, value} {
		word := make([]byte, 32)
		v.FillBytes(word)
		expected = append(expected, word...)
	}
	expected = append(expected, payload...)

	if !bytes.Equal(encoded, expected) {
		t.Errorf("Encoded message does not match protocol layout\n got: %x\nwant: %x", encoded, expected)
	}
}

func TestEncodeExecuteRelayCall_Deterministic(t *testing.T) {
	a, err := EncodeExecuteRelayCall(Version, big.NewInt(42), big.NewInt(5), big.NewInt(0), big.NewInt(0), []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("EncodeExecuteRelayCall failed: %v", err)
	}
	b, err := EncodeExecuteRelayCall(Version, big.NewInt(42), big.NewInt(5), big.NewInt(0), big.NewInt(0), []byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("EncodeExecuteRelayCall failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("Encoding is not deterministic")
	}
}

func TestEncodeExecuteRelayCall_FieldOverflow(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	negative := big.NewInt(-1)

	for _, tc := range []struct {
		name                           string
		chainID, nonce, validity, value *big.Int
	}{
		{"chainId overflow", tooBig, big.NewInt(0), big.NewInt(0), big.NewInt(0)},
		{"nonce overflow", big.NewInt(1), tooBig, big.NewInt(0), big.NewInt(0)},
		{"negative value", big.NewInt(1), big.NewInt(0), big.NewInt(0), negative},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := EncodeExecuteRelayCall(Version, tc.chainID, tc.nonce, tc.validity, tc.value, nil)
			if err == nil {
				t.Error("Expected overflow error, got nil")
			}
		})
	}
}

func TestIntendedValidatorDigest_Layout(t *testing.T) {
	validator := common.HexToAddress("0x5A9c7b9C4a6D3E2f10b8C4D1E9F0A2B3C4D5E6F7")
	message := []byte("relay call message")

	digest := IntendedValidatorDigest(validator, message)

	// 0x19 0x00 prefix, then the validator, then the message.
	raw := append([]byte{0x19, 0x00}, validator.Bytes()...)
	raw = append(raw, message...)
	expected := crypto.Keccak256Hash(raw)

	if digest != expected {
		t.Errorf("Digest %s does not match expected %s", digest.Hex(), expected.Hex())
	}
}

func TestIntendedValidatorDigest_NotPersonalDigest(t *testing.T) {
	validator := common.HexToAddress("0x5A9c7b9C4a6D3E2f10b8C4D1E9F0A2B3C4D5E6F7")
	message := []byte("relay call message")

	if IntendedValidatorDigest(validator, message) == PersonalMessageDigest(message) {
		t.Error("Intended-validator digest must differ from the personal-message digest")
	}
}

func TestDigest_SensitiveToEveryField(t *testing.T) {
	validator := common.HexToAddress("0x5A9c7b9C4a6D3E2f10b8C4D1E9F0A2B3C4D5E6F7")

	base := func() (uint64, *big.Int, *big.Int, *big.Int, *big.Int, []byte) {
		return Version, big.NewInt(42), big.NewInt(5), big.NewInt(0), big.NewInt(0), []byte{0xaa}
	}

	version, chainID, nonce, validity, value, payload := base()
	encoded, err := EncodeExecuteRelayCall(version, chainID, nonce, validity, value, payload)
	if err != nil {
		t.Fatalf("EncodeExecuteRelayCall failed: %v", err)
	}
	baseDigest := IntendedValidatorDigest(validator, encoded)

	mutations := []struct {
		name   string
		encode func() ([]byte, error)
	}{
		{"chainId", func() ([]byte, error) {
			return EncodeExecuteRelayCall(version, big.NewInt(43), nonce, validity, value, payload)
		}},
		{"nonce", func() ([]byte, error) {
			return EncodeExecuteRelayCall(version, chainID, big.NewInt(6), validity, value, payload)
		}},
		{"validity", func() ([]byte, error) {
			return EncodeExecuteRelayCall(version, chainID, nonce, PackValidityTimestamps(0, 1), value, payload)
		}},
		{"value", func() ([]byte, error) {
			return EncodeExecuteRelayCall(version, chainID, nonce, validity, big.NewInt(1), payload)
		}},
		{"payload", func() ([]byte, error) {
			return EncodeExecuteRelayCall(version, chainID, nonce, validity, value, []byte{0xab})
		}},
	}

	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			mutated, err := m.encode()
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			if IntendedValidatorDigest(validator, mutated) == baseDigest {
				t.Errorf("Changing %s did not change the digest", m.name)
			}
		})
	}
}

func TestPackValidityTimestamps(t *testing.T) {
	packed := PackValidityTimestamps(100, 200)

	end := new(big.Int).And(packed, new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1)))
	start := new(big.Int).Rsh(packed, 128)

	if start.Int64() != 100 {
		t.Errorf("Expected start 100, got %s", start)
	}
	if end.Int64() != 200 {
		t.Errorf("Expected end 200, got %s", end)
	}

	if PackValidityTimestamps(0, 0).Sign() != 0 {
		t.Error("Unrestricted window must pack to zero")
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	expected := crypto.PubkeyToAddress(key.PublicKey)
	digest := crypto.Keccak256Hash([]byte("digest"))

	sig, err := Sign(digest, key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if len(sig) != SignatureLength {
		t.Fatalf("Expected %d-byte signature, got %d", SignatureLength, len(sig))
	}
	if v := sig[64]; v != 27 && v != 28 {
		t.Errorf("Expected recovery id 27 or 28, got %d", v)
	}

	recovered, err := RecoverSigner(digest, sig)
	if err != nil {
		t.Fatalf("RecoverSigner failed: %v", err)
	}
	if recovered != expected {
		t.Errorf("Recovered %s, expected %s", recovered.Hex(), expected.Hex())
	}
}

func TestRecoverSigner_OtherDigest(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	expected := crypto.PubkeyToAddress(key.PublicKey)

	sig, err := Sign(crypto.Keccak256Hash([]byte("digest")), key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	recovered, err := RecoverSigner(crypto.Keccak256Hash([]byte("other")), sig)
	if err == nil && recovered == expected {
		t.Error("Signature over one digest must not recover the signer for another digest")
	}
}

func TestRecoverSigner_Invalid(t *testing.T) {
	digest := crypto.Keccak256Hash([]byte("digest"))

	if _, err := RecoverSigner(digest, make([]byte, 64)); err == nil {
		t.Error("Expected error for 64-byte signature")
	}
	bad := make([]byte, 65)
	bad[64] = 42
	if _, err := RecoverSigner(digest, bad); err == nil {
		t.Error("Expected error for out-of-range recovery id")
	}
}
