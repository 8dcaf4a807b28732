package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the bech32 human-readable part for ledger identities.
const AddressPrefix = "rent"

var (
	ErrInvalidAddress   = errors.New("crypto: invalid address")
	ErrInvalidSignature = errors.New("crypto: invalid signature")
)

// Address is a 20-byte ledger identity derived from a secp256k1 public key.
type Address [20]byte

// String renders the bech32 form, e.g. rent1....
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Hex renders the 0x-prefixed, EIP-55 checksummed form.
func (a Address) Hex() string {
	return common.Address(a).Hex()
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == Address{} }

// ParseAddress accepts either a 0x-prefixed hex address or a bech32 address
// carrying the ledger prefix.
func ParseAddress(raw string) (Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		decoded, err := hex.DecodeString(trimmed[2:])
		if err != nil || len(decoded) != 20 {
			return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
		}
		var out Address
		copy(out[:], decoded)
		return out, nil
	}
	prefix, data, err := bech32.Decode(trimmed)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if prefix != AddressPrefix {
		return Address{}, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidAddress, prefix)
	}
	conv, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(conv) != 20 {
		return Address{}, fmt.Errorf("%w: expected 20 bytes, got %d", ErrInvalidAddress, len(conv))
	}
	var out Address
	copy(out[:], conv)
	return out, nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// Address returns the identity controlled by the key.
func (k *PrivateKey) Address() Address {
	return Address(crypto.PubkeyToAddress(k.PrivateKey.PublicKey))
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// SignMessage signs the EIP-191 personal message hash of msg. The recovery id
// is returned in the 27/28 form wallets produce.
func (k *PrivateKey) SignMessage(msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), k.PrivateKey)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// RecoverSigner returns the identity that produced sig over the EIP-191
// personal message hash of msg.
func RecoverSigner(msg, sig []byte) (Address, error) {
	if len(sig) != crypto.SignatureLength {
		return Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return Address{}, fmt.Errorf("%w: bad recovery id", ErrInvalidSignature)
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), normalized)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return Address(crypto.PubkeyToAddress(*pub)), nil
}
