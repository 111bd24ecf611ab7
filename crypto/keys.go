package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part of a bech32 address.
type AddressPrefix string

const (
	// OwnerPrefix marks a primary identity address.
	OwnerPrefix AddressPrefix = "sp"
	// PoolPrefix marks a disbursement pool address.
	PoolPrefix AddressPrefix = "pool"
)

// Address is a 20-byte account address with a bech32 prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != 20 {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: b}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// Equal reports whether two addresses have the same prefix and payload.
func (a Address) Equal(other Address) bool {
	return a.prefix == other.prefix && bytes.Equal(a.bytes, other.bytes)
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != 20 {
		return Address{}, fmt.Errorf("address payload must be 20 bytes, got %d", len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Sign produces a 65-byte recoverable secp256k1 signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	return ethcrypto.Sign(digest, k.PrivateKey)
}

func (k *PublicKey) Address(prefix AddressPrefix) Address {
	addrBytes := ethcrypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return NewAddress(prefix, addrBytes)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Digest hashes an arbitrary message into the 32-byte form Sign expects.
func Digest(message []byte) []byte {
	return ethcrypto.Keccak256(message)
}

// RecoverAddress recovers the signer address from a digest and a recoverable
// signature. The caller supplies the prefix it expects the signer to carry.
func RecoverAddress(prefix AddressPrefix, digest, signature []byte) (Address, error) {
	if len(digest) != 32 {
		return Address{}, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	pub, err := ethcrypto.SigToPub(digest, signature)
	if err != nil {
		return Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return NewAddress(prefix, ethcrypto.PubkeyToAddress(*pub).Bytes()), nil
}

// VerifyOwnership reports whether signature over message was produced by the
// key behind owner.
func VerifyOwnership(owner Address, message, signature []byte) bool {
	recovered, err := RecoverAddress(owner.Prefix(), Digest(message), signature)
	if err != nil {
		return false
	}
	return recovered.Equal(owner)
}
