package crypto

import (
	"encoding/binary"
	"fmt"

	"lukechampine.com/blake3"
)

// Ephemeral identities are single-use signing keys that cannot be linked back
// to the owner key that derived them. Derivation is deterministic in
// (seed, nonce) so an owner can re-derive a payment key without storing it,
// while an observer holding only the derived public key learns nothing about
// the seed.

const ephemeralDomain = "stealthpay/ephemeral/v1"

// DeriveEphemeral derives a fresh signing key from an owner seed and a
// payment nonce. The same (seed, nonce) pair always yields the same key.
func DeriveEphemeral(seed []byte, nonce uint64) (*PrivateKey, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("ephemeral seed required")
	}
	buf := make([]byte, 0, len(ephemeralDomain)+len(seed)+16)
	buf = append(buf, ephemeralDomain...)
	buf = append(buf, seed...)
	buf = binary.BigEndian.AppendUint64(buf, nonce)

	// A hash output is not always a valid scalar; bump a trailing counter
	// until it lands inside the curve order.
	for counter := uint64(0); counter < 64; counter++ {
		candidate := binary.BigEndian.AppendUint64(append([]byte{}, buf...), counter)
		sum := blake3.Sum256(candidate)
		key, err := PrivateKeyFromBytes(sum[:])
		if err == nil {
			return key, nil
		}
	}
	return nil, fmt.Errorf("could not derive a valid key from seed")
}

// GenerateEphemeral produces a random single-use identity for callers that
// do not need deterministic re-derivation.
func GenerateEphemeral() (*PrivateKey, error) {
	return GeneratePrivateKey()
}
