package ledger

import (
	"github.com/holiman/uint256"
)

// The composite encoding packs (type code, amount, creation timestamp) into
// a single 256-bit integer so each entry costs exactly one ciphertext
// handle:
//
//	bits 120..127  activity type code
//	bits  56..119  amount in base units
//	bits   0..55   creation time, milliseconds, modulo 2^56
//
// The 56-bit millisecond field wraps on a multi-thousand-year horizon; that
// wrap is an accepted limitation of the layout, not something callers need
// to guard against.

const (
	timestampBits = 56
	amountShift   = 56
	typeShift     = 120
)

var timestampMask = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), timestampBits), 1)

// Pack builds the composite value for one activity.
func Pack(typeCode uint8, amount uint64, timestampMillis int64) *uint256.Int {
	v := new(uint256.Int).Lsh(uint256.NewInt(uint64(typeCode)), typeShift)
	a := new(uint256.Int).Lsh(uint256.NewInt(amount), amountShift)
	t := new(uint256.Int).And(uint256.NewInt(uint64(timestampMillis)), timestampMask)
	v.Or(v, a)
	v.Or(v, t)
	return v
}

// Unpack splits a composite value back into its three fields.
func Unpack(v *uint256.Int) (typeCode uint8, amount uint64, timestampMillis uint64) {
	timestampMillis = new(uint256.Int).And(v, timestampMask).Uint64()
	amount = new(uint256.Int).Rsh(v, amountShift).Uint64()
	typeCode = uint8(new(uint256.Int).Rsh(v, typeShift).Uint64())
	return typeCode, amount, timestampMillis
}
