package ledger

import (
	"time"
)

// Kind is the typed activity category carried by a ledger entry.
type Kind string

const (
	KindPayment      Kind = "payment"
	KindAgentPayment Kind = "agent_payment"
	KindConfirmation Kind = "confirmation"
	KindCreation     Kind = "creation"
	KindDeletion     Kind = "deletion"
	KindDonation     Kind = "donation"
	KindPoolCreated  Kind = "pool_created"
	KindPoolClosed   Kind = "pool_closed"
	KindCompression  Kind = "compression"
)

var kindCodes = map[Kind]uint8{
	KindPayment:      1,
	KindAgentPayment: 2,
	KindConfirmation: 3,
	KindCreation:     4,
	KindDeletion:     5,
	KindDonation:     6,
	KindPoolCreated:  7,
	KindPoolClosed:   8,
	KindCompression:  9,
}

// Code returns the numeric type code packed into the composite ciphertext.
// Unknown kinds map to zero.
func (k Kind) Code() uint8 {
	return kindCodes[k]
}

// Known reports whether the kind is one of the defined activity categories.
func (k Kind) Known() bool {
	_, ok := kindCodes[k]
	return ok
}

// KindFromCode is the inverse of Kind.Code.
func KindFromCode(code uint8) (Kind, bool) {
	for kind, c := range kindCodes {
		if c == code {
			return kind, true
		}
	}
	return "", false
}

// paymentKind reports whether entries of this kind count toward the
// encrypted total.
func paymentKind(k Kind) bool {
	switch k {
	case KindPayment, KindAgentPayment, KindDonation:
		return true
	}
	return false
}

// Activity is the input to Append. Amount is a plaintext value in base
// units; it exists only long enough to be packed and encrypted.
type Activity struct {
	Kind     Kind
	Amount   uint64
	Metadata map[string]string
}

// Entry is one persisted activity record. Everything on it is safe to show
// to anyone: the amount lives only inside the ciphertext handle.
type Entry struct {
	ID        string            `json:"id"`
	Owner     string            `json:"owner"`
	Kind      Kind              `json:"kind"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Handle    string            `json:"handle"`
	CreatedAt time.Time         `json:"createdAt"`
}

// DecryptedEntry is an Entry plus the outcome of an attested decryption.
// Amount is only meaningful when Decrypted is true.
type DecryptedEntry struct {
	Entry
	Decrypted bool   `json:"decrypted"`
	Amount    uint64 `json:"amount,omitempty"`
	Timestamp uint64 `json:"timestampMillis,omitempty"`
}
