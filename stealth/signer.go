package stealth

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"stealthpay/crypto"
	"stealthpay/protocol"
)

// StealthSignedPayment is a protocol-valid signed payment produced by an
// ephemeral identity. Payer is always the ephemeral address; the owner's
// primary key never touches the message.
type StealthSignedPayment struct {
	PaymentID string `json:"paymentId"`
	Payer     string `json:"payer"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Network   string `json:"network"`
	Asset     string `json:"asset"`
}

// canonicalMessage fixes the field order of the signed payload. Verifiers
// re-derive this exact encoding, so the struct layout is part of the wire
// contract.
type canonicalMessage struct {
	PaymentID         string `json:"paymentId"`
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	PayTo             string `json:"payTo"`
	Resource          string `json:"resource"`
	Expiry            int64  `json:"expiry"`
	Payer             string `json:"payer"`
	Timestamp         int64  `json:"timestamp"`
}

func canonicalize(challenge protocol.PaymentChallenge, payer string, timestamp int64) ([]byte, error) {
	return json.Marshal(canonicalMessage{
		PaymentID:         challenge.PaymentID,
		Scheme:            challenge.Scheme,
		Network:           challenge.Network,
		Asset:             challenge.Asset,
		MaxAmountRequired: challenge.MaxAmountRequired,
		PayTo:             challenge.PayTo,
		Resource:          challenge.Resource,
		Expiry:            challenge.Expiry,
		Payer:             payer,
		Timestamp:         timestamp,
	})
}

// BuildSignedPayment canonicalizes the challenge fields plus payer and
// timestamp into one message and signs it with the ephemeral key.
func BuildSignedPayment(ephemeral *crypto.PrivateKey, challenge protocol.PaymentChallenge, now time.Time) (StealthSignedPayment, error) {
	if ephemeral == nil {
		return StealthSignedPayment{}, fmt.Errorf("ephemeral identity required")
	}
	payer := ephemeral.PubKey().Address(crypto.OwnerPrefix).String()
	timestamp := now.UnixMilli()
	message, err := canonicalize(challenge, payer, timestamp)
	if err != nil {
		return StealthSignedPayment{}, fmt.Errorf("canonicalize payment: %w", err)
	}
	signature, err := ephemeral.Sign(crypto.Digest(message))
	if err != nil {
		return StealthSignedPayment{}, fmt.Errorf("sign payment: %w", err)
	}
	return StealthSignedPayment{
		PaymentID: challenge.PaymentID,
		Payer:     payer,
		Signature: hex.EncodeToString(signature),
		Message:   string(message),
		Timestamp: timestamp,
		Network:   challenge.Network,
		Asset:     challenge.Asset,
	}, nil
}

// Header renders the payment into the proof-of-payment header the gateway
// expects.
func (p StealthSignedPayment) Header() protocol.PaymentHeader {
	return protocol.PaymentHeader{
		Signature: p.Signature,
		PaymentID: p.PaymentID,
		Payer:     p.Payer,
		Timestamp: p.Timestamp,
	}
}

// Verify re-derives the canonical message for the challenge and checks that
// the signature recovers the payment's payer address.
func Verify(payment StealthSignedPayment, challenge protocol.PaymentChallenge) bool {
	message, err := canonicalize(challenge, payment.Payer, payment.Timestamp)
	if err != nil {
		return false
	}
	signature, err := hex.DecodeString(payment.Signature)
	if err != nil {
		return false
	}
	recovered, err := crypto.RecoverAddress(crypto.OwnerPrefix, crypto.Digest(message), signature)
	if err != nil {
		return false
	}
	return recovered.String() == payment.Payer
}
