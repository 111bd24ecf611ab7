package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedHeader marks a proof-of-payment token that failed to decode.
// A malformed header is a hard rejection, distinct from a header that
// decodes but fails verification.
var ErrMalformedHeader = errors.New("malformed payment header")

// PaymentHeader is the proof-of-payment a payer presents. All four fields
// are required; transport encoding is base64 of the JSON object.
type PaymentHeader struct {
	Signature string `json:"signature"`
	PaymentID string `json:"paymentId"`
	Payer     string `json:"payer"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeHeader serializes a header into its transport token.
func EncodeHeader(h PaymentHeader) string {
	buf, _ := json.Marshal(h)
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeHeader parses a transport token. It fails closed: bad base64, bad
// JSON or any missing required field yields ErrMalformedHeader.
func DecodeHeader(token string) (PaymentHeader, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return PaymentHeader{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	var h PaymentHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return PaymentHeader{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	switch {
	case h.Signature == "":
		return PaymentHeader{}, fmt.Errorf("%w: missing signature", ErrMalformedHeader)
	case h.PaymentID == "":
		return PaymentHeader{}, fmt.Errorf("%w: missing paymentId", ErrMalformedHeader)
	case h.Payer == "":
		return PaymentHeader{}, fmt.Errorf("%w: missing payer", ErrMalformedHeader)
	case h.Timestamp == 0:
		return PaymentHeader{}, fmt.Errorf("%w: missing timestamp", ErrMalformedHeader)
	}
	return h, nil
}
