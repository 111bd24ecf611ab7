package protocol

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := PaymentHeader{
		Signature: "deadbeef",
		PaymentID: "pay-1",
		Payer:     "sp1qexample",
		Timestamp: 1700000000000,
	}
	decoded, err := DecodeHeader(EncodeHeader(h))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != h {
		t.Fatalf("round trip mismatch: %+v != %+v", decoded, h)
	}
}

func TestDecodeHeaderMissingFields(t *testing.T) {
	cases := map[string]PaymentHeader{
		"signature": {PaymentID: "p", Payer: "a", Timestamp: 1},
		"paymentId": {Signature: "s", Payer: "a", Timestamp: 1},
		"payer":     {Signature: "s", PaymentID: "p", Timestamp: 1},
		"timestamp": {Signature: "s", PaymentID: "p", Payer: "a"},
	}
	for missing, header := range cases {
		_, err := DecodeHeader(EncodeHeader(header))
		if !errors.Is(err, ErrMalformedHeader) {
			t.Fatalf("missing %s: expected ErrMalformedHeader, got %v", missing, err)
		}
	}
}

func TestDecodeHeaderGarbage(t *testing.T) {
	if _, err := DecodeHeader("not base64!!!"); !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader for bad base64, got %v", err)
	}
	notJSON := base64.StdEncoding.EncodeToString([]byte("not json"))
	if _, err := DecodeHeader(notJSON); !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("expected ErrMalformedHeader for bad JSON, got %v", err)
	}
}
