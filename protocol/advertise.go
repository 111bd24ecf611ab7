package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Header names of the challenge advertisement.
const (
	// ChallengeHeader is the WWW-Authenticate-style advertisement header.
	ChallengeHeader = "WWW-Authenticate"
	// PaymentHeaderName carries the payer's proof-of-payment token.
	PaymentHeaderName = "X-Payment"
)

const challengeScheme = "Payment"

// Advertisement is the machine-readable form of a challenge: a 402 status,
// an auth-challenge header and a redundant encoded body copy, so that both
// header-only and body-reading clients can recover the challenge.
type Advertisement struct {
	Status int
	Header http.Header
	Body   []byte
}

// EncodeChallenge produces the base64-JSON form shared by the header token
// and the response body.
func EncodeChallenge(c PaymentChallenge) string {
	buf, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeChallenge is the inverse of EncodeChallenge.
func DecodeChallenge(token string) (PaymentChallenge, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return PaymentChallenge{}, fmt.Errorf("decode challenge: %w", err)
	}
	var c PaymentChallenge
	if err := json.Unmarshal(raw, &c); err != nil {
		return PaymentChallenge{}, fmt.Errorf("decode challenge: %w", err)
	}
	return c, nil
}

// Advertise renders a challenge into its 402 response.
func Advertise(c PaymentChallenge) Advertisement {
	encoded := EncodeChallenge(c)
	header := http.Header{}
	header.Set(ChallengeHeader, fmt.Sprintf("%s scheme=%q, network=%q, challenge=%q", challengeScheme, c.Scheme, c.Network, encoded))
	header.Set("Content-Type", "application/json")
	body, _ := json.Marshal(map[string]string{
		"error":     "payment required",
		"challenge": encoded,
	})
	return Advertisement{
		Status: http.StatusPaymentRequired,
		Header: header,
		Body:   body,
	}
}

// ParseAdvertisement recovers a challenge from a 402 response's
// WWW-Authenticate header value. Clients that prefer the body can decode
// the "challenge" field with DecodeChallenge instead.
func ParseAdvertisement(headerValue string) (PaymentChallenge, error) {
	value := strings.TrimSpace(headerValue)
	if !strings.HasPrefix(value, challengeScheme+" ") {
		return PaymentChallenge{}, fmt.Errorf("unexpected auth scheme in %q", headerValue)
	}
	for _, part := range strings.Split(value[len(challengeScheme)+1:], ",") {
		part = strings.TrimSpace(part)
		if token, ok := strings.CutPrefix(part, "challenge="); ok {
			return DecodeChallenge(strings.Trim(token, `"`))
		}
	}
	return PaymentChallenge{}, fmt.Errorf("no challenge parameter in %q", headerValue)
}
