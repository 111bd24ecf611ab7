package protocol

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ChallengeTTL is the validity window of an issued challenge.
const ChallengeTTL = 300 * time.Second

// ErrChallengeExpired marks a payment presented against a challenge whose
// validity window has closed.
var ErrChallengeExpired = errors.New("payment challenge expired")

// DefaultScheme is the only payment scheme this gateway speaks: the payer
// owes exactly the advertised amount.
const DefaultScheme = "exact"

// PaymentChallenge is a time-bounded payment obligation minted for one
// protected-resource request. Challenges are never mutated and never
// persisted: an unanswered challenge simply expires.
type PaymentChallenge struct {
	PaymentID         string `json:"paymentId"`
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	PayTo             string `json:"payTo"`
	Expiry            int64  `json:"expiry"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
}

// ChallengeParams carries the per-resource inputs to IssueChallenge.
type ChallengeParams struct {
	Resource    string
	PayTo       string
	Network     string
	Asset       string
	Amount      string
	Description string
}

// IssueChallenge mints a fresh challenge. It always succeeds: the id is a
// new UUID and the expiry is now + ChallengeTTL.
func IssueChallenge(params ChallengeParams, now time.Time) PaymentChallenge {
	return PaymentChallenge{
		PaymentID:         uuid.NewString(),
		Scheme:            DefaultScheme,
		Network:           params.Network,
		Asset:             params.Asset,
		MaxAmountRequired: params.Amount,
		PayTo:             params.PayTo,
		Expiry:            now.Add(ChallengeTTL).Unix(),
		Resource:          params.Resource,
		Description:       params.Description,
	}
}

// Valid reports whether the challenge is still within its window. It is
// checked both before accepting a header and again before settling, since
// settlement may be delayed.
func (c PaymentChallenge) Valid(now time.Time) bool {
	return now.Unix() < c.Expiry
}

// Requirements derives the facilitator-facing payment requirements from a
// challenge.
func (c PaymentChallenge) Requirements() PaymentRequirements {
	return PaymentRequirements{
		Scheme:  c.Scheme,
		Network: c.Network,
		Asset:   c.Asset,
		PayTo:   c.PayTo,
		Amount:  c.MaxAmountRequired,
	}
}

// PaymentRequirements is the requirement set shipped to the facilitator
// alongside a payment header on verify and settle.
type PaymentRequirements struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
	Asset   string `json:"asset"`
	PayTo   string `json:"payTo"`
	Amount  string `json:"amount"`
}
