package stealth

import (
	"context"

	"stealthpay/facilitator"
)

// On-chain validity windows, in blocks. A signed-but-unsubmitted payload
// can be replayed by anyone holding it until its window closes, so
// submissions carry a window deliberately tighter than the network default.
// The canonical signed message itself carries no block height: the
// facilitator stamps TightWindow(currentHeight) as the transaction's last
// valid height when it constructs the on-chain submission.
const (
	NetworkDefaultValidityWindow = 150
	TightValidityWindow          = 60
)

// TightWindow derives the last valid block height the facilitator attaches
// to the transaction for a payment submitted at currentHeight.
func TightWindow(currentHeight uint64) uint64 {
	return currentHeight + TightValidityWindow
}

// SubmitMethod records how a payment reached the chain.
type SubmitMethod string

const (
	MethodFacilitator SubmitMethod = "facilitator"
	MethodDirect      SubmitMethod = "direct"
)

// SubmitResult is the outcome of one submission attempt. FallbackToDirect
// signals that the facilitator path failed and the caller may submit
// directly on-chain; that decision is the caller's, nothing here retries.
type SubmitResult struct {
	Success          bool
	TxSignature      string
	Method           SubmitMethod
	FallbackToDirect bool
	Error            string
}

// Submitter sends stealth-signed payments through the facilitator.
type Submitter struct {
	fac      facilitator.Client
	merchant string
}

func NewSubmitter(fac facilitator.Client, merchantAddress string) *Submitter {
	if fac == nil {
		panic("facilitator client required")
	}
	return &Submitter{fac: fac, merchant: merchantAddress}
}

// Submit attempts settlement via the facilitator.
func (s *Submitter) Submit(ctx context.Context, payment StealthSignedPayment) SubmitResult {
	settled := s.fac.Settle(ctx, payment.Header(), s.merchant)
	if settled.Settled {
		return SubmitResult{
			Success:     true,
			TxSignature: settled.TxSignature,
			Method:      MethodFacilitator,
		}
	}
	return SubmitResult{
		Method:           MethodFacilitator,
		FallbackToDirect: true,
		Error:            settled.Error,
	}
}
