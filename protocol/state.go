package protocol

// State tracks one protected-resource request through the payment cycle.
// Settled and Rejected are terminal; there are no automatic retries, a
// rejected payer must request a fresh challenge.
type State int

const (
	StateUnchallenged State = iota
	StateChallenged
	StateHeaderReceived
	StateVerified
	StateSettled
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnchallenged:
		return "UNCHALLENGED"
	case StateChallenged:
		return "CHALLENGED"
	case StateHeaderReceived:
		return "HEADER_RECEIVED"
	case StateVerified:
		return "VERIFIED"
	case StateSettled:
		return "SETTLED"
	case StateRejected:
		return "REJECTED"
	}
	return "UNKNOWN"
}

// Terminal reports whether the state ends the request's lifecycle.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateRejected
}
