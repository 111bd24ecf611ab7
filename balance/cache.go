package balance

import (
	"math/big"
	"sync"
	"time"
)

// Source records which event last set an override.
type Source string

const (
	SourceShieldTx       Source = "shield_tx"
	SourcePaymentSuccess Source = "payment_success"
	SourceRPCConfirmed   Source = "rpc_confirmed"
)

// TrustTTL is how long an override is trusted by default. Expiry demotes an
// override to advisory, it does not delete it: the caller decides whether a
// stale override still beats a remote re-read.
const TrustTTL = 5 * time.Minute

// Override is a locally known-good balance for a pool address.
type Override struct {
	Amount    *big.Int
	Timestamp time.Time
	Source    Source
	PoolID    string
}

// Age returns how long ago the override was last refreshed.
func (o *Override) Age(now time.Time) time.Duration {
	return now.Sub(o.Timestamp)
}

// Trusted reports whether the override is still within its trust TTL.
func (o *Override) Trusted(now time.Time) bool {
	return o.Age(now) < TrustTTL
}

// TrustCacheOption adjusts cache construction.
type TrustCacheOption func(*TrustCache)

// WithClock overrides the cache clock (test only).
func WithClock(now func() time.Time) TrustCacheOption {
	return func(c *TrustCache) {
		if now != nil {
			c.now = now
		}
	}
}

// TrustCache reconciles an unreliable remote balance source against locally
// known funding and spend events. It is a smoothing layer, not a source of
// truth: losing it on restart is accepted, and no operation can fail.
type TrustCache struct {
	mu        sync.Mutex
	overrides map[string]*Override
	now       func() time.Time
}

func NewTrustCache(opts ...TrustCacheOption) *TrustCache {
	c := &TrustCache{
		overrides: make(map[string]*Override),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecordFunding sets or additively merges an override after a funding event.
func (c *TrustCache) RecordFunding(poolAddress string, amount *big.Int, poolID string, source Source) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.overrides[poolAddress]
	merged := new(big.Int).Set(amount)
	if ok {
		merged.Add(existing.Amount, amount)
	}
	c.overrides[poolAddress] = &Override{
		Amount:    merged,
		Timestamp: c.now(),
		Source:    source,
		PoolID:    poolID,
	}
}

// RecordSpend subtracts from an override, clamped at zero. An override that
// reaches zero is cleared: "no override" and "override of zero" are
// distinguishable states and only the former is retained.
func (c *TrustCache) RecordSpend(poolAddress string, amountSpent *big.Int) {
	if amountSpent == nil || amountSpent.Sign() <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.overrides[poolAddress]
	if !ok {
		return
	}
	remaining := new(big.Int).Sub(existing.Amount, amountSpent)
	if remaining.Sign() <= 0 {
		delete(c.overrides, poolAddress)
		return
	}
	c.overrides[poolAddress] = &Override{
		Amount:    remaining,
		Timestamp: c.now(),
		Source:    existing.Source,
		PoolID:    existing.PoolID,
	}
}

// ReconcileWithRemote folds a remote balance reading into the cache. A
// non-zero reading replaces whatever is cached and is marked rpc_confirmed.
// A zero reading is discarded when an override exists: the remote source is
// known to produce spurious zeros but not spurious positives.
func (c *TrustCache) ReconcileWithRemote(poolAddress string, remoteAmount *big.Int, poolID string) {
	if remoteAmount == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if remoteAmount.Sign() > 0 {
		c.overrides[poolAddress] = &Override{
			Amount:    new(big.Int).Set(remoteAmount),
			Timestamp: c.now(),
			Source:    SourceRPCConfirmed,
			PoolID:    poolID,
		}
		return
	}
	// remote says zero: keep the local override if there is one
}

// Read returns a copy of the override for poolAddress, or nil when none
// exists. Overrides past their trust TTL are still returned; the copy
// carries its own timestamp so the caller can apply policy.
func (c *TrustCache) Read(poolAddress string) *Override {
	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.overrides[poolAddress]
	if !ok {
		return nil
	}
	return &Override{
		Amount:    new(big.Int).Set(existing.Amount),
		Timestamp: existing.Timestamp,
		Source:    existing.Source,
		PoolID:    existing.PoolID,
	}
}
