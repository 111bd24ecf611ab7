package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"stealthpay/crypto"
	"stealthpay/encryption"
)

const (
	// MaxEntriesPerOwner caps each owner's list; the oldest entry is
	// evicted on overflow.
	MaxEntriesPerOwner = 10000
	// DecryptBatchLimit bounds how many entries one attested decryption
	// may open.
	DecryptBatchLimit = 50
	// FlushDebounce is the window within which mutations coalesce into a
	// single durability flush.
	FlushDebounce = time.Second
)

// ErrAttestationFailed is returned when a decryption request's signature
// does not prove control of the owner address.
var ErrAttestationFailed = errors.New("ledger: attestation signature does not match owner")

const attestationDomain = "stealthpay/ledger/attest/v1|"

// AttestationMessage is the message an owner signs to prove control of its
// address before decryption.
func AttestationMessage(owner string) []byte {
	return []byte(attestationDomain + owner)
}

// Option adjusts ledger construction.
type Option func(*Ledger)

// WithScheduler replaces the debounced flush scheduler (test only).
func WithScheduler(s Scheduler) Option {
	return func(l *Ledger) {
		if s != nil {
			l.sched = s
		}
	}
}

// WithClock overrides the ledger clock (test only).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger used for flush failures.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// Ledger is the append-only encrypted activity log. Entries are held
// in memory most-recent-first per owner and flushed to the durable store on
// a debounce timer; plaintext amounts never leave the encryption boundary.
type Ledger struct {
	mu      sync.Mutex
	entries map[string][]*Entry
	dirty   map[string]struct{}

	enc   encryption.Client
	store *Store
	sched Scheduler
	log   *slog.Logger
	now   func() time.Time
}

func NewLedger(enc encryption.Client, store *Store, opts ...Option) *Ledger {
	if enc == nil {
		panic("encryption client required")
	}
	if store == nil {
		panic("store required")
	}
	l := &Ledger{
		entries: make(map[string][]*Entry),
		dirty:   make(map[string]struct{}),
		enc:     enc,
		store:   store,
		sched:   NewDebounceScheduler(),
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads all persisted owner lists into memory. Called once at startup,
// before the ledger is shared.
func (l *Ledger) Load() error {
	loaded, err := l.store.LoadAll()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for owner, entries := range loaded {
		l.entries[owner] = entries
	}
	return nil
}

// Append encrypts the activity's composite value, prepends the resulting
// entry to the owner's list and schedules a durability flush. The append is
// visible to List as soon as Append returns; the flush is asynchronous and
// its failure is never surfaced here.
func (l *Ledger) Append(ctx context.Context, owner string, activity Activity) (*Entry, error) {
	if !activity.Kind.Known() {
		return nil, fmt.Errorf("unknown activity kind %q", activity.Kind)
	}
	now := l.now()
	composite := Pack(activity.Kind.Code(), activity.Amount, now.UnixMilli())
	handle, err := l.enc.Encrypt(ctx, composite, "activity")
	if err != nil {
		return nil, fmt.Errorf("encrypt activity: %w", err)
	}
	entry := &Entry{
		ID:        uuid.NewString(),
		Owner:     owner,
		Kind:      activity.Kind,
		Metadata:  activity.Metadata,
		Handle:    handle,
		CreatedAt: now,
	}

	// Provider-side copy of the handle survives local state loss. Best
	// effort: the local store remains authoritative.
	if err := l.enc.Store(ctx, owner, entry.ID, handle); err != nil {
		l.log.Warn("provider-side handle store failed", "owner", owner, "entry", entry.ID, "error", err)
	}

	l.mu.Lock()
	list := append([]*Entry{entry}, l.entries[owner]...)
	if len(list) > MaxEntriesPerOwner {
		list = list[:MaxEntriesPerOwner]
	}
	l.entries[owner] = list
	l.dirty[owner] = struct{}{}
	l.mu.Unlock()

	l.sched.Schedule(l.flushDirty, FlushDebounce)
	return entry, nil
}

// List returns the owner's entries, most recent first. Entries are masked
// by construction: they carry handles and plaintext-safe metadata only.
func (l *Ledger) List(owner string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.entries[owner]
	out := make([]Entry, len(list))
	for i, e := range list {
		out[i] = *e
	}
	return out
}

// AttestedDecrypt verifies that signature proves control of owner, then
// decrypts up to DecryptBatchLimit entries, most recent first. When entryID
// is non-empty only that entry is considered. A failed decryption of one
// entry is isolated: that entry comes back with Decrypted=false and the
// batch continues.
func (l *Ledger) AttestedDecrypt(ctx context.Context, owner string, signature []byte, entryID string) ([]DecryptedEntry, error) {
	addr, err := crypto.DecodeAddress(owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttestationFailed, err)
	}
	if !crypto.VerifyOwnership(addr, AttestationMessage(owner), signature) {
		return nil, ErrAttestationFailed
	}

	l.mu.Lock()
	candidates := make([]*Entry, 0, DecryptBatchLimit)
	for _, e := range l.entries[owner] {
		if entryID != "" && e.ID != entryID {
			continue
		}
		candidates = append(candidates, e)
		if len(candidates) == DecryptBatchLimit {
			break
		}
	}
	l.mu.Unlock()

	out := make([]DecryptedEntry, 0, len(candidates))
	for _, e := range candidates {
		decrypted := DecryptedEntry{Entry: *e}
		value, err := l.enc.AttestedDecrypt(ctx, owner, signature, e.Handle)
		if err == nil {
			_, amount, ts := Unpack(value)
			decrypted.Decrypted = true
			decrypted.Amount = amount
			decrypted.Timestamp = ts
		}
		out = append(out, decrypted)
	}
	return out, nil
}

// EncryptedTotal sums the owner's payment-kind entries into a single
// ciphertext handle through the provider, without materializing the
// plaintext sum. The low 56 bits of the decrypted total are summed
// timestamp residue and must be discarded by the consumer. At the
// MaxEntriesPerOwner cap the residue sum is bounded by 10^4 times the
// current millisecond timestamp, which stays below 2^56 until timestamps
// pass ~7.2e12 ms (late 22nd century), so no carry reaches the amount
// field.
type EncryptedTotal struct {
	Handle     string `json:"handle"`
	EntryCount int    `json:"entryCount"`
}

func (l *Ledger) EncryptedTotal(ctx context.Context, owner string) (EncryptedTotal, error) {
	l.mu.Lock()
	handles := make([]string, 0, 16)
	for _, e := range l.entries[owner] {
		if paymentKind(e.Kind) {
			handles = append(handles, e.Handle)
		}
	}
	l.mu.Unlock()

	if len(handles) == 0 {
		return EncryptedTotal{}, nil
	}
	handle, err := l.enc.AddCiphertexts(ctx, handles...)
	if err != nil {
		return EncryptedTotal{}, fmt.Errorf("sum ciphertexts: %w", err)
	}
	return EncryptedTotal{Handle: handle, EntryCount: len(handles)}, nil
}

// flushDirty persists every owner list touched since the last flush. A
// failed save re-marks the owner dirty so the next mutation retries it.
func (l *Ledger) flushDirty() {
	l.mu.Lock()
	pending := make(map[string][]*Entry, len(l.dirty))
	for owner := range l.dirty {
		list := l.entries[owner]
		snapshot := make([]*Entry, len(list))
		copy(snapshot, list)
		pending[owner] = snapshot
	}
	l.dirty = make(map[string]struct{})
	l.mu.Unlock()

	for owner, entries := range pending {
		if err := l.store.Save(owner, entries); err != nil {
			l.log.Error("ledger flush failed", "owner", owner, "error", err)
			l.mu.Lock()
			l.dirty[owner] = struct{}{}
			l.mu.Unlock()
		}
	}
}

// Flush forces a synchronous flush of all dirty owners. Used at shutdown.
func (l *Ledger) Flush() {
	l.flushDirty()
}
