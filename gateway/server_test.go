package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"stealthpay/balance"
	"stealthpay/crypto"
	"stealthpay/facilitator"
	"stealthpay/ledger"
	"stealthpay/protocol"
	"stealthpay/stealth"
	"stealthpay/storage"
)

type stubFacilitator struct {
	mu          sync.Mutex
	verify      facilitator.VerifyResult
	settle      facilitator.SettleResult
	verifyCalls int
	settleCalls int
	// verifyGate, when set, blocks Verify until the channel closes so tests
	// can hold a request mid-verification.
	verifyGate chan struct{}
}

func (s *stubFacilitator) Verify(ctx context.Context, header protocol.PaymentHeader, requirements protocol.PaymentRequirements) facilitator.VerifyResult {
	s.mu.Lock()
	s.verifyCalls++
	result := s.verify
	gate := s.verifyGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return result
}

func (s *stubFacilitator) Settle(ctx context.Context, header protocol.PaymentHeader, merchantAddress string) facilitator.SettleResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleCalls++
	return s.settle
}

type stubProvider struct {
	mu     sync.Mutex
	next   int
	values map[string]*uint256.Int
}

func newStubProvider() *stubProvider {
	return &stubProvider{values: make(map[string]*uint256.Int)}
}

func (p *stubProvider) Encrypt(ctx context.Context, value *uint256.Int, valueType string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	handle := fmt.Sprintf("handle-%d", p.next)
	p.values[handle] = new(uint256.Int).Set(value)
	return handle, nil
}

func (p *stubProvider) AttestedDecrypt(ctx context.Context, owner string, signature []byte, handle string) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, ok := p.values[handle]
	if !ok {
		return nil, fmt.Errorf("unknown handle %s", handle)
	}
	return new(uint256.Int).Set(value), nil
}

func (p *stubProvider) AddCiphertexts(ctx context.Context, handles ...string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sum := new(uint256.Int)
	for _, h := range handles {
		value, ok := p.values[h]
		if !ok {
			return "", fmt.Errorf("unknown handle %s", h)
		}
		sum.Add(sum, value)
	}
	p.next++
	handle := fmt.Sprintf("sum-%d", p.next)
	p.values[handle] = sum
	return handle, nil
}

func (p *stubProvider) Store(ctx context.Context, owner, key, handle string) error {
	return nil
}

type stubReader struct {
	mu      sync.Mutex
	amount  *big.Int
	err     error
	calls   int
	lastArg string
}

func (r *stubReader) PoolBalance(ctx context.Context, poolAddress string) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.lastArg = poolAddress
	if r.err != nil {
		return nil, r.err
	}
	return new(big.Int).Set(r.amount), nil
}

type manualSched struct {
	mu sync.Mutex
	fn func()
}

func (s *manualSched) Schedule(fn func(), delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

type testEnv struct {
	server *Server
	fac    *stubFacilitator
	cache  *balance.TrustCache
	ledger *ledger.Ledger
	reader *stubReader
	owner  string
	ownKey *crypto.PrivateKey
	payTo  string
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ownerKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate owner key: %v", err)
	}
	owner := ownerKey.PubKey().Address(crypto.OwnerPrefix).String()

	poolKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate pool key: %v", err)
	}
	payTo := poolKey.PubKey().Address(crypto.PoolPrefix).String()

	fac := &stubFacilitator{
		verify: facilitator.VerifyResult{Valid: true, Amount: "0.05"},
		settle: facilitator.SettleResult{Settled: true, TxSignature: "abc123"},
	}
	cache := balance.NewTrustCache()
	led := ledger.NewLedger(newStubProvider(), ledger.NewStore(storage.NewMemDB()), ledger.WithScheduler(&manualSched{}))
	reader := &stubReader{amount: big.NewInt(0)}

	server := NewServer(ServerConfig{
		Network: "stealthnet-mainnet",
		Asset:   "mint-usdc",
		PayTo:   payTo,
		Owner:   owner,
		PoolID:  "pool-1",
	}, fac, cache, reader, led, nil)

	resources := []ProtectedResource{{
		Path:        "/ai/completion",
		Amount:      "0.05",
		Description: "one model completion",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"result":"ok"}`))
		}),
	}}

	return &testEnv{
		server: server,
		fac:    fac,
		cache:  cache,
		ledger: led,
		reader: reader,
		owner:  owner,
		ownKey: ownerKey,
		payTo:  payTo,
		router: server.Handler(resources),
	}
}

func (env *testEnv) requestChallenge(t *testing.T) protocol.PaymentChallenge {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/ai/completion", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	if w.Header().Get(protocol.ChallengeHeader) == "" {
		t.Fatal("missing auth-challenge header")
	}
	var body struct {
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode 402 body: %v", err)
	}
	challenge, err := protocol.DecodeChallenge(body.Challenge)
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	return challenge
}

func (env *testEnv) payToken(t *testing.T, challenge protocol.PaymentChallenge) string {
	t.Helper()
	ephemeral, err := crypto.GenerateEphemeral()
	if err != nil {
		t.Fatalf("generate ephemeral: %v", err)
	}
	payment, err := stealth.BuildSignedPayment(ephemeral, challenge, time.Now())
	if err != nil {
		t.Fatalf("build payment: %v", err)
	}
	return protocol.EncodeHeader(payment.Header())
}

func TestChallengeAdvertisedOnUnpaidRequest(t *testing.T) {
	env := newTestEnv(t)
	challenge := env.requestChallenge(t)

	if challenge.Resource != "/ai/completion" {
		t.Fatalf("unexpected resource %q", challenge.Resource)
	}
	if challenge.MaxAmountRequired != "0.05" {
		t.Fatalf("unexpected amount %q", challenge.MaxAmountRequired)
	}
	if challenge.PayTo != env.payTo {
		t.Fatalf("unexpected payTo %q", challenge.PayTo)
	}
	if challenge.Scheme != protocol.DefaultScheme {
		t.Fatalf("unexpected scheme %q", challenge.Scheme)
	}
}

func TestEndToEndSettlement(t *testing.T) {
	env := newTestEnv(t)
	challenge := env.requestChallenge(t)
	token := env.payToken(t, challenge)

	req := httptest.NewRequest(http.MethodGet, "/ai/completion", nil)
	req.Header.Set(protocol.PaymentHeaderName, token)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"result":"ok"`)) {
		t.Fatalf("resource body missing: %s", w.Body.String())
	}

	entries := env.ledger.List(env.owner)
	if len(entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Kind != ledger.KindAgentPayment {
		t.Fatalf("expected agent_payment, got %s", entry.Kind)
	}
	if entry.Handle == "" {
		t.Fatal("entry must carry a ciphertext handle")
	}
	if entry.Metadata["txSignature"] != "abc123" {
		t.Fatalf("unexpected metadata: %v", entry.Metadata)
	}
	listed, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal entry: %v", err)
	}
	if bytes.Contains(listed, []byte(`"amount"`)) {
		t.Fatal("plaintext amount leaked into the masked listing")
	}

	override := env.cache.Read(env.payTo)
	if override == nil {
		t.Fatal("settlement must fund the pool override")
	}
	if override.Amount.Int64() != 50000 {
		t.Fatalf("expected 50000 base units, got %s", override.Amount)
	}
	if override.Source != balance.SourcePaymentSuccess {
		t.Fatalf("unexpected source %s", override.Source)
	}
}

func TestSingleUseChallenge(t *testing.T) {
	env := newTestEnv(t)
	challenge := env.requestChallenge(t)
	token := env.payToken(t, challenge)

	for i, wantCode := range []int{http.StatusOK, http.StatusPaymentRequired} {
		req := httptest.NewRequest(http.MethodGet, "/ai/completion", nil)
		req.Header.Set(protocol.PaymentHeaderName, token)
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		if w.Code != wantCode {
			t.Fatalf("attempt %d: expected %d, got %d", i, wantCode, w.Code)
		}
	}
}

func TestConcurrentReplaySettlesOnce(t *testing.T) {
	env := newTestEnv(t)
	gate := make(chan struct{})
	env.fac.mu.Lock()
	env.fac.verifyGate = gate
	env.fac.mu.Unlock()

	challenge := env.requestChallenge(t)
	token := env.payToken(t, challenge)

	codes := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			req := httptest.NewRequest(http.MethodGet, "/ai/completion", nil)
			req.Header.Set(protocol.PaymentHeaderName, token)
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)
			codes <- w.Code
		}()
	}

	// Exactly one request claims the challenge and blocks inside Verify;
	// the other finds nothing to claim and finishes first with 402.
	first := <-codes
	if first != http.StatusPaymentRequired {
		t.Fatalf("expected the losing request to get 402, got %d", first)
	}
	close(gate)
	second := <-codes
	if second != http.StatusOK {
		t.Fatalf("expected the claiming request to get 200, got %d", second)
	}

	env.fac.mu.Lock()
	settles := env.fac.settleCalls
	env.fac.mu.Unlock()
	if settles != 1 {
		t.Fatalf("expected exactly one settlement, got %d", settles)
	}
	if entries := env.ledger.List(env.owner); len(entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(entries))
	}
	override := env.cache.Read(env.payTo)
	if override == nil || override.Amount.Int64() != 50000 {
		t.Fatalf("expected the pool funded exactly once with 50000, got %+v", override)
	}
}

func TestMalformedHeaderIsHardRejection(t *testing.T) {
	env := newTestEnv(t)
	env.requestChallenge(t)

	req := httptest.NewRequest(http.MethodGet, "/ai/completion", nil)
	req.Header.Set(protocol.PaymentHeaderName, "!!not a token!!")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if env.fac.verifyCalls != 0 {
		t.Fatal("malformed headers must not reach the facilitator")
	}
}

func TestUnknownChallengeRejected(t *testing.T) {
	env := newTestEnv(t)
	challenge := protocol.IssueChallenge(protocol.ChallengeParams{
		Resource: "/ai/completion",
		PayTo:    env.payTo,
		Network:  "stealthnet-mainnet",
		Asset:    "mint-usdc",
		Amount:   "0.05",
	}, time.Now())
	token := env.payToken(t, challenge)

	req := httptest.NewRequest(http.MethodGet, "/ai/completion", nil)
	req.Header.Set(protocol.PaymentHeaderName, token)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	if w.Header().Get(protocol.ChallengeHeader) == "" {
		t.Fatal("rejection must advertise a fresh challenge")
	}
}

func TestExpiredChallengeRejected(t *testing.T) {
	env := newTestEnv(t)
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := issued
	env.server.nowFn = func() time.Time { return now }

	challenge := env.requestChallenge(t)
	token := env.payToken(t, challenge)
	now = issued.Add(protocol.ChallengeTTL + time.Second)

	req := httptest.NewRequest(http.MethodGet, "/ai/completion", nil)
	req.Header.Set(protocol.PaymentHeaderName, token)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	if env.fac.settleCalls != 0 {
		t.Fatal("expired challenges must never settle")
	}
}

func TestVerificationFailureRejected(t *testing.T) {
	env := newTestEnv(t)
	env.fac.verify = facilitator.VerifyResult{Error: "signature invalid"}
	challenge := env.requestChallenge(t)
	token := env.payToken(t, challenge)

	req := httptest.NewRequest(http.MethodGet, "/ai/completion", nil)
	req.Header.Set(protocol.PaymentHeaderName, token)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	if env.fac.settleCalls != 0 {
		t.Fatal("failed verification must not settle")
	}
	if len(env.ledger.List(env.owner)) != 0 {
		t.Fatal("rejected payments must not reach the ledger")
	}
}

func TestSettlementFailureRejected(t *testing.T) {
	env := newTestEnv(t)
	env.fac.settle = facilitator.SettleResult{Error: "chain congestion"}
	challenge := env.requestChallenge(t)
	token := env.payToken(t, challenge)

	req := httptest.NewRequest(http.MethodGet, "/ai/completion", nil)
	req.Header.Set(protocol.PaymentHeaderName, token)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	if env.cache.Read(env.payTo) != nil {
		t.Fatal("failed settlement must not fund the pool")
	}
}

func TestPoolBalanceTrustedOverride(t *testing.T) {
	env := newTestEnv(t)
	env.cache.RecordFunding(env.payTo, big.NewInt(777), "pool-1", balance.SourceShieldTx)

	req := httptest.NewRequest(http.MethodGet, "/pools/"+env.payTo+"/balance", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp poolBalanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Amount != "777" || !resp.Trusted {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if env.reader.calls != 0 {
		t.Fatal("trusted override must not trigger a remote re-check")
	}
}

func TestPoolBalanceStaleTriggersRemoteRecheck(t *testing.T) {
	env := newTestEnv(t)
	env.reader.amount = big.NewInt(4242)

	req := httptest.NewRequest(http.MethodGet, "/pools/"+env.payTo+"/balance", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp poolBalanceResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Amount != "4242" || resp.Source != string(balance.SourceRPCConfirmed) {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if env.reader.calls != 1 {
		t.Fatalf("expected one remote read, got %d", env.reader.calls)
	}
}

func TestActivityDecryptRoute(t *testing.T) {
	env := newTestEnv(t)
	challenge := env.requestChallenge(t)
	token := env.payToken(t, challenge)

	payReq := httptest.NewRequest(http.MethodGet, "/ai/completion", nil)
	payReq.Header.Set(protocol.PaymentHeaderName, token)
	payW := httptest.NewRecorder()
	env.router.ServeHTTP(payW, payReq)
	if payW.Code != http.StatusOK {
		t.Fatalf("settlement failed: %d", payW.Code)
	}

	signature, err := env.ownKey.Sign(crypto.Digest(ledger.AttestationMessage(env.owner)))
	if err != nil {
		t.Fatalf("sign attestation: %v", err)
	}
	body, _ := json.Marshal(map[string]string{"signature": fmt.Sprintf("%x", signature)})
	req := httptest.NewRequest(http.MethodPost, "/activity/"+env.owner+"/decrypt", bytes.NewReader(body))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Entries []ledger.DecryptedEntry `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Entries) != 1 || !resp.Entries[0].Decrypted || resp.Entries[0].Amount != 50000 {
		t.Fatalf("unexpected decrypted entries: %+v", resp.Entries)
	}

	// A foreign signature never reveals amounts.
	otherKey, _ := crypto.GeneratePrivateKey()
	forged, _ := otherKey.Sign(crypto.Digest(ledger.AttestationMessage(env.owner)))
	body, _ = json.Marshal(map[string]string{"signature": fmt.Sprintf("%x", forged)})
	req = httptest.NewRequest(http.MethodPost, "/activity/"+env.owner+"/decrypt", bytes.NewReader(body))
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for foreign signature, got %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte("50000")) {
		t.Fatal("foreign signature must not reveal amounts")
	}
}

func TestActivityListMasked(t *testing.T) {
	env := newTestEnv(t)
	challenge := env.requestChallenge(t)
	token := env.payToken(t, challenge)

	payReq := httptest.NewRequest(http.MethodGet, "/ai/completion", nil)
	payReq.Header.Set(protocol.PaymentHeaderName, token)
	payW := httptest.NewRecorder()
	env.router.ServeHTTP(payW, payReq)

	req := httptest.NewRequest(http.MethodGet, "/activity/"+env.owner, nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if bytes.Contains(w.Body.Bytes(), []byte(`"amount"`)) {
		t.Fatal("masked listing must not contain plaintext amounts")
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("handle-")) {
		t.Fatal("masked listing must carry ciphertext handles")
	}
}

func TestEncryptedTotalRoute(t *testing.T) {
	env := newTestEnv(t)
	challenge := env.requestChallenge(t)
	token := env.payToken(t, challenge)

	payReq := httptest.NewRequest(http.MethodGet, "/ai/completion", nil)
	payReq.Header.Set(protocol.PaymentHeaderName, token)
	payW := httptest.NewRecorder()
	env.router.ServeHTTP(payW, payReq)

	req := httptest.NewRequest(http.MethodGet, "/activity/"+env.owner+"/total", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var total ledger.EncryptedTotal
	if err := json.Unmarshal(w.Body.Bytes(), &total); err != nil {
		t.Fatalf("decode total: %v", err)
	}
	if total.EntryCount != 1 || total.Handle == "" {
		t.Fatalf("unexpected total: %+v", total)
	}
}
