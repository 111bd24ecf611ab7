package gateway

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"stealthpay/balance"
	"stealthpay/facilitator"
	"stealthpay/ledger"
	"stealthpay/observability/logging"
	"stealthpay/protocol"
)

const externalCallTimeout = 10 * time.Second

// ProtectedResource is one payment-gated endpoint.
type ProtectedResource struct {
	Path        string
	Amount      string
	Description string
	Handler     http.Handler
}

// ServerConfig carries the identity of the hidden recipient and the
// settlement parameters advertised in every challenge.
type ServerConfig struct {
	Network       string
	Asset         string
	PayTo         string
	Owner         string
	PoolID        string
	MetricsPrefix string
	RateLimit     RateLimit
}

// Server gates protected resources behind the payment challenge protocol
// and exposes the recipient-facing balance and activity routes.
type Server struct {
	cfg    ServerConfig
	fac    facilitator.Client
	cache  *balance.TrustCache
	reader balance.RemoteReader
	ledger *ledger.Ledger
	log    *slog.Logger

	metrics *Metrics
	limiter *RateLimiter
	nowFn   func() time.Time

	mu      sync.Mutex
	pending map[string]protocol.PaymentChallenge
}

// NewServer constructs the gateway. All collaborators are injected and
// constructed once at process start; there is no hidden global client.
func NewServer(cfg ServerConfig, fac facilitator.Client, cache *balance.TrustCache, reader balance.RemoteReader, led *ledger.Ledger, log *slog.Logger) *Server {
	if fac == nil {
		panic("facilitator client required")
	}
	if cache == nil {
		panic("balance cache required")
	}
	if led == nil {
		panic("ledger required")
	}
	if strings.TrimSpace(cfg.PayTo) == "" {
		panic("payTo address required")
	}
	if strings.TrimSpace(cfg.Owner) == "" {
		panic("owner address required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		fac:     fac,
		cache:   cache,
		reader:  reader,
		ledger:  led,
		log:     log,
		metrics: NewMetrics(cfg.MetricsPrefix),
		limiter: NewRateLimiter(cfg.RateLimit),
		nowFn:   time.Now,
	}
}

// Handler builds the HTTP surface: the protected resources plus health,
// metrics, pool balance and activity routes.
func (s *Server) Handler(resources []ProtectedResource) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler { return s.limiter.Middleware(next) })
	r.Use(s.metrics.Middleware("gateway"))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metrics.Handler())

	for _, res := range resources {
		r.Handle(res.Path, s.Protect(res))
	}

	r.Get("/pools/{address}/balance", s.handlePoolBalance)
	r.Get("/activity/{owner}", s.handleActivityList)
	r.Post("/activity/{owner}/decrypt", s.handleActivityDecrypt)
	r.Get("/activity/{owner}/total", s.handleActivityTotal)

	return r
}

// Protect wraps a resource handler in the payment gate: requests without a
// proof-of-payment header receive a 402 challenge advertisement; requests
// carrying one are verified and settled before the handler runs.
func (s *Server) Protect(res ProtectedResource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get(protocol.PaymentHeaderName))
		if token == "" {
			s.issueChallenge(w, r, res, "")
			return
		}
		s.settleAndServe(w, r, res, token)
	})
}

func (s *Server) issueChallenge(w http.ResponseWriter, r *http.Request, res ProtectedResource, reason string) {
	now := s.nowFn()
	challenge := protocol.IssueChallenge(protocol.ChallengeParams{
		Resource:    res.Path,
		PayTo:       s.cfg.PayTo,
		Network:     s.cfg.Network,
		Asset:       s.cfg.Asset,
		Amount:      res.Amount,
		Description: res.Description,
	}, now)

	s.mu.Lock()
	for id, pending := range s.pendingInit() {
		if !pending.Valid(now) {
			delete(s.pending, id)
		}
	}
	s.pending[challenge.PaymentID] = challenge
	s.mu.Unlock()

	adv := protocol.Advertise(challenge)
	for key, values := range adv.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	body := adv.Body
	if reason != "" {
		body, _ = json.Marshal(map[string]string{
			"error":     reason,
			"challenge": protocol.EncodeChallenge(challenge),
		})
	}
	w.WriteHeader(adv.Status)
	_, _ = w.Write(body)
	s.log.Info("challenge issued",
		"state", protocol.StateChallenged.String(),
		"paymentId", challenge.PaymentID,
		"resource", res.Path,
	)
}

// pendingInit returns the pending map, allocating it lazily. Callers hold mu.
func (s *Server) pendingInit() map[string]protocol.PaymentChallenge {
	if s.pending == nil {
		s.pending = make(map[string]protocol.PaymentChallenge)
	}
	return s.pending
}

// claimChallenge atomically removes and returns the pending challenge. The
// claim is the single-use gate: once a payment token claims its challenge,
// any concurrent or later replay of the same token finds nothing to claim
// and is rejected, whatever the outcome of the claiming request.
func (s *Server) claimChallenge(paymentID string) (protocol.PaymentChallenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.pendingInit()[paymentID]
	if ok {
		delete(s.pending, paymentID)
	}
	return c, ok
}

func (s *Server) settleAndServe(w http.ResponseWriter, r *http.Request, res ProtectedResource, token string) {
	header, err := protocol.DecodeHeader(token)
	if err != nil {
		// Malformed input is a hard rejection, not an invalid payment.
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	challenge, ok := s.claimChallenge(header.PaymentID)
	if !ok {
		s.reject(w, r, res, header.PaymentID, "unknown payment challenge")
		return
	}
	if !challenge.Valid(s.nowFn()) {
		s.reject(w, r, res, header.PaymentID, protocol.ErrChallengeExpired.Error())
		return
	}

	verifyCtx, cancel := context.WithTimeout(r.Context(), externalCallTimeout)
	verified := s.fac.Verify(verifyCtx, header, challenge.Requirements())
	cancel()
	if !verified.Valid {
		s.reject(w, r, res, header.PaymentID, rejectionReason("payment verification failed", verified.Error))
		return
	}
	s.log.Info("payment verified",
		"state", protocol.StateVerified.String(),
		"paymentId", header.PaymentID,
		"payer", header.Payer,
	)

	// Settlement may lag verification; the window is re-checked so a
	// stale challenge cannot settle.
	if !challenge.Valid(s.nowFn()) {
		s.reject(w, r, res, header.PaymentID, protocol.ErrChallengeExpired.Error())
		return
	}

	settleCtx, cancel := context.WithTimeout(r.Context(), externalCallTimeout)
	settled := s.fac.Settle(settleCtx, header, challenge.PayTo)
	cancel()
	if !settled.Settled {
		s.reject(w, r, res, header.PaymentID, rejectionReason("settlement failed", settled.Error))
		return
	}

	s.recordSettlement(r.Context(), challenge, header, verified, settled)
	s.log.Info("payment settled",
		"state", protocol.StateSettled.String(),
		"paymentId", header.PaymentID,
		"txSignature", settled.TxSignature,
	)
	res.Handler.ServeHTTP(w, r)
}

// recordSettlement updates the balance cache and appends the encrypted
// ledger entry. Failures here only affect displays and eventual
// consistency; the payer has already settled and must not see them.
func (s *Server) recordSettlement(ctx context.Context, challenge protocol.PaymentChallenge, header protocol.PaymentHeader, verified facilitator.VerifyResult, settled facilitator.SettleResult) {
	amountStr := verified.Amount
	if amountStr == "" {
		amountStr = challenge.MaxAmountRequired
	}
	units, err := protocol.ParseAmount(amountStr)
	if err != nil {
		s.log.Error("settled amount unparseable", "paymentId", header.PaymentID, "amount", logging.Redact("amount", amountStr), "error", err)
		return
	}

	s.cache.RecordFunding(challenge.PayTo, new(big.Int).SetUint64(units), s.cfg.PoolID, balance.SourcePaymentSuccess)

	_, err = s.ledger.Append(ctx, s.cfg.Owner, ledger.Activity{
		Kind:   ledger.KindAgentPayment,
		Amount: units,
		Metadata: map[string]string{
			"payer":       header.Payer,
			"txSignature": settled.TxSignature,
			"resource":    challenge.Resource,
		},
	})
	if err != nil {
		s.log.Error("ledger append failed after settlement", "paymentId", header.PaymentID, "error", err)
	}
}

// reject ends the request in the REJECTED state. The response carries the
// failure reason and a fresh challenge so the caller can retry from scratch;
// there are no automatic retries.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, res ProtectedResource, paymentID, reason string) {
	s.log.Info("payment rejected",
		"state", protocol.StateRejected.String(),
		"paymentId", paymentID,
		"reason", reason,
	)
	s.issueChallenge(w, r, res, reason)
}

func rejectionReason(prefix, detail string) string {
	if strings.TrimSpace(detail) == "" {
		return prefix
	}
	return prefix + ": " + detail
}

// --- recipient-facing routes ---

type poolBalanceResponse struct {
	Address    string `json:"address"`
	Amount     string `json:"amount"`
	Source     string `json:"source"`
	AgeSeconds int64  `json:"ageSeconds"`
	Trusted    bool   `json:"trusted"`
}

// handlePoolBalance reads the trust cache and, when the override is missing
// or past its trust TTL, performs the mandatory remote re-check before
// answering.
func (s *Server) handlePoolBalance(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	now := s.nowFn()

	override := s.cache.Read(address)
	if (override == nil || !override.Trusted(now)) && s.reader != nil {
		ctx, cancel := context.WithTimeout(r.Context(), externalCallTimeout)
		remote, err := s.reader.PoolBalance(ctx, address)
		cancel()
		if err != nil {
			if override == nil {
				s.writeError(w, http.StatusServiceUnavailable, err)
				return
			}
			s.log.Warn("remote balance re-check failed, serving stale override", "address", address, "error", err)
		} else {
			poolID := ""
			if override != nil {
				poolID = override.PoolID
			}
			s.cache.ReconcileWithRemote(address, remote, poolID)
			override = s.cache.Read(address)
		}
	}
	if override == nil {
		s.writeJSON(w, http.StatusOK, poolBalanceResponse{Address: address, Amount: "0"})
		return
	}
	s.writeJSON(w, http.StatusOK, poolBalanceResponse{
		Address:    address,
		Amount:     override.Amount.String(),
		Source:     string(override.Source),
		AgeSeconds: int64(override.Age(now).Seconds()),
		Trusted:    override.Trusted(now),
	})
}

func (s *Server) handleActivityList(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	entries := s.ledger.List(owner)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner":   owner,
		"entries": entries,
	})
}

type decryptRequest struct {
	Signature string `json:"signature"`
	EntryID   string `json:"entryId,omitempty"`
}

func (s *Server) handleActivityDecrypt(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	var req decryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	signature, err := hex.DecodeString(strings.TrimSpace(req.Signature))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.ledger.AttestedDecrypt(r.Context(), owner, signature, req.EntryID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ledger.ErrAttestationFailed) {
			status = http.StatusUnauthorized
		}
		s.writeError(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"owner":   owner,
		"entries": entries,
	})
}

func (s *Server) handleActivityTotal(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	total, err := s.ledger.EncryptedTotal(r.Context(), owner)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, total)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	body, _ := json.Marshal(map[string]string{"error": err.Error()})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
