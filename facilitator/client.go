package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"stealthpay/protocol"
)

// Client delegates on-chain verification and settlement to an external
// facilitator. Both calls are stateless request/response. Failures,
// including transport errors and non-2xx statuses, come back inside the
// typed result so the protocol layer can transition deterministically to
// REJECTED instead of unwinding through an error path.
type Client interface {
	Verify(ctx context.Context, header protocol.PaymentHeader, requirements protocol.PaymentRequirements) VerifyResult
	Settle(ctx context.Context, header protocol.PaymentHeader, merchantAddress string) SettleResult
}

// VerifyResult is the outcome of POST /verify.
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Payer  string `json:"payer,omitempty"`
	Amount string `json:"amount,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SettleResult is the outcome of POST /settle.
type SettleResult struct {
	Settled     bool   `json:"settled"`
	TxSignature string `json:"txSignature,omitempty"`
	Error       string `json:"error,omitempty"`
}

// HTTPClient implements Client against the facilitator's HTTP API.
type HTTPClient struct {
	baseURL string
	network string
	http    *http.Client
}

// NewHTTPClient constructs a facilitator client with sane defaults.
func NewHTTPClient(baseURL, network string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		network: network,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type verifyRequest struct {
	Header       protocol.PaymentHeader       `json:"paymentHeader"`
	Requirements protocol.PaymentRequirements `json:"requirements"`
	Network      string                       `json:"network"`
}

type settleRequest struct {
	Header          protocol.PaymentHeader `json:"paymentHeader"`
	MerchantAddress string                 `json:"merchantAddress"`
	Network         string                 `json:"network"`
}

func (c *HTTPClient) Verify(ctx context.Context, header protocol.PaymentHeader, requirements protocol.PaymentRequirements) VerifyResult {
	req := verifyRequest{Header: header, Requirements: requirements, Network: c.network}
	var result VerifyResult
	if err := c.post(ctx, "/verify", req, &result); err != nil {
		return VerifyResult{Error: err.Error()}
	}
	return result
}

func (c *HTTPClient) Settle(ctx context.Context, header protocol.PaymentHeader, merchantAddress string) SettleResult {
	req := settleRequest{Header: header, MerchantAddress: merchantAddress, Network: c.network}
	var result SettleResult
	if err := c.post(ctx, "/settle", req, &result); err != nil {
		return SettleResult{Error: err.Error()}
	}
	return result
}

func (c *HTTPClient) post(ctx context.Context, path string, payload, out interface{}) error {
	buf, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator %s unreachable: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("facilitator %s failed: status=%d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
