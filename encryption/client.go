package encryption

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// Client is the narrow boundary to the homomorphic-encryption provider.
// Nothing outside this interface ever sees a plaintext amount once it has
// been encrypted: handles are opaque strings, summation happens inside the
// provider, and decryption requires an ownership attestation.
type Client interface {
	// Encrypt turns a plaintext value into an opaque ciphertext handle.
	Encrypt(ctx context.Context, value *uint256.Int, valueType string) (string, error)
	// AttestedDecrypt opens a handle for an owner that proved control of
	// its address with signature.
	AttestedDecrypt(ctx context.Context, owner string, signature []byte, handle string) (*uint256.Int, error)
	// AddCiphertexts sums the values behind the given handles without
	// decrypting them, returning a handle to the encrypted sum.
	AddCiphertexts(ctx context.Context, handles ...string) (string, error)
	// Store associates a handle with an owner-scoped key on the provider
	// side so it survives local state loss.
	Store(ctx context.Context, owner, key, handle string) error
}

// HTTPClient implements Client against the provider's HTTP API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient constructs a provider client with sane defaults.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type encryptRequest struct {
	Value     string `json:"value"`
	ValueType string `json:"valueType"`
}

type handleResponse struct {
	Handle string `json:"handle"`
	Error  string `json:"error,omitempty"`
}

type decryptRequest struct {
	Owner     string `json:"owner"`
	Signature string `json:"signature"`
	Handle    string `json:"handle"`
}

type decryptResponse struct {
	Value string `json:"value"`
	Error string `json:"error,omitempty"`
}

type addRequest struct {
	Handles []string `json:"handles"`
}

type storeRequest struct {
	Owner  string `json:"owner"`
	Key    string `json:"key"`
	Handle string `json:"handle"`
}

func (c *HTTPClient) Encrypt(ctx context.Context, value *uint256.Int, valueType string) (string, error) {
	if value == nil {
		return "", fmt.Errorf("value required")
	}
	var resp handleResponse
	if err := c.post(ctx, "/encrypt", encryptRequest{Value: value.Hex(), ValueType: valueType}, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("provider encrypt: %s", resp.Error)
	}
	if strings.TrimSpace(resp.Handle) == "" {
		return "", fmt.Errorf("provider returned empty handle")
	}
	return resp.Handle, nil
}

func (c *HTTPClient) AttestedDecrypt(ctx context.Context, owner string, signature []byte, handle string) (*uint256.Int, error) {
	req := decryptRequest{
		Owner:     owner,
		Signature: hex.EncodeToString(signature),
		Handle:    handle,
	}
	var resp decryptResponse
	if err := c.post(ctx, "/decrypt", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("provider decrypt: %s", resp.Error)
	}
	value, err := uint256.FromHex(resp.Value)
	if err != nil {
		return nil, fmt.Errorf("provider returned malformed value: %w", err)
	}
	return value, nil
}

func (c *HTTPClient) AddCiphertexts(ctx context.Context, handles ...string) (string, error) {
	if len(handles) == 0 {
		return "", fmt.Errorf("at least one handle required")
	}
	var resp handleResponse
	if err := c.post(ctx, "/add", addRequest{Handles: handles}, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("provider add: %s", resp.Error)
	}
	return resp.Handle, nil
}

func (c *HTTPClient) Store(ctx context.Context, owner, key, handle string) error {
	var resp handleResponse
	if err := c.post(ctx, "/store", storeRequest{Owner: owner, Key: key, Handle: handle}, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("provider store: %s", resp.Error)
	}
	return nil
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
	if strings.TrimSpace(c.apiKey) != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider %s failed: status=%d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
