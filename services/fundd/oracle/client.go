// Package oracle adapts a decryption-gateway REST API to the engine's oracle
// interface. Plaintext values never flow through this client; it submits
// handles and receives only the request identifier, with callbacks delivered
// separately to the fundd callback endpoint.
package oracle

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/romain-mg/unknownfinance/fund"
)

// Client submits decryption requests over HTTP.
type Client struct {
	httpClient  *http.Client
	endpoint    string
	bearerToken string
	timeout     time.Duration
}

// NewClient constructs the oracle adapter. The endpoint is the gateway base
// URL without a trailing slash.
func NewClient(endpoint, bearerToken string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("oracle endpoint required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		endpoint:    trimmed,
		bearerToken: strings.TrimSpace(bearerToken),
		timeout:     timeout,
	}, nil
}

type decryptionRequest struct {
	Handles  []string `json:"handles"`
	Deadline int64    `json:"deadline"`
}

type decryptionResponse struct {
	RequestID uint64 `json:"request_id"`
}

// RequestDecryption submits the handles and returns the gateway-assigned
// request identifier. Each submission carries a fresh idempotency key so
// gateway-side retries cannot double-register a request.
func (c *Client) RequestDecryption(handles []fund.CiphertextHandle, deadline int64) (uint64, error) {
	if len(handles) == 0 {
		return 0, fmt.Errorf("at least one handle required")
	}
	payload := decryptionRequest{Deadline: deadline}
	for _, handle := range handles {
		payload.Handles = append(payload.Handles, "0x"+hex.EncodeToString(handle[:]))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal decryption request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/decrypt", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build decryption request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("submit decryption request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("oracle gateway status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var decoded decryptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0, fmt.Errorf("decode oracle response: %w", err)
	}
	if decoded.RequestID == 0 {
		return 0, fmt.Errorf("oracle gateway returned empty request id")
	}
	return decoded.RequestID, nil
}

var _ fund.DecryptionOracle = (*Client)(nil)
