// Package chain adapts the settlement-gateway REST API to the engine's
// collaborator interfaces: confidential token primitives, the share ledger,
// the swap venue and market data.
package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/romain-mg/unknownfinance/fund"
)

// Client is the shared HTTP transport for all gateway adapters.
type Client struct {
	httpClient  *http.Client
	endpoint    string
	bearerToken string
	timeout     time.Duration
}

// NewClient constructs the gateway transport.
func NewClient(endpoint, bearerToken string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("chain endpoint required")
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

func (c *Client) do(method, path string, payload, result any, idempotent bool) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotent {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway status %d on %s: %s", resp.StatusCode, path, strings.TrimSpace(string(snippet)))
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

func encodeHandle(handle fund.CiphertextHandle) string {
	return "0x" + hex.EncodeToString(handle[:])
}

func decodeHandle(raw string) (fund.CiphertextHandle, error) {
	var handle fund.CiphertextHandle
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != len(handle) {
		return handle, fmt.Errorf("invalid ciphertext handle %q", raw)
	}
	copy(handle[:], decoded)
	return handle, nil
}

func encodeAddress(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

// TokenAdapter exposes one confidential token's gateway surface.
type TokenAdapter struct {
	client *Client
	symbol string
}

// Token returns the adapter for the named confidential token.
func (c *Client) Token(symbol string) *TokenAdapter {
	return &TokenAdapter{client: c, symbol: url.PathEscape(strings.TrimSpace(symbol))}
}

func (t *TokenAdapter) path(suffix string) string {
	return "/v1/tokens/" + t.symbol + suffix
}

type transferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount_handle"`
	Proof  string `json:"proof,omitempty"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

// TransferFrom submits a confidential transfer. The returned boolean is the
// primitive's unreliable success flag; the encrypted error log is the
// authoritative channel, so transport failures surface as false here and as a
// non-zero error code there.
func (t *TokenAdapter) TransferFrom(from, to [20]byte, amount fund.CiphertextHandle, proof []byte) bool {
	payload := transferRequest{
		From:   encodeAddress(from),
		To:     encodeAddress(to),
		Amount: encodeHandle(amount),
	}
	if len(proof) > 0 {
		payload.Proof = "0x" + hex.EncodeToString(proof)
	}
	var resp okResponse
	if err := t.client.do(http.MethodPost, t.path("/transfer-from"), payload, &resp, true); err != nil {
		return false
	}
	return resp.OK
}

// Transfer moves an already-custodied encrypted amount.
func (t *TokenAdapter) Transfer(from, to [20]byte, amount fund.CiphertextHandle) bool {
	payload := transferRequest{
		From:   encodeAddress(from),
		To:     encodeAddress(to),
		Amount: encodeHandle(amount),
	}
	var resp okResponse
	if err := t.client.do(http.MethodPost, t.path("/transfer"), payload, &resp, true); err != nil {
		return false
	}
	return resp.OK
}

// ErrorLogLength returns the current length of the token's encrypted error log.
func (t *TokenAdapter) ErrorLogLength() (uint64, error) {
	var resp struct {
		Length uint64 `json:"length"`
	}
	if err := t.client.do(http.MethodGet, t.path("/errors/length"), nil, &resp, false); err != nil {
		return 0, err
	}
	return resp.Length, nil
}

// ErrorAt returns the encrypted error code at the supplied log index.
func (t *TokenAdapter) ErrorAt(index uint64) (fund.CiphertextHandle, error) {
	var resp struct {
		Handle string `json:"handle"`
	}
	if err := t.client.do(http.MethodGet, fmt.Sprintf("%s/errors/%d", t.path(""), index), nil, &resp, false); err != nil {
		return fund.CiphertextHandle{}, err
	}
	return decodeHandle(resp.Handle)
}

type amountRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// Wrap converts plain balance into confidential form for the account.
func (t *TokenAdapter) Wrap(to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid wrap amount")
	}
	return t.client.do(http.MethodPost, t.path("/wrap"), amountRequest{Account: encodeAddress(to), Amount: amount.String()}, nil, true)
}

// Unwrap converts confidential balance back into plain form.
func (t *TokenAdapter) Unwrap(from [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid unwrap amount")
	}
	return t.client.do(http.MethodPost, t.path("/unwrap"), amountRequest{Account: encodeAddress(from), Amount: amount.String()}, nil, true)
}

// BalanceOf returns the encrypted balance handle for the account.
func (t *TokenAdapter) BalanceOf(addr [20]byte) (fund.CiphertextHandle, error) {
	var resp struct {
		Handle string `json:"handle"`
	}
	if err := t.client.do(http.MethodGet, t.path("/balance/"+encodeAddress(addr)), nil, &resp, false); err != nil {
		return fund.CiphertextHandle{}, err
	}
	return decodeHandle(resp.Handle)
}

// Le computes the encrypted comparison a <= b.
func (t *TokenAdapter) Le(a, b fund.CiphertextHandle) (fund.CiphertextHandle, error) {
	payload := struct {
		A string `json:"a"`
		B string `json:"b"`
	}{A: encodeHandle(a), B: encodeHandle(b)}
	var resp struct {
		Handle string `json:"handle"`
	}
	if err := t.client.do(http.MethodPost, t.path("/le"), payload, &resp, false); err != nil {
		return fund.CiphertextHandle{}, err
	}
	return decodeHandle(resp.Handle)
}

// Mint issues plain supply to the account.
func (t *TokenAdapter) Mint(to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("invalid mint amount")
	}
	return t.client.do(http.MethodPost, t.path("/mint"), amountRequest{Account: encodeAddress(to), Amount: amount.String()}, nil, true)
}

// Burn destroys plain supply held by the account.
func (t *TokenAdapter) Burn(from [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("invalid burn amount")
	}
	return t.client.do(http.MethodPost, t.path("/burn"), amountRequest{Account: encodeAddress(from), Amount: amount.String()}, nil, true)
}

// TotalSupply returns the plain share supply.
func (t *TokenAdapter) TotalSupply() (*big.Int, error) {
	var resp struct {
		Supply string `json:"supply"`
	}
	if err := t.client.do(http.MethodGet, t.path("/supply"), nil, &resp, false); err != nil {
		return nil, err
	}
	supply, ok := new(big.Int).SetString(strings.TrimSpace(resp.Supply), 10)
	if !ok {
		return nil, fmt.Errorf("invalid supply %q", resp.Supply)
	}
	return supply, nil
}

// ApproveSpend grants the venue a spending allowance on the plain token.
func (c *Client) ApproveSpend(token string, amount *big.Int, expiry int64) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("invalid approval amount")
	}
	payload := struct {
		Token  string `json:"token"`
		Amount string `json:"amount"`
		Expiry int64  `json:"expiry"`
	}{Token: strings.TrimSpace(token), Amount: amount.String(), Expiry: expiry}
	return c.do(http.MethodPost, "/v1/venue/approve", payload, nil, true)
}

// Swap executes a pool trade and returns the realised output amount.
func (c *Client) Swap(pool fund.PoolKey, amountIn, minAmountOut *big.Int, deadline int64, direction fund.SwapDirection) (*big.Int, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, fmt.Errorf("invalid swap input amount")
	}
	dir := "stable_to_token"
	if direction == fund.SwapTokenToStable {
		dir = "token_to_stable"
	}
	payload := struct {
		Base      string `json:"base"`
		Quote     string `json:"quote"`
		FeeBps    uint32 `json:"fee_bps"`
		Venue     string `json:"venue"`
		AmountIn  string `json:"amount_in"`
		MinOut    string `json:"min_amount_out"`
		Deadline  int64  `json:"deadline"`
		Direction string `json:"direction"`
	}{
		Base:      pool.Base,
		Quote:     pool.Quote,
		FeeBps:    pool.FeeBps,
		Venue:     pool.VenueID,
		AmountIn:  amountIn.String(),
		MinOut:    minAmountOut.String(),
		Deadline:  deadline,
		Direction: dir,
	}
	var resp struct {
		AmountOut string `json:"amount_out"`
	}
	if err := c.do(http.MethodPost, "/v1/venue/swap", payload, &resp, true); err != nil {
		return nil, err
	}
	out, ok := new(big.Int).SetString(strings.TrimSpace(resp.AmountOut), 10)
	if !ok {
		return nil, fmt.Errorf("invalid swap output %q", resp.AmountOut)
	}
	return out, nil
}

// IndexMarketCaps returns the total and per-token market capitalisations.
func (c *Client) IndexMarketCaps(tokens []string) (*big.Int, []*big.Int, error) {
	if len(tokens) == 0 {
		return nil, nil, fmt.Errorf("at least one token required")
	}
	query := url.Values{"tokens": []string{strings.Join(tokens, ",")}}
	var resp struct {
		Total string            `json:"total"`
		Caps  map[string]string `json:"caps"`
	}
	if err := c.do(http.MethodGet, "/v1/market/caps?"+query.Encode(), nil, &resp, false); err != nil {
		return nil, nil, err
	}
	total, ok := new(big.Int).SetString(strings.TrimSpace(resp.Total), 10)
	if !ok {
		return nil, nil, fmt.Errorf("invalid total market cap %q", resp.Total)
	}
	caps := make([]*big.Int, len(tokens))
	for i, token := range tokens {
		raw, found := resp.Caps[token]
		if !found {
			return nil, nil, fmt.Errorf("missing market cap for %s", token)
		}
		parsed, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
		if !ok {
			return nil, nil, fmt.Errorf("invalid market cap for %s: %q", token, raw)
		}
		caps[i] = parsed
	}
	return total, caps, nil
}

// TokenPrice returns the spot price in stablecoin base units per whole token.
// The gateway serves either a decimal string or a num/den fraction; big.Rat
// parses both.
func (c *Client) TokenPrice(token string) (*big.Rat, error) {
	var resp struct {
		Price string `json:"price"`
	}
	if err := c.do(http.MethodGet, "/v1/market/price/"+url.PathEscape(strings.TrimSpace(token)), nil, &resp, false); err != nil {
		return nil, err
	}
	price, ok := new(big.Rat).SetString(strings.TrimSpace(resp.Price))
	if !ok {
		return nil, fmt.Errorf("invalid price for %s: %q", token, resp.Price)
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive price for %s", token)
	}
	return price, nil
}

var (
	_ fund.ConfidentialToken = (*TokenAdapter)(nil)
	_ fund.ShareToken        = (*TokenAdapter)(nil)
	_ fund.SwapVenue         = (*Client)(nil)
	_ fund.MarketData        = (*Client)(nil)
)
