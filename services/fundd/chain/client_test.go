package chain

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/romain-mg/unknownfinance/fund"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, "chain-secret", time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestTransferFromReportsGatewayFlag(t *testing.T) {
	var sawAuth, sawIdempotency bool
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tokens/cUSDX/transfer-from" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		sawAuth = r.Header.Get("Authorization") == "Bearer chain-secret"
		sawIdempotency = r.Header.Get("Idempotency-Key") != ""
		_ = json.NewEncoder(w).Encode(okResponse{OK: true})
	})

	token := client.Token("cUSDX")
	ok := token.TransferFrom([20]byte{0x02}, [20]byte{0xF0}, fund.CiphertextHandle{0xAA}, []byte{0x01})
	if !ok {
		t.Fatalf("expected transfer flag true")
	}
	if !sawAuth || !sawIdempotency {
		t.Fatalf("expected bearer and idempotency headers")
	}
}

func TestTransferFromFalseOnTransportFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	if client.Token("cUSDX").TransferFrom([20]byte{0x02}, [20]byte{0xF0}, fund.CiphertextHandle{0xAA}, nil) {
		t.Fatalf("expected transfer flag false on gateway failure")
	}
}

func TestErrorLogRoundTrip(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/errors/length"):
			_ = json.NewEncoder(w).Encode(map[string]uint64{"length": 3})
		case strings.HasSuffix(r.URL.Path, "/errors/2"):
			_ = json.NewEncoder(w).Encode(map[string]string{"handle": "0x" + strings.Repeat("bb", 32)})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	token := client.Token("cUSDX")
	length, err := token.ErrorLogLength()
	if err != nil {
		t.Fatalf("error log length: %v", err)
	}
	if length != 3 {
		t.Fatalf("unexpected length %d", length)
	}
	handle, err := token.ErrorAt(length - 1)
	if err != nil {
		t.Fatalf("error at: %v", err)
	}
	if handle[0] != 0xBB {
		t.Fatalf("unexpected handle %x", handle[:2])
	}
}

func TestSwapDecodesOutput(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/venue/swap" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["direction"] != "token_to_stable" {
			t.Fatalf("unexpected direction %v", payload["direction"])
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"amount_out": "900000"})
	})

	pool := fund.PoolKey{Base: "TKA", Quote: "USDX", FeeBps: 30, VenueID: "amm"}
	out, err := client.Swap(pool, big.NewInt(1_000_000), big.NewInt(850_000), 1_700_000_500, fund.SwapTokenToStable)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if out.Int64() != 900_000 {
		t.Fatalf("unexpected output %v", out)
	}
}

func TestIndexMarketCapsAlignsWithRequest(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tokens") != "TKA,TKB" {
			t.Fatalf("unexpected tokens query %q", r.URL.Query().Get("tokens"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"total": "1000",
			"caps":  map[string]string{"TKA": "600", "TKB": "400"},
		})
	})

	total, caps, err := client.IndexMarketCaps([]string{"TKA", "TKB"})
	if err != nil {
		t.Fatalf("index market caps: %v", err)
	}
	if total.Int64() != 1000 {
		t.Fatalf("unexpected total %v", total)
	}
	if caps[0].Int64() != 600 || caps[1].Int64() != 400 {
		t.Fatalf("caps misaligned: %v", caps)
	}
}

func TestTokenPriceParsesFractionAndDecimal(t *testing.T) {
	prices := map[string]string{
		"TKA": "2000000",
		"TKB": "3000000/2",
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		symbol := parts[len(parts)-1]
		_ = json.NewEncoder(w).Encode(map[string]string{"price": prices[symbol]})
	})

	price, err := client.TokenPrice("TKA")
	if err != nil {
		t.Fatalf("token price: %v", err)
	}
	if price.Cmp(big.NewRat(2_000_000, 1)) != 0 {
		t.Fatalf("unexpected TKA price %v", price)
	}
	price, err = client.TokenPrice("TKB")
	if err != nil {
		t.Fatalf("token price: %v", err)
	}
	if price.Cmp(big.NewRat(3_000_000, 2)) != 0 {
		t.Fatalf("unexpected TKB price %v", price)
	}
}
