package walletclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestKeys(t *testing.T) *KeyPair {
	t.Helper()
	dir := t.TempDir()
	keys, err := LoadOrGenerateKeyPair(filepath.Join(dir, "priv.pem"), filepath.Join(dir, "pub.pem"))
	if err != nil {
		t.Fatalf("LoadOrGenerateKeyPair: %v", err)
	}
	return keys
}

func TestLoadOrGenerateKeyPairPersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")

	first, err := LoadOrGenerateKeyPair(privPath, pubPath)
	if err != nil {
		t.Fatalf("first LoadOrGenerateKeyPair: %v", err)
	}
	if _, err := os.Stat(privPath); err != nil {
		t.Fatalf("expected private key file written: %v", err)
	}

	second, err := LoadOrGenerateKeyPair(privPath, pubPath)
	if err != nil {
		t.Fatalf("second LoadOrGenerateKeyPair: %v", err)
	}
	if first.Private.D.Cmp(second.Private.D) != 0 {
		t.Fatalf("expected reloaded key to match generated key")
	}
}

func TestPayInvoiceSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Bolt11 string `json:"bolt11"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Bolt11 != "lnbc1invoice" {
			t.Fatalf("unexpected bolt11: %q", req.Bolt11)
		}
		if r.Header.Get("Signature") == "" {
			t.Fatalf("expected request to carry an HTTP signature")
		}
		json.NewEncoder(w).Encode(PaymentResult{Preimage: "deadbeef", AmountSat: 1000})
	}))
	defer srv.Close()

	client := New(Config{Endpoint: srv.URL, KeyID: "wallet-key-1"}, newTestKeys(t))
	result, err := client.PayInvoice(context.Background(), "lnbc1invoice")
	if err != nil {
		t.Fatalf("PayInvoice: %v", err)
	}
	if result.Preimage != "deadbeef" || result.AmountSat != 1000 {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestPayInvoiceSurfacesWalletUnavailableOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(Config{Endpoint: srv.URL, KeyID: "wallet-key-1"}, newTestKeys(t))
	_, err := client.PayInvoice(context.Background(), "lnbc1invoice")
	if err == nil {
		t.Fatalf("expected an error when the wallet endpoint is unavailable")
	}
}

func TestPayInvoiceRequiresConfiguredEndpoint(t *testing.T) {
	client := New(Config{}, newTestKeys(t))
	if _, err := client.PayInvoice(context.Background(), "lnbc1invoice"); err == nil {
		t.Fatalf("expected an error with no wallet endpoint configured")
	}
}
