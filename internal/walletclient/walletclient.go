// Package walletclient delegates Lightning settlement to an external,
// NWC-shaped wallet HTTP endpoint — the core never holds funds (spec.md §1
// "no custody of Lightning funds"). Adapted from the teacher's
// internal/ap RSA keypair + outbound HTTP-signature delivery: the same
// signing shape authenticates pay_invoice requests instead of
// ActivityPub deliveries.
package walletclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-fed/httpsig"

	"github.com/nostrmls/core/internal/coreerr"
)

// KeyPair is the RSA key pair used to sign outbound wallet requests. RSA,
// not the core's native secp256k1, because httpsig's RSA-SHA256 signing
// scheme is what authenticates these requests — the same scheme the
// teacher bridge uses for outbound ActivityPub deliveries
// (internal/ap/keys.go).
type KeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// Fingerprint is a short, stable identifier for Public, used as the
// httpsig key id when Config.KeyID is left unset.
func (kp *KeyPair) Fingerprint() string {
	sum := sha256.Sum256(x509.MarshalPKCS1PublicKey(kp.Public))
	return hex.EncodeToString(sum[:8])
}

// LoadOrGenerateKeyPair loads an RSA key pair from privatePath/publicPath,
// generating and persisting a fresh pair the first time the daemon runs
// against a given data directory.
func LoadOrGenerateKeyPair(privatePath, publicPath string) (*KeyPair, error) {
	_, privErr := os.Stat(privatePath)
	_, pubErr := os.Stat(publicPath)
	switch {
	case os.IsNotExist(privErr) && os.IsNotExist(pubErr):
		slog.Info("walletclient: generating wallet signing key pair", "private", privatePath, "public", publicPath)
		return generateKeyPair(privatePath, publicPath)
	case privErr != nil:
		return nil, fmt.Errorf("walletclient: stat private key: %w", privErr)
	case pubErr != nil:
		return nil, fmt.Errorf("walletclient: stat public key: %w", pubErr)
	}

	privPEM, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("walletclient: read private key: %w", err)
	}
	pubPEM, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("walletclient: read public key: %w", err)
	}
	return decodeKeyPair(privPEM, pubPEM)
}

// generateKeyPair creates a fresh key pair and persists both halves as PEM
// files, building the KeyPair directly from the freshly generated key
// rather than round-tripping it back through decodeKeyPair.
func generateKeyPair(privatePath, publicPath string) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("walletclient: generate RSA key: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("walletclient: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	if err := os.WriteFile(privatePath, privPEM, 0600); err != nil {
		return nil, fmt.Errorf("walletclient: write private key: %w", err)
	}
	if err := os.WriteFile(publicPath, pubPEM, 0644); err != nil {
		return nil, fmt.Errorf("walletclient: write public key: %w", err)
	}
	return &KeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

func decodeKeyPair(privPEM, pubPEM []byte) (*KeyPair, error) {
	privBlock, _ := pem.Decode(privPEM)
	if privBlock == nil {
		return nil, fmt.Errorf("walletclient: decode private key PEM")
	}
	priv, err := x509.ParsePKCS1PrivateKey(privBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("walletclient: parse private key: %w", err)
	}

	pubBlock, _ := pem.Decode(pubPEM)
	if pubBlock == nil {
		return nil, fmt.Errorf("walletclient: decode public key PEM")
	}
	pubAny, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("walletclient: parse public key: %w", err)
	}
	pub, ok := pubAny.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("walletclient: not an RSA public key")
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// PaymentResult is the wallet endpoint's response to a pay_invoice request.
type PaymentResult struct {
	Preimage  string `json:"preimage"`
	AmountSat int64  `json:"amount_sat"`
}

// Config points at the configured wallet endpoint (§1, §6 pay_invoice).
type Config struct {
	Endpoint string
	KeyID    string
	Timeout  time.Duration
}

// Client pays invoices by delegating to an external wallet endpoint,
// authenticating each request with an HTTP signature over the body.
type Client struct {
	cfg  Config
	keys *KeyPair
	http *http.Client
}

func New(cfg Config, keys *KeyPair) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.KeyID == "" && keys != nil {
		cfg.KeyID = keys.Fingerprint()
	}
	return &Client{cfg: cfg, keys: keys, http: &http.Client{Timeout: cfg.Timeout}}
}

// PayInvoice asks the configured wallet to settle bolt11, returning the
// preimage the core annotates onto the resulting payment event (§4.7).
// The core never sees or custodies the funds directly.
func (c *Client) PayInvoice(ctx context.Context, bolt11 string) (*PaymentResult, error) {
	if c.cfg.Endpoint == "" {
		return nil, coreerr.New(coreerr.WalletUnavailable, "no wallet endpoint configured")
	}

	body, err := json.Marshal(struct {
		Bolt11 string `json:"bolt11"`
	}{Bolt11: bolt11})
	if err != nil {
		return nil, fmt.Errorf("walletclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("walletclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return nil, fmt.Errorf("walletclient: create signer: %w", err)
	}
	if err := signer.SignRequest(c.keys.Private, c.cfg.KeyID, req, body); err != nil {
		return nil, fmt.Errorf("walletclient: sign request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.WalletUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, coreerr.New(coreerr.WalletUnavailable, fmt.Sprintf("wallet returned HTTP %d", resp.StatusCode))
	}

	var result PaymentResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, coreerr.Wrap(coreerr.WalletUnavailable, err)
	}
	return &result, nil
}
