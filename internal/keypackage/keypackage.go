// Package keypackage implements the Key-Package Service (C4): generating,
// publishing, parsing, and revoking MLS key packages. Grounded on the
// simplified Ed25519+X25519-like MLS credential shape in
// other_examples/f3aea00d_germtb-mlsgit__internal-mls-group.go.go
// (MLSKeys/KeyPackageData), extended with the ciphersuite tag and
// consumed-tracking spec.md §4.4 requires, and on the teacher's kind-5
// deletion-publish pattern for revoke_all.
package keypackage

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nostrmls/core/internal/codec"
	"github.com/nostrmls/core/internal/coreerr"
	"github.com/nostrmls/core/internal/store"
)

// Ciphersuite identifies the MLS ciphersuite a key package was generated
// under. Only one is currently supported; the field exists so a future
// ciphersuite can be introduced without breaking the wire format.
type Ciphersuite uint16

const CiphersuiteEd25519X25519AESGCMSHA256 Ciphersuite = 0x0001

// Data is the structural content of a key package (credential + init key),
// serialized as the kind-443 event's content.
type Data struct {
	Ciphersuite Ciphersuite `json:"ciphersuite"`
	SigPub      []byte      `json:"sig_pub"`  // Ed25519 leaf-node signing public key
	InitPub     []byte      `json:"init_pub"` // X25519-like init public key
}

// Secrets is the private counterpart to Data, sealed at rest under the
// identity manager's master key and never transmitted.
type Secrets struct {
	SigPriv  ed25519.PrivateKey `json:"sig_priv"`
	InitPriv []byte             `json:"init_priv"`
}

// Sealer is the subset of *identity.Manager the key-package service needs
// for at-rest encryption of private credential material.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(wrapped string) ([]byte, error)
}

// Publisher publishes a signed event to the account's key-package relays.
type Publisher interface {
	Publish(ctx context.Context, ev *codec.Event) error
}

// Store is the subset of *store.Store the service needs.
type Store interface {
	InsertKeyPackage(store.KeyPackageRow) error
	MarkKeyPackageConsumed(eventID string) error
	ListUnconsumedKeyPackages(accountPubKey string) ([]store.KeyPackageRow, error)
	GetKeyPackage(eventID string) (*store.KeyPackageRow, error)
	PutKV(key, value string) error
	GetKV(key string) (string, bool, error)
}

// SigningAccount provides the capability to sign an event as the account,
// mirroring internal/identity.Manager.SignWith without importing it
// directly (keypackage stays a leaf package; identity stays independent).
type SigningAccount interface {
	SignWith(pubkey string, fn func(secretKeyHex string) error) error
}

// Service implements C4.
type Service struct {
	store     Store
	sealer    Sealer
	identity  SigningAccount
	publisher Publisher
}

func New(st Store, sealer Sealer, identity SigningAccount, pub Publisher) *Service {
	return &Service{store: st, sealer: sealer, identity: identity, publisher: pub}
}

func secretKVKey(eventID string) string { return "kp_secret:" + eventID }

// GenerateAndPublish draws a fresh key pair, wraps it as a kind-443 event
// signed by pubkey, publishes it through the service's Publisher, persists both the
// public key-package row and the sealed private material, and returns the
// event id.
func (s *Service) GenerateAndPublish(ctx context.Context, pubkey string) (eventID string, err error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("keypackage: generate signing key: %w", err)
	}
	initPriv := make([]byte, 32)
	if _, err := rand.Read(initPriv); err != nil {
		return "", fmt.Errorf("keypackage: generate init key: %w", err)
	}
	initPubSum := sha256.Sum256(initPriv)
	initPub := initPubSum[:]

	data := Data{
		Ciphersuite: CiphersuiteEd25519X25519AESGCMSHA256,
		SigPub:      sigPub,
		InitPub:     initPub,
	}
	content, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("keypackage: marshal key package: %w", err)
	}

	ev := &codec.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      codec.KindKeyPackage,
		Content:   string(content),
	}

	if err := s.identity.SignWith(pubkey, func(secretKeyHex string) error {
		return codec.Sign(ev, secretKeyHex)
	}); err != nil {
		return "", err
	}

	if err := s.publisher.Publish(ctx, ev); err != nil {
		return "", coreerr.Wrap(coreerr.PublishUnreachable, err)
	}

	if err := s.store.InsertKeyPackage(store.KeyPackageRow{
		EventID:       ev.ID,
		AccountPubKey: pubkey,
		Ciphersuite:   uint16(data.Ciphersuite),
		InitKey:       initPub,
		LeafNode:      sigPub,
		CreatedAt:     ev.CreatedAt,
	}); err != nil {
		return "", fmt.Errorf("keypackage: persist key package: %w", err)
	}

	sealed, err := s.sealer.Seal(mustMarshalSecrets(Secrets{SigPriv: sigPriv, InitPriv: initPriv}))
	if err != nil {
		return "", fmt.Errorf("keypackage: seal private material: %w", err)
	}
	if err := s.store.PutKV(secretKVKey(ev.ID), sealed); err != nil {
		return "", fmt.Errorf("keypackage: persist sealed secret: %w", err)
	}

	return ev.ID, nil
}

func mustMarshalSecrets(sec Secrets) []byte {
	b, err := json.Marshal(sec)
	if err != nil {
		panic(fmt.Sprintf("keypackage: marshal secrets: %v", err))
	}
	return b
}

// Secrets loads and unseals the private material for a previously
// generated key package, for use by the MLS engine when processing a
// welcome addressed to it.
func (s *Service) Secrets(eventID string) (Secrets, error) {
	sealed, ok, err := s.store.GetKV(secretKVKey(eventID))
	if err != nil {
		return Secrets{}, fmt.Errorf("keypackage: load sealed secret: %w", err)
	}
	if !ok {
		return Secrets{}, coreerr.New(coreerr.NoKeyPackage, "no local secret for key package "+eventID)
	}
	raw, err := s.sealer.Open(sealed)
	if err != nil {
		return Secrets{}, coreerr.Wrap(coreerr.DecryptFailed, err)
	}
	var sec Secrets
	if err := json.Unmarshal(raw, &sec); err != nil {
		return Secrets{}, coreerr.Wrap(coreerr.KeyPackageMalformed, err)
	}
	return sec, nil
}

// Parse decodes a hex-encoded key package for inspection.
func Parse(hexEncoded string) (Data, error) {
	raw, err := hex.DecodeString(hexEncoded)
	if err != nil {
		return Data{}, coreerr.Wrap(coreerr.KeyPackageMalformed, err)
	}
	var data Data
	if err := json.Unmarshal(raw, &data); err != nil {
		return Data{}, coreerr.Wrap(coreerr.KeyPackageMalformed, err)
	}
	if data.Ciphersuite != CiphersuiteEd25519X25519AESGCMSHA256 {
		return Data{}, coreerr.New(coreerr.KeyPackageCiphersuiteUnsupported,
			fmt.Sprintf("unsupported ciphersuite %d", data.Ciphersuite))
	}
	if len(data.SigPub) != ed25519.PublicKeySize || len(data.InitPub) != 32 {
		return Data{}, coreerr.New(coreerr.KeyPackageMalformed, "key lengths do not match ciphersuite")
	}
	return data, nil
}

// ParseFromEvent validates and decodes a kind-443 event's content and the
// account-level signature over it (the event's own Sig, already verified
// by C3; here we additionally check the embedded credential is
// well-formed before it is trusted as an invitee's key package).
func ParseFromEvent(ev *codec.Event) (Data, error) {
	if ev.Kind != codec.KindKeyPackage {
		return Data{}, coreerr.New(coreerr.KeyPackageMalformed, "event is not a kind-443 key package")
	}
	var data Data
	if err := json.Unmarshal([]byte(ev.Content), &data); err != nil {
		return Data{}, coreerr.Wrap(coreerr.KeyPackageMalformed, err)
	}
	if data.Ciphersuite != CiphersuiteEd25519X25519AESGCMSHA256 {
		return Data{}, coreerr.New(coreerr.KeyPackageCiphersuiteUnsupported,
			fmt.Sprintf("unsupported ciphersuite %d", data.Ciphersuite))
	}
	if len(data.SigPub) != ed25519.PublicKeySize || len(data.InitPub) != 32 {
		return Data{}, coreerr.New(coreerr.KeyPackageInvalid, "key lengths do not match ciphersuite")
	}
	return data, nil
}

// Consume marks a key package consumed; a second call for the same event
// id fails KeyPackageAlreadyUsed (§4.4, §8).
func (s *Service) Consume(eventID string) error {
	if err := s.store.MarkKeyPackageConsumed(eventID); err != nil {
		if store.IsKeyPackageAlreadyConsumedErr(err) {
			return coreerr.New(coreerr.KeyPackageAlreadyUsed, eventID)
		}
		return fmt.Errorf("keypackage: consume: %w", err)
	}
	return nil
}

// RevokeAll emits kind-5 deletion requests referencing every outstanding
// (unconsumed) key package authored by pubkey.
func (s *Service) RevokeAll(ctx context.Context, pubkey string) error {
	rows, err := s.store.ListUnconsumedKeyPackages(pubkey)
	if err != nil {
		return fmt.Errorf("keypackage: list unconsumed: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	tags := make([][]string, 0, len(rows))
	for _, r := range rows {
		tags = append(tags, []string{"e", r.EventID})
	}

	ev := &codec.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      codec.KindDeletion,
		Tags:      tags,
		Content:   "revoke key packages",
	}
	if err := s.identity.SignWith(pubkey, func(secretKeyHex string) error {
		return codec.Sign(ev, secretKeyHex)
	}); err != nil {
		return err
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		return coreerr.Wrap(coreerr.PublishUnreachable, err)
	}
	return nil
}
