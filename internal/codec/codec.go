// Package codec implements canonical Nostr event serialization, id
// computation, signature verification, and the tag helpers the rest of the
// core relies on (C3). Grounded on github.com/nbd-wtf/go-nostr's Event type,
// the same library the teacher bridge uses throughout internal/nostr.
package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/nostrmls/core/internal/coreerr"
)

// Event is the core's wire representation of a Nostr event, matching
// spec.md §3 exactly: id, author public key, created-at, kind, tags,
// content, signature.
type Event struct {
	ID        string          `json:"id"`
	PubKey    string          `json:"pubkey"`
	CreatedAt int64           `json:"created_at"`
	Kind      int             `json:"kind"`
	Tags      [][]string      `json:"tags"`
	Content   string          `json:"content"`
	Sig       string          `json:"sig"`
}

// Kind constants recognized by the core (spec.md §6).
const (
	KindMetadata         = 0
	KindLegacyDM         = 4
	KindDeletion         = 5
	KindReaction         = 7
	KindApplicationChat  = 9
	KindGiftWrapLegacyDM = 14
	KindKeyPackage       = 443
	KindWelcome          = 444
	KindGroupMessage     = 445
	KindRelayList        = 10002
	KindInboxRelayList   = 10050
	KindKeyPackageRelayList = 10051
)

// canonicalArray builds the deterministic [0, pubkey, created_at, kind, tags,
// content] array the Nostr id hash is computed over, matching NIP-01.
func canonicalArray(e *Event) ([]byte, error) {
	arr := []interface{}{0, e.PubKey, e.CreatedAt, e.Kind, tagsOrEmpty(e.Tags), e.Content}
	// encoding/json does not guarantee compact output without extra
	// whitespace across Go versions for []interface{}; Marshal already
	// produces compact JSON (no indentation) by default, matching NIP-01's
	// requirement of "no extra whitespace".
	return json.Marshal(arr)
}

func tagsOrEmpty(tags [][]string) [][]string {
	if tags == nil {
		return [][]string{}
	}
	return tags
}

// ComputeID returns the hex-encoded SHA-256 hash of the canonical
// serialization of e, per NIP-01.
func ComputeID(e *Event) (string, error) {
	canon, err := canonicalArray(e)
	if err != nil {
		return "", fmt.Errorf("codec: marshal canonical form: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Sign computes e's id and signs it with privKeyHex, a 32-byte hex secp256k1
// key. e.PubKey is derived and overwritten from privKeyHex so callers never
// need to separately track a pubkey.
func Sign(e *Event, privKeyHex string) error {
	pub, err := gonostr.GetPublicKey(privKeyHex)
	if err != nil {
		return coreerr.Wrap(coreerr.InvalidKey, err)
	}
	e.PubKey = pub

	id, err := ComputeID(e)
	if err != nil {
		return coreerr.Wrap(coreerr.EventMalformed, err)
	}
	e.ID = id

	gn := toGoNostr(e)
	if err := gn.Sign(privKeyHex); err != nil {
		return coreerr.Wrap(coreerr.InvalidKey, err)
	}
	e.Sig = gn.Sig
	e.ID = gn.ID
	return nil
}

// Verify checks that e.ID equals the canonical hash and that e.Sig is a
// valid Schnorr signature by e.PubKey, per spec.md §3 ("Verified against id
// and signature before admission").
func Verify(e *Event) error {
	wantID, err := ComputeID(e)
	if err != nil {
		return coreerr.Wrap(coreerr.EventMalformed, err)
	}
	if wantID != e.ID {
		return coreerr.New(coreerr.EventMalformed, "event id does not match canonical hash")
	}

	gn := toGoNostr(e)
	ok, err := gn.CheckSignature()
	if err != nil {
		return coreerr.Wrap(coreerr.EventSignatureInvalid, err)
	}
	if !ok {
		return coreerr.New(coreerr.EventSignatureInvalid, "schnorr signature verification failed")
	}
	return nil
}

func toGoNostr(e *Event) *gonostr.Event {
	tags := make(gonostr.Tags, len(e.Tags))
	for i, t := range e.Tags {
		tags[i] = gonostr.Tag(append([]string{}, t...))
	}
	return &gonostr.Event{
		ID:        e.ID,
		PubKey:    e.PubKey,
		CreatedAt: gonostr.Timestamp(e.CreatedAt),
		Kind:      e.Kind,
		Tags:      tags,
		Content:   e.Content,
		Sig:       e.Sig,
	}
}

// ToGoNostr converts e into a gonostr.Event value, for handing to
// SimplePool.PublishMany and similar go-nostr APIs.
func ToGoNostr(e *Event) gonostr.Event {
	return *toGoNostr(e)
}

// FromGoNostr converts a *gonostr.Event (as delivered by the relay pool)
// into the core's Event representation.
func FromGoNostr(gn *gonostr.Event) *Event {
	tags := make([][]string, len(gn.Tags))
	for i, t := range gn.Tags {
		tags[i] = append([]string{}, t...)
	}
	return &Event{
		ID:        gn.ID,
		PubKey:    gn.PubKey,
		CreatedAt: int64(gn.CreatedAt),
		Kind:      gn.Kind,
		Tags:      tags,
		Content:   gn.Content,
		Sig:       gn.Sig,
	}
}

// ─── Tag helpers (spec.md §4.3) ────────────────────────────────────────────

// FirstTag returns the first tag whose name matches key, or nil.
func FirstTag(tags [][]string, key string) []string {
	for _, t := range tags {
		if len(t) > 0 && t[0] == key {
			return t
		}
	}
	return nil
}

// AllTags returns every tag whose name matches key.
func AllTags(tags [][]string, key string) [][]string {
	var out [][]string
	for _, t := range tags {
		if len(t) > 0 && t[0] == key {
			out = append(out, t)
		}
	}
	return out
}

// FirstE returns the value of the first "e" (target-event) tag.
func FirstE(tags [][]string) (string, bool) {
	t := FirstTag(tags, "e")
	if t == nil || len(t) < 2 {
		return "", false
	}
	return t[1], true
}

// AllE returns the values of every "e" tag.
func AllE(tags [][]string) []string {
	var out []string
	for _, t := range AllTags(tags, "e") {
		if len(t) >= 2 {
			out = append(out, t[1])
		}
	}
	return out
}

// FirstP returns the value of the first "p" (target-pubkey) tag.
func FirstP(tags [][]string) (string, bool) {
	t := FirstTag(tags, "p")
	if t == nil || len(t) < 2 {
		return "", false
	}
	return t[1], true
}

// FirstQ returns the value of the first "q" (reply-to) tag.
func FirstQ(tags [][]string) (string, bool) {
	t := FirstTag(tags, "q")
	if t == nil || len(t) < 2 {
		return "", false
	}
	return t[1], true
}

// FirstH returns the MLS group id from the first "h" tag.
func FirstH(tags [][]string) (string, bool) {
	t := FirstTag(tags, "h")
	if t == nil || len(t) < 2 {
		return "", false
	}
	return t[1], true
}

// Invoice is a parsed "bolt11" tag: ['bolt11', invoice, amount_millisat, description?].
type Invoice struct {
	Bolt11      string
	AmountMsat  int64
	Description string
	HasAmount   bool
	HasDescription bool
}

// FirstBolt11 parses the first "bolt11" tag, if present.
func FirstBolt11(tags [][]string) (Invoice, bool) {
	t := FirstTag(tags, "bolt11")
	if t == nil || len(t) < 2 {
		return Invoice{}, false
	}
	inv := Invoice{Bolt11: t[1]}
	if len(t) >= 3 {
		if amt, err := strconv.ParseInt(t[2], 10, 64); err == nil {
			inv.AmountMsat = amt
			inv.HasAmount = true
		}
	}
	if len(t) >= 4 && strings.TrimSpace(t[3]) != "" {
		inv.Description = t[3]
		inv.HasDescription = true
	}
	return inv, true
}

// FirstPreimage returns the value of the first "preimage" tag.
func FirstPreimage(tags [][]string) (string, bool) {
	t := FirstTag(tags, "preimage")
	if t == nil || len(t) < 2 {
		return "", false
	}
	return t[1], true
}

// RelayTag is a parsed "r" tag: ['r', url, mode?].
type RelayTag struct {
	URL  string
	Mode string // "read", "write", or "" (both)
}

// AllRelayTags returns every "r" tag on an event (kind 10002/10050/10051).
func AllRelayTags(tags [][]string) []RelayTag {
	var out []RelayTag
	for _, t := range AllTags(tags, "r") {
		if len(t) < 2 {
			continue
		}
		rt := RelayTag{URL: t[1]}
		if len(t) >= 3 {
			rt.Mode = t[2]
		}
		out = append(out, rt)
	}
	return out
}
