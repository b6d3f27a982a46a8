package codec

import "testing"

func TestSignThenVerifyRoundTrip(t *testing.T) {
	priv := "5ee1c8d0b176defc7491603a8a4d2d6b2e0e2b1a0c0d0e0f1a2b3c4d5e6f7081"

	e := &Event{
		CreatedAt: 1000,
		Kind:      KindApplicationChat,
		Tags:      [][]string{{"h", "group1"}},
		Content:   "hello",
	}

	if err := Sign(e, priv); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if e.ID == "" || e.Sig == "" {
		t.Fatalf("Sign() left empty ID/Sig: %+v", e)
	}

	if err := Verify(e); err != nil {
		t.Fatalf("Verify() error = %v, want nil for freshly signed event", err)
	}
}

func TestVerifyRejectsTamperedContent(t *testing.T) {
	priv := "5ee1c8d0b176defc7491603a8a4d2d6b2e0e2b1a0c0d0e0f1a2b3c4d5e6f7081"
	e := &Event{CreatedAt: 1000, Kind: KindApplicationChat, Content: "original"}
	if err := Sign(e, priv); err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	e.Content = "tampered"
	if err := Verify(e); err == nil {
		t.Fatal("Verify() = nil, want error for tampered content")
	}
}

func TestFirstTagHelpers(t *testing.T) {
	tags := [][]string{
		{"e", "event1"},
		{"p", "pubkey1"},
		{"q", "reply1"},
		{"h", "group1"},
		{"bolt11", "lnbc1...", "21000", "pizza"},
		{"preimage", "deadbeef"},
	}

	tests := []struct {
		name string
		fn   func() (string, bool)
		want string
	}{
		{"FirstE", func() (string, bool) { return FirstE(tags) }, "event1"},
		{"FirstP", func() (string, bool) { return FirstP(tags) }, "pubkey1"},
		{"FirstQ", func() (string, bool) { return FirstQ(tags) }, "reply1"},
		{"FirstH", func() (string, bool) { return FirstH(tags) }, "group1"},
		{"FirstPreimage", func() (string, bool) { return FirstPreimage(tags) }, "deadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.fn()
			if !ok || got != tt.want {
				t.Errorf("%s = (%q, %v), want (%q, true)", tt.name, got, ok, tt.want)
			}
		})
	}
}

func TestFirstBolt11(t *testing.T) {
	tags := [][]string{{"bolt11", "lnbc1...", "21000", "Bitdevs pizza"}}
	inv, ok := FirstBolt11(tags)
	if !ok {
		t.Fatal("FirstBolt11() ok = false, want true")
	}
	if inv.AmountMsat != 21000 || inv.Description != "Bitdevs pizza" {
		t.Errorf("FirstBolt11() = %+v, want amount=21000 description=%q", inv, "Bitdevs pizza")
	}
}

func TestFirstBolt11MissingOptionalFields(t *testing.T) {
	tags := [][]string{{"bolt11", "lnbc1..."}}
	inv, ok := FirstBolt11(tags)
	if !ok {
		t.Fatal("FirstBolt11() ok = false, want true")
	}
	if inv.HasAmount || inv.HasDescription {
		t.Errorf("FirstBolt11() = %+v, want no amount/description flags set", inv)
	}
}

func TestAllRelayTags(t *testing.T) {
	tags := [][]string{
		{"r", "wss://relay.one", "read"},
		{"r", "wss://relay.two", "write"},
		{"r", "wss://relay.three"},
	}
	got := AllRelayTags(tags)
	if len(got) != 3 {
		t.Fatalf("AllRelayTags() len = %d, want 3", len(got))
	}
	if got[0].Mode != "read" || got[1].Mode != "write" || got[2].Mode != "" {
		t.Errorf("AllRelayTags() = %+v", got)
	}
}
