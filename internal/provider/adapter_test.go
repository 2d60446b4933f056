package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/ForwardInfinity/pi-extensions/internal/oauth"
	"github.com/ForwardInfinity/pi-extensions/internal/pool"
)

func TestRegistry(t *testing.T) {
	names := Names()
	want := []string{"claude", "gemini", "qwen"}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i, name := range want {
		if names[i] != name {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}

	for _, name := range want {
		adapter, err := Get(name)
		if err != nil {
			t.Fatalf("get %s: %v", name, err)
		}
		if adapter.Name() != name {
			t.Fatalf("adapter %s reports name %q", name, adapter.Name())
		}
	}

	// Lookup is case- and whitespace-insensitive.
	if _, err := Get("  Gemini "); err != nil {
		t.Fatalf("normalized lookup: %v", err)
	}
	if _, err := Get("unknown"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestFlowVariants(t *testing.T) {
	gemini, _ := Get("gemini")
	if _, ok := gemini.NewFlow(FlowOptions{}).(*oauth.BrowserFlow); !ok {
		t.Fatal("gemini should use the browser flow")
	}
	if !gemini.StableRefreshToken() {
		t.Fatal("gemini refresh tokens are stable")
	}

	qwen, _ := Get("qwen")
	device, ok := qwen.NewFlow(FlowOptions{}).(*oauth.DeviceFlow)
	if !ok {
		t.Fatal("qwen should use the device flow")
	}
	if !device.UsePKCE {
		t.Fatal("qwen device flow requires PKCE")
	}
	if qwen.StableRefreshToken() {
		t.Fatal("qwen rotates refresh tokens")
	}

	claude, _ := Get("claude")
	manual, ok := claude.NewFlow(FlowOptions{}).(*oauth.ManualFlow)
	if !ok {
		t.Fatal("claude should use the manual paste flow")
	}
	if manual.RedirectURI == "" {
		t.Fatal("claude manual flow needs a redirect URI")
	}
	if !claude.StableRefreshToken() {
		t.Fatal("claude refresh tokens are stable")
	}
}

func TestQwenDecorateLiftsResourceURL(t *testing.T) {
	bundle := &oauth.TokenBundle{}
	decorateQwenBundle([]byte(`{"access_token":"a","resource_url":"portal.qwen.ai"}`), bundle)
	if bundle.Extras["resource_url"] != "portal.qwen.ai" {
		t.Fatalf("extras = %v", bundle.Extras)
	}

	// Absent field leaves the bundle untouched.
	bundle = &oauth.TokenBundle{}
	decorateQwenBundle([]byte(`{"access_token":"a"}`), bundle)
	if bundle.Extras != nil {
		t.Fatalf("extras = %v", bundle.Extras)
	}
}

func TestClaudeDecorateLiftsAccountIdentity(t *testing.T) {
	bundle := &oauth.TokenBundle{}
	decorateClaudeBundle([]byte(`{"account":{"uuid":"acc-1","email_address":"a@example.com"}}`), bundle)
	if bundle.AccountID != "acc-1" || bundle.Email != "a@example.com" {
		t.Fatalf("bundle = %+v", bundle)
	}
}

func TestQwenIdentifyHasNoEndpoint(t *testing.T) {
	qwen, _ := Get("qwen")
	_, _, err := qwen.Identify(context.Background(), pool.Credential{RefreshToken: "r"})
	if !errors.Is(err, ErrNoIdentityEndpoint) {
		t.Fatalf("expected ErrNoIdentityEndpoint, got %v", err)
	}
}
