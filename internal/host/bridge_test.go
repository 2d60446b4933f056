package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ForwardInfinity/pi-extensions/internal/pool"
)

func TestBridgeReadMissingStore(t *testing.T) {
	b := NewBridge(t.TempDir())
	_, _, ok, err := b.ReadCredential("gemini")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ok {
		t.Fatal("missing store should report no credential")
	}
}

func TestBridgeWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := NewBridge(dir)

	expiry := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	acc := pool.Account{
		Label: "work",
		Credential: pool.Credential{
			RefreshToken: "refresh-1",
			AccessToken:  "access-1",
			AccessExpiry: expiry,
		},
		Extras: map[string]string{"project_id": "proj-1"},
	}
	if err := b.WriteCredential("gemini", acc); err != nil {
		t.Fatalf("write: %v", err)
	}

	cred, extras, ok, err := b.ReadCredential("gemini")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !ok {
		t.Fatal("credential not found after write")
	}
	if cred.RefreshToken != "refresh-1" || cred.AccessToken != "access-1" {
		t.Fatalf("credential = %+v", cred)
	}
	if !cred.AccessExpiry.Equal(expiry) {
		t.Fatalf("expiry drifted: %s", cred.AccessExpiry)
	}
	if extras["project_id"] != "proj-1" {
		t.Fatalf("extras = %v", extras)
	}

	info, err := os.Stat(filepath.Join(dir, AuthFileName))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 auth store, got %o", perm)
	}
}

func TestBridgeWritePreservesOtherProviders(t *testing.T) {
	dir := t.TempDir()
	seed := `{"qwen": {"refresh": "qwen-refresh", "access": "qwen-access", "resource_url": "portal.example.com"}}`
	if err := os.WriteFile(filepath.Join(dir, AuthFileName), []byte(seed), 0o600); err != nil {
		t.Fatal(err)
	}

	b := NewBridge(dir)
	acc := pool.Account{Credential: pool.Credential{RefreshToken: "gemini-refresh", AccessToken: "gemini-access"}}
	if err := b.WriteCredential("gemini", acc); err != nil {
		t.Fatalf("write: %v", err)
	}

	cred, extras, ok, err := b.ReadCredential("qwen")
	if err != nil || !ok {
		t.Fatalf("qwen entry lost: ok=%v err=%v", ok, err)
	}
	if cred.RefreshToken != "qwen-refresh" || extras["resource_url"] != "portal.example.com" {
		t.Fatalf("qwen entry mutated: cred=%+v extras=%v", cred, extras)
	}
}

func TestBridgeHookFallbacks(t *testing.T) {
	b := NewBridge(t.TempDir())

	// Nil hooks must not panic.
	b.SetStatusLine("gemini (2/3)")
	b.Notify("hello")
	if _, err := b.Prompt(context.Background(), "paste: "); err == nil {
		t.Fatal("prompt without a host hook must fail, not block")
	}

	var status, note string
	b.StatusLineFn = func(text string) { status = text }
	b.NotifyFn = func(message string) { note = message }
	b.PromptFn = func(_ context.Context, _ string) (string, error) { return "typed", nil }

	b.SetStatusLine("work (1/2)")
	b.Notify("rotated")
	got, err := b.Prompt(context.Background(), "paste: ")
	if err != nil || got != "typed" {
		t.Fatalf("prompt hook: got=%q err=%v", got, err)
	}
	if status != "work (1/2)" || note != "rotated" {
		t.Fatalf("hooks not invoked: status=%q note=%q", status, note)
	}
}
