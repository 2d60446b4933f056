package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func browserTestFlow(tokenURL string) *BrowserFlow {
	return &BrowserFlow{
		Conf: &oauth2.Config{
			ClientID:     "client-1",
			ClientSecret: "secret-1",
			Scopes:       []string{"openid"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://auth.example.com/authorize",
				TokenURL: tokenURL,
			},
		},
		Port:    0, // ephemeral callback port
		Timeout: 5 * time.Second,
	}
}

func TestBrowserFlowCallbackAndExchange(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.PostForm.Get("code"); got != "auth-code-1" {
			t.Fatalf("code = %q", got)
		}
		if r.PostForm.Get("code_verifier") == "" {
			t.Fatal("missing PKCE verifier on exchange")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "access-1", "refresh_token": "refresh-1", "expires_in": 3600}`)
	}))
	defer tokenServer.Close()

	flow := browserTestFlow(tokenServer.URL)
	pending, err := flow.Initiate(context.Background())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if pending.AuthURL == "" {
		t.Fatal("missing auth url")
	}

	// Simulate the provider redirecting the browser to the local callback.
	callback := fmt.Sprintf("http://%s/oauth2callback?state=%s&code=auth-code-1",
		pending.listener.Addr().String(), pending.state)
	resp, err := http.Get(callback)
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	_ = resp.Body.Close()

	bundle, err := flow.Await(context.Background(), pending)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if bundle.RefreshToken != "refresh-1" || bundle.AccessToken != "access-1" {
		t.Fatalf("bundle = %+v", bundle)
	}
}

func TestBrowserFlowStateMismatch(t *testing.T) {
	flow := browserTestFlow("https://unused.example.com/token")
	pending, err := flow.Initiate(context.Background())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	callback := fmt.Sprintf("http://%s/oauth2callback?state=forged&code=auth-code-1",
		pending.listener.Addr().String())
	resp, err := http.Get(callback)
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	_ = resp.Body.Close()

	_, err = flow.Await(context.Background(), pending)
	if !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected ErrStateMismatch, got %v", err)
	}
}

func TestBrowserFlowCallbackError(t *testing.T) {
	flow := browserTestFlow("https://unused.example.com/token")
	pending, err := flow.Initiate(context.Background())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	callback := fmt.Sprintf("http://%s/oauth2callback?error=access_denied",
		pending.listener.Addr().String())
	resp, err := http.Get(callback)
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	_ = resp.Body.Close()

	if _, err = flow.Await(context.Background(), pending); err == nil {
		t.Fatal("expected callback error to surface from Await")
	}
}

func TestBrowserFlowMissingRefreshToken(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token": "access-1", "expires_in": 3600}`)
	}))
	defer tokenServer.Close()

	flow := browserTestFlow(tokenServer.URL)
	pending, err := flow.Initiate(context.Background())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	callback := fmt.Sprintf("http://%s/oauth2callback?state=%s&code=auth-code-1",
		pending.listener.Addr().String(), pending.state)
	resp, err := http.Get(callback)
	if err != nil {
		t.Fatalf("callback request: %v", err)
	}
	_ = resp.Body.Close()

	_, err = flow.Await(context.Background(), pending)
	if !errors.Is(err, ErrMissingRefreshToken) {
		t.Fatalf("expected ErrMissingRefreshToken, got %v", err)
	}
}

func TestBrowserFlowCancelReleasesPort(t *testing.T) {
	flow := browserTestFlow("https://unused.example.com/token")
	pending, err := flow.Initiate(context.Background())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	addr := pending.listener.Addr().String()
	flow.Cancel(pending)

	// A second Cancel must be a no-op.
	flow.Cancel(pending)

	if _, err := http.Get("http://" + addr + "/oauth2callback"); err == nil {
		t.Fatal("callback server should be down after Cancel")
	}
}
