// Package oauth unifies the three credential acquisition protocols used by
// the provider extensions (browser redirect with a local callback listener,
// device-code polling, and manual code paste) behind one Flow interface, and
// provides the shared token exchange plumbing.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/net/proxy"
)

// TokenBundle is the normalized result of a successful acquisition.
type TokenBundle struct {
	RefreshToken string
	AccessToken  string
	Expiry       time.Time
	// AccountID and Email are the stable external identity, when the
	// provider's response carries one.
	AccountID string
	Email     string
	// Extras holds provider-specific credential fields copied through
	// opaquely by the rotation engine.
	Extras map[string]string
}

// Outcome classifies a token endpoint interaction so callers can decide
// retry vs. abort without inspecting error identity.
type Outcome int

const (
	// OutcomeSuccess means the provider issued a token bundle.
	OutcomeSuccess Outcome = iota
	// OutcomeRejected means the provider answered and refused (bad code,
	// revoked token, denied consent).
	OutcomeRejected
	// OutcomeTransport means the request never completed (network failure,
	// unreadable response).
	OutcomeTransport
)

// ExchangeResult is the explicit result of one token endpoint call.
type ExchangeResult struct {
	Outcome    Outcome
	Bundle     *TokenBundle
	StatusCode int
	// ProviderError carries the provider's error code/message on rejection.
	ProviderError string
	// Err carries the transport error when Outcome is OutcomeTransport.
	Err error
	// Raw is the response body on success, for provider adapters that need
	// fields beyond the normalized bundle.
	Raw []byte
}

// Success reports whether the exchange produced a bundle.
func (r *ExchangeResult) Success() bool {
	return r != nil && r.Outcome == OutcomeSuccess && r.Bundle != nil
}

// AsError folds a non-success result into an error for callers that do not
// branch on the outcome.
func (r *ExchangeResult) AsError() error {
	if r == nil {
		return errors.New("oauth: nil exchange result")
	}
	switch r.Outcome {
	case OutcomeSuccess:
		return nil
	case OutcomeRejected:
		return fmt.Errorf("oauth: provider rejected token request (status %d): %s", r.StatusCode, r.ProviderError)
	default:
		return fmt.Errorf("oauth: token request failed: %w", r.Err)
	}
}

// Acquisition failure modes surfaced by the flows.
var (
	// ErrStateMismatch indicates the callback or pasted state did not match
	// the one issued, a possible CSRF attempt.
	ErrStateMismatch = errors.New("oauth: state mismatch, possible CSRF")
	// ErrMissingRefreshToken indicates the provider response lacked the
	// refresh token the pool requires.
	ErrMissingRefreshToken = errors.New("oauth: response contained no refresh token")
	// ErrFlowTimeout indicates the bounded wait for user interaction elapsed.
	ErrFlowTimeout = errors.New("oauth: flow timed out")
)

// Pending is the handle for an in-progress acquisition. Fields are populated
// per flow variant; AuthURL is always set.
type Pending struct {
	// AuthURL is the URL the user must visit.
	AuthURL string
	// UserCode and VerificationURI are set by the device-code flow.
	UserCode        string
	VerificationURI string

	state    string
	verifier string

	// browser flow
	server   *http.Server
	listener net.Listener
	codeCh   chan string
	errCh    chan error

	// device flow
	deviceCode string
	interval   time.Duration
	expiresAt  time.Time
}

// Flow is one acquisition protocol. Await blocks until the user completes
// the interaction or the bounded wait elapses; Cancel abandons the attempt
// without side effects (the pool is never mutated by a flow).
type Flow interface {
	Initiate(ctx context.Context) (*Pending, error)
	Await(ctx context.Context, pending *Pending) (*TokenBundle, error)
	Cancel(pending *Pending)
}

// NewHTTPClient builds an HTTP client honoring the configured proxy URL
// (socks5:// or http(s)://). An empty or unparsable value yields a plain
// client.
func NewHTTPClient(proxyURL string) *http.Client {
	client := &http.Client{Timeout: 30 * time.Second}
	trimmed := strings.TrimSpace(proxyURL)
	if trimmed == "" {
		return client
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		log.Warnf("oauth: ignoring unparsable proxy url: %v", err)
		return client
	}
	switch parsed.Scheme {
	case "socks5":
		username := parsed.User.Username()
		password, _ := parsed.User.Password()
		var auth *proxy.Auth
		if username != "" {
			auth = &proxy.Auth{User: username, Password: password}
		}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Warnf("oauth: create SOCKS5 dialer failed: %v", errSOCKS5)
			return client
		}
		client.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		client.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	default:
		log.Warnf("oauth: unsupported proxy scheme %q", parsed.Scheme)
	}
	return client
}

// ExchangeForm posts an x-www-form-urlencoded token request and classifies
// the response. It never panics or hides the failure mode: transport
// problems, provider rejections, and success are distinguished explicitly.
func ExchangeForm(ctx context.Context, client *http.Client, tokenURL string, form url.Values) *ExchangeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return &ExchangeResult{Outcome: OutcomeTransport, Err: fmt.Errorf("create token request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &ExchangeResult{Outcome: OutcomeTransport, Err: fmt.Errorf("execute token request: %w", err)}
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Debugf("oauth: response body close error: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ExchangeResult{Outcome: OutcomeTransport, StatusCode: resp.StatusCode, Err: fmt.Errorf("read token response: %w", err)}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		providerErr := gjson.GetBytes(body, "error").String()
		if desc := gjson.GetBytes(body, "error_description").String(); desc != "" {
			providerErr = providerErr + ": " + desc
		}
		if providerErr == "" {
			providerErr = strings.TrimSpace(string(body))
		}
		return &ExchangeResult{Outcome: OutcomeRejected, StatusCode: resp.StatusCode, ProviderError: providerErr, Raw: body}
	}

	bundle := &TokenBundle{
		AccessToken:  gjson.GetBytes(body, "access_token").String(),
		RefreshToken: gjson.GetBytes(body, "refresh_token").String(),
	}
	if expiresIn := gjson.GetBytes(body, "expires_in").Int(); expiresIn > 0 {
		bundle.Expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	if bundle.AccessToken == "" {
		return &ExchangeResult{Outcome: OutcomeRejected, StatusCode: resp.StatusCode, ProviderError: "response contained no access token", Raw: body}
	}
	return &ExchangeResult{Outcome: OutcomeSuccess, StatusCode: resp.StatusCode, Bundle: bundle, Raw: body}
}
