package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/ForwardInfinity/pi-extensions/internal/oauth"
	"github.com/ForwardInfinity/pi-extensions/internal/pool"
	"github.com/tidwall/gjson"
)

const (
	qwenOauthClientID = "f0304373b74a44d2b584a3fb70ca9e56"
	qwenDeviceAuthURL = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	qwenTokenURL      = "https://chat.qwen.ai/api/v1/oauth2/token"
)

var qwenOauthScopes = []string{"openid", "profile", "email", "model.completion"}

// ErrNoIdentityEndpoint marks providers that expose no identity lookup; the
// identify batch reports the account and continues.
var ErrNoIdentityEndpoint = errors.New("provider exposes no identity endpoint")

// Qwen manages Qwen Code accounts. Acquisition uses the device-code flow
// with PKCE. Qwen rotates the refresh token on every refresh, so the sync
// reconciler cannot rely on it as a match key, and the API base URL travels
// as a credential extra.
type Qwen struct {
	httpClient *http.Client
}

// NewQwen creates the Qwen adapter.
func NewQwen() *Qwen {
	return &Qwen{httpClient: oauth.NewHTTPClient("")}
}

// Name implements Adapter.
func (q *Qwen) Name() string { return "qwen" }

// StableRefreshToken implements Adapter.
func (q *Qwen) StableRefreshToken() bool { return false }

// NewFlow implements Adapter.
func (q *Qwen) NewFlow(opts FlowOptions) oauth.Flow {
	q.httpClient = oauth.NewHTTPClient(opts.ProxyURL)
	return &oauth.DeviceFlow{
		ClientID:      qwenOauthClientID,
		Scopes:        qwenOauthScopes,
		DeviceAuthURL: qwenDeviceAuthURL,
		TokenURL:      qwenTokenURL,
		HTTPClient:    q.httpClient,
		UsePKCE:       true,
		Decorate:      decorateQwenBundle,
	}
}

func decorateQwenBundle(raw []byte, bundle *oauth.TokenBundle) {
	if resource := gjson.GetBytes(raw, "resource_url").String(); resource != "" {
		if bundle.Extras == nil {
			bundle.Extras = make(map[string]string)
		}
		bundle.Extras["resource_url"] = resource
	}
}

// Complete implements Adapter. Qwen's token responses carry no user
// identity, so the bundle keeps only what the flow decorated.
func (q *Qwen) Complete(ctx context.Context, bundle *oauth.TokenBundle) error {
	return nil
}

// Refresh implements Adapter. Qwen issues a new refresh token on every
// refresh; the returned bundle carries the rotated token.
func (q *Qwen) Refresh(ctx context.Context, cred pool.Credential) *oauth.ExchangeResult {
	form := url.Values{
		"client_id":     {qwenOauthClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
	}
	result := oauth.ExchangeForm(ctx, q.httpClient, qwenTokenURL, form)
	if result.Success() {
		if result.Bundle.RefreshToken == "" {
			result.Bundle.RefreshToken = cred.RefreshToken
		}
		decorateQwenBundle(result.Raw, result.Bundle)
	}
	return result
}

// Identify implements Adapter. Qwen has no identity endpoint; the refresh
// token remains the only (weak) identity for its accounts.
func (q *Qwen) Identify(ctx context.Context, cred pool.Credential) (pool.Credential, pool.Identity, error) {
	return cred, pool.Identity{}, ErrNoIdentityEndpoint
}
