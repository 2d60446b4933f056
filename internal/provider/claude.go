package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ForwardInfinity/pi-extensions/internal/oauth"
	"github.com/ForwardInfinity/pi-extensions/internal/pool"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	claudeOauthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	claudeAuthorizeURL  = "https://claude.ai/oauth/authorize"
	claudeTokenURL      = "https://console.anthropic.com/v1/oauth/token"
	claudeRedirectURI   = "https://console.anthropic.com/oauth/code/callback"
	claudeProfileURL    = "https://api.anthropic.com/api/oauth/profile"
)

var claudeOauthScopes = []string{"org:create_api_key", "user:profile", "user:inference"}

// Claude manages Anthropic subscription accounts. Acquisition uses the
// manual paste flow: the redirect target shows the user a "code#state"
// string to paste back. The token response itself carries the account's
// stable identity.
type Claude struct {
	httpClient *http.Client
}

// NewClaude creates the Claude adapter.
func NewClaude() *Claude {
	return &Claude{httpClient: oauth.NewHTTPClient("")}
}

// Name implements Adapter.
func (c *Claude) Name() string { return "claude" }

// StableRefreshToken implements Adapter.
func (c *Claude) StableRefreshToken() bool { return true }

// NewFlow implements Adapter.
func (c *Claude) NewFlow(opts FlowOptions) oauth.Flow {
	c.httpClient = oauth.NewHTTPClient(opts.ProxyURL)
	return &oauth.ManualFlow{
		ClientID:     claudeOauthClientID,
		AuthorizeURL: claudeAuthorizeURL,
		TokenURL:     claudeTokenURL,
		RedirectURI:  claudeRedirectURI,
		Scopes:       claudeOauthScopes,
		Prompt:       opts.Prompt,
		HTTPClient:   c.httpClient,
		Decorate:     decorateClaudeBundle,
	}
}

func decorateClaudeBundle(raw []byte, bundle *oauth.TokenBundle) {
	bundle.AccountID = gjson.GetBytes(raw, "account.uuid").String()
	bundle.Email = gjson.GetBytes(raw, "account.email_address").String()
}

// Complete implements Adapter: identity already arrives with the token
// response; fall back to the profile endpoint when it did not.
func (c *Claude) Complete(ctx context.Context, bundle *oauth.TokenBundle) error {
	if bundle.AccountID != "" || bundle.Email != "" {
		return nil
	}
	id, email, err := c.fetchProfile(ctx, bundle.AccessToken)
	if err != nil {
		return err
	}
	bundle.AccountID = id
	bundle.Email = email
	return nil
}

// Refresh implements Adapter.
func (c *Claude) Refresh(ctx context.Context, cred pool.Credential) *oauth.ExchangeResult {
	form := url.Values{
		"client_id":     {claudeOauthClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
	}
	result := oauth.ExchangeForm(ctx, c.httpClient, claudeTokenURL, form)
	if result.Success() {
		if result.Bundle.RefreshToken == "" {
			result.Bundle.RefreshToken = cred.RefreshToken
		}
		decorateClaudeBundle(result.Raw, result.Bundle)
	}
	return result
}

// Identify implements Adapter and pool.IdentityResolver.
func (c *Claude) Identify(ctx context.Context, cred pool.Credential) (pool.Credential, pool.Identity, error) {
	result := c.Refresh(ctx, cred)
	if !result.Success() {
		return cred, pool.Identity{}, result.AsError()
	}
	refreshed := pool.Credential{
		RefreshToken: result.Bundle.RefreshToken,
		AccessToken:  result.Bundle.AccessToken,
		AccessExpiry: result.Bundle.Expiry,
	}
	identity := pool.Identity{AccountID: result.Bundle.AccountID, Email: result.Bundle.Email}
	if identity.AccountID == "" && identity.Email == "" {
		id, email, err := c.fetchProfile(ctx, refreshed.AccessToken)
		if err != nil {
			return cred, pool.Identity{}, err
		}
		identity = pool.Identity{AccountID: id, Email: email}
	}
	return refreshed, identity, nil
}

func (c *Claude) fetchProfile(ctx context.Context, accessToken string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, claudeProfileURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("create profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("execute profile request: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Debugf("claude: response body close error: %v", errClose)
		}
	}()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", "", fmt.Errorf("profile request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return gjson.GetBytes(body, "account.uuid").String(), gjson.GetBytes(body, "account.email_address").String(), nil
}
