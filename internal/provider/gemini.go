package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ForwardInfinity/pi-extensions/internal/oauth"
	"github.com/ForwardInfinity/pi-extensions/internal/pool"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	geminiOauthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	geminiOauthClientSecret = "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"

	geminiCallbackPort = 8085
	geminiTokenURL     = "https://oauth2.googleapis.com/token"
	geminiUserinfoURL  = "https://www.googleapis.com/oauth2/v1/userinfo?alt=json"
	geminiCLIEndpoint  = "https://cloudcode-pa.googleapis.com"
	geminiCLIVersion   = "v1internal"
	geminiCLIUserAgent = "google-api-nodejs-client/9.15.1"
)

var geminiOauthScopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// Gemini manages Google Gemini CLI accounts. Acquisition uses the
// browser-redirect flow with a local callback listener; the refresh token is
// stable per account, and a Google Cloud project id travels as a credential
// extra.
type Gemini struct {
	httpClient *http.Client
}

// NewGemini creates the Gemini adapter.
func NewGemini() *Gemini {
	return &Gemini{httpClient: oauth.NewHTTPClient("")}
}

// Name implements Adapter.
func (g *Gemini) Name() string { return "gemini" }

// StableRefreshToken implements Adapter. Google keeps the refresh token
// stable until it is revoked, so it is a reliable sync match key.
func (g *Gemini) StableRefreshToken() bool { return true }

// NewFlow implements Adapter.
func (g *Gemini) NewFlow(opts FlowOptions) oauth.Flow {
	g.httpClient = oauth.NewHTTPClient(opts.ProxyURL)
	return &oauth.BrowserFlow{
		Conf: &oauth2.Config{
			ClientID:     geminiOauthClientID,
			ClientSecret: geminiOauthClientSecret,
			Scopes:       geminiOauthScopes,
			Endpoint:     google.Endpoint,
		},
		Port:       geminiCallbackPort,
		HTTPClient: g.httpClient,
		OpenURL:    opts.OpenURL,
	}
}

// Complete implements Adapter: fetches the user's identity and discovers the
// cloud project to attach as a credential extra.
func (g *Gemini) Complete(ctx context.Context, bundle *oauth.TokenBundle) error {
	id, email, err := g.fetchUserinfo(ctx, bundle.AccessToken)
	if err != nil {
		return fmt.Errorf("fetch userinfo: %w", err)
	}
	bundle.AccountID = id
	bundle.Email = email

	projectID, err := g.discoverProject(ctx, bundle.AccessToken)
	if err != nil {
		// The account works without an explicit project; keep going.
		log.Warnf("gemini: project discovery failed: %v", err)
		return nil
	}
	if projectID != "" {
		if bundle.Extras == nil {
			bundle.Extras = make(map[string]string)
		}
		bundle.Extras["project_id"] = projectID
	}
	return nil
}

// Refresh implements Adapter. Google does not rotate the refresh token, so
// the bundle keeps the one it was called with.
func (g *Gemini) Refresh(ctx context.Context, cred pool.Credential) *oauth.ExchangeResult {
	form := url.Values{
		"client_id":     {geminiOauthClientID},
		"client_secret": {geminiOauthClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.RefreshToken},
	}
	result := oauth.ExchangeForm(ctx, g.httpClient, geminiTokenURL, form)
	if result.Success() && result.Bundle.RefreshToken == "" {
		result.Bundle.RefreshToken = cred.RefreshToken
	}
	return result
}

// Identify implements Adapter and pool.IdentityResolver.
func (g *Gemini) Identify(ctx context.Context, cred pool.Credential) (pool.Credential, pool.Identity, error) {
	result := g.Refresh(ctx, cred)
	if !result.Success() {
		return cred, pool.Identity{}, result.AsError()
	}
	refreshed := pool.Credential{
		RefreshToken: result.Bundle.RefreshToken,
		AccessToken:  result.Bundle.AccessToken,
		AccessExpiry: result.Bundle.Expiry,
	}
	id, email, err := g.fetchUserinfo(ctx, refreshed.AccessToken)
	if err != nil {
		return cred, pool.Identity{}, err
	}
	return refreshed, pool.Identity{AccountID: id, Email: email}, nil
}

func (g *Gemini) fetchUserinfo(ctx context.Context, accessToken string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, geminiUserinfoURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("execute userinfo request: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Debugf("gemini: response body close error: %v", errClose)
		}
	}()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", "", fmt.Errorf("userinfo request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return gjson.GetBytes(body, "id").String(), gjson.GetBytes(body, "email").String(), nil
}

// discoverProject asks the Code Assist backend which cloud project the
// account is onboarded to.
func (g *Gemini) discoverProject(ctx context.Context, accessToken string) (string, error) {
	reqBody, err := json.Marshal(map[string]any{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request body: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s:loadCodeAssist", geminiCLIEndpoint, geminiCLIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", geminiCLIUserAgent)

	client := g.httpClient
	client.Timeout = 30 * time.Second
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute request: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Debugf("gemini: response body close error: %v", errClose)
		}
	}()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("loadCodeAssist failed with status %d: %s", resp.StatusCode, string(body))
	}

	project := gjson.GetBytes(body, "cloudaicompanionProject")
	if project.Type == gjson.String {
		return project.String(), nil
	}
	return project.Get("id").String(), nil
}
