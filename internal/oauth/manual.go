package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// ManualFlow implements the paste-the-code acquisition: the user opens the
// authorization URL themselves and pastes the resulting code back. Providers
// using this variant return the code as "code#state".
type ManualFlow struct {
	ClientID     string
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
	Scopes       []string
	// Prompt asks the user for the pasted code; supplied by the host glue.
	Prompt func(ctx context.Context, message string) (string, error)
	// HTTPClient routes the exchange (proxy support); optional.
	HTTPClient *http.Client
	// Decorate lets the provider adapter lift extra fields from the raw
	// token response into the bundle; optional.
	Decorate func(raw []byte, bundle *TokenBundle)
}

func (f *ManualFlow) client() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return http.DefaultClient
}

// Initiate builds the authorization URL with PKCE and a state token.
func (f *ManualFlow) Initiate(ctx context.Context) (*Pending, error) {
	verifier, err := GenerateVerifier()
	if err != nil {
		return nil, fmt.Errorf("generate PKCE verifier: %w", err)
	}
	state := uuid.NewString()

	query := url.Values{
		"response_type":         {"code"},
		"client_id":             {f.ClientID},
		"redirect_uri":          {f.RedirectURI},
		"scope":                 {strings.Join(f.Scopes, " ")},
		"state":                 {state},
		"code_challenge":        {ChallengeS256(verifier)},
		"code_challenge_method": {"S256"},
	}
	return &Pending{
		AuthURL:  f.AuthorizeURL + "?" + query.Encode(),
		state:    state,
		verifier: verifier,
	}, nil
}

// Await prompts for the pasted code, verifies the state when present, and
// exchanges the code for tokens.
func (f *ManualFlow) Await(ctx context.Context, pending *Pending) (*TokenBundle, error) {
	if f.Prompt == nil {
		return nil, fmt.Errorf("manual flow requires a prompt function")
	}
	pasted, err := f.Prompt(ctx, "Paste the authorization code: ")
	if err != nil {
		return nil, fmt.Errorf("read authorization code: %w", err)
	}
	code := strings.TrimSpace(pasted)
	if code == "" {
		return nil, fmt.Errorf("empty authorization code")
	}
	if idx := strings.IndexByte(code, '#'); idx >= 0 {
		if code[idx+1:] != pending.state {
			return nil, ErrStateMismatch
		}
		code = code[:idx]
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {f.ClientID},
		"code":          {code},
		"redirect_uri":  {f.RedirectURI},
		"code_verifier": {pending.verifier},
		"state":         {pending.state},
	}
	result := ExchangeForm(ctx, f.client(), f.TokenURL, form)
	if !result.Success() {
		return nil, result.AsError()
	}
	if result.Bundle.RefreshToken == "" {
		return nil, ErrMissingRefreshToken
	}
	if f.Decorate != nil {
		f.Decorate(result.Raw, result.Bundle)
	}
	return result.Bundle, nil
}

// Cancel is a no-op for the manual flow.
func (f *ManualFlow) Cancel(pending *Pending) {}
