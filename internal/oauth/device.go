package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	defaultDeviceMaxWait  = 10 * time.Minute
	defaultDeviceInterval = 5 * time.Second
)

// DeviceFlow implements the device-code acquisition: the provider issues a
// user code, the user confirms it in any browser, and the flow polls the
// token endpoint until the grant completes or the bounded wait elapses.
type DeviceFlow struct {
	ClientID      string
	Scopes        []string
	DeviceAuthURL string
	TokenURL      string
	// HTTPClient routes all calls (proxy support); optional.
	HTTPClient *http.Client
	// MaxWait bounds the whole poll loop; defaults to 10 minutes.
	MaxWait time.Duration
	// UsePKCE attaches an S256 challenge to the device authorization
	// request, required by some providers.
	UsePKCE bool
	// Decorate lets the provider adapter lift extra fields from the raw
	// token response into the bundle; optional.
	Decorate func(raw []byte, bundle *TokenBundle)
}

func (f *DeviceFlow) client() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return http.DefaultClient
}

// Initiate requests a device code and returns the pending handle carrying
// the user code and verification URL.
func (f *DeviceFlow) Initiate(ctx context.Context) (*Pending, error) {
	form := url.Values{
		"client_id": {f.ClientID},
		"scope":     {strings.Join(f.Scopes, " ")},
	}
	var verifier string
	if f.UsePKCE {
		v, err := GenerateVerifier()
		if err != nil {
			return nil, fmt.Errorf("generate PKCE verifier: %w", err)
		}
		verifier = v
		form.Set("code_challenge", ChallengeS256(verifier))
		form.Set("code_challenge_method", "S256")
	}

	result := ExchangeForm(ctx, f.client(), f.DeviceAuthURL, form)
	if result.Outcome != OutcomeSuccess && result.Outcome != OutcomeRejected {
		return nil, fmt.Errorf("device authorization request: %w", result.Err)
	}
	if result.Outcome == OutcomeRejected {
		return nil, fmt.Errorf("device authorization rejected (status %d): %s", result.StatusCode, result.ProviderError)
	}

	body := result.Raw
	pending := &Pending{
		deviceCode:      gjson.GetBytes(body, "device_code").String(),
		UserCode:        gjson.GetBytes(body, "user_code").String(),
		VerificationURI: gjson.GetBytes(body, "verification_uri").String(),
		verifier:        verifier,
		interval:        defaultDeviceInterval,
	}
	if complete := gjson.GetBytes(body, "verification_uri_complete").String(); complete != "" {
		pending.AuthURL = complete
	} else {
		pending.AuthURL = pending.VerificationURI
	}
	if pending.deviceCode == "" {
		return nil, fmt.Errorf("device authorization response missing device_code")
	}
	if interval := gjson.GetBytes(body, "interval").Int(); interval > 0 {
		pending.interval = time.Duration(interval) * time.Second
	}
	if expiresIn := gjson.GetBytes(body, "expires_in").Int(); expiresIn > 0 {
		pending.expiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	return pending, nil
}

// Await polls the token endpoint until the user completes the grant. The
// loop honors the provider's polling interval, slows down when asked, and is
// bounded by both MaxWait and the device code's own expiry.
func (f *DeviceFlow) Await(ctx context.Context, pending *Pending) (*TokenBundle, error) {
	maxWait := f.MaxWait
	if maxWait <= 0 {
		maxWait = defaultDeviceMaxWait
	}
	deadline := time.Now().Add(maxWait)
	if !pending.expiresAt.IsZero() && pending.expiresAt.Before(deadline) {
		deadline = pending.expiresAt
	}

	interval := pending.interval
	for {
		if time.Now().After(deadline) {
			return nil, ErrFlowTimeout
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		form := url.Values{
			"client_id":   {f.ClientID},
			"device_code": {pending.deviceCode},
			"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		}
		if pending.verifier != "" {
			form.Set("code_verifier", pending.verifier)
		}
		result := ExchangeForm(ctx, f.client(), f.TokenURL, form)
		switch result.Outcome {
		case OutcomeSuccess:
			if result.Bundle.RefreshToken == "" {
				return nil, ErrMissingRefreshToken
			}
			if f.Decorate != nil {
				f.Decorate(result.Raw, result.Bundle)
			}
			return result.Bundle, nil
		case OutcomeRejected:
			switch code := gjson.GetBytes(result.Raw, "error").String(); code {
			case "authorization_pending":
				// user has not confirmed yet
			case "slow_down":
				interval += 5 * time.Second
				log.Debugf("oauth: device poll slow_down, interval now %s", interval)
			case "expired_token":
				return nil, fmt.Errorf("device code expired, restart the add operation")
			case "access_denied":
				return nil, fmt.Errorf("authorization denied by user")
			default:
				return nil, result.AsError()
			}
		default:
			return nil, result.AsError()
		}
	}
}

// Cancel is a no-op for the device flow; the poll loop stops via context.
func (f *DeviceFlow) Cancel(pending *Pending) {}
