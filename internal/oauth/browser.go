package oauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const defaultBrowserTimeout = 5 * time.Minute

// BrowserFlow implements the browser-redirect acquisition: a local HTTP
// callback listener is bound for the duration of one acquisition and torn
// down deterministically regardless of success, timeout, or error, so
// repeated add invocations never leak a bound port.
type BrowserFlow struct {
	// Conf carries the endpoints, client credentials, and scopes. The
	// redirect URL is derived from the bound listener.
	Conf *oauth2.Config
	// Port is the well-known callback port; 0 binds an ephemeral port.
	Port int
	// Timeout bounds the wait for the callback; defaults to 5 minutes.
	Timeout time.Duration
	// HTTPClient routes the code exchange (proxy support); optional.
	HTTPClient *http.Client
	// OpenURL opens the authorization URL in the user's browser; optional,
	// failures are reported but not fatal (the URL is printed instead).
	OpenURL func(url string) error
}

// Initiate binds the callback listener, starts the callback server, and
// returns the pending handle with the authorization URL.
func (f *BrowserFlow) Initiate(ctx context.Context) (*Pending, error) {
	verifier, err := GenerateVerifier()
	if err != nil {
		return nil, fmt.Errorf("generate PKCE verifier: %w", err)
	}
	state := uuid.NewString()

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", f.Port))
	if err != nil {
		return nil, fmt.Errorf("bind callback listener: %w", err)
	}

	conf := *f.Conf
	conf.RedirectURL = fmt.Sprintf("http://%s/oauth2callback", listener.Addr().String())

	pending := &Pending{
		state:    state,
		verifier: verifier,
		listener: listener,
		codeCh:   make(chan string, 1),
		errCh:    make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if cbErr := query.Get("error"); cbErr != "" {
			_, _ = fmt.Fprintf(w, "Authentication failed: %s", cbErr)
			pending.fail(fmt.Errorf("authentication failed via callback: %s", cbErr))
			return
		}
		if query.Get("state") != pending.state {
			_, _ = fmt.Fprint(w, "Authentication failed: state mismatch.")
			pending.fail(ErrStateMismatch)
			return
		}
		code := query.Get("code")
		if code == "" {
			_, _ = fmt.Fprint(w, "Authentication failed: code not found.")
			pending.fail(errors.New("code not found in callback"))
			return
		}
		_, _ = fmt.Fprint(w, "<html><body><h1>Authentication successful!</h1><p>You can close this window.</p></body></html>")
		select {
		case pending.codeCh <- code:
		default:
		}
	})

	server := &http.Server{Handler: mux}
	pending.server = server
	go func() {
		if errServe := server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			pending.fail(errServe)
		}
	}()

	pending.AuthURL = conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.S256ChallengeOption(verifier),
	)

	if f.OpenURL != nil {
		if errOpen := f.OpenURL(pending.AuthURL); errOpen != nil {
			log.Warnf("oauth: open browser failed: %v", errOpen)
		}
	}

	return pending, nil
}

// Await waits for the callback, then exchanges the authorization code. The
// callback server is always shut down before returning.
func (f *BrowserFlow) Await(ctx context.Context, pending *Pending) (*TokenBundle, error) {
	defer f.Cancel(pending)

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = defaultBrowserTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var code string
	select {
	case code = <-pending.codeCh:
	case err := <-pending.errCh:
		return nil, err
	case <-timer.C:
		return nil, ErrFlowTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	conf := *f.Conf
	conf.RedirectURL = fmt.Sprintf("http://%s/oauth2callback", pending.listener.Addr().String())
	exchangeCtx := ctx
	if f.HTTPClient != nil {
		exchangeCtx = context.WithValue(exchangeCtx, oauth2.HTTPClient, f.HTTPClient)
	}
	token, err := conf.Exchange(exchangeCtx, code, oauth2.VerifierOption(pending.verifier))
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			result := &ExchangeResult{
				Outcome:       OutcomeRejected,
				StatusCode:    retrieveErr.Response.StatusCode,
				ProviderError: retrieveErr.ErrorCode + ": " + retrieveErr.ErrorDescription,
				Raw:           retrieveErr.Body,
			}
			return nil, result.AsError()
		}
		result := &ExchangeResult{Outcome: OutcomeTransport, Err: err}
		return nil, result.AsError()
	}
	if token.RefreshToken == "" {
		return nil, ErrMissingRefreshToken
	}
	return &TokenBundle{
		RefreshToken: token.RefreshToken,
		AccessToken:  token.AccessToken,
		Expiry:       token.Expiry,
	}, nil
}

// Cancel abandons the acquisition and releases the callback port.
func (f *BrowserFlow) Cancel(pending *Pending) {
	if pending == nil || pending.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pending.server.Shutdown(shutdownCtx); err != nil {
		log.Debugf("oauth: callback server shutdown: %v", err)
	}
	pending.server = nil
}

func (p *Pending) fail(err error) {
	select {
	case p.errCh <- err:
	default:
	}
}
