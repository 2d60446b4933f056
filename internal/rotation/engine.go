// Package rotation orchestrates the account pool, the provider adapter, and
// the host credential store: it imports host credentials at session start,
// detects quota exhaustion at turn end, and rotates the active account while
// exhausted ones cool down.
package rotation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ForwardInfinity/pi-extensions/internal/host"
	"github.com/ForwardInfinity/pi-extensions/internal/oauth"
	"github.com/ForwardInfinity/pi-extensions/internal/pool"
	"github.com/ForwardInfinity/pi-extensions/internal/provider"
	"github.com/ForwardInfinity/pi-extensions/internal/quota"
	log "github.com/sirupsen/logrus"
)

// Options tunes engine construction.
type Options struct {
	// ProxyURL routes acquisition and refresh traffic when set.
	ProxyURL string
	// OpenURL opens an authorization URL in the user's browser.
	OpenURL func(url string) error
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine ties one provider's adapter to its account pool and the host store.
// Hooks may fire from the host and the watcher concurrently, so every public
// operation holds the engine lock.
type Engine struct {
	mu       sync.Mutex
	adapter  provider.Adapter
	accounts *pool.Manager
	bridge   *host.Bridge
	proxyURL string
	openURL  func(url string) error
	now      func() time.Time
}

// NewEngine wires the engine together.
func NewEngine(adapter provider.Adapter, accounts *pool.Manager, bridge *host.Bridge, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		adapter:  adapter,
		accounts: accounts,
		bridge:   bridge,
		proxyURL: opts.ProxyURL,
		openURL:  opts.OpenURL,
		now:      now,
	}
}

// SessionStart reconciles with the host store and publishes the initial
// status line. An empty pool bootstraps itself from whatever credential the
// host already holds.
func (e *Engine) SessionStart(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncLocked(ctx)
	e.publishStatusLocked()
}

// ModelSelected fires when the host switches the active model. When the new
// model belongs to this engine's provider, the pool is reconciled with the
// host store and the status line refreshed; other providers are ignored.
func (e *Engine) ModelSelected(ctx context.Context, providerName string) {
	if !strings.EqualFold(providerName, e.adapter.Name()) {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncLocked(ctx)
	e.publishStatusLocked()
}

// TurnEnd inspects the outcome of a finished agent turn and rotates when the
// active account just exhausted its quota. Anything that is not an
// exhaustion signal for this engine's provider is ignored.
func (e *Engine) TurnEnd(ctx context.Context, providerName, errText string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !strings.EqualFold(providerName, e.adapter.Name()) {
		return
	}
	if errText == "" || !quota.IsExhaustion(errText) {
		return
	}
	if e.accounts.Len() < 2 {
		log.Debugf("rotation: exhaustion detected but pool has %d account(s), nothing to rotate to", e.accounts.Len())
		return
	}
	now := e.now()
	e.accounts.MarkExhausted(e.accounts.Pool().CurrentIndex, now)
	e.rotateLocked(ctx, now)
}

// Rotate advances to the next available account on explicit request. The
// current account is not marked exhausted; with every other account cooling
// down this reports the soonest recovery and leaves the pool untouched.
func (e *Engine) Rotate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.accounts.Len() < 2 {
		return fmt.Errorf("pool has %d account(s), nothing to rotate to", e.accounts.Len())
	}
	e.rotateLocked(ctx, e.now())
	return nil
}

// rotateLocked picks the next available account, refreshes its access token
// when stale, mirrors it into the host store, and updates the status line.
// Accounts whose refresh token is rejected are marked exhausted and skipped.
func (e *Engine) rotateLocked(ctx context.Context, now time.Time) {
	for {
		next, ok := pool.NextAvailable(e.accounts.Pool(), now)
		if !ok {
			wait, has := pool.NextRecovery(e.accounts.Pool(), now)
			if has {
				e.bridge.Notify(fmt.Sprintf("All %s accounts are cooling down; next available in ~%s.",
					e.adapter.Name(), wait.Round(time.Minute)))
			}
			e.publishStatusLocked()
			return
		}
		acc := &e.accounts.Pool().Accounts[next]
		if !e.refreshAccountLocked(ctx, next, now) {
			// Rejected refresh token: cooled down above, try the next one.
			continue
		}
		if err := e.accounts.SetCurrentIndex(next); err != nil {
			log.Errorf("rotation: %v", err)
			return
		}
		if err := e.bridge.WriteCredential(e.adapter.Name(), acc.Clone()); err != nil {
			log.Warnf("rotation: host write-through failed: %v", err)
		}
		e.bridge.Notify(fmt.Sprintf("Switched to %s account %s.", e.adapter.Name(), acc.Label))
		e.publishStatusLocked()
		return
	}
}

// refreshAccountLocked refreshes the account's access token when it is
// missing or expired. A provider rejection marks the account exhausted and
// returns false; a transport failure keeps the stored token and proceeds.
func (e *Engine) refreshAccountLocked(ctx context.Context, index int, now time.Time) bool {
	acc := &e.accounts.Pool().Accounts[index]
	if acc.Credential.AccessToken != "" && acc.Credential.AccessExpiry.After(now.Add(time.Minute)) {
		return true
	}
	res := e.adapter.Refresh(ctx, acc.Credential)
	switch res.Outcome {
	case oauth.OutcomeSuccess:
		acc.Credential.RefreshToken = res.Bundle.RefreshToken
		acc.Credential.AccessToken = res.Bundle.AccessToken
		acc.Credential.AccessExpiry = res.Bundle.Expiry
		e.accounts.Persist()
		return true
	case oauth.OutcomeRejected:
		log.Warnf("rotation: refresh rejected for %s: %v", acc.Label, res.AsError())
		e.accounts.MarkExhausted(index, now)
		return false
	default:
		log.Warnf("rotation: refresh transport failure for %s, keeping stored token: %v", acc.Label, res.AsError())
		return true
	}
}

// SyncFromHost reconciles the pool with the host credential store, which the
// host mutates on its own token refreshes and logins.
func (e *Engine) SyncFromHost(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncLocked(ctx)
	e.publishStatusLocked()
}

func (e *Engine) syncLocked(_ context.Context) {
	cred, extras, ok, err := e.bridge.ReadCredential(e.adapter.Name())
	if err != nil {
		log.Warnf("sync: %v", err)
		return
	}
	if !ok || cred.RefreshToken == "" {
		return
	}
	candidate := pool.Account{Credential: cred, Extras: extras}
	candidate.AccountID = extras["account_id"]
	candidate.Email = extras["email"]

	if e.accounts.Len() == 0 {
		index, _ := e.accounts.AddOrMerge(candidate, false)
		e.accounts.SetCurrentIndex(index)
		log.Infof("sync: imported existing %s credential from host as %s",
			e.adapter.Name(), e.accounts.Pool().Accounts[index].Label)
		return
	}

	index, found := e.accounts.FindByIdentity(candidate)
	if !found {
		if e.adapter.StableRefreshToken() {
			// A stable-token provider with no match means the host holds a
			// credential we have never seen: adopt it as a new account.
			index, _ = e.accounts.AddOrMerge(candidate, false)
		} else {
			// Rotating refresh tokens never match on raw token value; the
			// host refreshed whichever account was active.
			index = e.accounts.Pool().CurrentIndex
		}
	}
	acc := &e.accounts.Pool().Accounts[index]
	acc.Credential = cred
	for key, value := range extras {
		if acc.Extras == nil {
			acc.Extras = make(map[string]string)
		}
		acc.Extras[key] = value
	}
	e.accounts.SetCurrentIndex(index)
}

// Add runs the provider's acquisition flow and adds (or re-authorizes) the
// resulting account. The returned index is the account's pool position.
func (e *Engine) Add(ctx context.Context, label string) (int, error) {
	flow := e.adapter.NewFlow(provider.FlowOptions{
		ProxyURL: e.proxyURL,
		Prompt:   e.bridge.Prompt,
		OpenURL:  e.openURL,
	})
	pending, err := flow.Initiate(ctx)
	if err != nil {
		return 0, fmt.Errorf("initiate %s flow: %w", e.adapter.Name(), err)
	}
	e.bridge.Notify(flowInstructions(pending))
	bundle, err := flow.Await(ctx, pending)
	if err != nil {
		return 0, fmt.Errorf("authorize %s account: %w", e.adapter.Name(), err)
	}
	if err := e.adapter.Complete(ctx, bundle); err != nil {
		log.Warnf("add: identity lookup failed, account stored without identity: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	acc := accountFromBundle(bundle)
	acc.Label = label
	index, merged := e.accounts.AddOrMerge(acc, label != "")
	stored := e.accounts.Pool().Accounts[index]
	if merged {
		e.bridge.Notify(fmt.Sprintf("Re-authorized existing account %s.", stored.Label))
	} else {
		e.bridge.Notify(fmt.Sprintf("Added account %s.", stored.Label))
	}
	if e.accounts.Len() == 1 {
		e.accounts.SetCurrentIndex(index)
		if err := e.bridge.WriteCredential(e.adapter.Name(), stored); err != nil {
			log.Warnf("add: host write-through failed: %v", err)
		}
	}
	e.publishStatusLocked()
	return index, nil
}

func flowInstructions(pending *oauth.Pending) string {
	if pending.UserCode != "" {
		return fmt.Sprintf("Visit %s and enter code %s to authorize.",
			pending.VerificationURI, pending.UserCode)
	}
	return fmt.Sprintf("Visit %s to authorize.", pending.AuthURL)
}

func accountFromBundle(bundle *oauth.TokenBundle) pool.Account {
	return pool.Account{
		Email:     bundle.Email,
		AccountID: bundle.AccountID,
		Credential: pool.Credential{
			RefreshToken: bundle.RefreshToken,
			AccessToken:  bundle.AccessToken,
			AccessExpiry: bundle.Expiry,
		},
		Extras: bundle.Extras,
	}
}

// Row is one line of the pool listing.
type Row struct {
	Index     int    `json:"index"`
	Label     string `json:"label"`
	Email     string `json:"email,omitempty"`
	Current   bool   `json:"current"`
	Available bool   `json:"available"`
	// CoolingFor is the remaining cooldown, zero when available.
	CoolingFor time.Duration `json:"coolingFor,omitempty"`
}

// List snapshots the pool for display.
func (e *Engine) List() []Row {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	p := e.accounts.Pool()
	rows := make([]Row, 0, len(p.Accounts))
	for i := range p.Accounts {
		acc := &p.Accounts[i]
		row := Row{
			Index:     i,
			Label:     acc.Label,
			Email:     acc.Email,
			Current:   i == p.CurrentIndex,
			Available: pool.IsAvailable(acc, now),
		}
		if !row.Available && acc.ExhaustedAt != nil {
			row.CoolingFor = pool.Cooldown - now.Sub(*acc.ExhaustedAt)
		}
		rows = append(rows, row)
	}
	return rows
}

// Remove deletes the account at index.
func (e *Engine) Remove(index int) (pool.Account, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	acc, err := e.accounts.Remove(index)
	if err != nil {
		return pool.Account{}, err
	}
	e.publishStatusLocked()
	return acc, nil
}

// Reset clears all cooldowns and reports how many accounts it touched.
func (e *Engine) Reset() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	cleared := e.accounts.ResetExhaustion()
	e.publishStatusLocked()
	return cleared
}

// IdentifyAll backfills stable identities across the pool, returning the
// identified and failed counts.
func (e *Engine) IdentifyAll(ctx context.Context) (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accounts.Identify(ctx, e.adapter)
}

// HostAuthPath exposes the host auth store path for the file watcher.
func (e *Engine) HostAuthPath() string {
	return e.bridge.AuthPath()
}

// Status renders the engine's one-line summary: active label plus the
// available/total ratio.
func (e *Engine) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() string {
	now := e.now()
	p := e.accounts.Pool()
	if len(p.Accounts) == 0 {
		return fmt.Sprintf("%s: no accounts", e.adapter.Name())
	}
	current, _ := p.Current()
	return fmt.Sprintf("%s (%d/%d)", current.Label, pool.CountAvailable(p, now), len(p.Accounts))
}

func (e *Engine) publishStatusLocked() {
	e.bridge.SetStatusLine(e.statusLocked())
}
