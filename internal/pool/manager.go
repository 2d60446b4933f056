package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/ForwardInfinity/pi-extensions/internal/util"
	log "github.com/sirupsen/logrus"
)

// IdentityResolver backfills the stable identity of a credential. The
// implementation is expected to force a token refresh first so a revoked
// refresh token surfaces as an error here rather than later.
type IdentityResolver interface {
	Identify(ctx context.Context, cred Credential) (Credential, Identity, error)
}

// Manager owns the in-memory pool and its persistence. It is constructed at
// session start from the file store and flushes on every mutation; it is not
// safe for concurrent use (hooks run one at a time).
type Manager struct {
	store *FileStore
	pool  *Pool
}

// NewManager loads the pool from the store and wraps it.
func NewManager(store *FileStore) *Manager {
	return &Manager{store: store, pool: store.Load()}
}

// Pool exposes the managed pool for read access.
func (m *Manager) Pool() *Pool {
	return m.pool
}

// Len returns the number of accounts in the pool.
func (m *Manager) Len() int {
	return len(m.pool.Accounts)
}

// flush persists the pool. An unwritable store is a warning, not a failure:
// in-memory state keeps the change for the rest of the process even though it
// will not survive a restart.
func (m *Manager) flush() {
	if err := m.store.Save(m.pool); err != nil {
		log.Warnf("pool: persist failed, in-memory state retained: %v", err)
	}
}

// Persist flushes the pool after an in-place credential update.
func (m *Manager) Persist() {
	m.flush()
}

// FindByIdentity matches the candidate against the pool in priority order:
// external account id, then email, then refresh token. Account id and email
// survive token rotation while a raw refresh token may be rotated by the
// provider on each use, hence the precedence.
func (m *Manager) FindByIdentity(candidate Account) (int, bool) {
	if candidate.AccountID != "" {
		for i := range m.pool.Accounts {
			if m.pool.Accounts[i].AccountID == candidate.AccountID {
				return i, true
			}
		}
	}
	if candidate.Email != "" {
		for i := range m.pool.Accounts {
			if m.pool.Accounts[i].Email == candidate.Email {
				return i, true
			}
		}
	}
	if candidate.Credential.RefreshToken != "" {
		for i := range m.pool.Accounts {
			if m.pool.Accounts[i].Credential.RefreshToken == candidate.Credential.RefreshToken {
				return i, true
			}
		}
	}
	return 0, false
}

// AddOrMerge inserts the account or, when its identity matches an existing
// entry, overwrites that entry's credential and identity fields in place.
// The stored label survives a merge unless the caller supplied an explicit
// one. Returns the account's index and whether a merge happened.
func (m *Manager) AddOrMerge(acc Account, explicitLabel bool) (int, bool) {
	if idx, ok := m.FindByIdentity(acc); ok {
		existing := &m.pool.Accounts[idx]
		existing.Credential = acc.Credential
		if acc.AccountID != "" {
			existing.AccountID = acc.AccountID
		}
		if acc.Email != "" {
			existing.Email = acc.Email
		}
		if len(acc.Extras) > 0 {
			if existing.Extras == nil {
				existing.Extras = make(map[string]string, len(acc.Extras))
			}
			for k, v := range acc.Extras {
				existing.Extras[k] = v
			}
		}
		if explicitLabel && acc.Label != "" {
			existing.Label = acc.Label
		}
		m.flush()
		return idx, true
	}
	if acc.Label == "" {
		if acc.Email != "" {
			acc.Label = acc.Email
		} else {
			acc.Label = PlaceholderLabel(len(m.pool.Accounts) + 1)
		}
	}
	if acc.AddedAt.IsZero() {
		acc.AddedAt = time.Now()
	}
	m.pool.Accounts = append(m.pool.Accounts, acc)
	m.flush()
	return len(m.pool.Accounts) - 1, false
}

// Remove deletes the account at index and re-clamps CurrentIndex to the
// nearest valid value.
func (m *Manager) Remove(index int) (Account, error) {
	if index < 0 || index >= len(m.pool.Accounts) {
		return Account{}, fmt.Errorf("account index %d out of range (pool has %d accounts)", index, len(m.pool.Accounts))
	}
	removed := m.pool.Accounts[index]
	m.pool.Accounts = append(m.pool.Accounts[:index], m.pool.Accounts[index+1:]...)
	if m.pool.CurrentIndex > index {
		m.pool.CurrentIndex--
	}
	m.pool.Clamp()
	m.flush()
	return removed, nil
}

// MarkExhausted records a quota exhaustion observation for the account at
// index.
func (m *Manager) MarkExhausted(index int, now time.Time) {
	if index < 0 || index >= len(m.pool.Accounts) {
		return
	}
	at := now
	m.pool.Accounts[index].ExhaustedAt = &at
	m.flush()
}

// ResetExhaustion clears the exhaustion mark on every account and returns
// how many were cleared.
func (m *Manager) ResetExhaustion() int {
	cleared := 0
	for i := range m.pool.Accounts {
		if m.pool.Accounts[i].ExhaustedAt != nil {
			m.pool.Accounts[i].ExhaustedAt = nil
			cleared++
		}
	}
	if cleared > 0 {
		m.flush()
	}
	return cleared
}

// SetCurrentIndex moves the active account marker and persists.
func (m *Manager) SetCurrentIndex(index int) error {
	if index < 0 || index >= len(m.pool.Accounts) {
		return fmt.Errorf("account index %d out of range (pool has %d accounts)", index, len(m.pool.Accounts))
	}
	m.pool.CurrentIndex = index
	m.flush()
	return nil
}

// Identify backfills stable identities for accounts that lack one,
// processing accounts one at a time: the batch is deliberately serialized to
// avoid bursting the provider's token endpoint. A per-account failure
// (revoked token) is reported and the batch continues. Returns how many
// accounts were identified and how many failed.
func (m *Manager) Identify(ctx context.Context, resolver IdentityResolver) (int, int) {
	identified, failed := 0, 0
	for i := range m.pool.Accounts {
		acc := &m.pool.Accounts[i]
		if acc.HasStableIdentity() {
			continue
		}
		cred, identity, err := resolver.Identify(ctx, acc.Credential)
		if err != nil {
			failed++
			log.Warnf("identify: account %d (%s, refresh %s): %v", i, acc.Label, util.MaskToken(acc.Credential.RefreshToken), err)
			continue
		}
		acc.Credential = cred
		acc.AccountID = identity.AccountID
		acc.Email = identity.Email
		if identity.Email != "" && IsPlaceholderLabel(acc.Label) {
			acc.Label = identity.Email
		}
		identified++
	}
	if identified > 0 {
		m.flush()
	}
	return identified, failed
}
