package pool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(NewFileStore(filepath.Join(t.TempDir(), "accounts.json")))
}

func TestAddOrMergeIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	acc := Account{
		Email:      "a@example.com",
		AccountID:  "uid-a",
		Credential: Credential{RefreshToken: "refresh-old"},
	}
	idx, merged := m.AddOrMerge(acc, false)
	if merged || idx != 0 {
		t.Fatalf("first add: idx=%d merged=%v", idx, merged)
	}
	if got := m.Pool().Accounts[0].Label; got != "a@example.com" {
		t.Fatalf("label should default to email, got %q", got)
	}

	// Re-adding the same identity with a rotated refresh token must merge,
	// not duplicate.
	again := Account{
		Email:      "a@example.com",
		AccountID:  "uid-a",
		Credential: Credential{RefreshToken: "refresh-new"},
	}
	idx, merged = m.AddOrMerge(again, false)
	if !merged || idx != 0 {
		t.Fatalf("re-add: idx=%d merged=%v", idx, merged)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 account after merge, got %d", m.Len())
	}
	if got := m.Pool().Accounts[0].Credential.RefreshToken; got != "refresh-new" {
		t.Fatalf("merge must overwrite the credential, got %q", got)
	}
}

func TestAddOrMergeLabelHandling(t *testing.T) {
	m := newTestManager(t)

	idx, _ := m.AddOrMerge(Account{Credential: Credential{RefreshToken: "r1"}}, false)
	if got := m.Pool().Accounts[idx].Label; got != "account-1" {
		t.Fatalf("expected placeholder label, got %q", got)
	}

	// A merge without an explicit label keeps the stored one.
	m.Pool().Accounts[idx].Label = "renamed"
	_, merged := m.AddOrMerge(Account{Credential: Credential{RefreshToken: "r1"}}, false)
	if !merged {
		t.Fatal("expected merge on matching refresh token")
	}
	if got := m.Pool().Accounts[idx].Label; got != "renamed" {
		t.Fatalf("merge overwrote stored label: %q", got)
	}

	// An explicit label wins.
	_, _ = m.AddOrMerge(Account{Label: "explicit", Credential: Credential{RefreshToken: "r1"}}, true)
	if got := m.Pool().Accounts[idx].Label; got != "explicit" {
		t.Fatalf("explicit label not applied: %q", got)
	}
}

func TestFindByIdentityPrecedence(t *testing.T) {
	m := newTestManager(t)
	m.AddOrMerge(Account{AccountID: "uid-1", Email: "one@example.com", Credential: Credential{RefreshToken: "r1"}}, false)
	m.AddOrMerge(Account{AccountID: "uid-2", Email: "two@example.com", Credential: Credential{RefreshToken: "r2"}}, false)

	// Account id outranks a conflicting email.
	idx, ok := m.FindByIdentity(Account{AccountID: "uid-2", Email: "one@example.com"})
	if !ok || idx != 1 {
		t.Fatalf("account id match: idx=%d ok=%v", idx, ok)
	}

	// Email outranks a conflicting refresh token.
	idx, ok = m.FindByIdentity(Account{Email: "one@example.com", Credential: Credential{RefreshToken: "r2"}})
	if !ok || idx != 0 {
		t.Fatalf("email match: idx=%d ok=%v", idx, ok)
	}

	idx, ok = m.FindByIdentity(Account{Credential: Credential{RefreshToken: "r2"}})
	if !ok || idx != 1 {
		t.Fatalf("refresh token match: idx=%d ok=%v", idx, ok)
	}

	if _, ok = m.FindByIdentity(Account{Credential: Credential{RefreshToken: "unknown"}}); ok {
		t.Fatal("unexpected match for unknown credential")
	}
}

func TestRemoveAdjustsCurrentIndex(t *testing.T) {
	m := newTestManager(t)
	for _, token := range []string{"r0", "r1", "r2"} {
		m.AddOrMerge(Account{Credential: Credential{RefreshToken: token}}, false)
	}

	// Removing an account before the current one shifts the marker left.
	if err := m.SetCurrentIndex(2); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Remove(0); err != nil {
		t.Fatal(err)
	}
	if got := m.Pool().CurrentIndex; got != 1 {
		t.Fatalf("expected currentIndex 1 after removing an earlier account, got %d", got)
	}
	if got := m.Pool().Accounts[1].Credential.RefreshToken; got != "r2" {
		t.Fatalf("current account changed identity: %q", got)
	}

	// Removing the current last account clamps to the new end.
	if _, err := m.Remove(1); err != nil {
		t.Fatal(err)
	}
	if got := m.Pool().CurrentIndex; got != 0 {
		t.Fatalf("expected clamp to 0, got %d", got)
	}

	if _, err := m.Remove(5); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestRemoveCurrentHeadKeepsIndexOnSuccessor(t *testing.T) {
	m := newTestManager(t)
	for _, token := range []string{"r0", "r1", "r2"} {
		m.AddOrMerge(Account{Credential: Credential{RefreshToken: token}}, false)
	}

	if _, err := m.Remove(0); err != nil {
		t.Fatal(err)
	}
	if got := m.Pool().CurrentIndex; got != 0 {
		t.Fatalf("expected currentIndex 0, got %d", got)
	}
	// The marker now points at the former index-1 account.
	if got := m.Pool().Accounts[0].Credential.RefreshToken; got != "r1" {
		t.Fatalf("expected former second account at the head, got %q", got)
	}
}

func TestMarkExhaustedAndReset(t *testing.T) {
	m := newTestManager(t)
	m.AddOrMerge(Account{Credential: Credential{RefreshToken: "r0"}}, false)
	m.AddOrMerge(Account{Credential: Credential{RefreshToken: "r1"}}, false)

	now := time.Now()
	m.MarkExhausted(0, now)
	if m.Pool().Accounts[0].ExhaustedAt == nil {
		t.Fatal("exhaustion mark not set")
	}
	if m.Pool().Accounts[1].ExhaustedAt != nil {
		t.Fatal("wrong account marked")
	}

	if cleared := m.ResetExhaustion(); cleared != 1 {
		t.Fatalf("expected 1 cleared mark, got %d", cleared)
	}
	if m.Pool().Accounts[0].ExhaustedAt != nil {
		t.Fatal("reset did not clear the mark")
	}
	if cleared := m.ResetExhaustion(); cleared != 0 {
		t.Fatalf("second reset should clear nothing, got %d", cleared)
	}
}

type fakeResolver struct {
	identities map[string]Identity
	rotated    map[string]string
}

func (r *fakeResolver) Identify(_ context.Context, cred Credential) (Credential, Identity, error) {
	id, ok := r.identities[cred.RefreshToken]
	if !ok {
		return Credential{}, Identity{}, errors.New("invalid_grant: token revoked")
	}
	if next, rotates := r.rotated[cred.RefreshToken]; rotates {
		cred.RefreshToken = next
	}
	return cred, id, nil
}

func TestIdentifyBackfillsAndTolerates(t *testing.T) {
	m := newTestManager(t)
	m.AddOrMerge(Account{Credential: Credential{RefreshToken: "good"}}, false)
	m.AddOrMerge(Account{Credential: Credential{RefreshToken: "revoked"}}, false)
	m.AddOrMerge(Account{Email: "known@example.com", Credential: Credential{RefreshToken: "skip"}}, false)

	resolver := &fakeResolver{
		identities: map[string]Identity{
			"good": {AccountID: "uid-good", Email: "good@example.com"},
		},
		rotated: map[string]string{"good": "good-rotated"},
	}
	identified, failed := m.Identify(context.Background(), resolver)
	if identified != 1 || failed != 1 {
		t.Fatalf("identified=%d failed=%d", identified, failed)
	}

	first := m.Pool().Accounts[0]
	if first.AccountID != "uid-good" || first.Email != "good@example.com" {
		t.Fatalf("identity not backfilled: %+v", first)
	}
	if first.Label != "good@example.com" {
		t.Fatalf("placeholder label should be replaced by email, got %q", first.Label)
	}
	if first.Credential.RefreshToken != "good-rotated" {
		t.Fatalf("rotated refresh token not stored: %q", first.Credential.RefreshToken)
	}

	// The failed account keeps its credential untouched.
	if got := m.Pool().Accounts[1].Credential.RefreshToken; got != "revoked" {
		t.Fatalf("failed identify must not mutate the account, got %q", got)
	}

	// Accounts with a stable identity are skipped entirely.
	if got := m.Pool().Accounts[2].Credential.RefreshToken; got != "skip" {
		t.Fatalf("identified account should be skipped, got %q", got)
	}
}
