// Package pool implements the multi-account credential pool: the persisted
// account model, file-backed storage, identity-based deduplication, and the
// cooldown-aware rotation selector.
package pool

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// Credential carries the live token material for one account.
type Credential struct {
	// RefreshToken is the long-lived token; the only identity fallback that
	// is always present for a successfully added account.
	RefreshToken string
	// AccessToken is the short-lived bearer token mirrored into the host.
	AccessToken string
	// AccessExpiry marks when AccessToken expires.
	AccessExpiry time.Time
}

// Identity is the stable external identity of an account, best-effort.
// Either field may be empty until an identify pass backfills it.
type Identity struct {
	AccountID string
	Email     string
}

// Account is one provider identity under management.
type Account struct {
	// Label is the user-facing display name.
	Label string
	// Email and AccountID form the stable identity that survives token
	// rotation; both are best-effort.
	Email     string
	AccountID string
	// Credential holds the live token material.
	Credential Credential
	// Extras carries provider-specific credential fields (e.g. a project id)
	// that the rotation engine copies through without inspecting.
	Extras map[string]string
	// AddedAt is the creation timestamp.
	AddedAt time.Time
	// ExhaustedAt marks the last observed quota exhaustion; nil means the
	// account never exhausted or was explicitly reset. The stored value is
	// only interpreted at read time against the cooldown window.
	ExhaustedAt *time.Time
}

// reserved keys of the flat on-disk account object; everything else is an extra.
var reservedAccountKeys = map[string]struct{}{
	"label":       {},
	"email":       {},
	"accountId":   {},
	"refresh":     {},
	"access":      {},
	"expires":     {},
	"addedAt":     {},
	"exhaustedAt": {},
}

// MarshalJSON flattens the account into the persisted wire shape, inlining
// provider-specific extras next to the known fields.
func (a Account) MarshalJSON() ([]byte, error) {
	obj := map[string]any{
		"label":   a.Label,
		"refresh": a.Credential.RefreshToken,
		"access":  a.Credential.AccessToken,
		"addedAt": a.AddedAt.Unix(),
	}
	if a.Email != "" {
		obj["email"] = a.Email
	}
	if a.AccountID != "" {
		obj["accountId"] = a.AccountID
	}
	if a.Credential.AccessExpiry.IsZero() {
		obj["expires"] = int64(0)
	} else {
		obj["expires"] = a.Credential.AccessExpiry.Unix()
	}
	if a.ExhaustedAt != nil {
		obj["exhaustedAt"] = a.ExhaustedAt.Unix()
	} else {
		obj["exhaustedAt"] = nil
	}
	for key, value := range a.Extras {
		if _, reserved := reservedAccountKeys[key]; reserved {
			continue
		}
		obj[key] = value
	}
	return json.Marshal(obj)
}

// UnmarshalJSON restores an account from the flat wire shape, collecting
// unknown string fields back into Extras.
func (a *Account) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*a = Account{}
	if v, ok := obj["label"].(string); ok {
		a.Label = v
	}
	if v, ok := obj["email"].(string); ok {
		a.Email = v
	}
	if v, ok := obj["accountId"].(string); ok {
		a.AccountID = v
	}
	if v, ok := obj["refresh"].(string); ok {
		a.Credential.RefreshToken = v
	}
	if v, ok := obj["access"].(string); ok {
		a.Credential.AccessToken = v
	}
	if ts, ok := numberField(obj, "expires"); ok && ts > 0 {
		a.Credential.AccessExpiry = time.Unix(ts, 0)
	}
	if ts, ok := numberField(obj, "addedAt"); ok && ts > 0 {
		a.AddedAt = time.Unix(ts, 0)
	}
	if ts, ok := numberField(obj, "exhaustedAt"); ok {
		exhausted := time.Unix(ts, 0)
		a.ExhaustedAt = &exhausted
	}
	for key, value := range obj {
		if _, reserved := reservedAccountKeys[key]; reserved {
			continue
		}
		str, ok := value.(string)
		if !ok {
			continue
		}
		if a.Extras == nil {
			a.Extras = make(map[string]string)
		}
		a.Extras[key] = str
	}
	return nil
}

func numberField(obj map[string]any, key string) (int64, bool) {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return 0, false
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Clone returns a deep copy of the account.
func (a Account) Clone() Account {
	out := a
	if a.Extras != nil {
		out.Extras = make(map[string]string, len(a.Extras))
		for k, v := range a.Extras {
			out.Extras[k] = v
		}
	}
	if a.ExhaustedAt != nil {
		exhausted := *a.ExhaustedAt
		out.ExhaustedAt = &exhausted
	}
	return out
}

// HasStableIdentity reports whether the account carries any identity field
// that survives credential refresh.
func (a Account) HasStableIdentity() bool {
	return a.AccountID != "" || a.Email != ""
}

// Pool is the unit of persistence: the ordered account sequence and the
// index of the account currently mirrored into the host's auth store.
type Pool struct {
	Accounts     []Account `json:"accounts"`
	CurrentIndex int       `json:"currentIndex"`
}

// Current returns the active account, if any.
func (p *Pool) Current() (*Account, bool) {
	if len(p.Accounts) == 0 || p.CurrentIndex < 0 || p.CurrentIndex >= len(p.Accounts) {
		return nil, false
	}
	return &p.Accounts[p.CurrentIndex], true
}

// Clamp restores the CurrentIndex invariant after mutations.
func (p *Pool) Clamp() {
	if len(p.Accounts) == 0 {
		p.CurrentIndex = 0
		return
	}
	if p.CurrentIndex < 0 {
		p.CurrentIndex = 0
	}
	if p.CurrentIndex >= len(p.Accounts) {
		p.CurrentIndex = len(p.Accounts) - 1
	}
}

var placeholderLabelPattern = regexp.MustCompile(`^account-\d+$`)

// PlaceholderLabel returns the ordinal display name used when an account is
// added without a label and before its email is known.
func PlaceholderLabel(ordinal int) string {
	return fmt.Sprintf("account-%d", ordinal)
}

// IsPlaceholderLabel reports whether the label is a generated placeholder.
func IsPlaceholderLabel(label string) bool {
	return placeholderLabelPattern.MatchString(label)
}
