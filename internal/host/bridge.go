// Package host bridges the rotation engine to the hosting agent runtime: the
// host's keyed auth-credential store (a JSON file the host also mutates on
// its own token refreshes), the status line, and the notification/prompt
// primitives used during interactive OAuth.
package host

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ForwardInfinity/pi-extensions/internal/pool"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// AuthFileName is the host's credential store file inside the state dir.
const AuthFileName = "auth.json"

// Bridge exposes the host collaboration points. The UI hooks are injected by
// the embedding host glue; nil hooks degrade to log output.
type Bridge struct {
	authPath string

	// StatusLineFn updates the host status line.
	StatusLineFn func(text string)
	// NotifyFn surfaces a message to the user.
	NotifyFn func(message string)
	// PromptFn asks the user for a line of input during interactive OAuth.
	PromptFn func(ctx context.Context, message string) (string, error)
}

// NewBridge returns a bridge over the host state directory.
func NewBridge(stateDir string) *Bridge {
	return &Bridge{authPath: filepath.Join(stateDir, AuthFileName)}
}

// AuthPath returns the host auth store path (watched for host-side refreshes).
func (b *Bridge) AuthPath() string {
	return b.authPath
}

// ReadCredential returns the host's current credential for the provider,
// including provider-specific extras, and whether one exists.
func (b *Bridge) ReadCredential(provider string) (pool.Credential, map[string]string, bool, error) {
	data, err := os.ReadFile(b.authPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return pool.Credential{}, nil, false, nil
		}
		return pool.Credential{}, nil, false, fmt.Errorf("read host auth store: %w", err)
	}
	entry := gjson.GetBytes(data, provider)
	if !entry.Exists() || !entry.IsObject() {
		return pool.Credential{}, nil, false, nil
	}
	cred := pool.Credential{
		RefreshToken: entry.Get("refresh").String(),
		AccessToken:  entry.Get("access").String(),
	}
	if expiry := entry.Get("expiry").String(); expiry != "" {
		if ts, errParse := time.Parse(time.RFC3339, expiry); errParse == nil {
			cred.AccessExpiry = ts
		}
	}
	var extras map[string]string
	entry.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "refresh", "access", "expiry":
			return true
		}
		if value.Type == gjson.String {
			if extras == nil {
				extras = make(map[string]string)
			}
			extras[key.String()] = value.String()
		}
		return true
	})
	return cred, extras, true, nil
}

// WriteCredential mirrors the account's full credential, including extras,
// into the host auth store under the provider key. The rest of the file is
// left untouched.
func (b *Bridge) WriteCredential(provider string, acc pool.Account) error {
	data, err := os.ReadFile(b.authPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read host auth store: %w", err)
		}
		data = []byte("{}")
	}
	data, err = sjson.SetBytes(data, provider+".refresh", acc.Credential.RefreshToken)
	if err == nil {
		data, err = sjson.SetBytes(data, provider+".access", acc.Credential.AccessToken)
	}
	if err == nil {
		expiry := ""
		if !acc.Credential.AccessExpiry.IsZero() {
			expiry = acc.Credential.AccessExpiry.Format(time.RFC3339)
		}
		data, err = sjson.SetBytes(data, provider+".expiry", expiry)
	}
	for key, value := range acc.Extras {
		if err != nil {
			break
		}
		data, err = sjson.SetBytes(data, provider+"."+key, value)
	}
	if err != nil {
		return fmt.Errorf("update host auth store: %w", err)
	}

	dir := filepath.Dir(b.authPath)
	if errDir := os.MkdirAll(dir, 0o700); errDir != nil {
		return fmt.Errorf("create state directory: %w", errDir)
	}
	tmp, err := os.CreateTemp(dir, ".auth-*.json")
	if err != nil {
		return fmt.Errorf("create temp auth file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write host auth store: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close host auth store: %w", err)
	}
	if err = os.Rename(tmpName, b.authPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace host auth store: %w", err)
	}
	if err = os.Chmod(b.authPath, 0o600); err != nil {
		log.Warnf("host: restrict permissions on %s failed: %v", b.authPath, err)
	}
	return nil
}

// SetStatusLine pushes the status line text to the host.
func (b *Bridge) SetStatusLine(text string) {
	if b.StatusLineFn != nil {
		b.StatusLineFn(text)
		return
	}
	log.Debugf("status: %s", text)
}

// Notify surfaces a message to the user.
func (b *Bridge) Notify(message string) {
	if b.NotifyFn != nil {
		b.NotifyFn(message)
		return
	}
	log.Info(message)
}

// Prompt asks the user for input; without a host hook it fails rather than
// blocking a headless session.
func (b *Bridge) Prompt(ctx context.Context, message string) (string, error) {
	if b.PromptFn != nil {
		return b.PromptFn(ctx, message)
	}
	return "", errors.New("host prompt unavailable")
}
