package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// StateDirEnv overrides the base agent-state directory when set.
const StateDirEnv = "PI_STATE_DIR"

const defaultStateDir = "~/.pi/agent"

// ResolveStateDir returns the absolute base directory for extension state.
// Precedence: explicit configured value, then the PI_STATE_DIR environment
// variable, then the default under the user's home directory.
func ResolveStateDir(configured string) (string, error) {
	dir := strings.TrimSpace(configured)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv(StateDirEnv))
	}
	if dir == "" {
		dir = defaultStateDir
	}
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve state directory: %w", err)
	}
	return abs, nil
}
