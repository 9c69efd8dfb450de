// Package sqlitepath finds the SQLite database used by "sipfork serve" when
// none is configured.
package sqlitepath

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/papercomputeco/sipfork/pkg/dotdir"
)

const dbName = "fork.db"

// ResolveSQLitePath returns override when set, then the first existing
// database among the well-known locations, and finally fork.db inside the
// resolved .sipfork/ directory.
func ResolveSQLitePath(override, configDir string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		return override, nil
	}

	for _, candidate := range sqliteCandidates() {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	target, err := dotdir.NewManager().Target(configDir)
	if err != nil {
		return "", fmt.Errorf("resolving sqlite path: %w", err)
	}
	return filepath.Join(target, dbName), nil
}

func sqliteCandidates() []string {
	candidates := []string{
		filepath.Join(".sipfork", dbName),
	}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".sipfork", dbName))
	}

	if xdgHome := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); xdgHome != "" {
		candidates = append([]string{
			filepath.Join(xdgHome, "sipfork", dbName),
		}, candidates...)
	}

	return candidates
}
