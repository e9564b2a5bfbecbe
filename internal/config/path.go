package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir picks a data directory for the host OS: $XDG_DATA_HOME,
// then /var/lib, then the macOS and Windows per-user locations, then a
// dotdir in the home directory. Without a home directory it is ./data.
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return "./data"
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "aggregator")
	}

	candidates := []struct{ probe, dir string }{
		{"/var/lib", "/var/lib/aggregator"},
		{filepath.Join(homeDir, "Library"), filepath.Join(homeDir, "Library", "Application Support", "Aggregator")},
		{filepath.Join(homeDir, "AppData"), filepath.Join(homeDir, "AppData", "Local", "Aggregator")},
	}
	for _, c := range candidates {
		if isDir(c.probe) {
			return c.dir
		}
	}
	return filepath.Join(homeDir, ".aggregator")
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
