// Package cache keeps raw survey payloads on disk between runs.
package cache

import (
	"os"
	"path/filepath"
	goruntime "runtime"
)

const appName = "sky-mosaic"

// DefaultDir returns the OS-specific cache directory for survey payloads.
func DefaultDir() string {
	homeDir, _ := os.UserHomeDir()

	switch goruntime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", appName, "surveys")
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(localAppData, appName, "cache", "surveys")
	default:
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, appName, "surveys")
	}
}
