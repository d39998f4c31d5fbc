package config

import (
	"os"
	"strings"
)

// SkipMigrations disables AutoMigrate on process start.
//
// Set via env:
// - SKIP_MIGRATIONS=true
func SkipMigrations() bool {
	return envBoolDefault("SKIP_MIGRATIONS", false)
}

// SyncPullEnabled lets a client run push-only (e.g. a collector device that never
// needs the canonical data set).
//
// Set via env:
// - SYNC_PULL_ENABLED=false
func SyncPullEnabled() bool {
	return envBoolDefault("SYNC_PULL_ENABLED", true)
}

func envBoolDefault(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	default:
		return def
	}
}
