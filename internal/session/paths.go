package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultBaseDir returns ~/.leadsync.
func DefaultBaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".leadsync")
}

// SessionsDir returns the directory holding every session's isolated state.
func SessionsDir(base string) string {
	return filepath.Join(base, "sessions")
}

// Dir returns the session-specific directory. Everything under it is
// authentication or cache state owned by that one session.
func Dir(base, id string) string {
	return filepath.Join(SessionsDir(base), id)
}

// DeviceDBPath returns the whatsmeow device store path.
func DeviceDBPath(base, id string) string {
	return filepath.Join(Dir(base, id), "session.db")
}

// CacheDBPath returns the app-owned chat/message cache path.
func CacheDBPath(base, id string) string {
	return filepath.Join(Dir(base, id), "cache.db")
}

// RegistryPath returns the JSON file listing known session ids.
func RegistryPath(base string) string {
	return filepath.Join(base, "sessions.json")
}

// LedgerPath returns the default contact ledger path.
func LedgerPath(base string) string {
	return filepath.Join(base, "data", "chats.xlsx")
}

// JournalPath returns the daemon-wide follow-up journal database path.
func JournalPath(base string) string {
	return filepath.Join(base, "leadsync.db")
}

// LogDir returns the daemon log directory.
func LogDir(base string) string {
	return filepath.Join(base, "logs")
}

// LogPath returns the daemon log file path.
func LogPath(base string) string {
	return filepath.Join(LogDir(base), "leadsyncd.log")
}

// HealthSocketPath returns the UDS path of the gRPC health endpoint.
func HealthSocketPath(base string) string {
	return filepath.Join(base, "health.sock")
}

// ConfigPath returns the config file path.
func ConfigPath(base string) string {
	return filepath.Join(base, "config.toml")
}

// EnsureDir creates the session directory with owner-only permissions.
func EnsureDir(base, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	return os.MkdirAll(Dir(base, id), 0700)
}

// Remove deletes the session's isolated state. Missing state is not an error.
func Remove(base, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := os.RemoveAll(Dir(base, id)); err != nil {
		return fmt.Errorf("remove session state %q: %w", id, err)
	}
	return nil
}
