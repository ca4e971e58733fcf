package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.wsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wsync")
}

// Layout locates the daemon's files below Root.
type Layout struct {
	Root string
}

// DefaultLayout is rooted at BaseDir.
func DefaultLayout() Layout {
	return Layout{Root: BaseDir()}
}

// AccountDir returns the account-specific directory.
func (l Layout) AccountDir(id string) string {
	return filepath.Join(l.Root, "accounts", id)
}

// DBPath returns the account's sqlite database.
func (l Layout) DBPath(id string) string {
	return filepath.Join(l.AccountDir(id), "wsync.db")
}

// SocketPath returns the daemon's control socket.
func (l Layout) SocketPath() string {
	return filepath.Join(l.Root, "wsyncd.sock")
}

// LogDir returns the log directory.
func (l Layout) LogDir() string {
	return filepath.Join(l.Root, "logs")
}

// LogPath returns the daemon log file path.
func (l Layout) LogPath() string {
	return filepath.Join(l.LogDir(), "wsyncd.log")
}

// ConfigPath returns the global config file path.
func (l Layout) ConfigPath() string {
	return filepath.Join(l.Root, "config.toml")
}

// RegistryPath returns the account registry file.
func (l Layout) RegistryPath() string {
	return filepath.Join(l.Root, "accounts.toml")
}

// EnsureDir creates the root directory tree with proper permissions.
func (l Layout) EnsureDir() error {
	dirs := []string{
		l.Root,
		filepath.Join(l.Root, "accounts"),
		l.LogDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
