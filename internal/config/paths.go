package config

import (
	"os"
	"path/filepath"
)

// ConfigDir returns the relay config directory, respecting XDG_CONFIG_HOME.
// Defaults to ~/.config/relay/.
func ConfigDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "relay"), nil
}

// DefaultPath returns the path of the global config file.
func DefaultPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DataDir returns the relay data directory, respecting XDG_DATA_HOME.
// Defaults to ~/.local/share/relay/.
func DataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "relay"), nil
}
