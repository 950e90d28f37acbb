package util

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// GetConfigDir returns $XDG_CONFIG_HOME/fedcore (~/.config/fedcore on
// Linux), creating it on first use.
func GetConfigDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "locating config directory")
	}
	dir := filepath.Join(base, Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrapf(err, "creating %s", dir)
	}
	return dir, nil
}

// ResolveFilePath prefers name in the working directory, then in the
// config directory. When neither exists the config directory path is
// returned so the file gets created there.
func ResolveFilePath(name string) string {
	if _, err := os.Stat(name); err == nil {
		return name
	}
	dir, err := GetConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, name)
}
