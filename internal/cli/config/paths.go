package config

import (
	"os"
	"path/filepath"
)

func DefaultConfigDir() string {
	if v := os.Getenv("GPGFWD_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".gpgfwd")
}

func DefaultConfigPath() string {
	if v := os.Getenv("GPGFWD_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(DefaultConfigDir(), "config")
}
