package config

import (
	"os"
	"path/filepath"
)

func GetListenAddr() string {
	return GetEnvOrDefault("LISTEN_ADDR", ":8080")
}

// GetStateDir is where the console keeps durable local state, most notably
// the device identity keypair.
func GetStateDir() string {
	if dir := GetEnvOrDefault("STATE_DIR", ""); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lifedeck"
	}
	return filepath.Join(home, ".lifedeck")
}

func GetLogLevel() string {
	return GetEnvOrDefault("LOG_LEVEL", "info")
}
