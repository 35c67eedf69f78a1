package util

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("NEARBY_DATA_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".nearby-data")
}

// GetDeviceCacheDir returns the cache directory for a specific simulated device
func GetDeviceCacheDir(deviceID string) string {
	return filepath.Join(GetDataDir(), deviceID)
}

// GetSocketDir returns the directory where Unix domain sockets are stored
func GetSocketDir() string {
	socketDir := filepath.Join(GetDataDir(), "sockets")
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		panic(err)
	}
	return socketDir
}

// ShortHash returns 8 hex chars of sha256(s). Unix socket paths are capped
// near 108 bytes, so names derived from service ids go through this.
func ShortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:4])
}
