package pathing

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment overrides, mostly for running without root.
const (
	ConfigDirEnv = "DLT645_CONFIG_DIR"
	LogDirEnv    = "DLT645_LOG_DIR"
)

// EnsureDir creates dir if it does not exist.
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func GetConfigDir() string {
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		return dir
	}
	return "/etc/dlt645_meter"
}

func GetLogDir() string {
	if dir := os.Getenv(LogDirEnv); dir != "" {
		return dir
	}
	return "/var/log/dlt645_meter"
}

// ResolveLogFile makes a relative log file name absolute under the log dir.
// An empty name stays empty.
func ResolveLogFile(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(GetLogDir(), name)
}
