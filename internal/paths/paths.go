// Package paths resolves the on-disk layout for cronsmith state.
//
// Everything lives under one data directory:
//
//	tasks.db       task registry + run ledger
//	outputs/       default directory for file deliveries
//	logs/          per-task cron output logs
//	crontab.lock   lock file for the crontab rewrite critical section
//
// Resolution order for the data directory:
//  1. CRONSMITH_DATA_DIR environment variable
//  2. darwin: ~/Library/Application Support/cronsmith
//  3. elsewhere: $XDG_DATA_HOME/cronsmith (default ~/.local/share/cronsmith)
package paths

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/adrg/xdg"
)

// EnvDataDir overrides the data directory location (used by tests too).
const EnvDataDir = "CRONSMITH_DATA_DIR"

const appDir = "cronsmith"

// DataDir returns the data directory, creating it if absent.
func DataDir() (string, error) {
	dir := os.Getenv(EnvDataDir)
	if dir == "" {
		if runtime.GOOS == "darwin" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			dir = filepath.Join(home, "Library", "Application Support", appDir)
		} else {
			dir = filepath.Join(xdg.DataHome, appDir)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// DBPath returns the path of the SQLite database.
func DBPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "tasks.db"), nil
}

// OutputDir returns the default directory for file deliveries, creating it
// if absent.
func OutputDir() (string, error) {
	return subdir("outputs")
}

// LogDir returns the directory cron job output is redirected into, creating
// it if absent.
func LogDir() (string, error) {
	return subdir("logs")
}

// LockPath returns the path of the crontab rewrite lock file.
func LockPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "crontab.lock"), nil
}

// ConfigPath returns the default config file location.
func ConfigPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func subdir(name string) (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	d := filepath.Join(dir, name)
	if err := os.MkdirAll(d, 0o755); err != nil {
		return "", err
	}
	return d, nil
}
