// Package config resolves the environment-derived paths the daemon depends on.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultSensorBasePath is where IIO ambient light sensors live on Linux.
	DefaultSensorBasePath = "/sys/bus/iio/devices"

	// DefaultBacklightBasePath is where sysfs backlight devices live on Linux.
	DefaultBacklightBasePath = "/sys/class/backlight"

	dataDirName  = "wluma"
	dataFileName = "data"
)

// SensorBasePath returns the directory scanned for ambient light sensors,
// honoring WLUMA_LIGHT_SENSOR_BASE_PATH.
func SensorBasePath() string {
	if path := os.Getenv("WLUMA_LIGHT_SENSOR_BASE_PATH"); path != "" {
		return path
	}
	return DefaultSensorBasePath
}

// DataFilePath resolves the training data file location under
// $XDG_DATA_HOME/wluma (or $HOME/.local/share/wluma) and creates the
// containing directory with mode 0700 on first run.
func DataFilePath() (string, error) {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home := os.Getenv("HOME")
		if home == "" {
			return "", fmt.Errorf("neither $XDG_DATA_HOME nor $HOME is set")
		}
		dir = filepath.Join(home, ".local", "share")
	}

	dir = filepath.Join(dir, dataDirName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create data dir %s: %w", dir, err)
	}

	return filepath.Join(dir, dataFileName), nil
}
