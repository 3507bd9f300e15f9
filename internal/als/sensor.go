// Package als discovers the ambient light sensor exposed via Linux IIO and
// converts its raw readings to lux.
package als

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/maximbaz/wluma/internal/devfile"
)

const (
	nameFile   = "name"
	rawFile    = "in_illuminance_raw"
	scaleFile  = "in_illuminance_scale"
	offsetFile = "in_illuminance_offset"

	// alsDeviceName is the IIO device name that identifies an ambient light sensor.
	alsDeviceName = "als"
)

// Sensor reads illuminance from an IIO ambient light sensor device.
// Raw lux = round((raw + offset) * scale).
type Sensor struct {
	raw    *os.File
	scale  float64
	offset float64
}

// Discover scans the immediate subdirectories of basePath for the first IIO
// device whose name file contains exactly "als", reads its optional scale and
// offset attributes, and opens its raw illuminance file.
func Discover(basePath string) (*Sensor, error) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open light sensor base dir %s: %w", basePath, err)
	}

	for _, entry := range entries {
		dir := filepath.Join(basePath, entry.Name())

		name, err := os.ReadFile(filepath.Join(dir, nameFile))
		if err != nil || strings.TrimRight(string(name), "\n") != alsDeviceName {
			continue
		}

		raw, err := os.Open(filepath.Join(dir, rawFile))
		if err != nil {
			continue
		}

		s := &Sensor{raw: raw, scale: 1, offset: 0}
		if val, err := readAttr(filepath.Join(dir, scaleFile)); err == nil {
			s.scale = val
		}
		if val, err := readAttr(filepath.Join(dir, offsetFile)); err == nil {
			s.offset = val
		}

		log.Info().Str("device", dir).Msg("Found ambient light sensor")
		return s, nil
	}

	return nil, fmt.Errorf("no ambient light sensor device found in %s", basePath)
}

func readAttr(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	return devfile.ReadFloat(f)
}

// Lux performs a positional read of the raw illuminance value and applies the
// sensor's offset and scale.
func (s *Sensor) Lux() (int64, error) {
	raw, err := devfile.ReadFloat(s.raw)
	if err != nil {
		return 0, err
	}
	return int64(math.Round((raw + s.offset) * s.scale)), nil
}

// Close releases the raw illuminance file.
func (s *Sensor) Close() error {
	return s.raw.Close()
}
