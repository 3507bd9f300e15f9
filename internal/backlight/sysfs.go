package backlight

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/maximbaz/wluma/internal/devfile"
)

const (
	brightnessFile    = "brightness"
	maxBrightnessFile = "max_brightness"
)

// Sysfs is a backlight exposed under /sys/class/backlight. Writes go through
// the kernel's brightness attribute as absolute raw values.
type Sysfs struct {
	mu  sync.Mutex
	f   *os.File
	max int64
}

// Verify Sysfs implements Device.
var _ Device = (*Sysfs)(nil)

// DiscoverSysfs scans the immediate subdirectories of basePath and selects the
// first whose max_brightness and brightness attributes both open successfully.
func DiscoverSysfs(basePath string) (*Sysfs, error) {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open backlight base dir %s: %w", basePath, err)
	}

	for _, entry := range entries {
		dir := filepath.Join(basePath, entry.Name())

		maxF, err := os.Open(filepath.Join(dir, maxBrightnessFile))
		if err != nil {
			continue
		}
		max, err := devfile.ReadFloat(maxF)
		_ = maxF.Close()
		if err != nil || max <= 0 {
			continue
		}

		f, err := os.OpenFile(filepath.Join(dir, brightnessFile), os.O_RDWR, 0)
		if err != nil {
			continue
		}

		log.Info().Str("device", dir).Int64("max", int64(max)).Msg("Found backlight device")
		return &Sysfs{f: f, max: int64(max)}, nil
	}

	return nil, fmt.Errorf("no backlight device found in %s", basePath)
}

// Percent reads the raw brightness and normalises it to 0-100.
func (b *Sysfs) Percent() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := devfile.ReadFloat(b.f)
	if err != nil {
		return 0, err
	}
	return int(math.Round(raw * 100 / float64(b.max))), nil
}

// SetPercent converts the level to the device's raw range and writes it.
func (b *Sysfs) SetPercent(percent int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return devfile.WriteInt(b.f, int64(percent)*b.max/100)
}

// Max returns the device's raw brightness ceiling.
func (b *Sysfs) Max() int64 {
	return b.max
}

// Close releases the brightness attribute file.
func (b *Sysfs) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f.Close()
}
