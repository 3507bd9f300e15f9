package backlight_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/maximbaz/wluma/internal/backlight"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeBacklight lays out a fake sysfs backlight directory under base.
func writeBacklight(t *testing.T, base, name, max, brightness string) string {
	t.Helper()
	dir := filepath.Join(base, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	if max != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "max_brightness"), []byte(max), 0o644))
	}
	if brightness != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "brightness"), []byte(brightness), 0o644))
	}
	return dir
}

func TestDiscoverSysfs_SelectsFirstUsableDevice(t *testing.T) {
	base := t.TempDir()
	writeBacklight(t, base, "aaa_broken", "", "100")
	writeBacklight(t, base, "intel_backlight", "120000\n", "60000\n")

	device, err := backlight.DiscoverSysfs(base)
	require.NoError(t, err)
	defer func() { _ = device.Close() }()

	assert.Equal(t, int64(120000), device.Max())

	percent, err := device.Percent()
	require.NoError(t, err)
	assert.Equal(t, 50, percent)
}

func TestDiscoverSysfs_NoDevices(t *testing.T) {
	_, err := backlight.DiscoverSysfs(t.TempDir())
	assert.Error(t, err)
}

func TestDiscoverSysfs_MissingBaseDir(t *testing.T) {
	_, err := backlight.DiscoverSysfs(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestSysfs_PercentRounds(t *testing.T) {
	base := t.TempDir()
	writeBacklight(t, base, "bl", "255\n", "128\n")

	device, err := backlight.DiscoverSysfs(base)
	require.NoError(t, err)
	defer func() { _ = device.Close() }()

	percent, err := device.Percent()
	require.NoError(t, err)
	assert.Equal(t, 50, percent) // 128 * 100 / 255 = 50.19...
}

func TestSysfs_SetPercentWritesRawValue(t *testing.T) {
	base := t.TempDir()
	dir := writeBacklight(t, base, "bl", "120000\n", "120000\n")

	device, err := backlight.DiscoverSysfs(base)
	require.NoError(t, err)
	defer func() { _ = device.Close() }()

	require.NoError(t, device.SetPercent(35))

	contents, err := os.ReadFile(filepath.Join(dir, "brightness"))
	require.NoError(t, err)
	assert.Equal(t, "42000", string(contents), "previous longer value must be truncated away")
}

func TestSysfs_SetPercentTruncatesRawDivision(t *testing.T) {
	base := t.TempDir()
	dir := writeBacklight(t, base, "bl", "7\n", "7\n")

	device, err := backlight.DiscoverSysfs(base)
	require.NoError(t, err)
	defer func() { _ = device.Close() }()

	require.NoError(t, device.SetPercent(50))

	contents, err := os.ReadFile(filepath.Join(dir, "brightness"))
	require.NoError(t, err)
	assert.Equal(t, "3", string(contents)) // 50 * 7 / 100 truncates
}
