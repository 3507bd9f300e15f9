// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maximbaz/wluma/internal/backlight"
)

func TestDiscoverBacklight_PrefersSysfs(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "intel_backlight")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "max_brightness"), []byte("120000\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "brightness"), []byte("60000\n"), 0o644))

	device, err := discoverBacklight(base)
	require.NoError(t, err)
	defer func() { _ = device.Close() }()

	_, ok := device.(*backlight.Sysfs)
	assert.True(t, ok, "sysfs device must win when present")
}

func TestRootCommandFlags(t *testing.T) {
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("verbose"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("output"))
}
