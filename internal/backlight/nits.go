// SPDX-License-Identifier: GPL-3.0-only

package backlight

import "math"

const (
	// minNits is the minimum brightness supported by the Apple Studio Display.
	minNits uint32 = 400

	// maxNits is the maximum brightness supported by the Apple Studio Display.
	maxNits uint32 = 60000

	nitsRange uint32 = maxNits - minNits
)

// nitsToPercent converts a brightness value in nits to a percentage (0-100).
// Values outside the valid range are clamped before conversion. Uses rounding
// to keep round-trips with percentToNits consistent.
func nitsToPercent(nits uint32) int {
	nits = clampNits(nits)
	percent := float64(nits-minNits) / float64(nitsRange) * 100
	return int(math.Round(percent))
}

// percentToNits converts a percentage (0-100) to a brightness value in nits.
func percentToNits(percent int) uint32 {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}
	nits := uint32(float64(percent)*float64(nitsRange)/100) + minNits
	return clampNits(nits)
}

func clampNits(nits uint32) uint32 {
	if nits < minNits {
		return minNits
	}
	if nits > maxNits {
		return maxNits
	}
	return nits
}
