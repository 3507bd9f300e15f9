package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLumaPercent(t *testing.T) {
	tests := []struct {
		name     string
		r, g, b  byte
		expected int
	}{
		{name: "black is 0", r: 0, g: 0, b: 0, expected: 0},
		{name: "white is 100", r: 255, g: 255, b: 255, expected: 100},
		{name: "mid grey is half", r: 128, g: 128, b: 128, expected: 50},
		{name: "pure red weighs 24.1%", r: 255, g: 0, b: 0, expected: 49},
		{name: "pure green weighs 69.1%", r: 0, g: 255, b: 0, expected: 83},
		{name: "pure blue weighs 6.8%", r: 0, g: 0, b: 255, expected: 26},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, lumaPercent(tt.r, tt.g, tt.b))
		})
	}
}

func TestLumaPercent_GreenOutweighsBlue(t *testing.T) {
	// The HSP weights order the primaries by perceived brightness.
	assert.Greater(t, lumaPercent(0, 200, 0), lumaPercent(200, 0, 0))
	assert.Greater(t, lumaPercent(200, 0, 0), lumaPercent(0, 0, 200))
}

func TestLumaPercent_AlwaysInRange(t *testing.T) {
	for _, px := range [][3]byte{{0, 0, 0}, {255, 255, 255}, {1, 0, 0}, {255, 0, 255}} {
		luma := lumaPercent(px[0], px[1], px[2])
		assert.GreaterOrEqual(t, luma, 0)
		assert.LessOrEqual(t, luma, 100)
	}
}

func TestMipLevels(t *testing.T) {
	tests := []struct {
		name          string
		width, height uint32
		expected      uint32
	}{
		{name: "full HD", width: 1920, height: 1080, expected: 10},
		{name: "4k", width: 3840, height: 2160, expected: 11},
		{name: "square power of two", width: 4096, height: 4096, expected: 12},
		{name: "portrait uses the larger side", width: 1080, height: 1920, expected: 10},
		{name: "1x1 frame keeps a single level", width: 1, height: 1, expected: 1},
		{name: "tiny frame clamps to one level", width: 2, height: 2, expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, mipLevels(tt.width, tt.height))
		})
	}
}

func TestHalfExtent(t *testing.T) {
	w, h := halfExtent(1920, 1080)
	assert.Equal(t, uint32(960), w)
	assert.Equal(t, uint32(540), h)

	w, h = halfExtent(1, 1)
	assert.Equal(t, uint32(1), w)
	assert.Equal(t, uint32(1), h)

	w, h = halfExtent(3, 1)
	assert.Equal(t, uint32(1), w)
	assert.Equal(t, uint32(1), h)
}
