package backlight

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNitsToPercent(t *testing.T) {
	tests := []struct {
		name     string
		nits     uint32
		expected int
	}{
		{name: "minimum brightness (400 nits) returns 0%", nits: 400, expected: 0},
		{name: "maximum brightness (60000 nits) returns 100%", nits: 60000, expected: 100},
		{name: "midpoint brightness returns 50%", nits: 30200, expected: 50},
		{name: "below minimum clamps to 0%", nits: 0, expected: 0},
		{name: "above maximum clamps to 100%", nits: 70000, expected: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, nitsToPercent(tt.nits))
		})
	}
}

func TestPercentToNits(t *testing.T) {
	tests := []struct {
		name     string
		percent  int
		expected uint32
	}{
		{name: "0% returns minimum brightness", percent: 0, expected: 400},
		{name: "100% returns maximum brightness", percent: 100, expected: 60000},
		{name: "50% returns midpoint brightness", percent: 50, expected: 30200},
		{name: "above 100% is treated as 100%", percent: 150, expected: 60000},
		{name: "negative is treated as 0%", percent: -5, expected: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, percentToNits(tt.percent))
		})
	}
}

func TestNitsPercentRoundTrip(t *testing.T) {
	for percent := 0; percent <= 100; percent++ {
		assert.Equal(t, percent, nitsToPercent(percentToNits(percent)))
	}
}
