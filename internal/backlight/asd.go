// SPDX-License-Identifier: GPL-3.0-only

package backlight

import (
	"encoding/binary"
	"fmt"
	"sync"

	karalabehid "github.com/karalabe/hid"
	"github.com/rs/zerolog/log"
)

const (
	// reportID is the HID report ID for brightness control.
	reportID byte = 0x01

	// reportSize is the size of the HID feature report in bytes.
	reportSize = 7

	// appleVendorID is the USB vendor ID for Apple.
	appleVendorID uint16 = 0x05ac

	// studioDisplayProductID is the USB product ID for Apple Studio Display.
	studioDisplayProductID uint16 = 0x1114

	// brightnessInterface is the USB interface number for brightness control.
	brightnessInterface = 0x07
)

// FeatureReporter is the slice of a HID device the ASD backlight needs.
// This interface allows for mocking in tests.
type FeatureReporter interface {
	// GetFeatureReport reads a feature report; the first byte is the report ID.
	GetFeatureReport(data []byte) (int, error)

	// SendFeatureReport writes a feature report; the first byte is the report ID.
	SendFeatureReport(data []byte) (int, error)

	// Close closes the device handle.
	Close() error
}

// ASD drives an Apple Studio Display backlight over USB HID feature reports.
// The display works in nits; levels are mapped to percent with the same curve
// the display's own controls use.
type ASD struct {
	mu     sync.Mutex
	device FeatureReporter
	closed bool
}

// Verify ASD implements Device.
var _ Device = (*ASD)(nil)

// ErrDeviceClosed is returned when an operation is attempted on a closed device.
var ErrDeviceClosed = fmt.Errorf("backlight device is closed")

// NewASD wraps an open HID device as a backlight Device.
func NewASD(device FeatureReporter) *ASD {
	return &ASD{device: device}
}

// DiscoverASD opens the first Apple Studio Display brightness interface found
// on the USB bus.
func DiscoverASD() (*ASD, error) {
	devices, err := karalabehid.Enumerate(appleVendorID, studioDisplayProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate HID devices: %w", err)
	}

	for _, info := range devices {
		if info.Interface != brightnessInterface {
			continue
		}

		device, err := info.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open display %s: %w", info.Serial, err)
		}

		log.Info().Str("serial", info.Serial).Str("product", info.Product).Msg("Found Apple Studio Display backlight")
		return NewASD(device), nil
	}

	return nil, fmt.Errorf("no Apple Studio Display found")
}

// Percent reads the current brightness from the display.
func (d *ASD) Percent() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrDeviceClosed
	}

	data := make([]byte, reportSize)
	data[0] = reportID

	if _, err := d.device.GetFeatureReport(data); err != nil {
		return 0, fmt.Errorf("failed to get feature report: %w", err)
	}

	nits := binary.LittleEndian.Uint32(data[1:5])
	return nitsToPercent(nits), nil
}

// SetPercent drives the display to the given brightness level.
func (d *ASD) SetPercent(percent int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDeviceClosed
	}

	data := make([]byte, reportSize)
	data[0] = reportID
	binary.LittleEndian.PutUint32(data[1:5], percentToNits(percent))

	if _, err := d.device.SendFeatureReport(data); err != nil {
		return fmt.Errorf("failed to send feature report: %w", err)
	}

	return nil
}

// Close closes the underlying HID device.
func (d *ASD) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.device.Close()
}
