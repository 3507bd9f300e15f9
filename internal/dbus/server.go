// SPDX-License-Identifier: GPL-3.0-only

// Package dbus exposes a small observation and control surface for the
// daemon: the latest cycle readings, and a way to nudge the backlight that
// the learning loop observes like any other user correction.
package dbus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/maximbaz/wluma/internal/dispatcher"
)

// ErrRateLimitExceeded is returned when brightness change requests exceed the rate limit.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// ErrNotReady is returned before the first control cycle has completed.
var ErrNotReady = errors.New("no readings yet, the daemon is warming up")

const (
	// rateLimitPerSecond is the maximum number of brightness changes per second.
	rateLimitPerSecond = 20

	// rateLimitBurst is the maximum burst size for brightness changes.
	rateLimitBurst = 5
)

const (
	// ServiceName is the D-Bus service name.
	ServiceName = "io.github.maximbaz.Wluma"

	// ObjectPath is the D-Bus object path.
	ObjectPath = "/io/github/maximbaz/Wluma"

	// InterfaceName is the D-Bus interface name.
	InterfaceName = "io.github.maximbaz.Wluma"
)

// IntrospectXML is the D-Bus introspection XML for the service.
const IntrospectXML = `
<node name="` + ObjectPath + `">
  <interface name="` + InterfaceName + `">
    <method name="Status">
      <arg name="lux" type="x" direction="out"/>
      <arg name="luma" type="u" direction="out"/>
      <arg name="backlight" type="u" direction="out"/>
    </method>
    <method name="SetBrightness">
      <arg name="brightness" type="u" direction="in"/>
    </method>
  </interface>
  ` + introspect.IntrospectDataString + `
</node>
`

// Setter is the slice of the backlight device the service drives.
type Setter interface {
	SetPercent(percent int) error
}

// Server implements the D-Bus service.
//
// Thread safety: the dispatcher publishes snapshots from the control loop
// while D-Bus method calls arrive on godbus goroutines, so both the snapshot
// and the connection are mutex-protected. The backlight device is itself
// thread-safe.
type Server struct {
	conn   *dbus.Conn
	connMu sync.RWMutex

	device      Setter
	rateLimiter *rate.Limiter

	statusMu  sync.RWMutex
	status    dispatcher.Status
	hasStatus bool
}

// Verify Server implements the dispatcher's status sink.
var _ dispatcher.StatusSink = (*Server)(nil)

// NewServer creates a D-Bus server driving the given backlight.
func NewServer(device Setter) *Server {
	return &Server{
		device:      device,
		rateLimiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
	}
}

// Start connects to the session bus and exports the service.
func (s *Server) Start() error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}

	success := false
	defer func() {
		if !success {
			if closeErr := conn.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("Failed to close D-Bus connection during cleanup")
			}
		}
	}()

	if err := conn.Export(s, ObjectPath, InterfaceName); err != nil {
		return fmt.Errorf("failed to export server: %w", err)
	}
	if err := conn.Export(introspect.Introspectable(IntrospectXML), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to export introspectable: %w", err)
	}

	reply, err := conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", ServiceName)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	success = true
	log.Info().Str("service", ServiceName).Msg("D-Bus service started")
	return nil
}

// Stop disconnects from the session bus.
func (s *Server) Stop() error {
	s.connMu.Lock()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Update records the latest cycle snapshot. Called by the dispatcher.
func (s *Server) Update(status dispatcher.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
	s.hasStatus = true
}

// Status returns the smoothed lux, the frame luma and the observed backlight
// of the most recent cycle.
func (s *Server) Status() (int64, uint32, uint32, *dbus.Error) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()

	if !s.hasStatus {
		return 0, 0, 0, dbus.MakeFailedError(ErrNotReady)
	}

	log.Debug().
		Int64("lux", s.status.Lux).
		Int("luma", s.status.Luma).
		Int("backlight", s.status.Backlight).
		Msg("Reported status")
	return s.status.Lux, uint32(s.status.Luma), uint32(s.status.Backlight), nil
}

// SetBrightness drives the backlight to a percentage (0-100). The control
// loop observes the change on its next cycle and treats it as a user
// correction, opening a learning window.
func (s *Server) SetBrightness(brightness uint32) *dbus.Error {
	if !s.rateLimiter.Allow() {
		log.Warn().Msg("Rate limit exceeded for SetBrightness")
		return dbus.MakeFailedError(ErrRateLimitExceeded)
	}

	if brightness > 100 {
		brightness = 100
	}

	if err := s.device.SetPercent(int(brightness)); err != nil {
		log.Error().Err(err).Msg("Failed to set brightness")
		return dbus.MakeFailedError(err)
	}

	log.Debug().Uint32("brightness", brightness).Msg("Set brightness")
	return nil
}
