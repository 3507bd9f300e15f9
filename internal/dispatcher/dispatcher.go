// Package dispatcher sequences the capture cycle: frame, luma, sensors,
// controller decision, at a bounded rate, with cooperative shutdown.
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/maximbaz/wluma/internal/als"
	"github.com/maximbaz/wluma/internal/backlight"
	"github.com/maximbaz/wluma/internal/capture"
	"github.com/maximbaz/wluma/internal/gpu"
)

// frameRequestDelay paces capture requests; together with capture and compute
// time a cycle lands around 200 ms.
const frameRequestDelay = 100 * time.Millisecond

// Capturer produces frames. A retryable cancel is capture.ErrCancelled;
// anything else is permanent.
type Capturer interface {
	Next(ctx context.Context) (*capture.Frame, error)
}

// Processor turns a frame into a perceived-lightness percentage.
type Processor interface {
	LumaPercent(frame *capture.Frame) (int, error)
}

// LightSensor reports ambient illuminance in lux.
type LightSensor interface {
	Lux() (int64, error)
}

// Control consumes one cycle's readings.
type Control interface {
	Adjust(ctx context.Context, lux int64, luma, backlight int)
	RefreshLast(backlight int)
}

// Status is a snapshot of the most recent completed cycle.
type Status struct {
	Lux       int64
	Luma      int
	Backlight int
}

// StatusSink receives cycle snapshots, e.g. for the D-Bus service.
type StatusSink interface {
	Update(status Status)
}

// Dispatcher owns the main loop.
type Dispatcher struct {
	capturer  Capturer
	processor Processor
	sensor    LightSensor
	device    backlight.Device
	control   Control
	smoother  *als.Smoother
	limiter   *rate.Limiter
	sink      StatusSink
}

// Option is a functional option for configuring a Dispatcher.
type Option func(*Dispatcher)

// WithStatusSink publishes a snapshot after every completed cycle.
func WithStatusSink(sink StatusSink) Option {
	return func(d *Dispatcher) {
		d.sink = sink
	}
}

// WithLimiter overrides the cycle pacing, for testing.
func WithLimiter(limiter *rate.Limiter) Option {
	return func(d *Dispatcher) {
		d.limiter = limiter
	}
}

// New wires a dispatcher.
func New(capturer Capturer, processor Processor, sensor LightSensor, device backlight.Device, control Control, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		capturer:  capturer,
		processor: processor,
		sensor:    sensor,
		device:    device,
		control:   control,
		smoother:  &als.Smoother{},
		limiter:   rate.NewLimiter(rate.Every(frameRequestDelay), 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run loops until ctx is cancelled (returns nil) or a permanent capture or
// GPU condition occurs (returns the error). Transient failures abandon the
// cycle and re-arm.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if err := d.limiter.Wait(ctx); err != nil {
			return nil
		}

		frame, err := d.capturer.Next(ctx)
		switch {
		case errors.Is(err, capture.ErrCancelled):
			log.Debug().Msg("Capture cancelled, re-arming")
			continue
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return nil
		case err != nil:
			log.Error().Err(err).Msg("Capture failed")
			return err
		}

		luma, lumaErr := d.processor.LumaPercent(frame)
		if closeErr := frame.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to free frame")
		}
		if lumaErr != nil {
			if errors.Is(lumaErr, gpu.ErrFrameResized) || errors.Is(lumaErr, gpu.ErrUnsupportedFrame) {
				log.Error().Err(lumaErr).Msg("Cannot process captured frames")
				return lumaErr
			}
			log.Warn().Err(lumaErr).Msg("Failed to compute frame luma, skipping cycle")
			continue
		}

		lux, err := d.sensor.Lux()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read ambient light sensor, skipping cycle")
			continue
		}
		observed, err := d.device.Percent()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read backlight, skipping cycle")
			continue
		}

		// A shutdown that raced the capture must not write the backlight.
		if ctx.Err() != nil {
			return nil
		}

		d.smoother.Push(lux)
		if d.smoother.Ready() {
			d.control.Adjust(ctx, d.smoother.Value(), luma, observed)
			if d.sink != nil {
				d.sink.Update(Status{Lux: d.smoother.Value(), Luma: luma, Backlight: observed})
			}
		} else {
			// Track the observed backlight until the lux window fills, so the
			// first controlled cycle does not mistake it for a user edit.
			d.control.RefreshLast(observed)
		}
	}
}
