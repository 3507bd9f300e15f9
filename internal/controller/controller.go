// Package controller decides, once per cycle, whether the observed backlight
// is a user correction to learn or whether to drive the backlight toward the
// learned preference surface.
package controller

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/maximbaz/wluma/internal/backlight"
	"github.com/maximbaz/wluma/internal/training"
)

const (
	// pendingCountdown is how many cycles a user adjustment must stay put
	// before it is recorded as a training point. At roughly 200 ms per cycle
	// that is about three seconds of stability.
	pendingCountdown = 15

	// transitionBudget is the total wall time of a backlight transition,
	// independent of its magnitude.
	transitionBudget = 300 * time.Millisecond

	// planeEps rejects plane normals that are effectively perpendicular to
	// the backlight axis (colinear nearest neighbours).
	planeEps = 2.220446049250313e-16
)

// Saver persists the training set after each confirmed edit.
type Saver interface {
	Save(points []training.Point) error
}

// Controller runs the edit-detection state machine and the nearest-neighbour
// predictor. All methods must be called from a single goroutine (the
// dispatcher's); only the backlight device it drives is shared.
type Controller struct {
	set    *training.Set
	saver  Saver
	device backlight.Device

	luxMaxSeen int64
	pending    training.Point
	countdown  int

	// last is the backlight level this controller believes it wrote (or
	// observed, before warm-up completed). A mismatch with the observed
	// value means the user has intervened.
	last int
}

// New builds a controller over a previously loaded training set.
func New(set *training.Set, saver Saver, device backlight.Device) *Controller {
	return &Controller{
		set:        set,
		saver:      saver,
		device:     device,
		luxMaxSeen: set.MaxLux(),
	}
}

// RefreshLast records the observed backlight without interpreting it. Called
// during warm-up so that the first real cycle does not mistake the boot-time
// backlight level for a user correction.
func (c *Controller) RefreshLast(observed int) {
	c.last = observed
}

// Adjust runs one cycle of the state machine with the smoothed lux, the frame
// luma and the currently observed backlight.
func (c *Controller) Adjust(ctx context.Context, lux int64, luma, observed int) {
	switch {
	case c.last != observed || (c.set.Empty() && c.countdown == 0):
		c.pending = training.Point{Lux: lux, Luma: luma, Backlight: observed}
		c.countdown = pendingCountdown
		log.Debug().
			Int64("lux", lux).
			Int("luma", luma).
			Int("backlight", observed).
			Msg("Backlight adjustment pending")

	case c.countdown > 1:
		c.countdown--

	case c.countdown == 1:
		c.countdown = 0
		c.confirm()

	default:
		target := c.predict(lux, luma)
		if observed != target {
			log.Debug().
				Int64("lux", lux).
				Int("luma", luma).
				Int("from", observed).
				Int("to", target).
				Msg("Adjusting backlight")
			c.transition(ctx, observed, target)
			observed = target
		}
	}

	c.last = observed
}

// confirm turns the pending edit into a training point, prunes and persists.
func (c *Controller) confirm() {
	c.set.Insert(c.pending)
	if err := c.saver.Save(c.set.Points()); err != nil {
		// The in-memory set keeps the new point; the next successful save
		// catches the file up.
		log.Warn().Err(err).Msg("Failed to persist training data")
	}

	if c.pending.Lux > c.luxMaxSeen {
		c.luxMaxSeen = c.pending.Lux
	}
	if c.luxMaxSeen < 1 {
		c.luxMaxSeen = 1
	}

	log.Info().
		Int64("lux", c.pending.Lux).
		Int("luma", c.pending.Luma).
		Int("backlight", c.pending.Backlight).
		Int("points", c.set.Len()).
		Msg("Learned backlight preference")
}

// predict chooses a target backlight for (lux, luma) by fitting a plane
// through the three nearest training points and intersecting it with the
// vertical backlight axis through the query.
func (c *Controller) predict(lux int64, luma int) int {
	luxCapped := lux
	if luxCapped > c.luxMaxSeen {
		luxCapped = c.luxMaxSeen
	}

	var n1, n2, n3 *training.Point
	var d1, d2, d3 float64

	points := c.set.Points()
	for i := range points {
		p := &points[i]
		d := math.Hypot(
			float64(luxCapped-p.Lux)*100/float64(c.luxMaxSeen),
			float64(luma-p.Luma),
		)
		switch {
		case n1 == nil || d < d1:
			n3, d3 = n2, d2
			n2, d2 = n1, d1
			n1, d1 = p, d
		case n2 == nil || d < d2:
			n3, d3 = n2, d2
			n2, d2 = p, d
		case n3 == nil || d < d3:
			n3, d3 = p, d
		}
	}

	target := n1.Backlight
	if n2 == nil || n3 == nil {
		return target
	}

	p1 := pointVec(*n1)
	normal := r3.Unit(r3.Cross(r3.Sub(pointVec(*n2), p1), r3.Sub(pointVec(*n3), p1)))

	// Vertical line through the query in backlight space.
	lineDir := r3.Vec{X: 0, Y: 0, Z: 1}
	linePoint := r3.Vec{X: float64(lux), Y: float64(luma), Z: 0}

	dot := r3.Dot(normal, lineDir)
	if math.Abs(dot) <= planeEps || math.IsNaN(dot) {
		// Colinear neighbours span no plane; fall back to the closest point.
		return target
	}

	scale := r3.Dot(normal, r3.Sub(linePoint, p1)) / dot
	intersection := r3.Sub(linePoint, r3.Scale(scale, lineDir))

	target = int(math.Round(intersection.Z))
	if target < 1 {
		target = 1
	}
	if target > 100 {
		target = 100
	}
	return target
}

func pointVec(p training.Point) r3.Vec {
	return r3.Vec{X: float64(p.Lux), Y: float64(p.Luma), Z: float64(p.Backlight)}
}

// transition walks the backlight from one level to the other in single-percent
// steps spread over the transition budget, so every transition takes about the
// same wall time. Shutdown stops it between steps.
func (c *Controller) transition(ctx context.Context, from, to int) {
	steps := to - from
	if steps < 0 {
		steps = -steps
	}
	delay := time.Duration(int64(transitionBudget) / int64(steps))

	step := 1
	if to < from {
		step = -1
	}

	for cur := from + step; ; cur += step {
		if ctx.Err() != nil {
			return
		}
		if err := c.device.SetPercent(cur); err != nil {
			log.Warn().Err(err).Int("backlight", cur).Msg("Failed to write backlight")
		}
		if cur == to {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}
