// Package training maintains the learned (lux, luma, backlight) preference
// points and their on-disk persistence.
package training

// Point is a user-confirmed brightness preference: at ambient illuminance Lux
// and screen content brightness Luma, the user wants backlight level Backlight.
type Point struct {
	Lux       int64
	Luma      int
	Backlight int
}

// Set is the collection of training points, ordered by insertion. Backlight
// must stay monotone non-decreasing in lux and non-increasing in luma across
// the set; Insert prunes every older point that would contradict a new
// preference, and at identical luma the newer point also replaces older ones
// at brighter ambient and dimmer ones at darker ambient.
//
// Set is not safe for concurrent use; the controller owns it.
type Set struct {
	points []Point
}

// NewSet builds a set from previously persisted points. The points are assumed
// to already satisfy the dominance invariant.
func NewSet(points []Point) *Set {
	return &Set{points: append([]Point(nil), points...)}
}

// Insert appends p and removes every existing point it dominates.
func (s *Set) Insert(p Point) {
	kept := s.points[:0]
	for _, q := range s.points {
		if !dominates(p, q) {
			kept = append(kept, q)
		}
	}
	s.points = append(kept, p)
}

// dominates reports whether the newly confirmed point p supersedes q.
func dominates(p, q Point) bool {
	switch {
	case q.Lux == p.Lux && q.Luma == p.Luma:
		// Exact replacement.
		return true
	case q.Lux > p.Lux && q.Luma == p.Luma:
		// Newer point wins at identical luma: brighter ambient must not map
		// to the stale backlight.
		return true
	case q.Lux < p.Lux && q.Luma == p.Luma && q.Backlight < p.Backlight:
		// Likewise a newer, brighter preference replaces dimmer points at
		// darker ambient with the same luma.
		return true
	case q.Lux < p.Lux && q.Luma >= p.Luma && q.Backlight > p.Backlight:
		return true
	case q.Lux == p.Lux && q.Luma < p.Luma && q.Backlight < p.Backlight:
		return true
	case q.Lux > p.Lux && q.Luma <= p.Luma && q.Backlight < p.Backlight:
		return true
	case q.Lux == p.Lux && q.Luma > p.Luma && q.Backlight > p.Backlight:
		return true
	}
	return false
}

// Points returns the current points in insertion order. The slice is shared;
// callers must not mutate it.
func (s *Set) Points() []Point {
	return s.points
}

// Len returns the number of points.
func (s *Set) Len() int {
	return len(s.points)
}

// Empty reports whether the set holds no points.
func (s *Set) Empty() bool {
	return len(s.points) == 0
}

// MaxLux returns the largest lux across the set, at least 1, or 0 for an
// empty set.
func (s *Set) MaxLux() int64 {
	if len(s.points) == 0 {
		return 0
	}
	max := int64(1)
	for _, p := range s.points {
		if p.Lux > max {
			max = p.Lux
		}
	}
	return max
}
