// Package vision holds the image-side boundary of the sorter: frames,
// color blob detections, the end-effector tracker and the pixel to
// workspace calibration.
package vision

import (
	"context"
	"image"
	"math"
	"time"
)

// Point is a pixel coordinate. Sub-pixel values come from centroids.
type Point struct {
	X, Y float64
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point {
	return Point{X: p.X - q.X, Y: p.Y - q.Y}
}

// Dist is the Euclidean distance between p and q.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// BBox is an axis-aligned pixel rectangle (x, y, w, h).
type BBox struct {
	X, Y, W, H int
}

// Center returns the geometric center of b.
func (b BBox) Center() Point {
	return Point{X: float64(b.X) + float64(b.W)/2, Y: float64(b.Y) + float64(b.H)/2}
}

// Area returns w*h, or 0 for a degenerate box.
func (b BBox) Area() int {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// Intersect returns the overlap of b and o. The result is empty when the
// boxes do not overlap or only touch.
func (b BBox) Intersect(o BBox) BBox {
	left := max(b.X, o.X)
	top := max(b.Y, o.Y)
	right := min(b.X+b.W, o.X+o.W)
	bottom := min(b.Y+b.H, o.Y+o.H)
	if right <= left || bottom <= top {
		return BBox{}
	}
	return BBox{X: left, Y: top, W: right - left, H: bottom - top}
}

// Grow returns b expanded by m pixels on every side.
func (b BBox) Grow(m int) BBox {
	return BBox{X: b.X - m, Y: b.Y - m, W: b.W + 2*m, H: b.H + 2*m}
}

// Contains reports whether p lies inside b (edges inclusive).
func (b BBox) Contains(p Point) bool {
	return p.X >= float64(b.X) && p.X <= float64(b.X+b.W) &&
		p.Y >= float64(b.Y) && p.Y <= float64(b.Y+b.H)
}

// IntersectionArea is the overlap area of a and b in pixels.
func IntersectionArea(a, b BBox) int {
	return a.Intersect(b).Area()
}

// Detection is one color blob found in one frame. Detections are never
// kept beyond the control iteration that produced them.
type Detection struct {
	Center Point
	Area   float64
	BBox   BBox
	Color  string
}

// Frame is one captured image. Frames are immutable once published.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Image     image.Image
}

// Detector finds blobs of a named color. It returns an empty slice, never
// an error, when nothing matches.
type Detector interface {
	Detect(frame *Frame, color string) []Detection
}

// DetectorFunc adapts a function to Detector.
type DetectorFunc func(frame *Frame, color string) []Detection

func (f DetectorFunc) Detect(frame *Frame, color string) []Detection {
	return f(frame, color)
}

// Camera produces frames from the eye-in-hand camera.
type Camera interface {
	Capture(ctx context.Context) (*Frame, error)
}

// CameraFunc adapts a function to Camera.
type CameraFunc func(ctx context.Context) (*Frame, error)

func (f CameraFunc) Capture(ctx context.Context) (*Frame, error) {
	return f(ctx)
}

// Tracker follows the end-effector reference marker across frames.
// Redetect runs a full detection and re-seeds the tracker; Track updates
// the last known box incrementally and reports false when it lost the
// marker.
type Tracker interface {
	Redetect(frame *Frame) (BBox, bool)
	Track(frame *Frame) (BBox, bool)
	Reset()
}

// Largest returns the biggest detection with Area >= minArea that passes
// accept (nil accepts everything).
func Largest(dets []Detection, minArea float64, accept func(Detection) bool) (Detection, bool) {
	var best Detection
	found := false
	for _, d := range dets {
		if d.Area < minArea {
			continue
		}
		if accept != nil && !accept(d) {
			continue
		}
		if !found || d.Area > best.Area {
			best = d
			found = true
		}
	}
	return best, found
}
