package robot

import (
	"fmt"
	"math"
)

// Position is an absolute gantry pose in agent units (centimeters).
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (p Position) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f)", p.X, p.Y, p.Z)
}

// Coord returns the coordinate of p along axis. The gripper has no coordinate.
func (p Position) Coord(axis AxisName) float64 {
	switch axis {
	case AxisX:
		return p.X
	case AxisY:
		return p.Y
	case AxisZ:
		return p.Z
	}
	return 0
}

// WithZ returns p moved to height z.
func (p Position) WithZ(z float64) Position {
	p.Z = z
	return p
}

// WorkspaceLimits are the static per-axis bounds every commanded pose must
// respect. They are loaded once and never mutated in place.
type WorkspaceLimits struct {
	XMin float64 `mapstructure:"x_min" json:"x_min"`
	XMax float64 `mapstructure:"x_max" json:"x_max"`
	YMin float64 `mapstructure:"y_min" json:"y_min"`
	YMax float64 `mapstructure:"y_max" json:"y_max"`
	ZMin float64 `mapstructure:"z_min" json:"z_min"`
	ZMax float64 `mapstructure:"z_max" json:"z_max"`
}

// Range returns the bounds for a linear axis.
func (l WorkspaceLimits) Range(axis AxisName) (lo, hi float64) {
	switch axis {
	case AxisX:
		return l.XMin, l.XMax
	case AxisY:
		return l.YMin, l.YMax
	case AxisZ:
		return l.ZMin, l.ZMax
	}
	return 0, 0
}

// Validate checks min <= max on every axis.
func (l WorkspaceLimits) Validate() error {
	for _, axis := range LinearAxes() {
		lo, hi := l.Range(axis)
		if math.IsNaN(lo) || math.IsNaN(hi) || lo > hi {
			return fmt.Errorf("workspace %s range [%g, %g] is inverted", axis, lo, hi)
		}
	}
	return nil
}

// Check returns nil when p lies inside the workspace, otherwise a
// *ValidationError for the first offending axis (X, then Y, then Z).
func (l WorkspaceLimits) Check(p Position) error {
	for _, axis := range LinearAxes() {
		lo, hi := l.Range(axis)
		v := p.Coord(axis)
		if v >= lo && v <= hi {
			continue
		}
		bound := hi
		if v < lo {
			bound = lo
		}
		return &ValidationError{Axis: axis, Value: v, Bound: bound, Min: lo, Max: hi}
	}
	return nil
}

// Clamp pulls every coordinate of p onto the nearest bound.
func (l WorkspaceLimits) Clamp(p Position) Position {
	return Position{
		X: clamp(p.X, l.XMin, l.XMax),
		Y: clamp(p.Y, l.YMin, l.YMax),
		Z: clamp(p.Z, l.ZMin, l.ZMax),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// ValidationError reports a pose rejected by the workspace envelope.
type ValidationError struct {
	Axis  AxisName
	Value float64
	Bound float64 // the violated bound
	Min   float64
	Max   float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("axis %s = %g outside [%g, %g] (bound %g)", e.Axis, e.Value, e.Min, e.Max, e.Bound)
}

// DefaultLimits is the reachable volume of the stock gantry in cm.
func DefaultLimits() WorkspaceLimits {
	return WorkspaceLimits{XMin: -1, XMax: 8, YMin: -1, YMax: 7, ZMin: -1, ZMax: 6}
}
