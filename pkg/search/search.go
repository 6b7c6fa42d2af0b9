// Package search sweeps the workspace in a boustrophedon pattern until the
// eye-in-hand camera sees an object of the requested color.
package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/gwillem/colorsort/pkg/robot"
	"github.com/gwillem/colorsort/pkg/vision"
)

// gridEpsilon absorbs float error when the last grid point lands on max.
const gridEpsilon = 1e-9

// Region is the rectangle of the workspace floor to sweep.
type Region struct {
	XMin float64 `mapstructure:"x_min" json:"x_min"`
	XMax float64 `mapstructure:"x_max" json:"x_max"`
	YMin float64 `mapstructure:"y_min" json:"y_min"`
	YMax float64 `mapstructure:"y_max" json:"y_max"`
}

// Config holds the search parameters.
type Config struct {
	Region  Region        `mapstructure:"region" json:"region"`
	Z       float64       `mapstructure:"z" json:"z"`
	Step    float64       `mapstructure:"step" json:"step"`
	Settle  time.Duration `mapstructure:"settle" json:"settle"`
	MinArea float64       `mapstructure:"min_area" json:"min_area"`
}

// DefaultConfig matches the stock rig.
func DefaultConfig() Config {
	return Config{
		Region:  Region{XMin: 1.5, XMax: 4.5, YMin: 2.0, YMax: 5.0},
		Z:       0,
		Step:    1.5,
		Settle:  500 * time.Millisecond,
		MinArea: 100,
	}
}

// Validate rejects parameters that cannot produce a sweep.
func (c Config) Validate() error {
	if !(c.Step > 0) {
		return fmt.Errorf("search step %g must be > 0", c.Step)
	}
	if c.Region.XMin > c.Region.XMax || c.Region.YMin > c.Region.YMax {
		return errors.New("search region is inverted")
	}
	if c.Settle < 0 {
		return errors.New("search settle must be >= 0")
	}
	return nil
}

// Waypoint is one stop of the sweep.
type Waypoint struct {
	X, Y float64
	Row  int
}

// Waypoints returns the sweep over r: rows advance in Y from YMin, even
// rows run X low to high, odd rows high to low. An empty or inverted region
// or a non-positive step yields no waypoints.
func Waypoints(r Region, step float64) []Waypoint {
	if !(step > 0) || r.XMin > r.XMax || r.YMin > r.YMax {
		return nil
	}
	xs := gridPoints(r.XMin, r.XMax, step)
	ys := gridPoints(r.YMin, r.YMax, step)

	out := make([]Waypoint, 0, len(xs)*len(ys))
	for row, y := range ys {
		for i := range xs {
			x := xs[i]
			if row%2 == 1 {
				x = xs[len(xs)-1-i]
			}
			out = append(out, Waypoint{X: x, Y: y, Row: row})
		}
	}
	return out
}

func gridPoints(lo, hi, step float64) []float64 {
	n := int(math.Floor((hi-lo)/step+gridEpsilon)) + 1
	pts := make([]float64, n)
	for i := range pts {
		pts[i] = lo + float64(i)*step
	}
	return pts
}

// Result is the outcome of a search. X and Y are the waypoint at which the
// object was seen; ObjectX/ObjectY is the detection projected into the
// workspace.
type Result struct {
	Found     bool
	X, Y      float64
	ObjectX   float64
	ObjectY   float64
	Detection vision.Detection
	Visited   int
}

// Planner runs sweeps. Accept, when set, filters candidates by their
// projected workspace position.
type Planner struct {
	guard       *robot.Guard
	camera      vision.Camera
	detector    vision.Detector
	calibration vision.Calibration
	settle      time.Duration
	minArea     float64
	logger      *zap.Logger

	Accept func(x, y float64) bool
}

// NewPlanner builds a planner. Settle and MinArea come from cfg.
func NewPlanner(guard *robot.Guard, camera vision.Camera, detector vision.Detector, cal vision.Calibration, cfg Config, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		guard:       guard,
		camera:      camera,
		detector:    detector,
		calibration: cal,
		settle:      cfg.Settle,
		minArea:     cfg.MinArea,
		logger:      logger.Named("search"),
	}
}

// Search sweeps region at height z until an acceptable detection of color
// appears. A failed move aborts the sweep with an error; running out of
// waypoints returns Result{Found: false}.
func (p *Planner) Search(ctx context.Context, color string, region Region, z, step float64) (Result, error) {
	waypoints := Waypoints(region, step)
	p.logger.Info("search started", zap.String("color", color), zap.Int("waypoints", len(waypoints)))

	for i, wp := range waypoints {
		if err := ctx.Err(); err != nil {
			return Result{Visited: i}, err
		}
		if err := p.guard.Move(ctx, robot.Position{X: wp.X, Y: wp.Y, Z: z}); err != nil {
			return Result{Visited: i}, fmt.Errorf("search waypoint %d: %w", i, err)
		}
		if err := robot.Settle(ctx, p.settle); err != nil {
			return Result{Visited: i}, err
		}
		pose, err := p.guard.QueryPosition(ctx)
		if err != nil {
			return Result{Visited: i}, fmt.Errorf("search waypoint %d: %w", i, err)
		}
		frame, err := p.camera.Capture(ctx)
		if err != nil {
			return Result{Visited: i}, fmt.Errorf("capture at waypoint %d: %w", i, err)
		}

		det, ok := vision.Largest(p.detector.Detect(frame, color), p.minArea, func(d vision.Detection) bool {
			x, y := p.calibration.Project(pose, d.Center)
			if p.Accept != nil && !p.Accept(x, y) {
				p.logger.Debug("candidate rejected", zap.String("color", color), zap.Float64("x", x), zap.Float64("y", y))
				return false
			}
			return true
		})
		if !ok {
			continue
		}
		ox, oy := p.calibration.Project(pose, det.Center)
		p.logger.Info("object found",
			zap.String("color", color),
			zap.Float64("x", wp.X), zap.Float64("y", wp.Y),
			zap.Float64("area", det.Area))
		return Result{
			Found:     true,
			X:         wp.X,
			Y:         wp.Y,
			ObjectX:   ox,
			ObjectY:   oy,
			Detection: det,
			Visited:   i + 1,
		}, nil
	}

	p.logger.Info("search exhausted", zap.String("color", color))
	return Result{Visited: len(waypoints)}, nil
}
