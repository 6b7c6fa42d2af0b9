// Package sim is a tabletop with colored blocks seen through a simulated
// eye-in-hand camera. It pairs with agent.SimDriver to run the whole sort
// loop without hardware.
package sim

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gwillem/colorsort/pkg/robot"
	"github.com/gwillem/colorsort/pkg/vision"
)

// Object is a round block lying on the table.
type Object struct {
	Color  string
	X, Y   float64 // cm
	Radius float64 // cm
}

// Config describes the simulated camera and gripper.
type Config struct {
	Width, Height int
	// Calibration must match the one the supervisor uses; the reference
	// pixel is where the marker is drawn.
	Calibration vision.Calibration
	MarkerSize  int     // px
	GripHeight  float64 // Z at which a closing gripper catches a block
	GripReach   float64 // Z tolerance around GripHeight
	Palette     map[string]color.RGBA
	Background  color.RGBA
}

// DefaultConfig renders a 320x240 view at 0.05 cm/px.
func DefaultConfig() Config {
	return Config{
		Width:  320,
		Height: 240,
		Calibration: vision.Calibration{
			PixelToPhysical: 0.05, SignX: 1, SignY: -1, ReferenceX: 160, ReferenceY: 120,
		},
		MarkerSize: 8,
		GripHeight: 5.5,
		GripReach:  0.5,
		Palette: map[string]color.RGBA{
			"red":     {R: 220, G: 20, B: 20, A: 255},
			"green":   {R: 20, G: 200, B: 40, A: 255},
			"blue":    {R: 20, G: 40, B: 220, A: 255},
			"yellow":  {R: 230, G: 210, B: 20, A: 255},
			"magenta": {R: 230, G: 20, B: 200, A: 255},
		},
		Background: color.RGBA{R: 90, G: 90, B: 90, A: 255},
	}
}

// World implements vision.Camera and agent.Observer.
type World struct {
	cfg    Config
	marker string

	mu      sync.Mutex
	objects []Object
	held    int // index into objects, -1 when empty
	pose    robot.Position
	seq     uint64
}

// NewWorld returns a world with the given blocks. The gripper marker is
// drawn in the marker color of the palette.
func NewWorld(cfg Config, marker string, objects ...Object) *World {
	return &World{
		cfg:     cfg,
		marker:  marker,
		objects: append([]Object(nil), objects...),
		held:    -1,
	}
}

// Scatter places n blocks of each color at random inside region, keeping
// them at least 2*radius apart and away from excluded points.
func Scatter(rng *rand.Rand, colors []string, n int, radius float64, xmin, xmax, ymin, ymax float64, excluded func(x, y float64) bool) ([]Object, error) {
	var out []Object
	for _, c := range colors {
		for range n {
			placed := false
			for attempt := 0; attempt < 1000 && !placed; attempt++ {
				o := Object{
					Color:  c,
					X:      xmin + rng.Float64()*(xmax-xmin),
					Y:      ymin + rng.Float64()*(ymax-ymin),
					Radius: radius,
				}
				if excluded != nil && excluded(o.X, o.Y) {
					continue
				}
				if overlaps(out, o) {
					continue
				}
				out = append(out, o)
				placed = true
			}
			if !placed {
				return nil, fmt.Errorf("scatter: no room for another %s block", c)
			}
		}
	}
	return out, nil
}

func overlaps(objs []Object, o Object) bool {
	for _, p := range objs {
		if math.Hypot(p.X-o.X, p.Y-o.Y) < p.Radius+o.Radius {
			return true
		}
	}
	return false
}

// Moved tracks the gripper. A held block travels with it.
func (w *World) Moved(at robot.Position) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pose = at
	if w.held >= 0 {
		w.objects[w.held].X, w.objects[w.held].Y = at.X, at.Y
	}
}

// GripperChanged picks up the block under a gripper closing at grip
// height and drops a held block where the gripper opens.
func (w *World) GripperChanged(closed bool, at robot.Position) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pose = at

	if !closed {
		if w.held >= 0 {
			w.objects[w.held].X, w.objects[w.held].Y = at.X, at.Y
			w.held = -1
		}
		return
	}
	if w.held >= 0 || math.Abs(at.Z-w.cfg.GripHeight) > w.cfg.GripReach {
		return
	}
	best, bestDist := -1, math.Inf(1)
	for i, o := range w.objects {
		d := math.Hypot(o.X-at.X, o.Y-at.Y)
		if d <= o.Radius && d < bestDist {
			best, bestDist = i, d
		}
	}
	w.held = best
}

// Objects returns the blocks lying on the table.
func (w *World) Objects() []Object {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Object, 0, len(w.objects))
	for i, o := range w.objects {
		if i != w.held {
			out = append(out, o)
		}
	}
	return out
}

// Held returns the block in the gripper.
func (w *World) Held() (Object, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.held < 0 {
		return Object{}, false
	}
	return w.objects[w.held], true
}

// Capture renders the view from the current gripper pose. Held blocks are
// hidden by the gripper.
func (w *World) Capture(ctx context.Context) (*vision.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	w.seq++
	seq, pose := w.seq, w.pose
	objects := make([]Object, 0, len(w.objects))
	for i, o := range w.objects {
		if i != w.held {
			objects = append(objects, o)
		}
	}
	w.mu.Unlock()

	img := image.NewRGBA(image.Rect(0, 0, w.cfg.Width, w.cfg.Height))
	for i := 0; i < len(img.Pix); i += 4 {
		bg := w.cfg.Background
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = bg.R, bg.G, bg.B, bg.A
	}

	cal := w.cfg.Calibration
	for _, o := range objects {
		c, ok := w.cfg.Palette[o.Color]
		if !ok {
			continue
		}
		cx := cal.ReferenceX + (o.X-pose.X)/(cal.PixelToPhysical*cal.SignX)
		cy := cal.ReferenceY + (o.Y-pose.Y)/(cal.PixelToPhysical*cal.SignY)
		disc(img, cx, cy, o.Radius/cal.PixelToPhysical, c)
	}

	if c, ok := w.cfg.Palette[w.marker]; ok && w.cfg.MarkerSize > 0 {
		half := float64(w.cfg.MarkerSize) / 2
		x0 := int(math.Round(cal.ReferenceX - half))
		y0 := int(math.Round(cal.ReferenceY - half))
		rect := image.Rect(x0, y0, x0+w.cfg.MarkerSize, y0+w.cfg.MarkerSize).Intersect(img.Bounds())
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			for x := rect.Min.X; x < rect.Max.X; x++ {
				img.SetRGBA(x, y, c)
			}
		}
	}

	return &vision.Frame{Seq: seq, Timestamp: time.Now(), Image: img}, nil
}

func disc(img *image.RGBA, cx, cy, r float64, c color.RGBA) {
	b := img.Bounds()
	x0, x1 := max(b.Min.X, int(math.Floor(cx-r))), min(b.Max.X-1, int(math.Ceil(cx+r)))
	y0, y1 := max(b.Min.Y, int(math.Floor(cy-r))), min(b.Max.Y-1, int(math.Ceil(cy+r)))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			if dx*dx+dy*dy <= r*r {
				img.SetRGBA(x, y, c)
			}
		}
	}
}
