package sim

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/colorsort/pkg/robot"
	"github.com/gwillem/colorsort/pkg/vision"
)

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Width, cfg.Height = 160, 120
	cfg.Calibration.ReferenceX, cfg.Calibration.ReferenceY = 80, 60
	return cfg
}

func TestWorld_RenderProjectsBack(t *testing.T) {
	cfg := smallConfig()
	w := NewWorld(cfg, "magenta", Object{Color: "green", X: 3, Y: 4, Radius: 0.5})
	w.Moved(robot.Position{X: 2, Y: 3.5})

	frame, err := w.Capture(context.Background())
	require.NoError(t, err)
	det := vision.NewHSVDetector(vision.DefaultColors())

	greens := det.Detect(frame, "green")
	require.Len(t, greens, 1)
	x, y := cfg.Calibration.Project(robot.Position{X: 2, Y: 3.5}, greens[0].BBox.Center())
	assert.InDelta(t, 3, x, 0.05)
	assert.InDelta(t, 4, y, 0.05)
	assert.InDelta(t, math.Pi*100, greens[0].Area, 40)

	marker := det.Detect(frame, "magenta")
	require.Len(t, marker, 1)
	assert.Equal(t, vision.Point{X: 80, Y: 60}, marker[0].BBox.Center())
	assert.Equal(t, 64.0, marker[0].Area)
}

func TestWorld_OutOfView(t *testing.T) {
	w := NewWorld(smallConfig(), "magenta", Object{Color: "red", X: 20, Y: 20, Radius: 0.5})
	frame, err := w.Capture(context.Background())
	require.NoError(t, err)
	assert.Empty(t, vision.NewHSVDetector(vision.DefaultColors()).Detect(frame, "red"))
}

func TestWorld_PickAndRelease(t *testing.T) {
	w := NewWorld(smallConfig(), "magenta", Object{Color: "blue", X: 3, Y: 4, Radius: 0.5})

	// Closing above grip height catches nothing.
	w.GripperChanged(true, robot.Position{X: 3, Y: 4, Z: 0})
	_, held := w.Held()
	assert.False(t, held)

	w.GripperChanged(false, robot.Position{X: 3, Y: 4, Z: 0})
	w.GripperChanged(true, robot.Position{X: 3.2, Y: 4.1, Z: 5.5})
	obj, held := w.Held()
	require.True(t, held)
	assert.Equal(t, "blue", obj.Color)
	assert.Empty(t, w.Objects())

	frame, err := w.Capture(context.Background())
	require.NoError(t, err)
	assert.Empty(t, vision.NewHSVDetector(vision.DefaultColors()).Detect(frame, "blue"), "held blocks are hidden")

	w.Moved(robot.Position{X: 6, Y: 0, Z: 0})
	w.GripperChanged(false, robot.Position{X: 6, Y: 0, Z: 5.5})
	_, held = w.Held()
	assert.False(t, held)
	assert.Equal(t, []Object{{Color: "blue", X: 6, Y: 0, Radius: 0.5}}, w.Objects())
}

func TestWorld_MissesBesideBlock(t *testing.T) {
	w := NewWorld(smallConfig(), "magenta", Object{Color: "red", X: 3, Y: 4, Radius: 0.5})
	w.GripperChanged(true, robot.Position{X: 3.6, Y: 4, Z: 5.5})
	_, held := w.Held()
	assert.False(t, held)
}

func TestWorld_CaptureCancelled(t *testing.T) {
	w := NewWorld(smallConfig(), "magenta")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Capture(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScatter(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	excluded := func(x, y float64) bool { return x < 2 }

	objs, err := Scatter(rng, []string{"red", "blue"}, 3, 0.4, 0, 5, 2, 5, excluded)
	require.NoError(t, err)
	require.Len(t, objs, 6)
	for i, o := range objs {
		assert.GreaterOrEqual(t, o.X, 2.0)
		for _, p := range objs[i+1:] {
			assert.GreaterOrEqual(t, math.Hypot(o.X-p.X, o.Y-p.Y), 0.8)
		}
	}

	_, err = Scatter(rng, []string{"red"}, 50, 1, 0, 1, 0, 1, nil)
	assert.Error(t, err)
}
