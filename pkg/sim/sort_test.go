package sim

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/gwillem/colorsort/pkg/agent"
	"github.com/gwillem/colorsort/pkg/pickplace"
	"github.com/gwillem/colorsort/pkg/robot"
	"github.com/gwillem/colorsort/pkg/search"
	"github.com/gwillem/colorsort/pkg/servo"
	"github.com/gwillem/colorsort/pkg/sorting"
	"github.com/gwillem/colorsort/pkg/transport"
	"github.com/gwillem/colorsort/pkg/vision"
)

// TestSort_EndToEnd runs the whole supervisor against a simulated agent
// over the wire protocol.
func TestSort_EndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t)
	logger := zaptest.NewLogger(t)

	limits := robot.WorkspaceLimits{XMin: -1, XMax: 8, YMin: -1, YMax: 7, ZMin: -1, ZMax: 6}
	zones := robot.DropZones{
		Zones: map[string]robot.DropZone{
			"red":   {X: 0.5, Y: 0, Radius: 1},
			"green": {X: 4, Y: 0, Radius: 1},
			"blue":  {X: 6, Y: 0, Radius: 1},
		},
		Margin: 0.5,
	}

	cfg := smallConfig()
	world := NewWorld(cfg, vision.DefaultReferenceColor,
		Object{Color: "red", X: 2, Y: 3, Radius: 0.6},
		Object{Color: "red", X: 4, Y: 4.5, Radius: 0.45},
		Object{Color: "blue", X: 3, Y: 2.3, Radius: 0.5},
	)

	// agent side
	driver := agent.NewSimDriver(robot.Position{}, world)
	srv := agent.NewServer(driver, agent.Options{Limits: &limits, Logger: logger})
	agentConn, supervisorConn := net.Pipe()
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(context.Background(), agentConn)
		agentConn.Close()
	}()

	// supervisor side
	client := transport.New(supervisorConn, transport.Options{ReplyTimeout: time.Second, Logger: logger})
	guard := robot.NewGuard(client, limits, logger)
	detector := vision.NewHSVDetector(vision.DefaultColors())
	accept := func(x, y float64) bool { return !zones.Excluded(x, y) }

	sweep := search.DefaultConfig()
	sweep.Settle = 0
	planner := search.NewPlanner(guard, world, detector, cfg.Calibration, sweep, logger)
	planner.Accept = accept

	servoCfg := servo.DefaultConfig()
	servoCfg.AreaThreshold = 1e9
	servoCfg.DistanceThreshold = 2
	servoCfg.Gain = 0.5
	servoCfg.Settle = 0
	tracker := vision.NewWindowTracker(detector, vision.DefaultReferenceColor, 20, 10)
	aligner := servo.New(guard, world, detector, tracker, cfg.Calibration, servoCfg, logger)
	aligner.Accept = func(pose robot.Position, d vision.Detection) bool {
		return accept(cfg.Calibration.Project(pose, d.Center))
	}

	heights := pickplace.DefaultConfig()
	heights.GripperSettle = 0
	hands := pickplace.New(guard, heights, logger)

	sortCfg := sorting.DefaultConfig()
	sortCfg.MaxPasses = 10
	cycle := sorting.New(sorting.Deps{
		Guard:    guard,
		Searcher: planner,
		Aligner:  aligner,
		Handler:  hands,
		Zones:    zones,
		Sweep:    sweep,
		SafeZ:    heights.Safe,
	}, sortCfg, logger)

	sum, err := cycle.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sum.Failures)
	assert.Equal(t, map[string]int{"red": 2, "blue": 1}, sum.Sorted)
	assert.Equal(t, 3, sum.Passes, "the third pass finds nothing")

	for _, o := range world.Objects() {
		zone, ok := zones.ZoneAt(o.X, o.Y)
		assert.True(t, ok, "%s block at (%g, %g) left outside the drop zones", o.Color, o.X, o.Y)
		assert.Equal(t, o.Color, zone)
	}
	_, held := world.Held()
	assert.False(t, held)

	pos, err := driver.Position(context.Background())
	require.NoError(t, err)
	assert.Equal(t, robot.Position{}, pos, "parked at home")

	require.NoError(t, client.Terminate())
	assert.ErrorIs(t, <-served, agent.ErrTerminated)
}
