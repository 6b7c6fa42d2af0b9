package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"

	"go.uber.org/zap"

	"github.com/gwillem/colorsort/pkg/agent"
	"github.com/gwillem/colorsort/pkg/config"
	"github.com/gwillem/colorsort/pkg/pickplace"
	"github.com/gwillem/colorsort/pkg/robot"
	"github.com/gwillem/colorsort/pkg/search"
	"github.com/gwillem/colorsort/pkg/servo"
	"github.com/gwillem/colorsort/pkg/sim"
	"github.com/gwillem/colorsort/pkg/sorting"
	"github.com/gwillem/colorsort/pkg/transport"
	"github.com/gwillem/colorsort/pkg/vision"
)

func transportOptions(cfg *config.Config, logger *zap.Logger) transport.Options {
	return transport.Options{
		ReplyTimeout: cfg.Agent.ReplyTimeout,
		HomeTimeout:  cfg.Agent.HomeTimeout,
		Logger:       logger,
	}
}

// connect opens the link to a running agent: serial when a port is
// configured, TCP otherwise.
func connect(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*transport.Client, error) {
	if cfg.Agent.SerialPort != "" {
		return transport.OpenSerial(cfg.Agent.SerialPort, cfg.Agent.BaudRate, transportOptions(cfg, logger))
	}
	return transport.Dial(ctx, cfg.Agent.Address, transportOptions(cfg, logger))
}

// simRig is an in-process agent driving a simulated table, reached over a
// pipe with the same wire protocol as the real link.
type simRig struct {
	world  *sim.World
	client *transport.Client
	served chan error
}

// startSim scatters blocks on a simulated table and serves an agent for it.
// The supervisor calibration is aligned with the simulated camera.
func startSim(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*simRig, error) {
	sc := sim.DefaultConfig()
	sc.Width, sc.Height = cfg.Sim.Width, cfg.Sim.Height
	sc.Calibration = cfg.Vision.Calibration
	sc.Calibration.ReferenceX = float64(sc.Width) / 2
	sc.Calibration.ReferenceY = float64(sc.Height) / 2
	sc.GripHeight = cfg.Heights.Grip
	cfg.Vision.Calibration = sc.Calibration

	for _, color := range cfg.Sort.Colors {
		if _, ok := sc.Palette[color]; !ok {
			return nil, fmt.Errorf("simulator has no paint for %q", color)
		}
	}

	ws := cfg.Workspace
	rng := rand.New(rand.NewPCG(cfg.Sim.Seed, cfg.Sim.Seed^0x9e3779b97f4a7c15))
	objects, err := sim.Scatter(rng, cfg.Sort.Colors, cfg.Sim.PerColor, cfg.Sim.Radius,
		cfg.Search.Region.XMin, cfg.Search.Region.XMax, cfg.Search.Region.YMin, cfg.Search.Region.YMax,
		cfg.DropZones.Excluded)
	if err != nil {
		return nil, err
	}
	world := sim.NewWorld(sc, cfg.Vision.ReferenceColor, objects...)
	for _, o := range objects {
		logger.Debug("block placed", zap.String("color", o.Color), zap.Float64("x", o.X), zap.Float64("y", o.Y))
	}

	driver := agent.NewSimDriver(robot.Position{}, world)
	srv := agent.NewServer(driver, agent.Options{Limits: &ws, Logger: logger})
	agentConn, supervisorConn := net.Pipe()
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx, agentConn)
		agentConn.Close()
	}()

	return &simRig{
		world:  world,
		client: transport.New(supervisorConn, transportOptions(cfg, logger)),
		served: served,
	}, nil
}

// stop ends the agent session and waits for it.
func (r *simRig) stop() error {
	if err := r.client.Terminate(); err != nil {
		return err
	}
	if err := <-r.served; err != nil && err != agent.ErrTerminated {
		return err
	}
	return nil
}

// supervisor is the search, align, pick and place stack over one agent.
type supervisor struct {
	guard  *robot.Guard
	servo  *servo.Servo
	cycle  *sorting.Cycle
	stream *vision.Stream
}

func newSupervisor(cfg *config.Config, ag robot.Agent, camera vision.Camera, logger *zap.Logger) *supervisor {
	guard := robot.NewGuard(ag, cfg.Workspace, logger)
	stream := vision.NewStream(camera, cfg.Vision.FPS, logger)
	detector := vision.NewHSVDetector(cfg.Vision.Colors)
	cal := cfg.Vision.Calibration
	accept := func(x, y float64) bool { return !cfg.DropZones.Excluded(x, y) }

	planner := search.NewPlanner(guard, stream, detector, cal, cfg.Search, logger)
	planner.Accept = accept

	tracker := vision.NewWindowTracker(detector, cfg.Vision.ReferenceColor, cfg.Vision.MarkerMinArea, cfg.Vision.TrackerMargin)
	aligner := servo.New(guard, stream, detector, tracker, cal, cfg.Servo, logger)
	aligner.Accept = func(pose robot.Position, d vision.Detection) bool {
		return accept(cal.Project(pose, d.Center))
	}

	hands := pickplace.New(guard, cfg.Heights, logger)
	cycle := sorting.New(sorting.Deps{
		Guard:    guard,
		Searcher: planner,
		Aligner:  aligner,
		Handler:  hands,
		Zones:    cfg.DropZones,
		Sweep:    cfg.Search,
		SafeZ:    cfg.Heights.Safe,
	}, cfg.Sort, logger)

	return &supervisor{guard: guard, servo: aligner, cycle: cycle, stream: stream}
}
