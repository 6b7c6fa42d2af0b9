package servo

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gwillem/colorsort/pkg/robot"
	"github.com/gwillem/colorsort/pkg/robot/robottest"
	"github.com/gwillem/colorsort/pkg/vision"
)

var (
	limits = robot.WorkspaceLimits{XMin: -1, XMax: 8, YMin: -1, YMax: 7, ZMin: -3, ZMax: 5}
	cal    = vision.Calibration{PixelToPhysical: 0.05, SignX: 1, SignY: -1, ReferenceX: 80, ReferenceY: 60}
	refBox = vision.BBox{X: 70, Y: 50, W: 20, H: 20}
)

func TestConverged(t *testing.T) {
	cfg := Config{AreaThreshold: 30, DistanceThreshold: 8}
	ref := vision.BBox{X: 0, Y: 0, W: 10, H: 10}

	tests := []struct {
		name   string
		target vision.BBox
		cfg    Config
		want   bool
	}{
		{"close centers", vision.BBox{X: 5, Y: 5, W: 10, H: 10}, cfg, true}, // area 25, dist 7.07
		{"far apart", vision.BBox{X: 50, Y: 50, W: 10, H: 10}, cfg, false},
		{"area exactly at threshold", vision.BBox{X: 5, Y: 5, W: 10, H: 10}, Config{AreaThreshold: 25, DistanceThreshold: 1}, true},
		{"area just below threshold", vision.BBox{X: 5, Y: 5, W: 10, H: 10}, Config{AreaThreshold: 26, DistanceThreshold: 1}, false},
		{"distance exactly at threshold", vision.BBox{X: 8, Y: 0, W: 10, H: 10}, Config{AreaThreshold: 1000, DistanceThreshold: 8}, true},
		{"distance just beyond threshold", vision.BBox{X: 8, Y: 0, W: 10, H: 10}, Config{AreaThreshold: 1000, DistanceThreshold: 7.99}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Converged(ref, tt.target, tt.cfg))
		})
	}
}

// world projects an object at (objX, objY) into the camera given the
// agent's pose, using cal. The gripper marker sits at refBox.
func world(agent *robottest.Agent, objX, objY float64) vision.Detector {
	return vision.DetectorFunc(func(_ *vision.Frame, color string) []vision.Detection {
		if color != "red" {
			return nil
		}
		p := agent.Position()
		cx := cal.ReferenceX + (objX-p.X)/(cal.PixelToPhysical*cal.SignX)
		cy := cal.ReferenceY + (objY-p.Y)/(cal.PixelToPhysical*cal.SignY)
		box := vision.BBox{X: int(math.Round(cx - 10)), Y: int(math.Round(cy - 10)), W: 20, H: 20}
		return []vision.Detection{{Center: box.Center(), Area: 400, BBox: box, Color: color}}
	})
}

func nothing() vision.Detector {
	return vision.DetectorFunc(func(*vision.Frame, string) []vision.Detection { return nil })
}

// scriptedTracker returns refBox unless told to fail.
type scriptedTracker struct {
	redetectOK func(n int) bool
	trackOK    func(n int) bool

	redetects, tracks, resets int
}

func (s *scriptedTracker) Redetect(*vision.Frame) (vision.BBox, bool) {
	s.redetects++
	if s.redetectOK != nil && !s.redetectOK(s.redetects) {
		return vision.BBox{}, false
	}
	return refBox, true
}

func (s *scriptedTracker) Track(*vision.Frame) (vision.BBox, bool) {
	s.tracks++
	if s.trackOK != nil && !s.trackOK(s.tracks) {
		return vision.BBox{}, false
	}
	return refBox, true
}

func (s *scriptedTracker) Reset() { s.resets++ }

func frames() vision.Camera {
	var seq uint64
	return vision.CameraFunc(func(context.Context) (*vision.Frame, error) {
		seq++
		return &vision.Frame{Seq: seq}, nil
	})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Settle = 0
	cfg.AreaThreshold = 1e6
	cfg.DistanceThreshold = 5
	return cfg
}

func newServo(t *testing.T, agent *robottest.Agent, det vision.Detector, tr vision.Tracker, cfg Config) *Servo {
	t.Helper()
	guard := robot.NewGuard(agent, limits, zaptest.NewLogger(t))
	return New(guard, frames(), det, tr, cal, cfg, zaptest.NewLogger(t))
}

func TestAlign_Converges(t *testing.T) {
	agent := robottest.New(robot.Position{X: 2, Y: 2, Z: 0})
	tr := &scriptedTracker{}
	s := newServo(t, agent, world(agent, 3, 4), tr, testConfig())

	var steps []Step
	s.Observer = func(st Step) { steps = append(steps, st) }

	res, err := s.Align(context.Background(), "red")
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.InDelta(t, 3, res.Position.X, 0.3)
	assert.InDelta(t, 4, res.Position.Y, 0.3)
	assert.Equal(t, 0.0, res.Position.Z)
	assert.Less(t, res.Iterations, 20)
	assert.Equal(t, agent.Position(), res.Position, "result comes from the agent")

	require.Len(t, steps, res.Iterations)
	assert.Equal(t, StateCorrect, steps[0].State)
	assert.Equal(t, StateConverged, steps[len(steps)-1].State)
	assert.Greater(t, steps[0].Distance, steps[len(steps)-1].Distance)

	// first correction moves 30% of the way towards the object
	first := agent.Moves()[0]
	assert.InDelta(t, 2.3, first.X, 0.01)
	assert.InDelta(t, 2.6, first.Y, 0.01)
}

func TestAlign_AlreadyAligned(t *testing.T) {
	agent := robottest.New(robot.Position{X: 3, Y: 4})
	s := newServo(t, agent, world(agent, 3, 4), &scriptedTracker{}, testConfig())

	res, err := s.Align(context.Background(), "red")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Iterations)
	assert.Empty(t, agent.Moves())
}

func TestAlign_CorrectionIsClamped(t *testing.T) {
	agent := robottest.New(robot.Position{X: 7.9, Y: 2})
	cfg := testConfig()
	cfg.MaxIterations = 1
	s := newServo(t, agent, world(agent, 30, 2), &scriptedTracker{}, cfg)

	_, err := s.Align(context.Background(), "red")
	require.ErrorIs(t, err, ErrNotConverged)
	require.Len(t, agent.Moves(), 1)
	assert.Equal(t, limits.XMax, agent.Moves()[0].X)
}

func TestAlign_LostTargetBacksOff(t *testing.T) {
	agent := robottest.New(robot.Position{X: 2, Y: 3, Z: 1})
	tr := &scriptedTracker{}
	cfg := testConfig()
	cfg.MaxLostFrames = 3
	cfg.MaxIterations = 7
	s := newServo(t, agent, nothing(), tr, cfg)

	var states []State
	s.Observer = func(st Step) { states = append(states, st.State) }

	res, err := s.Align(context.Background(), "red")
	require.ErrorIs(t, err, ErrNotConverged)
	assert.Equal(t, 7, res.Iterations)

	moves := agent.Moves()
	require.Len(t, moves, 2)
	assert.InDelta(t, 1.7, moves[0].X, 1e-9)
	assert.InDelta(t, 2.7, moves[0].Y, 1e-9)
	assert.Equal(t, 1.0, moves[0].Z)
	assert.InDelta(t, 1.4, moves[1].X, 1e-9)
	assert.InDelta(t, 2.4, moves[1].Y, 1e-9)

	assert.Equal(t, []State{
		StateDetectTarget, StateDetectTarget, StateLostRecovery,
		StateDetectTarget, StateDetectTarget, StateLostRecovery,
		StateDetectTarget,
	}, states)
	// one reset on entry, one per recovery
	assert.Equal(t, 3, tr.resets)
}

func TestAlign_BackoffIsClamped(t *testing.T) {
	agent := robottest.New(robot.Position{X: -0.9, Y: -0.9})
	cfg := testConfig()
	cfg.MaxLostFrames = 1
	cfg.MaxIterations = 1
	s := newServo(t, agent, nothing(), &scriptedTracker{}, cfg)

	_, err := s.Align(context.Background(), "red")
	require.ErrorIs(t, err, ErrNotConverged)
	assert.Equal(t, []robot.Position{{X: -1, Y: -1}}, agent.Moves())
}

func TestAlign_ReferenceLost(t *testing.T) {
	agent := robottest.New(robot.Position{X: 2, Y: 2})
	tr := &scriptedTracker{redetectOK: func(int) bool { return false }}
	cfg := testConfig()
	cfg.MaxLostFrames = 4
	s := newServo(t, agent, world(agent, 3, 4), tr, cfg)

	res, err := s.Align(context.Background(), "red")
	require.ErrorIs(t, err, ErrReferenceLost)
	assert.Equal(t, 4, res.Iterations)
	assert.Empty(t, agent.Moves())
}

func TestAlign_RedetectInterval(t *testing.T) {
	agent := robottest.New(robot.Position{X: 2, Y: 2})
	tr := &scriptedTracker{}
	cfg := testConfig()
	cfg.RedetectInterval = 3
	cfg.MaxIterations = 9
	cfg.Gain = 1e-6 // keep the target in view without converging
	s := newServo(t, agent, world(agent, 5, 5), tr, cfg)

	_, err := s.Align(context.Background(), "red")
	require.ErrorIs(t, err, ErrNotConverged)
	assert.Equal(t, 3, tr.redetects)
	assert.Equal(t, 6, tr.tracks)
}

func TestAlign_TrackFailureForcesRedetect(t *testing.T) {
	agent := robottest.New(robot.Position{X: 2, Y: 2})
	tr := &scriptedTracker{trackOK: func(n int) bool { return n != 1 }}
	cfg := testConfig()
	cfg.MaxIterations = 3
	cfg.Gain = 1e-6
	s := newServo(t, agent, world(agent, 5, 5), tr, cfg)

	var states []State
	s.Observer = func(st Step) { states = append(states, st.State) }

	_, err := s.Align(context.Background(), "red")
	require.ErrorIs(t, err, ErrNotConverged)
	assert.Equal(t, 2, tr.redetects, "iterations 1 and 3")
	assert.Equal(t, 1, tr.tracks)
	assert.Equal(t, StateDetectReference, states[1])
}

func TestAlign_Cancelled(t *testing.T) {
	agent := robottest.New(robot.Position{X: 2, Y: 2})
	ctx, cancel := context.WithCancel(context.Background())
	tr := &scriptedTracker{}
	s := newServo(t, agent, world(agent, 5, 5), tr, testConfig())
	s.Observer = func(st Step) {
		if st.Iteration == 2 {
			cancel()
		}
	}

	res, err := s.Align(ctx, "red")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, res.Iterations)
}

func TestAlign_AcceptFilter(t *testing.T) {
	agent := robottest.New(robot.Position{X: 3, Y: 4})
	cfg := testConfig()
	cfg.MaxLostFrames = 100
	cfg.MaxIterations = 2
	s := newServo(t, agent, world(agent, 3, 4), &scriptedTracker{}, cfg)
	s.Accept = func(robot.Position, vision.Detection) bool { return false }

	_, err := s.Align(context.Background(), "red")
	assert.ErrorIs(t, err, ErrNotConverged)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.DistanceThreshold = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MaxLostFrames = 0
	assert.Error(t, bad.Validate())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "lost-recovery", StateLostRecovery.String())
	assert.Equal(t, "State(42)", State(42).String())
}
