// Package servo centers the gripper over a colored target using the
// eye-in-hand camera: detect the gripper marker, detect the target, nudge
// the gantry by a fraction of the pixel error, repeat until the two
// overlap.
package servo

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/gwillem/colorsort/pkg/robot"
	"github.com/gwillem/colorsort/pkg/vision"
)

var (
	// ErrNotConverged is returned when MaxIterations frames pass without
	// meeting the gate.
	ErrNotConverged = errors.New("alignment did not converge")
	// ErrReferenceLost is returned when the gripper marker cannot be found
	// for MaxLostFrames consecutive frames.
	ErrReferenceLost = errors.New("gripper reference lost")
)

// State is a phase of one control iteration.
type State int

const (
	StateDetectReference State = iota
	StateDetectTarget
	StateEvaluate
	StateCorrect
	StateLostRecovery
	StateConverged
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDetectReference:
		return "detect-reference"
	case StateDetectTarget:
		return "detect-target"
	case StateEvaluate:
		return "evaluate"
	case StateCorrect:
		return "correct"
	case StateLostRecovery:
		return "lost-recovery"
	case StateConverged:
		return "converged"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Step describes one processed frame. It is handed to the observer for
// live telemetry.
type Step struct {
	Iteration int
	Color     string
	State     State // last state reached in this iteration
	Position  robot.Position
	Reference vision.BBox
	Target    vision.BBox
	Overlap   int
	Distance  float64
	Commanded robot.Position // StateCorrect and StateLostRecovery only
}

// Result is the outcome of Align.
type Result struct {
	Converged  bool
	Position   robot.Position
	Iterations int
}

// Servo aligns the gripper over targets. One Servo drives one agent; Align
// is not safe for concurrent use.
type Servo struct {
	guard       *robot.Guard
	camera      vision.Camera
	detector    vision.Detector
	tracker     vision.Tracker
	calibration vision.Calibration
	cfg         Config
	logger      *zap.Logger

	// Accept optionally filters target detections seen from pose.
	Accept func(pose robot.Position, d vision.Detection) bool
	// Observer receives every processed frame.
	Observer func(Step)
}

// New returns a servo. The tracker follows the gripper marker.
func New(guard *robot.Guard, camera vision.Camera, detector vision.Detector, tracker vision.Tracker, cal vision.Calibration, cfg Config, logger *zap.Logger) *Servo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Servo{
		guard:       guard,
		camera:      camera,
		detector:    detector,
		tracker:     tracker,
		calibration: cal,
		cfg:         cfg,
		logger:      logger.Named("servo"),
	}
}

// alignment is the per-call state. It never outlives Align.
type alignment struct {
	color         string
	pos           robot.Position
	trackerValid  bool
	sinceRedetect int
	lostFrames    int
	referenceMiss int
}

// Align runs the control loop for color starting from the agent's current
// pose. Every processed frame counts as an iteration.
func (s *Servo) Align(ctx context.Context, color string) (Result, error) {
	pos, err := s.guard.QueryPosition(ctx)
	if err != nil {
		return Result{}, err
	}
	s.tracker.Reset()
	st := &alignment{color: color, pos: pos}
	log := s.logger.With(zap.String("color", color))
	log.Info("alignment started", zap.Stringer("position", pos))

	for iter := 1; iter <= s.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return Result{Position: st.pos, Iterations: iter - 1}, err
		}
		frame, err := s.camera.Capture(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{Position: st.pos, Iterations: iter - 1}, ctxErr
			}
			return Result{Position: st.pos, Iterations: iter - 1}, fmt.Errorf("capture frame: %w", err)
		}

		step, done, err := s.iterate(ctx, st, frame)
		step.Iteration = iter
		s.observe(step)
		if err != nil {
			log.Warn("alignment failed", zap.Int("iteration", iter), zap.Error(err))
			return Result{Position: st.pos, Iterations: iter}, err
		}
		if done {
			log.Info("aligned",
				zap.Int("iterations", iter),
				zap.Int("overlap", step.Overlap),
				zap.Float64("distance", step.Distance),
				zap.Stringer("position", st.pos))
			return Result{Converged: true, Position: st.pos, Iterations: iter}, nil
		}
	}

	log.Warn("alignment gave up", zap.Int("iterations", s.cfg.MaxIterations))
	return Result{Position: st.pos, Iterations: s.cfg.MaxIterations},
		fmt.Errorf("%w after %d iterations", ErrNotConverged, s.cfg.MaxIterations)
}

// iterate processes one frame. It reports done once the gate is met.
func (s *Servo) iterate(ctx context.Context, st *alignment, frame *vision.Frame) (Step, bool, error) {
	step := Step{Color: st.color, Position: st.pos, State: StateDetectReference}

	ref, ok := s.reference(st, frame)
	if !ok {
		st.referenceMiss++
		if !st.trackerValid && st.referenceMiss >= s.cfg.MaxLostFrames {
			step.State = StateFailed
			return step, false, fmt.Errorf("%w for %d frames", ErrReferenceLost, st.referenceMiss)
		}
		return step, false, nil
	}
	st.referenceMiss = 0
	step.Reference = ref

	step.State = StateDetectTarget
	var accept func(vision.Detection) bool
	if s.Accept != nil {
		accept = func(d vision.Detection) bool { return s.Accept(st.pos, d) }
	}
	target, ok := vision.Largest(s.detector.Detect(frame, st.color), s.cfg.MinTargetArea, accept)
	if !ok {
		st.lostFrames++
		if st.lostFrames < s.cfg.MaxLostFrames {
			return step, false, nil
		}
		step.State = StateLostRecovery
		commanded, err := s.recover(ctx, st)
		step.Commanded = commanded
		step.Position = st.pos
		return step, false, err
	}
	st.lostFrames = 0
	step.Target = target.BBox

	step.State = StateEvaluate
	step.Overlap = vision.IntersectionArea(ref, target.BBox)
	step.Distance = ref.Center().Dist(target.BBox.Center())
	if Converged(ref, target.BBox, s.cfg) {
		step.State = StateConverged
		return step, true, nil
	}

	step.State = StateCorrect
	dx, dy := s.calibration.Offset(target.BBox.Center().Sub(ref.Center()))
	want := robot.Position{
		X: st.pos.X + dx*s.cfg.Gain,
		Y: st.pos.Y + dy*s.cfg.Gain,
		Z: st.pos.Z,
	}
	commanded, err := s.guard.MoveClamped(ctx, want)
	step.Commanded = commanded
	if err != nil {
		return step, false, err
	}
	if err := s.refresh(ctx, st); err != nil {
		return step, false, err
	}
	step.Position = st.pos
	return step, false, nil
}

// reference locates the gripper marker, re-detecting when the tracker is
// invalid or has run RedetectInterval frames on its own.
func (s *Servo) reference(st *alignment, frame *vision.Frame) (vision.BBox, bool) {
	if !st.trackerValid || st.sinceRedetect >= s.cfg.RedetectInterval {
		box, ok := s.tracker.Redetect(frame)
		st.trackerValid = ok
		st.sinceRedetect = 0
		return box, ok
	}
	box, ok := s.tracker.Track(frame)
	if !ok {
		st.trackerValid = false
		return vision.BBox{}, false
	}
	st.sinceRedetect++
	return box, true
}

// recover backs off to widen the view after the target vanished.
func (s *Servo) recover(ctx context.Context, st *alignment) (robot.Position, error) {
	want := robot.Position{X: st.pos.X - s.cfg.BackoffX, Y: st.pos.Y - s.cfg.BackoffY, Z: st.pos.Z}
	s.logger.Info("target lost, backing off",
		zap.String("color", st.color),
		zap.Int("frames", st.lostFrames),
		zap.Stringer("to", want))

	commanded, err := s.guard.MoveClamped(ctx, want)
	if err != nil {
		return commanded, err
	}
	st.lostFrames = 0
	st.trackerValid = false
	s.tracker.Reset()
	return commanded, s.refresh(ctx, st)
}

// refresh waits for the rig to settle and re-reads the agent's pose.
func (s *Servo) refresh(ctx context.Context, st *alignment) error {
	if err := robot.Settle(ctx, s.cfg.Settle); err != nil {
		return err
	}
	pos, err := s.guard.QueryPosition(ctx)
	if err != nil {
		return err
	}
	st.pos = pos
	return nil
}

func (s *Servo) observe(step Step) {
	if s.Observer != nil {
		s.Observer(step)
	}
}
