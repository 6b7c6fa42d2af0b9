// Package pickplace runs the fixed open-loop pick and place sequences once
// the gripper is aligned over an object.
package pickplace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gwillem/colorsort/pkg/robot"
)

// Config holds the Z heights of the sequences (absolute agent
// coordinates) and the pause after each gripper command.
type Config struct {
	Safe           float64       `mapstructure:"safe" json:"safe"`
	Approach       float64       `mapstructure:"approach" json:"approach"`
	Grip           float64       `mapstructure:"grip" json:"grip"`
	Release        float64       `mapstructure:"release" json:"release"`
	GripperSettle  time.Duration `mapstructure:"gripper_settle" json:"gripper_settle"`
	OpenBeforePick bool          `mapstructure:"open_before_pick" json:"open_before_pick"`
}

// DefaultConfig matches the stock rig, where Z grows towards the floor.
func DefaultConfig() Config {
	return Config{
		Safe:           0,
		Approach:       4,
		Grip:           5.5,
		Release:        5.5,
		GripperSettle:  500 * time.Millisecond,
		OpenBeforePick: true,
	}
}

// Validate checks every height against the workspace.
func (c Config) Validate(limits robot.WorkspaceLimits) error {
	heights := []struct {
		name string
		z    float64
	}{{"safe", c.Safe}, {"approach", c.Approach}, {"grip", c.Grip}, {"release", c.Release}}
	for _, h := range heights {
		if h.z < limits.ZMin || h.z > limits.ZMax {
			return fmt.Errorf("%s height %g outside [%g, %g]", h.name, h.z, limits.ZMin, limits.ZMax)
		}
	}
	if c.GripperSettle < 0 {
		return errors.New("gripper_settle must be >= 0")
	}
	return nil
}

// Phase is pick or place.
type Phase string

const (
	PhasePick  Phase = "pick"
	PhasePlace Phase = "place"
)

// Step names one command of a sequence.
type Step string

const (
	StepOpen     Step = "open-gripper"
	StepRaise    Step = "raise-to-safe"
	StepApproach Step = "approach"
	StepDescend  Step = "descend-to-grip"
	StepClose    Step = "close-gripper"
	StepLift     Step = "lift"
	StepTravel   Step = "travel"
	StepLower    Step = "lower-to-release"
	StepRelease  Step = "release"
	StepRetract  Step = "retract"
)

// ObjectState is what is known about the payload when a sequence stopped.
type ObjectState string

const (
	ObjectUntouched     ObjectState = "untouched"
	ObjectMaybeGripped  ObjectState = "maybe-gripped"
	ObjectInTransit     ObjectState = "in-transit"
	ObjectMaybeReleased ObjectState = "maybe-released"
	ObjectReleased      ObjectState = "released"
)

// StepError reports the step that failed and where the object is likely
// to be.
type StepError struct {
	Phase  Phase
	Step   Step
	Target robot.Position // commanded pose; zero for gripper steps
	Object ObjectState
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s failed (object %s): %v", e.Phase, e.Step, e.Object, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Choreographer executes pick and place sequences through the envelope.
type Choreographer struct {
	guard  *robot.Guard
	cfg    Config
	logger *zap.Logger
}

// New returns a choreographer.
func New(guard *robot.Guard, cfg Config, logger *zap.Logger) *Choreographer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Choreographer{guard: guard, cfg: cfg, logger: logger.Named("pickplace")}
}

// sequence runs one phase, tracking the object state as steps complete.
type sequence struct {
	c      *Choreographer
	ctx    context.Context
	phase  Phase
	object ObjectState
}

func (s *sequence) move(step Step, target robot.Position) error {
	s.c.logger.Debug("step", zap.String("phase", string(s.phase)), zap.String("step", string(step)), zap.Stringer("target", target))
	if err := s.c.guard.Move(s.ctx, target); err != nil {
		return &StepError{Phase: s.phase, Step: step, Target: target, Object: s.object, Err: err}
	}
	return nil
}

// gripper runs a gripper command. failed is the object state if it errors,
// after the state once it succeeded.
func (s *sequence) gripper(step Step, fn func(context.Context) error, failed, after ObjectState) error {
	s.c.logger.Debug("step", zap.String("phase", string(s.phase)), zap.String("step", string(step)))
	if err := fn(s.ctx); err != nil {
		return &StepError{Phase: s.phase, Step: step, Object: failed, Err: err}
	}
	s.object = after
	if err := robot.Settle(s.ctx, s.c.cfg.GripperSettle); err != nil {
		return &StepError{Phase: s.phase, Step: step, Object: after, Err: err}
	}
	return nil
}

// Pick grips the object under (x, y): optionally open, raise to safe
// height, approach, descend, close, lift. Exactly one close is issued.
func (c *Choreographer) Pick(ctx context.Context, x, y float64) error {
	s := &sequence{c: c, ctx: ctx, phase: PhasePick, object: ObjectUntouched}
	at := func(z float64) robot.Position { return robot.Position{X: x, Y: y, Z: z} }

	if c.cfg.OpenBeforePick {
		if err := s.gripper(StepOpen, c.guard.GripperOpen, ObjectUntouched, ObjectUntouched); err != nil {
			return c.failed(err)
		}
	}
	if err := s.move(StepRaise, at(c.cfg.Safe)); err != nil {
		return c.failed(err)
	}
	if err := s.move(StepApproach, at(c.cfg.Approach)); err != nil {
		return c.failed(err)
	}
	if err := s.move(StepDescend, at(c.cfg.Grip)); err != nil {
		return c.failed(err)
	}
	if err := s.gripper(StepClose, c.guard.GripperClose, ObjectMaybeGripped, ObjectInTransit); err != nil {
		return c.failed(err)
	}
	if err := s.move(StepLift, at(c.cfg.Safe)); err != nil {
		return c.failed(err)
	}
	c.logger.Info("picked", zap.Float64("x", x), zap.Float64("y", y))
	return nil
}

// Place carries the held object to (x, y) at safe height, lowers, opens
// and retracts.
func (c *Choreographer) Place(ctx context.Context, x, y float64) error {
	s := &sequence{c: c, ctx: ctx, phase: PhasePlace, object: ObjectInTransit}
	at := func(z float64) robot.Position { return robot.Position{X: x, Y: y, Z: z} }

	if err := c.raiseInPlace(s); err != nil {
		return c.failed(err)
	}
	if err := s.move(StepTravel, at(c.cfg.Safe)); err != nil {
		return c.failed(err)
	}
	if err := s.move(StepLower, at(c.cfg.Release)); err != nil {
		return c.failed(err)
	}
	if err := s.gripper(StepRelease, c.guard.GripperOpen, ObjectMaybeReleased, ObjectReleased); err != nil {
		return c.failed(err)
	}
	if err := s.move(StepRetract, at(c.cfg.Safe)); err != nil {
		return c.failed(err)
	}
	c.logger.Info("placed", zap.Float64("x", x), zap.Float64("y", y))
	return nil
}

// raiseInPlace makes sure travel starts at safe height. The agent is
// asked where it is rather than trusting the end of the pick.
func (c *Choreographer) raiseInPlace(s *sequence) error {
	pos, err := c.guard.QueryPosition(s.ctx)
	if err != nil {
		return &StepError{Phase: s.phase, Step: StepRaise, Object: s.object, Err: err}
	}
	if pos.Z == c.cfg.Safe {
		return nil
	}
	return s.move(StepRaise, pos.WithZ(c.cfg.Safe))
}

func (c *Choreographer) failed(err error) error {
	var se *StepError
	if errors.As(err, &se) {
		c.logger.Warn("sequence aborted",
			zap.String("phase", string(se.Phase)),
			zap.String("step", string(se.Step)),
			zap.String("object", string(se.Object)),
			zap.Error(se.Err))
	}
	return err
}
