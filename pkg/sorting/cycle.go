// Package sorting runs the sort cycle: for every color in turn, search,
// align, pick and place, pass after pass, until a pass finds nothing.
package sorting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gwillem/colorsort/pkg/robot"
	"github.com/gwillem/colorsort/pkg/search"
	"github.com/gwillem/colorsort/pkg/servo"
)

// ErrStalled is returned when objects keep being found but none of them
// can be sorted.
var ErrStalled = errors.New("sort cycle stalled")

// ErrNoDropZone is reported for a color without a configured drop zone.
var ErrNoDropZone = errors.New("no drop zone")

// ErrNotParked is returned when the rig could not be raised and homed at
// the end of a run.
var ErrNotParked = errors.New("rig not parked")

// Stage is the part of the cycle a failure belongs to.
type Stage string

const (
	StageSearch Stage = "search"
	StageAlign  Stage = "align"
	StagePick   Stage = "pick"
	StagePlace  Stage = "place"
)

// StageError labels a per-color failure with its stage.
type StageError struct {
	Stage Stage
	Color string
	Pass  int
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Stage, e.Color, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Searcher locates an object of a color.
type Searcher interface {
	Search(ctx context.Context, color string, region search.Region, z, step float64) (search.Result, error)
}

// Aligner centers the gripper over an object of a color.
type Aligner interface {
	Align(ctx context.Context, color string) (servo.Result, error)
}

// Handler picks and places objects.
type Handler interface {
	Pick(ctx context.Context, x, y float64) error
	Place(ctx context.Context, x, y float64) error
}

// Config holds the cycle parameters.
type Config struct {
	Colors           []string      `mapstructure:"colors" json:"colors"`
	MaxPasses        int           `mapstructure:"max_passes" json:"max_passes"` // 0 = until a pass finds nothing
	MaxStalledPasses int           `mapstructure:"max_stalled_passes" json:"max_stalled_passes"`
	RetreatTimeout   time.Duration `mapstructure:"retreat_timeout" json:"retreat_timeout"`
}

// DefaultConfig sorts red, green and blue.
func DefaultConfig() Config {
	return Config{
		Colors:           []string{"red", "green", "blue"},
		MaxStalledPasses: 3,
		RetreatTimeout:   45 * time.Second,
	}
}

func (c Config) Validate() error {
	if len(c.Colors) == 0 {
		return errors.New("sort needs at least one color")
	}
	if c.MaxPasses < 0 || c.MaxStalledPasses < 0 {
		return errors.New("sort pass limits must be >= 0")
	}
	return nil
}

// Deps are the collaborators of a Cycle.
type Deps struct {
	Guard    *robot.Guard
	Searcher Searcher
	Aligner  Aligner
	Handler  Handler
	Zones    robot.DropZones
	Sweep    search.Config
	SafeZ    float64 // retreat height
}

// Status is the latest progress snapshot, published for UIs.
type Status struct {
	RunID     string
	Pass      int
	Color     string
	Stage     Stage
	Sorted    int
	Failures  int
	LastError error
	Done      bool
	Timestamp time.Time
}

// Summary is the result of a run.
type Summary struct {
	RunID    string
	Passes   int
	Sorted   map[string]int
	Failures []*StageError
	Duration time.Duration
}

// Total returns the number of sorted objects.
func (s Summary) Total() int {
	n := 0
	for _, v := range s.Sorted {
		n += v
	}
	return n
}

// Cycle drives the sort loop.
type Cycle struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	running  bool
	status   Status
	statusCh chan Status
}

// New returns a cycle. Deps.Guard is used for the retreat only; every
// other motion goes through the collaborators.
func New(deps Deps, cfg Config, logger *zap.Logger) *Cycle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetreatTimeout <= 0 {
		cfg.RetreatTimeout = DefaultConfig().RetreatTimeout
	}
	return &Cycle{
		deps:     deps,
		cfg:      cfg,
		logger:   logger.Named("sort"),
		statusCh: make(chan Status, 1),
	}
}

// Status returns a channel with the latest progress. Stale updates are
// dropped when the reader falls behind.
func (c *Cycle) Status() <-chan Status {
	return c.statusCh
}

type outcome int

const (
	notFound outcome = iota
	sorted
	failed
)

// Run sorts until a pass finds nothing, MaxPasses is reached, the cycle
// stalls or ctx is cancelled. On exit the rig is raised to safe height and
// homed; if that fails the error wraps ErrNotParked.
func (c *Cycle) Run(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return Summary{}, fmt.Errorf("already running")
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	start := time.Now()
	runID := uuid.New().String()[:8]
	log := c.logger.With(zap.String("run", runID))
	sum := Summary{RunID: runID, Sorted: map[string]int{}}
	c.update(func(s *Status) { *s = Status{RunID: runID} })
	log.Info("sort started", zap.Strings("colors", c.cfg.Colors))

	err := c.passes(ctx, log, &sum)
	sum.Duration = time.Since(start)

	if rerr := c.retreat(ctx, log); rerr != nil {
		log.Error("retreat failed", zap.Error(rerr))
		err = errors.Join(err, fmt.Errorf("%w: %w", ErrNotParked, rerr))
	}
	c.update(func(s *Status) { s.Done = true })

	log.Info("sort finished",
		zap.Int("passes", sum.Passes),
		zap.Int("sorted", sum.Total()),
		zap.Int("failures", len(sum.Failures)),
		zap.Duration("took", sum.Duration),
		zap.Error(err))
	return sum, err
}

func (c *Cycle) passes(ctx context.Context, log *zap.Logger, sum *Summary) error {
	stalled := 0
	for pass := 1; c.cfg.MaxPasses == 0 || pass <= c.cfg.MaxPasses; pass++ {
		sum.Passes = pass
		found, done := 0, 0
		for _, color := range c.cfg.Colors {
			if err := ctx.Err(); err != nil {
				return err
			}
			c.update(func(s *Status) { s.Pass, s.Color = pass, color })

			res, err := c.sortOne(ctx, pass, color)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				var se *StageError
				if errors.As(err, &se) {
					sum.Failures = append(sum.Failures, se)
				}
				log.Warn("color failed", zap.Int("pass", pass), zap.String("color", color), zap.Error(err))
				c.update(func(s *Status) { s.Failures++; s.LastError = err })
			}
			switch res {
			case sorted:
				found++
				done++
				sum.Sorted[color]++
				c.update(func(s *Status) { s.Sorted++ })
			case failed:
				found++
			}
		}

		if found == 0 {
			log.Info("pass found nothing", zap.Int("pass", pass))
			return nil
		}
		if done == 0 {
			stalled++
			if c.cfg.MaxStalledPasses > 0 && stalled >= c.cfg.MaxStalledPasses {
				return fmt.Errorf("%w: %d passes without a sorted object", ErrStalled, stalled)
			}
		} else {
			stalled = 0
		}
	}
	log.Info("pass limit reached", zap.Int("passes", c.cfg.MaxPasses))
	return nil
}

// sortOne runs search, align, pick and place for one color.
func (c *Cycle) sortOne(ctx context.Context, pass int, color string) (outcome, error) {
	fail := func(stage Stage, err error) (outcome, error) {
		return failed, &StageError{Stage: stage, Color: color, Pass: pass, Err: err}
	}

	zone, ok := c.deps.Zones.Location(color)
	if !ok {
		return notFound, &StageError{Stage: StagePlace, Color: color, Pass: pass, Err: ErrNoDropZone}
	}

	c.stage(StageSearch)
	sw := c.deps.Sweep
	res, err := c.deps.Searcher.Search(ctx, color, sw.Region, sw.Z, sw.Step)
	if err != nil {
		return fail(StageSearch, err)
	}
	if !res.Found {
		return notFound, nil
	}
	if z, excluded := c.deps.Zones.ZoneAt(res.ObjectX, res.ObjectY); excluded {
		c.logger.Info("ignoring object in drop zone", zap.String("color", color), zap.String("zone", z))
		return notFound, nil
	}

	c.stage(StageAlign)
	aligned, err := c.deps.Aligner.Align(ctx, color)
	if err != nil {
		return fail(StageAlign, err)
	}

	c.stage(StagePick)
	if err := c.deps.Handler.Pick(ctx, aligned.Position.X, aligned.Position.Y); err != nil {
		return fail(StagePick, err)
	}

	c.stage(StagePlace)
	if err := c.deps.Handler.Place(ctx, zone.X, zone.Y); err != nil {
		return fail(StagePlace, err)
	}
	c.logger.Info("object sorted", zap.Int("pass", pass), zap.String("color", color))
	return sorted, nil
}

// retreat raises the gripper at its current XY and homes. It runs on a
// context detached from cancellation so that a stop request still parks
// the rig.
func (c *Cycle) retreat(ctx context.Context, log *zap.Logger) error {
	if c.deps.Guard == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RetreatTimeout)
	defer cancel()

	pos, err := c.deps.Guard.QueryPosition(rctx)
	if err != nil {
		return err
	}
	if pos.Z != c.deps.SafeZ {
		if err := c.deps.Guard.Move(rctx, pos.WithZ(c.deps.SafeZ)); err != nil {
			return err
		}
	}
	log.Info("returning home")
	return c.deps.Guard.Home(rctx)
}

func (c *Cycle) stage(st Stage) {
	c.update(func(s *Status) { s.Stage = st })
}

func (c *Cycle) update(fn func(*Status)) {
	c.mu.Lock()
	fn(&c.status)
	c.status.Timestamp = time.Now()
	s := c.status
	c.mu.Unlock()
	c.sendStatus(s)
}

func (c *Cycle) sendStatus(s Status) {
	select {
	case c.statusCh <- s:
	default:
		// Drop old status if channel full, replace with new
		select {
		case <-c.statusCh:
		default:
		}
		select {
		case c.statusCh <- s:
		default:
		}
	}
}
