package sorting

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gwillem/colorsort/pkg/pickplace"
	"github.com/gwillem/colorsort/pkg/robot"
	"github.com/gwillem/colorsort/pkg/robot/robottest"
	"github.com/gwillem/colorsort/pkg/search"
	"github.com/gwillem/colorsort/pkg/servo"
	"github.com/gwillem/colorsort/pkg/vision"
)

var limits = robot.WorkspaceLimits{XMin: -1, XMax: 8, YMin: -1, YMax: 7, ZMin: -1, ZMax: 6}

var zones = robot.DropZones{
	Zones: map[string]robot.DropZone{
		"red":   {X: 0.5, Y: 0, Radius: 1},
		"green": {X: 4, Y: 0, Radius: 1},
		"blue":  {X: 6, Y: 0, Radius: 1},
	},
	Margin: 0.5,
}

// table holds the objects still lying in the search region.
type table struct {
	objects map[string][]search.Result
	calls   []string
}

func (t *table) Search(_ context.Context, color string, _ search.Region, _, _ float64) (search.Result, error) {
	t.calls = append(t.calls, color)
	left := t.objects[color]
	if len(left) == 0 {
		return search.Result{}, nil
	}
	return left[0], nil
}

func (t *table) remove(color string) {
	if len(t.objects[color]) > 0 {
		t.objects[color] = t.objects[color][1:]
	}
}

func found(x, y float64) search.Result {
	return search.Result{Found: true, X: x, Y: y, ObjectX: x, ObjectY: y}
}

type aligner struct {
	fail map[string]error
}

func (a *aligner) Align(_ context.Context, color string) (servo.Result, error) {
	if err := a.fail[color]; err != nil {
		return servo.Result{}, err
	}
	return servo.Result{Converged: true, Position: robot.Position{X: 2, Y: 3}}, nil
}

// hands removes the object from the table once placed.
type hands struct {
	table   *table
	current string
	pickErr error
	placed  [][2]float64
	onPick  func()
}

func (h *hands) Pick(context.Context, float64, float64) error {
	if h.onPick != nil {
		h.onPick()
	}
	return h.pickErr
}

func (h *hands) Place(_ context.Context, x, y float64) error {
	h.placed = append(h.placed, [2]float64{x, y})
	return nil
}

// trackingAligner records which color is being handled so hands can
// remove the right object.
type trackingAligner struct {
	*aligner
	hands *hands
}

func (a trackingAligner) Align(ctx context.Context, color string) (servo.Result, error) {
	a.hands.current = color
	return a.aligner.Align(ctx, color)
}

type placingHands struct{ *hands }

func (h placingHands) Place(ctx context.Context, x, y float64) error {
	h.table.remove(h.current)
	return h.hands.Place(ctx, x, y)
}

type rig struct {
	agent *robottest.Agent
	table *table
	align *aligner
	hands *hands
	cycle *Cycle
}

func newRig(t *testing.T, objects map[string][]search.Result, cfg Config) *rig {
	t.Helper()
	agent := robottest.New(robot.Position{X: 2, Y: 3, Z: 0})
	tb := &table{objects: objects}
	al := &aligner{fail: map[string]error{}}
	h := &hands{table: tb}
	c := New(Deps{
		Guard:    robot.NewGuard(agent, limits, zaptest.NewLogger(t)),
		Searcher: tb,
		Aligner:  trackingAligner{aligner: al, hands: h},
		Handler:  placingHands{h},
		Zones:    zones,
		Sweep:    search.DefaultConfig(),
		SafeZ:    pickplace.DefaultConfig().Safe,
	}, cfg, zaptest.NewLogger(t))
	return &rig{agent: agent, table: tb, align: al, hands: h, cycle: c}
}

func TestRun_SortsUntilEmpty(t *testing.T) {
	r := newRig(t, map[string][]search.Result{
		"red":   {found(2, 3), found(3, 4)},
		"green": {found(3, 3)},
	}, DefaultConfig())

	sum, err := r.cycle.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Passes)
	assert.Equal(t, map[string]int{"red": 2, "green": 1}, sum.Sorted)
	assert.Equal(t, 3, sum.Total())
	assert.Empty(t, sum.Failures)
	assert.Len(t, sum.RunID, 8)
	assert.Equal(t, [][2]float64{{0.5, 0}, {4, 0}, {0.5, 0}}, r.hands.placed)
	assert.Equal(t, 1, r.agent.Count(robottest.OpHome), "parks the rig when done")
}

func TestRun_ContinuesAfterColorFailure(t *testing.T) {
	r := newRig(t, map[string][]search.Result{
		"red":   {found(2, 3)},
		"green": {found(3, 3)},
	}, DefaultConfig())
	r.align.fail["red"] = servo.ErrNotConverged

	sum, err := r.cycle.Run(context.Background())
	require.Error(t, err, "red keeps failing")
	assert.ErrorIs(t, err, ErrStalled)

	assert.Equal(t, 1, sum.Sorted["green"])
	require.NotEmpty(t, sum.Failures)
	first := sum.Failures[0]
	assert.Equal(t, StageAlign, first.Stage)
	assert.Equal(t, "red", first.Color)
	assert.ErrorIs(t, first, servo.ErrNotConverged)
	assert.Contains(t, first.Error(), "align failed for red")
}

func TestRun_StallsWhenNothingCanBeSorted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxStalledPasses = 2
	r := newRig(t, map[string][]search.Result{"blue": {found(2, 3)}}, cfg)
	r.hands.pickErr = &pickplace.StepError{Phase: pickplace.PhasePick, Step: pickplace.StepClose, Object: pickplace.ObjectMaybeGripped, Err: errors.New("stuck")}

	sum, err := r.cycle.Run(context.Background())
	require.ErrorIs(t, err, ErrStalled)
	assert.Equal(t, 2, sum.Passes)
	require.Len(t, sum.Failures, 2)
	assert.Equal(t, StagePick, sum.Failures[0].Stage)

	var se *pickplace.StepError
	assert.ErrorAs(t, sum.Failures[0], &se)
}

func TestRun_MaxPasses(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPasses = 1
	r := newRig(t, map[string][]search.Result{
		"red": {found(2, 3), found(2, 4), found(2, 5)},
	}, cfg)

	sum, err := r.cycle.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Passes)
	assert.Equal(t, 1, sum.Total())
}

func TestRun_IgnoresObjectInDropZone(t *testing.T) {
	r := newRig(t, map[string][]search.Result{
		"blue": {found(6.4, 0)},
	}, DefaultConfig())

	sum, err := r.cycle.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Passes)
	assert.Zero(t, sum.Total())
	assert.Empty(t, r.hands.placed)
}

func TestRun_SearchFailureIsLabelled(t *testing.T) {
	r := newRig(t, nil, DefaultConfig())
	boom := errors.New("link down")
	r.cycle.deps.Searcher = failingSearcher{boom}

	sum, err := r.cycle.Run(context.Background())
	require.ErrorIs(t, err, ErrStalled, "a failed search is not an empty pass")
	assert.NotErrorIs(t, err, ErrNotParked)
	assert.Equal(t, 3, sum.Passes)
	require.Len(t, sum.Failures, 9)
	for _, f := range sum.Failures {
		assert.Equal(t, StageSearch, f.Stage)
		assert.ErrorIs(t, f, boom)
	}
	assert.Equal(t, 1, r.agent.Count(robottest.OpHome))
}

func TestRun_DeadLinkIsReported(t *testing.T) {
	logger := zaptest.NewLogger(t)
	down := errors.New("link down")
	agent := robottest.New(robot.Position{X: 2, Y: 3, Z: 5.5})
	agent.FailOn(func(string, int) error { return down })
	guard := robot.NewGuard(agent, limits, logger)

	planner := search.NewPlanner(guard,
		vision.CameraFunc(func(context.Context) (*vision.Frame, error) { return &vision.Frame{}, nil }),
		vision.DetectorFunc(func(*vision.Frame, string) []vision.Detection { return nil }),
		vision.DefaultCalibration(), search.DefaultConfig(), logger)
	h := &hands{}
	c := New(Deps{
		Guard:    guard,
		Searcher: planner,
		Aligner:  &aligner{},
		Handler:  h,
		Zones:    zones,
		Sweep:    search.DefaultConfig(),
		SafeZ:    pickplace.DefaultConfig().Safe,
	}, DefaultConfig(), logger)

	sum, err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStalled)
	assert.ErrorIs(t, err, ErrNotParked)
	assert.ErrorIs(t, err, down)
	assert.NotEmpty(t, sum.Failures)
	assert.Empty(t, h.placed)
	assert.Equal(t, 5.5, agent.Position().Z, "still at grip height")
}

type failingSearcher struct{ err error }

func (f failingSearcher) Search(context.Context, string, search.Region, float64, float64) (search.Result, error) {
	return search.Result{}, f.err
}

func TestRun_MissingDropZone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Colors = []string{"purple"}
	r := newRig(t, map[string][]search.Result{"purple": {found(2, 3)}}, cfg)

	sum, err := r.cycle.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, sum.Failures, 1)
	assert.ErrorIs(t, sum.Failures[0], ErrNoDropZone)
	assert.Empty(t, r.table.calls, "nothing is searched for a color that cannot be placed")
}

func TestRun_CancelRetreats(t *testing.T) {
	r := newRig(t, map[string][]search.Result{
		"red":   {found(2, 3)},
		"green": {found(3, 3)},
	}, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	r.hands.onPick = func() {
		// mid-pick: the gripper is low when the stop arrives
		_ = r.agent.Move(context.Background(), robot.Position{X: 2, Y: 3, Z: 5.5})
		cancel()
	}
	r.hands.pickErr = context.Canceled

	sum, err := r.cycle.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sum.Failures)
	assert.NotContains(t, r.table.calls, "green", "no further colors after a stop")

	moves := r.agent.Moves()
	assert.Equal(t, robot.Position{X: 2, Y: 3, Z: 0}, moves[len(moves)-1], "raised before homing")
	assert.Equal(t, 1, r.agent.Count(robottest.OpHome))
}

func TestRun_PublishesStatus(t *testing.T) {
	r := newRig(t, map[string][]search.Result{"red": {found(2, 3)}}, DefaultConfig())

	_, err := r.cycle.Run(context.Background())
	require.NoError(t, err)

	st := <-r.cycle.Status()
	assert.True(t, st.Done)
	assert.Equal(t, 1, st.Sorted)
	assert.NotEmpty(t, st.RunID)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Colors: []string{"red"}, MaxPasses: -1}.Validate())
}
