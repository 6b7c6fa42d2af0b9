// Package robottest provides an in-memory robot.Agent for tests.
package robottest

import (
	"context"
	"sync"

	"github.com/gwillem/colorsort/pkg/robot"
)

// Operation names recorded by Agent.
const (
	OpMove      = "move"
	OpOpen      = "open"
	OpClose     = "close"
	OpHome      = "home"
	OpCoords    = "coords"
	OpSetHome   = "set_home"
	OpTerminate = "terminate"
)

// Call is one recorded command.
type Call struct {
	Op     string
	Target robot.Position // moves only
}

// Agent executes commands instantly and records them. It is safe for
// concurrent use.
type Agent struct {
	mu      sync.Mutex
	pos     robot.Position
	home    robot.Position
	closed  bool
	calls   []Call
	counts  map[string]int
	failOn  func(op string, n int) error
	onMove  func(robot.Position)
	onGrasp func(closed bool, at robot.Position)
}

var _ robot.Agent = (*Agent)(nil)

// New returns an agent parked at start.
func New(start robot.Position) *Agent {
	return &Agent{pos: start, counts: map[string]int{}}
}

// FailOn installs a hook that can fail the n-th (1-based) call of op.
func (a *Agent) FailOn(fn func(op string, n int) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failOn = fn
}

// OnMove is called with every executed move target.
func (a *Agent) OnMove(fn func(robot.Position)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onMove = fn
}

// OnGripper is called after every gripper command.
func (a *Agent) OnGripper(fn func(closed bool, at robot.Position)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onGrasp = fn
}

// Position returns the current pose without recording a call.
func (a *Agent) Position() robot.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pos
}

// GripperClosed reports the gripper state.
func (a *Agent) GripperClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// Calls returns a copy of the recorded calls.
func (a *Agent) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Call(nil), a.calls...)
}

// Ops returns the recorded operation names in order.
func (a *Agent) Ops() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ops := make([]string, len(a.calls))
	for i, c := range a.calls {
		ops[i] = c.Op
	}
	return ops
}

// Count returns how many times op was called.
func (a *Agent) Count(op string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts[op]
}

// Moves returns every move target in order.
func (a *Agent) Moves() []robot.Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []robot.Position
	for _, c := range a.calls {
		if c.Op == OpMove {
			out = append(out, c.Target)
		}
	}
	return out
}

func (a *Agent) record(op string, target robot.Position) error {
	a.calls = append(a.calls, Call{Op: op, Target: target})
	a.counts[op]++
	if a.failOn != nil {
		return a.failOn(op, a.counts[op])
	}
	return nil
}

func (a *Agent) Move(_ context.Context, p robot.Position) error {
	a.mu.Lock()
	if err := a.record(OpMove, p); err != nil {
		a.mu.Unlock()
		return err
	}
	a.pos = p
	fn := a.onMove
	a.mu.Unlock()
	if fn != nil {
		fn(p)
	}
	return nil
}

func (a *Agent) GripperOpen(context.Context) error {
	return a.gripper(OpOpen, false)
}

func (a *Agent) GripperClose(context.Context) error {
	return a.gripper(OpClose, true)
}

func (a *Agent) gripper(op string, closed bool) error {
	a.mu.Lock()
	if err := a.record(op, robot.Position{}); err != nil {
		a.mu.Unlock()
		return err
	}
	a.closed = closed
	fn, at := a.onGrasp, a.pos
	a.mu.Unlock()
	if fn != nil {
		fn(closed, at)
	}
	return nil
}

func (a *Agent) Home(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record(OpHome, robot.Position{}); err != nil {
		return err
	}
	a.pos = a.home
	return nil
}

func (a *Agent) QueryPosition(context.Context) (robot.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record(OpCoords, robot.Position{}); err != nil {
		return robot.Position{}, err
	}
	return a.pos, nil
}

func (a *Agent) SetHome(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.record(OpSetHome, robot.Position{}); err != nil {
		return err
	}
	a.home = a.pos
	return nil
}

func (a *Agent) Terminate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.record(OpTerminate, robot.Position{})
}
