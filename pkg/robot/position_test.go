package robot

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testLimits = WorkspaceLimits{XMin: -1, XMax: 8, YMin: -1, YMax: 7, ZMin: -3, ZMax: 5}

func TestWorkspaceLimits_Check(t *testing.T) {
	tests := []struct {
		name string
		p    Position
		axis AxisName // empty when accepted
	}{
		{"origin", Position{0, 0, 0}, ""},
		{"min corner", Position{-1, -1, -3}, ""},
		{"max corner", Position{8, 7, 5}, ""},
		{"x low", Position{-1.01, 0, 0}, AxisX},
		{"x high", Position{8.5, 0, 0}, AxisX},
		{"y high", Position{0, 8, 0}, AxisY},
		{"z low", Position{0, 0, -4}, AxisZ},
		{"x reported before y", Position{9, 9, 0}, AxisX},
		{"nan", Position{math.NaN(), 0, 0}, AxisX},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := testLimits.Check(tt.p)
			if tt.axis == "" {
				assert.NoError(t, err)
				assert.True(t, testLimits.Contains(tt.p))
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.axis, verr.Axis)
		})
	}
}

func TestWorkspaceLimits_CheckBound(t *testing.T) {
	err := testLimits.Check(Position{X: 0, Y: 8, Z: 0})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 7.0, verr.Bound)
	assert.Equal(t, 8.0, verr.Value)

	err = testLimits.Check(Position{X: 0, Y: 0, Z: -5})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, -3.0, verr.Bound)
}

func TestWorkspaceLimits_Validate(t *testing.T) {
	assert.NoError(t, testLimits.Validate())

	inverted := testLimits
	inverted.YMin, inverted.YMax = 5, 1
	assert.Error(t, inverted.Validate())

	degenerate := testLimits
	degenerate.ZMin, degenerate.ZMax = 0, 0
	assert.NoError(t, degenerate.Validate())
}

func TestWorkspaceLimits_Clamp(t *testing.T) {
	tests := []struct {
		in, want Position
	}{
		{Position{0, 0, 0}, Position{0, 0, 0}},
		{Position{10, -2, 1}, Position{8, -1, 1}},
		{Position{-5, 9, -9}, Position{-1, 7, -3}},
	}

	for _, tt := range tests {
		got := testLimits.Clamp(tt.in)
		if got != tt.want {
			t.Errorf("Clamp(%v) = %v, want %v", tt.in, got, tt.want)
		}
		if testLimits.Check(got) != nil {
			t.Errorf("Clamp(%v) = %v is outside the workspace", tt.in, got)
		}
	}
}

// countingAgent records every call that reaches the agent.
type countingAgent struct {
	calls int
	moves []Position
	err   error
}

func (a *countingAgent) Move(_ context.Context, p Position) error {
	a.calls++
	a.moves = append(a.moves, p)
	return a.err
}
func (a *countingAgent) GripperOpen(context.Context) error  { a.calls++; return a.err }
func (a *countingAgent) GripperClose(context.Context) error { a.calls++; return a.err }
func (a *countingAgent) Home(context.Context) error         { a.calls++; return a.err }
func (a *countingAgent) SetHome(context.Context) error      { a.calls++; return a.err }
func (a *countingAgent) Terminate() error                   { a.calls++; return a.err }
func (a *countingAgent) QueryPosition(context.Context) (Position, error) {
	a.calls++
	return Position{}, a.err
}

func TestGuard_RejectsWithoutTransmitting(t *testing.T) {
	agent := &countingAgent{}
	g := NewGuard(agent, testLimits, zaptest.NewLogger(t))

	err := g.Move(context.Background(), Position{X: 1, Y: testLimits.YMax + 1, Z: 0})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, AxisY, verr.Axis)
	assert.Zero(t, agent.calls)
}

func TestGuard_ForwardsValidMove(t *testing.T) {
	agent := &countingAgent{}
	g := NewGuard(agent, testLimits, zaptest.NewLogger(t))

	require.NoError(t, g.Move(context.Background(), Position{X: 1, Y: 2, Z: 3}))
	assert.Equal(t, []Position{{1, 2, 3}}, agent.moves)
}

func TestGuard_MoveClamped(t *testing.T) {
	agent := &countingAgent{}
	g := NewGuard(agent, testLimits, zaptest.NewLogger(t))

	got, err := g.MoveClamped(context.Background(), Position{X: 20, Y: 2, Z: 0})
	require.NoError(t, err)
	assert.Equal(t, Position{X: 8, Y: 2, Z: 0}, got)
	assert.Equal(t, []Position{got}, agent.moves)
}

func TestGuard_WrapsAgentErrors(t *testing.T) {
	boom := errors.New("boom")
	g := NewGuard(&countingAgent{err: boom}, testLimits, nil)

	assert.ErrorIs(t, g.Move(context.Background(), Position{}), boom)
	assert.ErrorIs(t, g.GripperClose(context.Background()), boom)
	_, err := g.QueryPosition(context.Background())
	assert.ErrorIs(t, err, boom)
}
