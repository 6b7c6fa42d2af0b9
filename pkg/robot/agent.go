package robot

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Agent is the command surface of the motion-executing agent. Exactly one
// command may be in flight; every call blocks until the agent replies.
type Agent interface {
	Move(ctx context.Context, p Position) error
	GripperOpen(ctx context.Context) error
	GripperClose(ctx context.Context) error
	Home(ctx context.Context) error
	QueryPosition(ctx context.Context) (Position, error)
	SetHome(ctx context.Context) error
	// Terminate ends the session. No reply is expected.
	Terminate() error
}

// Guard is the safety envelope in front of an Agent. Every move is checked
// against the workspace limits and rejected moves never reach the agent.
type Guard struct {
	agent  Agent
	limits WorkspaceLimits
	logger *zap.Logger
}

// NewGuard wraps agent with the given limits.
func NewGuard(agent Agent, limits WorkspaceLimits, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		agent:  agent,
		limits: limits,
		logger: logger.Named("envelope"),
	}
}

// Limits returns the envelope bounds.
func (g *Guard) Limits() WorkspaceLimits {
	return g.limits
}

// Move validates p and forwards it to the agent.
func (g *Guard) Move(ctx context.Context, p Position) error {
	if err := g.limits.Check(p); err != nil {
		g.logger.Warn("move rejected", zap.Stringer("target", p), zap.Error(err))
		return fmt.Errorf("move to %s: %w", p, err)
	}
	if err := g.agent.Move(ctx, p); err != nil {
		return fmt.Errorf("move to %s: %w", p, err)
	}
	return nil
}

// MoveClamped clamps p to the workspace and moves there. It returns the
// pose that was actually commanded.
func (g *Guard) MoveClamped(ctx context.Context, p Position) (Position, error) {
	clamped := g.limits.Clamp(p)
	if clamped != p {
		g.logger.Debug("target clamped to workspace", zap.Stringer("requested", p), zap.Stringer("clamped", clamped))
	}
	return clamped, g.Move(ctx, clamped)
}

func (g *Guard) GripperOpen(ctx context.Context) error {
	if err := g.agent.GripperOpen(ctx); err != nil {
		return fmt.Errorf("open gripper: %w", err)
	}
	return nil
}

func (g *Guard) GripperClose(ctx context.Context) error {
	if err := g.agent.GripperClose(ctx); err != nil {
		return fmt.Errorf("close gripper: %w", err)
	}
	return nil
}

func (g *Guard) Home(ctx context.Context) error {
	if err := g.agent.Home(ctx); err != nil {
		return fmt.Errorf("home: %w", err)
	}
	return nil
}

func (g *Guard) QueryPosition(ctx context.Context) (Position, error) {
	p, err := g.agent.QueryPosition(ctx)
	if err != nil {
		return Position{}, fmt.Errorf("query position: %w", err)
	}
	return p, nil
}

func (g *Guard) SetHome(ctx context.Context) error {
	if err := g.agent.SetHome(ctx); err != nil {
		return fmt.Errorf("set home: %w", err)
	}
	return nil
}

func (g *Guard) Terminate() error {
	return g.agent.Terminate()
}
