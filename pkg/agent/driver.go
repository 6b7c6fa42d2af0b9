// Package agent is the motion-executing side of the link. A Server reads
// protocol commands from a connection and carries them out on a Driver.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/gwillem/colorsort/pkg/robot"
)

// Driver moves the physical (or simulated) rig. Every call blocks until
// the motion has finished.
type Driver interface {
	MoveTo(ctx context.Context, p robot.Position) error
	Gripper(ctx context.Context, open bool) error
	Position(ctx context.Context) (robot.Position, error)
	Close() error
}

// Observer is told about every change a SimDriver makes to the rig.
type Observer interface {
	Moved(at robot.Position)
	GripperChanged(closed bool, at robot.Position)
}

// SimDriver is an in-memory rig with instant (or fixed-delay) kinematics.
type SimDriver struct {
	// Delay is spent on every motion, honouring ctx.
	Delay time.Duration

	mu       sync.Mutex
	pos      robot.Position
	closed   bool
	observer Observer
}

var _ Driver = (*SimDriver)(nil)

// NewSimDriver returns a simulated rig at start. observer may be nil.
func NewSimDriver(start robot.Position, observer Observer) *SimDriver {
	if observer != nil {
		observer.Moved(start)
	}
	return &SimDriver{pos: start, observer: observer}
}

func (d *SimDriver) MoveTo(ctx context.Context, p robot.Position) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.pos = p
	obs := d.observer
	d.mu.Unlock()
	if obs != nil {
		obs.Moved(p)
	}
	return nil
}

func (d *SimDriver) Gripper(ctx context.Context, open bool) error {
	if err := d.wait(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.closed = !open
	at, obs := d.pos, d.observer
	d.mu.Unlock()
	if obs != nil {
		obs.GripperChanged(!open, at)
	}
	return nil
}

func (d *SimDriver) Position(context.Context) (robot.Position, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos, nil
}

// GripperClosed reports the simulated gripper state.
func (d *SimDriver) GripperClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *SimDriver) Close() error { return nil }

func (d *SimDriver) wait(ctx context.Context) error {
	return robot.Settle(ctx, d.Delay)
}
