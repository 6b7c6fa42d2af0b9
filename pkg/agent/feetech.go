package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.uber.org/zap"

	"github.com/gwillem/colorsort/pkg/robot"
)

// FeetechConfig describes the servo bus of a Feetech-driven gantry.
type FeetechConfig struct {
	Port         string        `mapstructure:"port" json:"port"`
	BaudRate     int           `mapstructure:"baud_rate" json:"baud_rate"`
	Calibration  string        `mapstructure:"calibration" json:"calibration"` // JSON file
	Tolerance    int           `mapstructure:"tolerance" json:"tolerance"`     // raw ticks
	MoveTimeout  time.Duration `mapstructure:"move_timeout" json:"move_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	GripperTime  time.Duration `mapstructure:"gripper_time" json:"gripper_time"`
}

// DefaultFeetechConfig returns the settings of the stock STS3215 rig.
func DefaultFeetechConfig() FeetechConfig {
	return FeetechConfig{
		BaudRate:     1_000_000,
		Calibration:  "calibration.json",
		Tolerance:    8,
		MoveTimeout:  10 * time.Second,
		PollInterval: 20 * time.Millisecond,
		GripperTime:  600 * time.Millisecond,
	}
}

// FeetechDriver drives one servo per axis plus a gripper servo on a
// Feetech STS bus.
type FeetechDriver struct {
	bus    *feetech.Bus
	group  *feetech.ServoGroup
	cal    Calibration
	cfg    FeetechConfig
	logger *zap.Logger
}

var _ Driver = (*FeetechDriver)(nil)

// OpenFeetech opens the bus and enables torque on every servo.
func OpenFeetech(ctx context.Context, cfg FeetechConfig, cal Calibration, logger *zap.Logger) (*FeetechDriver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 1_000_000
	}

	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     cfg.Port,
		BaudRate: cfg.BaudRate,
		Protocol: feetech.ProtocolSTS,
	})
	if err != nil {
		return nil, fmt.Errorf("open bus: %w", err)
	}

	group := feetech.NewServoGroupByIDs(bus, cal.IDs()...)
	if err := group.EnableAll(ctx); err != nil {
		bus.Close()
		return nil, fmt.Errorf("enable torque: %w", err)
	}

	logger.Info("servo bus open", zap.String("port", cfg.Port), zap.Ints("ids", cal.IDs()))
	return &FeetechDriver{
		bus:    bus,
		group:  group,
		cal:    cal,
		cfg:    cfg,
		logger: logger.Named("feetech"),
	}, nil
}

// Close releases torque and closes the bus.
func (d *FeetechDriver) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.group.DisableAll(ctx); err != nil {
		d.logger.Warn("disable torque", zap.Error(err))
	}
	return d.bus.Close()
}

// MoveTo writes all three axis targets at once and waits until the servos
// report they arrived.
func (d *FeetechDriver) MoveTo(ctx context.Context, p robot.Position) error {
	targets := make(feetech.PositionMap, 3)
	for _, axis := range robot.LinearAxes() {
		ac := d.cal[axis]
		targets[ac.ID] = ac.ToRaw(p.Coord(axis))
	}

	if err := d.group.SetPositions(ctx, targets); err != nil {
		return fmt.Errorf("write positions: %w", err)
	}
	return d.waitSettled(ctx, targets)
}

// Gripper drives the gripper to its open or closed end stop. A closing
// gripper stalls on the object, so it is given a fixed time instead of a
// position check.
func (d *FeetechDriver) Gripper(ctx context.Context, open bool) error {
	ac := d.cal[robot.Gripper]
	if err := d.group.SetPositions(ctx, feetech.PositionMap{ac.ID: ac.GripperRaw(open)}); err != nil {
		return fmt.Errorf("write gripper: %w", err)
	}
	return robot.Settle(ctx, d.cfg.GripperTime)
}

// Position reads the current pose in cm.
func (d *FeetechDriver) Position(ctx context.Context) (robot.Position, error) {
	raw, err := d.readRaw(ctx)
	if err != nil {
		return robot.Position{}, err
	}
	var v [3]float64
	for i, axis := range robot.LinearAxes() {
		ac := d.cal[axis]
		r, ok := raw[ac.ID]
		if !ok {
			return robot.Position{}, fmt.Errorf("read positions: no reply from %s servo %d", axis, ac.ID)
		}
		v[i] = ac.ToPhysical(r)
	}
	return robot.Position{X: v[0], Y: v[1], Z: v[2]}, nil
}

func (d *FeetechDriver) readRaw(ctx context.Context) (map[int]int, error) {
	positions, err := d.group.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read positions: %w", err)
	}
	raw := make(map[int]int, len(positions))
	for id, v := range positions {
		raw[id] = v
	}
	return raw, nil
}

func (d *FeetechDriver) waitSettled(ctx context.Context, targets feetech.PositionMap) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.MoveTimeout)
	defer cancel()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		raw, err := d.readRaw(ctx)
		if err != nil {
			return err
		}
		if arrived(raw, targets, d.cfg.Tolerance) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for servos: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func arrived(raw map[int]int, targets feetech.PositionMap, tolerance int) bool {
	for id, want := range targets {
		got, ok := raw[id]
		if !ok {
			return false
		}
		if diff := got - want; diff > tolerance || diff < -tolerance {
			return false
		}
	}
	return true
}
