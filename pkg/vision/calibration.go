package vision

import (
	"errors"

	"github.com/gwillem/colorsort/pkg/robot"
)

// Calibration maps pixel offsets in the eye-in-hand image to workspace
// offsets. Image Y grows downward, so SignY is normally -1.
type Calibration struct {
	PixelToPhysical float64 `mapstructure:"pixel_to_physical" json:"pixel_to_physical"` // cm per pixel
	SignX           float64 `mapstructure:"sign_x" json:"sign_x"`
	SignY           float64 `mapstructure:"sign_y" json:"sign_y"`
	ReferenceX      float64 `mapstructure:"reference_x" json:"reference_x"` // gripper pixel when the marker is not tracked
	ReferenceY      float64 `mapstructure:"reference_y" json:"reference_y"`
}

// DefaultCalibration matches the stock camera mount.
func DefaultCalibration() Calibration {
	return Calibration{PixelToPhysical: 0.05, SignX: 1, SignY: -1, ReferenceX: 320, ReferenceY: 240}
}

// Validate rejects a scale or sign that would make corrections vanish.
func (c Calibration) Validate() error {
	if c.PixelToPhysical <= 0 {
		return errors.New("pixel_to_physical must be positive")
	}
	if c.SignX != 1 && c.SignX != -1 {
		return errors.New("sign_x must be 1 or -1")
	}
	if c.SignY != 1 && c.SignY != -1 {
		return errors.New("sign_y must be 1 or -1")
	}
	return nil
}

// Reference is the nominal gripper pixel.
func (c Calibration) Reference() Point {
	return Point{X: c.ReferenceX, Y: c.ReferenceY}
}

// Offset converts a pixel error into a workspace offset (dx, dy).
func (c Calibration) Offset(e Point) (dx, dy float64) {
	return e.X * c.PixelToPhysical * c.SignX, e.Y * c.PixelToPhysical * c.SignY
}

// Project estimates the workspace XY of pixel px seen from pose.
func (c Calibration) Project(pose robot.Position, px Point) (x, y float64) {
	dx, dy := c.Offset(px.Sub(c.Reference()))
	return pose.X + dx, pose.Y + dy
}
