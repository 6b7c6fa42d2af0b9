package servo

import (
	"errors"
	"time"

	"github.com/gwillem/colorsort/pkg/vision"
)

// Config holds the alignment tuning. Pixel scale and axis signs live in
// vision.Calibration.
type Config struct {
	AreaThreshold     float64       `mapstructure:"area_threshold" json:"area_threshold"`         // px²
	DistanceThreshold float64       `mapstructure:"distance_threshold" json:"distance_threshold"` // px
	Gain              float64       `mapstructure:"gain" json:"gain"`
	MaxIterations     int           `mapstructure:"max_iterations" json:"max_iterations"`
	RedetectInterval  int           `mapstructure:"redetect_interval" json:"redetect_interval"`
	MaxLostFrames     int           `mapstructure:"max_lost_frames" json:"max_lost_frames"`
	BackoffX          float64       `mapstructure:"backoff_x" json:"backoff_x"` // cm
	BackoffY          float64       `mapstructure:"backoff_y" json:"backoff_y"` // cm
	MinTargetArea     float64       `mapstructure:"min_target_area" json:"min_target_area"`
	Settle            time.Duration `mapstructure:"settle" json:"settle"`
}

// DefaultConfig returns the values tuned on the stock rig.
func DefaultConfig() Config {
	return Config{
		AreaThreshold:     1000,
		DistanceThreshold: 100,
		Gain:              0.3,
		MaxIterations:     200,
		RedetectInterval:  30,
		MaxLostFrames:     10,
		BackoffX:          0.3,
		BackoffY:          0.3,
		MinTargetArea:     100,
		Settle:            100 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	switch {
	case !(c.AreaThreshold > 0):
		return errors.New("servo area_threshold must be > 0")
	case !(c.DistanceThreshold > 0):
		return errors.New("servo distance_threshold must be > 0")
	case !(c.Gain > 0):
		return errors.New("servo gain must be > 0")
	case c.MaxIterations <= 0:
		return errors.New("servo max_iterations must be > 0")
	case c.RedetectInterval <= 0:
		return errors.New("servo redetect_interval must be > 0")
	case c.MaxLostFrames <= 0:
		return errors.New("servo max_lost_frames must be > 0")
	case c.BackoffX < 0 || c.BackoffY < 0:
		return errors.New("servo backoff must be >= 0")
	case c.Settle < 0:
		return errors.New("servo settle must be >= 0")
	}
	return nil
}

// Converged is the alignment gate: the gripper box overlaps the target by
// at least AreaThreshold, or their centers are within DistanceThreshold.
// Both comparisons include the threshold.
func Converged(ref, target vision.BBox, cfg Config) bool {
	area := float64(vision.IntersectionArea(ref, target))
	dist := ref.Center().Dist(target.Center())
	return area >= cfg.AreaThreshold || dist <= cfg.DistanceThreshold
}
