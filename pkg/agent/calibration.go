package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/gwillem/colorsort/pkg/robot"
)

// AxisCalibration maps the raw servo range of one actuator onto robot
// space. For a linear axis RangeMin sits at Min cm and RangeMax at Max cm;
// the mapping is linear in between. For the gripper RangeMin is open and
// RangeMax is closed, and Min/Max are unused.
type AxisCalibration struct {
	ID       int     `json:"id" mapstructure:"id"`
	RangeMin int     `json:"range_min" mapstructure:"range_min"`
	RangeMax int     `json:"range_max" mapstructure:"range_max"`
	Min      float64 `json:"min" mapstructure:"min"`
	Max      float64 `json:"max" mapstructure:"max"`
}

// Calibration holds calibration data for all actuators, keyed by axis.
type Calibration map[robot.AxisName]AxisCalibration

// LoadCalibration loads calibration data from a JSON file.
func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration file: %w", err)
	}

	var raw map[string]AxisCalibration
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse calibration JSON: %w", err)
	}

	cal := make(Calibration, len(raw))
	for name, ac := range raw {
		cal[robot.AxisName(name)] = ac
	}
	return cal, cal.Validate()
}

// SaveTo writes the calibration as indented JSON.
func (c Calibration) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks that every actuator is present with a usable range.
func (c Calibration) Validate() error {
	seen := map[int]robot.AxisName{}
	for _, name := range robot.AllAxes() {
		ac, ok := c[name]
		if !ok {
			return fmt.Errorf("calibration: missing axis %s", name)
		}
		if ac.RangeMin == ac.RangeMax {
			return fmt.Errorf("calibration: axis %s has an empty raw range", name)
		}
		if name != robot.Gripper && ac.Min == ac.Max {
			return fmt.Errorf("calibration: axis %s has an empty travel", name)
		}
		if other, dup := seen[ac.ID]; dup {
			return fmt.Errorf("calibration: axes %s and %s share servo ID %d", other, name, ac.ID)
		}
		seen[ac.ID] = name
	}
	return nil
}

// ToPhysical converts a raw servo position to cm.
func (a AxisCalibration) ToPhysical(raw int) float64 {
	span := float64(a.RangeMax - a.RangeMin)
	if span == 0 {
		return a.Min
	}
	return a.Min + float64(raw-a.RangeMin)/span*(a.Max-a.Min)
}

// ToRaw converts cm to a raw servo position, clamped to the raw range.
func (a AxisCalibration) ToRaw(v float64) int {
	travel := a.Max - a.Min
	if travel == 0 {
		return a.RangeMin
	}
	raw := int(math.Round(float64(a.RangeMin) + (v-a.Min)/travel*float64(a.RangeMax-a.RangeMin)))
	lo, hi := a.RangeMin, a.RangeMax
	if lo > hi {
		lo, hi = hi, lo
	}
	return min(max(raw, lo), hi)
}

// GripperRaw returns the raw position for an open or closed gripper.
func (a AxisCalibration) GripperRaw(open bool) int {
	if open {
		return a.RangeMin
	}
	return a.RangeMax
}

// IDs returns the servo IDs in axis order.
func (c Calibration) IDs() []int {
	ids := make([]int, 0, len(c))
	for _, name := range robot.AllAxes() {
		if ac, ok := c[name]; ok {
			ids = append(ids, ac.ID)
		}
	}
	return ids
}

// ByID returns the axis and calibration for a given servo ID.
func (c Calibration) ByID(id int) (robot.AxisName, AxisCalibration, bool) {
	for name, ac := range c {
		if ac.ID == id {
			return name, ac, true
		}
	}
	return "", AxisCalibration{}, false
}
