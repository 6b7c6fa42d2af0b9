// Package robot provides the shared model of the Cartesian sorter: poses,
// workspace limits, drop zones and the command surface of the motion agent.
package robot

// AxisName identifies an actuator on the Cartesian rig.
type AxisName string

// Actuators of the X/Y/Z gantry.
const (
	AxisX   AxisName = "x"
	AxisY   AxisName = "y"
	AxisZ   AxisName = "z"
	Gripper AxisName = "gripper"
)

// AllAxes returns all actuators in order (matching servo IDs 1-4).
func AllAxes() []AxisName {
	return []AxisName{
		AxisX,
		AxisY,
		AxisZ,
		Gripper,
	}
}

// LinearAxes returns the positioning axes in X, Y, Z order.
func LinearAxes() []AxisName {
	return []AxisName{AxisX, AxisY, AxisZ}
}
