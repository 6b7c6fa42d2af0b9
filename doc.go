// Package colorsort sorts colored blocks with a 3-axis Cartesian gantry
// that carries a camera next to its gripper.
//
// A supervisor sweeps the table, servos the gripper over a block by
// comparing a marker on the gripper with the block in the camera image,
// then picks it and drops it in the zone of its color. The gantry itself
// is driven by a small motion agent reached over TCP or a serial line.
//
// # Installation
//
//	go install github.com/gwillem/colorsort/cmd/colorsort@latest
//
// # Usage
//
// Configure the link and calibrate the servo bus:
//
//	colorsort setup
//
// Start the agent on the machine wired to the servos, then sort:
//
//	colorsort agent
//	colorsort sort
//
// Everything runs without hardware against a simulated table:
//
//	colorsort sort --sim
//
// # Packages
//
//   - cmd/colorsort: CLI with agent, sort, setup and move commands
//   - pkg/protocol: line protocol between supervisor and agent
//   - pkg/transport: supervisor side of the link
//   - pkg/agent: agent server and servo drivers
//   - pkg/robot: poses, workspace limits, drop zones and the safety guard
//   - pkg/vision: frames, color detection, marker tracking
//   - pkg/search: boustrophedon search
//   - pkg/servo: visual alignment
//   - pkg/pickplace: pick and place sequences
//   - pkg/sorting: the sort cycle
//   - pkg/sim: simulated table and camera
//   - pkg/config, pkg/logging: configuration and logging
package colorsort
