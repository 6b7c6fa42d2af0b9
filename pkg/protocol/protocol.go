// Package protocol defines the line-oriented command protocol between the
// supervisor and the motion agent. Every message is one ASCII line
// terminated by '\n'; exactly one command is outstanding at a time.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gwillem/colorsort/pkg/robot"
)

// Kind names a command.
type Kind string

const (
	Move         Kind = "MOVE"
	GripperOpen  Kind = "GRIPPER_OPEN"
	GripperClose Kind = "GRIPPER_CLOSE"
	Home         Kind = "HOME"
	Coords       Kind = "COORDS"
	SetHome      Kind = "SET_HOME"
	Terminate    Kind = "TERMINATE"
)

// ReplyKind names a reply.
type ReplyKind string

const (
	Done     ReplyKind = "DONE"
	Homed    ReplyKind = "HOMED"
	Error    ReplyKind = "ERROR"
	Position ReplyKind = "POSITION" // a bare "x,y,z" line
)

// Command is a single request.
type Command struct {
	Kind   Kind
	Target robot.Position // MOVE only
}

// ExpectsReply reports whether the agent answers this command.
func (c Command) ExpectsReply() bool {
	return c.Kind != Terminate
}

// Encode renders the command as a wire line including the newline.
func (c Command) Encode() string {
	if c.Kind == Move {
		return string(Move) + " " + FormatPosition(c.Target) + "\n"
	}
	return string(c.Kind) + "\n"
}

func (c Command) String() string {
	return strings.TrimSuffix(c.Encode(), "\n")
}

// ParseCommand parses one line received by the agent.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	name, payload, _ := strings.Cut(line, " ")
	kind := Kind(strings.ToUpper(name))
	switch kind {
	case Move:
		p, err := ParsePosition(payload)
		if err != nil {
			return Command{}, fmt.Errorf("parse MOVE payload: %w", err)
		}
		return Command{Kind: Move, Target: p}, nil
	case GripperOpen, GripperClose, Home, Coords, SetHome, Terminate:
		if strings.TrimSpace(payload) != "" {
			return Command{}, fmt.Errorf("%s takes no payload", kind)
		}
		return Command{Kind: kind}, nil
	case "":
		return Command{}, fmt.Errorf("empty command")
	}
	return Command{}, fmt.Errorf("unknown command %q", name)
}

// Reply is the agent's answer to a command.
type Reply struct {
	Kind     ReplyKind
	Position robot.Position // Position replies only
	Reason   string         // Error replies only
}

// Encode renders the reply as a wire line including the newline.
func (r Reply) Encode() string {
	switch r.Kind {
	case Position:
		return FormatPosition(r.Position) + "\n"
	case Error:
		if r.Reason != "" {
			return string(Error) + " " + r.Reason + "\n"
		}
	}
	return string(r.Kind) + "\n"
}

func (r Reply) String() string {
	return strings.TrimSuffix(r.Encode(), "\n")
}

// ParseReply parses one line received by the supervisor.
func ParseReply(line string) (Reply, error) {
	line = strings.TrimSpace(line)
	head, rest, _ := strings.Cut(line, " ")
	switch ReplyKind(strings.ToUpper(head)) {
	case Done:
		return Reply{Kind: Done}, nil
	case Homed:
		return Reply{Kind: Homed}, nil
	case Error:
		return Reply{Kind: Error, Reason: strings.TrimSpace(rest)}, nil
	}
	p, err := ParsePosition(line)
	if err != nil {
		return Reply{}, fmt.Errorf("unrecognised reply %q", line)
	}
	return Reply{Kind: Position, Position: p}, nil
}

// FormatPosition renders "x,y,z" with the shortest exact representation.
func FormatPosition(p robot.Position) string {
	return formatFloat(p.X) + "," + formatFloat(p.Y) + "," + formatFloat(p.Z)
}

// ParsePosition parses "x,y,z".
func ParsePosition(s string) (robot.Position, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return robot.Position{}, fmt.Errorf("want x,y,z, got %q", s)
	}
	var v [3]float64
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return robot.Position{}, fmt.Errorf("coordinate %d: %w", i, err)
		}
		v[i] = f
	}
	return robot.Position{X: v[0], Y: v[1], Z: v[2]}, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
