package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/gwillem/colorsort/pkg/protocol"
	"github.com/gwillem/colorsort/pkg/robot"
)

type MoveCommand struct {
	Open      bool `long:"open" description:"Open the gripper"`
	Close     bool `long:"close" description:"Close the gripper"`
	Home      bool `long:"home" description:"Return to the home pose"`
	SetHome   bool `long:"set-home" description:"Make the current pose the home pose"`
	Where     bool `long:"where" description:"Print the current pose"`
	Terminate bool `long:"terminate" description:"Return home and end the agent session"`

	Args struct {
		Target []string `positional-arg-name:"x y z" description:"Target pose in cm, as x y z or x,y,z (put -- before negative values)"`
	} `positional-args:"yes"`
}

// Execute runs the requested actions in a fixed order: gripper open, move,
// gripper close, home, set-home, where, terminate.
func (c *MoveCommand) Execute(args []string) error {
	target, hasTarget, err := parseTarget(c.Args.Target)
	if err != nil {
		return err
	}
	if !hasTarget && !c.Open && !c.Close && !c.Home && !c.SetHome && !c.Where && !c.Terminate {
		return errors.New("nothing to do: give a target pose or an action flag")
	}
	if c.Open && c.Close {
		return errors.New("--open and --close are exclusive")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	guard := robot.NewGuard(client, cfg.Workspace, logger)

	steps := []struct {
		on bool
		fn func() error
	}{
		{c.Open, func() error { return guard.GripperOpen(ctx) }},
		{hasTarget, func() error { return guard.Move(ctx, target) }},
		{c.Close, func() error { return guard.GripperClose(ctx) }},
		{c.Home, func() error { return guard.Home(ctx) }},
		{c.SetHome, func() error { return guard.SetHome(ctx) }},
		{c.Where, func() error {
			p, err := guard.QueryPosition(ctx)
			if err != nil {
				return err
			}
			fmt.Println(p)
			return nil
		}},
	}
	for _, s := range steps {
		if !s.on {
			continue
		}
		if err := s.fn(); err != nil {
			client.Close()
			return err
		}
	}

	if c.Terminate {
		return guard.Terminate()
	}
	if err := client.Close(); err != nil {
		logger.Debug("close link", zap.Error(err))
	}
	return nil
}

// parseTarget accepts "x y z" as three arguments or "x,y,z" as one.
func parseTarget(args []string) (robot.Position, bool, error) {
	switch len(args) {
	case 0:
		return robot.Position{}, false, nil
	case 1, 3:
		p, err := protocol.ParsePosition(strings.Join(args, ","))
		if err != nil {
			return robot.Position{}, false, fmt.Errorf("target: %w", err)
		}
		return p, true, nil
	default:
		return robot.Position{}, false, fmt.Errorf("target needs x y z, got %d values", len(args))
	}
}
