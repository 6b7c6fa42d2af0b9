package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/gwillem/colorsort/pkg/agent"
	"github.com/gwillem/colorsort/pkg/robot"
)

type AgentCommand struct {
	Sim    bool   `long:"sim" description:"Drive a simulated gantry (no servos)"`
	Serial bool   `long:"serial" description:"Serve the supervisor on agent.serial_port instead of TCP"`
	Listen string `long:"listen" description:"TCP address to listen on (overrides agent.listen)"`
}

func (c *AgentCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	logger = logger.Named("agent")
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var driver agent.Driver
	if c.Sim {
		driver = agent.NewSimDriver(robot.Position{}, nil)
		logger.Info("using simulated gantry")
	} else {
		cal, err := agent.LoadCalibration(cfg.Servos.Calibration)
		if err != nil {
			return fmt.Errorf("%w (run 'colorsort setup' first)", err)
		}
		fd, err := agent.OpenFeetech(ctx, cfg.Servos, cal, logger)
		if err != nil {
			return err
		}
		driver = fd
	}
	defer func() {
		if err := driver.Close(); err != nil {
			logger.Warn("closing driver", zap.Error(err))
		}
	}()

	srv := agent.NewServer(driver, agent.Options{Limits: &cfg.Workspace, Logger: logger})

	if c.Serial {
		if cfg.Agent.SerialPort == "" {
			return fmt.Errorf("no serial port configured (set agent.serial_port)")
		}
		return agent.ServeSerial(ctx, cfg.Agent.SerialPort, cfg.Agent.BaudRate, srv)
	}
	addr := cfg.Agent.Listen
	if c.Listen != "" {
		addr = c.Listen
	}
	return agent.Listen(ctx, addr, srv)
}
