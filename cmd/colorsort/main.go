package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/gwillem/colorsort/pkg/config"
	"github.com/gwillem/colorsort/pkg/logging"
)

type Options struct {
	Config  string `short:"c" long:"config" description:"Config file (JSON or YAML, default colorsort.json if present)"`
	EnvFile string `long:"env-file" default:".env" description:"Environment file with COLORSORT_* overrides"`

	Agent AgentCommand `command:"agent" description:"Run the motion agent that drives the gantry"`
	Sort  SortCommand  `command:"sort" description:"Search, align, pick and place until the table is clear"`
	Setup SetupCommand `command:"setup" description:"Configure the link and calibrate the servo bus"`
	Move  MoveCommand  `command:"move" description:"Send single commands to the agent"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "colorsort - eye-in-hand color sorter for a 3-axis Cartesian gantry"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

// loadConfig reads the .env file and the configuration file.
func loadConfig() (*config.Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return config.Load(opts.Config)
}

func newLogger(cfg *config.Config, o ...logging.Option) (*zap.Logger, error) {
	logger, err := logging.New(cfg.Logger, o...)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return logger, nil
}
