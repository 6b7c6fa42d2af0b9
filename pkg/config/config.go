// Package config loads the colorsort configuration from file, environment
// and defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gwillem/colorsort/pkg/agent"
	"github.com/gwillem/colorsort/pkg/logging"
	"github.com/gwillem/colorsort/pkg/pickplace"
	"github.com/gwillem/colorsort/pkg/robot"
	"github.com/gwillem/colorsort/pkg/search"
	"github.com/gwillem/colorsort/pkg/servo"
	"github.com/gwillem/colorsort/pkg/sorting"
	"github.com/gwillem/colorsort/pkg/transport"
	"github.com/gwillem/colorsort/pkg/vision"
)

const (
	DefaultConfigFile = "colorsort.json"
	EnvPrefix         = "COLORSORT"
)

// LinkConfig describes how the supervisor reaches the agent and how the
// agent listens.
type LinkConfig struct {
	Address      string        `mapstructure:"address" json:"address"`
	Listen       string        `mapstructure:"listen" json:"listen"`
	SerialPort   string        `mapstructure:"serial_port" json:"serial_port,omitempty"`
	BaudRate     int           `mapstructure:"baud_rate" json:"baud_rate"`
	ReplyTimeout time.Duration `mapstructure:"reply_timeout" json:"reply_timeout"`
	HomeTimeout  time.Duration `mapstructure:"home_timeout" json:"home_timeout"`
}

// VisionConfig describes the camera and the color table.
type VisionConfig struct {
	CameraURL      string                      `mapstructure:"camera_url" json:"camera_url"`
	CameraTimeout  time.Duration               `mapstructure:"camera_timeout" json:"camera_timeout"`
	FPS            float64                     `mapstructure:"fps" json:"fps"`
	ReferenceColor string                      `mapstructure:"reference_color" json:"reference_color"`
	MarkerMinArea  float64                     `mapstructure:"marker_min_area" json:"marker_min_area"`
	TrackerMargin  int                         `mapstructure:"tracker_margin" json:"tracker_margin"`
	Calibration    vision.Calibration          `mapstructure:"calibration" json:"calibration"`
	Colors         map[string]vision.ColorSpec `mapstructure:"colors" json:"colors"`
}

// SimConfig describes the simulated table used with --sim.
type SimConfig struct {
	Seed     uint64  `mapstructure:"seed" json:"seed"`
	PerColor int     `mapstructure:"per_color" json:"per_color"`
	Radius   float64 `mapstructure:"radius" json:"radius"`
	Width    int     `mapstructure:"width" json:"width"`
	Height   int     `mapstructure:"height" json:"height"`
}

// Config is the whole configuration.
type Config struct {
	Agent     LinkConfig            `mapstructure:"agent" json:"agent"`
	Workspace robot.WorkspaceLimits `mapstructure:"workspace" json:"workspace"`
	DropZones robot.DropZones       `mapstructure:"drop_zones" json:"drop_zones"`
	Heights   pickplace.Config      `mapstructure:"heights" json:"heights"`
	Search    search.Config         `mapstructure:"search" json:"search"`
	Servo     servo.Config          `mapstructure:"servo" json:"servo"`
	Vision    VisionConfig          `mapstructure:"vision" json:"vision"`
	Sort      sorting.Config        `mapstructure:"sort" json:"sort"`
	Logger    logging.Config        `mapstructure:"logger" json:"logger"`
	Servos    agent.FeetechConfig   `mapstructure:"servos" json:"servos"`
	Sim       SimConfig             `mapstructure:"sim" json:"sim"`
}

// Default returns the configuration of the stock rig.
func Default() Config {
	return Config{
		Agent: LinkConfig{
			Address:      "127.0.0.1:9999",
			Listen:       ":9999",
			BaudRate:     115200,
			ReplyTimeout: transport.DefaultReplyTimeout,
			HomeTimeout:  transport.DefaultHomeTimeout,
		},
		Workspace: robot.DefaultLimits(),
		DropZones: robot.DefaultDropZones(),
		Heights:   pickplace.DefaultConfig(),
		Search:    search.DefaultConfig(),
		Servo:     servo.DefaultConfig(),
		Vision: VisionConfig{
			CameraURL:      "http://127.0.0.1:8080/snapshot.jpg",
			CameraTimeout:  2 * time.Second,
			FPS:            15,
			ReferenceColor: vision.DefaultReferenceColor,
			MarkerMinArea:  20,
			TrackerMargin:  20,
			Calibration:    vision.DefaultCalibration(),
			Colors:         vision.DefaultColors(),
		},
		Sort:   sorting.DefaultConfig(),
		Logger: logging.DefaultConfig(),
		Servos: agent.DefaultFeetechConfig(),
		Sim: SimConfig{
			Seed:     1,
			PerColor: 2,
			Radius:   0.5,
			Width:    320,
			Height:   240,
		},
	}
}

// SetDefaults registers the scalar defaults so that every one of them can
// be overridden from the environment (COLORSORT_SERVO_GAIN=0.4).
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("agent.address", d.Agent.Address)
	v.SetDefault("agent.listen", d.Agent.Listen)
	v.SetDefault("agent.serial_port", d.Agent.SerialPort)
	v.SetDefault("agent.baud_rate", d.Agent.BaudRate)
	v.SetDefault("agent.reply_timeout", d.Agent.ReplyTimeout)
	v.SetDefault("agent.home_timeout", d.Agent.HomeTimeout)

	v.SetDefault("workspace.x_min", d.Workspace.XMin)
	v.SetDefault("workspace.x_max", d.Workspace.XMax)
	v.SetDefault("workspace.y_min", d.Workspace.YMin)
	v.SetDefault("workspace.y_max", d.Workspace.YMax)
	v.SetDefault("workspace.z_min", d.Workspace.ZMin)
	v.SetDefault("workspace.z_max", d.Workspace.ZMax)

	v.SetDefault("drop_zones.margin", d.DropZones.Margin)

	v.SetDefault("heights.safe", d.Heights.Safe)
	v.SetDefault("heights.approach", d.Heights.Approach)
	v.SetDefault("heights.grip", d.Heights.Grip)
	v.SetDefault("heights.release", d.Heights.Release)
	v.SetDefault("heights.gripper_settle", d.Heights.GripperSettle)
	v.SetDefault("heights.open_before_pick", d.Heights.OpenBeforePick)

	v.SetDefault("search.region.x_min", d.Search.Region.XMin)
	v.SetDefault("search.region.x_max", d.Search.Region.XMax)
	v.SetDefault("search.region.y_min", d.Search.Region.YMin)
	v.SetDefault("search.region.y_max", d.Search.Region.YMax)
	v.SetDefault("search.z", d.Search.Z)
	v.SetDefault("search.step", d.Search.Step)
	v.SetDefault("search.settle", d.Search.Settle)
	v.SetDefault("search.min_area", d.Search.MinArea)

	v.SetDefault("servo.area_threshold", d.Servo.AreaThreshold)
	v.SetDefault("servo.distance_threshold", d.Servo.DistanceThreshold)
	v.SetDefault("servo.gain", d.Servo.Gain)
	v.SetDefault("servo.max_iterations", d.Servo.MaxIterations)
	v.SetDefault("servo.redetect_interval", d.Servo.RedetectInterval)
	v.SetDefault("servo.max_lost_frames", d.Servo.MaxLostFrames)
	v.SetDefault("servo.backoff_x", d.Servo.BackoffX)
	v.SetDefault("servo.backoff_y", d.Servo.BackoffY)
	v.SetDefault("servo.min_target_area", d.Servo.MinTargetArea)
	v.SetDefault("servo.settle", d.Servo.Settle)

	v.SetDefault("vision.camera_url", d.Vision.CameraURL)
	v.SetDefault("vision.camera_timeout", d.Vision.CameraTimeout)
	v.SetDefault("vision.fps", d.Vision.FPS)
	v.SetDefault("vision.reference_color", d.Vision.ReferenceColor)
	v.SetDefault("vision.marker_min_area", d.Vision.MarkerMinArea)
	v.SetDefault("vision.tracker_margin", d.Vision.TrackerMargin)
	v.SetDefault("vision.calibration.pixel_to_physical", d.Vision.Calibration.PixelToPhysical)
	v.SetDefault("vision.calibration.sign_x", d.Vision.Calibration.SignX)
	v.SetDefault("vision.calibration.sign_y", d.Vision.Calibration.SignY)
	v.SetDefault("vision.calibration.reference_x", d.Vision.Calibration.ReferenceX)
	v.SetDefault("vision.calibration.reference_y", d.Vision.Calibration.ReferenceY)

	v.SetDefault("sort.colors", d.Sort.Colors)
	v.SetDefault("sort.max_passes", d.Sort.MaxPasses)
	v.SetDefault("sort.max_stalled_passes", d.Sort.MaxStalledPasses)
	v.SetDefault("sort.retreat_timeout", d.Sort.RetreatTimeout)

	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.format", d.Logger.Format)
	v.SetDefault("logger.file", d.Logger.File)
	v.SetDefault("logger.max_size", d.Logger.MaxSize)
	v.SetDefault("logger.max_backups", d.Logger.MaxBackups)
	v.SetDefault("logger.max_age", d.Logger.MaxAge)
	v.SetDefault("logger.compress", d.Logger.Compress)

	v.SetDefault("servos.port", d.Servos.Port)
	v.SetDefault("servos.baud_rate", d.Servos.BaudRate)
	v.SetDefault("servos.calibration", d.Servos.Calibration)
	v.SetDefault("servos.tolerance", d.Servos.Tolerance)
	v.SetDefault("servos.move_timeout", d.Servos.MoveTimeout)
	v.SetDefault("servos.poll_interval", d.Servos.PollInterval)
	v.SetDefault("servos.gripper_time", d.Servos.GripperTime)

	v.SetDefault("sim.seed", d.Sim.Seed)
	v.SetDefault("sim.per_color", d.Sim.PerColor)
	v.SetDefault("sim.radius", d.Sim.Radius)
	v.SetDefault("sim.width", d.Sim.Width)
	v.SetDefault("sim.height", d.Sim.Height)
}

// NewViper returns a viper instance with defaults and environment binding.
// path may be empty, in which case DefaultConfigFile is used if present.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName(strings.TrimSuffix(DefaultConfigFile, ".json"))
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. A missing default file is not an error;
// a missing explicit file is.
func Load(path string) (*Config, error) {
	v := NewViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v. Maps such
// as drop zones and colors merge with the defaults.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Workspace.Validate(); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	if err := c.DropZones.Validate(); err != nil {
		return fmt.Errorf("drop_zones: %w", err)
	}
	if err := c.Heights.Validate(c.Workspace); err != nil {
		return fmt.Errorf("heights: %w", err)
	}
	if err := c.Search.Validate(); err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if err := c.Servo.Validate(); err != nil {
		return fmt.Errorf("servo: %w", err)
	}
	if err := c.Vision.Calibration.Validate(); err != nil {
		return fmt.Errorf("vision calibration: %w", err)
	}
	if _, ok := c.Vision.Colors[c.Vision.ReferenceColor]; !ok {
		return fmt.Errorf("vision: reference color %q has no HSV range", c.Vision.ReferenceColor)
	}
	if c.Vision.FPS <= 0 {
		return errors.New("vision: fps must be > 0")
	}
	if err := c.Sort.Validate(); err != nil {
		return fmt.Errorf("sort: %w", err)
	}
	for _, color := range c.Sort.Colors {
		if _, ok := c.Vision.Colors[color]; !ok {
			return fmt.Errorf("sort: color %q has no HSV range", color)
		}
	}
	if err := c.Logger.Validate(); err != nil {
		return err
	}
	if c.Agent.ReplyTimeout <= 0 || c.Agent.HomeTimeout <= 0 {
		return errors.New("agent: timeouts must be > 0")
	}
	return nil
}

// Save saves configuration to the default config file.
func (c *Config) Save() error {
	return c.SaveTo(DefaultConfigFile)
}

// SaveTo writes the configuration as indented JSON.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Exists reports whether the default config file exists.
func Exists() bool {
	_, err := os.Stat(DefaultConfigFile)
	return err == nil
}
