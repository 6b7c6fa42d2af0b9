// Package logging builds the zap logger shared by the supervisor and the
// agent.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log level, the console format and an optional
// rotating log file.
type Config struct {
	Level      string `mapstructure:"level" json:"level"`
	Format     string `mapstructure:"format" json:"format"` // console or json
	File       string `mapstructure:"file" json:"file,omitempty"`
	MaxSize    int    `mapstructure:"max_size" json:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" json:"max_age"` // days
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
	}
}

func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("logger level: %w", err)
	}
	switch c.Format {
	case "console", "json":
		return nil
	}
	return fmt.Errorf("logger format %q: want console or json", c.Format)
}

// Option adjusts New.
type Option func(*options)

type options struct {
	quiet bool
	cores []zapcore.Core
}

// WithoutConsole keeps log lines off stderr, for full-screen UIs.
func WithoutConsole() Option {
	return func(o *options) { o.quiet = true }
}

// WithCore tees entries into an additional core such as a ChannelSink.
func WithCore(c zapcore.Core) Option {
	return func(o *options) { o.cores = append(o.cores, c) }
}

// New builds a logger from cfg. The file, if any, always gets JSON.
func New(cfg Config, opts ...Option) (*zap.Logger, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logger level: %w", err)
	}

	var cores []zapcore.Core
	if !o.quiet {
		cores = append(cores, zapcore.NewCore(encoder(cfg.Format), zapcore.Lock(os.Stderr), level))
	}
	if cfg.File != "" {
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(encoder("json"), w, level))
	}
	cores = append(cores, o.cores...)

	return zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zap.ErrorLevel)), nil
}

func encoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder

	if format == "console" {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

// ChannelSink is a zapcore.Core that renders entries as short lines and
// offers them on a channel. Lines are dropped when the reader falls
// behind; logging never blocks.
type ChannelSink struct {
	zapcore.LevelEnabler
	enc zapcore.Encoder
	ch  chan string
}

// NewChannelSink returns a sink for entries at or above level, buffering
// up to size lines.
func NewChannelSink(level zapcore.LevelEnabler, size int) *ChannelSink {
	ec := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		NameKey:        "logger",
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeName:     zapcore.FullNameEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	return &ChannelSink{
		LevelEnabler: level,
		enc:          zapcore.NewConsoleEncoder(ec),
		ch:           make(chan string, size),
	}
}

// Lines returns the channel of rendered log lines.
func (s *ChannelSink) Lines() <-chan string {
	return s.ch
}

func (s *ChannelSink) With(fields []zapcore.Field) zapcore.Core {
	enc := s.enc.Clone()
	for _, f := range fields {
		f.AddTo(enc)
	}
	return &ChannelSink{LevelEnabler: s.LevelEnabler, enc: enc, ch: s.ch}
}

func (s *ChannelSink) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(ent.Level) {
		return ce.AddCore(ent, s)
	}
	return ce
}

func (s *ChannelSink) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	buf, err := s.enc.EncodeEntry(ent, fields)
	if err != nil {
		return err
	}
	line := strings.TrimRight(buf.String(), "\n")
	buf.Free()

	select {
	case s.ch <- line:
	default:
	}
	return nil
}

func (s *ChannelSink) Sync() error { return nil }
