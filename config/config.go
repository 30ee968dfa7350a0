// This package defines a common config struct which can be used by any subsystem within convo.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug                          bool
	RootDir                        string
	LoggingPrefix                  string
	LibraryVersion                 string
	IdentityFetchMaxRetries        uint64
	IdentityFetchInitialIntervalMs int64
	RequestTimeoutMs               int64
	WelcomeQueueSize               int
	EventBufferSize                int
	WelcomeCursorIncrement         bool
	writer                         io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(de), zapcore.AddSync(os.Stdout), level),
	}
	if c.writer != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level))
	}
	return zap.New(zapcore.NewTee(cores...), opts...).Sugar()
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

// Version of this installation, compared against the minimum version a group declares.
func WithLibraryVersion(v string) Option {
	return func(c *Config) {
		c.LibraryVersion = v
	}
}

func WithIdentityFetchMaxRetries(n uint64) Option {
	return func(c *Config) {
		c.IdentityFetchMaxRetries = n
	}
}

func WithIdentityFetchInitialIntervalMs(n int64) Option {
	return func(c *Config) {
		c.IdentityFetchInitialIntervalMs = n
	}
}

func WithRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.RequestTimeoutMs = n
	}
}

func WithWelcomeQueueSize(n int) Option {
	return func(c *Config) {
		c.WelcomeQueueSize = n
	}
}

func WithEventBufferSize(n int) Option {
	return func(c *Config) {
		c.EventBufferSize = n
	}
}

// When enabled, welcomes failing with a non-retryable error still advance the welcome cursor.
func WithWelcomeCursorIncrement(b bool) Option {
	return func(c *Config) {
		c.WelcomeCursorIncrement = b
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                          os.Getenv("DEBUG") == "1",
		RootDir:                        ".",
		LoggingPrefix:                  "",
		LibraryVersion:                 "1.0.0",
		IdentityFetchMaxRetries:        3,
		IdentityFetchInitialIntervalMs: 50,
		RequestTimeoutMs:               5000,
		WelcomeQueueSize:               100,
		EventBufferSize:                100,
		WelcomeCursorIncrement:         true,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	c.writer = &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return c
}
