package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for YAML documents. Absent keys leave defaults untouched.
type fileConfig struct {
	Debug                          *bool   `yaml:"debug"`
	RootDir                        *string `yaml:"root_dir"`
	LoggingPrefix                  *string `yaml:"logging_prefix"`
	LibraryVersion                 *string `yaml:"library_version"`
	IdentityFetchMaxRetries        *uint64 `yaml:"identity_fetch_max_retries"`
	IdentityFetchInitialIntervalMs *int64  `yaml:"identity_fetch_initial_interval_ms"`
	RequestTimeoutMs               *int64  `yaml:"request_timeout_ms"`
	WelcomeQueueSize               *int    `yaml:"welcome_queue_size"`
	EventBufferSize                *int    `yaml:"event_buffer_size"`
	WelcomeCursorIncrement         *bool   `yaml:"welcome_cursor_increment"`
}

// LoadFile reads a YAML config file and returns it as options. Options given after these to
// NewConfig win.
func LoadFile(path string) ([]Option, error) {
	b, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("config: error reading %s: %w", path, err)
	}
	return Parse(b)
}

func Parse(b []byte) ([]Option, error) {
	fc := fileConfig{}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, fmt.Errorf("config: error parsing yaml: %w", err)
	}

	opts := []Option{}
	if fc.Debug != nil {
		opts = append(opts, WithDebug(*fc.Debug))
	}
	if fc.RootDir != nil {
		opts = append(opts, WithRootDir(*fc.RootDir))
	}
	if fc.LoggingPrefix != nil {
		opts = append(opts, WithLoggingPrefix(*fc.LoggingPrefix))
	}
	if fc.LibraryVersion != nil {
		opts = append(opts, WithLibraryVersion(*fc.LibraryVersion))
	}
	if fc.IdentityFetchMaxRetries != nil {
		opts = append(opts, WithIdentityFetchMaxRetries(*fc.IdentityFetchMaxRetries))
	}
	if fc.IdentityFetchInitialIntervalMs != nil {
		opts = append(opts, WithIdentityFetchInitialIntervalMs(*fc.IdentityFetchInitialIntervalMs))
	}
	if fc.RequestTimeoutMs != nil {
		opts = append(opts, WithRequestTimeoutMs(*fc.RequestTimeoutMs))
	}
	if fc.WelcomeQueueSize != nil {
		opts = append(opts, WithWelcomeQueueSize(*fc.WelcomeQueueSize))
	}
	if fc.EventBufferSize != nil {
		opts = append(opts, WithEventBufferSize(*fc.EventBufferSize))
	}
	if fc.WelcomeCursorIncrement != nil {
		opts = append(opts, WithWelcomeCursorIncrement(*fc.WelcomeCursorIncrement))
	}
	return opts, nil
}
