package app

import "errors"

// Config holds the invocation settings that come from the command line
// rather than the run file.
type Config struct {
	ConfigPath string // hcl run file

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	Workers         int // overrides run.max_workers when > 0
	ReportPath      string
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.ConfigPath == "" {
		return nil, errors.New("ConfigPath is a required configuration field and cannot be empty")
	}
	if cfg.Workers < 0 {
		return nil, errors.New("Workers must not be negative")
	}
	return &cfg, nil
}
