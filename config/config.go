/*
Package config loads the server configuration.

PURPOSE:
  Reads optional .env files, then parses environment variables into Config.
  Values already present in the environment win over .env files.

KEYS:
  PORT                HTTP port (default 8080)
  DB_PATH             SQLite path, ":memory:" for an in-memory database
  LOG_LEVEL           logrus level (debug, info, warn, error)
  LOG_FORMAT          text | json
  LOG_FILE            rotating log file; empty means stdout only
  CORS_ORIGINS        comma separated allowed origins; empty means localhost only,
                      "*" is rejected since requests carry credentials
  SCHEDULER_ENABLED   run the periodic recompute of the current month
  RECOMPUTE_INTERVAL  period between scheduled recomputes
  RECOMPUTE_WORKERS   sellers recomputed in parallel
  SHUTDOWN_TIMEOUT    grace period for in-flight requests

SEE ALSO:
  - cmd/server/main.go: flags override these values
  - logger/logger.go: consumes the LOG_* keys
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config holds everything the server needs at startup.
type Config struct {
	Port   int    `env:"PORT" envDefault:"8080"`
	DBPath string `env:"DB_PATH" envDefault:"commission.db"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogFile   string `env:"LOG_FILE"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	SchedulerEnabled  bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	RecomputeInterval time.Duration `env:"RECOMPUTE_INTERVAL" envDefault:"1h"`
	RecomputeWorkers  int           `env:"RECOMPUTE_WORKERS" envDefault:"4"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads the given .env files, skipping any that do not exist, then
// parses the environment. With no files it tries ".env".
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("invalid PORT %d", c.Port)
	case c.DBPath == "":
		return errors.New("DB_PATH is required")
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("invalid LOG_FORMAT %q", c.LogFormat)
	case c.RecomputeWorkers < 1:
		return fmt.Errorf("invalid RECOMPUTE_WORKERS %d", c.RecomputeWorkers)
	case c.SchedulerEnabled && c.RecomputeInterval <= 0:
		return fmt.Errorf("invalid RECOMPUTE_INTERVAL %s", c.RecomputeInterval)
	}
	for _, o := range c.CORSOrigins {
		if o == "*" {
			return errors.New("CORS_ORIGINS cannot contain \"*\": credentialed requests need explicit origins")
		}
	}
	return nil
}
