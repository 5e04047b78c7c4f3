package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/ematvey/NanoEngineer-1/internal/optimization/minimize"
	"github.com/ematvey/NanoEngineer-1/internal/structure"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Minimize struct {
		IterationLimit      int     `env:"MIN_ITERATION_LIMIT" envDefault:"400"`
		Tolerance           float64 `env:"MIN_TOLERANCE" envDefault:"1e-8"`
		GradientDelta       float64 `env:"MIN_GRADIENT_DELTA" envDefault:"1e-8"`
		MessageBufferLength int     `env:"MIN_MESSAGE_BUFFER" envDefault:"1024"`
		Algorithm           string  `env:"MIN_ALGORITHM" envDefault:"polak-ribiere"`
		LinearAlgorithm     string  `env:"MIN_LINEAR_ALGORITHM" envDefault:"brent"`
		EndRMS              float64 `env:"MIN_END_RMS" envDefault:"1.0"`
		EndMax              float64 `env:"MIN_END_MAX" envDefault:"5.0"`
		CutoverRMS          float64 `env:"MIN_CUTOVER_RMS" envDefault:"50"`
		CutoverMax          float64 `env:"MIN_CUTOVER_MAX" envDefault:"250"`
		MaxJobs             int     `env:"MIN_MAX_JOBS" envDefault:"16"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unknown method names and limits that cannot work.
func (c *Config) Validate() error {
	m := c.Minimize
	if _, err := minimize.ParseAlgorithm(m.Algorithm); err != nil {
		return fmt.Errorf("MIN_ALGORITHM: %w", err)
	}
	if _, err := minimize.ParseLinearAlgorithm(m.LinearAlgorithm); err != nil {
		return fmt.Errorf("MIN_LINEAR_ALGORITHM: %w", err)
	}
	switch {
	case c.HTTP.Port <= 0 || c.HTTP.Port > 65535:
		return fmt.Errorf("HTTP_PORT: %d out of range", c.HTTP.Port)
	case m.IterationLimit <= 0:
		return fmt.Errorf("MIN_ITERATION_LIMIT: must be positive, got %d", m.IterationLimit)
	case m.Tolerance <= 0:
		return fmt.Errorf("MIN_TOLERANCE: must be positive, got %g", m.Tolerance)
	case m.GradientDelta <= 0:
		return fmt.Errorf("MIN_GRADIENT_DELTA: must be positive, got %g", m.GradientDelta)
	case m.MessageBufferLength < 0:
		return fmt.Errorf("MIN_MESSAGE_BUFFER: must not be negative, got %d", m.MessageBufferLength)
	case m.MaxJobs <= 0:
		return fmt.Errorf("MIN_MAX_JOBS: must be positive, got %d", m.MaxJobs)
	}
	if err := c.Thresholds().Validate(); err != nil {
		return fmt.Errorf("MIN_END_*/MIN_CUTOVER_*: %w", err)
	}
	return nil
}

// Thresholds returns the structure minimization thresholds.
func (c *Config) Thresholds() structure.Thresholds {
	return structure.Thresholds{
		EndRMS:     c.Minimize.EndRMS,
		EndMax:     c.Minimize.EndMax,
		CutoverRMS: c.Minimize.CutoverRMS,
		CutoverMax: c.Minimize.CutoverMax,
	}
}

// GetEnv returns the value of the environment variable or the default value
func GetEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt returns the value of the environment variable as int or the default value
func GetEnvAsInt(key string, defaultValue int) int {
	valueStr := GetEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
