// Package config loads server configuration from a TOML file, then applies
// environment overrides. Command-line flags are applied last by cmd/server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/warp/obligation-engine/engine"
)

// Config holds all server configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Forecast  ForecastConfig  `toml:"forecast"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Log       LogConfig       `toml:"log"`
}

type ServerConfig struct {
	Port           int      `toml:"port"`
	RequestTimeout string   `toml:"request_timeout"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `toml:"path"` // ":memory:" for an ephemeral database
}

// ForecastConfig mirrors engine.ForecastSettings with TOML-friendly types.
type ForecastConfig struct {
	VariableWeight         float64 `toml:"variable_weight"`
	HistoryMonths          int     `toml:"history_months"`
	LowBalanceThreshold    float64 `toml:"low_balance_threshold"`
	DailyConfidenceDecay   float64 `toml:"daily_confidence_decay"`
	DailyConfidenceFloor   float64 `toml:"daily_confidence_floor"`
	MonthlyConfidenceDecay float64 `toml:"monthly_confidence_decay"`
	MonthlyConfidenceFloor float64 `toml:"monthly_confidence_floor"`
}

// SchedulerConfig controls the batch forecast job.
type SchedulerConfig struct {
	Enabled       bool   `toml:"enabled"`
	Interval      string `toml:"interval"`
	Workers       int    `toml:"workers"` // 0 = GOMAXPROCS
	HorizonDays   int    `toml:"horizon_days"`
	HorizonMonths int    `toml:"horizon_months"`
}

type LogConfig struct {
	Level       string `toml:"level"` // debug, info, warn, error
	Development bool   `toml:"development"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	s := engine.DefaultForecastSettings()
	weight, _ := s.VariableWeight.Float64()
	threshold, _ := s.LowBalanceThreshold.Float64()
	return Config{
		Server: ServerConfig{
			Port:           8080,
			RequestTimeout: "30s",
			AllowedOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			Path: "obligations.db",
		},
		Forecast: ForecastConfig{
			VariableWeight:         weight,
			HistoryMonths:          s.HistoryMonths,
			LowBalanceThreshold:    threshold,
			DailyConfidenceDecay:   s.DailyConfidenceDecay,
			DailyConfidenceFloor:   s.DailyConfidenceFloor,
			MonthlyConfidenceDecay: s.MonthlyConfidenceDecay,
			MonthlyConfidenceFloor: s.MonthlyConfidenceFloor,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			Interval:      "6h",
			HorizonDays:   30,
			HorizonMonths: 6,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path, returning defaults if it doesn't
// exist. An empty path also means defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Environment variables recognized by ApplyEnv.
const (
	EnvPort                = "OBLIGATION_PORT"
	EnvDBPath              = "OBLIGATION_DB_PATH"
	EnvLogLevel            = "OBLIGATION_LOG_LEVEL"
	EnvLowBalanceThreshold = "OBLIGATION_LOW_BALANCE_THRESHOLD"
)

// ApplyEnv overrides file values with any environment variables that are set.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvLowBalanceThreshold); v != "" {
		threshold, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvLowBalanceThreshold, err)
		}
		c.Forecast.LowBalanceThreshold = threshold
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := time.ParseDuration(c.Server.RequestTimeout); err != nil {
		errs = append(errs, fmt.Errorf("server.request_timeout: %w", err))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	f := c.Forecast
	if f.VariableWeight < 0 || f.VariableWeight > 1 {
		errs = append(errs, fmt.Errorf("forecast.variable_weight %v must be within [0, 1]", f.VariableWeight))
	}
	if f.HistoryMonths < 1 {
		errs = append(errs, fmt.Errorf("forecast.history_months %d must be at least 1", f.HistoryMonths))
	}
	for name, v := range map[string]float64{
		"daily_confidence_floor":   f.DailyConfidenceFloor,
		"monthly_confidence_floor": f.MonthlyConfidenceFloor,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("forecast.%s %v must be within [0, 1]", name, v))
		}
	}

	s := c.Scheduler
	if interval, err := time.ParseDuration(s.Interval); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.interval: %w", err))
	} else if interval <= 0 {
		errs = append(errs, errors.New("scheduler.interval must be positive"))
	}
	if s.Workers < 0 {
		errs = append(errs, errors.New("scheduler.workers must not be negative"))
	}
	if s.HorizonDays < 1 || s.HorizonDays > engine.MaxForecastDays {
		errs = append(errs, fmt.Errorf("scheduler.horizon_days must be within [1, %d]", engine.MaxForecastDays))
	}
	if s.HorizonMonths < 1 || s.HorizonMonths > engine.MaxForecastMonths {
		errs = append(errs, fmt.Errorf("scheduler.horizon_months must be within [1, %d]", engine.MaxForecastMonths))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}

	return errors.Join(errs...)
}

// ForecastSettings converts the forecast section for the engine.
func (c Config) ForecastSettings() engine.ForecastSettings {
	f := c.Forecast
	return engine.ForecastSettings{
		VariableWeight:         decimal.NewFromFloat(f.VariableWeight),
		HistoryMonths:          f.HistoryMonths,
		LowBalanceThreshold:    decimal.NewFromFloat(f.LowBalanceThreshold),
		DailyConfidenceDecay:   f.DailyConfidenceDecay,
		DailyConfidenceFloor:   f.DailyConfidenceFloor,
		MonthlyConfidenceDecay: f.MonthlyConfidenceDecay,
		MonthlyConfidenceFloor: f.MonthlyConfidenceFloor,
	}
}

// RequestTimeout returns the parsed server timeout. Call after Validate.
func (c Config) RequestTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Server.RequestTimeout)
	return d
}

// SchedulerInterval returns the parsed batch interval. Call after Validate.
func (c Config) SchedulerInterval() time.Duration {
	d, _ := time.ParseDuration(c.Scheduler.Interval)
	return d
}
