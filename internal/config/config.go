// Package config loads process configuration for the fish tank binaries from
// environment variables, with an optional YAML file for the tank constants.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/fishtank/internal/tank"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// CoordinatorConfig configures cmd/coordinator.
type CoordinatorConfig struct {
	Addr             string        `env:"COORDINATOR_ADDR" envDefault:":8080"`
	StoreDriver      string        `env:"STORE_DRIVER" envDefault:"memory"`
	SQLitePath       string        `env:"SQLITE_PATH" envDefault:"fishtank.db"`
	TankFile         string        `env:"TANK_CONFIG"`
	TankWidth        float64       `env:"TANK_WIDTH" envDefault:"600"`
	TankHeight       float64       `env:"TANK_HEIGHT" envDefault:"600"`
	TankDepth        float64       `env:"TANK_DEPTH" envDefault:"600"`
	NumParticles     int           `env:"NUM_PARTICLES" envDefault:"20"`
	CollisionRadius  float64       `env:"COLLISION_RADIUS" envDefault:"20"`
	TickDuration     float64       `env:"TICK_DURATION" envDefault:"0.1"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1s"`
	WorkerTimeout    time.Duration `env:"WORKER_TIMEOUT" envDefault:"10s"`
	SnapshotInterval time.Duration `env:"SNAPSHOT_INTERVAL" envDefault:"500ms"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
}

// WorkerConfig configures cmd/worker.
type WorkerConfig struct {
	WorkerID       string        `env:"WORKER_ID"`
	Listen         string        `env:"WORKER_LISTEN" envDefault:":8081"`
	CoordinatorURL string        `env:"COORDINATOR_URL" envDefault:"http://127.0.0.1:8080"`
	TickInterval   time.Duration `env:"TICK_INTERVAL" envDefault:"100ms"`
	JoinAttempts   uint          `env:"JOIN_ATTEMPTS" envDefault:"10"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadCoordinator reads and validates the coordinator configuration.
func LoadCoordinator() (CoordinatorConfig, error) {
	var cfg CoordinatorConfig
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	switch cfg.StoreDriver {
	case DriverMemory, DriverSQLite:
	default:
		return cfg, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	if cfg.SweepInterval <= 0 || cfg.WorkerTimeout <= 0 || cfg.SnapshotInterval <= 0 {
		return cfg, fmt.Errorf("intervals must be positive")
	}
	if _, err := cfg.Tank(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWorker reads and validates the worker configuration.
func LoadWorker() (WorkerConfig, error) {
	var cfg WorkerConfig
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if cfg.TickInterval <= 0 {
		return cfg, fmt.Errorf("tick interval must be positive")
	}
	if cfg.JoinAttempts == 0 {
		return cfg, fmt.Errorf("join attempts must be at least 1")
	}
	return cfg, nil
}

// Tank returns the simulation constants: the env values, overridden by any
// field set in TankFile.
func (c CoordinatorConfig) Tank() (tank.Config, error) {
	cfg := tank.Config{
		Bounds:          tank.Bounds{Width: c.TankWidth, Height: c.TankHeight, Depth: c.TankDepth},
		NumParticles:    c.NumParticles,
		CollisionRadius: c.CollisionRadius,
		TickDuration:    c.TickDuration,
	}
	if c.TankFile != "" {
		var err error
		if cfg, err = LoadTankFile(c.TankFile, cfg); err != nil {
			return cfg, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("tank config: %w", err)
	}
	return cfg, nil
}

// LoadTankFile decodes a YAML tank file over base. Keys absent from the file
// keep base's values.
//
// Example:
//
//	bounds:
//	  width: 900
//	  height: 300
//	  depth: 300
//	numParticles: 50
func LoadTankFile(path string, base tank.Config) (tank.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read tank file: %w", err)
	}
	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("decode tank file %s: %w", path, err)
	}
	return cfg, nil
}

// Logger builds the process logger at the named level. Unknown levels fall
// back to info.
func Logger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
