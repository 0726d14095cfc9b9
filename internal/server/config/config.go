// Copyright 2025 Nguyen Nhat Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	env "github.com/caarlos0/env/v11"

	"github.com/ngnhng/sahale/internal/server/types"
	"github.com/ngnhng/sahale/pkg/activity"
)

// Config holds the complete application configuration
type Config struct {
	Service  string        `json:"service_name" env:"APP_NAME"    envDefault:"sahale"`
	Version  string        `json:"version"      env:"VERSION"     envDefault:"v0.1.0"`
	Mode     types.Mode    `json:"mode"         env:"MODE"        envDefault:"debug"`
	NATS     NATSConfig    `json:"nats"         envPrefix:"NATS_"`
	Server   ServerConfig  `json:"server"       envPrefix:"SERVER_"`
	Timeouts TimeoutConfig `json:"timeouts"     envPrefix:"TIMEOUTS_"`
	Logger   LoggerConfig  `json:"logger"`
	Store    StoreConfig   `json:"store"        envPrefix:"STORE_"`
	Engine   EngineConfig  `json:"engine"       envPrefix:"ENGINE_"`
	Retry    RetryConfig   `json:"retry"        envPrefix:"RETRY_"`
}

type ServerConfig struct {
	Host string `json:"host" env:"HOST" envDefault:"localhost"`
	Port string `json:"port" env:"PORT" envDefault:"8080"`
}

// TimeoutConfig holds timeout-related configuration
type TimeoutConfig struct {
	RequestTimeout  time.Duration `json:"request_timeout"  env:"REQUEST_TIMEOUT"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Log backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendPebble   = "pebble"
	BackendRedis    = "redis"
	BackendNATS     = "nats"
)

// StoreConfig selects the durable execution log backend.
type StoreConfig struct {
	Backend     string `json:"backend"      env:"BACKEND"      envDefault:"sqlite"`
	SQLitePath  string `json:"sqlite_path"  env:"SQLITE_PATH"  envDefault:"sahale.db"`
	PostgresDSN string `json:"postgres_dsn" env:"POSTGRES_DSN"`
	PebbleDir   string `json:"pebble_dir"   env:"PEBBLE_DIR"   envDefault:"sahale-pebble"`
	RedisAddr   string `json:"redis_addr"   env:"REDIS_ADDR"   envDefault:"localhost:6379"`
	RedisDB     int    `json:"redis_db"     env:"REDIS_DB"`
	RedisPrefix string `json:"redis_prefix" env:"REDIS_PREFIX" envDefault:"sahale"`
}

// EngineConfig tunes the orchestration runtime.
type EngineConfig struct {
	Workers int `json:"workers" env:"WORKERS" envDefault:"4"`
	// Dispatch is local (in-process handlers only) or nats (hosted
	// activities reached over request/reply).
	Dispatch  string `json:"dispatch"   env:"DISPATCH"   envDefault:"nats"`
	WakeQueue string `json:"wake_queue" env:"WAKE_QUEUE" envDefault:"nats"`
	Serde     string `json:"serde"      env:"SERDE"      envDefault:"json"`
	Recover   bool   `json:"recover"    env:"RECOVER"    envDefault:"true"`
}

// RetryConfig is the retry policy for activities registered without one.
type RetryConfig struct {
	InitialInterval    time.Duration `json:"initial_interval"    env:"INITIAL_INTERVAL"    envDefault:"1s"`
	BackoffCoefficient float64       `json:"backoff_coefficient" env:"BACKOFF_COEFFICIENT" envDefault:"2"`
	MaximumInterval    time.Duration `json:"maximum_interval"    env:"MAXIMUM_INTERVAL"    envDefault:"1m"`
	Jitter             time.Duration `json:"jitter"              env:"JITTER"`
	MaximumAttempts    int32         `json:"maximum_attempts"    env:"MAXIMUM_ATTEMPTS"    envDefault:"3"`
}

// Policy converts the config into an activity retry policy.
func (r RetryConfig) Policy() *activity.RetryPolicy {
	return &activity.RetryPolicy{
		InitialInterval:    r.InitialInterval,
		BackoffCoefficient: r.BackoffCoefficient,
		MaximumInterval:    r.MaximumInterval,
		Jitter:             r.Jitter,
		MaximumAttempts:    r.MaximumAttempts,
	}
}

func LoadConfig() (*Config, error) {
	cfg := Config{
		NATS: NATSConfig{
			Host:          DefaultNATSHost,
			Port:          DefaultNATSPort,
			MaxReconnects: DefaultMaxReconnects,
			ReconnectWait: DefaultReconnectWait,
			DrainTimeout:  DefaultDrainTimeout,
			PingInterval:  DefaultPingInterval,
			MaxPingsOut:   DefaultMaxPingsOut,
			ClientName:    "sahale",
		},
		Timeouts: TimeoutConfig{
			RequestTimeout: DefaultRequestTimeout,
		},
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = fmt.Sprintf("nats://%s:%s", cfg.NATS.Host, cfg.NATS.Port)
	}

	return &cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Service != "", "service name is required")
	check(c.Version != "", "version is required")

	check(c.NATS.Host != "", "NATS host is required")
	check(c.NATS.Port != "", "NATS port is required")
	if c.NATS.Port != "" {
		_, err := strconv.ParseUint(c.NATS.Port, 10, 16)
		check(err == nil, "invalid NATS port %q", c.NATS.Port)
	}
	check(c.NATS.URL != "", "NATS URL is required")
	check(c.NATS.MaxReconnects >= -1, "NATS max reconnects must be >= -1")
	check(c.NATS.ReconnectWait > 0, "NATS reconnect wait must be positive")
	check(c.NATS.DrainTimeout > 0, "NATS drain timeout must be positive")

	check(c.Server.Host != "", "server host is required")
	check(c.Server.Port != "", "server port is required")
	if c.Server.Port != "" {
		_, err := strconv.ParseUint(c.Server.Port, 10, 16)
		check(err == nil, "invalid server port %q", c.Server.Port)
	}

	if err := c.Logger.validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Store.validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Engine.validate(); err != nil {
		errs = append(errs, err)
	}
	check(c.Retry.BackoffCoefficient == 0 || c.Retry.BackoffCoefficient >= 1,
		"retry backoff coefficient must be >= 1")
	check(c.Retry.MaximumAttempts >= 0, "retry maximum attempts must be >= 0")

	return errors.Join(errs...)
}

func (s StoreConfig) validate() error {
	// The zero value is a Config built by hand without a store section.
	switch s.Backend {
	case "", BackendMemory, BackendNATS:
		return nil
	case BackendSQLite:
		if s.SQLitePath == "" {
			return errors.New("STORE_SQLITE_PATH is required for the sqlite backend")
		}
	case BackendPostgres:
		if s.PostgresDSN == "" {
			return errors.New("STORE_POSTGRES_DSN is required for the postgres backend")
		}
	case BackendPebble:
		if s.PebbleDir == "" {
			return errors.New("STORE_PEBBLE_DIR is required for the pebble backend")
		}
	case BackendRedis:
		if s.RedisAddr == "" {
			return errors.New("STORE_REDIS_ADDR is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", s.Backend)
	}
	return nil
}

func (e EngineConfig) validate() error {
	var errs []error
	if e.Workers < 0 {
		errs = append(errs, errors.New("engine workers must not be negative"))
	}
	oneOf := func(name, v string, allowed ...string) {
		if v != "" && !slices.Contains(allowed, v) {
			errs = append(errs, fmt.Errorf("invalid %s %q (want one of %v)", name, v, allowed))
		}
	}
	oneOf("engine dispatch", e.Dispatch, "local", "nats")
	oneOf("engine wake queue", e.WakeQueue, "local", "nats")
	oneOf("engine serde", e.Serde, "json", "msgpack")
	return errors.Join(errs...)
}

func (c *Config) ServiceName() string {
	return c.Service
}

func (c *Config) GetVersion() string {
	return c.Version
}
