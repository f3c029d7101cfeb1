// Package config loads provider settings from an optional YAML file named by
// SIF_CONFIG, overridden by SIF_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the provider configuration. Durations are whole seconds in the
// file and in the environment.
type Config struct {
	Job      JobConfig      `yaml:"job"`
	Startup  StartupConfig  `yaml:"startup"`
	HTTP     AddrConfig     `yaml:"http"`
	GRPC     AddrConfig     `yaml:"grpc"`
	PG       PGConfig       `yaml:"pg"`
	Auth     AuthConfig     `yaml:"auth"`
	Broker   BrokerConfig   `yaml:"broker"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
	Rate     RateConfig     `yaml:"rate"`
	Demo     DemoConfig     `yaml:"demo"`
}

// JobConfig selects functional services and job behaviour.
type JobConfig struct {
	// Classes lists the registered services to run; "any" runs all of them.
	Classes Classes       `yaml:"classes"`
	Binding bool          `yaml:"binding"`
	Timeout TimeoutConfig `yaml:"timeout"`
}

// TimeoutConfig controls the expired-job sweep.
type TimeoutConfig struct {
	Enabled   bool `yaml:"enabled"`
	Frequency int  `yaml:"frequency"`
}

type StartupConfig struct {
	Delay int `yaml:"delay"`
}

type AddrConfig struct {
	Addr string `yaml:"addr"`
}

type PGConfig struct {
	DSN string `yaml:"dsn"`
	// Migrate applies pending schema migrations and seeds at start-up.
	Migrate bool `yaml:"migrate"`
}

type AuthConfig struct {
	Mode string     `yaml:"mode"`
	HMAC HMACConfig `yaml:"hmac"`
}

type HMACConfig struct {
	MaxAge int `yaml:"max_age"`
}

// BrokerConfig is the identity whose session brokered mode accepts.
type BrokerConfig struct {
	ApplicationKey string `yaml:"application_key"`
	SolutionID     string `yaml:"solution_id"`
	UserToken      string `yaml:"user_token"`
	InstanceID     string `yaml:"instance_id"`
}

type ShutdownConfig struct {
	Grace int `yaml:"grace"`
}

type RateConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// DemoConfig seeds an application register when running without Postgres.
type DemoConfig struct {
	ApplicationKey string `yaml:"application_key"`
	SharedSecret   string `yaml:"shared_secret"`
}

// Classes accepts either a YAML list or a comma separated string.
type Classes []string

func (c *Classes) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = splitList(node.Value)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*c = list
		return nil
	}
	return fmt.Errorf("job.classes: expected a string or a list at line %d", node.Line)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Job: JobConfig{
			Classes: Classes{"any"},
			Binding: true,
			Timeout: TimeoutConfig{Enabled: true, Frequency: 60},
		},
		HTTP:     AddrConfig{Addr: ":8080"},
		GRPC:     AddrConfig{Addr: ":9090"},
		Auth:     AuthConfig{Mode: "direct", HMAC: HMACConfig{MaxAge: 900}},
		Shutdown: ShutdownConfig{Grace: 10},
		Rate:     RateConfig{RPS: 50, Burst: 100},
	}
}

// Load reads SIF_CONFIG if set, then applies SIF_* overrides from the process
// environment.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("SIF_CONFIG"), os.LookupEnv)
}

// LoadFrom loads path (skipped when empty) and applies overrides from lookup.
func LoadFrom(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	if v, ok := lookup("SIF_JOB_CLASSES"); ok {
		c.Job.Classes = splitList(v)
	}
	boolean("SIF_JOB_BINDING", &c.Job.Binding)
	boolean("SIF_JOB_TIMEOUT_ENABLED", &c.Job.Timeout.Enabled)
	integer("SIF_JOB_TIMEOUT_FREQUENCY", &c.Job.Timeout.Frequency)
	integer("SIF_STARTUP_DELAY", &c.Startup.Delay)
	str("SIF_HTTP_ADDR", &c.HTTP.Addr)
	str("SIF_GRPC_ADDR", &c.GRPC.Addr)
	str("SIF_PG_DSN", &c.PG.DSN)
	boolean("SIF_PG_MIGRATE", &c.PG.Migrate)
	str("SIF_AUTH_MODE", &c.Auth.Mode)
	integer("SIF_AUTH_HMAC_MAX_AGE", &c.Auth.HMAC.MaxAge)
	str("SIF_BROKER_APPLICATION_KEY", &c.Broker.ApplicationKey)
	str("SIF_BROKER_SOLUTION_ID", &c.Broker.SolutionID)
	str("SIF_BROKER_USER_TOKEN", &c.Broker.UserToken)
	str("SIF_BROKER_INSTANCE_ID", &c.Broker.InstanceID)
	integer("SIF_SHUTDOWN_GRACE", &c.Shutdown.Grace)
	integer("SIF_RATE_BURST", &c.Rate.Burst)
	if v, ok := lookup("SIF_RATE_RPS"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: SIF_RATE_RPS: %w", err))
		} else {
			c.Rate.RPS = f
		}
	}
	str("SIF_DEMO_APPLICATION_KEY", &c.Demo.ApplicationKey)
	str("SIF_DEMO_SHARED_SECRET", &c.Demo.SharedSecret)
	return errors.Join(errs...)
}

// Validate rejects negative durations and an incomplete brokered identity.
func (c *Config) Validate() error {
	var errs []error
	for name, v := range map[string]int{
		"startup.delay":         c.Startup.Delay,
		"job.timeout.frequency": c.Job.Timeout.Frequency,
		"auth.hmac.max_age":     c.Auth.HMAC.MaxAge,
		"shutdown.grace":        c.Shutdown.Grace,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("config: %s must not be negative", name))
		}
	}
	switch strings.ToLower(c.Auth.Mode) {
	case "", "direct":
	case "brokered":
		if c.Broker.ApplicationKey == "" {
			errs = append(errs, errors.New("config: brokered mode requires broker.application_key"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown auth.mode %q", c.Auth.Mode))
	}
	return errors.Join(errs...)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// StartupDelay is the pause between starting consecutive services.
func (c *Config) StartupDelay() time.Duration { return seconds(c.Startup.Delay) }

// TimeoutFrequency is the sweep interval; zero disables the sweep.
func (c *Config) TimeoutFrequency() time.Duration { return seconds(c.Job.Timeout.Frequency) }

// HMACMaxAge is the token freshness window; zero disables the check.
func (c *Config) HMACMaxAge() time.Duration { return seconds(c.Auth.HMAC.MaxAge) }

// ShutdownGrace bounds how long shutdown waits for goroutines.
func (c *Config) ShutdownGrace() time.Duration { return seconds(c.Shutdown.Grace) }
