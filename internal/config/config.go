// Package config loads server settings from defaults, an optional YAML file
// and GOV_* environment variables, in that order.
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

// Duration decodes Go duration strings ("90m", "12h") from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	PGDSN    string `yaml:"pg_dsn"`

	// TokenSecret signs session bearer tokens.
	TokenSecret string `yaml:"token_secret"`
	// AuthenticatorKey is the shared key the upstream identity provider
	// presents when opening sessions.
	AuthenticatorKey string `yaml:"authenticator_key"`

	Sessions SessionConfig `yaml:"sessions"`
	Grants   GrantConfig   `yaml:"grants"`
	Kafka    KafkaConfig   `yaml:"kafka"`
	Limits   LimitConfig   `yaml:"limits"`
}

type SessionConfig struct {
	IdleTimeout     Duration `yaml:"idle_timeout"`
	AbsoluteTimeout Duration `yaml:"absolute_timeout"`
}

type GrantConfig struct {
	OverrideCeiling      Duration `yaml:"override_ceiling"`
	ImpersonationCeiling Duration `yaml:"impersonation_ceiling"`
	SweepInterval        Duration `yaml:"sweep_interval"`
}

// KafkaConfig enables the audit exporter when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns a config that runs in memory on local ports.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		Sessions: SessionConfig{
			IdleTimeout:     Duration(30 * time.Minute),
			AbsoluteTimeout: Duration(12 * time.Hour),
		},
		Grants: GrantConfig{
			OverrideCeiling:      Duration(72 * time.Hour),
			ImpersonationCeiling: Duration(60 * time.Minute),
			SweepInterval:        Duration(30 * time.Second),
		},
		Kafka:  KafkaConfig{Topic: "governance.audit"},
		Limits: LimitConfig{RPS: 50, Burst: 100},
	}
}

// Load applies the YAML file at path (if any) and then the environment.
func Load(path string, env func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if env == nil {
		env = os.LookupEnv
	}
	if err := cfg.applyEnv(env); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(env func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := env(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *Duration) error {
		v, ok := env(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = Duration(d)
		return nil
	}

	str("GOV_HTTP_ADDR", &c.HTTPAddr)
	str("GOV_GRPC_ADDR", &c.GRPCAddr)
	str("GOV_PG_DSN", &c.PGDSN)
	str("GOV_TOKEN_SECRET", &c.TokenSecret)
	str("GOV_AUTHENTICATOR_KEY", &c.AuthenticatorKey)
	str("GOV_KAFKA_TOPIC", &c.Kafka.Topic)
	if v, ok := env("GOV_KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = splitList(v)
	}
	var errs []error
	errs = append(errs,
		dur("GOV_SESSION_IDLE_TIMEOUT", &c.Sessions.IdleTimeout),
		dur("GOV_SESSION_ABSOLUTE_TIMEOUT", &c.Sessions.AbsoluteTimeout),
		dur("GOV_OVERRIDE_CEILING", &c.Grants.OverrideCeiling),
		dur("GOV_IMPERSONATION_CEILING", &c.Grants.ImpersonationCeiling),
		dur("GOV_SWEEP_INTERVAL", &c.Grants.SweepInterval),
	)
	if v, ok := env("GOV_RATE_LIMIT_RPS"); ok {
		rps, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("GOV_RATE_LIMIT_RPS: %w", err))
		} else {
			c.Limits.RPS = rps
		}
	}
	if v, ok := env("GOV_RATE_LIMIT_BURST"); ok {
		burst, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("GOV_RATE_LIMIT_BURST: %w", err))
		} else {
			c.Limits.Burst = burst
		}
	}
	return errors.Join(errs...)
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.TokenSecret) == "" {
		errs = append(errs, errors.New("token_secret is required"))
	}
	if c.Sessions.IdleTimeout <= 0 || c.Sessions.AbsoluteTimeout <= 0 {
		errs = append(errs, errors.New("session timeouts must be positive"))
	}
	if c.Grants.OverrideCeiling <= 0 || c.Grants.ImpersonationCeiling <= 0 {
		errs = append(errs, errors.New("grant ceilings must be positive"))
	}
	if c.Grants.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	return errors.Join(errs...)
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
