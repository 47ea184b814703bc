// Package config collects every tunable of the solver service into one
// structure validated at startup. Values come from built-in defaults, an
// optional YAML file, then environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "160s".
type Duration time.Duration

// UnmarshalYAML parses duration strings ("90s", "2m30s").
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Browser holds the session runtime options.
type Browser struct {
	Runtime    string   `yaml:"runtime"`
	Headless   bool     `yaml:"headless"`
	NavTimeout Duration `yaml:"nav_timeout"`
}

// Config is the full configuration surface of the service.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	SecretsFile string `yaml:"secrets_file"`

	PoolSize       int      `yaml:"pool_size"`
	ExecTimeout    Duration `yaml:"exec_timeout"`
	GracePeriod    Duration `yaml:"grace_period"`
	OuterTimeout   Duration `yaml:"outer_timeout"`
	LaunchTimeout  Duration `yaml:"launch_timeout"`
	MaxQueueLength int      `yaml:"max_queue_length"`
	MaxQueueWait   Duration `yaml:"max_queue_wait"`
	MaxRetries     int      `yaml:"max_retries"`

	Browser Browser `yaml:"browser"`

	RedisAddr string `yaml:"redis_addr"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`

	LLMModel string `yaml:"llm_model"`
}

// Default returns the documented defaults. The execution budget keeps a
// 20-second margin under the 3-minute outer timeout the deployment imposes,
// so the engine always observes a timeout before the surrounding server does.
func Default() Config {
	return Config{
		ListenAddr:  ":8000",
		SecretsFile: "secrets.json",

		PoolSize:       4,
		ExecTimeout:    Duration(160 * time.Second),
		GracePeriod:    Duration(5 * time.Second),
		OuterTimeout:   Duration(180 * time.Second),
		LaunchTimeout:  Duration(30 * time.Second),
		MaxQueueLength: 8,
		MaxQueueWait:   Duration(30 * time.Second),
		MaxRetries:     2,

		Browser: Browser{
			Runtime:    "playwright",
			Headless:   true,
			NavTimeout: Duration(60 * time.Second),
		},

		RateLimitBurst: 4,
	}
}

// Load builds the configuration from defaults, the YAML file at path (when
// non-empty), and environment overrides, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setDuration := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}

	setString("SOLVER_LISTEN_ADDR", &c.ListenAddr)
	setString("SOLVER_SECRETS_FILE", &c.SecretsFile)
	setInt("SOLVER_POOL_SIZE", &c.PoolSize)
	setDuration("SOLVER_EXEC_TIMEOUT", &c.ExecTimeout)
	setDuration("SOLVER_GRACE_PERIOD", &c.GracePeriod)
	setDuration("SOLVER_OUTER_TIMEOUT", &c.OuterTimeout)
	setDuration("SOLVER_LAUNCH_TIMEOUT", &c.LaunchTimeout)
	setInt("SOLVER_MAX_QUEUE", &c.MaxQueueLength)
	setDuration("SOLVER_MAX_QUEUE_WAIT", &c.MaxQueueWait)
	setInt("SOLVER_MAX_RETRIES", &c.MaxRetries)
	setString("SOLVER_BROWSER_RUNTIME", &c.Browser.Runtime)
	setString("SOLVER_REDIS_ADDR", &c.RedisAddr)
	setInt("SOLVER_RATE_BURST", &c.RateLimitBurst)
	setString("SOLVER_LLM_MODEL", &c.LLMModel)

	if v := os.Getenv("SOLVER_BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Browser.Headless = b
		}
	}
	if v := os.Getenv("SOLVER_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimitRPS = f
		}
	}
}

// Validate checks the invariants the engine relies on, most importantly
// that the execution budget plus grace stays below the outer timeout.
func (c *Config) Validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("exec_timeout must be positive")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace_period must be positive")
	}
	if c.MaxQueueLength < 0 {
		return fmt.Errorf("max_queue_length must not be negative")
	}
	if c.MaxQueueLength > 0 && c.MaxQueueWait <= 0 {
		return fmt.Errorf("max_queue_wait must be positive when queueing is enabled")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if c.OuterTimeout <= 0 {
		return fmt.Errorf("outer_timeout must be positive")
	}
	if c.ExecTimeout.Std()+c.GracePeriod.Std() >= c.OuterTimeout.Std() {
		return fmt.Errorf("exec_timeout (%s) plus grace_period (%s) must stay below outer_timeout (%s)",
			c.ExecTimeout.Std(), c.GracePeriod.Std(), c.OuterTimeout.Std())
	}
	return nil
}
