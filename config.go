package strand

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config controls the server. The zero value is not usable; start from
// DefaultConfig and overlay a file, the environment and flags as needed.
type Config struct {
	// Listen is the host:port the runtime serves on. Port 0 picks an
	// ephemeral port, reported by Server.Addr after binding.
	Listen string

	// Workers sizes the worker pool. Each worker runs one scheduler on
	// one locked OS thread and owns its own listening socket.
	Workers int

	// MaxRequestBytes caps one request's total size, head plus body.
	// Larger requests are answered with a 413 and the connection closed.
	MaxRequestBytes int

	// IdleTimeout closes connections with no request activity. Zero
	// disables it.
	IdleTimeout time.Duration

	// DrainGrace bounds how long a draining worker waits for in-flight
	// requests before force-closing what remains.
	DrainGrace time.Duration

	// MaxConns caps concurrent connections per worker. Accepting pauses
	// at the cap and resumes as connections close.
	MaxConns int

	// AcceptRate limits accepted connections per second per peer IP,
	// with AcceptBurst as the bucket size. Zero disables the limiter.
	AcceptRate  float64
	AcceptBurst int

	// PoolSize caps the goroutines running Async and Stream work.
	PoolSize int

	Restart RestartConfig

	// LogLevel and MetricsListen are consumed by the daemon wrapper,
	// not by the runtime itself.
	LogLevel      string
	MetricsListen string
}

// RestartConfig bounds worker crash handling.
type RestartConfig struct {
	// InitialDelay, MaxDelay and Multiplier shape the per-slot
	// exponential backoff between a crash and its replacement.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Budget crashes within BudgetWindow, counted across all workers,
	// abort the process instead of restarting forever.
	Budget       int
	BudgetWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		Listen:          ":8000",
		Workers:         1,
		MaxRequestBytes: 1 << 20,
		IdleTimeout:     60 * time.Second,
		DrainGrace:      30 * time.Second,
		MaxConns:        1000,
		AcceptBurst:     8,
		PoolSize:        256,
		Restart: RestartConfig{
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			Budget:       5,
			BudgetWindow: time.Minute,
		},
		LogLevel: "info",
	}
}

// LoadConfig builds a Config from defaults, the first existing candidate
// file, and the environment, in that order.
func LoadConfig(candidates ...string) (Config, error) {
	cfg := DefaultConfig()
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := cfg.LoadFile(p); err != nil {
			return cfg, err
		}
		break
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// fileConfig mirrors Config for yaml with pointer fields, so absent keys
// are told apart from explicit zeroes, and durations given as strings.
type fileConfig struct {
	Listen          *string  `yaml:"listen"`
	Workers         *int     `yaml:"workers"`
	MaxRequestBytes *int     `yaml:"max_request_bytes"`
	IdleTimeout     *string  `yaml:"idle_timeout"`
	DrainGrace      *string  `yaml:"drain_grace"`
	MaxConns        *int     `yaml:"max_conns"`
	AcceptRate      *float64 `yaml:"accept_rate"`
	AcceptBurst     *int     `yaml:"accept_burst"`
	PoolSize        *int     `yaml:"pool_size"`
	LogLevel        *string  `yaml:"log_level"`
	MetricsListen   *string  `yaml:"metrics_listen"`
	Restart         *struct {
		InitialDelay *string  `yaml:"initial_delay"`
		MaxDelay     *string  `yaml:"max_delay"`
		Multiplier   *float64 `yaml:"multiplier"`
		Budget       *int     `yaml:"budget"`
		BudgetWindow *string  `yaml:"budget_window"`
	} `yaml:"restart"`
}

// LoadFile overlays the yaml file at path onto c. Missing keys keep
// their current values.
func (c *Config) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setStr(&c.Listen, fc.Listen)
	setInt(&c.Workers, fc.Workers)
	setInt(&c.MaxRequestBytes, fc.MaxRequestBytes)
	setInt(&c.MaxConns, fc.MaxConns)
	setInt(&c.AcceptBurst, fc.AcceptBurst)
	setInt(&c.PoolSize, fc.PoolSize)
	setFloat(&c.AcceptRate, fc.AcceptRate)
	setStr(&c.LogLevel, fc.LogLevel)
	setStr(&c.MetricsListen, fc.MetricsListen)
	if err := setDur(&c.IdleTimeout, fc.IdleTimeout, "idle_timeout"); err != nil {
		return err
	}
	if err := setDur(&c.DrainGrace, fc.DrainGrace, "drain_grace"); err != nil {
		return err
	}
	if fc.Restart != nil {
		r := fc.Restart
		setFloat(&c.Restart.Multiplier, r.Multiplier)
		setInt(&c.Restart.Budget, r.Budget)
		if err := setDur(&c.Restart.InitialDelay, r.InitialDelay, "restart.initial_delay"); err != nil {
			return err
		}
		if err := setDur(&c.Restart.MaxDelay, r.MaxDelay, "restart.max_delay"); err != nil {
			return err
		}
		if err := setDur(&c.Restart.BudgetWindow, r.BudgetWindow, "restart.budget_window"); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEnv overlays STRAND_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv("STRAND_LISTEN"); ok {
		c.Listen = v
	}
	if v, ok := os.LookupEnv("STRAND_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("STRAND_METRICS_LISTEN"); ok {
		c.MetricsListen = v
	}
	for _, e := range []struct {
		key string
		dst *int
	}{
		{"STRAND_WORKERS", &c.Workers},
		{"STRAND_MAX_REQUEST_BYTES", &c.MaxRequestBytes},
		{"STRAND_MAX_CONNS", &c.MaxConns},
		{"STRAND_ACCEPT_BURST", &c.AcceptBurst},
		{"STRAND_POOL_SIZE", &c.PoolSize},
		{"STRAND_RESTART_BUDGET", &c.Restart.Budget},
	} {
		if v, ok := os.LookupEnv(e.key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = n
		}
	}
	for _, e := range []struct {
		key string
		dst *time.Duration
	}{
		{"STRAND_IDLE_TIMEOUT", &c.IdleTimeout},
		{"STRAND_DRAIN_GRACE", &c.DrainGrace},
		{"STRAND_RESTART_INITIAL_DELAY", &c.Restart.InitialDelay},
		{"STRAND_RESTART_MAX_DELAY", &c.Restart.MaxDelay},
		{"STRAND_RESTART_BUDGET_WINDOW", &c.Restart.BudgetWindow},
	} {
		if v, ok := os.LookupEnv(e.key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = d
		}
	}
	if v, ok := os.LookupEnv("STRAND_ACCEPT_RATE"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("STRAND_ACCEPT_RATE: %w", err)
		}
		c.AcceptRate = f
	}
	return nil
}

// Validate rejects configurations the runtime cannot serve.
func (c *Config) Validate() error {
	switch {
	case c.Listen == "":
		return fmt.Errorf("config: listen address required")
	case c.Workers < 1:
		return fmt.Errorf("config: workers must be at least 1, got %d", c.Workers)
	case c.MaxRequestBytes < 64:
		return fmt.Errorf("config: max_request_bytes too small: %d", c.MaxRequestBytes)
	case c.MaxConns < 1:
		return fmt.Errorf("config: max_conns must be at least 1, got %d", c.MaxConns)
	case c.PoolSize < 1:
		return fmt.Errorf("config: pool_size must be at least 1, got %d", c.PoolSize)
	case c.AcceptRate < 0:
		return fmt.Errorf("config: accept_rate must not be negative")
	case c.IdleTimeout < 0 || c.DrainGrace < 0:
		return fmt.Errorf("config: timeouts must not be negative")
	}
	r := c.Restart
	switch {
	case r.InitialDelay <= 0:
		return fmt.Errorf("config: restart.initial_delay must be positive")
	case r.MaxDelay < r.InitialDelay:
		return fmt.Errorf("config: restart.max_delay below restart.initial_delay")
	case r.Multiplier < 1:
		return fmt.Errorf("config: restart.multiplier must be at least 1")
	case r.Budget < 1:
		return fmt.Errorf("config: restart.budget must be at least 1, got %d", r.Budget)
	case r.BudgetWindow <= 0:
		return fmt.Errorf("config: restart.budget_window must be positive")
	}
	return nil
}

func setStr(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setDur(dst *time.Duration, v *string, key string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("config %s: %w", key, err)
	}
	*dst = d
	return nil
}
