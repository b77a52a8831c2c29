package codepod

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"

	"codepod/internal/engine"
	"codepod/internal/pool"
	"codepod/internal/session"
	"codepod/internal/store"
	"codepod/internal/truncate"
)

// OutputOptions bound captured command output.
type OutputOptions struct {
	// MaxBytes is the per-stream retention budget.
	MaxBytes int
	// Strategy selects which part of an over-budget stream survives.
	Strategy truncate.Strategy
	// Message is the truncation notice; its "{0}" placeholder receives the
	// omitted byte count.
	Message string
}

// Config is the full library configuration. DefaultConfig gives a runnable
// baseline; LoadConfig layers CODEPOD_* environment variables on top.
type Config struct {
	// Engine
	DockerHost        string
	Image             string
	Workdir           string
	LabelPrefix       string
	StopGrace         time.Duration
	WindowsContainers bool

	// Store
	StoreDriver string
	StoreDSN    string

	// Pool
	PrewarmCount  int
	MaxContainers int

	// Sessions. SessionTimeout is both the default inactivity budget and
	// the ceiling for per-session overrides.
	SessionTimeout time.Duration
	SweepInterval  time.Duration

	// Resources
	DefaultLimits  ResourceLimits
	MaxLimits      ResourceLimits
	DefaultNetwork NetworkMode

	// Exec. CommandTimeout is both the default and the ceiling for
	// per-command overrides.
	CommandTimeout time.Duration
	Output         OutputOptions

	// Environment selects the logger mode in the binaries; ListenAddr is
	// consumed by the HTTP façade only.
	Environment string
	ListenAddr  string
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		Image:       "python:3.11-slim",
		Workdir:     "/workspace",
		LabelPrefix: "codepod",
		StopGrace:   2 * time.Second,

		StoreDriver: store.DriverSQLite,
		StoreDSN:    "codepod.db",

		PrewarmCount:  1,
		MaxContainers: 5,

		SessionTimeout: 300 * time.Second,
		SweepInterval:  5 * time.Second,

		DefaultLimits:  ResourceLimits{MemoryBytes: 512 * 1024 * 1024, CPUCores: 1, MaxProcesses: 256},
		MaxLimits:      ResourceLimits{MemoryBytes: 2048 * 1024 * 1024, CPUCores: 4, MaxProcesses: 1024},
		DefaultNetwork: NetworkNone,

		CommandTimeout: 120 * time.Second,
		Output: OutputOptions{
			MaxBytes: 1024 * 1024,
			Strategy: truncate.HeadAndTail,
			Message:  "\n... [{0} bytes truncated] ...\n",
		},

		Environment: "development",
		ListenAddr:  ":8080",
	}
}

// LoadConfig reads CODEPOD_* environment variables over DefaultConfig and
// validates the result. Memory sizes accept human-readable values ("512m",
// "2g").
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	cfg.DockerHost = envOr("CODEPOD_DOCKER_HOST", cfg.DockerHost)
	cfg.Image = envOr("CODEPOD_IMAGE", cfg.Image)
	cfg.Workdir = envOr("CODEPOD_WORKDIR", cfg.Workdir)
	cfg.LabelPrefix = envOr("CODEPOD_LABEL_PREFIX", cfg.LabelPrefix)
	cfg.WindowsContainers = envBool("CODEPOD_WINDOWS_CONTAINERS", cfg.WindowsContainers)

	cfg.StoreDriver = envOr("CODEPOD_STORE_DRIVER", cfg.StoreDriver)
	cfg.StoreDSN = envOr("CODEPOD_STORE_DSN", cfg.StoreDSN)

	var err error
	if cfg.PrewarmCount, err = envInt("CODEPOD_PREWARM_COUNT", cfg.PrewarmCount); err != nil {
		return cfg, err
	}
	if cfg.MaxContainers, err = envInt("CODEPOD_MAX_CONTAINERS", cfg.MaxContainers); err != nil {
		return cfg, err
	}
	if cfg.SessionTimeout, err = envSeconds("CODEPOD_SESSION_TIMEOUT_SECONDS", cfg.SessionTimeout); err != nil {
		return cfg, err
	}
	if cfg.SweepInterval, err = envSeconds("CODEPOD_SWEEP_INTERVAL_SECONDS", cfg.SweepInterval); err != nil {
		return cfg, err
	}
	if cfg.CommandTimeout, err = envSeconds("CODEPOD_COMMAND_TIMEOUT_SECONDS", cfg.CommandTimeout); err != nil {
		return cfg, err
	}

	if cfg.DefaultLimits.MemoryBytes, err = envRAM("CODEPOD_DEFAULT_MEMORY", cfg.DefaultLimits.MemoryBytes); err != nil {
		return cfg, err
	}
	if cfg.MaxLimits.MemoryBytes, err = envRAM("CODEPOD_MAX_MEMORY", cfg.MaxLimits.MemoryBytes); err != nil {
		return cfg, err
	}
	if cfg.DefaultLimits.CPUCores, err = envFloat("CODEPOD_DEFAULT_CPUS", cfg.DefaultLimits.CPUCores); err != nil {
		return cfg, err
	}
	if cfg.MaxLimits.CPUCores, err = envFloat("CODEPOD_MAX_CPUS", cfg.MaxLimits.CPUCores); err != nil {
		return cfg, err
	}
	if cfg.DefaultLimits.MaxProcesses, err = envInt64("CODEPOD_DEFAULT_PIDS", cfg.DefaultLimits.MaxProcesses); err != nil {
		return cfg, err
	}
	if cfg.MaxLimits.MaxProcesses, err = envInt64("CODEPOD_MAX_PIDS", cfg.MaxLimits.MaxProcesses); err != nil {
		return cfg, err
	}
	cfg.DefaultNetwork = NetworkMode(envOr("CODEPOD_DEFAULT_NETWORK", string(cfg.DefaultNetwork)))

	if cfg.Output.MaxBytes, err = envInt("CODEPOD_MAX_OUTPUT_BYTES", cfg.Output.MaxBytes); err != nil {
		return cfg, err
	}
	cfg.Output.Strategy = truncate.Strategy(strings.ToLower(envOr("CODEPOD_TRUNCATION_STRATEGY", string(cfg.Output.Strategy))))
	cfg.Output.Message = envOr("CODEPOD_TRUNCATION_MESSAGE", cfg.Output.Message)

	cfg.Environment = envOr("CODEPOD_ENV", cfg.Environment)
	cfg.ListenAddr = envOr("CODEPOD_LISTEN_ADDR", cfg.ListenAddr)

	return cfg, cfg.Validate()
}

// Validate enforces every configured bound.
func (c Config) Validate() error {
	if c.Image == "" {
		return fmt.Errorf("%w: image must be set", ErrInvalidArgument)
	}
	if c.Workdir == "" || (!c.WindowsContainers && !strings.HasPrefix(c.Workdir, "/")) {
		return fmt.Errorf("%w: workdir must be an absolute path", ErrInvalidArgument)
	}
	if c.LabelPrefix == "" {
		return fmt.Errorf("%w: label_prefix must be set", ErrInvalidArgument)
	}
	if c.MaxContainers < 1 {
		return fmt.Errorf("%w: max_containers must be at least 1", ErrInvalidArgument)
	}
	if c.PrewarmCount < 0 {
		return fmt.Errorf("%w: prewarm_count must not be negative", ErrInvalidArgument)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("%w: session_timeout_seconds must be positive", ErrInvalidArgument)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep_interval must be positive", ErrInvalidArgument)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("%w: command_timeout_seconds must be positive", ErrInvalidArgument)
	}
	if !c.DefaultLimits.Positive() || !c.MaxLimits.Positive() {
		return fmt.Errorf("%w: resource limits must be positive", ErrInvalidArgument)
	}
	if !c.DefaultLimits.Within(c.MaxLimits) {
		return fmt.Errorf("%w: default resource limits exceed the maximum", ErrInvalidArgument)
	}
	switch c.DefaultNetwork {
	case NetworkNone, NetworkBridge, NetworkHost:
	default:
		return fmt.Errorf("%w: unknown network mode %q", ErrInvalidArgument, c.DefaultNetwork)
	}
	if c.Output.MaxBytes <= 0 {
		return fmt.Errorf("%w: max_output_bytes must be positive", ErrInvalidArgument)
	}
	if !c.Output.Strategy.Valid() {
		return fmt.Errorf("%w: unknown truncation strategy %q", ErrInvalidArgument, c.Output.Strategy)
	}
	if !strings.Contains(c.Output.Message, "{0}") {
		return fmt.Errorf("%w: truncation message must contain the {0} placeholder", ErrInvalidArgument)
	}
	switch c.StoreDriver {
	case store.DriverSQLite, store.DriverPostgres, store.DriverBolt:
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalidArgument, c.StoreDriver)
	}
	return nil
}

func (c Config) engineConfig() engine.Config {
	return engine.Config{
		Host:        c.DockerHost,
		LabelPrefix: c.LabelPrefix,
		Windows:     c.WindowsContainers,
		StopGrace:   c.StopGrace,
	}
}

func (c Config) poolConfig() pool.Config {
	return pool.Config{
		Image:          c.Image,
		Workdir:        c.Workdir,
		LabelPrefix:    c.LabelPrefix,
		MaxContainers:  c.MaxContainers,
		PrewarmCount:   c.PrewarmCount,
		DefaultLimits:  c.DefaultLimits,
		DefaultNetwork: c.DefaultNetwork,
	}
}

func (c Config) sessionConfig() session.Config {
	return session.Config{
		DefaultLimits:     c.DefaultLimits,
		MaxLimits:         c.MaxLimits,
		DefaultNetwork:    c.DefaultNetwork,
		DefaultTimeout:    c.SessionTimeout,
		MaxTimeout:        c.SessionTimeout,
		Workdir:           c.Workdir,
		WindowsContainers: c.WindowsContainers,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidArgument, key, v)
	}
	return n, nil
}

func envInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidArgument, key, v)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidArgument, key, v)
	}
	return f, nil
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidArgument, key, v)
	}
	return time.Duration(n) * time.Second, nil
}

func envRAM(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s=%q is not a memory size", ErrInvalidArgument, key, v)
	}
	return n, nil
}
