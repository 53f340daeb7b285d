// Package config assembles coordinator configuration from defaults, an
// optional YAML file, and environment variables (highest priority), in
// the same layered style as the teacher's internal/daemon/config.go —
// ApplyDefaults, then Validate, called in that order by the caller.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ContextMode selects how task context is delivered to the agent prompt.
type ContextMode string

const (
	ContextLazy ContextMode = "lazy"
	ContextFull ContextMode = "full"
)

// Config holds every tunable named in spec.md §6.
type Config struct {
	MaxConcurrentAgents    int           `yaml:"max_concurrent_agents"`
	PollInterval           time.Duration `yaml:"poll_interval"`
	SwarmDir               string        `yaml:"swarm_dir"`
	HealthCheckTimeout     time.Duration `yaml:"health_check_timeout"`
	SkipHealthCheck        bool          `yaml:"skip_health_check"`
	ContextMode            ContextMode   `yaml:"context_mode"`
	MaxEssentialRequirements int         `yaml:"max_essential_requirements"`
	MaxInlineContextChars  int           `yaml:"max_inline_context_chars"`
	InitialTimeout         time.Duration `yaml:"initial_timeout"`
	MaxTimeout             time.Duration `yaml:"max_timeout"`
	TimeoutExtension       time.Duration `yaml:"timeout_extension"`
	ActivityWindow         time.Duration `yaml:"activity_window"`
	MinOutputBursts        int           `yaml:"min_output_bursts"`
	HeartbeatCheckInterval time.Duration `yaml:"heartbeat_check_interval"`
	SilenceWarning         time.Duration `yaml:"silence_warning"`
	HeartbeatTimeout       time.Duration `yaml:"heartbeat_timeout"`
	EnableIncrementalFiles bool          `yaml:"enable_incremental_files"`

	// AgentBinary is the command used to launch an agent session, e.g.
	// "agent-cli run --format json". Not named in spec.md's env var table
	// (which focuses on the coordinator's own tunables) but required to
	// actually spawn anything; defaults to a placeholder that must be
	// overridden via SWARM_AGENT_CMD in real deployments.
	AgentBinary string `yaml:"agent_binary"`

	// MetricsAddr, when non-empty, serves /metrics on this address.
	MetricsAddr string `yaml:"metrics_addr"`

	Logger *slog.Logger `yaml:"-"`
}

// Defaults mirror spec.md §6 exactly.
const (
	DefaultMaxConcurrentAgents      = 5
	DefaultPollInterval             = 1000 * time.Millisecond
	DefaultSwarmDir                 = ".swarm"
	DefaultHealthCheckTimeout       = 15000 * time.Millisecond
	DefaultMaxEssentialRequirements = 3
	DefaultMaxInlineContextChars    = 500
	DefaultInitialTimeout           = 60000 * time.Millisecond
	DefaultMaxTimeout               = 240000 * time.Millisecond
	DefaultTimeoutExtension         = 60000 * time.Millisecond
	DefaultActivityWindow           = 30000 * time.Millisecond
	DefaultMinOutputBursts          = 2
	DefaultHeartbeatCheckInterval   = 15000 * time.Millisecond
	DefaultSilenceWarning           = 45000 * time.Millisecond
	DefaultHeartbeatTimeout         = 90000 * time.Millisecond
	DefaultAgentBinary              = "agent-cli"
)

// ApplyDefaults fills zero-valued fields with spec defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxConcurrentAgents == 0 {
		c.MaxConcurrentAgents = DefaultMaxConcurrentAgents
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SwarmDir == "" {
		c.SwarmDir = DefaultSwarmDir
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if c.ContextMode == "" {
		c.ContextMode = ContextLazy
	}
	if c.MaxEssentialRequirements == 0 {
		c.MaxEssentialRequirements = DefaultMaxEssentialRequirements
	}
	if c.MaxInlineContextChars == 0 {
		c.MaxInlineContextChars = DefaultMaxInlineContextChars
	}
	if c.InitialTimeout == 0 {
		c.InitialTimeout = DefaultInitialTimeout
	}
	if c.MaxTimeout == 0 {
		c.MaxTimeout = DefaultMaxTimeout
	}
	if c.TimeoutExtension == 0 {
		c.TimeoutExtension = DefaultTimeoutExtension
	}
	if c.ActivityWindow == 0 {
		c.ActivityWindow = DefaultActivityWindow
	}
	if c.MinOutputBursts == 0 {
		c.MinOutputBursts = DefaultMinOutputBursts
	}
	if c.HeartbeatCheckInterval == 0 {
		c.HeartbeatCheckInterval = DefaultHeartbeatCheckInterval
	}
	if c.SilenceWarning == 0 {
		c.SilenceWarning = DefaultSilenceWarning
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.AgentBinary == "" {
		c.AgentBinary = DefaultAgentBinary
	}
	// EnableIncrementalFiles defaults to true, unlike every other bool
	// field here: false is a meaningful explicit choice, not just "the
	// caller hasn't set this yet", so a plain zero-check can't guard it
	// the way the rest of this method does. Set the default unconditionally
	// here; LoadFile recovers an explicit YAML "false" with its own
	// *bool-typed parse of that one key, and Load's final envBool call
	// carries whatever this resolves to forward as its own fallback.
	c.EnableIncrementalFiles = true
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks that configuration values are coherent. Call after
// ApplyDefaults.
func (c *Config) Validate() error {
	if c.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("max-concurrent-agents must be positive, got %d", c.MaxConcurrentAgents)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive, got %v", c.PollInterval)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("health-check-timeout must be positive, got %v", c.HealthCheckTimeout)
	}
	if c.ContextMode != ContextLazy && c.ContextMode != ContextFull {
		return fmt.Errorf("context-mode must be %q or %q, got %q", ContextLazy, ContextFull, c.ContextMode)
	}
	if c.MaxEssentialRequirements < 0 {
		return fmt.Errorf("max-essential-requirements must be non-negative, got %d", c.MaxEssentialRequirements)
	}
	if c.MaxInlineContextChars < 0 {
		return fmt.Errorf("max-inline-context-chars must be non-negative, got %d", c.MaxInlineContextChars)
	}
	if c.InitialTimeout <= 0 {
		return fmt.Errorf("initial-timeout must be positive, got %v", c.InitialTimeout)
	}
	if c.MaxTimeout < c.InitialTimeout {
		return fmt.Errorf("max-timeout (%v) must be >= initial-timeout (%v)", c.MaxTimeout, c.InitialTimeout)
	}
	if c.TimeoutExtension <= 0 {
		return fmt.Errorf("timeout-extension must be positive, got %v", c.TimeoutExtension)
	}
	if c.ActivityWindow <= 0 {
		return fmt.Errorf("activity-window must be positive, got %v", c.ActivityWindow)
	}
	if c.MinOutputBursts <= 0 {
		return fmt.Errorf("min-output-bursts must be positive, got %d", c.MinOutputBursts)
	}
	if c.HeartbeatCheckInterval <= 0 {
		return fmt.Errorf("heartbeat-check-interval must be positive, got %v", c.HeartbeatCheckInterval)
	}
	if c.HeartbeatTimeout <= c.SilenceWarning {
		return fmt.Errorf("heartbeat-timeout (%v) must exceed silence-warning (%v)", c.HeartbeatTimeout, c.SilenceWarning)
	}
	if c.AgentBinary == "" {
		return fmt.Errorf("agent-binary must not be empty")
	}

	abs, err := filepath.Abs(c.SwarmDir)
	if err != nil {
		return fmt.Errorf("resolving swarm-dir %q: %w", c.SwarmDir, err)
	}
	c.SwarmDir = abs

	return nil
}

// LoadFile reads an optional YAML config file. Only zero-valued fields on
// into are overwritten — environment variables applied before calling this
// (or after, see Load) take precedence depending on call order. Returns
// nil without error if the file does not exist.
func LoadFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	mergeZero(&file, into)

	// enable_incremental_files defaults to true, so a plain bool can't
	// tell "the file omitted this key" apart from "the file explicitly
	// set it to false" — both decode to the zero value, and mergeZero's
	// usual zero-check can only ever see a decoded false, never know
	// whether it was meant. Parse just that one key as a *bool to recover
	// the distinction and apply an explicit false, if present, on top.
	var toggle struct {
		EnableIncrementalFiles *bool `yaml:"enable_incremental_files"`
	}
	if err := yaml.Unmarshal(data, &toggle); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if toggle.EnableIncrementalFiles != nil {
		into.EnableIncrementalFiles = *toggle.EnableIncrementalFiles
	}

	return nil
}

func mergeZero(src, dst *Config) {
	if dst.MaxConcurrentAgents == 0 {
		dst.MaxConcurrentAgents = src.MaxConcurrentAgents
	}
	if dst.PollInterval == 0 {
		dst.PollInterval = src.PollInterval
	}
	if dst.SwarmDir == "" {
		dst.SwarmDir = src.SwarmDir
	}
	if dst.HealthCheckTimeout == 0 {
		dst.HealthCheckTimeout = src.HealthCheckTimeout
	}
	if dst.ContextMode == "" {
		dst.ContextMode = src.ContextMode
	}
	if dst.MaxEssentialRequirements == 0 {
		dst.MaxEssentialRequirements = src.MaxEssentialRequirements
	}
	if dst.MaxInlineContextChars == 0 {
		dst.MaxInlineContextChars = src.MaxInlineContextChars
	}
	if dst.InitialTimeout == 0 {
		dst.InitialTimeout = src.InitialTimeout
	}
	if dst.MaxTimeout == 0 {
		dst.MaxTimeout = src.MaxTimeout
	}
	if dst.TimeoutExtension == 0 {
		dst.TimeoutExtension = src.TimeoutExtension
	}
	if dst.ActivityWindow == 0 {
		dst.ActivityWindow = src.ActivityWindow
	}
	if dst.MinOutputBursts == 0 {
		dst.MinOutputBursts = src.MinOutputBursts
	}
	if dst.HeartbeatCheckInterval == 0 {
		dst.HeartbeatCheckInterval = src.HeartbeatCheckInterval
	}
	if dst.SilenceWarning == 0 {
		dst.SilenceWarning = src.SilenceWarning
	}
	if dst.HeartbeatTimeout == 0 {
		dst.HeartbeatTimeout = src.HeartbeatTimeout
	}
	if dst.AgentBinary == "" {
		dst.AgentBinary = src.AgentBinary
	}
	if dst.MetricsAddr == "" {
		dst.MetricsAddr = src.MetricsAddr
	}
	if !dst.EnableIncrementalFiles {
		dst.EnableIncrementalFiles = src.EnableIncrementalFiles
	}
}

// envBool parses a boolean env var the way spec.md's SKIP_HEALTH_CHECK /
// ENABLE_INCREMENTAL_FILES are described: "true"/"false" (case sensitive
// is not required — strconv.ParseBool accepts the common spellings).
func envBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func envInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Load assembles configuration: defaults, then an optional YAML file at
// SWARMD_CONFIG (default ./swarmd.yaml), then environment variables, which
// take final priority per spec.md §6.
func Load(logger *slog.Logger) (Config, error) {
	var cfg Config
	cfg.Logger = logger
	cfg.ApplyDefaults()

	configPath := os.Getenv("SWARMD_CONFIG")
	if configPath == "" {
		configPath = "swarmd.yaml"
	}
	if err := LoadFile(configPath, &cfg); err != nil {
		return Config{}, err
	}

	cfg.MaxConcurrentAgents = envInt("MAX_CONCURRENT_AGENTS", cfg.MaxConcurrentAgents)
	cfg.PollInterval = envDuration("POLL_INTERVAL_MS", cfg.PollInterval)
	if v := os.Getenv("SWARM_DIR"); v != "" {
		cfg.SwarmDir = v
	}
	cfg.HealthCheckTimeout = envDuration("HEALTH_CHECK_TIMEOUT_MS", cfg.HealthCheckTimeout)
	cfg.SkipHealthCheck = envBool("SKIP_HEALTH_CHECK", cfg.SkipHealthCheck)
	if v := os.Getenv("CONTEXT_MODE"); v != "" {
		cfg.ContextMode = ContextMode(v)
	}
	cfg.MaxEssentialRequirements = envInt("MAX_ESSENTIAL_REQUIREMENTS", cfg.MaxEssentialRequirements)
	cfg.MaxInlineContextChars = envInt("MAX_INLINE_CONTEXT_CHARS", cfg.MaxInlineContextChars)
	cfg.InitialTimeout = envDuration("INITIAL_TIMEOUT_MS", cfg.InitialTimeout)
	cfg.MaxTimeout = envDuration("MAX_TIMEOUT_MS", cfg.MaxTimeout)
	cfg.TimeoutExtension = envDuration("TIMEOUT_EXTENSION_MS", cfg.TimeoutExtension)
	cfg.ActivityWindow = envDuration("ACTIVITY_WINDOW_MS", cfg.ActivityWindow)
	cfg.MinOutputBursts = envInt("MIN_OUTPUT_BURSTS", cfg.MinOutputBursts)
	cfg.HeartbeatCheckInterval = envDuration("HEARTBEAT_CHECK_INTERVAL_MS", cfg.HeartbeatCheckInterval)
	cfg.SilenceWarning = envDuration("SILENCE_WARNING_MS", cfg.SilenceWarning)
	cfg.HeartbeatTimeout = envDuration("HEARTBEAT_TIMEOUT_MS", cfg.HeartbeatTimeout)
	cfg.EnableIncrementalFiles = envBool("ENABLE_INCREMENTAL_FILES", cfg.EnableIncrementalFiles)
	if v := os.Getenv("SWARM_AGENT_CMD"); v != "" {
		cfg.AgentBinary = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
