package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/seantiz/running/internal/logging"
)

const (
	defaultListenAddr     = ":8080"
	defaultDBPath         = "running.db"
	defaultPolicy         = "bounded"
	defaultParallelism    = 4
	defaultMaxOutputBytes = 1 << 20
	defaultKillGrace      = 5 * time.Second
	defaultAgentListen    = "unix:/tmp/running-agent.sock"

	envConfigFile     = "RUNNING_CONFIG"
	envListenAddr     = "RUNNING_LISTEN_ADDR"
	envDBPath         = "RUNNING_DB_PATH"
	envLogLevel       = "RUNNING_LOG_LEVEL"
	envLogFormat      = "RUNNING_LOG_FORMAT"
	envPolicy         = "RUNNING_POLICY"
	envParallelism    = "RUNNING_PARALLELISM"
	envMaxOutputBytes = "RUNNING_MAX_OUTPUT_BYTES"
	envKillGrace      = "RUNNING_KILL_GRACE"
	envSpawnRate      = "RUNNING_SPAWN_RATE"
	envTaskTimeout    = "RUNNING_TASK_TIMEOUT"
	envBatchTimeout   = "RUNNING_BATCH_TIMEOUT"
	envAgentListen    = "RUNNING_AGENT_LISTEN"
	envAgents         = "RUNNING_AGENTS"
)

// Log formats accepted by NewLogger.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// Config holds application configuration. Values come from defaults, then an
// optional TOML file named by RUNNING_CONFIG, then environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	LogFormat  string

	// Policy and Parallelism are the batch defaults when a request names none.
	Policy      string
	Parallelism int

	// MaxOutputBytes caps each captured stream per task. Zero means no cap.
	MaxOutputBytes int64
	KillGrace      time.Duration
	// SpawnRate limits task admissions per second. Zero disables pacing.
	SpawnRate    float64
	TaskTimeout  time.Duration
	BatchTimeout time.Duration

	AgentListen string
	// Agents maps backend names to remote agent addresses.
	Agents map[string]string
}

// fileConfig mirrors Config in the TOML file.
type fileConfig struct {
	ListenAddr     string            `toml:"listen_addr"`
	DBPath         string            `toml:"db_path"`
	LogLevel       string            `toml:"log_level"`
	LogFormat      string            `toml:"log_format"`
	Policy         string            `toml:"policy"`
	Parallelism    int               `toml:"parallelism"`
	MaxOutputBytes *int64            `toml:"max_output_bytes"`
	KillGrace      time.Duration     `toml:"kill_grace"`
	SpawnRate      float64           `toml:"spawn_rate"`
	TaskTimeout    time.Duration     `toml:"task_timeout"`
	BatchTimeout   time.Duration     `toml:"batch_timeout"`
	AgentListen    string            `toml:"agent_listen"`
	Agents         map[string]string `toml:"agents"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		LogFormat:      FormatJSON,
		Policy:         defaultPolicy,
		Parallelism:    defaultParallelism,
		MaxOutputBytes: defaultMaxOutputBytes,
		KillGrace:      defaultKillGrace,
		AgentListen:    defaultAgentListen,
	}
}

// Load reads configuration from the optional config file and environment
// variables with sensible defaults.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("read config %s: unknown key %q", path, undecoded[0].String())
	}

	if fc.ListenAddr != "" {
		c.ListenAddr = fc.ListenAddr
	}
	if fc.DBPath != "" {
		c.DBPath = fc.DBPath
	}
	if fc.LogLevel != "" {
		c.LogLevel = parseLogLevel(fc.LogLevel)
	}
	if fc.LogFormat != "" {
		c.LogFormat = strings.ToLower(fc.LogFormat)
	}
	if fc.Policy != "" {
		c.Policy = fc.Policy
	}
	if fc.Parallelism > 0 {
		c.Parallelism = fc.Parallelism
	}
	if fc.MaxOutputBytes != nil {
		c.MaxOutputBytes = *fc.MaxOutputBytes
	}
	if fc.KillGrace > 0 {
		c.KillGrace = fc.KillGrace
	}
	if fc.SpawnRate > 0 {
		c.SpawnRate = fc.SpawnRate
	}
	if fc.TaskTimeout > 0 {
		c.TaskTimeout = fc.TaskTimeout
	}
	if fc.BatchTimeout > 0 {
		c.BatchTimeout = fc.BatchTimeout
	}
	if fc.AgentListen != "" {
		c.AgentListen = fc.AgentListen
	}
	if len(fc.Agents) > 0 {
		c.Agents = fc.Agents
	}
	return nil
}

func (c *Config) loadEnv() error {
	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envLogFormat); v != "" {
		c.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv(envPolicy); v != "" {
		c.Policy = v
	}
	if v := os.Getenv(envAgentListen); v != "" {
		c.AgentListen = v
	}

	if v := os.Getenv(envAgents); v != "" {
		agents, err := parseAgents(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envAgents, err)
		}
		c.Agents = agents
	}

	var err error
	if c.Parallelism, err = envInt(envParallelism, c.Parallelism); err != nil {
		return err
	}
	if c.MaxOutputBytes, err = envInt64(envMaxOutputBytes, c.MaxOutputBytes); err != nil {
		return err
	}
	if c.SpawnRate, err = envFloat(envSpawnRate, c.SpawnRate); err != nil {
		return err
	}
	if c.KillGrace, err = envDuration(envKillGrace, c.KillGrace); err != nil {
		return err
	}
	if c.TaskTimeout, err = envDuration(envTaskTimeout, c.TaskTimeout); err != nil {
		return err
	}
	if c.BatchTimeout, err = envDuration(envBatchTimeout, c.BatchTimeout); err != nil {
		return err
	}
	return nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envInt64(key string, def int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// parseAgents reads a comma-separated list of name=address pairs.
func parseAgents(s string) (map[string]string, error) {
	agents := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, addr, ok := strings.Cut(pair, "=")
		name, addr = strings.TrimSpace(name), strings.TrimSpace(addr)
		if !ok || name == "" || addr == "" {
			return nil, fmt.Errorf("agent entry %q is not name=address", pair)
		}
		agents[name] = addr
	}
	return agents, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the configured level.
// FormatText renders through logrus; anything else is JSON.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	if format == FormatText {
		return slog.New(logging.NewLogrusHandler(w, level))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
