package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		envConfigFile, envListenAddr, envDBPath, envLogLevel, envLogFormat,
		envPolicy, envParallelism, envMaxOutputBytes, envKillGrace,
		envSpawnRate, envTaskTimeout, envBatchTimeout, envAgentListen, envAgents,
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "running.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.LogFormat != FormatJSON {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, FormatJSON)
	}
	if cfg.Policy != defaultPolicy || cfg.Parallelism != defaultParallelism {
		t.Errorf("policy = %s/%d, want %s/%d", cfg.Policy, cfg.Parallelism, defaultPolicy, defaultParallelism)
	}
	if cfg.KillGrace != defaultKillGrace {
		t.Errorf("KillGrace = %v, want %v", cfg.KillGrace, defaultKillGrace)
	}
	if cfg.SpawnRate != 0 || cfg.TaskTimeout != 0 || cfg.BatchTimeout != 0 {
		t.Errorf("pacing and timeouts should default to zero, got %+v", cfg)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envLogFormat, "TEXT")
	t.Setenv(envPolicy, "parallel")
	t.Setenv(envParallelism, "8")
	t.Setenv(envMaxOutputBytes, "4096")
	t.Setenv(envKillGrace, "2s")
	t.Setenv(envSpawnRate, "12.5")
	t.Setenv(envTaskTimeout, "30s")
	t.Setenv(envBatchTimeout, "5m")
	t.Setenv(envAgentListen, "tcp:127.0.0.1:7000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.LogFormat != FormatText {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, FormatText)
	}
	if cfg.Policy != "parallel" || cfg.Parallelism != 8 {
		t.Errorf("policy = %s/%d, want parallel/8", cfg.Policy, cfg.Parallelism)
	}
	if cfg.MaxOutputBytes != 4096 {
		t.Errorf("MaxOutputBytes = %d, want 4096", cfg.MaxOutputBytes)
	}
	if cfg.KillGrace != 2*time.Second {
		t.Errorf("KillGrace = %v, want 2s", cfg.KillGrace)
	}
	if cfg.SpawnRate != 12.5 {
		t.Errorf("SpawnRate = %v, want 12.5", cfg.SpawnRate)
	}
	if cfg.TaskTimeout != 30*time.Second || cfg.BatchTimeout != 5*time.Minute {
		t.Errorf("timeouts = %v/%v, want 30s/5m", cfg.TaskTimeout, cfg.BatchTimeout)
	}
	if cfg.AgentListen != "tcp:127.0.0.1:7000" {
		t.Errorf("AgentListen = %q", cfg.AgentListen)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{envParallelism, "many"},
		{envMaxOutputBytes, "1MB"},
		{envKillGrace, "5"},
		{envSpawnRate, "fast"},
		{envAgents, "vm"},
	}
	for _, tt := range tests {
		clearEnv(t)
		t.Setenv(tt.key, tt.value)
		_, err := Load()
		if err == nil {
			t.Errorf("%s=%q: expected error", tt.key, tt.value)
			continue
		}
		if !strings.Contains(err.Error(), tt.key) {
			t.Errorf("error %q should name %s", err, tt.key)
		}
	}
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(envConfigFile, writeFile(t, `
listen_addr = ":7070"
log_format = "text"
policy = "sequential"
parallelism = 2
max_output_bytes = 0
kill_grace = "1s"
spawn_rate = 3.0
task_timeout = "10s"

[agents]
vm = "vsock:3:52"
`))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("ListenAddr = %q, want :7070", cfg.ListenAddr)
	}
	if cfg.LogFormat != FormatText {
		t.Errorf("LogFormat = %q, want text", cfg.LogFormat)
	}
	if cfg.Policy != "sequential" || cfg.Parallelism != 2 {
		t.Errorf("policy = %s/%d, want sequential/2", cfg.Policy, cfg.Parallelism)
	}
	if cfg.MaxOutputBytes != 0 {
		t.Errorf("MaxOutputBytes = %d, want 0 from file", cfg.MaxOutputBytes)
	}
	if cfg.KillGrace != time.Second {
		t.Errorf("KillGrace = %v, want 1s", cfg.KillGrace)
	}
	if cfg.SpawnRate != 3 {
		t.Errorf("SpawnRate = %v, want 3", cfg.SpawnRate)
	}
	if cfg.TaskTimeout != 10*time.Second {
		t.Errorf("TaskTimeout = %v, want 10s", cfg.TaskTimeout)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want default", cfg.DBPath)
	}
	if cfg.Agents["vm"] != "vsock:3:52" {
		t.Errorf("Agents = %v, want vm from file", cfg.Agents)
	}
}

func TestParseAgents(t *testing.T) {
	agents, err := parseAgents("vm=vsock:3:52, build = tcp:10.0.0.5:7000,")
	if err != nil {
		t.Fatalf("parseAgents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("len = %d, want 2: %v", len(agents), agents)
	}
	if agents["vm"] != "vsock:3:52" {
		t.Errorf("vm = %q", agents["vm"])
	}
	if _, err := parseAgents("=tcp:x"); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv(envConfigFile, writeFile(t, `listen_addr = ":7070"`+"\n"+`parallelism = 2`))
	t.Setenv(envListenAddr, ":6060")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":6060" {
		t.Errorf("ListenAddr = %q, want env value :6060", cfg.ListenAddr)
	}
	if cfg.Parallelism != 2 {
		t.Errorf("Parallelism = %d, want file value 2", cfg.Parallelism)
	}
}

func TestLoadFileErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv(envConfigFile, filepath.Join(t.TempDir(), "missing.toml"))
	if _, err := Load(); err == nil {
		t.Error("expected error for missing file")
	}

	t.Setenv(envConfigFile, writeFile(t, `listen = ":1"`))
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "unknown key") {
		t.Errorf("expected unknown key error, got %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, FormatJSON)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, FormatText)

	logger.Info("test message", "key", "value")

	out := buf.String()
	if json.Valid(buf.Bytes()) {
		t.Fatalf("text output should not be JSON: %s", out)
	}
	if !strings.Contains(out, "key=value") {
		t.Errorf("output %q missing key=value", out)
	}
}
