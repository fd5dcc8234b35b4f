// Command running-agent executes commands on behalf of a remote running
// server. It listens on the address in RUNNING_AGENT_LISTEN (unix:, tcp: or
// vsock:) and streams each command's output back over the connection.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/running/internal/agent"
	"github.com/seantiz/running/internal/config"
	"github.com/seantiz/running/internal/runner"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	l, err := agent.Listen(cfg.AgentListen)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.AgentListen, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(logger,
		runner.WithOutputLimit(cfg.MaxOutputBytes, cfg.MaxOutputBytes),
		runner.WithKillGrace(cfg.KillGrace),
	)
	if err := a.Serve(ctx, l); err != nil {
		log.Fatalf("serve: %v", err)
	}
	logger.Info("agent: stopped")
}
