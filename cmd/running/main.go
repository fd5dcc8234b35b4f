package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/running/internal/agent"
	"github.com/seantiz/running/internal/api"
	"github.com/seantiz/running/internal/backend"
	"github.com/seantiz/running/internal/batch"
	"github.com/seantiz/running/internal/config"
	"github.com/seantiz/running/internal/engine"
	"github.com/seantiz/running/internal/runner"
	"github.com/seantiz/running/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	policy, err := batch.ParsePolicy(cfg.Policy, cfg.Parallelism)
	if err != nil {
		log.Fatalf("invalid default policy: %v", err)
	}

	logger.Info("running: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"policy", policy.String(),
		"agents", len(cfg.Agents),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	eng := engine.NewEngine(db, logger, engine.Defaults{
		Policy:       policy,
		Parallelism:  cfg.Parallelism,
		TaskTimeout:  cfg.TaskTimeout,
		BatchTimeout: cfg.BatchTimeout,
		SpawnRate:    cfg.SpawnRate,
	},
		runner.WithOutputLimit(cfg.MaxOutputBytes, cfg.MaxOutputBytes),
		runner.WithKillGrace(cfg.KillGrace),
	)

	if len(cfg.Agents) > 0 {
		reg := backend.NewRegistry()
		for name, addr := range cfg.Agents {
			reg.Register(name, agent.NewClient(addr, logger.With("backend", name)))
		}
		eng.SetBackends(reg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(cfg.ListenAddr, db, eng, logger)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
