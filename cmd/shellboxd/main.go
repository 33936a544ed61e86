package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/clouddeck/shellbox/internal/audit"
	"github.com/clouddeck/shellbox/internal/backend"
	"github.com/clouddeck/shellbox/internal/config"
	"github.com/clouddeck/shellbox/internal/executor"
	"github.com/clouddeck/shellbox/internal/logging"
	"github.com/clouddeck/shellbox/internal/policy"
	"github.com/clouddeck/shellbox/internal/server"
	"github.com/clouddeck/shellbox/internal/session"
)

var (
	configPath = flag.String("config", "", "Path to the daemon configuration file")
	listenAddr = flag.String("listen", "", "Override the configured listen address")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "shellboxd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	path := *configPath
	if path == "" {
		// Fall back to the default location only if a file is there; a bare
		// environment-driven setup needs no file at all.
		if candidate := config.DefaultConfigPath(); fileExists(candidate) {
			path = candidate
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	tables := policy.Default()
	if cfg.PolicyPath != "" {
		tables, err = policy.Load(cfg.PolicyPath)
		if err != nil {
			return fmt.Errorf("load policy: %w", err)
		}
	}

	var be backend.Backend
	var docker *backend.Docker
	switch cfg.Backend.Kind {
	case "docker":
		docker = backend.NewDocker(cfg.Backend.Docker, cfg.Backend.StorageRoot, logger)
		be = docker
	case "local":
		be = backend.NewLocal(cfg.Backend.StorageRoot, logger)
	case "ssh":
		be = backend.NewRemote(cfg.Backend.SSH, logger)
	default:
		return fmt.Errorf("unknown backend kind: %q", cfg.Backend.Kind)
	}

	store, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	recorder := audit.NewRecorder(store, logger, 0)
	defer recorder.Close()

	srv := server.New(server.Options{
		Addr:        cfg.ListenAddr,
		Logger:      logger,
		Policy:      tables,
		Backend:     be,
		Executor:    executor.New(cfg.ExecTimeout(), cfg.Exec.MaxOutputBytes, logger),
		Registry:    session.NewRegistry(),
		Audit:       recorder,
		Sites:       server.StaticSites(cfg.Sites),
		ExecTimeout: cfg.ExecTimeout(),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if docker != nil {
		docker.StartReaper(ctx, srv.BusyUser)
	}

	logger.Info("shellboxd_started", "addr", cfg.ListenAddr, "backend", be.Name())
	defer logger.Info("shellboxd_stopped")
	return srv.Start(ctx)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
