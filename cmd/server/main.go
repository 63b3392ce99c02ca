package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/NexLiR/Messanger/pkg/database"
	"github.com/NexLiR/Messanger/pkg/logger"
	"github.com/NexLiR/Messanger/pkg/server"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "~/.messanger/server.toml", "Path to the TOML config file (created with defaults if missing)")
	flag.Parse()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("Server exited with error", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg server.TOMLConfig, log *zap.Logger) error {
	serverCfg := cfg.ToServerConfig()
	store, err := openStore(serverCfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	srv, err := server.NewServer(serverCfg, store, log)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	go logEvents(srv, log.Named("events"))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("Shutdown signal received", zap.Stringer("signal", sig))

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	log.Info("Server stopped")
	return nil
}

type closableStore interface {
	server.Store
	Close() error
}

func openStore(cfg server.ServerConfig, log *zap.Logger) (closableStore, error) {
	switch cfg.Storage {
	case server.StorageMemory:
		log.Warn("Using in-memory storage; users and history are lost on exit")
		return database.NewMemStore(), nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		db, err := database.Open(cfg.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		log.Info("Database opened", zap.String("path", cfg.DatabasePath))
		return db, nil
	}
}

// logEvents drains the server's event stream into the debug log
func logEvents(srv *server.Server, log *zap.Logger) {
	for ev := range srv.Events() {
		log.Debug("Event",
			zap.Stringer("kind", ev.Kind),
			zap.String("username", ev.Username),
			zap.Stringer("identity", ev.Identity),
			zap.String("text", ev.Text))
	}
}
