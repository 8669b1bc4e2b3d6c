package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mnemoslab/mnemos/pkg/collab"
	"github.com/mnemoslab/mnemos/pkg/config"
	"github.com/mnemoslab/mnemos/pkg/goals"
	"github.com/mnemoslab/mnemos/pkg/logging"
	"github.com/mnemoslab/mnemos/pkg/memory"
	"github.com/mnemoslab/mnemos/pkg/orchestrator"
	"github.com/mnemoslab/mnemos/pkg/reflection"
	"github.com/mnemoslab/mnemos/pkg/server"
	"github.com/mnemoslab/mnemos/pkg/strategy"
)

func main() {
	configPath := flag.String("config", "mnemos.yaml", "Path to the configuration file")
	listenAddr := flag.String("listen", "", "Override listen address (host:port)")
	flag.Parse()

	if err := run(*configPath, *listenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "mnemosd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return err
	}
	logging.SetLogger(logger)
	ctx := context.Background()

	if cfg.Store.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	embedder := memory.NewHashingEmbedder(cfg.Store.EmbeddingDims)
	store, err := memory.Open(cfg.Store.Path, embedder)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Store.SeedPath != "" {
		entries, err := memory.LoadSeedFile(cfg.Store.SeedPath)
		if err != nil {
			return err
		}
		if _, err := memory.SeedKnowledge(ctx, store, entries); err != nil {
			return err
		}
	}

	ledger, err := reflection.OpenLedger(siblingPath(cfg.Store.Path, "ledger"))
	if err != nil {
		return err
	}
	defer ledger.Close()

	queue, err := orchestrator.OpenQueue(siblingPath(cfg.Store.Path, "tasks"))
	if err != nil {
		return err
	}
	defer queue.Close()

	goalMgr := goals.NewManager(store)
	selector := strategy.NewSelector(store, cfg.Selector)
	engine := reflection.NewEngine(store, goalMgr, ledger, cfg.Reflection)

	solver, explorer, err := buildCollaborators(cfg.Collaborator)
	if err != nil {
		return err
	}

	handlers := orchestrator.NewHandlers(store, selector, engine, solver, explorer, cfg)
	orch := orchestrator.New(queue, handlers.Table(), cfg.Orchestrator)
	handlers.Bind(orch.Submit)
	defer orch.Close()

	api := server.New(orch, store, goalMgr, engine)

	addr := listenAddr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "mnemosd listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info(ctx, "received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info(ctx, "shutdown complete")
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	severity := logging.INFO
	if cfg.Level != "" {
		severity = logging.ParseSeverity(cfg.Level)
	}

	outputs := []logging.Output{logging.NewConsoleOutput(true, logging.WithColor(true))}
	if cfg.File != "" {
		fileOut, err := logging.NewFileOutput(cfg.File)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, fileOut)
	}

	return logging.NewLogger(logging.Config{
		Severity: severity,
		Outputs:  outputs,
	}), nil
}

func buildCollaborators(cfg config.CollaboratorConfig) (collab.Solver, collab.Explorer, error) {
	switch cfg.Provider {
	case "anthropic":
		c, err := collab.NewAnthropicCollaborator(cfg.APIKey, cfg.ModelID)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	default:
		c := collab.NewStubCollaborator()
		return c, c, nil
	}
}

// siblingPath places an auxiliary database next to the main store file.
func siblingPath(storePath, suffix string) string {
	if storePath == ":memory:" {
		return ":memory:"
	}
	base := strings.TrimSuffix(storePath, filepath.Ext(storePath))
	return base + "-" + suffix + ".db"
}
