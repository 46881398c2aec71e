// runctl control plane — the process that owns a workspace's Run Ledger,
// Event Log, and Orchestrator, and serves the Client API and event streams
// over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/marcus-qen/runctl/internal/apiserver"
	"github.com/marcus-qen/runctl/internal/approval"
	"github.com/marcus-qen/runctl/internal/config"
	"github.com/marcus-qen/runctl/internal/cost"
	"github.com/marcus-qen/runctl/internal/eventbus"
	"github.com/marcus-qen/runctl/internal/eventlog"
	"github.com/marcus-qen/runctl/internal/ledger"
	"github.com/marcus-qen/runctl/internal/orchestrator"
	"github.com/marcus-qen/runctl/internal/sandbox"
	"github.com/marcus-qen/runctl/internal/streamapi"
	"github.com/marcus-qen/runctl/internal/vault"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional; env vars always override)")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Fatal("failed to create data dir", zap.Error(err), zap.String("data_dir", cfg.DataDir))
	}

	l, err := ledger.New(filepath.Join(cfg.DataDir, "ledger.db"))
	if err != nil {
		logger.Fatal("failed to open ledger", zap.Error(err))
	}
	defer l.Close()

	events, err := eventlog.NewStore(filepath.Join(cfg.DataDir, "events.db"), 4096)
	if err != nil {
		logger.Fatal("failed to open event log", zap.Error(err))
	}
	defer events.Close()

	bus := eventbus.NewBus(256)
	costs := cost.NewTracker(l, cfg.WorkspaceBudgets)
	vlt := vault.New(
		filepath.Join(cfg.DataDir, "artifacts"),
		filepath.Join(cfg.DataDir, "traces"),
		cfg.OCIBaseDir,
	)

	adapter, err := buildAdapter(cfg)
	if err != nil {
		logger.Fatal("failed to build sandbox adapter", zap.Error(err))
	}

	metrics := orchestrator.NewMetrics()
	orch := orchestrator.New(l, events, bus, nil, costs, vlt, adapter, logger, nil, metrics)
	appr := approval.New(l, orch.AppendEvent)
	orch.Approvals = appr
	reaper := approval.NewReaper(appr, 0)
	reaper.Start()
	defer reaper.Stop()

	stream := streamapi.New(events, bus, logger)
	srv := apiserver.New(cfg.ListenAddr, l, orch, appr, stream, logger)
	apiserver.Version, apiserver.Commit = version, commit

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("control plane ready",
		zap.String("addr", cfg.ListenAddr),
		zap.String("data_dir", cfg.DataDir),
		zap.String("sandbox_adapter", cfg.SandboxAdapter),
		zap.String("version", version),
	)

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func buildAdapter(cfg config.Config) (sandbox.Adapter, error) {
	switch cfg.SandboxAdapter {
	case "", "exec":
		return sandbox.NewExecAdapter(0, 0), nil
	case "ws":
		if cfg.SandboxWSURL == "" {
			return nil, fmt.Errorf("sandbox_ws_url required for the ws sandbox adapter")
		}
		return sandbox.NewWSAdapter(cfg.SandboxWSURL, []byte(cfg.SigningKey), 0, 0), nil
	default:
		return nil, fmt.Errorf("unknown sandbox adapter %q", cfg.SandboxAdapter)
	}
}
