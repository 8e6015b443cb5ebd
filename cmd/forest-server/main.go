// Command forest-server runs the Forest release control plane: the
// scheduler that leases and drives staged releases, the Release RPC
// surface, and the embedded Terraform HTTP state backend.
//
// Configuration is read from forest.toml (or the path named by
// FOREST_CONFIG) layered with FOREST_* environment variables; see
// internal/config for the full list.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/forest-release/forest/internal/config"
	"github.com/forest-release/forest/internal/destination"
	"github.com/forest-release/forest/internal/driver"
	tfdriver "github.com/forest-release/forest/internal/drivers/terraform"
	"github.com/forest-release/forest/internal/release"
	"github.com/forest-release/forest/internal/releaselog"
	"github.com/forest-release/forest/internal/rpc"
	"github.com/forest-release/forest/internal/scheduler"
	"github.com/forest-release/forest/internal/staging"
	"github.com/forest-release/forest/internal/storage"
	"github.com/forest-release/forest/internal/storage/migrations"
	"github.com/forest-release/forest/internal/tempdir"
	"github.com/forest-release/forest/internal/tfbackend"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "forest-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to forest.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gw, err := storage.Open(ctx, storage.Config{
		DSN: cfg.Database.DSN, MaxConns: cfg.Database.MaxConns, MinConns: cfg.Database.MinConns,
	}, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer gw.Close()

	if err := migrations.Up(gw.SQLDB()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	stagingReg := staging.New(gw.DB())
	destinations := destination.New(gw.DB())
	releases := release.New(gw)
	logs := releaselog.New(gw.DB())

	tempdirs, err := tempdir.NewManager(cfg.TempDir.BasePath, cfg.TempDir.RetentionWindow, logger)
	if err != nil {
		return fmt.Errorf("setting up tempdir manager: %w", err)
	}

	backend := tfbackend.New(logger)
	drivers := driver.NewRegistry()
	drivers.Register(tfdriver.New(
		driver.Type{Organisation: "forest", Name: "terraform", Version: "v1"},
		tempdirs, backend,
		tfdriver.Config{Executable: cfg.Terraform.Executable, ExternalURL: cfg.Server.ExternalURL, Identifier: "forest-scheduler"},
		func(ctx context.Context, artifactID string, env string) ([]staging.ReleaseFile, error) {
			id, err := uuid.Parse(artifactID)
			if err != nil {
				return nil, fmt.Errorf("parsing artifact id %q: %w", artifactID, err)
			}
			return stagingReg.GetFilesForRelease(ctx, id, env)
		},
	))

	hub := rpc.NewHub()
	sched := scheduler.New(releases, destinations, drivers, logs, hub, logger, cfg.Scheduler.PollInterval)

	corsOrigins := strings.Split(cfg.Server.CORSOrigins, ",")
	rpcServer := rpc.New(releases, stagingReg, destinations, hub, corsOrigins, logger)

	rpcHTTP := &http.Server{Addr: cfg.Server.RPCAddr, Handler: rpcServer.Handler()}
	tfHTTP := &http.Server{Addr: cfg.Server.TFBackendAddr, Handler: backend.Handler()}

	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		tempdirs.RunSweeper(ctx, cfg.TempDir.SweepInterval)
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rpcHTTP.Shutdown(shutdownCtx); err != nil {
			logger.Error("release rpc surface shutdown", "error", err)
		}
		if err := tfHTTP.Shutdown(shutdownCtx); err != nil {
			logger.Error("terraform state backend shutdown", "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		logger.Info("terraform state backend listening", "addr", cfg.Server.TFBackendAddr)
		if err := tfHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("terraform state backend stopped", "error", err)
		}
	}()

	logger.Info("release rpc surface listening", "addr", cfg.Server.RPCAddr)
	if err := rpcHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("release rpc surface stopped", "error", err)
	}

	wg.Wait()
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
