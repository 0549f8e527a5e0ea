package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/craftplane/craftplane/internal/api"
	"github.com/craftplane/craftplane/internal/artifact"
	"github.com/craftplane/craftplane/internal/backup"
	"github.com/craftplane/craftplane/internal/catalog"
	"github.com/craftplane/craftplane/internal/cfg"
	"github.com/craftplane/craftplane/internal/engine"
	"github.com/craftplane/craftplane/internal/hostexec"
	"github.com/craftplane/craftplane/internal/hub"
	"github.com/craftplane/craftplane/internal/install"
	"github.com/craftplane/craftplane/internal/process"
	"github.com/craftplane/craftplane/internal/progress"
	"github.com/craftplane/craftplane/internal/provision"
	"github.com/craftplane/craftplane/internal/registry"
	"github.com/craftplane/craftplane/internal/versions"
	"github.com/craftplane/craftplane/pkg/logger"
	"github.com/craftplane/craftplane/pkg/utils"
)

const (
	serviceName = "craftplane"

	shutdownTimeout = 30 * time.Second
)

// Exit codes, distinguishable for process managers: 2 is a configuration
// the operator must fix, 3 a dependency (disk, database, port) that was
// not available.
const (
	exitOK          = 0
	exitFailure     = 1
	exitBadConfig   = 2
	exitUnavailable = 3
)

func main() {
	os.Exit(run())
}

func run() (exitCode int) {
	config, err := cfg.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "parsing configuration: %v\n", err)

		return exitBadConfig
	}

	l, err := logger.New(logger.Config{
		ServiceName: serviceName,
		IsDebug:     config.Debug,
		LogDir:      config.LogDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)

		return exitFailure
	}
	defer func() { _ = l.Sync() }()
	zap.ReplaceGlobals(l)

	if !config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var cleaner utils.Cleaner
	defer func() {
		if err := cleaner.Run(); err != nil {
			l.Error("cleanup failed", zap.Error(err))
			if exitCode == exitOK {
				exitCode = exitFailure
			}
		}
	}()

	for _, dir := range []string{config.ServersBaseDir, config.BackupsDir, config.CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			l.Error("creating data directory", zap.String("dir", dir), zap.Error(err))

			return exitUnavailable
		}
	}

	dbPath := config.DatabaseURL
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(filepath.Dir(config.ServersBaseDir), dbPath)
	}

	reg, err := registry.Open(dbPath, l)
	if err != nil {
		l.Error("opening registry", zap.String("path", dbPath), zap.Error(err))

		return exitUnavailable
	}
	cleaner.Add(reg.Close)

	h := hub.New(l)

	channel := progress.New(l)
	cleaner.Add(func() error {
		channel.Close()

		return nil
	})

	cache, err := artifact.New(config.CacheDir, l)
	if err != nil {
		l.Error("opening artifact cache", zap.String("dir", config.CacheDir), zap.Error(err))

		return exitUnavailable
	}

	client := catalog.NewClient(config.CatalogBaseURL, config.CatalogAPIKey, l)
	if !client.Enabled() {
		l.Warn("catalog API key not configured; modpack operations are disabled")
	}

	resolver := versions.NewResolver(l)

	var executor hostexec.Executor = hostexec.Direct{}
	if config.NsenterTargetPID > 0 {
		executor = hostexec.Nsenter{TargetPID: config.NsenterTargetPID}
		l.Info("spawning servers in host namespaces", zap.Int("target_pid", config.NsenterTargetPID))
	}

	installer := install.New(cache, client, resolver, executor, l)

	supervisor := process.New(l, executor, h, reg)
	cleaner.Add(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return supervisor.Shutdown(shutdownCtx)
	})

	orchestrator := provision.New(reg, client, cache, channel, config.ServersBaseDir, l)
	cleaner.Add(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return orchestrator.Shutdown(shutdownCtx)
	})

	backups := backup.New(reg, config.ServersBaseDir, config.BackupsDir, config.BackupRetentionDays, l)
	cleaner.Add(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return backups.Shutdown(shutdownCtx)
	})

	if err := backups.Schedule(config.BackupCron); err != nil {
		l.Error("invalid backup schedule", zap.String("cron", config.BackupCron), zap.Error(err))

		return exitBadConfig
	}

	eng := engine.New(engine.Config{
		Registry:        reg,
		Supervisor:      supervisor,
		Installer:       installer,
		Resolver:        resolver,
		Provisioner:     orchestrator,
		Backups:         backups,
		Hub:             h,
		Progress:        channel,
		Catalog:         client,
		BaseDir:         config.ServersBaseDir,
		SpawnBaseDir:    config.HostServersPath,
		DefaultJavaOpts: config.DefaultJavaOpts,
	}, l)

	// Records claiming a live child from a previous run are reconciled
	// before anything is allowed to start.
	if err := eng.Reconcile(ctx); err != nil {
		l.Error("reconciling server records", zap.Error(err))

		return exitUnavailable
	}
	eng.AutoStartAll(ctx)

	router := api.NewRouter(api.NewStore(eng, l), l)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      75 * time.Second,
		IdleTimeout:       620 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()

		l.Info("control plane listening",
			zap.Uint16("port", config.HTTPPort),
			zap.String("servers_dir", config.ServersBaseDir),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.Info("shutdown signal received")
	case err := <-serveErr:
		l.Error("http server failed", zap.Error(err))
		exitCode = exitUnavailable
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error("http shutdown incomplete", zap.Error(err))
		if exitCode == exitOK {
			exitCode = exitFailure
		}
	}

	wg.Wait()

	return exitCode
}
