// Package engine ties the components into one control plane: the registry
// holds the records, the supervisor owns the children, the installer
// materializes runnables, and the provisioner builds servers from modpacks.
// Handlers talk to the Engine; the Engine decides who does the work.
package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/craftplane/craftplane/internal/apierr"
	"github.com/craftplane/craftplane/internal/backup"
	"github.com/craftplane/craftplane/internal/catalog"
	"github.com/craftplane/craftplane/internal/files"
	"github.com/craftplane/craftplane/internal/hub"
	"github.com/craftplane/craftplane/internal/install"
	"github.com/craftplane/craftplane/internal/process"
	"github.com/craftplane/craftplane/internal/progress"
	"github.com/craftplane/craftplane/internal/props"
	"github.com/craftplane/craftplane/internal/provision"
	"github.com/craftplane/craftplane/internal/registry"
	"github.com/craftplane/craftplane/internal/versions"
	"github.com/craftplane/craftplane/pkg/smap"
)

const (
	defaultPort     = 25565
	defaultMemoryMB = 4096

	// bootTimeout bounds one start pipeline: artifact download, an
	// installer run, and config rendering.
	bootTimeout = 20 * time.Minute

	cleanupTimeout = 10 * time.Second
)

type Config struct {
	Registry    *registry.Registry
	Supervisor  *process.Supervisor
	Installer   *install.Installer
	Resolver    *versions.Resolver
	Provisioner *provision.Orchestrator
	Backups     *backup.Service
	Hub         *hub.Hub
	Progress    *progress.Channel
	Catalog     *catalog.Client

	// BaseDir is where named-volume server dirs live. SpawnBaseDir is the
	// same tree as the spawned children see it; it differs from BaseDir
	// only in the containerized layout, where children run in the host
	// namespaces.
	BaseDir         string
	SpawnBaseDir    string
	DefaultJavaOpts string
}

type Engine struct {
	Registry    *registry.Registry
	Supervisor  *process.Supervisor
	Installer   *install.Installer
	Resolver    *versions.Resolver
	Provisioner *provision.Orchestrator
	Backups     *backup.Service
	Hub         *hub.Hub
	Progress    *progress.Channel
	Catalog     *catalog.Client

	baseDir         string
	spawnBaseDir    string
	defaultJavaOpts string

	// starting holds a token per server while a start pipeline is in
	// flight, so concurrent starts collapse to one child.
	starting *smap.Map[struct{}]

	logger *zap.Logger
}

func New(c Config, logger *zap.Logger) *Engine {
	spawnBase := c.SpawnBaseDir
	if spawnBase == "" {
		spawnBase = c.BaseDir
	}

	return &Engine{
		Registry:        c.Registry,
		Supervisor:      c.Supervisor,
		Installer:       c.Installer,
		Resolver:        c.Resolver,
		Provisioner:     c.Provisioner,
		Backups:         c.Backups,
		Hub:             c.Hub,
		Progress:        c.Progress,
		Catalog:         c.Catalog,
		baseDir:         c.BaseDir,
		spawnBaseDir:    spawnBase,
		defaultJavaOpts: c.DefaultJavaOpts,
		starting:        smap.New[struct{}](),
		logger:          logger.Named("engine"),
	}
}

// CreateRequest is the explicit create body; provisioning from a modpack
// goes through the orchestrator instead.
type CreateRequest struct {
	Name             string                `json:"name"`
	Description      string                `json:"description"`
	Engine           registry.Engine       `json:"engine"`
	Version          string                `json:"version"`
	Port             int                   `json:"port"`
	Memory           int                   `json:"memory"`
	JavaOpts         string                `json:"javaOpts"`
	AutoStart        bool                  `json:"autoStart"`
	ScheduledBackups bool                  `json:"scheduledBackups"`
	StoragePath      string                `json:"storagePath"`
	Options          *registry.GameOptions `json:"options"`
}

// UpdateRequest patches a record. Nil fields are left alone. Port, engine,
// and version may only change while the server is down.
type UpdateRequest struct {
	Name             *string               `json:"name"`
	Description      *string               `json:"description"`
	Engine           *registry.Engine      `json:"engine"`
	Version          *string               `json:"version"`
	Port             *int                  `json:"port"`
	Memory           *int                  `json:"memory"`
	JavaOpts         *string               `json:"javaOpts"`
	AutoStart        *bool                 `json:"autoStart"`
	ScheduledBackups *bool                 `json:"scheduledBackups"`
	Options          *registry.GameOptions `json:"options"`
	Properties       map[string]string     `json:"properties"`
}

// CreateServer inserts the record and prepares its storage directory. The
// port is taken literally: a clash is ConflictPort, not a scan.
func (e *Engine) CreateServer(ctx context.Context, req CreateRequest) (*registry.Server, error) {
	if req.Name == "" {
		return nil, apierr.New(apierr.InvalidRequest, "server name is required")
	}
	if !req.Engine.Valid() {
		return nil, apierr.New(apierr.InvalidRequest, "unknown engine %q", req.Engine)
	}
	if req.Version == "" {
		return nil, apierr.New(apierr.InvalidRequest, "version is required")
	}
	if req.Port <= 0 {
		req.Port = defaultPort
	}
	if req.Memory <= 0 {
		req.Memory = defaultMemoryMB
	}

	server := &registry.Server{
		ID:               uuid.NewString(),
		Name:             req.Name,
		Description:      req.Description,
		Engine:           req.Engine,
		Version:          req.Version,
		Port:             req.Port,
		Memory:           req.Memory,
		JavaOpts:         req.JavaOpts,
		AutoStart:        req.AutoStart,
		ScheduledBackups: req.ScheduledBackups,
		State:            registry.StateStopped,
	}
	if req.Options != nil {
		server.Options = *req.Options
	}
	if req.StoragePath != "" {
		server.StorageKind = registry.StorageBindPath
		server.StoragePath = req.StoragePath
	} else {
		server.StorageKind = registry.StorageNamedVolume
		server.StoragePath = server.ID
	}

	if err := e.Registry.CreateServer(ctx, server); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(server.Dir(e.baseDir), 0o755); err != nil {
		if delErr := e.Registry.DeleteServer(ctx, server.ID); delErr != nil {
			e.logger.Error("undoing create after mkdir failure",
				zap.String("server_id", server.ID), zap.Error(delErr))
		}

		return nil, fmt.Errorf("creating storage dir: %w", err)
	}

	e.logger.Info("server created",
		zap.String("server_id", server.ID),
		zap.String("name", server.Name),
		zap.String("engine", string(server.Engine)),
		zap.Int("port", server.Port),
	)

	return server, nil
}

// UpdateServer applies a patch. Name and port uniqueness re-validate in the
// registry; port, engine, and version are frozen while the server is up.
func (e *Engine) UpdateServer(ctx context.Context, id string, req UpdateRequest) (*registry.Server, error) {
	server, err := e.Registry.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}

	if server.State.Live() && (req.Port != nil || req.Engine != nil || req.Version != nil) {
		return nil, apierr.New(apierr.InvalidRequest,
			"port, engine, and version cannot change while server %q is %s", server.Name, server.State)
	}

	if req.Name != nil {
		if *req.Name == "" {
			return nil, apierr.New(apierr.InvalidRequest, "server name must not be empty")
		}
		server.Name = *req.Name
	}
	if req.Description != nil {
		server.Description = *req.Description
	}
	if req.Engine != nil {
		if !req.Engine.Valid() {
			return nil, apierr.New(apierr.InvalidRequest, "unknown engine %q", *req.Engine)
		}
		server.Engine = *req.Engine
	}
	if req.Version != nil {
		server.Version = *req.Version
	}
	if req.Port != nil {
		server.Port = *req.Port
	}
	if req.Memory != nil {
		server.Memory = *req.Memory
	}
	if req.JavaOpts != nil {
		server.JavaOpts = *req.JavaOpts
	}
	if req.AutoStart != nil {
		server.AutoStart = *req.AutoStart
	}
	if req.ScheduledBackups != nil {
		server.ScheduledBackups = *req.ScheduledBackups
	}
	if req.Options != nil {
		server.Options = *req.Options
	}

	if err := e.Registry.UpdateServer(ctx, server); err != nil {
		return nil, err
	}

	if len(req.Properties) > 0 {
		if err := e.Registry.UpsertProperties(ctx, id, req.Properties); err != nil {
			return nil, err
		}
	}

	return server, nil
}

// DeleteServer tears the server down: a provisioning session is cancelled
// first, a live child stopped, then records, storage (when we created it),
// and backup archives go.
func (e *Engine) DeleteServer(ctx context.Context, id string) error {
	server, err := e.Registry.GetServer(ctx, id)
	if err != nil {
		return err
	}

	e.Provisioner.CancelForServer(id)

	if err := e.Supervisor.Stop(ctx, id, false); err != nil && apierr.KindOf(err) != apierr.AlreadyStopped {
		return err
	}

	e.Hub.Release(id)

	// A cancelled provisioning run rolls its own record back; tolerate the
	// row already being gone.
	if err := e.Registry.DeleteServer(ctx, id); err != nil && apierr.KindOf(err) != apierr.NotFound {
		return err
	}

	if server.StorageKind == registry.StorageNamedVolume {
		if err := os.RemoveAll(server.Dir(e.baseDir)); err != nil {
			return fmt.Errorf("removing storage dir: %w", err)
		}
	}

	if err := e.Backups.PurgeServer(id); err != nil {
		e.logger.Warn("purging backup archives", zap.String("server_id", id), zap.Error(err))
	}

	e.logger.Info("server deleted", zap.String("server_id", id), zap.String("name", server.Name))

	return nil
}

// StartServer validates and records the Starting intent, then boots in the
// background: artifact installs can take minutes and the caller only needs
// the intent. Failures before spawn land the record on Error and are
// reported on the server's console stream.
func (e *Engine) StartServer(ctx context.Context, id string) error {
	server, err := e.Registry.GetServer(ctx, id)
	if err != nil {
		return err
	}

	if _, live := e.Supervisor.Status(id); live {
		return apierr.New(apierr.AlreadyRunning, "server %q is already running", server.Name)
	}
	if server.State.Live() {
		return apierr.New(apierr.AlreadyRunning, "server %q is %s", server.Name, server.State)
	}

	if !e.starting.InsertIfAbsent(id, struct{}{}) {
		return apierr.New(apierr.AlreadyRunning, "server %q is already starting", server.Name)
	}

	if err := e.Registry.SetState(ctx, id, registry.StateStarting, nil); err != nil {
		e.starting.Remove(id)

		return err
	}
	e.Hub.PublishState(id, registry.StateStarting)

	go e.boot(server)

	return nil
}

func (e *Engine) boot(server *registry.Server) {
	defer e.starting.Remove(server.ID)

	ctx, cancel := context.WithTimeout(context.Background(), bootTimeout)
	defer cancel()

	dir := server.Dir(e.baseDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.bootFailed(server, fmt.Errorf("creating server dir: %w", err))

		return
	}

	runnable, err := e.Installer.EnsureRunnable(ctx, dir, server.Engine, server.Version)
	if err != nil {
		e.bootFailed(server, err)

		return
	}

	rows, err := e.Registry.GetProperties(ctx, server.ID)
	if err != nil {
		e.bootFailed(server, err)

		return
	}
	overrides := make(map[string]string, len(rows))
	for _, row := range rows {
		overrides[row.Key] = row.Value
	}

	if err := props.WriteAll(dir, server, overrides, runnable, e.defaultJavaOpts); err != nil {
		e.bootFailed(server, err)

		return
	}

	if _, err := e.Supervisor.Start(ctx, server, runnable, server.Dir(e.spawnBaseDir), e.defaultJavaOpts); err != nil {
		if apierr.KindOf(err) == apierr.AlreadyRunning {
			// Lost a race against another controller; that child owns
			// the state now.
			e.logger.Warn("start raced a live entry", zap.String("server_id", server.ID))

			return
		}
		e.bootFailed(server, err)

		return
	}
}

// bootFailed parks the record on Error and tells console subscribers why.
func (e *Engine) bootFailed(server *registry.Server, err error) {
	e.logger.Error("server start failed",
		zap.String("server_id", server.ID),
		zap.String("name", server.Name),
		zap.Error(err),
	)

	e.Hub.PublishLog(server.ID, hub.StreamSystem, "start failed: "+apierr.Public(err).Message)
	e.Hub.PublishState(server.ID, registry.StateError)

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if stateErr := e.Registry.SetState(ctx, server.ID, registry.StateError, nil); stateErr != nil {
		e.logger.Error("recording error state", zap.String("server_id", server.ID), zap.Error(stateErr))
	}
}

func (e *Engine) StopServer(ctx context.Context, id string, force bool) error {
	if _, err := e.Registry.GetServer(ctx, id); err != nil {
		return err
	}

	return e.Supervisor.Stop(ctx, id, force)
}

// RestartServer is a graceful stop followed by a fresh start pipeline. A
// server that was not running just starts.
func (e *Engine) RestartServer(ctx context.Context, id string) error {
	if _, err := e.Registry.GetServer(ctx, id); err != nil {
		return err
	}

	if err := e.Supervisor.Stop(ctx, id, false); err != nil && apierr.KindOf(err) != apierr.AlreadyStopped {
		return err
	}

	return e.StartServer(ctx, id)
}

func (e *Engine) SendCommand(ctx context.Context, id, text string) error {
	if text == "" {
		return apierr.New(apierr.InvalidRequest, "command text is required")
	}
	if _, err := e.Registry.GetServer(ctx, id); err != nil {
		return err
	}

	return e.Supervisor.SendCommand(ctx, id, text)
}

// Logs snapshots the console ring.
func (e *Engine) Logs(ctx context.Context, id string) ([]hub.LogLine, error) {
	if _, err := e.Registry.GetServer(ctx, id); err != nil {
		return nil, err
	}

	return e.Hub.Backlog(id), nil
}

func (e *Engine) Stats(ctx context.Context, id string) (*process.Stats, error) {
	if _, err := e.Registry.GetServer(ctx, id); err != nil {
		return nil, err
	}

	return e.Supervisor.Stats(ctx, id)
}

func (e *Engine) Versions(ctx context.Context, engine registry.Engine) ([]versions.Info, error) {
	if !engine.Valid() {
		return nil, apierr.New(apierr.InvalidRequest, "unknown engine %q", engine)
	}

	return e.Resolver.Versions(ctx, engine)
}

// Files returns the traversal-safe view of the server's storage directory.
func (e *Engine) Files(ctx context.Context, id string) (files.Scoped, error) {
	server, err := e.Registry.GetServer(ctx, id)
	if err != nil {
		return files.Scoped{}, err
	}

	return files.New(server.Dir(e.baseDir)), nil
}

// Reconcile repairs records that claim a live child after a control-plane
// restart: without a supervisor entry the child is gone, so the record
// moves to Exited.
func (e *Engine) Reconcile(ctx context.Context) error {
	servers, err := e.Registry.ListServers(ctx)
	if err != nil {
		return err
	}

	for _, server := range servers {
		if !server.State.Live() {
			continue
		}
		if _, ok := e.Supervisor.Status(server.ID); ok {
			continue
		}

		if err := e.Registry.SetState(ctx, server.ID, registry.StateExited, nil); err != nil {
			e.logger.Error("reconciling stale state",
				zap.String("server_id", server.ID), zap.Error(err))

			continue
		}

		e.logger.Info("marked orphaned server exited",
			zap.String("server_id", server.ID),
			zap.String("was", string(server.State)),
		)
	}

	return nil
}

// AutoStartAll starts every server flagged for boot-time start. Individual
// failures are logged and skipped.
func (e *Engine) AutoStartAll(ctx context.Context) {
	servers, err := e.Registry.ListAutoStartServers(ctx)
	if err != nil {
		e.logger.Error("listing autostart servers", zap.Error(err))

		return
	}

	for _, server := range servers {
		if err := e.StartServer(ctx, server.ID); err != nil {
			e.logger.Warn("autostart failed",
				zap.String("server_id", server.ID),
				zap.String("name", server.Name),
				zap.Error(err),
			)
		}
	}
}
