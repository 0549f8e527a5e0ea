// Package install materializes a runnable server inside a server
// directory: it detects pre-provisioned launchers, downloads engine jars
// through the artifact cache, and runs loader installers.
package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/craftplane/craftplane/internal/apierr"
	"github.com/craftplane/craftplane/internal/artifact"
	"github.com/craftplane/craftplane/internal/catalog"
	"github.com/craftplane/craftplane/internal/hostexec"
	"github.com/craftplane/craftplane/internal/registry"
	"github.com/craftplane/craftplane/internal/versions"
	"github.com/craftplane/craftplane/pkg/ring"
)

type RunnableKind string

const (
	KindScript RunnableKind = "script"
	KindJar    RunnableKind = "jar"
)

// Runnable names the launcher found or produced in a server directory.
// Path is relative to that directory; launches run with it as the working
// directory.
type Runnable struct {
	Kind RunnableKind `json:"kind"`
	Path string       `json:"path"`
}

// Launch scripts win over jars; modded installs ship a run.sh that wires
// the module path no plain -jar invocation can reproduce.
var scriptNames = []string{"run.sh", "start.sh", "run.bat", "start.bat"}

var engineKeywords = []string{
	"server", "forge", "neoforge", "fabric", "paper",
	"spigot", "bukkit", "purpur", "folia", "minecraft",
}

// Detect scans dir for something launchable. Installer jars and bundled
// library jars never count.
func Detect(dir string) (*Runnable, bool) {
	for _, name := range scriptNames {
		info, err := os.Stat(filepath.Join(dir, name))
		if err == nil && info.Mode().IsRegular() {
			return &Runnable{Kind: KindScript, Path: name}, true
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, false
	}

	var jars []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		lower := strings.ToLower(name)
		if !strings.HasSuffix(lower, ".jar") {
			continue
		}
		if strings.Contains(lower, "installer") || strings.Contains(lower, "-lib") {
			continue
		}
		jars = append(jars, name)
	}

	if len(jars) == 0 {
		return nil, false
	}

	for _, jar := range jars {
		lower := strings.ToLower(jar)
		for _, keyword := range engineKeywords {
			if strings.Contains(lower, keyword) {
				return &Runnable{Kind: KindJar, Path: jar}, true
			}
		}
	}

	return &Runnable{Kind: KindJar, Path: jars[0]}, true
}

const (
	installerTimeout = 10 * time.Minute

	// How much trailing installer stderr survives into the error message.
	stderrTailBytes = 4 << 10
)

type Installer struct {
	cache    *artifact.Cache
	catalog  *catalog.Client
	resolver *versions.Resolver
	exec     hostexec.Executor
	logger   *zap.Logger

	timeout time.Duration
}

func New(cache *artifact.Cache, catalogClient *catalog.Client, resolver *versions.Resolver, executor hostexec.Executor, logger *zap.Logger) *Installer {
	return &Installer{
		cache:    cache,
		catalog:  catalogClient,
		resolver: resolver,
		exec:     executor,
		logger:   logger,
		timeout:  installerTimeout,
	}
}

// EnsureRunnable returns the directory's launcher, materializing one via
// the engine's fetch plan when nothing is there yet.
func (i *Installer) EnsureRunnable(ctx context.Context, dir string, engine registry.Engine, version string) (*Runnable, error) {
	if runnable, ok := Detect(dir); ok {
		return runnable, nil
	}

	plan, err := i.resolver.Resolve(ctx, engine, version)
	if err != nil {
		return nil, err
	}

	return i.apply(ctx, dir, engine, version, plan)
}

func (i *Installer) apply(ctx context.Context, dir string, engine registry.Engine, version string, plan *versions.FetchPlan) (*Runnable, error) {
	switch plan.Kind {
	case versions.PlanDirectJar:
		name := fmt.Sprintf("%s-server.jar", engine)
		if err := i.fetchArtifact(ctx, engine, version, plan.URL, filepath.Join(dir, name)); err != nil {
			return nil, err
		}

		return &Runnable{Kind: KindJar, Path: name}, nil

	case versions.PlanInstallerRun:
		return i.runInstaller(ctx, dir, engine, version, plan)

	default:
		return nil, fmt.Errorf("unknown fetch plan kind %q", plan.Kind)
	}
}

// fetchArtifact places the artifact at dst, from cache when (engine,
// version) was downloaded before, otherwise downloading and caching it.
func (i *Installer) fetchArtifact(ctx context.Context, engine registry.Engine, version, url, dst string) error {
	if digest, ok := i.cache.Lookup(string(engine), version); ok {
		if err := i.cache.CopyTo(digest, dst); err == nil {
			i.logger.Debug("artifact served from cache",
				zap.String("engine", string(engine)),
				zap.String("version", version),
				zap.String("digest", digest),
			)

			return nil
		}
		// Fall through to a fresh download on any cache trouble.
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return fmt.Errorf("creating download temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, err := i.catalog.Download(ctx, url, tmp)
	if err != nil {
		return err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding download: %w", err)
	}

	digest, _, err := i.cache.Put(tmp)
	if err != nil {
		return fmt.Errorf("caching download: %w", err)
	}
	if err := i.cache.Link(string(engine), version, digest); err != nil {
		i.logger.Warn("linking cache index failed", zap.Error(err))
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing download: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("placing artifact at %q: %w", dst, err)
	}
	if err := os.Chmod(dst, 0o644); err != nil {
		return fmt.Errorf("setting artifact mode: %w", err)
	}

	i.logger.Info("artifact downloaded",
		zap.String("engine", string(engine)),
		zap.String("version", version),
		zap.Int64("size_bytes", size),
		zap.String("digest", digest),
	)

	return nil
}

func (i *Installer) runInstaller(ctx context.Context, dir string, engine registry.Engine, version string, plan *versions.FetchPlan) (*Runnable, error) {
	installerPath := filepath.Join(dir, plan.FileName)
	if err := i.fetchArtifact(ctx, engine, version, plan.URL, installerPath); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	cmd := i.exec.Command(runCtx, hostexec.Spec{Argv: plan.Argv, Dir: dir})

	stderrTail := ring.New[byte](stderrTailBytes)
	cmd.Stderr = &tailWriter{tail: stderrTail}
	cmd.Stdout = io.Discard

	i.logger.Info("running installer",
		zap.String("engine", string(engine)),
		zap.String("version", version),
		zap.Strings("argv", plan.Argv),
	)

	started := time.Now()
	err := cmd.Run()
	switch {
	case err == nil:
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, apierr.New(apierr.Timeout, "installer for %s %s exceeded %s", engine, version, i.timeout)
	default:
		var exitErr *exec.ExitError
		tail := strings.TrimSpace(string(stderrTail.Snapshot()))
		if errors.As(err, &exitErr) {
			return nil, apierr.New(apierr.InstallerFailed, "installer exited with code %d: %s", exitErr.ExitCode(), tail)
		}

		return nil, apierr.Wrap(apierr.InstallerFailed, err, "installer failed to run")
	}

	i.logger.Info("installer finished",
		zap.String("engine", string(engine)),
		zap.Duration("took", time.Since(started)),
	)

	runnable, ok := Detect(dir)
	if !ok {
		return nil, apierr.New(apierr.InstallerFailed, "installer for %s %s produced nothing runnable", engine, version)
	}

	// The installer served its purpose; keep the directory lean.
	if err := os.Remove(installerPath); err != nil && !os.IsNotExist(err) {
		i.logger.Warn("removing installer jar failed", zap.Error(err))
	}

	return runnable, nil
}

// tailWriter keeps only the last stderrTailBytes of what passes through.
type tailWriter struct {
	tail *ring.Buffer[byte]
}

func (w *tailWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		w.tail.Append(b)
	}

	return len(p), nil
}
