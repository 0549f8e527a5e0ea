// Package provision turns one catalog modpack file into a ready-to-start
// server: archive download, extraction, manifest classification, record
// creation, overrides overlay, and the bounded mod download fan-out, all
// reported live over the progress channel.
package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/craftplane/craftplane/internal/apierr"
	"github.com/craftplane/craftplane/internal/artifact"
	"github.com/craftplane/craftplane/internal/catalog"
	"github.com/craftplane/craftplane/internal/progress"
	"github.com/craftplane/craftplane/internal/registry"
	"github.com/craftplane/craftplane/pkg/archiver"
	"github.com/craftplane/craftplane/pkg/smap"
)

const (
	// cacheEngine keys pack archives in the artifact cache's secondary
	// index, away from engine jars.
	cacheEngine = "modpack"

	maxParallelModDownloads = 5

	// Modded servers rarely boot under 4 GB.
	defaultMemoryMB = 4096
	defaultPort     = 25565

	discardTimeout = 10 * time.Second
)

// Pipeline step names as they appear in progress events. The percents are
// rough milestones, not a monotonic gauge.
const (
	stepFetching        = "fetching"
	stepDownloading     = "downloading"
	stepExtracting      = "extracting"
	stepParsing         = "parsing"
	stepDatabase        = "database"
	stepPort            = "port"
	stepCreating        = "creating"
	stepCopying         = "copying"
	stepDownloadingMods = "downloading-mods"
	stepCleanup         = "cleanup"
)

// Request describes one create-server-from-modpack call.
type Request struct {
	DisplayName string `json:"name"`
	Description string `json:"description"`
	ModpackID   int    `json:"modpackId"`
	FileID      int    `json:"fileId"`
	Port        int    `json:"port"`
	Memory      int    `json:"memory"`
	JavaOpts    string `json:"javaOpts"`
	StoragePath string `json:"storagePath"`
}

type session struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	serverID string
}

func (s *session) setServer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.serverID = id
}

func (s *session) server() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.serverID
}

type Orchestrator struct {
	logger    *zap.Logger
	registry  *registry.Registry
	catalog   *catalog.Client
	artifacts *artifact.Cache
	progress  *progress.Channel
	modLists  *catalog.ModListCache
	baseDir   string

	sessions *smap.Map[*session]
}

func New(reg *registry.Registry, catalogClient *catalog.Client, cache *artifact.Cache, channel *progress.Channel, baseDir string, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		logger:    logger,
		registry:  reg,
		catalog:   catalogClient,
		artifacts: cache,
		progress:  channel,
		modLists:  catalog.NewModListCache(),
		baseDir:   baseDir,
		sessions:  smap.New[*session](),
	}
}

// CreateServer validates the request and kicks off the background pipeline.
// The returned session id is immediately subscribable; the caller's context
// does not bound the run, only explicit cancellation does.
func (o *Orchestrator) CreateServer(ctx context.Context, req Request) (string, error) {
	if !o.catalog.Enabled() {
		return "", apierr.New(apierr.CatalogDisabled, "catalog API key is not configured")
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		return "", apierr.New(apierr.InvalidRequest, "server name is required")
	}
	if req.ModpackID <= 0 || req.FileID <= 0 {
		return "", apierr.New(apierr.InvalidRequest, "modpack and file ids are required")
	}
	if req.Memory <= 0 {
		req.Memory = defaultMemoryMB
	}
	if req.Port <= 0 {
		req.Port = defaultPort
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	o.sessions.Insert(sess.id, sess)
	o.progress.Open(sess.id)

	go o.run(runCtx, sess, req)

	return sess.id, nil
}

func (o *Orchestrator) run(ctx context.Context, sess *session, req Request) {
	defer close(sess.done)
	defer o.sessions.Remove(sess.id)
	defer sess.cancel()

	started := time.Now()

	serverID, err := o.provision(ctx, sess, req)
	if err != nil {
		o.logger.Warn("provisioning failed",
			zap.String("session_id", sess.id),
			zap.Int("modpack_id", req.ModpackID),
			zap.Int("file_id", req.FileID),
			zap.Error(err),
		)
		o.progress.Fail(sess.id, err)

		return
	}

	o.logger.Info("provisioning finished",
		zap.String("session_id", sess.id),
		zap.String("server_id", serverID),
		zap.Duration("took", time.Since(started)),
	)
	o.progress.Complete(sess.id, serverID)
}

// provision is the linear pipeline. The first error wins; the deferred
// temp-dir removal runs on success, failure, and cancellation alike.
func (o *Orchestrator) provision(ctx context.Context, sess *session, req Request) (string, error) {
	o.step(sess.id, stepFetching, 5, "resolving modpack metadata")

	var (
		file *catalog.FileDetail
		meta *catalog.ModpackMeta
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		file, err = o.catalog.File(groupCtx, req.ModpackID, req.FileID)

		return err
	})
	group.Go(func() error {
		var err error
		meta, err = o.catalog.Modpack(groupCtx, req.ModpackID)

		return err
	})
	if err := group.Wait(); err != nil {
		return "", err
	}

	o.step(sess.id, stepDownloading, 15, fmt.Sprintf("downloading %s", file.FileName))
	digest, err := o.fetchArchive(ctx, req.ModpackID, req.FileID, file)
	if err != nil {
		return "", err
	}

	tempDir, err := os.MkdirTemp("", "craftplane-pack-*")
	if err != nil {
		return "", fmt.Errorf("creating extraction dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			o.logger.Warn("removing extraction dir failed", zap.String("dir", tempDir), zap.Error(err))
		}
	}()

	o.step(sess.id, stepExtracting, 35, "extracting archive")
	archivePath := filepath.Join(tempDir, filepath.Base(file.FileName))
	if err := o.artifacts.CopyTo(digest, archivePath); err != nil {
		return "", err
	}

	extractDir := filepath.Join(tempDir, "pack")
	if err := archiver.ExtractToDir(ctx, archivePath, extractDir); err != nil {
		if ctx.Err() != nil {
			return "", apierr.Wrap(apierr.CancelledByCaller, err, "provisioning cancelled")
		}

		return "", apierr.Wrap(apierr.ManifestInvalid, err, "modpack archive does not extract")
	}

	o.step(sess.id, stepParsing, 45, "reading pack manifest")
	pack, err := readManifestDir(extractDir)
	if err != nil {
		return "", err
	}

	engine, version := pack.manifest.EngineAndVersion()

	o.step(sess.id, stepDatabase, 55, "recording modpack")
	if err := o.registry.UpsertModpack(ctx, modpackRecord(meta, file, pack.manifest, engine)); err != nil {
		return "", err
	}

	server := &registry.Server{
		ID:          uuid.NewString(),
		Name:        req.DisplayName,
		Description: req.Description,
		Engine:      engine,
		Version:     version,
		Port:        req.Port,
		Memory:      req.Memory,
		JavaOpts:    req.JavaOpts,
		State:       registry.StateStopped,
		ModpackID:   &meta.ID,
	}
	applyStorage(server, req.StoragePath)

	o.step(sess.id, stepPort, 48, "assigning port")
	o.step(sess.id, stepCreating, 50, "creating server record")
	if err := o.registry.CreateServerWithPortScan(ctx, server); err != nil {
		return "", err
	}
	sess.setServer(server.ID)

	// From here the record exists. It only survives when at least one mod
	// landed; any earlier exit removes it again.
	committed := false
	defer func() {
		if !committed {
			o.discardServer(server)
		}
	}()

	dir := server.Dir(o.baseDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating server directory %q: %w", dir, err)
	}

	o.step(sess.id, stepCopying, 55, "copying pack overrides")
	if err := copyTree(filepath.Join(pack.root, pack.manifest.OverridesDir()), dir); err != nil {
		return "", fmt.Errorf("copying overrides: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "modpack-manifest.json"), pack.raw, 0o644); err != nil {
		return "", fmt.Errorf("preserving manifest: %w", err)
	}

	if err := o.downloadMods(ctx, sess.id, pack.manifest, dir); err != nil {
		return "", err
	}

	committed = true
	o.step(sess.id, stepCleanup, 95, "removing temporary files")

	return server.ID, nil
}

// downloadMods fetches every manifest file entry with at most five in
// flight. Individual failures are counted, not fatal; only a pack where
// nothing downloaded fails the session. Packs without file entries are
// overrides-only and succeed vacuously.
func (o *Orchestrator) downloadMods(ctx context.Context, sessionID string, manifest *Manifest, dir string) error {
	total := len(manifest.Files)
	if total == 0 {
		return nil
	}

	o.progress.Publish(sessionID, progress.Event{
		Step:    stepDownloadingMods,
		Percent: 60,
		Message: fmt.Sprintf("downloading %d mods", total),
		Total:   total,
	})

	ids := make([]int, 0, total)
	for _, entry := range manifest.Files {
		ids = append(ids, entry.FileID)
	}

	details, err := o.catalog.FilesByIDs(ctx, ids)
	if err != nil {
		return err
	}

	modsDir := filepath.Join(dir, "mods")
	if err := os.MkdirAll(modsDir, 0o755); err != nil {
		return fmt.Errorf("creating mods directory: %w", err)
	}

	var (
		mu        sync.Mutex
		done      int
		succeeded int
		wg        sync.WaitGroup
	)

	sem := semaphore.NewWeighted(maxParallelModDownloads)
	for _, entry := range manifest.Files {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)
		go func(entry ManifestFile) {
			defer wg.Done()
			defer sem.Release(1)

			err := o.downloadMod(ctx, details, entry, modsDir)

			mu.Lock()
			done++
			if err == nil {
				succeeded++
			} else {
				o.logger.Warn("mod download failed",
					zap.Int("project_id", entry.ProjectID),
					zap.Int("file_id", entry.FileID),
					zap.Error(err),
				)
			}
			current := done
			percent := 60 + done*20/total
			mu.Unlock()

			o.progress.Publish(sessionID, progress.Event{
				Step:    stepDownloadingMods,
				Percent: percent,
				Message: fmt.Sprintf("%d of %d mods", current, total),
				Current: current,
				Total:   total,
			})
		}(entry)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return apierr.Wrap(apierr.CancelledByCaller, err, "provisioning cancelled")
	}
	if succeeded == 0 {
		return apierr.New(apierr.UpstreamUnavailable, "none of the pack's %d mods could be downloaded", total)
	}

	return nil
}

func (o *Orchestrator) downloadMod(ctx context.Context, details map[int]catalog.FileDetail, entry ManifestFile, modsDir string) error {
	detail, ok := details[entry.FileID]
	if !ok {
		return apierr.New(apierr.NotFound, "file %d is unknown upstream", entry.FileID)
	}
	if detail.DownloadURL == "" {
		return apierr.New(apierr.UpstreamUnavailable, "file %q has no download url", detail.FileName)
	}

	tmp, err := os.CreateTemp(modsDir, ".mod-*")
	if err != nil {
		return fmt.Errorf("creating mod temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := o.catalog.Download(ctx, detail.DownloadURL, tmp); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing mod download: %w", err)
	}

	dst := filepath.Join(modsDir, filepath.Base(detail.FileName))
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("placing mod %q: %w", detail.FileName, err)
	}

	return nil
}

// CancelForServer aborts the session that is provisioning serverID and
// waits for its goroutine to wind down. No-op when none is running.
func (o *Orchestrator) CancelForServer(serverID string) {
	for _, sess := range o.sessions.Items() {
		if sess.server() != serverID {
			continue
		}

		sess.cancel()
		<-sess.done
	}
}

// Shutdown cancels every in-flight session and waits for them, bounded by
// ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	sessions := o.sessions.Items()
	for _, sess := range sessions {
		sess.cancel()
	}

	for _, sess := range sessions {
		select {
		case <-sess.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	o.modLists.Stop()

	return nil
}

// ModList expands one pack file into its mod entries, served from the
// 30-minute cache when warm.
func (o *Orchestrator) ModList(ctx context.Context, modpackID, fileID int) (catalog.ModList, error) {
	return o.modLists.Get(ctx, modpackID, fileID, func(ctx context.Context) (catalog.ModList, error) {
		return o.expandModList(ctx, modpackID, fileID)
	})
}

// LatestModList expands the pack's main file.
func (o *Orchestrator) LatestModList(ctx context.Context, modpackID int) (catalog.ModList, error) {
	meta, err := o.catalog.Modpack(ctx, modpackID)
	if err != nil {
		return nil, err
	}
	if meta.MainFileID <= 0 {
		return nil, apierr.New(apierr.NotFound, "modpack %d has no main file", modpackID)
	}

	return o.ModList(ctx, modpackID, meta.MainFileID)
}

func (o *Orchestrator) expandModList(ctx context.Context, modpackID, fileID int) (catalog.ModList, error) {
	file, err := o.catalog.File(ctx, modpackID, fileID)
	if err != nil {
		return nil, err
	}

	digest, err := o.fetchArchive(ctx, modpackID, fileID, file)
	if err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "craftplane-modlist-*")
	if err != nil {
		return nil, fmt.Errorf("creating modlist temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	archivePath := filepath.Join(tempDir, filepath.Base(file.FileName))
	if err := o.artifacts.CopyTo(digest, archivePath); err != nil {
		return nil, err
	}

	raw, err := archiver.ReadEntry(ctx, archivePath, isManifestEntry)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apierr.New(apierr.ManifestMissing, "archive contains no manifest.json")
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest from archive: %w", err)
	}

	manifest, err := ParseManifest(raw)
	if err != nil {
		return nil, err
	}

	projectIDs := make([]int, 0, len(manifest.Files))
	for _, entry := range manifest.Files {
		projectIDs = append(projectIDs, entry.ProjectID)
	}

	mods, err := o.catalog.ModsByIDs(ctx, projectIDs)
	if err != nil {
		return nil, err
	}

	list := make(catalog.ModList, 0, len(manifest.Files))
	for _, entry := range manifest.Files {
		item := catalog.ModEntry{
			ProjectID: entry.ProjectID,
			FileID:    entry.FileID,
			Required:  entry.Required,
		}
		if mod, ok := mods[entry.ProjectID]; ok {
			item.Name = mod.Name
			item.Slug = mod.Slug
			item.Summary = mod.Summary
			item.WebsiteURL = mod.Links.WebsiteURL
			if mod.Logo != nil {
				item.LogoURL = mod.Logo.ThumbnailURL
			}
		}
		list = append(list, item)
	}

	return list, nil
}

// fetchArchive returns the digest of the pack archive, downloading into
// the artifact cache unless a previous run already did.
func (o *Orchestrator) fetchArchive(ctx context.Context, modpackID, fileID int, file *catalog.FileDetail) (string, error) {
	key := fmt.Sprintf("%d-%d", modpackID, fileID)
	if digest, ok := o.artifacts.Lookup(cacheEngine, key); ok {
		return digest, nil
	}

	if file.DownloadURL == "" {
		return "", apierr.New(apierr.UpstreamUnavailable, "file %q has no download url", file.FileName)
	}

	tmp, err := os.CreateTemp("", ".craftplane-archive-*")
	if err != nil {
		return "", fmt.Errorf("creating download temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, err := o.catalog.Download(ctx, file.DownloadURL, tmp)
	if err != nil {
		return "", err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding download: %w", err)
	}

	digest, _, err := o.artifacts.Put(tmp)
	if err != nil {
		return "", fmt.Errorf("caching archive: %w", err)
	}
	if err := o.artifacts.Link(cacheEngine, key, digest); err != nil {
		o.logger.Warn("linking archive index failed", zap.Error(err))
	}

	o.logger.Info("modpack archive downloaded",
		zap.Int("modpack_id", modpackID),
		zap.Int("file_id", fileID),
		zap.Int64("size_bytes", size),
	)

	return digest, nil
}

// discardServer rolls back a record whose provisioning did not finish. It
// runs off the session context, which is usually already cancelled here.
func (o *Orchestrator) discardServer(server *registry.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), discardTimeout)
	defer cancel()

	if err := o.registry.DeleteServer(ctx, server.ID); err != nil && !apierr.Is(err, apierr.NotFound) {
		o.logger.Warn("discarding unfinished server record failed",
			zap.String("server_id", server.ID),
			zap.Error(err),
		)
	}

	// Bind paths belong to the user; only directories this run created are
	// removed.
	if server.StorageKind == registry.StorageNamedVolume {
		if err := os.RemoveAll(server.Dir(o.baseDir)); err != nil {
			o.logger.Warn("removing unfinished server directory failed",
				zap.String("server_id", server.ID),
				zap.Error(err),
			)
		}
	}
}

func (o *Orchestrator) step(sessionID, step string, percent int, message string) {
	o.progress.Publish(sessionID, progress.Event{
		Step:    step,
		Percent: percent,
		Message: message,
	})
}

func applyStorage(server *registry.Server, storagePath string) {
	if storagePath != "" {
		server.StorageKind = registry.StorageBindPath
		server.StoragePath = storagePath

		return
	}

	server.StorageKind = registry.StorageNamedVolume
	server.StoragePath = server.ID
}

func modpackRecord(meta *catalog.ModpackMeta, file *catalog.FileDetail, manifest *Manifest, loader registry.Engine) *registry.Modpack {
	names := make([]string, 0, len(meta.Authors))
	for _, author := range meta.Authors {
		names = append(names, author.Name)
	}
	authors, _ := json.Marshal(names)

	record := &registry.Modpack{
		ID:          meta.ID,
		Name:        meta.Name,
		Authors:     string(authors),
		GameVersion: manifest.Minecraft.Version,
		Loader:      loader,
		DownloadURL: file.DownloadURL,
	}
	if meta.Logo != nil {
		record.IconURL = meta.Logo.ThumbnailURL
	}

	return record
}

type packContents struct {
	manifest *Manifest
	raw      []byte

	// root is the directory holding manifest.json; overrides live beside it.
	root string
}

// readManifestDir locates manifest.json in the extracted archive. Packs
// zipped with a single wrapper directory keep it one level down.
func readManifestDir(dir string) (*packContents, error) {
	candidates := []string{dir}
	if entries, err := os.ReadDir(dir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				candidates = append(candidates, filepath.Join(dir, entry.Name()))
			}
		}
	}

	for _, root := range candidates {
		raw, err := os.ReadFile(filepath.Join(root, "manifest.json"))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading manifest.json: %w", err)
		}

		manifest, err := ParseManifest(raw)
		if err != nil {
			return nil, err
		}

		return &packContents{manifest: manifest, raw: raw, root: root}, nil
	}

	return nil, apierr.New(apierr.ManifestMissing, "archive contains no manifest.json")
}

func isManifestEntry(name string) bool {
	return name == "manifest.json" || strings.HasSuffix(name, "/manifest.json")
}

// copyTree overlays srcDir onto dstDir. A missing srcDir is fine: packs
// without overrides have nothing to overlay.
func copyTree(srcDir, dstDir string) error {
	info, err := os.Stat(srcDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("overrides path %q is not a directory", srcDir)
	}

	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		target := filepath.Join(dstDir, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}

		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying %q: %w", src, err)
	}

	return out.Close()
}
