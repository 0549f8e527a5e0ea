// Package backup archives server directories and brings them back. Manual
// backups come through the API; scheduled ones are cut by a cron sweep over
// every server that opted in. A retention sweep prunes completed archives
// past their configured age.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/craftplane/craftplane/internal/apierr"
	"github.com/craftplane/craftplane/internal/registry"
	"github.com/craftplane/craftplane/pkg/archiver"
	"github.com/craftplane/craftplane/pkg/smap"
)

const (
	// transientPrefix marks working files the system writes into server
	// directories. They never belong in an archive.
	transientPrefix = ".craftplane-"

	// scheduledSweepParallelism bounds how many servers get archived at
	// once during a cron sweep.
	scheduledSweepParallelism = 2

	sweepTimeout = 30 * time.Minute
)

type Service struct {
	reg        *registry.Registry
	baseDir    string
	backupsDir string

	// retentionDays prunes completed backups older than this many days.
	// Zero or negative disables pruning.
	retentionDays int

	cron     *cron.Cron
	inFlight *smap.Map[struct{}]
	logger   *zap.Logger
}

func New(reg *registry.Registry, baseDir, backupsDir string, retentionDays int, logger *zap.Logger) *Service {
	return &Service{
		reg:           reg,
		baseDir:       baseDir,
		backupsDir:    backupsDir,
		retentionDays: retentionDays,
		cron:          cron.New(),
		inFlight:      smap.New[struct{}](),
		logger:        logger.Named("backup"),
	}
}

// Schedule registers the cron jobs and starts the scheduler. An empty spec
// disables scheduled backups; retention still sweeps daily and once now.
func (s *Service) Schedule(spec string) error {
	if spec != "" {
		if _, err := s.cron.AddFunc(spec, s.scheduledSweep); err != nil {
			return apierr.Wrap(apierr.InvalidRequest, err, "invalid backup schedule %q", spec)
		}
		s.logger.Info("scheduled backups enabled", zap.String("schedule", spec))
	}

	if s.retentionDays > 0 {
		if _, err := s.cron.AddFunc("@daily", s.retentionSweep); err != nil {
			return fmt.Errorf("registering retention sweep: %w", err)
		}
		go s.retentionSweep()
	}

	s.cron.Start()

	return nil
}

// Shutdown stops the scheduler and waits for in-flight jobs to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	done := s.cron.Stop()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Create archives the server's directory into a fresh backup. The record
// moves Pending -> InProgress -> Completed; on failure it lands on Failed
// and the partial archive is removed. Live servers may be backed up, the
// archive is simply crash-consistent.
func (s *Service) Create(ctx context.Context, serverID, name string, backupType registry.BackupType) (*registry.Backup, error) {
	server, err := s.reg.GetServer(ctx, serverID)
	if err != nil {
		return nil, err
	}

	if !s.inFlight.InsertIfAbsent(server.ID, struct{}{}) {
		return nil, apierr.New(apierr.AlreadyRunning, "a backup of server %q is already in progress", server.Name)
	}
	defer s.inFlight.Remove(server.ID)

	if name == "" {
		name = fmt.Sprintf("%s-%s", backupType, time.Now().UTC().Format("20060102-150405"))
	}
	if server.State.Live() {
		name += " (live)"
	}

	backup := &registry.Backup{
		ServerID: server.ID,
		Name:     name,
		Type:     backupType,
	}
	if err := s.reg.CreateBackup(ctx, backup); err != nil {
		return nil, err
	}

	backup.Status = registry.BackupInProgress
	if err := s.reg.UpdateBackup(ctx, backup); err != nil {
		return nil, err
	}

	archivePath := filepath.Join(s.backupsDir, server.ID, backup.ID+".zip")
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return nil, s.fail(backup, fmt.Errorf("creating backup dir: %w", err))
	}

	dir := server.Dir(s.baseDir)
	size, err := archiver.ArchiveDir(ctx, dir, archivePath, s.excludeFor(dir))
	if err != nil {
		if rmErr := os.Remove(archivePath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.Warn("removing partial archive", zap.String("path", archivePath), zap.Error(rmErr))
		}

		return nil, s.fail(backup, err)
	}

	now := time.Now().UTC()
	backup.Status = registry.BackupCompleted
	backup.ArchivePath = archivePath
	backup.SizeBytes = size
	backup.CompletedAt = &now
	if err := s.reg.UpdateBackup(ctx, backup); err != nil {
		return nil, err
	}

	s.logger.Info("backup completed",
		zap.String("server_id", server.ID),
		zap.String("backup_id", backup.ID),
		zap.String("size", humanize.Bytes(uint64(size))),
	)

	return backup, nil
}

// excludeFor skips our transient working files and, when the backups root
// happens to live inside the server dir, the backups themselves.
func (s *Service) excludeFor(serverDir string) func(name string) bool {
	nested := ""
	if rel, err := filepath.Rel(serverDir, s.backupsDir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		nested, _, _ = strings.Cut(rel, string(os.PathSeparator))
	}

	return func(name string) bool {
		return strings.HasPrefix(name, transientPrefix) || (nested != "" && name == nested)
	}
}

// fail marks the record Failed on a background context; the caller's may
// already be cancelled.
func (s *Service) fail(backup *registry.Backup, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	backup.Status = registry.BackupFailed
	if err := s.reg.UpdateBackup(ctx, backup); err != nil {
		s.logger.Error("marking backup failed", zap.String("backup_id", backup.ID), zap.Error(err))
	}

	return cause
}

func (s *Service) Get(ctx context.Context, id string) (*registry.Backup, error) {
	return s.reg.GetBackup(ctx, id)
}

func (s *Service) List(ctx context.Context, serverID string) ([]registry.Backup, error) {
	if _, err := s.reg.GetServer(ctx, serverID); err != nil {
		return nil, err
	}

	return s.reg.ListBackups(ctx, serverID)
}

// Delete removes the record and its archive. A missing archive file is not
// an error; the row is the source of truth.
func (s *Service) Delete(ctx context.Context, id string) error {
	backup, err := s.reg.GetBackup(ctx, id)
	if err != nil {
		return err
	}

	if backup.ArchivePath != "" {
		if err := os.Remove(backup.ArchivePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing archive %q: %w", backup.ArchivePath, err)
		}
	}

	return s.reg.DeleteBackup(ctx, id)
}

// Restore replaces the server's directory with the archive's contents. The
// swap is staged: extract next to the live dir, move the live dir aside,
// rename the staging dir into place, then drop the old dir. Any failure
// puts the old dir back.
func (s *Service) Restore(ctx context.Context, id string) error {
	backup, err := s.reg.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	if backup.Status != registry.BackupCompleted {
		return apierr.New(apierr.InvalidRequest, "backup %s is %s; only completed backups can be restored", backup.ID, backup.Status)
	}

	server, err := s.reg.GetServer(ctx, backup.ServerID)
	if err != nil {
		return err
	}
	if server.State.Live() {
		return apierr.New(apierr.InvalidRequest, "server %q must be stopped before restoring a backup", server.Name)
	}

	if !s.inFlight.InsertIfAbsent(server.ID, struct{}{}) {
		return apierr.New(apierr.AlreadyRunning, "a backup of server %q is already in progress", server.Name)
	}
	defer s.inFlight.Remove(server.ID)

	dir := server.Dir(s.baseDir)
	parent := filepath.Dir(dir)

	staging := filepath.Join(parent, transientPrefix+"restore-"+backup.ID)
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clearing staging dir: %w", err)
	}
	if err := archiver.ExtractToDir(ctx, backup.ArchivePath, staging); err != nil {
		_ = os.RemoveAll(staging)

		return fmt.Errorf("unpacking backup %s: %w", backup.ID, err)
	}

	retired := filepath.Join(parent, transientPrefix+"retired-"+backup.ID)
	swapped := false
	if err := os.Rename(dir, retired); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			_ = os.RemoveAll(staging)

			return fmt.Errorf("setting aside %q: %w", dir, err)
		}
	} else {
		swapped = true
	}

	if err := os.Rename(staging, dir); err != nil {
		if swapped {
			if rbErr := os.Rename(retired, dir); rbErr != nil {
				s.logger.Error("rolling back failed restore",
					zap.String("server_id", server.ID),
					zap.String("retired", retired),
					zap.Error(rbErr),
				)
			}
		}
		_ = os.RemoveAll(staging)

		return fmt.Errorf("installing restored dir %q: %w", dir, err)
	}

	if swapped {
		if err := os.RemoveAll(retired); err != nil {
			s.logger.Warn("removing replaced server dir", zap.String("path", retired), zap.Error(err))
		}
	}

	s.logger.Info("backup restored",
		zap.String("server_id", server.ID),
		zap.String("backup_id", backup.ID),
	)

	return nil
}

// PurgeServer drops every archive of the server from disk. Rows go away
// with the server record; this clears only the files.
func (s *Service) PurgeServer(serverID string) error {
	return os.RemoveAll(filepath.Join(s.backupsDir, serverID))
}

// scheduledSweep cuts a backup of every server that opted into the
// schedule. Failures are logged per server and never abort the sweep.
func (s *Service) scheduledSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	servers, err := s.reg.ListScheduledBackupServers(ctx)
	if err != nil {
		s.logger.Error("listing schedule-enabled servers", zap.Error(err))

		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(scheduledSweepParallelism)
	for _, server := range servers {
		g.Go(func() error {
			if _, err := s.Create(ctx, server.ID, "", registry.BackupScheduled); err != nil {
				s.logger.Warn("scheduled backup failed",
					zap.String("server_id", server.ID),
					zap.Error(err),
				)
			}

			return nil
		})
	}
	_ = g.Wait()
}

// retentionSweep deletes completed backups older than the retention window.
func (s *Service) retentionSweep() {
	if s.retentionDays <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	expired, err := s.reg.ListExpiredBackups(ctx, cutoff)
	if err != nil {
		s.logger.Error("listing expired backups", zap.Error(err))

		return
	}

	for _, backup := range expired {
		if err := s.Delete(ctx, backup.ID); err != nil {
			s.logger.Warn("pruning expired backup",
				zap.String("backup_id", backup.ID),
				zap.Error(err),
			)
		}
	}

	if len(expired) > 0 {
		s.logger.Info("retention sweep pruned backups", zap.Int("count", len(expired)))
	}
}
