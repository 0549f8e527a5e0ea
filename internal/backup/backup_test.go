package backup

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/craftplane/craftplane/internal/apierr"
	"github.com/craftplane/craftplane/internal/registry"
)

func newTestService(t *testing.T) (*Service, *registry.Registry, string) {
	t.Helper()

	logger := zap.NewNop()

	reg, err := registry.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	baseDir := t.TempDir()
	svc := New(reg, baseDir, t.TempDir(), 14, logger)

	return svc, reg, baseDir
}

func seedServer(t *testing.T, reg *registry.Registry, baseDir, name string, port int) *registry.Server {
	t.Helper()

	server := &registry.Server{
		Name:        name,
		Engine:      registry.EngineVanilla,
		Version:     "1.20.4",
		Port:        port,
		StorageKind: registry.StorageNamedVolume,
		StoragePath: name,
	}
	require.NoError(t, reg.CreateServer(context.Background(), server))

	dir := server.Dir(baseDir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "world"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.properties"), []byte("motd=original\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "world", "level.dat"), []byte("dat"), 0o644))

	return server
}

func TestCreateBackup(t *testing.T) {
	t.Parallel()

	svc, _, baseDir := newTestService(t)
	server := seedServer(t, svc.reg, baseDir, "alpha", 25565)

	tmp := filepath.Join(server.Dir(baseDir), ".craftplane-tmp")
	require.NoError(t, os.MkdirAll(tmp, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "partial"), []byte("x"), 0o644))

	backup, err := svc.Create(context.Background(), server.ID, "", registry.BackupManual)
	require.NoError(t, err)

	assert.Equal(t, registry.BackupCompleted, backup.Status)
	assert.Equal(t, registry.BackupManual, backup.Type)
	assert.True(t, strings.HasPrefix(backup.Name, "manual-"), "generated name: %q", backup.Name)
	assert.Positive(t, backup.SizeBytes)
	require.NotNil(t, backup.CompletedAt)

	info, err := os.Stat(backup.ArchivePath)
	require.NoError(t, err)
	assert.Equal(t, backup.SizeBytes, info.Size())

	listed, err := svc.List(context.Background(), server.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, backup.ID, listed[0].ID)
}

func TestCreateBackupMarksLiveServers(t *testing.T) {
	t.Parallel()

	svc, reg, baseDir := newTestService(t)
	server := seedServer(t, reg, baseDir, "alpha", 25565)

	pid := 4321
	require.NoError(t, reg.SetState(context.Background(), server.ID, registry.StateRunning, &pid))

	backup, err := svc.Create(context.Background(), server.ID, "pre-update", registry.BackupManual)
	require.NoError(t, err)
	assert.Equal(t, "pre-update (live)", backup.Name)
	assert.Equal(t, registry.BackupCompleted, backup.Status)
}

func TestCreateBackupUnknownServer(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), "no-such-id", "", registry.BackupManual)
	assert.Equal(t, apierr.NotFound, apierr.KindOf(err))
}

func TestCreateBackupMissingDirFails(t *testing.T) {
	t.Parallel()

	svc, reg, _ := newTestService(t)

	server := &registry.Server{
		Name:        "ghost",
		Engine:      registry.EngineVanilla,
		Version:     "1.20.4",
		Port:        25565,
		StorageKind: registry.StorageNamedVolume,
		StoragePath: "ghost",
	}
	require.NoError(t, reg.CreateServer(context.Background(), server))

	_, err := svc.Create(context.Background(), server.ID, "", registry.BackupManual)
	require.Error(t, err)

	listed, err := reg.ListBackups(context.Background(), server.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, registry.BackupFailed, listed[0].Status)
}

func TestListBackupsUnknownServer(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)

	_, err := svc.List(context.Background(), "no-such-id")
	assert.Equal(t, apierr.NotFound, apierr.KindOf(err))
}

func TestDeleteBackup(t *testing.T) {
	t.Parallel()

	svc, _, baseDir := newTestService(t)
	server := seedServer(t, svc.reg, baseDir, "alpha", 25565)

	backup, err := svc.Create(context.Background(), server.ID, "", registry.BackupManual)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), backup.ID))

	_, err = os.Stat(backup.ArchivePath)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = svc.Get(context.Background(), backup.ID)
	assert.Equal(t, apierr.NotFound, apierr.KindOf(err))

	err = svc.Delete(context.Background(), backup.ID)
	assert.Equal(t, apierr.NotFound, apierr.KindOf(err))
}

func TestRestore(t *testing.T) {
	t.Parallel()

	svc, _, baseDir := newTestService(t)
	server := seedServer(t, svc.reg, baseDir, "alpha", 25565)
	dir := server.Dir(baseDir)

	backup, err := svc.Create(context.Background(), server.ID, "", registry.BackupManual)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.properties"), []byte("motd=changed\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extra.txt"), []byte("new"), 0o644))

	require.NoError(t, svc.Restore(context.Background(), backup.ID))

	content, err := os.ReadFile(filepath.Join(dir, "server.properties"))
	require.NoError(t, err)
	assert.Equal(t, "motd=original\n", string(content))

	_, err = os.Stat(filepath.Join(dir, "extra.txt"))
	assert.ErrorIs(t, err, fs.ErrNotExist, "files newer than the backup must be gone")

	_, err = os.Stat(filepath.Join(dir, "world", "level.dat"))
	assert.NoError(t, err)

	entries, err := os.ReadDir(baseDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "staging and retired dirs must not survive a restore")
	assert.Equal(t, "alpha", entries[0].Name())
}

func TestRestoreRefusesLiveServer(t *testing.T) {
	t.Parallel()

	svc, reg, baseDir := newTestService(t)
	server := seedServer(t, reg, baseDir, "alpha", 25565)

	backup, err := svc.Create(context.Background(), server.ID, "", registry.BackupManual)
	require.NoError(t, err)

	pid := 4321
	require.NoError(t, reg.SetState(context.Background(), server.ID, registry.StateRunning, &pid))

	err = svc.Restore(context.Background(), backup.ID)
	assert.Equal(t, apierr.InvalidRequest, apierr.KindOf(err))
}

func TestRestoreRequiresCompleted(t *testing.T) {
	t.Parallel()

	svc, reg, baseDir := newTestService(t)
	server := seedServer(t, reg, baseDir, "alpha", 25565)

	failed := &registry.Backup{
		ServerID: server.ID,
		Name:     "broken",
		Status:   registry.BackupFailed,
		Type:     registry.BackupManual,
	}
	require.NoError(t, reg.CreateBackup(context.Background(), failed))

	err := svc.Restore(context.Background(), failed.ID)
	assert.Equal(t, apierr.InvalidRequest, apierr.KindOf(err))
}

func TestRetentionSweep(t *testing.T) {
	t.Parallel()

	svc, reg, baseDir := newTestService(t)
	server := seedServer(t, reg, baseDir, "alpha", 25565)

	fresh, err := svc.Create(context.Background(), server.ID, "fresh", registry.BackupManual)
	require.NoError(t, err)

	staleArchive := filepath.Join(svc.backupsDir, server.ID, "stale.zip")
	require.NoError(t, os.MkdirAll(filepath.Dir(staleArchive), 0o755))
	require.NoError(t, os.WriteFile(staleArchive, []byte("zip"), 0o644))

	stale := &registry.Backup{
		ServerID:    server.ID,
		Name:        "stale",
		Status:      registry.BackupCompleted,
		Type:        registry.BackupScheduled,
		ArchivePath: staleArchive,
		CreatedAt:   time.Now().UTC().AddDate(0, 0, -30),
	}
	require.NoError(t, reg.CreateBackup(context.Background(), stale))

	svc.retentionSweep()

	_, err = svc.Get(context.Background(), stale.ID)
	assert.Equal(t, apierr.NotFound, apierr.KindOf(err))

	_, err = os.Stat(staleArchive)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = svc.Get(context.Background(), fresh.ID)
	assert.NoError(t, err, "backups inside the window must survive the sweep")
}

func TestRetentionDisabled(t *testing.T) {
	t.Parallel()

	svc, reg, baseDir := newTestService(t)
	svc.retentionDays = 0
	server := seedServer(t, reg, baseDir, "alpha", 25565)

	old := &registry.Backup{
		ServerID:  server.ID,
		Name:      "ancient",
		Status:    registry.BackupCompleted,
		Type:      registry.BackupManual,
		CreatedAt: time.Now().UTC().AddDate(0, 0, -400),
	}
	require.NoError(t, reg.CreateBackup(context.Background(), old))

	svc.retentionSweep()

	_, err := svc.Get(context.Background(), old.ID)
	assert.NoError(t, err)
}

func TestScheduledSweep(t *testing.T) {
	t.Parallel()

	svc, reg, baseDir := newTestService(t)

	optedIn := seedServer(t, reg, baseDir, "nightly", 25565)
	optedIn.ScheduledBackups = true
	require.NoError(t, reg.UpdateServer(context.Background(), optedIn))

	optedOut := seedServer(t, reg, baseDir, "manual-only", 25566)

	svc.scheduledSweep()

	backups, err := svc.List(context.Background(), optedIn.ID)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, registry.BackupScheduled, backups[0].Type)
	assert.Equal(t, registry.BackupCompleted, backups[0].Status)

	none, err := svc.List(context.Background(), optedOut.ID)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPurgeServer(t *testing.T) {
	t.Parallel()

	svc, _, baseDir := newTestService(t)
	server := seedServer(t, svc.reg, baseDir, "alpha", 25565)

	backup, err := svc.Create(context.Background(), server.ID, "", registry.BackupManual)
	require.NoError(t, err)

	require.NoError(t, svc.PurgeServer(server.ID))

	_, err = os.Stat(backup.ArchivePath)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
