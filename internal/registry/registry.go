// Package registry is the durable source of truth for server records and
// their uniqueness invariants.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/craftplane/craftplane/internal/apierr"
)

const (
	PortMin = 1024
	PortMax = 65535
)

type Registry struct {
	db     *gorm.DB
	logger *zap.Logger

	// createMu serializes uniqueness checks and inserts so concurrent
	// creates cannot both pass for the same name or port.
	createMu sync.Mutex
}

func Open(dsn string, logger *zap.Logger) (*Registry, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", dsn, err)
	}

	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &Registry{
		db:     db,
		logger: logger,
	}, nil
}

func (r *Registry) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

// CreateServer inserts the record, enforcing name and port uniqueness
// atomically. The port must already be chosen; use CreateServerWithPortScan
// when the caller only has a preferred port.
func (r *Registry) CreateServer(ctx context.Context, server *Server) error {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	return r.createLocked(ctx, server, false)
}

// CreateServerWithPortScan inserts the record, moving server.Port upward
// from the requested value until a free port is found. Scan and insert
// happen in one critical section.
func (r *Registry) CreateServerWithPortScan(ctx context.Context, server *Server) error {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	port, err := r.findAvailablePortLocked(ctx, server.Port)
	if err != nil {
		return err
	}
	server.Port = port

	return r.createLocked(ctx, server, true)
}

func (r *Registry) createLocked(ctx context.Context, server *Server, portChecked bool) error {
	if server.Port < PortMin || server.Port > PortMax {
		return apierr.New(apierr.InvalidRequest, "port %d outside allowed range %d-%d", server.Port, PortMin, PortMax)
	}
	if server.Name == "" {
		return apierr.New(apierr.InvalidRequest, "server name must not be empty")
	}
	if !server.Engine.Valid() {
		return apierr.New(apierr.InvalidRequest, "unknown engine %q", server.Engine)
	}

	if server.ID == "" {
		server.ID = uuid.NewString()
	}
	if server.State == "" {
		server.State = StateStopped
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&Server{}).Where("name = ?", server.Name).Count(&count).Error; err != nil {
		return fmt.Errorf("checking name uniqueness: %w", err)
	}
	if count > 0 {
		return apierr.New(apierr.ConflictName, "server name %q is already taken", server.Name)
	}

	if !portChecked {
		if err := r.db.WithContext(ctx).Model(&Server{}).Where("port = ?", server.Port).Count(&count).Error; err != nil {
			return fmt.Errorf("checking port uniqueness: %w", err)
		}
		if count > 0 {
			return apierr.New(apierr.ConflictPort, "port %d is already reserved", server.Port)
		}
	}

	if err := r.db.WithContext(ctx).Create(server).Error; err != nil {
		return fmt.Errorf("inserting server: %w", err)
	}

	return nil
}

// FindAvailablePort scans upward from requested and returns the first port
// not reserved by any record.
func (r *Registry) FindAvailablePort(ctx context.Context, requested int) (int, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	return r.findAvailablePortLocked(ctx, requested)
}

func (r *Registry) findAvailablePortLocked(ctx context.Context, requested int) (int, error) {
	if requested < PortMin {
		requested = PortMin
	}

	var ports []int
	if err := r.db.WithContext(ctx).Model(&Server{}).Pluck("port", &ports).Error; err != nil {
		return 0, fmt.Errorf("loading reserved ports: %w", err)
	}

	reserved := make(map[int]bool, len(ports))
	for _, p := range ports {
		reserved[p] = true
	}

	for port := requested; port <= PortMax; port++ {
		if !reserved[port] {
			return port, nil
		}
	}

	return 0, apierr.New(apierr.ConflictPort, "no free port at or above %d", requested)
}

func (r *Registry) GetServer(ctx context.Context, id string) (*Server, error) {
	var server Server
	err := r.db.WithContext(ctx).First(&server, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.New(apierr.NotFound, "server %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading server %s: %w", id, err)
	}

	return &server, nil
}

func (r *Registry) GetServerByName(ctx context.Context, name string) (*Server, error) {
	var server Server
	err := r.db.WithContext(ctx).First(&server, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.New(apierr.NotFound, "server named %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("loading server %q: %w", name, err)
	}

	return &server, nil
}

func (r *Registry) ListServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	if err := r.db.WithContext(ctx).Order("created_at").Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("listing servers: %w", err)
	}

	return servers, nil
}

func (r *Registry) ListAutoStartServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	if err := r.db.WithContext(ctx).Where("auto_start = ?", true).Order("created_at").Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("listing autostart servers: %w", err)
	}

	return servers, nil
}

func (r *Registry) ListScheduledBackupServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	if err := r.db.WithContext(ctx).Where("scheduled_backups = ?", true).Order("created_at").Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("listing backup-scheduled servers: %w", err)
	}

	return servers, nil
}

// UpdateServer persists the full record. Name and port uniqueness are
// re-checked against other records.
func (r *Registry) UpdateServer(ctx context.Context, server *Server) error {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	if server.Port < PortMin || server.Port > PortMax {
		return apierr.New(apierr.InvalidRequest, "port %d outside allowed range %d-%d", server.Port, PortMin, PortMax)
	}

	var count int64
	if err := r.db.WithContext(ctx).Model(&Server{}).Where("name = ? AND id <> ?", server.Name, server.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("checking name uniqueness: %w", err)
	}
	if count > 0 {
		return apierr.New(apierr.ConflictName, "server name %q is already taken", server.Name)
	}

	if err := r.db.WithContext(ctx).Model(&Server{}).Where("port = ? AND id <> ?", server.Port, server.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("checking port uniqueness: %w", err)
	}
	if count > 0 {
		return apierr.New(apierr.ConflictPort, "port %d is already reserved", server.Port)
	}

	if err := r.db.WithContext(ctx).Save(server).Error; err != nil {
		return fmt.Errorf("updating server %s: %w", server.ID, err)
	}

	return nil
}

// SetState records a lifecycle transition observed by the supervisor (or an
// intent set by a controller). A running server is never regressed to
// starting; everything else is the supervisor's authority.
func (r *Registry) SetState(ctx context.Context, id string, state State, pid *int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Server
		err := tx.Select("state").First(&current, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apierr.New(apierr.NotFound, "server %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("loading server state: %w", err)
		}

		if current.State == StateRunning && state == StateStarting {
			return apierr.New(apierr.InvalidRequest, "refusing to regress running server %s to starting", id)
		}

		updates := map[string]any{
			"state": state,
			"pid":   pid,
		}
		if state == StateStarting {
			updates["last_started"] = time.Now()
		}

		if err := tx.Model(&Server{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("updating server state: %w", err)
		}

		return nil
	})
}

// DeleteServer removes the record and its owned rows. Cascades are done
// explicitly; sqlite only honors FK cascades with a pragma we do not
// require.
func (r *Registry) DeleteServer(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&Server{ID: id})
		if res.Error != nil {
			return fmt.Errorf("deleting server %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return apierr.New(apierr.NotFound, "server %s not found", id)
		}

		if err := tx.Where("server_id = ?", id).Delete(&ServerProperty{}).Error; err != nil {
			return fmt.Errorf("deleting properties of %s: %w", id, err)
		}
		if err := tx.Where("server_id = ?", id).Delete(&Backup{}).Error; err != nil {
			return fmt.Errorf("deleting backup rows of %s: %w", id, err)
		}

		return nil
	})
}

func (r *Registry) GetProperties(ctx context.Context, serverID string) ([]ServerProperty, error) {
	var props []ServerProperty
	if err := r.db.WithContext(ctx).Where("server_id = ?", serverID).Order("prop_key").Find(&props).Error; err != nil {
		return nil, fmt.Errorf("loading properties for %s: %w", serverID, err)
	}

	return props, nil
}

// UpsertProperties inserts or replaces the given key/value rows for one
// server, leaving keys not mentioned untouched.
func (r *Registry) UpsertProperties(ctx context.Context, serverID string, kv map[string]string) error {
	if len(kv) == 0 {
		return nil
	}

	rows := make([]ServerProperty, 0, len(kv))
	for k, v := range kv {
		rows = append(rows, ServerProperty{ServerID: serverID, Key: k, Value: v})
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server_id"}, {Name: "prop_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"prop_value"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("upserting properties for %s: %w", serverID, err)
	}

	return nil
}

func (r *Registry) DeleteProperty(ctx context.Context, serverID, key string) error {
	err := r.db.WithContext(ctx).Where("server_id = ? AND prop_key = ?", serverID, key).Delete(&ServerProperty{}).Error
	if err != nil {
		return fmt.Errorf("deleting property %q for %s: %w", key, serverID, err)
	}

	return nil
}

// UpsertModpack creates or refreshes the cached modpack record keyed by the
// upstream catalog id.
func (r *Registry) UpsertModpack(ctx context.Context, pack *Modpack) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(pack).Error
	if err != nil {
		return fmt.Errorf("upserting modpack %d: %w", pack.ID, err)
	}

	return nil
}

func (r *Registry) GetModpack(ctx context.Context, id int) (*Modpack, error) {
	var pack Modpack
	err := r.db.WithContext(ctx).First(&pack, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.New(apierr.NotFound, "modpack %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading modpack %d: %w", id, err)
	}

	return &pack, nil
}

func (r *Registry) ListModpacks(ctx context.Context) ([]Modpack, error) {
	var packs []Modpack
	if err := r.db.WithContext(ctx).Order("name").Find(&packs).Error; err != nil {
		return nil, fmt.Errorf("listing modpacks: %w", err)
	}

	return packs, nil
}

func (r *Registry) CreateBackup(ctx context.Context, backup *Backup) error {
	if backup.ID == "" {
		backup.ID = uuid.NewString()
	}
	if backup.Status == "" {
		backup.Status = BackupPending
	}

	if err := r.db.WithContext(ctx).Create(backup).Error; err != nil {
		return fmt.Errorf("inserting backup: %w", err)
	}

	return nil
}

func (r *Registry) UpdateBackup(ctx context.Context, backup *Backup) error {
	if err := r.db.WithContext(ctx).Save(backup).Error; err != nil {
		return fmt.Errorf("updating backup %s: %w", backup.ID, err)
	}

	return nil
}

func (r *Registry) GetBackup(ctx context.Context, id string) (*Backup, error) {
	var backup Backup
	err := r.db.WithContext(ctx).First(&backup, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apierr.New(apierr.NotFound, "backup %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading backup %s: %w", id, err)
	}

	return &backup, nil
}

func (r *Registry) ListBackups(ctx context.Context, serverID string) ([]Backup, error) {
	var backups []Backup
	if err := r.db.WithContext(ctx).Where("server_id = ?", serverID).Order("created_at DESC").Find(&backups).Error; err != nil {
		return nil, fmt.Errorf("listing backups for %s: %w", serverID, err)
	}

	return backups, nil
}

func (r *Registry) DeleteBackup(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&Backup{ID: id})
	if res.Error != nil {
		return fmt.Errorf("deleting backup %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return apierr.New(apierr.NotFound, "backup %s not found", id)
	}

	return nil
}

// ListExpiredBackups returns completed backups created before the cutoff.
func (r *Registry) ListExpiredBackups(ctx context.Context, before time.Time) ([]Backup, error) {
	var backups []Backup
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", BackupCompleted, before).
		Find(&backups).Error
	if err != nil {
		return nil, fmt.Errorf("listing expired backups: %w", err)
	}

	return backups, nil
}
