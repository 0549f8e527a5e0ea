package registry

import (
	"path/filepath"
	"time"
)

type Engine string

const (
	EngineVanilla  Engine = "vanilla"
	EnginePaper    Engine = "paper"
	EngineSpigot   Engine = "spigot"
	EngineBukkit   Engine = "bukkit"
	EngineFabric   Engine = "fabric"
	EngineForge    Engine = "forge"
	EngineNeoForge Engine = "neoforge"
	EngineQuilt    Engine = "quilt"
	EnginePurpur   Engine = "purpur"
	EngineFolia    Engine = "folia"
)

var engines = map[Engine]bool{
	EngineVanilla:  true,
	EnginePaper:    true,
	EngineSpigot:   true,
	EngineBukkit:   true,
	EngineFabric:   true,
	EngineForge:    true,
	EngineNeoForge: true,
	EngineQuilt:    true,
	EnginePurpur:   true,
	EngineFolia:    true,
}

func (e Engine) Valid() bool {
	return engines[e]
}

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateExited   State = "exited"
	StateError    State = "error"
)

// Live reports whether a supervisor entry must exist for a server in this
// state.
func (s State) Live() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

type StorageKind string

const (
	StorageNamedVolume StorageKind = "named_volume"
	StorageBindPath    StorageKind = "bind_path"
)

type GameOptions struct {
	Seed       string `json:"seed"`
	Difficulty string `json:"difficulty" gorm:"default:normal"`
	Gamemode   string `json:"gamemode" gorm:"default:survival"`
	PVP        bool   `json:"pvp" gorm:"column:pvp;default:true"`
	Whitelist  bool   `json:"whitelist"`
	OnlineMode bool   `json:"online_mode" gorm:"column:online_mode;default:true"`
	MaxPlayers int    `json:"max_players" gorm:"column:max_players;default:20"`
	MOTD       string `json:"motd" gorm:"column:motd"`
}

type Server struct {
	ID          string `json:"id" gorm:"primaryKey"`
	Name        string `json:"name" gorm:"not null;uniqueIndex"`
	Description string `json:"description"`
	Engine      Engine `json:"engine" gorm:"not null"`
	Version     string `json:"version" gorm:"not null"`
	Port        int    `json:"port" gorm:"not null;uniqueIndex"`
	Memory      int    `json:"memory" gorm:"default:2048"` // in MB
	JavaOpts    string `json:"java_opts" gorm:"column:java_opts"`

	AutoStart        bool `json:"auto_start" gorm:"column:auto_start"`
	ScheduledBackups bool `json:"scheduled_backups" gorm:"column:scheduled_backups"`

	State State `json:"state" gorm:"not null;default:stopped"`

	StorageKind StorageKind `json:"storage_kind" gorm:"not null;column:storage_kind;default:named_volume"`
	StoragePath string      `json:"storage_path" gorm:"not null;column:storage_path"`

	// PID of the live child process, nil while no supervisor entry exists.
	PID *int `json:"pid,omitempty" gorm:"column:pid"`

	Options GameOptions `json:"options" gorm:"embedded;embeddedPrefix:opt_"`

	// ModpackID links back to the catalog modpack this server was
	// provisioned from.
	ModpackID *int `json:"modpack_id,omitempty" gorm:"column:modpack_id"`

	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
	LastStarted *time.Time `json:"last_started,omitempty" gorm:"column:last_started"`
}

// Dir resolves the server's storage directory. Named volumes live under
// the configured base directory; bind paths are taken as-is.
func (s *Server) Dir(baseDir string) string {
	if s.StorageKind == StorageBindPath {
		return s.StoragePath
	}

	return filepath.Join(baseDir, s.StoragePath)
}

type ServerProperty struct {
	ID       uint    `json:"-" gorm:"primaryKey"`
	ServerID string  `json:"-" gorm:"not null;uniqueIndex:idx_server_prop_key;column:server_id"`
	Key      string  `json:"key" gorm:"not null;uniqueIndex:idx_server_prop_key;column:prop_key"`
	Value    string  `json:"value" gorm:"column:prop_value"`
	Server   *Server `json:"-" gorm:"foreignKey:ServerID;constraint:OnDelete:CASCADE"`
}

type Modpack struct {
	// ID is the upstream catalog id.
	ID          int    `json:"id" gorm:"primaryKey"`
	Name        string `json:"name" gorm:"not null"`
	Authors     string `json:"authors"` // JSON-encoded list of names
	GameVersion string `json:"game_version" gorm:"column:game_version"`
	Loader      Engine `json:"loader"`
	DownloadURL string `json:"download_url" gorm:"column:download_url"`
	IconURL     string `json:"icon_url" gorm:"column:icon_url"`

	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

type BackupStatus string

const (
	BackupPending    BackupStatus = "pending"
	BackupInProgress BackupStatus = "in_progress"
	BackupCompleted  BackupStatus = "completed"
	BackupFailed     BackupStatus = "failed"
)

type BackupType string

const (
	BackupManual    BackupType = "manual"
	BackupScheduled BackupType = "scheduled"
)

type Backup struct {
	ID          string       `json:"id" gorm:"primaryKey"`
	ServerID    string       `json:"server_id" gorm:"not null;index;column:server_id"`
	Server      *Server      `json:"-" gorm:"foreignKey:ServerID;constraint:OnDelete:CASCADE"`
	Name        string       `json:"name" gorm:"not null"`
	Status      BackupStatus `json:"status" gorm:"not null"`
	ArchivePath string       `json:"archive_path" gorm:"column:archive_path"`
	SizeBytes   int64        `json:"size_bytes" gorm:"column:size_bytes"`
	Type        BackupType   `json:"type" gorm:"not null"`
	CreatedAt   time.Time    `json:"created_at" gorm:"autoCreateTime"`
	CompletedAt *time.Time   `json:"completed_at,omitempty" gorm:"column:completed_at"`
}
