package cfg

import "github.com/caarlos0/env/v11"

type Config struct {
	// ServersBaseDir is the root under which every server's storage
	// directory lives.
	ServersBaseDir string `env:"SERVERS_BASE_DIR" envDefault:"/var/lib/craftplane/servers"`

	// HostServersPath is the same root as seen from the host's mount
	// namespace. It differs from ServersBaseDir only when the control
	// plane itself runs inside a container.
	HostServersPath string `env:"HOST_SERVERS_PATH"`

	// CatalogAPIKey gates every upstream catalog operation. When empty,
	// catalog calls fail with CatalogDisabled.
	CatalogAPIKey  string `env:"CATALOG_API_KEY"`
	CatalogBaseURL string `env:"CATALOG_BASE_URL" envDefault:"https://api.curseforge.com"`

	DefaultJavaOpts string `env:"DEFAULT_JAVA_OPTS"`

	BackupRetentionDays int    `env:"BACKUP_RETENTION_DAYS" envDefault:"14"`
	BackupCron          string `env:"BACKUP_CRON"`
	BackupsDir          string `env:"BACKUPS_DIR" envDefault:"/var/lib/craftplane/backups"`

	// DatabaseURL is the sqlite DSN. Relative paths resolve under
	// ServersBaseDir's parent.
	DatabaseURL string `env:"DATABASE_URL" envDefault:"craftplane.db"`

	CacheDir string `env:"CACHE_DIR" envDefault:"/var/lib/craftplane/cache"`

	HTTPPort uint16 `env:"HTTP_PORT" envDefault:"8080"`

	LogDir string `env:"LOG_DIR"`
	Debug  bool   `env:"DEBUG" envDefault:"false"`

	// NsenterTargetPID switches the supervisor to namespace-entering
	// execution, spawning children in the given process's namespaces.
	NsenterTargetPID int `env:"NSENTER_TARGET_PID" envDefault:"0"`
}

// CatalogEnabled reports whether upstream catalog operations may run.
func (c Config) CatalogEnabled() bool {
	return c.CatalogAPIKey != ""
}

func Parse() (Config, error) {
	var config Config
	err := env.Parse(&config)
	return config, err
}
