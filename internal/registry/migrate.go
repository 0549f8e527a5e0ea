package registry

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

func migrate(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "20250801000001_initial_schema",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Server{}, &ServerProperty{}, &Modpack{}, &Backup{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("backups", "modpacks", "server_properties", "servers")
			},
		},
	})

	return m.Migrate()
}
