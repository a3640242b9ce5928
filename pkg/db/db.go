package db

import (
	"sync"

	"github.com/caesium-cloud/quarry/internal/models"
	"github.com/caesium-cloud/quarry/pkg/env"
	"github.com/caesium-cloud/quarry/pkg/log"
	_ "github.com/jackc/pgx/v4"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	conn     *gorm.DB
	connOnce sync.Once
)

// Connection returns the process wide database handle, opening it on
// first use according to the configured database type.
func Connection() *gorm.DB {
	connOnce.Do(func() {
		var (
			gdb *gorm.DB
			err error
			cfg = &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
		)

		switch env.Variables().DatabaseType {
		case "sqlite":
			gdb, err = gorm.Open(sqlite.Open(env.Variables().DatabaseDSN), cfg)
		case "postgres":
			fallthrough
		default:
			gdb, err = gorm.Open(postgres.Open(env.Variables().DatabaseDSN), cfg)
		}

		if err != nil {
			log.Fatal("failed to connect to database", "error", err)
		}

		conn = gdb
	})

	return conn
}

// Migrate applies the schema for every model.
func Migrate() error {
	return Connection().AutoMigrate(models.All...)
}
