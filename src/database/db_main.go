package database

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Amenzel91/catalyst-bot-sub000/src/database/migrations"
	"github.com/Amenzel91/catalyst-bot-sub000/src/model"
)

// MainDB is the read/write connection shared by the engine process.
var MainDB *gorm.DB

// Open connects using cfg without running migrations.
func Open(cfg Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case DriverSQLite, "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.LogLevel(cfg.GormLogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB from gorm: %w", err)
	}
	if cfg.Driver == DriverPostgres {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(1 * time.Hour)
	} else {
		// sqlite serializes writers; one connection avoids "database is locked".
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate creates or updates every table the engine persists to.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Order{},
		&model.OrderLog{},
		&model.Position{},
		&model.ClosedPosition{},
		&model.Exception{},
		&migrations.DataMigration{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := migrations.Run(db); err != nil {
		return fmt.Errorf("data migrations: %w", err)
	}
	return nil
}

// InitMainDB opens MainDB from the environment and migrates it.
// This should be called once at application startup.
func InitMainDB() error {
	config := GetConfig()
	db, err := Open(config)
	if err != nil {
		return err
	}
	MainDB = db
	logrus.WithField("driver", config.Driver).Info("[database] MainDB connection established")

	if err := Migrate(MainDB); err != nil {
		return fmt.Errorf("failed to run migrations on MainDB: %w", err)
	}
	logrus.Info("[database] MainDB migrations completed")
	return nil
}
