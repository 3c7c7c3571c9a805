package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/camden-git/lastnurses/logger"
	"github.com/camden-git/lastnurses/models"
)

// InitGormDB initializes and returns a GORM database instance. GORM's own
// logger writes through zl.
func InitGormDB(dataSourceName string, zl *zap.Logger) (*gorm.DB, error) {
	zl = logger.OrNop(zl)
	gormLogger := gormlogger.New(
		zap.NewStdLog(zl.Named("gorm")),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(sqlite.Open(dataSourceName), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database using GORM: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB from GORM: %w", err)
	}

	// enable write-ahead logging for better concurrency
	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		zl.Warn("database: failed to set WAL mode", zap.Error(err))
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	zl.Info("database: GORM initialized", zap.String("dsn", dataSourceName))
	return db, nil
}

// AutoMigrateModels migrates the local state and job log schemas
func AutoMigrateModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.KVEntry{},
		&models.JobRecord{},
	)
	if err != nil {
		return fmt.Errorf("GORM AutoMigrate failed: %w", err)
	}
	return nil
}
