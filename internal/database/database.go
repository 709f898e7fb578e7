package database

import (
	"fmt"

	"shopwa/internal/config"
	"shopwa/internal/models"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Init opens the application database and migrates the schema. The driver is
// selected by DB_TYPE: sqlite (default), postgres or mysql.
func Init(cfg *config.Config) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)

	switch cfg.DBType {
	case "mysql":
		db, err = connectMySQL(cfg)
	case "postgres", "postgresql":
		db, err = connectPostgreSQL(cfg)
	case "sqlite":
		db, err = connectSQLite(cfg)
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.DBType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate tables: %w", err)
	}

	return db, nil
}

func connectMySQL(cfg *config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=10s&readTimeout=30s&writeTimeout=30s",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return configurePool(db)
}

func connectPostgreSQL(cfg *config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return configurePool(db)
}

func connectSQLite(cfg *config.Config) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(cfg.DBName+".db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
}

func configurePool(db *gorm.DB) (*gorm.DB, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	return db, nil
}

// Migrate creates/updates the application tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.MerchantSession{},
		&models.DeliveryJob{},
		&models.DeliveryRecord{},
	)
}
