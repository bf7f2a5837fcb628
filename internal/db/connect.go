package db

import (
	"fmt"
	"net"
	"strconv"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/zulandar/relance/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// memoryPath selects a private in-memory sqlite database.
const memoryPath = ":memory:"

// DSN builds the driver-specific connection string for cfg. An explicit
// cfg.DSN is returned unchanged.
func DSN(cfg config.DatabaseConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	switch cfg.Driver {
	case "mysql":
		mc := mysqldrv.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		mc.DBName = cfg.Name
		mc.ParseTime = true
		mc.Loc = time.UTC
		return mc.FormatDSN()
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name)
	default:
		if cfg.Path == memoryPath {
			return MemoryDSN("relance")
		}
		return cfg.Path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
}

// MemoryDSN returns a shared-cache in-memory sqlite DSN. Connections opened
// with the same name see the same database.
func MemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
}

// Dialector returns the gorm dialector matching cfg.Driver.
func Dialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	dsn := DSN(cfg)
	switch cfg.Driver {
	case "mysql":
		return mysql.Open(dsn), nil
	case "postgres":
		return postgres.Open(dsn), nil
	case "sqlite", "":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}

// Connect opens a GORM connection for cfg. Timestamps are written in UTC.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}
	db, err := Open(dialector)
	if err != nil {
		return nil, fmt.Errorf("db: connect to %s %s: %w", cfg.Driver, target(cfg), err)
	}
	if cfg.Driver == "sqlite" || cfg.Driver == "" {
		// sqlite allows a single writer; funnel everything through one
		// connection so lease updates serialize instead of failing busy.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: connect: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Open opens a GORM connection on an arbitrary dialector with the project's
// defaults: silent logger and UTC clock.
func Open(dialector gorm.Dialector) (*gorm.DB, error) {
	return gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
}

// OpenMemory opens a migrated in-memory sqlite database named name.
func OpenMemory(name string) (*gorm.DB, error) {
	db, err := Connect(config.DatabaseConfig{Driver: "sqlite", DSN: MemoryDSN(name)})
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// EnsureDatabase creates the configured MySQL database if it does not exist.
// Other drivers need no server-side creation step (sqlite creates the file,
// postgres databases are provisioned by the operator).
func EnsureDatabase(cfg config.DatabaseConfig) error {
	if cfg.Driver != "mysql" || cfg.DSN != "" {
		return nil
	}
	admin := cfg
	admin.Name = ""
	adminDB, err := Open(mysql.Open(DSN(admin)))
	if err != nil {
		return fmt.Errorf("db: admin connect to %s: %w", target(cfg), err)
	}
	sql := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Name)
	if err := adminDB.Exec(sql).Error; err != nil {
		return fmt.Errorf("db: create database %s: %w", cfg.Name, err)
	}
	return nil
}

func target(cfg config.DatabaseConfig) string {
	if cfg.Driver == "sqlite" || cfg.Driver == "" {
		if cfg.DSN != "" {
			return cfg.DSN
		}
		return cfg.Path
	}
	return fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Name)
}
