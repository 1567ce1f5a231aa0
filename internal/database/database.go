package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/presence"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects the backing database.
type Options struct {
	Driver string
	Path   string
	DSN    string
	Logger *zap.Logger
}

// Open establishes a connection for the configured driver and performs schema migrations.
func Open(options Options) (*gorm.DB, error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialector, target, err := dialectorFor(options)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if options.Driver == DriverSQLite || options.Driver == "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driverName(options.Driver)), zap.String("target", target))
	return db, nil
}

// Migrate creates the schema and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&documents.Document{}, &presence.LivenessRecord{}, &users.Identity{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func dialectorFor(options Options) (gorm.Dialector, string, error) {
	switch driverName(options.Driver) {
	case DriverSQLite:
		if options.Path == "" {
			return nil, "", fmt.Errorf("database path is required")
		}
		return sqlite.Open(options.Path), options.Path, nil
	case DriverPostgres:
		if options.DSN == "" {
			return nil, "", fmt.Errorf("database dsn is required")
		}
		return postgres.Open(options.DSN), redactDSN(options.DSN), nil
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", options.Driver)
	}
}

func driverName(driver string) string {
	if driver == "" {
		return DriverSQLite
	}
	return driver
}

// redactDSN drops credentials so the target can be logged.
func redactDSN(dsn string) string {
	if at := strings.LastIndex(dsn, "@"); at >= 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 && scheme < at {
			return dsn[:scheme+3] + "***" + dsn[at:]
		}
	}
	fields := strings.Fields(dsn)
	for index, field := range fields {
		if strings.HasPrefix(field, "password=") {
			fields[index] = "password=***"
		}
	}
	return strings.Join(fields, " ")
}
