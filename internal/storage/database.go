package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/portfolio_site/internal/model"
)

const (
	// DriverNameSQLite identifies the SQLite driver implementation.
	DriverNameSQLite = "sqlite"

	sqliteFileScheme         = "file:"
	sqliteBusyTimeoutPragma  = "busy_timeout(5000)"
	sqliteJournalModePragma  = "journal_mode(WAL)"
	sqlitePragmaQueryKey     = "_pragma"
	sqliteMaxOpenConnections = 1

	errorMessageMissingDatabaseDriverName = "storage: missing database driver name"
	errorMessageUnsupportedDatabaseDriver = "storage: unsupported database driver"
	errorMessageMissingDataSourceName     = "storage: missing database data source name"
	errorMessageOpenDatabase              = "storage: open database"
	errorMessageOpenSQLiteDatabase        = "storage: open sqlite database"
	errorMessageConfigurePool             = "storage: configure connection pool"
	errorMessageMigrate                   = "storage: migrate"
)

var (
	// ErrMissingDatabaseDriverName indicates the database driver name configuration was omitted.
	ErrMissingDatabaseDriverName = errors.New(errorMessageMissingDatabaseDriverName)
	// ErrUnsupportedDatabaseDriver indicates the provided database driver is not supported.
	ErrUnsupportedDatabaseDriver = errors.New(errorMessageUnsupportedDatabaseDriver)
	// ErrMissingDataSourceName indicates the database data source name configuration was omitted.
	ErrMissingDataSourceName = errors.New(errorMessageMissingDataSourceName)
)

type databaseOpener func(Config) (*gorm.DB, error)

var databaseOpeners = map[string]databaseOpener{
	DriverNameSQLite: openSQLiteDatabase,
}

// Config captures database connection configuration.
type Config struct {
	DriverName     string
	DataSourceName string
}

// SQLiteFileConfig builds a Config for an on-disk SQLite database with a busy
// timeout and write-ahead logging enabled.
func SQLiteFileConfig(databaseFilePath string) Config {
	trimmedPath := strings.TrimSpace(databaseFilePath)
	if trimmedPath == "" {
		return Config{DriverName: DriverNameSQLite}
	}
	query := url.Values{}
	query.Add(sqlitePragmaQueryKey, sqliteBusyTimeoutPragma)
	query.Add(sqlitePragmaQueryKey, sqliteJournalModePragma)
	return Config{
		DriverName:     DriverNameSQLite,
		DataSourceName: sqliteFileScheme + trimmedPath + "?" + query.Encode(),
	}
}

// OpenDatabase opens a database connection using the configured driver and data source name.
func OpenDatabase(configuration Config) (*gorm.DB, error) {
	trimmedDriverName := strings.TrimSpace(configuration.DriverName)
	if trimmedDriverName == "" {
		return nil, ErrMissingDatabaseDriverName
	}

	opener, driverSupported := databaseOpeners[trimmedDriverName]
	if !driverSupported {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDatabaseDriver, trimmedDriverName)
	}

	database, openErr := opener(Config{
		DriverName:     trimmedDriverName,
		DataSourceName: strings.TrimSpace(configuration.DataSourceName),
	})
	if openErr != nil {
		return nil, fmt.Errorf("%s: %w", errorMessageOpenDatabase, openErr)
	}

	return database, nil
}

func openSQLiteDatabase(configuration Config) (*gorm.DB, error) {
	if configuration.DataSourceName == "" {
		return nil, ErrMissingDataSourceName
	}

	database, openErr := gorm.Open(sqlite.Open(configuration.DataSourceName), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("%s: %w", errorMessageOpenSQLiteDatabase, openErr)
	}

	sqlDatabase, poolErr := database.DB()
	if poolErr != nil {
		return nil, fmt.Errorf("%s: %w", errorMessageConfigurePool, poolErr)
	}
	sqlDatabase.SetMaxOpenConns(sqliteMaxOpenConnections)

	return database, nil
}

// AutoMigrate creates the messages table when it does not exist yet.
func AutoMigrate(database *gorm.DB) error {
	if migrateErr := database.AutoMigrate(&model.Message{}); migrateErr != nil {
		return fmt.Errorf("%s: %w", errorMessageMigrate, migrateErr)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(database *gorm.DB) error {
	if database == nil {
		return nil
	}
	sqlDatabase, err := database.DB()
	if err != nil {
		return err
	}
	return sqlDatabase.Close()
}
