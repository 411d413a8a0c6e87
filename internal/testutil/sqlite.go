// Package testutil opens throwaway message databases for package tests.
package testutil

import (
	"fmt"
	"log"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/MarkoPoloResearchLab/portfolio_site/internal/storage"
)

const inMemoryMessagesDSNPattern = "file:portfolio-messages-%s?mode=memory&cache=shared"

// InMemoryConfig returns a storage configuration naming a fresh shared-cache
// in-memory SQLite database. Every call yields a distinct database.
func InMemoryConfig() storage.Config {
	return storage.Config{
		DriverName:     storage.DriverNameSQLite,
		DataSourceName: fmt.Sprintf(inMemoryMessagesDSNPattern, uuid.NewString()),
	}
}

// OpenMigratedDatabase opens an in-memory database with the messages table
// created. gorm errors go to the test log and the database closes on cleanup.
func OpenMigratedDatabase(testingT *testing.T) *gorm.DB {
	testingT.Helper()

	database, openErr := storage.OpenDatabase(InMemoryConfig())
	require.NoError(testingT, openErr)
	testingT.Cleanup(func() {
		_ = storage.Close(database)
	})

	database = database.Session(&gorm.Session{Logger: logger.New(
		log.New(testLogSink{testingT: testingT}, "", 0),
		logger.Config{IgnoreRecordNotFoundError: true, LogLevel: logger.Error},
	)})
	require.NoError(testingT, storage.AutoMigrate(database))
	return database
}

type testLogSink struct {
	testingT *testing.T
}

func (sink testLogSink) Write(data []byte) (int, error) {
	if line := strings.TrimSpace(string(data)); line != "" {
		sink.testingT.Log(line)
	}
	return len(data), nil
}
