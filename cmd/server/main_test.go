package main_test

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	servercmd "github.com/MarkoPoloResearchLab/portfolio_site/cmd/server"
	"github.com/MarkoPoloResearchLab/portfolio_site/internal/storage"
)

const (
	testMissingConfigurationMessage  = "missing required configuration"
	testInsecureConfigurationMessage = "insecure production configuration"
	testInvalidConfigurationMessage  = "invalid configuration"
)

var serverEnvironmentKeys = []string{
	"PORT", "APP_ENV", "DATA_DIR", "UPLOAD_DIR", "DB_FILE", "PUBLIC_DIR",
	"ADMIN_USER", "ADMIN_PASS", "SESSION_SECRET", "SESSION_TTL", "LOG_FILE", "ENV_FILE",
}

// isolateEnvironment clears server variables for the duration of the test.
func isolateEnvironment(testingT *testing.T) string {
	testingT.Helper()
	for _, environmentKey := range serverEnvironmentKeys {
		testingT.Setenv(environmentKey, "")
		require.NoError(testingT, os.Unsetenv(environmentKey))
	}
	workspace := testingT.TempDir()
	publicDirectory := filepath.Join(workspace, "public")
	require.NoError(testingT, os.MkdirAll(publicDirectory, 0o755))
	require.NoError(testingT, os.WriteFile(filepath.Join(publicDirectory, "index.html"), []byte("<h1>home</h1>"), 0o600))
	testingT.Setenv("DATA_DIR", filepath.Join(workspace, "data"))
	testingT.Setenv("PUBLIC_DIR", publicDirectory)
	return workspace
}

func failingDatabaseOpener(testingT *testing.T) servercmd.DatabaseOpener {
	return func(configuration storage.Config) (*gorm.DB, error) {
		testingT.Fatalf("database opener invoked with %s", configuration.DataSourceName)
		return nil, nil
	}
}

func executeServerCommand(testingT *testing.T, application *servercmd.ServerApplication, arguments ...string) (string, error) {
	testingT.Helper()
	command, commandErr := application.Command()
	require.NoError(testingT, commandErr)

	commandOutput := &bytes.Buffer{}
	command.SetOut(commandOutput)
	command.SetErr(commandOutput)
	command.SetArgs(arguments)

	executionErr := command.Execute()
	return commandOutput.String(), executionErr
}

func TestServerCommandRejectsDefaultSecretsInProduction(testingT *testing.T) {
	testCases := []struct {
		name          string
		password      string
		sessionSecret string
		expectedFlag  string
	}{
		{name: "default password", password: "change-me", sessionSecret: "a-long-random-production-secret", expectedFlag: "admin-pass"},
		{name: "default session secret", password: "a-strong-password", sessionSecret: "dev-secret-change-me", expectedFlag: "session-secret"},
	}

	for _, testCase := range testCases {
		testCase := testCase
		testingT.Run(testCase.name, func(subTestT *testing.T) {
			isolateEnvironment(subTestT)
			subTestT.Setenv("APP_ENV", "production")
			subTestT.Setenv("ADMIN_PASS", testCase.password)
			subTestT.Setenv("SESSION_SECRET", testCase.sessionSecret)

			application := servercmd.NewServerApplication().
				WithDatabaseOpener(failingDatabaseOpener(subTestT)).
				WithLogOutput(io.Discard)
			output, executionErr := executeServerCommand(subTestT, application)

			require.Error(subTestT, executionErr)
			require.Contains(subTestT, executionErr.Error(), testInsecureConfigurationMessage)
			require.Contains(subTestT, executionErr.Error(), testCase.expectedFlag)
			require.Contains(subTestT, output, "Usage:")
		})
	}
}

func TestServerCommandRejectsInvalidConfiguration(testingT *testing.T) {
	testCases := []struct {
		name            string
		arguments       []string
		environment     map[string]string
		expectedMessage string
	}{
		{name: "unknown environment", environment: map[string]string{"APP_ENV": "staging"}, expectedMessage: testInvalidConfigurationMessage},
		{name: "port out of range", arguments: []string{"--port", "70000"}, expectedMessage: testInvalidConfigurationMessage},
		{name: "empty admin user", arguments: []string{"--admin-user", " "}, expectedMessage: testMissingConfigurationMessage},
		{name: "empty session secret", environment: map[string]string{"SESSION_SECRET": " "}, expectedMessage: testMissingConfigurationMessage},
		{name: "unexpected positional argument", arguments: []string{"extra"}, expectedMessage: "unexpected command arguments"},
		{name: "explicit env file missing", arguments: []string{"--env-file", "/nonexistent/portfolio.env"}, expectedMessage: "failed to load environment file"},
	}

	for _, testCase := range testCases {
		testCase := testCase
		testingT.Run(testCase.name, func(subTestT *testing.T) {
			isolateEnvironment(subTestT)
			for environmentKey, environmentValue := range testCase.environment {
				subTestT.Setenv(environmentKey, environmentValue)
			}

			application := servercmd.NewServerApplication().
				WithDatabaseOpener(failingDatabaseOpener(subTestT)).
				WithLogOutput(io.Discard)
			_, executionErr := executeServerCommand(subTestT, application, testCase.arguments...)

			require.Error(subTestT, executionErr)
			require.Contains(subTestT, executionErr.Error(), testCase.expectedMessage)
		})
	}
}

func TestServerCommandLoadsEnvironmentFileAndServes(testingT *testing.T) {
	workspace := isolateEnvironment(testingT)
	environmentFile := filepath.Join(workspace, "portfolio.env")
	require.NoError(testingT, os.WriteFile(environmentFile, []byte("PORT=4321\nADMIN_USER=envfile-owner\n"), 0o600))
	testingT.Setenv("ENV_FILE", environmentFile)
	// godotenv writes straight into the process environment; restore it afterwards.
	testingT.Setenv("PORT", "")
	require.NoError(testingT, os.Unsetenv("PORT"))
	testingT.Setenv("ADMIN_USER", "")
	require.NoError(testingT, os.Unsetenv("ADMIN_USER"))

	var servedAddress string
	var healthStatus int
	application := servercmd.NewServerApplication().
		WithLogOutput(io.Discard).
		WithListener(func(ctx context.Context, server *http.Server) error {
			servedAddress = server.Addr
			recorder := httptest.NewRecorder()
			request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, "/healthz", nil)
			if requestErr != nil {
				return requestErr
			}
			server.Handler.ServeHTTP(recorder, request)
			healthStatus = recorder.Code
			return nil
		})

	_, executionErr := executeServerCommand(testingT, application)

	require.NoError(testingT, executionErr)
	require.Equal(testingT, ":4321", servedAddress)
	require.Equal(testingT, http.StatusOK, healthStatus)
	require.Equal(testingT, "envfile-owner", os.Getenv("ADMIN_USER"))
	require.FileExists(testingT, filepath.Join(workspace, "data", "contact_messages.db"))
	require.DirExists(testingT, filepath.Join(workspace, "data", "uploads"))
}
