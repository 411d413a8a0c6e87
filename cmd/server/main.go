package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/portfolio_site/internal/adminsession"
	"github.com/MarkoPoloResearchLab/portfolio_site/internal/attachments"
	"github.com/MarkoPoloResearchLab/portfolio_site/internal/httpapi"
	"github.com/MarkoPoloResearchLab/portfolio_site/internal/logging"
	"github.com/MarkoPoloResearchLab/portfolio_site/internal/ratelimit"
	"github.com/MarkoPoloResearchLab/portfolio_site/internal/storage"
	"github.com/MarkoPoloResearchLab/portfolio_site/internal/task"
)

const (
	commandUseName               = "server"
	commandShortDescription      = "Run the portfolio site server"
	commandLongDescription       = "Serve the static portfolio pages, accept contact form submissions, and host the admin inbox"
	missingConfigurationMessage  = "missing required configuration"
	insecureConfigurationMessage = "insecure production configuration"
	invalidConfigurationMessage  = "invalid configuration"
	loggerCreationErrorMessage   = "logger"
	unexpectedArgumentsMessage   = "unexpected command arguments"
	commandInitializationFailure = "failed to configure command"
	flagNotDefinedMessage        = "flag %s not defined"
	environmentFileErrorMessage  = "failed to load environment file"

	flagNamePort            = "port"
	flagNameEnvironment     = "env"
	flagNameDataDirectory   = "data-dir"
	flagNameUploadDirectory = "upload-dir"
	flagNameDatabaseFile    = "db-file"
	flagNamePublicDirectory = "public-dir"
	flagNameAdminUsername   = "admin-user"
	flagNameAdminPassword   = "admin-pass"
	flagNameSessionSecret   = "session-secret"
	flagNameSessionTTL      = "session-ttl"
	flagNameLogFile         = "log-file"
	flagNameEnvironmentFile = "env-file"
	flagNameTrustedProxies  = "trusted-proxies"

	environmentKeyPort            = "PORT"
	environmentKeyEnvironment     = "APP_ENV"
	environmentKeyDataDirectory   = "DATA_DIR"
	environmentKeyUploadDirectory = "UPLOAD_DIR"
	environmentKeyDatabaseFile    = "DB_FILE"
	environmentKeyPublicDirectory = "PUBLIC_DIR"
	environmentKeyAdminUsername   = "ADMIN_USER"
	environmentKeyAdminPassword   = "ADMIN_PASS"
	environmentKeySessionSecret   = "SESSION_SECRET"
	environmentKeySessionTTL      = "SESSION_TTL"
	environmentKeyLogFile         = "LOG_FILE"
	environmentKeyEnvironmentFile = "ENV_FILE"
	environmentKeyTrustedProxies  = "TRUSTED_PROXIES"

	defaultPort            = 3000
	defaultDataDirectory   = "./data"
	defaultPublicDirectory = "./public"
	defaultAdminUsername   = "admin"
	defaultAdminPassword   = "change-me"
	defaultSessionSecret   = "dev-secret-change-me"
	defaultSessionTTL      = adminsession.DefaultTTL
	defaultEnvironmentFile = ".env"
	defaultUploadSubfolder = "uploads"
	defaultDatabaseName    = "contact_messages.db"
	trustedProxySeparator  = ","

	logEventListening       = "listening"
	logEventShuttingDown    = "shutting_down"
	logEventOpenDatabase    = "open_db"
	logEventAutoMigrate     = "migrate"
	logEventCloseDatabase   = "close_db"
	logEventServer          = "server"
	logEventInsecureDefault = "insecure_default"
	logFieldAddress         = "addr"

	readHeaderTimeout = 5 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 10 * time.Second
)

// ServerConfig captures configuration needed to run the server.
type ServerConfig struct {
	Port            int
	Environment     Environment
	DataDirectory   string
	UploadDirectory string
	DatabaseFile    string
	PublicDirectory string
	AdminUsername   string
	AdminPassword   string
	SessionSecret   string
	SessionTTL      time.Duration
	LogFile         string
	TrustedProxies  []string
}

// Address is the listen address for the configured port.
func (configuration ServerConfig) Address() string {
	return fmt.Sprintf(":%d", configuration.Port)
}

// DatabaseOpener opens the message database.
type DatabaseOpener func(storage.Config) (*gorm.DB, error)

// ListenFunc serves until ctx ends or the server fails.
type ListenFunc func(ctx context.Context, server *http.Server) error

// ServerApplication constructs and executes the server command.
type ServerApplication struct {
	configurationLoader *viper.Viper
	databaseOpener      DatabaseOpener
	listen              ListenFunc
	logOutput           io.Writer
}

// NewServerApplication creates a ServerApplication with default dependencies.
func NewServerApplication() *ServerApplication {
	return &ServerApplication{
		configurationLoader: viper.New(),
		databaseOpener:      storage.OpenDatabase,
		listen:              listenAndServe,
		logOutput:           os.Stdout,
	}
}

// WithDatabaseOpener overrides the database opener dependency.
func (application *ServerApplication) WithDatabaseOpener(databaseOpener DatabaseOpener) *ServerApplication {
	application.databaseOpener = databaseOpener
	return application
}

// WithListener overrides how the HTTP server is run.
func (application *ServerApplication) WithListener(listen ListenFunc) *ServerApplication {
	application.listen = listen
	return application
}

// WithLogOutput redirects console logging.
func (application *ServerApplication) WithLogOutput(output io.Writer) *ServerApplication {
	application.logOutput = output
	return application
}

// Command builds the Cobra command for the server.
func (application *ServerApplication) Command() (*cobra.Command, error) {
	rootCommand := &cobra.Command{
		Use:   commandUseName,
		Short: commandShortDescription,
		Long:  commandLongDescription,
		RunE:  application.runCommand,
	}

	if configurationErr := application.configureCommand(rootCommand); configurationErr != nil {
		return nil, configurationErr
	}

	return rootCommand, nil
}

func (application *ServerApplication) configureCommand(command *cobra.Command) error {
	loader := application.configurationLoader
	loader.SetDefault(environmentKeyPort, defaultPort)
	loader.SetDefault(environmentKeyEnvironment, string(EnvironmentDevelopment))
	loader.SetDefault(environmentKeyDataDirectory, defaultDataDirectory)
	loader.SetDefault(environmentKeyUploadDirectory, "")
	loader.SetDefault(environmentKeyDatabaseFile, "")
	loader.SetDefault(environmentKeyPublicDirectory, defaultPublicDirectory)
	loader.SetDefault(environmentKeyAdminUsername, defaultAdminUsername)
	loader.SetDefault(environmentKeyAdminPassword, defaultAdminPassword)
	loader.SetDefault(environmentKeySessionSecret, defaultSessionSecret)
	loader.SetDefault(environmentKeySessionTTL, defaultSessionTTL)
	loader.SetDefault(environmentKeyLogFile, "")
	loader.SetDefault(environmentKeyEnvironmentFile, defaultEnvironmentFile)
	loader.SetDefault(environmentKeyTrustedProxies, "")
	loader.AutomaticEnv()

	commandFlags := command.Flags()
	commandFlags.Int(flagNamePort, defaultPort, "port for the HTTP server to listen on")
	commandFlags.String(flagNameEnvironment, string(EnvironmentDevelopment), "runtime environment (development or production)")
	commandFlags.String(flagNameDataDirectory, defaultDataDirectory, "directory holding the database and uploads")
	commandFlags.String(flagNameUploadDirectory, "", "attachment directory inside the data directory (default <data-dir>/uploads)")
	commandFlags.String(flagNameDatabaseFile, "", "SQLite database file (default <data-dir>/contact_messages.db)")
	commandFlags.String(flagNamePublicDirectory, defaultPublicDirectory, "directory with the static site")
	commandFlags.String(flagNameAdminUsername, defaultAdminUsername, "admin inbox username")
	commandFlags.String(flagNameAdminPassword, defaultAdminPassword, "admin inbox password")
	commandFlags.String(flagNameSessionSecret, defaultSessionSecret, "secret used to sign admin session cookies")
	commandFlags.Duration(flagNameSessionTTL, defaultSessionTTL, "lifetime of an admin session")
	commandFlags.String(flagNameLogFile, "", "optional rotating log file")
	commandFlags.String(flagNameEnvironmentFile, defaultEnvironmentFile, "dotenv file loaded before reading configuration")
	commandFlags.String(flagNameTrustedProxies, "", "comma-separated proxy IPs or CIDRs allowed to set X-Forwarded-For (default none)")

	bindings := map[string]string{
		environmentKeyPort:            flagNamePort,
		environmentKeyEnvironment:     flagNameEnvironment,
		environmentKeyDataDirectory:   flagNameDataDirectory,
		environmentKeyUploadDirectory: flagNameUploadDirectory,
		environmentKeyDatabaseFile:    flagNameDatabaseFile,
		environmentKeyPublicDirectory: flagNamePublicDirectory,
		environmentKeyAdminUsername:   flagNameAdminUsername,
		environmentKeyAdminPassword:   flagNameAdminPassword,
		environmentKeySessionSecret:   flagNameSessionSecret,
		environmentKeySessionTTL:      flagNameSessionTTL,
		environmentKeyLogFile:         flagNameLogFile,
		environmentKeyEnvironmentFile: flagNameEnvironmentFile,
		environmentKeyTrustedProxies:  flagNameTrustedProxies,
	}
	for environmentKey, flagName := range bindings {
		if bindErr := application.bindFlag(commandFlags, environmentKey, flagName); bindErr != nil {
			return bindErr
		}
	}

	return nil
}

func (application *ServerApplication) bindFlag(flagSet *pflag.FlagSet, environmentKey string, flagName string) error {
	flag := flagSet.Lookup(flagName)
	if flag == nil {
		return fmt.Errorf(flagNotDefinedMessage, flagName)
	}

	if bindErr := application.configurationLoader.BindPFlag(environmentKey, flag); bindErr != nil {
		return bindErr
	}

	return nil
}

// loadEnvironmentFile applies a dotenv file without overriding variables
// already present in the process environment. A missing default file is fine.
func (application *ServerApplication) loadEnvironmentFile(command *cobra.Command) error {
	environmentFile := strings.TrimSpace(application.configurationLoader.GetString(environmentKeyEnvironmentFile))
	if environmentFile == "" {
		return nil
	}
	loadErr := godotenv.Load(environmentFile)
	if loadErr == nil {
		return nil
	}
	explicitlyRequested := command.Flags().Changed(flagNameEnvironmentFile)
	if environmentValue, set := os.LookupEnv(environmentKeyEnvironmentFile); set && strings.TrimSpace(environmentValue) != "" {
		explicitlyRequested = true
	}
	if errors.Is(loadErr, os.ErrNotExist) && !explicitlyRequested {
		return nil
	}
	return fmt.Errorf("%s: %w", environmentFileErrorMessage, loadErr)
}

func (application *ServerApplication) loadConfiguration() (ServerConfig, error) {
	loader := application.configurationLoader

	environment, environmentErr := ParseEnvironment(loader.GetString(environmentKeyEnvironment))
	if environmentErr != nil {
		return ServerConfig{}, fmt.Errorf("%s: %w", invalidConfigurationMessage, environmentErr)
	}

	dataDirectory := strings.TrimSpace(loader.GetString(environmentKeyDataDirectory))
	uploadDirectory := strings.TrimSpace(loader.GetString(environmentKeyUploadDirectory))
	if uploadDirectory == "" && dataDirectory != "" {
		uploadDirectory = filepath.Join(dataDirectory, defaultUploadSubfolder)
	}
	databaseFile := strings.TrimSpace(loader.GetString(environmentKeyDatabaseFile))
	if databaseFile == "" && dataDirectory != "" {
		databaseFile = filepath.Join(dataDirectory, defaultDatabaseName)
	}

	return ServerConfig{
		Port:            loader.GetInt(environmentKeyPort),
		Environment:     environment,
		DataDirectory:   dataDirectory,
		UploadDirectory: uploadDirectory,
		DatabaseFile:    databaseFile,
		PublicDirectory: strings.TrimSpace(loader.GetString(environmentKeyPublicDirectory)),
		AdminUsername:   strings.TrimSpace(loader.GetString(environmentKeyAdminUsername)),
		AdminPassword:   loader.GetString(environmentKeyAdminPassword),
		SessionSecret:   loader.GetString(environmentKeySessionSecret),
		SessionTTL:      loader.GetDuration(environmentKeySessionTTL),
		LogFile:         strings.TrimSpace(loader.GetString(environmentKeyLogFile)),
		TrustedProxies:  parseTrustedProxies(loader.GetString(environmentKeyTrustedProxies)),
	}, nil
}

func parseTrustedProxies(rawValue string) []string {
	var trustedProxies []string
	for _, candidate := range strings.Split(rawValue, trustedProxySeparator) {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			trustedProxies = append(trustedProxies, trimmed)
		}
	}
	return trustedProxies
}

func (application *ServerApplication) ensureRequiredConfiguration(configuration ServerConfig) error {
	var missingParameters []string
	if configuration.DataDirectory == "" {
		missingParameters = append(missingParameters, flagNameDataDirectory)
	}
	if configuration.PublicDirectory == "" {
		missingParameters = append(missingParameters, flagNamePublicDirectory)
	}
	if configuration.AdminUsername == "" {
		missingParameters = append(missingParameters, flagNameAdminUsername)
	}
	if configuration.AdminPassword == "" {
		missingParameters = append(missingParameters, flagNameAdminPassword)
	}
	if strings.TrimSpace(configuration.SessionSecret) == "" {
		missingParameters = append(missingParameters, flagNameSessionSecret)
	}
	if len(missingParameters) > 0 {
		return fmt.Errorf("%s: %s", missingConfigurationMessage, strings.Join(missingParameters, ", "))
	}

	if configuration.Port <= 0 || configuration.Port > 65535 {
		return fmt.Errorf("%s: %s=%d", invalidConfigurationMessage, flagNamePort, configuration.Port)
	}
	if configuration.SessionTTL <= 0 {
		return fmt.Errorf("%s: %s=%s", invalidConfigurationMessage, flagNameSessionTTL, configuration.SessionTTL)
	}

	if configuration.Environment.IsProduction() {
		var insecureParameters []string
		if configuration.AdminPassword == defaultAdminPassword {
			insecureParameters = append(insecureParameters, flagNameAdminPassword)
		}
		if configuration.SessionSecret == defaultSessionSecret {
			insecureParameters = append(insecureParameters, flagNameSessionSecret)
		}
		if len(insecureParameters) > 0 {
			return fmt.Errorf("%s: default %s", insecureConfigurationMessage, strings.Join(insecureParameters, ", "))
		}
	}

	return nil
}

func (application *ServerApplication) runCommand(command *cobra.Command, arguments []string) error {
	if len(arguments) > 0 {
		return fmt.Errorf("%s: %s", unexpectedArgumentsMessage, strings.Join(arguments, " "))
	}

	if environmentErr := application.loadEnvironmentFile(command); environmentErr != nil {
		return environmentErr
	}

	serverConfig, configurationErr := application.loadConfiguration()
	if configurationErr != nil {
		return configurationErr
	}
	if validationErr := application.ensureRequiredConfiguration(serverConfig); validationErr != nil {
		return validationErr
	}
	command.SilenceUsage = true

	logger, closeLogger, loggerErr := logging.New(logging.Config{
		Development: !serverConfig.Environment.IsProduction(),
		LogFile:     serverConfig.LogFile,
		Output:      application.logOutput,
	})
	if loggerErr != nil {
		return fmt.Errorf("%s: %w", loggerCreationErrorMessage, loggerErr)
	}
	defer func() {
		_ = closeLogger()
	}()

	runtime, runtimeErr := application.buildRuntime(serverConfig, logger)
	if runtimeErr != nil {
		return runtimeErr
	}
	defer runtime.close()

	ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime.housekeeping.Start(ctx)
	defer runtime.housekeeping.Stop()

	httpServer := &http.Server{
		Addr:              serverConfig.Address(),
		Handler:           runtime.router,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info(logEventListening,
		zap.String(logFieldAddress, httpServer.Addr),
		zap.String("env", string(serverConfig.Environment)),
		zap.String("data_dir", serverConfig.DataDirectory),
	)
	if serveErr := application.listen(ctx, httpServer); serveErr != nil {
		logger.Error(logEventServer, zap.Error(serveErr))
		return serveErr
	}
	logger.Info(logEventShuttingDown)
	return nil
}

type serverRuntime struct {
	router       *gin.Engine
	housekeeping *task.Scheduler
	database     *gorm.DB
	logger       *zap.Logger
}

func (runtime *serverRuntime) close() {
	if closeErr := storage.Close(runtime.database); closeErr != nil {
		runtime.logger.Warn(logEventCloseDatabase, zap.Error(closeErr))
	}
}

func (application *ServerApplication) buildRuntime(serverConfig ServerConfig, logger *zap.Logger) (*serverRuntime, error) {
	production := serverConfig.Environment.IsProduction()
	if production {
		gin.SetMode(gin.ReleaseMode)
	} else {
		if serverConfig.AdminPassword == defaultAdminPassword || serverConfig.SessionSecret == defaultSessionSecret {
			logger.Warn(logEventInsecureDefault)
		}
	}

	stash, stashErr := attachments.NewStash(attachments.Config{
		DataRoot:        serverConfig.DataDirectory,
		UploadDirectory: serverConfig.UploadDirectory,
	})
	if stashErr != nil {
		return nil, stashErr
	}

	if mkdirErr := os.MkdirAll(filepath.Dir(serverConfig.DatabaseFile), 0o755); mkdirErr != nil {
		return nil, mkdirErr
	}
	database, databaseErr := application.databaseOpener(storage.SQLiteFileConfig(serverConfig.DatabaseFile))
	if databaseErr != nil {
		logger.Error(logEventOpenDatabase, zap.Error(databaseErr))
		return nil, fmt.Errorf("%s: %w", logEventOpenDatabase, databaseErr)
	}
	if migrateErr := storage.AutoMigrate(database); migrateErr != nil {
		_ = storage.Close(database)
		logger.Error(logEventAutoMigrate, zap.Error(migrateErr))
		return nil, fmt.Errorf("%s: %w", logEventAutoMigrate, migrateErr)
	}

	sessionStore, sessionErr := adminsession.NewStore(adminsession.Config{
		Secret:       serverConfig.SessionSecret,
		TTL:          serverConfig.SessionTTL,
		SecureCookie: production,
	})
	if sessionErr != nil {
		_ = storage.Close(database)
		return nil, sessionErr
	}

	staticHandlers, staticErr := httpapi.NewStaticSiteHandlers(serverConfig.PublicDirectory, logger)
	if staticErr != nil {
		_ = storage.Close(database)
		return nil, fmt.Errorf("%w: %s", staticErr, serverConfig.PublicDirectory)
	}

	messageStore := storage.NewMessageStore(database)
	limiter := ratelimit.NewFixedWindowLimiter(ratelimit.DefaultWindow, ratelimit.DefaultMaxRequestsPerWindow)
	metrics := httpapi.NewMetrics()

	router, routerErr := buildRouter(logger, production, serverConfig.TrustedProxies, routeHandlers{
		contact: httpapi.NewContactHandlers(messageStore, stash, limiter, logger, metrics),
		admin: httpapi.NewAdminHandlers(messageStore, stash, sessionStore, httpapi.AdminCredentials{
			Username: serverConfig.AdminUsername,
			Password: serverConfig.AdminPassword,
		}, logger, metrics),
		static:  staticHandlers,
		health:  httpapi.NewHealthHandlers(messageStore, serverConfig.UploadDirectory),
		metrics: metrics,
	})
	if routerErr != nil {
		_ = storage.Close(database)
		return nil, fmt.Errorf("%s: %s: %w", invalidConfigurationMessage, flagNameTrustedProxies, routerErr)
	}

	housekeeping := task.NewHousekeepingJob(map[string]task.Pruner{
		"admin_sessions":   sessionStore,
		"rate_limit_slots": limiter,
	}, logger).Scheduler(task.DefaultHousekeepingInterval)

	return &serverRuntime{
		router:       router,
		housekeeping: housekeeping,
		database:     database,
		logger:       logger,
	}, nil
}

func listenAndServe(ctx context.Context, server *http.Server) error {
	serveErrors := make(chan error, 1)
	go func() {
		serveErrors <- server.ListenAndServe()
	}()

	select {
	case serveErr := <-serveErrors:
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	case <-ctx.Done():
	}

	shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownContext); shutdownErr != nil {
		return shutdownErr
	}
	if serveErr := <-serveErrors; serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	return nil
}

func main() {
	application := NewServerApplication()
	rootCommand, commandErr := application.Command()
	if commandErr != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", commandInitializationFailure, commandErr)
		os.Exit(1)
	}

	if executeErr := rootCommand.Execute(); executeErr != nil {
		os.Exit(1)
	}
}
