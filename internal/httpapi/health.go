package httpapi

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
)

const (
	HealthPath    = "/healthz"
	LivenessPath  = "/livez"
	ReadinessPath = "/readyz"
	MetricsPath   = "/metrics"

	healthBody = "ok"

	readinessCheckTimeout = 3 * time.Second
	maxGoroutines         = 10000

	checkNameDatabase   = "database"
	checkNameUploads    = "upload_directory"
	checkNameGoroutines = "goroutine_count"
)

var errUploadDirectoryUnavailable = errors.New("httpapi: upload directory unavailable")

// DatabasePinger reports whether the message store is reachable.
type DatabasePinger interface {
	Ping(ctx context.Context) error
}

// HealthHandlers exposes the plain health probe and the healthcheck endpoints.
type HealthHandlers struct {
	checks healthcheck.Handler
}

// NewHealthHandlers registers readiness checks for the store and the upload directory.
func NewHealthHandlers(database DatabasePinger, uploadDirectory string) *HealthHandlers {
	checks := healthcheck.NewHandler()
	checks.AddLivenessCheck(checkNameGoroutines, healthcheck.GoroutineCountCheck(maxGoroutines))
	if database != nil {
		checks.AddReadinessCheck(checkNameDatabase, healthcheck.Timeout(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), readinessCheckTimeout)
			defer cancel()
			return database.Ping(ctx)
		}, readinessCheckTimeout))
	}
	if uploadDirectory != "" {
		checks.AddReadinessCheck(checkNameUploads, func() error {
			info, statErr := os.Stat(uploadDirectory)
			if statErr != nil {
				return statErr
			}
			if !info.IsDir() {
				return errUploadDirectoryUnavailable
			}
			return nil
		})
	}
	return &HealthHandlers{checks: checks}
}

// Health answers the plain liveness probe used by the hosting platform.
func (handlers *HealthHandlers) Health(context *gin.Context) {
	context.String(http.StatusOK, healthBody)
}

// Live serves the healthcheck liveness endpoint.
func (handlers *HealthHandlers) Live(context *gin.Context) {
	handlers.checks.LiveEndpoint(context.Writer, context.Request)
}

// Ready serves the healthcheck readiness endpoint; append ?full=1 for per-check detail.
func (handlers *HealthHandlers) Ready(context *gin.Context) {
	handlers.checks.ReadyEndpoint(context.Writer, context.Request)
}
