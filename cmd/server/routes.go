package main

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/portfolio_site/internal/httpapi"
)

const (
	publicRouteContact      = "/api/contact"
	corsOriginWildcard      = "*"
	corsHeaderContentType   = "Content-Type"
	corsHeaderAccept        = "Accept"
	corsHeaderRetryAfter    = "Retry-After"
	corsPreflightCacheHours = 12
)

var (
	corsAllowedMethods = []string{http.MethodPost, http.MethodOptions}
	corsAllowedHeaders = []string{corsHeaderContentType, corsHeaderAccept}
	corsExposedHeaders = []string{corsHeaderRetryAfter}
)

type routeHandlers struct {
	contact *httpapi.ContactHandlers
	admin   *httpapi.AdminHandlers
	static  *httpapi.StaticSiteHandlers
	health  *httpapi.HealthHandlers
	metrics *httpapi.Metrics
}

// buildRouter wires every route. Only peers in trustedProxies may supply the
// client address through forwarding headers; an empty list trusts none.
func buildRouter(logger *zap.Logger, production bool, trustedProxies []string, handlers routeHandlers) (*gin.Engine, error) {
	router := gin.New()
	if proxyErr := router.SetTrustedProxies(trustedProxies); proxyErr != nil {
		return nil, proxyErr
	}
	router.Use(gin.Recovery())
	router.Use(httpapi.RequestLogger(logger))
	router.Use(httpapi.SecurityHeaders(production))

	registerOperationalRoutes(router, handlers.health, handlers.metrics)
	registerBackendRoutes(router, handlers.contact)
	registerAdminRoutes(router, handlers.admin)
	registerFrontendRoutes(router, handlers.static)
	return router, nil
}

func registerOperationalRoutes(router *gin.Engine, healthHandlers *httpapi.HealthHandlers, metrics *httpapi.Metrics) {
	router.GET(httpapi.HealthPath, healthHandlers.Health)
	router.GET(httpapi.LivenessPath, healthHandlers.Live)
	router.GET(httpapi.ReadinessPath, healthHandlers.Ready)
	router.GET(httpapi.MetricsPath, gin.WrapH(metrics.Handler()))
}

func registerBackendRoutes(router *gin.Engine, contactHandlers *httpapi.ContactHandlers) {
	publicCORS := cors.New(cors.Config{
		AllowOrigins:     []string{corsOriginWildcard},
		AllowMethods:     corsAllowedMethods,
		AllowHeaders:     corsAllowedHeaders,
		ExposeHeaders:    corsExposedHeaders,
		AllowCredentials: false,
		MaxAge:           corsPreflightCacheHours * time.Hour,
	})
	publicGroup := router.Group("/")
	publicGroup.Use(publicCORS)
	publicGroup.POST(publicRouteContact, contactHandlers.CreateContactMessage)
	publicGroup.OPTIONS(publicRouteContact, func(context *gin.Context) {
		context.Status(http.StatusNoContent)
	})
}

func registerAdminRoutes(router *gin.Engine, adminHandlers *httpapi.AdminHandlers) {
	router.GET(httpapi.AdminRootPath, adminHandlers.RedirectToMessages)
	router.GET(httpapi.AdminLoginPath, adminHandlers.RenderLogin)
	router.POST(httpapi.AdminLoginPath, adminHandlers.Login)
	router.POST(httpapi.AdminLogoutPath, adminHandlers.Logout)

	protectedGroup := router.Group("/")
	protectedGroup.Use(adminHandlers.RequireAdmin())
	protectedGroup.GET(httpapi.AdminMessagesPath, adminHandlers.ListMessages)
	protectedGroup.GET(httpapi.AdminDownloadPath, adminHandlers.DownloadAttachment)
	protectedGroup.GET(httpapi.AdminFileAliasPath, adminHandlers.DownloadAttachment)
}

func registerFrontendRoutes(router *gin.Engine, staticHandlers *httpapi.StaticSiteHandlers) {
	for routePath, fileName := range httpapi.CleanRoutes {
		router.GET(routePath, staticHandlers.ServePage(fileName))
		router.HEAD(routePath, staticHandlers.ServePage(fileName))
	}
	router.NoRoute(staticHandlers.ServeAsset)
}
