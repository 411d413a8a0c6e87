package httpapi

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerForwardedFor            = "X-Forwarded-For"
	headerContentTypeOptions      = "X-Content-Type-Options"
	headerFrameOptions            = "X-Frame-Options"
	headerReferrerPolicy          = "Referrer-Policy"
	headerContentSecurityPolicy   = "Content-Security-Policy"
	headerStrictTransportSecurity = "Strict-Transport-Security"

	contentTypeOptionsNoSniff  = "nosniff"
	frameOptionsSameOrigin     = "SAMEORIGIN"
	referrerPolicyStrictOrigin = "strict-origin-when-cross-origin"
	strictTransportSecurity    = "max-age=15552000; includeSubDomains"
	contentSecurityPolicy      = "default-src 'self'; script-src 'self' https://unpkg.com 'unsafe-inline'; " +
		"style-src 'self' https://unpkg.com 'unsafe-inline'; img-src 'self' data:; font-src 'self' https://unpkg.com data:; " +
		"connect-src 'self'; frame-ancestors 'self'"
)

// RequestLogger logs one line per handled request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(context *gin.Context) {
		start := time.Now()
		context.Next()
		logger.Info("http",
			zap.String("method", context.Request.Method),
			zap.String("path", context.Request.URL.Path),
			zap.Int("status", context.Writer.Status()),
			zap.Duration("dur", time.Since(start)),
			zap.String("ip", context.ClientIP()),
			zap.String("ua", context.Request.UserAgent()),
		)
	}
}

// SecurityHeaders sets baseline response headers. Content security policy and
// HSTS are only sent in production so local HTTP development keeps working.
func SecurityHeaders(production bool) gin.HandlerFunc {
	return func(context *gin.Context) {
		header := context.Writer.Header()
		header.Set(headerContentTypeOptions, contentTypeOptionsNoSniff)
		header.Set(headerFrameOptions, frameOptionsSameOrigin)
		header.Set(headerReferrerPolicy, referrerPolicyStrictOrigin)
		if production {
			header.Set(headerContentSecurityPolicy, contentSecurityPolicy)
			header.Set(headerStrictTransportSecurity, strictTransportSecurity)
		}
		context.Next()
	}
}

// ReportedClientAddress returns the first X-Forwarded-For entry, falling back
// to the socket peer address. The header is client-controlled; rate limiting
// keys on gin's ClientIP, which honors the engine's trusted proxies.
func ReportedClientAddress(request *http.Request) string {
	if forwardedFor := request.Header.Get(headerForwardedFor); forwardedFor != "" {
		firstHop, _, _ := strings.Cut(forwardedFor, ",")
		if trimmed := strings.TrimSpace(firstHop); trimmed != "" {
			return trimmed
		}
	}
	host, _, splitErr := net.SplitHostPort(strings.TrimSpace(request.RemoteAddr))
	if splitErr != nil {
		return strings.TrimSpace(request.RemoteAddr)
	}
	return host
}

func prefersJSON(request *http.Request) bool {
	accept := strings.ToLower(request.Header.Get("Accept"))
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}
