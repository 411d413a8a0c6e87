package httpapi

import (
	"errors"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerCacheControl = "Cache-Control"

	cacheControlHTML   = "no-cache"
	cacheControlAssets = "public, max-age=31536000, immutable"

	htmlExtension = ".html"
	indexPageFile = "index.html"
	homePath      = "/"

	logEventServeStatic = "serve_static"
)

var (
	// ErrMissingPublicDirectory indicates the static root is not configured or not a directory.
	ErrMissingPublicDirectory = errors.New("httpapi: public directory is missing")

	immutableAssetExtensions = map[string]struct{}{
		".css": {}, ".js": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {},
		".svg": {}, ".ico": {}, ".pdf": {}, ".webp": {},
	}
)

// CleanRoutes maps extensionless page routes to their files in the public directory.
var CleanRoutes = map[string]string{
	"/":         indexPageFile,
	"/about":    "about.html",
	"/projects": "projects.html",
	"/cv":       "cv.html",
	"/contact":  "contact.html",
}

// StaticSiteHandlers serves the public pages and assets.
type StaticSiteHandlers struct {
	publicDirectory string
	logger          *zap.Logger
}

// NewStaticSiteHandlers validates the public directory.
func NewStaticSiteHandlers(publicDirectory string, logger *zap.Logger) (*StaticSiteHandlers, error) {
	if strings.TrimSpace(publicDirectory) == "" {
		return nil, ErrMissingPublicDirectory
	}
	absoluteDirectory, absErr := filepath.Abs(publicDirectory)
	if absErr != nil {
		return nil, absErr
	}
	info, statErr := os.Stat(absoluteDirectory)
	if statErr != nil || !info.IsDir() {
		return nil, ErrMissingPublicDirectory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaticSiteHandlers{publicDirectory: absoluteDirectory, logger: logger}, nil
}

// ServePage returns a handler for one clean route.
func (handlers *StaticSiteHandlers) ServePage(fileName string) gin.HandlerFunc {
	return func(context *gin.Context) {
		absolutePath, found := handlers.lookup(fileName)
		if !found {
			context.Status(http.StatusNotFound)
			return
		}
		handlers.serveFile(context, absolutePath)
	}
}

// ServeAsset serves any other file under the public directory. Everything
// that does not resolve to a file is redirected to the home page.
func (handlers *StaticSiteHandlers) ServeAsset(context *gin.Context) {
	method := context.Request.Method
	if method != http.MethodGet && method != http.MethodHead {
		context.Redirect(http.StatusFound, homePath)
		return
	}

	relativePath := strings.TrimPrefix(path.Clean("/"+context.Request.URL.Path), "/")
	if relativePath == "" {
		relativePath = indexPageFile
	}
	if absolutePath, found := handlers.lookup(relativePath); found {
		handlers.serveFile(context, absolutePath)
		return
	}
	if path.Ext(relativePath) == "" {
		if absolutePath, found := handlers.lookup(relativePath + htmlExtension); found {
			handlers.serveFile(context, absolutePath)
			return
		}
	}
	context.Redirect(http.StatusFound, homePath)
}

func (handlers *StaticSiteHandlers) lookup(relativePath string) (string, bool) {
	for _, segment := range strings.Split(relativePath, "/") {
		if strings.HasPrefix(segment, ".") {
			return "", false
		}
	}
	candidate := filepath.Join(handlers.publicDirectory, filepath.FromSlash(relativePath))
	withinRoot, relErr := filepath.Rel(handlers.publicDirectory, candidate)
	if relErr != nil || withinRoot == ".." || strings.HasPrefix(withinRoot, ".."+string(filepath.Separator)) {
		return "", false
	}
	info, statErr := os.Stat(candidate)
	if statErr != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return candidate, true
}

func (handlers *StaticSiteHandlers) serveFile(context *gin.Context, absolutePath string) {
	file, openErr := os.Open(absolutePath)
	if openErr != nil {
		handlers.logger.Warn(logEventServeStatic, zap.String("path", absolutePath), zap.Error(openErr))
		context.Status(http.StatusNotFound)
		return
	}
	defer file.Close()

	info, statErr := file.Stat()
	if statErr != nil {
		handlers.logger.Warn(logEventServeStatic, zap.String("path", absolutePath), zap.Error(statErr))
		context.Status(http.StatusInternalServerError)
		return
	}

	if cacheControl := cacheControlFor(absolutePath); cacheControl != "" {
		context.Header(headerCacheControl, cacheControl)
	}
	http.ServeContent(context.Writer, context.Request, info.Name(), info.ModTime(), file)
}

func cacheControlFor(filePath string) string {
	extension := strings.ToLower(filepath.Ext(filePath))
	if extension == htmlExtension {
		return cacheControlHTML
	}
	if _, immutable := immutableAssetExtensions[extension]; immutable {
		return cacheControlAssets
	}
	return ""
}
