package httpapi

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/portfolio_site/internal/attachments"
	"github.com/MarkoPoloResearchLab/portfolio_site/internal/model"
	"github.com/MarkoPoloResearchLab/portfolio_site/internal/storage"
)

const (
	// AdminSessionName is the cookie carrying the operator session identifier.
	AdminSessionName = "portfolio.sid"

	AdminRootPath      = "/admin"
	AdminLoginPath     = "/admin/login"
	AdminLogoutPath    = "/admin/logout"
	AdminMessagesPath  = "/admin/messages"
	AdminDownloadPath  = "/admin/download/:id"
	AdminFileAliasPath = "/admin/file/:id"

	adminDownloadURLPrefix = "/admin/download/"
	adminNextQueryKey      = "next"
	adminSearchQueryKey    = "q"
	adminFormatQueryKey    = "format"
	adminFormatJSON        = "json"

	formFieldUsername = "username"
	formFieldPassword = "password"

	sessionKeyAuthenticated   = "authenticated"
	sessionKeyUsername        = "username"
	sessionKeyAuthenticatedAt = "authenticated_at"

	contextKeyAdminUsername = "httpapi_admin_username"

	attachmentStatusNone      = "none"
	attachmentStatusAvailable = "available"
	attachmentStatusMissing   = "missing"

	adminLoginPageTitle     = "Admin sign in"
	adminMessagesPageTitle  = "Contact messages"
	adminInvalidCredentials = "Invalid credentials."
	adminHTMLContentType    = "text/html; charset=utf-8"
	storedNameSeparator     = "__"

	errorValueUnauthorized = "unauthorized"
	errorValueQueryFailed  = "query_failed"
	errorValueRenderFailed = "render_failed"
	errorValueSessionFail  = "session_failed"

	notFoundBody    = "Not found"
	missingFileBody = "Missing file"
	badPathBody     = "Bad path"

	logEventLoadSession      = "load_session"
	logEventSaveSession      = "save_session"
	logEventAdminLogin       = "admin_login"
	logEventAdminLoginFailed = "admin_login_failed"
	logEventAdminLogout      = "admin_logout"
	logEventListMessages     = "list_messages"
	logEventRenderAdmin      = "render_admin"
	logEventResolveDownload  = "resolve_download"
	logEventHostileDownload  = "hostile_download_path"
)

// AdminCredentials is the single operator credential.
type AdminCredentials struct {
	Username string
	Password string
}

// SessionStore is a sessions.Store that can also revoke a session by identifier.
type SessionStore interface {
	sessions.Store
	Destroy(sessionID string)
}

// MessageReader lists messages and looks up attachment references.
type MessageReader interface {
	ListRecent(ctx context.Context, limit int, filter storage.MessageFilter) ([]model.Message, error)
	AttachmentReference(ctx context.Context, messageID uint) (string, error)
}

// AttachmentResolver maps stored relative paths to files on disk.
type AttachmentResolver interface {
	Resolve(relativePath string) (string, error)
}

// AdminHandlers serves the session-gated operator view.
type AdminHandlers struct {
	messages     MessageReader
	stash        AttachmentResolver
	sessionStore SessionStore
	credentials  AdminCredentials
	logger       *zap.Logger
	metrics      *Metrics
	now          func() time.Time
}

type adminAttachmentResponse struct {
	Status      string `json:"status"`
	DownloadURL string `json:"download_url,omitempty"`
}

type adminMessageResponse struct {
	ID         uint                    `json:"id"`
	CreatedAt  string                  `json:"created_at"`
	Name       string                  `json:"name"`
	Email      string                  `json:"email"`
	Subject    string                  `json:"subject"`
	Message    string                  `json:"message"`
	IP         string                  `json:"ip"`
	UserAgent  string                  `json:"user_agent"`
	Attachment adminAttachmentResponse `json:"attachment"`
}

type adminMessagesResponse struct {
	OK       bool                   `json:"ok"`
	Messages []adminMessageResponse `json:"messages"`
}

type adminLoginTemplateData struct {
	PageTitle    string
	LoginPath    string
	NextPath     string
	RetryPath    string
	ErrorMessage string
}

type adminMessagesTemplateData struct {
	PageTitle    string
	Username     string
	Search       string
	Limit        int
	MessagesPath string
	LogoutPath   string
	Messages     []adminMessageResponse
}

// NewAdminHandlers wires the admin view to its collaborators.
func NewAdminHandlers(messages MessageReader, stash AttachmentResolver, sessionStore SessionStore, credentials AdminCredentials, logger *zap.Logger, metrics *Metrics) *AdminHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandlers{
		messages:     messages,
		stash:        stash,
		sessionStore: sessionStore,
		credentials:  credentials,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
	}
}

// RequireAdmin lets authenticated operators through. Anonymous browsers are
// redirected to the login form with the requested path preserved; JSON
// clients receive 401.
func (handlers *AdminHandlers) RequireAdmin() gin.HandlerFunc {
	return func(context *gin.Context) {
		username, authenticated := handlers.authenticatedUsername(context)
		if !authenticated {
			if prefersJSON(context.Request) {
				context.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{jsonKeyOK: false, jsonKeyError: errorValueUnauthorized})
				return
			}
			context.Redirect(http.StatusFound, loginRedirectLocation(context.Request.URL.RequestURI()))
			context.Abort()
			return
		}
		context.Set(contextKeyAdminUsername, username)
		context.Next()
	}
}

// RedirectToMessages handles GET /admin.
func (handlers *AdminHandlers) RedirectToMessages(context *gin.Context) {
	context.Redirect(http.StatusFound, AdminMessagesPath)
}

// RenderLogin handles GET /admin/login.
func (handlers *AdminHandlers) RenderLogin(context *gin.Context) {
	nextPath := SanitizeReturnPath(context.Query(adminNextQueryKey))
	if _, authenticated := handlers.authenticatedUsername(context); authenticated {
		context.Redirect(http.StatusFound, nextPath)
		return
	}
	handlers.renderLoginPage(context, http.StatusOK, nextPath, "")
}

// Login handles POST /admin/login.
func (handlers *AdminHandlers) Login(context *gin.Context) {
	username := context.PostForm(formFieldUsername)
	password := context.PostForm(formFieldPassword)
	nextPath := SanitizeReturnPath(context.PostForm(adminNextQueryKey))

	if !handlers.credentialsMatch(username, password) {
		handlers.metrics.recordLogin(outcomeFailed)
		handlers.logger.Warn(logEventAdminLoginFailed, zap.String("ip", context.ClientIP()))
		handlers.renderLoginPage(context, http.StatusUnauthorized, nextPath, adminInvalidCredentials)
		return
	}

	session, sessionErr := handlers.sessionStore.Get(context.Request, AdminSessionName)
	if sessionErr != nil {
		handlers.logger.Debug(logEventLoadSession, zap.Error(sessionErr))
	}
	if session == nil {
		session = sessions.NewSession(handlers.sessionStore, AdminSessionName)
	}
	handlers.sessionStore.Destroy(session.ID)
	session.ID = ""
	session.IsNew = true
	session.Values = map[interface{}]interface{}{
		sessionKeyAuthenticated:   true,
		sessionKeyUsername:        username,
		sessionKeyAuthenticatedAt: handlers.now().UTC().Unix(),
	}
	if saveErr := session.Save(context.Request, context.Writer); saveErr != nil {
		handlers.logger.Error(logEventSaveSession, zap.Error(saveErr))
		context.JSON(http.StatusInternalServerError, gin.H{jsonKeyOK: false, jsonKeyError: errorValueSessionFail})
		return
	}

	handlers.metrics.recordLogin(outcomeSucceeded)
	handlers.logger.Info(logEventAdminLogin, zap.String("username", username))
	context.Redirect(http.StatusSeeOther, nextPath)
}

// Logout handles POST /admin/logout. It is idempotent.
func (handlers *AdminHandlers) Logout(context *gin.Context) {
	session, sessionErr := handlers.sessionStore.Get(context.Request, AdminSessionName)
	if sessionErr != nil {
		handlers.logger.Debug(logEventLoadSession, zap.Error(sessionErr))
	}
	if session != nil {
		if session.Options == nil {
			session.Options = &sessions.Options{Path: "/"}
		}
		session.Options.MaxAge = -1
		if saveErr := session.Save(context.Request, context.Writer); saveErr != nil {
			handlers.logger.Warn(logEventSaveSession, zap.Error(saveErr))
		}
		handlers.logger.Info(logEventAdminLogout)
	}

	if acceptsHTML(context.Request) {
		context.Redirect(http.StatusSeeOther, AdminLoginPath)
		return
	}
	context.JSON(http.StatusOK, gin.H{jsonKeyOK: true})
}

// ListMessages handles GET /admin/messages. It never modifies stored data.
func (handlers *AdminHandlers) ListMessages(context *gin.Context) {
	search := strings.TrimSpace(context.Query(adminSearchQueryKey))
	messages, listErr := handlers.messages.ListRecent(context.Request.Context(), storage.MaxListLimit, storage.MessageFilter{Search: search})
	if listErr != nil {
		handlers.logger.Error(logEventListMessages, zap.Error(listErr))
		context.JSON(http.StatusInternalServerError, gin.H{jsonKeyOK: false, jsonKeyError: errorValueQueryFailed})
		return
	}

	responses := make([]adminMessageResponse, 0, len(messages))
	for _, message := range messages {
		responses = append(responses, handlers.toMessageResponse(message))
	}

	if context.Query(adminFormatQueryKey) == adminFormatJSON || prefersJSON(context.Request) {
		context.JSON(http.StatusOK, adminMessagesResponse{OK: true, Messages: responses})
		return
	}

	username, _ := context.Get(contextKeyAdminUsername)
	usernameText, _ := username.(string)
	handlers.renderHTML(context, http.StatusOK, adminMessagesTemplate, adminMessagesTemplateData{
		PageTitle:    adminMessagesPageTitle,
		Username:     usernameText,
		Search:       search,
		Limit:        storage.MaxListLimit,
		MessagesPath: AdminMessagesPath,
		LogoutPath:   AdminLogoutPath,
		Messages:     responses,
	})
}

// DownloadAttachment handles GET /admin/download/:id and its /admin/file alias.
func (handlers *AdminHandlers) DownloadAttachment(context *gin.Context) {
	messageID, parseErr := strconv.ParseUint(strings.TrimSpace(context.Param("id")), 10, 64)
	if parseErr != nil || messageID == 0 {
		handlers.metrics.recordDownload(outcomeFailed)
		context.String(http.StatusNotFound, notFoundBody)
		return
	}

	relativePath, referenceErr := handlers.messages.AttachmentReference(context.Request.Context(), uint(messageID))
	switch {
	case errors.Is(referenceErr, storage.ErrMessageNotFound):
		handlers.metrics.recordDownload(outcomeFailed)
		context.String(http.StatusNotFound, notFoundBody)
		return
	case referenceErr != nil:
		handlers.logger.Error(logEventResolveDownload, zap.Uint64("message_id", messageID), zap.Error(referenceErr))
		handlers.metrics.recordDownload(outcomeFailed)
		context.String(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	case relativePath == "":
		handlers.metrics.recordDownload(outcomeFailed)
		context.String(http.StatusNotFound, notFoundBody)
		return
	}

	absolutePath, resolveErr := handlers.stash.Resolve(relativePath)
	switch {
	case errors.Is(resolveErr, attachments.ErrPathTraversal):
		handlers.logger.Warn(logEventHostileDownload, zap.Uint64("message_id", messageID))
		handlers.metrics.recordDownload(outcomeFailed)
		context.String(http.StatusBadRequest, badPathBody)
		return
	case errors.Is(resolveErr, attachments.ErrAttachmentNotFound):
		handlers.metrics.recordDownload(outcomeFailed)
		context.String(http.StatusNotFound, missingFileBody)
		return
	case resolveErr != nil:
		handlers.logger.Error(logEventResolveDownload, zap.Uint64("message_id", messageID), zap.Error(resolveErr))
		handlers.metrics.recordDownload(outcomeFailed)
		context.String(http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}

	handlers.metrics.recordDownload(outcomeSucceeded)
	context.FileAttachment(absolutePath, downloadName(relativePath))
}

func (handlers *AdminHandlers) toMessageResponse(message model.Message) adminMessageResponse {
	return adminMessageResponse{
		ID:         message.ID,
		CreatedAt:  message.CreatedAt.UTC().Format(time.RFC3339),
		Name:       message.Name,
		Email:      message.Email,
		Subject:    message.Subject,
		Message:    message.Message,
		IP:         message.IP,
		UserAgent:  message.UserAgent,
		Attachment: handlers.attachmentAvailability(message),
	}
}

func (handlers *AdminHandlers) attachmentAvailability(message model.Message) adminAttachmentResponse {
	if !message.HasAttachment() {
		return adminAttachmentResponse{Status: attachmentStatusNone}
	}
	if _, resolveErr := handlers.stash.Resolve(message.AttachmentPath); resolveErr != nil {
		return adminAttachmentResponse{Status: attachmentStatusMissing}
	}
	return adminAttachmentResponse{
		Status:      attachmentStatusAvailable,
		DownloadURL: fmt.Sprintf("%s%d", adminDownloadURLPrefix, message.ID),
	}
}

func (handlers *AdminHandlers) authenticatedUsername(context *gin.Context) (string, bool) {
	if username, exists := context.Get(contextKeyAdminUsername); exists {
		usernameText, ok := username.(string)
		return usernameText, ok
	}

	session, sessionErr := handlers.sessionStore.Get(context.Request, AdminSessionName)
	if sessionErr != nil {
		handlers.logger.Debug(logEventLoadSession, zap.Error(sessionErr))
		return "", false
	}
	if session == nil || session.IsNew {
		return "", false
	}
	authenticated, _ := session.Values[sessionKeyAuthenticated].(bool)
	if !authenticated {
		return "", false
	}
	username, _ := session.Values[sessionKeyUsername].(string)
	return username, true
}

func (handlers *AdminHandlers) credentialsMatch(username string, password string) bool {
	if handlers.credentials.Username == "" || handlers.credentials.Password == "" {
		return false
	}
	usernameMatches := subtle.ConstantTimeCompare([]byte(username), []byte(handlers.credentials.Username)) == 1
	passwordMatches := subtle.ConstantTimeCompare([]byte(password), []byte(handlers.credentials.Password)) == 1
	return usernameMatches && passwordMatches
}

func (handlers *AdminHandlers) renderLoginPage(context *gin.Context, status int, nextPath string, errorMessage string) {
	handlers.renderHTML(context, status, adminLoginTemplate, adminLoginTemplateData{
		PageTitle:    adminLoginPageTitle,
		LoginPath:    AdminLoginPath,
		NextPath:     nextPath,
		RetryPath:    loginRedirectLocation(nextPath),
		ErrorMessage: errorMessage,
	})
}

func (handlers *AdminHandlers) renderHTML(context *gin.Context, status int, compiledTemplate *template.Template, data any) {
	var buffer bytes.Buffer
	if executeErr := compiledTemplate.Execute(&buffer, data); executeErr != nil {
		handlers.logger.Error(logEventRenderAdmin, zap.Error(executeErr))
		context.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{jsonKeyOK: false, jsonKeyError: errorValueRenderFailed})
		return
	}
	context.Data(status, adminHTMLContentType, buffer.Bytes())
}

// SanitizeReturnPath accepts only same-origin absolute paths and falls back
// to the message listing for anything else.
func SanitizeReturnPath(rawPath string) string {
	candidate := strings.TrimSpace(rawPath)
	if candidate == "" || !strings.HasPrefix(candidate, "/") || strings.HasPrefix(candidate, "//") {
		return AdminMessagesPath
	}
	if strings.ContainsAny(candidate, "\\\r\n\t") {
		return AdminMessagesPath
	}
	parsed, parseErr := url.Parse(candidate)
	if parseErr != nil || parsed.Scheme != "" || parsed.Host != "" || parsed.User != nil {
		return AdminMessagesPath
	}
	if cleaned := path.Clean(parsed.Path); cleaned == AdminLoginPath || cleaned == AdminLogoutPath {
		return AdminMessagesPath
	}
	return candidate
}

func loginRedirectLocation(nextPath string) string {
	query := url.Values{}
	query.Set(adminNextQueryKey, SanitizeReturnPath(nextPath))
	return AdminLoginPath + "?" + query.Encode()
}

func downloadName(relativePath string) string {
	baseName := path.Base(strings.ReplaceAll(relativePath, "\\", "/"))
	if _, originalName, found := strings.Cut(baseName, storedNameSeparator); found && originalName != "" {
		return originalName
	}
	return baseName
}

func acceptsHTML(request *http.Request) bool {
	return strings.Contains(strings.ToLower(request.Header.Get("Accept")), "text/html")
}
