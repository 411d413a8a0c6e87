package httpapi

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/portfolio_site/internal/attachments"
	"github.com/MarkoPoloResearchLab/portfolio_site/internal/model"
)

const (
	jsonKeyOK    = "ok"
	jsonKeyError = "error"

	formFieldName       = "name"
	formFieldEmail      = "email"
	formFieldSubject    = "subject"
	formFieldMessage    = "message"
	formFieldHoneypot   = "company"
	formFieldAttachment = "attachment"

	headerRetryAfter = "Retry-After"

	// multipart overhead allowed on top of the attachment limit
	contactFormOverheadBytes int64 = 1024 * 1024
	// large enough to keep every accepted request body in memory
	contactFormMemoryBytes int64 = 8 * 1024 * 1024

	logEventParseContactForm  = "parse_contact_form"
	logEventStoreAttachment   = "store_attachment"
	logEventSaveMessage       = "save_message"
	logEventRemoveAttachment  = "remove_attachment"
	logEventOpenAttachment    = "open_attachment"
	logEventContactSubmission = "contact_submission"
)

// MessageWriter appends validated messages.
type MessageWriter interface {
	Insert(ctx context.Context, message *model.Message) (uint, error)
}

// AttachmentWriter stores and removes uploaded files.
type AttachmentWriter interface {
	MaxBytes() int64
	CheckDeclared(declaredSize int64, declaredType string) error
	Store(ctx context.Context, content io.Reader, originalName string, declaredType string) (string, error)
	Remove(relativePath string) error
}

// RequestLimiter decides whether a client may submit again.
type RequestLimiter interface {
	Allow(client string) bool
	RetryAfter() time.Duration
}

// ContactHandlers accepts public contact form submissions.
type ContactHandlers struct {
	messages MessageWriter
	stash    AttachmentWriter
	limiter  RequestLimiter
	logger   *zap.Logger
	metrics  *Metrics
}

// NewContactHandlers wires the submission endpoint to its collaborators.
func NewContactHandlers(messages MessageWriter, stash AttachmentWriter, limiter RequestLimiter, logger *zap.Logger, metrics *Metrics) *ContactHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContactHandlers{
		messages: messages,
		stash:    stash,
		limiter:  limiter,
		logger:   logger,
		metrics:  metrics,
	}
}

// CreateContactMessage handles POST /api/contact.
func (handlers *ContactHandlers) CreateContactMessage(context *gin.Context) {
	if handlers.limiter != nil && !handlers.limiter.Allow(context.ClientIP()) {
		handlers.metrics.recordSubmission(outcomeRateLimited)
		retryAfterSeconds := int(handlers.limiter.RetryAfter().Seconds()) + 1
		context.Header(headerRetryAfter, strconv.Itoa(retryAfterSeconds))
		context.JSON(http.StatusTooManyRequests, gin.H{jsonKeyOK: false, jsonKeyError: outcomeRateLimited})
		return
	}

	context.Request.Body = http.MaxBytesReader(context.Writer, context.Request.Body, handlers.stash.MaxBytes()+contactFormOverheadBytes)
	if parseErr := context.Request.ParseMultipartForm(contactFormMemoryBytes); parseErr != nil && !errors.Is(parseErr, http.ErrNotMultipart) {
		var maxBytesErr *http.MaxBytesError
		if errors.As(parseErr, &maxBytesErr) || errors.Is(parseErr, multipart.ErrMessageTooLarge) {
			handlers.rejectSubmission(context, outcomeUnsupportedAttachment)
			return
		}
		handlers.logger.Debug(logEventParseContactForm, zap.Error(parseErr))
		handlers.rejectSubmission(context, outcomeValidationFailed)
		return
	}

	attachmentHeader := uploadedAttachment(context.Request.MultipartForm)
	if attachmentHeader != nil {
		if checkErr := handlers.stash.CheckDeclared(attachmentHeader.Size, attachmentHeader.Header.Get("Content-Type")); checkErr != nil {
			handlers.rejectSubmission(context, outcomeUnsupportedAttachment)
			return
		}
	}

	if context.Request.PostFormValue(formFieldHoneypot) != "" {
		handlers.metrics.recordSubmission(outcomeHoneypot)
		context.JSON(http.StatusOK, gin.H{jsonKeyOK: true})
		return
	}

	message, validationErr := model.NewMessage(model.MessageInput{
		Name:      context.Request.PostFormValue(formFieldName),
		Email:     context.Request.PostFormValue(formFieldEmail),
		Subject:   context.Request.PostFormValue(formFieldSubject),
		Message:   context.Request.PostFormValue(formFieldMessage),
		IP:        ReportedClientAddress(context.Request),
		UserAgent: context.Request.UserAgent(),
	})
	if validationErr != nil {
		handlers.rejectSubmission(context, outcomeValidationFailed)
		return
	}

	var attachmentPath string
	if attachmentHeader != nil {
		storedPath, storeErr := handlers.storeAttachment(context.Request.Context(), attachmentHeader)
		if storeErr != nil {
			if errors.Is(storeErr, attachments.ErrUnsupportedAttachment) {
				handlers.rejectSubmission(context, outcomeUnsupportedAttachment)
				return
			}
			handlers.logger.Error(logEventStoreAttachment, zap.Error(storeErr))
			handlers.rejectSubmission(context, outcomeInternalError)
			return
		}
		attachmentPath = storedPath
		message = message.WithAttachment(attachmentPath)
	}

	messageID, insertErr := handlers.messages.Insert(context.Request.Context(), &message)
	if insertErr != nil {
		handlers.logger.Error(logEventSaveMessage, zap.Error(insertErr))
		handlers.discardAttachment(attachmentPath)
		handlers.rejectSubmission(context, outcomeInternalError)
		return
	}

	if attachmentHeader != nil {
		handlers.metrics.observeAttachment(attachmentHeader.Size)
	}
	handlers.metrics.recordSubmission(outcomeAccepted)
	handlers.logger.Info(logEventContactSubmission,
		zap.Uint("message_id", messageID),
		zap.Bool("attachment", attachmentPath != ""),
	)
	context.JSON(http.StatusOK, gin.H{jsonKeyOK: true})
}

func (handlers *ContactHandlers) storeAttachment(ctx context.Context, attachmentHeader *multipart.FileHeader) (string, error) {
	file, openErr := attachmentHeader.Open()
	if openErr != nil {
		handlers.logger.Warn(logEventOpenAttachment, zap.Error(openErr))
		return "", openErr
	}
	defer file.Close()
	return handlers.stash.Store(ctx, file, attachmentHeader.Filename, attachmentHeader.Header.Get("Content-Type"))
}

func (handlers *ContactHandlers) discardAttachment(relativePath string) {
	if relativePath == "" {
		return
	}
	if removeErr := handlers.stash.Remove(relativePath); removeErr != nil {
		handlers.logger.Warn(logEventRemoveAttachment, zap.String("path", relativePath), zap.Error(removeErr))
	}
}

func (handlers *ContactHandlers) rejectSubmission(context *gin.Context, outcome string) {
	handlers.metrics.recordSubmission(outcome)
	status := http.StatusBadRequest
	if outcome == outcomeInternalError {
		status = http.StatusInternalServerError
	}
	context.JSON(status, gin.H{jsonKeyOK: false, jsonKeyError: outcome})
}

func uploadedAttachment(form *multipart.Form) *multipart.FileHeader {
	if form == nil {
		return nil
	}
	for _, fileHeader := range form.File[formFieldAttachment] {
		if fileHeader != nil && strings.TrimSpace(fileHeader.Filename) != "" {
			return fileHeader
		}
	}
	return nil
}
