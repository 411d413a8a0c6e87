package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

const (
	// MaxAttachmentBytes bounds a single stored attachment.
	MaxAttachmentBytes int64 = 5 * 1024 * 1024

	MimeTypePDF        = "application/pdf"
	MimeTypeLegacyWord = "application/msword"
	MimeTypeWordOOXML  = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

	mimeTypeOLEStorage = "application/x-ole-storage"
	mimeTypeZip        = "application/zip"

	storedNameSeparator   = "__"
	storedNameTimeLayout  = "2006-01-02T15-04-05"
	storedNameNanosFormat = "-%09dZ"
	fallbackStoredName    = "attachment"
	maxSanitizedNameRunes = 120
	maxCollisionAttempts  = 16
	sniffHeaderBytes      = 3072
	pdfMarkerWindowBytes  = 1024

	uploadDirectoryPermissions fs.FileMode = 0o755
	uploadFilePermissions      fs.FileMode = 0o640
)

var (
	// ErrUnsupportedAttachment indicates the upload is too large or of a disallowed type.
	ErrUnsupportedAttachment = errors.New("attachments: unsupported attachment")
	// ErrPathTraversal indicates a relative path that would escape the data root.
	ErrPathTraversal = errors.New("attachments: path escapes data root")
	// ErrAttachmentNotFound indicates the referenced file does not exist on disk.
	ErrAttachmentNotFound = errors.New("attachments: file not found")
	// ErrInvalidStashConfiguration indicates an unusable data root or upload directory.
	ErrInvalidStashConfiguration = errors.New("attachments: invalid stash configuration")

	unsafeNameCharacters = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

	pdfMarker = []byte("%PDF-")

	// sniffedFamilies lists, per allowed declared type, the detected content
	// types accepted as consistent with that declaration.
	sniffedFamilies = map[string][]string{
		MimeTypePDF:        {MimeTypePDF},
		MimeTypeLegacyWord: {MimeTypeLegacyWord, mimeTypeOLEStorage},
		MimeTypeWordOOXML:  {MimeTypeWordOOXML, mimeTypeZip},
	}
)

// Config describes where attachments live on disk.
type Config struct {
	DataRoot        string
	UploadDirectory string
	MaxBytes        int64
}

// Stash stores uploaded files under an upload directory contained in the data
// root and resolves stored relative paths back to absolute ones.
type Stash struct {
	dataRoot        string
	uploadDirectory string
	maxBytes        int64
	now             func() time.Time
}

// NewStash validates the configuration and creates the upload directory.
func NewStash(configuration Config) (*Stash, error) {
	if strings.TrimSpace(configuration.DataRoot) == "" {
		return nil, fmt.Errorf("%w: missing data root", ErrInvalidStashConfiguration)
	}
	dataRoot, rootErr := filepath.Abs(configuration.DataRoot)
	if rootErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStashConfiguration, rootErr)
	}

	uploadDirectory := strings.TrimSpace(configuration.UploadDirectory)
	if uploadDirectory == "" {
		uploadDirectory = filepath.Join(dataRoot, "uploads")
	}
	uploadDirectory, uploadErr := filepath.Abs(uploadDirectory)
	if uploadErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStashConfiguration, uploadErr)
	}
	if _, containedErr := relativeWithin(dataRoot, uploadDirectory); containedErr != nil {
		return nil, fmt.Errorf("%w: upload directory %s is outside data root %s", ErrInvalidStashConfiguration, uploadDirectory, dataRoot)
	}
	if mkdirErr := os.MkdirAll(uploadDirectory, uploadDirectoryPermissions); mkdirErr != nil {
		return nil, fmt.Errorf("%w: create upload directory: %v", ErrInvalidStashConfiguration, mkdirErr)
	}

	maxBytes := configuration.MaxBytes
	if maxBytes <= 0 {
		maxBytes = MaxAttachmentBytes
	}

	return &Stash{
		dataRoot:        dataRoot,
		uploadDirectory: uploadDirectory,
		maxBytes:        maxBytes,
		now:             time.Now,
	}, nil
}

// DataRoot returns the absolute directory stored paths are relative to.
func (stash *Stash) DataRoot() string {
	return stash.dataRoot
}

// MaxBytes returns the per-file size limit.
func (stash *Stash) MaxBytes() int64 {
	return stash.maxBytes
}

// CheckDeclared validates an upload's declared size and content type before
// any bytes are written.
func (stash *Stash) CheckDeclared(declaredSize int64, declaredType string) error {
	if declaredSize > stash.maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrUnsupportedAttachment, declaredSize, stash.maxBytes)
	}
	if _, allowed := sniffedFamilies[NormalizeMimeType(declaredType)]; !allowed {
		return fmt.Errorf("%w: type %q", ErrUnsupportedAttachment, declaredType)
	}
	return nil
}

// Store streams content into a new timestamp-prefixed file and returns its
// path relative to the data root. Oversized, mistyped, or interrupted uploads
// leave no file behind.
func (stash *Stash) Store(ctx context.Context, content io.Reader, originalName string, declaredType string) (string, error) {
	if checkErr := stash.CheckDeclared(0, declaredType); checkErr != nil {
		return "", checkErr
	}

	header := make([]byte, sniffHeaderBytes)
	headerLength, readErr := io.ReadFull(content, header)
	if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("attachments: read upload: %w", readErr)
	}
	header = header[:headerLength]
	if sniffErr := verifySniffedType(header, declaredType); sniffErr != nil {
		return "", sniffErr
	}

	file, absolutePath, createErr := stash.createUniqueFile(originalName)
	if createErr != nil {
		return "", createErr
	}

	limitedContent := io.LimitReader(io.MultiReader(bytes.NewReader(header), contextReader{ctx: ctx, reader: content}), stash.maxBytes+1)
	written, copyErr := io.Copy(file, limitedContent)
	closeErr := file.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(absolutePath)
		return "", fmt.Errorf("attachments: write upload: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(absolutePath)
		return "", fmt.Errorf("attachments: close upload: %w", closeErr)
	case written > stash.maxBytes:
		_ = os.Remove(absolutePath)
		return "", fmt.Errorf("%w: exceeds %d bytes", ErrUnsupportedAttachment, stash.maxBytes)
	}

	relativePath, relErr := relativeWithin(stash.dataRoot, absolutePath)
	if relErr != nil {
		_ = os.Remove(absolutePath)
		return "", relErr
	}
	return filepath.ToSlash(relativePath), nil
}

// Resolve maps a stored relative path to an absolute one. Containment is
// checked before the filesystem is consulted.
func (stash *Stash) Resolve(relativePath string) (string, error) {
	absolutePath, containErr := stash.contain(relativePath)
	if containErr != nil {
		return "", containErr
	}
	info, statErr := os.Stat(absolutePath)
	if statErr != nil {
		if errors.Is(statErr, fs.ErrNotExist) {
			return "", ErrAttachmentNotFound
		}
		return "", fmt.Errorf("attachments: stat %s: %w", relativePath, statErr)
	}
	if !info.Mode().IsRegular() {
		return "", ErrAttachmentNotFound
	}
	return absolutePath, nil
}

// Remove deletes a stored file. Missing files and hostile paths are ignored.
func (stash *Stash) Remove(relativePath string) error {
	if strings.TrimSpace(relativePath) == "" {
		return nil
	}
	absolutePath, containErr := stash.contain(relativePath)
	if containErr != nil {
		return containErr
	}
	if removeErr := os.Remove(absolutePath); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
		return fmt.Errorf("attachments: remove %s: %w", relativePath, removeErr)
	}
	return nil
}

func (stash *Stash) contain(relativePath string) (string, error) {
	trimmed := strings.TrimSpace(relativePath)
	if trimmed == "" || filepath.IsAbs(trimmed) || strings.HasPrefix(trimmed, "/") || strings.ContainsRune(trimmed, 0) {
		return "", ErrPathTraversal
	}
	absolutePath := filepath.Join(stash.dataRoot, filepath.FromSlash(trimmed))
	if _, relErr := relativeWithin(stash.dataRoot, absolutePath); relErr != nil {
		return "", relErr
	}
	return absolutePath, nil
}

func (stash *Stash) createUniqueFile(originalName string) (*os.File, string, error) {
	createdAt := stash.now().UTC()
	baseName := createdAt.Format(storedNameTimeLayout) + fmt.Sprintf(storedNameNanosFormat, createdAt.Nanosecond()) +
		storedNameSeparator + SanitizeFileName(originalName)
	extension := filepath.Ext(baseName)
	stem := strings.TrimSuffix(baseName, extension)

	for attempt := 0; attempt < maxCollisionAttempts; attempt++ {
		candidateName := baseName
		if attempt > 0 {
			candidateName = fmt.Sprintf("%s-%d%s", stem, attempt, extension)
		}
		absolutePath := filepath.Join(stash.uploadDirectory, candidateName)
		file, openErr := os.OpenFile(absolutePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, uploadFilePermissions)
		if openErr == nil {
			return file, absolutePath, nil
		}
		if !errors.Is(openErr, fs.ErrExist) {
			return nil, "", fmt.Errorf("attachments: create upload: %w", openErr)
		}
	}
	return nil, "", fmt.Errorf("attachments: create upload: too many collisions for %s", baseName)
}

// SanitizeFileName reduces a client-supplied name to letters, digits, dot,
// dash and underscore.
func SanitizeFileName(originalName string) string {
	baseName := filepath.Base(strings.ReplaceAll(strings.TrimSpace(originalName), `\`, "/"))
	sanitized := unsafeNameCharacters.ReplaceAllString(baseName, "_")
	sanitized = strings.TrimLeft(sanitized, ".")
	if runes := []rune(sanitized); len(runes) > maxSanitizedNameRunes {
		sanitized = string(runes[len(runes)-maxSanitizedNameRunes:])
	}
	if sanitized == "" || sanitized == "_" {
		return fallbackStoredName
	}
	return sanitized
}

// NormalizeMimeType strips parameters and lowercases a Content-Type value.
func NormalizeMimeType(declaredType string) string {
	mediaType, _, parseErr := mime.ParseMediaType(declaredType)
	if parseErr != nil {
		return strings.ToLower(strings.TrimSpace(declaredType))
	}
	return mediaType
}

// AllowedMimeTypes lists the declared types accepted for upload.
func AllowedMimeTypes() []string {
	return []string{MimeTypePDF, MimeTypeLegacyWord, MimeTypeWordOOXML}
}

func verifySniffedType(header []byte, declaredType string) error {
	normalizedType := NormalizeMimeType(declaredType)
	// PDF readers accept the header anywhere in the first KiB.
	if normalizedType == MimeTypePDF && bytes.Contains(header[:min(len(header), pdfMarkerWindowBytes)], pdfMarker) {
		return nil
	}
	acceptedFamilies := sniffedFamilies[normalizedType]
	for detected := mimetype.Detect(header); detected != nil; detected = detected.Parent() {
		for _, accepted := range acceptedFamilies {
			if detected.Is(accepted) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: content does not match %q", ErrUnsupportedAttachment, declaredType)
}

func relativeWithin(root string, target string) (string, error) {
	relativePath, relErr := filepath.Rel(root, target)
	if relErr != nil {
		return "", ErrPathTraversal
	}
	if relativePath == "." || relativePath == ".." || strings.HasPrefix(relativePath, ".."+string(filepath.Separator)) || filepath.IsAbs(relativePath) {
		return "", ErrPathTraversal
	}
	return relativePath, nil
}

type contextReader struct {
	ctx    context.Context
	reader io.Reader
}

func (reader contextReader) Read(buffer []byte) (int, error) {
	if ctxErr := reader.ctx.Err(); ctxErr != nil {
		return 0, ctxErr
	}
	return reader.reader.Read(buffer)
}
